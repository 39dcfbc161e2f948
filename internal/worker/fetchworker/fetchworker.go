package fetchworker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/homelab/lifestream/internal/eventtypes"
	"github.com/homelab/lifestream/internal/httpkit"
	"github.com/homelab/lifestream/internal/ratelimit"
	"github.com/homelab/lifestream/internal/worker"
)

// DefaultMaxBodyBytes caps the downloaded response body.
const DefaultMaxBodyBytes int64 = 5 * 1024 * 1024

// DefaultMaxChars caps the extracted text length.
const DefaultMaxChars = 50000

// Fetcher downloads and extracts readable content, enforcing a
// per-hostname minimum request interval.
type Fetcher struct {
	client      *http.Client
	maxBodyByes int64
	maxChars    int
	limiter     *ratelimit.HostLimiter
}

// New builds a Fetcher. minHostIntervalSeconds is the per-hostname
// minimum interval between requests (default 1s).
func New(maxBodyBytes int64, maxChars int, minHostIntervalSeconds float64) *Fetcher {
	if maxBodyBytes <= 0 {
		maxBodyBytes = DefaultMaxBodyBytes
	}
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}
	return &Fetcher{
		client:      httpkit.NewClient(httpkit.WithTimeout(0)), // per-call timeout via context
		maxBodyByes: maxBodyBytes,
		maxChars:    maxChars,
		limiter:     ratelimit.NewHostLimiter(minHostIntervalSeconds),
	}
}

// Stage implements worker.StageFunc for the fetch_link work topic.
// Timeouts and transport errors are returned as errors (retryable
// failures). When the response is fetched successfully but no
// readable text can be extracted, this is a business outcome, not a
// failure: it returns a success StageResult carrying a non-empty
// fetch_error and no text_content.
func (f *Fetcher) Stage(ctx context.Context, work eventtypes.WorkCommand) (worker.StageResult, error) {
	var payload eventtypes.FetchWorkPayload
	if err := json.Unmarshal(work.Payload, &payload); err != nil {
		return worker.StageResult{}, fmt.Errorf("fetchworker: decode work payload: %w", err)
	}
	if payload.URL == "" {
		return worker.StageResult{}, fmt.Errorf("fetchworker: work payload missing url")
	}

	host, err := hostname(payload.URL)
	if err == nil && host != "" {
		if err := f.limiter.Wait(ctx, host); err != nil {
			return worker.StageResult{}, fmt.Errorf("fetchworker: rate limit wait: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, payload.URL, nil)
	if err != nil {
		return worker.StageResult{}, fmt.Errorf("fetchworker: invalid url: %w", err)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,text/plain;q=0.8,*/*;q=0.7")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := f.client.Do(req)
	if err != nil {
		// Transport error / timeout: retryable failure.
		return worker.StageResult{}, fmt.Errorf("fetchworker: request failed: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 1024)

	finalURL := payload.URL
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}

	limited := io.LimitReader(resp.Body, f.maxBodyByes)
	body, err := io.ReadAll(limited)
	if err != nil {
		return worker.StageResult{}, fmt.Errorf("fetchworker: read response body: %w", err)
	}

	contentType := resp.Header.Get("Content-Type")
	title, text, extractErr := f.extract(contentType, body)

	out := eventtypes.ContentFetchedPayload{FinalURL: finalURL}
	if extractErr != "" {
		out.FetchError = extractErr
	} else {
		out.Title = title
		out.TextContent = text
	}

	payloadJSON, err := json.Marshal(out)
	if err != nil {
		return worker.StageResult{}, fmt.Errorf("fetchworker: marshal content.fetched payload: %w", err)
	}
	return worker.StageResult{EventType: eventtypes.ContentFetched, Payload: payloadJSON}, nil
}

// extract returns (title, text, fetchError). fetchError is non-empty
// when the response was retrieved but no usable text could be
// produced — a business outcome, not a retryable failure.
func (f *Fetcher) extract(contentType string, body []byte) (title, text, fetchError string) {
	switch {
	case isHTML(contentType):
		title, text = extractHTML(string(body))
	case isPlainText(contentType):
		text = string(body)
	case utf8.Valid(body):
		text = string(body)
	default:
		return "", "", fmt.Sprintf("unsupported content type %q", contentType)
	}

	if len(text) > f.maxChars {
		text = truncateUTF8(text, f.maxChars)
	}
	if strings.TrimSpace(text) == "" {
		return title, "", "no extractable text content"
	}
	return title, text, ""
}

func isHTML(ct string) bool {
	ct = strings.ToLower(ct)
	return strings.Contains(ct, "text/html") || strings.Contains(ct, "application/xhtml")
}

func isPlainText(ct string) bool {
	return strings.Contains(strings.ToLower(ct), "text/plain")
}

func truncateUTF8(s string, maxChars int) string {
	if len(s) <= maxChars {
		return s
	}
	count := 0
	for i := range s {
		if count >= maxChars {
			return s[:i]
		}
		count++
	}
	return s
}

func hostname(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	return u.Hostname(), nil
}
