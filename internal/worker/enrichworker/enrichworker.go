// Package enrichworker consumes the enrich_link work topic: it asks an
// external model for tags, a short and long summary, and a language
// guess, then parses the structured JSON out of the model's reply.
package enrichworker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/homelab/lifestream/internal/eventtypes"
	"github.com/homelab/lifestream/internal/modelclient"
	"github.com/homelab/lifestream/internal/tagcatalog"
	"github.com/homelab/lifestream/internal/worker"
)

// DefaultMaxBodyChars bounds the text passed into the prompt.
const DefaultMaxBodyChars = 32000

const (
	minTags = 3
	maxTags = 7
	maxSummaryShortChars = 200
)

// Enricher calls the model client and produces enrichment.completed
// events, tracking newly seen tags in its catalog.
type Enricher struct {
	model        modelclient.Client
	catalog      *tagcatalog.Catalog
	maxBodyChars int

	// NewTags holds the full sorted catalog after a successful Stage
	// call that added tags to it, and is nil after one that added none;
	// the caller republishes it to tags.catalog. It is reset only once
	// a model response has been parsed and validated, so a failed Stage
	// call leaves the previous value in place.
	NewTags []string
}

// New builds an Enricher against the given model client and shared
// tag catalog.
func New(model modelclient.Client, catalog *tagcatalog.Catalog, maxBodyChars int) *Enricher {
	if maxBodyChars <= 0 {
		maxBodyChars = DefaultMaxBodyChars
	}
	return &Enricher{model: model, catalog: catalog, maxBodyChars: maxBodyChars}
}

type modelResponse struct {
	Tags         []string `json:"tags"`
	SummaryShort string   `json:"summary_short"`
	SummaryLong  string   `json:"summary_long"`
	Language     string   `json:"language"`
}

// Stage implements worker.StageFunc for the enrich_link work topic.
// Model errors, malformed responses, and timeouts are retryable
// failures.
func (e *Enricher) Stage(ctx context.Context, work eventtypes.WorkCommand) (worker.StageResult, error) {
	var payload eventtypes.EnrichWorkPayload
	if err := json.Unmarshal(work.Payload, &payload); err != nil {
		return worker.StageResult{}, fmt.Errorf("enrichworker: decode work payload: %w", err)
	}

	text := truncateUTF8(payload.Text, e.maxBodyChars)
	known := e.catalog.Known(100)
	prompt := buildPrompt(payload.Title, text, known)

	raw, err := e.model.Complete(ctx, prompt)
	if err != nil {
		return worker.StageResult{}, fmt.Errorf("enrichworker: model call failed: %w", err)
	}

	parsed, err := parseModelResponse(raw)
	if err != nil {
		return worker.StageResult{}, fmt.Errorf("enrichworker: parse model response: %w", err)
	}
	if len(parsed.Tags) < minTags {
		return worker.StageResult{}, fmt.Errorf("enrichworker: model returned %d tags, want at least %d", len(parsed.Tags), minTags)
	}
	if len(parsed.Tags) > maxTags {
		parsed.Tags = parsed.Tags[:maxTags]
	}
	if utf8.RuneCountInString(parsed.SummaryShort) > maxSummaryShortChars {
		parsed.SummaryShort = truncateUTF8(parsed.SummaryShort, maxSummaryShortChars)
	}

	e.NewTags = nil
	if e.catalog.Merge(parsed.Tags) {
		e.NewTags = e.catalog.All()
	}

	out := eventtypes.EnrichmentCompletedPayload{
		Tags:         parsed.Tags,
		SummaryShort: parsed.SummaryShort,
		SummaryLong:  parsed.SummaryLong,
		Language:     parsed.Language,
	}
	payloadJSON, err := json.Marshal(out)
	if err != nil {
		return worker.StageResult{}, fmt.Errorf("enrichworker: marshal enrichment.completed payload: %w", err)
	}
	return worker.StageResult{EventType: eventtypes.EnrichmentCompleted, Payload: payloadJSON}, nil
}

func buildPrompt(title, text string, knownTags []string) string {
	var b strings.Builder
	b.WriteString("You are tagging and summarizing a saved article for a personal reading log.\n")
	b.WriteString("Respond with a single JSON object with exactly these fields: ")
	b.WriteString(`{"tags": [3 to 7 short lowercase tags], "summary_short": "<=200 chars", "summary_long": "a paragraph", "language": "ISO 639-1 code"}`)
	b.WriteString("\n\n")
	if len(knownTags) > 0 {
		b.WriteString("Prefer reusing these existing tags where they fit: ")
		b.WriteString(strings.Join(knownTags, ", "))
		b.WriteString("\n\n")
	}
	b.WriteString("Title: ")
	b.WriteString(title)
	b.WriteString("\n\nText:\n")
	b.WriteString(text)
	return b.String()
}

// parseModelResponse extracts the JSON object from raw, tolerating a
// model that wraps it in prose or a fenced code block.
func parseModelResponse(raw string) (modelResponse, error) {
	start := strings.IndexByte(raw, '{')
	end := strings.LastIndexByte(raw, '}')
	if start < 0 || end < start {
		return modelResponse{}, fmt.Errorf("no JSON object found in model response")
	}
	var out modelResponse
	if err := json.Unmarshal([]byte(raw[start:end+1]), &out); err != nil {
		return modelResponse{}, fmt.Errorf("unmarshal model response: %w", err)
	}
	return out, nil
}

func truncateUTF8(s string, maxChars int) string {
	if utf8.RuneCountInString(s) <= maxChars {
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
