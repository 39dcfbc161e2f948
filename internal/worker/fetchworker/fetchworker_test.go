package fetchworker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/homelab/lifestream/internal/eventtypes"
)

func TestStageExtractsTitleAndText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><head><title>Hello</title></head><body><p>World content here.</p></body></html>`))
	}))
	defer srv.Close()

	f := New(0, 0, 0.001)
	payload, _ := json.Marshal(eventtypes.FetchWorkPayload{URL: srv.URL})
	result, err := f.Stage(context.Background(), eventtypes.WorkCommand{SubjectID: "link:abc", Payload: payload})
	if err != nil {
		t.Fatalf("Stage: %v", err)
	}
	if result.EventType != eventtypes.ContentFetched {
		t.Fatalf("want content.fetched, got %s", result.EventType)
	}

	var out eventtypes.ContentFetchedPayload
	if err := json.Unmarshal(result.Payload, &out); err != nil {
		t.Fatal(err)
	}
	if out.Title != "Hello" {
		t.Fatalf("want title Hello, got %q", out.Title)
	}
	if out.FetchError != "" {
		t.Fatalf("want no fetch error, got %q", out.FetchError)
	}
}

func TestStageReportsFetchErrorForEmptyBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><head></head><body></body></html>`))
	}))
	defer srv.Close()

	f := New(0, 0, 0.001)
	payload, _ := json.Marshal(eventtypes.FetchWorkPayload{URL: srv.URL})
	result, err := f.Stage(context.Background(), eventtypes.WorkCommand{SubjectID: "link:abc", Payload: payload})
	if err != nil {
		t.Fatalf("Stage should not return an error for a business failure: %v", err)
	}

	var out eventtypes.ContentFetchedPayload
	if err := json.Unmarshal(result.Payload, &out); err != nil {
		t.Fatal(err)
	}
	if out.FetchError == "" {
		t.Fatal("want non-empty fetch error for page with no extractable text")
	}
	if out.TextContent != "" {
		t.Fatal("want empty text_content alongside fetch_error")
	}
}

func TestStageReturnsErrorOnTransportFailure(t *testing.T) {
	f := New(0, 0, 0.001)
	payload, _ := json.Marshal(eventtypes.FetchWorkPayload{URL: "http://127.0.0.1:1"})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := f.Stage(ctx, eventtypes.WorkCommand{SubjectID: "link:abc", Payload: payload})
	if err == nil {
		t.Fatal("want error for unreachable host")
	}
}

func TestHostRateLimiterBoundsRequestRate(t *testing.T) {
	var hits []time.Time
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits = append(hits, time.Now())
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><head><title>T</title></head><body><p>hi</p></body></html>`))
	}))
	defer srv.Close()

	f := New(0, 0, 0.05) // 50ms minimum interval
	payload, _ := json.Marshal(eventtypes.FetchWorkPayload{URL: srv.URL})

	for i := 0; i < 3; i++ {
		if _, err := f.Stage(context.Background(), eventtypes.WorkCommand{SubjectID: "link:abc", Payload: payload}); err != nil {
			t.Fatal(err)
		}
	}

	if len(hits) != 3 {
		t.Fatalf("want 3 hits, got %d", len(hits))
	}
	for i := 1; i < len(hits); i++ {
		gap := hits[i].Sub(hits[i-1])
		if gap < 40*time.Millisecond {
			t.Fatalf("hit %d arrived too fast after previous: %v", i, gap)
		}
	}
}
