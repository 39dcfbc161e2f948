package enrichworker

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/homelab/lifestream/internal/eventtypes"
	"github.com/homelab/lifestream/internal/tagcatalog"
)

type fakeModel struct {
	response string
	err      error
}

func (f *fakeModel) Complete(ctx context.Context, prompt string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.response, nil
}

func TestStageProducesEnrichmentCompleted(t *testing.T) {
	model := &fakeModel{response: `{"tags": ["golang", "backend", "events"], "summary_short": "A short summary.", "summary_long": "A longer summary paragraph.", "language": "en"}`}
	cat := tagcatalog.New()
	e := New(model, cat, 0)

	payload, _ := json.Marshal(eventtypes.EnrichWorkPayload{Title: "Hello", Text: "World content."})
	result, err := e.Stage(context.Background(), eventtypes.WorkCommand{SubjectID: "link:abc", Payload: payload})
	if err != nil {
		t.Fatalf("Stage: %v", err)
	}
	if result.EventType != eventtypes.EnrichmentCompleted {
		t.Fatalf("want enrichment.completed, got %s", result.EventType)
	}

	var out eventtypes.EnrichmentCompletedPayload
	if err := json.Unmarshal(result.Payload, &out); err != nil {
		t.Fatal(err)
	}
	if len(out.Tags) != 3 {
		t.Fatalf("want 3 tags, got %d", len(out.Tags))
	}
	if out.Language != "en" {
		t.Fatalf("want language en, got %q", out.Language)
	}

	if len(e.NewTags) != 3 {
		t.Fatalf("want 3 new tags merged into catalog, got %d", len(e.NewTags))
	}
}

func TestStageToleratesProseWrappedJSON(t *testing.T) {
	model := &fakeModel{response: "Sure, here you go:\n```json\n{\"tags\": [\"a\", \"b\", \"c\"], \"summary_short\": \"s\", \"summary_long\": \"l\", \"language\": \"en\"}\n```\nHope that helps!"}
	e := New(model, tagcatalog.New(), 0)

	payload, _ := json.Marshal(eventtypes.EnrichWorkPayload{Title: "T", Text: "X"})
	result, err := e.Stage(context.Background(), eventtypes.WorkCommand{SubjectID: "link:abc", Payload: payload})
	if err != nil {
		t.Fatalf("Stage: %v", err)
	}
	var out eventtypes.EnrichmentCompletedPayload
	if err := json.Unmarshal(result.Payload, &out); err != nil {
		t.Fatal(err)
	}
	if len(out.Tags) != 3 {
		t.Fatalf("want 3 tags, got %d", len(out.Tags))
	}
}

func TestStageReturnsErrorOnModelFailure(t *testing.T) {
	model := &fakeModel{err: errors.New("upstream down")}
	e := New(model, tagcatalog.New(), 0)

	payload, _ := json.Marshal(eventtypes.EnrichWorkPayload{Title: "T", Text: "X"})
	_, err := e.Stage(context.Background(), eventtypes.WorkCommand{SubjectID: "link:abc", Payload: payload})
	if err == nil {
		t.Fatal("want error when model call fails")
	}
}

func TestStageReturnsErrorOnTooFewTags(t *testing.T) {
	model := &fakeModel{response: `{"tags": ["only-one"], "summary_short": "s", "summary_long": "l", "language": "en"}`}
	e := New(model, tagcatalog.New(), 0)

	payload, _ := json.Marshal(eventtypes.EnrichWorkPayload{Title: "T", Text: "X"})
	_, err := e.Stage(context.Background(), eventtypes.WorkCommand{SubjectID: "link:abc", Payload: payload})
	if err == nil {
		t.Fatal("want error when model returns too few tags")
	}
}

func TestStageTruncatesOversizedSummaryShort(t *testing.T) {
	longSummary := strings.Repeat("x", 500)
	model := &fakeModel{response: `{"tags": ["a", "b", "c"], "summary_short": "` + longSummary + `", "summary_long": "l", "language": "en"}`}
	e := New(model, tagcatalog.New(), 0)

	payload, _ := json.Marshal(eventtypes.EnrichWorkPayload{Title: "T", Text: "X"})
	result, err := e.Stage(context.Background(), eventtypes.WorkCommand{SubjectID: "link:abc", Payload: payload})
	if err != nil {
		t.Fatalf("Stage: %v", err)
	}
	var out eventtypes.EnrichmentCompletedPayload
	if err := json.Unmarshal(result.Payload, &out); err != nil {
		t.Fatal(err)
	}
	if len(out.SummaryShort) > maxSummaryShortChars {
		t.Fatalf("want summary_short truncated to %d chars, got %d", maxSummaryShortChars, len(out.SummaryShort))
	}
}
