package publishworker

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/homelab/lifestream/internal/eventtypes"
)

func TestStageAppendsPublishCompleted(t *testing.T) {
	p := New()
	result, err := p.Stage(context.Background(), eventtypes.WorkCommand{SubjectID: "link:abc"})
	if err != nil {
		t.Fatalf("Stage: %v", err)
	}
	if result.EventType != eventtypes.PublishCompleted {
		t.Fatalf("want publish.completed, got %s", result.EventType)
	}

	var out eventtypes.PublishCompletedPayload
	if err := json.Unmarshal(result.Payload, &out); err != nil {
		t.Fatal(err)
	}
	if out.PublishedAt == nil || out.PublishedAt.IsZero() {
		t.Fatal("want non-zero published_at")
	}
}

func TestStageRejectsMissingSubjectID(t *testing.T) {
	p := New()
	if _, err := p.Stage(context.Background(), eventtypes.WorkCommand{}); err == nil {
		t.Fatal("want error for missing subject_id")
	}
}
