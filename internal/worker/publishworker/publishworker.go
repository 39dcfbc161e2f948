// Package publishworker consumes the publish_link work topic.
// Deliberately thin: there is no external effect left to perform once
// a link has been enriched, so the stage simply records that
// publication happened.
package publishworker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/homelab/lifestream/internal/eventtypes"
	"github.com/homelab/lifestream/internal/worker"
)

// Publisher implements worker.StageFunc for the publish_link work
// topic.
type Publisher struct{}

// New builds a Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Stage appends publish.completed with the current timestamp. There is
// no failure mode beyond a malformed work command.
func (p *Publisher) Stage(_ context.Context, work eventtypes.WorkCommand) (worker.StageResult, error) {
	if work.SubjectID == "" {
		return worker.StageResult{}, fmt.Errorf("publishworker: work command missing subject_id")
	}

	now := time.Now().UTC()
	payload, err := json.Marshal(eventtypes.PublishCompletedPayload{PublishedAt: &now})
	if err != nil {
		return worker.StageResult{}, fmt.Errorf("publishworker: marshal publish.completed payload: %w", err)
	}
	return worker.StageResult{EventType: eventtypes.PublishCompleted, Payload: payload}, nil
}
