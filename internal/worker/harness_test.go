package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/homelab/lifestream/internal/bus"
	"github.com/homelab/lifestream/internal/eventtypes"
	"github.com/homelab/lifestream/internal/ledger"
)

type captureLedger struct {
	events []ledger.Event
}

func (c *captureLedger) Append(_ context.Context, e ledger.Event) (bool, error) {
	c.events = append(c.events, e)
	return true, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func recordWith(value []byte) bus.Record {
	return bus.Record{Topic: "work.fetch_link", Value: value}
}

func workRecord(t *testing.T, work eventtypes.WorkCommand) []byte {
	t.Helper()
	raw, err := json.Marshal(work)
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func TestHandleRecordAppendsCompletionWithFullSubjectID(t *testing.T) {
	led := &captureLedger{}
	h := &Harness{
		AgentName: "fetcher",
		Ledger:    led,
		Logger:    discardLogger(),
		Stage: func(_ context.Context, _ eventtypes.WorkCommand) (StageResult, error) {
			return StageResult{EventType: eventtypes.ContentFetched, Payload: json.RawMessage(`{}`)}, nil
		},
	}

	corr := uuid.NewString()
	trigger := uuid.NewString()
	work := eventtypes.WorkCommand{
		SubjectID: "link:abc123", WorkType: eventtypes.WorkFetchLink,
		CorrelationID: corr, TriggeredByEvent: trigger,
		Attempt: 1, MaxAttempts: 3, CreatedAt: time.Now(),
	}
	h.handleRecord(context.Background(), recordWith(workRecord(t, work)))

	if len(led.events) != 1 {
		t.Fatalf("want 1 appended event, got %d", len(led.events))
	}
	e := led.events[0]
	if e.EventType != eventtypes.ContentFetched {
		t.Fatalf("want content.fetched, got %s", e.EventType)
	}
	if e.SubjectID != "link:abc123" || e.SubjectKind != "link" {
		t.Fatalf("want full subject id preserved, got kind=%s id=%s", e.SubjectKind, e.SubjectID)
	}
	if e.CorrelationID == nil || e.CorrelationID.String() != corr {
		t.Fatalf("want correlation id copied from work command, got %v", e.CorrelationID)
	}
	if e.CausationID == nil || e.CausationID.String() != trigger {
		t.Fatalf("want causation id from triggering event, got %v", e.CausationID)
	}
	if e.Source != "agent:fetcher" {
		t.Fatalf("want agent source, got %s", e.Source)
	}
}

func TestHandleRecordAppendsWorkFailedCarryingCommand(t *testing.T) {
	led := &captureLedger{}
	h := &Harness{
		AgentName: "fetcher",
		Ledger:    led,
		Logger:    discardLogger(),
		Stage: func(_ context.Context, _ eventtypes.WorkCommand) (StageResult, error) {
			return StageResult{}, errors.New("connect timeout")
		},
	}

	work := eventtypes.WorkCommand{
		SubjectID: "link:abc123", WorkType: eventtypes.WorkFetchLink,
		CorrelationID: uuid.NewString(), TriggeredByEvent: uuid.NewString(),
		Attempt: 2, MaxAttempts: 3, CreatedAt: time.Now(),
	}
	h.handleRecord(context.Background(), recordWith(workRecord(t, work)))

	if len(led.events) != 1 {
		t.Fatalf("want 1 appended event, got %d", len(led.events))
	}
	e := led.events[0]
	if e.EventType != eventtypes.WorkFailed {
		t.Fatalf("want work.failed, got %s", e.EventType)
	}
	if e.SubjectID != "link:abc123" {
		t.Fatalf("want full subject id preserved, got %s", e.SubjectID)
	}

	var payload eventtypes.WorkFailedPayload
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		t.Fatal(err)
	}
	if payload.Error != "connect timeout" || payload.Agent != "fetcher" {
		t.Fatalf("unexpected failure payload: %+v", payload)
	}
	var echoed eventtypes.WorkCommand
	if err := json.Unmarshal(payload.WorkMessage, &echoed); err != nil {
		t.Fatal(err)
	}
	if echoed.Attempt != 2 || echoed.SubjectID != work.SubjectID {
		t.Fatalf("want original work command echoed, got %+v", echoed)
	}
}

func TestHandleRecordDropsUndecodableCommand(t *testing.T) {
	led := &captureLedger{}
	h := &Harness{
		AgentName: "fetcher",
		Ledger:    led,
		Logger:    discardLogger(),
		Stage: func(_ context.Context, _ eventtypes.WorkCommand) (StageResult, error) {
			t.Fatal("stage must not run for an undecodable command")
			return StageResult{}, nil
		},
	}

	h.handleRecord(context.Background(), recordWith([]byte("not json")))
	if len(led.events) != 0 {
		t.Fatalf("want no events for dropped record, got %d", len(led.events))
	}
}
