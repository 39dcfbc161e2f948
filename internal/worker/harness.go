// Package worker implements the shared single-responsibility consumer
// contract every stage worker (fetch, enrich, publish) follows: parse
// the work command, run the stage function with a stage-appropriate
// timeout, append a completion event on success or work.failed on
// failure.
package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/homelab/lifestream/internal/bus"
	"github.com/homelab/lifestream/internal/eventtypes"
	"github.com/homelab/lifestream/internal/ledger"
	"github.com/homelab/lifestream/internal/metrics"
)

// Consumer is the subset of bus.Consumer a stage worker depends on.
type Consumer interface {
	Poll(ctx context.Context) ([]bus.Record, error)
	MarkCommitted(bus.Record)
}

// LedgerAppender is the subset of ledger.Store a stage worker depends
// on to record its outcome as a fact.
type LedgerAppender interface {
	Append(ctx context.Context, e ledger.Event) (bool, error)
}

// StageResult is what a StageFunc returns on success: the completion
// event type to append and its payload.
type StageResult struct {
	EventType string
	Payload   json.RawMessage
}

// StageFunc performs one unit of work for a parsed work command.
// Returning an error means the unit failed and should be retried
// (the harness appends work.failed); a nil error with StageResult
// populated means the stage succeeded, including the fetcher's
// "business failure" case of a fetch with no extractable text, which
// the stage function itself encodes as a successful content.fetched
// carrying a fetch_error field rather than returning an error.
type StageFunc func(ctx context.Context, work eventtypes.WorkCommand) (StageResult, error)

// Harness drives a single work topic to completion events.
type Harness struct {
	AgentName string
	Consumer  Consumer
	Ledger    LedgerAppender
	Stage     StageFunc
	Timeout   time.Duration
	Logger    *slog.Logger
}

// Run polls the harness's work topic until ctx is cancelled,
// processing each record in order.
func (h *Harness) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		records, err := h.Consumer.Poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			h.Logger.Error("worker: poll failed", "agent", h.AgentName, "error", err)
			continue
		}

		for _, rec := range records {
			h.handleRecord(ctx, rec)
			h.Consumer.MarkCommitted(rec)
		}
	}
}

func (h *Harness) handleRecord(ctx context.Context, rec bus.Record) {
	var work eventtypes.WorkCommand
	if err := json.Unmarshal(rec.Value, &work); err != nil {
		// Schema/parse failure: drop, never retried.
		h.Logger.Error("worker: decode work command failed, dropping", "agent", h.AgentName, "error", err)
		return
	}

	logger := h.Logger.With("agent", h.AgentName, "subject_id", work.SubjectID,
		"correlation_id", work.CorrelationID, "attempt", work.Attempt)

	stageCtx := ctx
	var cancel context.CancelFunc
	if h.Timeout > 0 {
		stageCtx, cancel = context.WithTimeout(ctx, h.Timeout)
		defer cancel()
	}

	start := time.Now()
	result, err := h.Stage(stageCtx, work)
	metrics.StageDuration.WithLabelValues(h.AgentName).Observe(time.Since(start).Seconds())
	if err != nil {
		h.appendFailure(ctx, work, err, logger)
		return
	}
	h.appendCompletion(ctx, work, result, logger)
}

func (h *Harness) appendCompletion(ctx context.Context, work eventtypes.WorkCommand, result StageResult, logger *slog.Logger) {
	kind, ok := subjectKind(work.SubjectID)
	if !ok {
		kind = "unknown"
	}

	eventID, err := uuid.NewV7()
	if err != nil {
		logger.Error("worker: mint completion event id failed", "error", err)
		return
	}
	corrID, err := uuid.Parse(work.CorrelationID)
	var corrPtr *uuid.UUID
	if err == nil {
		corrPtr = &corrID
	} else {
		logger.Warn("worker: correlation id unparsable", "error", err)
	}
	triggeredBy, err := uuid.Parse(work.TriggeredByEvent)
	var causePtr *uuid.UUID
	if err == nil {
		causePtr = &triggeredBy
	}

	_, appendErr := h.Ledger.Append(ctx, ledger.Event{
		EventID:       eventID,
		OccurredAt:    time.Now().UTC(),
		Source:        "agent:" + h.AgentName,
		SubjectKind:   kind,
		SubjectID:     work.SubjectID,
		EventType:     result.EventType,
		Payload:       result.Payload,
		CorrelationID: corrPtr,
		CausationID:   causePtr,
	})
	if appendErr != nil {
		logger.Error("worker: append completion event failed", "error", appendErr)
	}
}

func (h *Harness) appendFailure(ctx context.Context, work eventtypes.WorkCommand, cause error, logger *slog.Logger) {
	logger.Warn("worker: stage failed", "error", cause)

	kind, ok := subjectKind(work.SubjectID)
	if !ok {
		kind = "unknown"
	}

	workRaw, marshalErr := json.Marshal(work)
	if marshalErr != nil {
		logger.Error("worker: marshal work command for failure event failed", "error", marshalErr)
		return
	}
	payload, err := json.Marshal(eventtypes.WorkFailedPayload{
		WorkMessage: workRaw,
		Error:       cause.Error(),
		Agent:       h.AgentName,
	})
	if err != nil {
		logger.Error("worker: marshal work.failed payload failed", "error", err)
		return
	}

	eventID, err := uuid.NewV7()
	if err != nil {
		logger.Error("worker: mint failure event id failed", "error", err)
		return
	}
	corrID, err := uuid.Parse(work.CorrelationID)
	var corrPtr *uuid.UUID
	if err == nil {
		corrPtr = &corrID
	}
	triggeredBy, err := uuid.Parse(work.TriggeredByEvent)
	var causePtr *uuid.UUID
	if err == nil {
		causePtr = &triggeredBy
	}

	_, appendErr := h.Ledger.Append(ctx, ledger.Event{
		EventID:       eventID,
		OccurredAt:    time.Now().UTC(),
		Source:        "agent:" + h.AgentName,
		SubjectKind:   kind,
		SubjectID:     work.SubjectID,
		EventType:     eventtypes.WorkFailed,
		Payload:       payload,
		CorrelationID: corrPtr,
		CausationID:   causePtr,
	})
	if appendErr != nil {
		logger.Error("worker: append work.failed event failed", "error", appendErr)
	}
}

// subjectKind extracts the kind prefix from a subject id. The full id
// (prefix included) is what events and projections key on; the kind is
// only split out for the event's subject_kind column.
func subjectKind(subjectID string) (string, bool) {
	for i := 0; i < len(subjectID); i++ {
		if subjectID[i] == ':' {
			return subjectID[:i], true
		}
	}
	return "", false
}
