// Package router consumes the event stream, performs idempotency
// checks against the read model, and emits typed work commands to
// per-stage work topics. It also owns retry/dead-letter policy for
// work.failed facts. The router is stateless beyond its bus consumer
// position; correctness rests on its idempotency checks staying
// consistent with what the materializer ultimately projects.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/homelab/lifestream/internal/bus"
	"github.com/homelab/lifestream/internal/eventtypes"
	"github.com/homelab/lifestream/internal/ledger"
	"github.com/homelab/lifestream/internal/metrics"
)

// EventsTopic is the bus topic the router consumes.
const EventsTopic = "events.raw"

// WorkTopic returns the bus topic for a work type.
func WorkTopic(workType string) string { return "work." + workType }

// DeadLetterTopic receives exhausted work commands.
const DeadLetterTopic = "work.dead_letter"

// consumer is the subset of bus.Consumer the router depends on.
type consumer interface {
	Poll(ctx context.Context) ([]bus.Record, error)
	MarkCommitted(bus.Record)
}

// producer is the subset of bus.Producer the router depends on.
type producer interface {
	Produce(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
}

// Projections is the read-model surface the router checks before
// emitting work, kept deliberately narrow so a fake can back tests
// without a live Postgres.
type Projections interface {
	// LinkContentExists reports whether link content has already been
	// recorded for subjectID (used to dedupe link.added -> fetch_link).
	LinkContentExists(ctx context.Context, subjectID string) (bool, error)
	// LinkMetadataFilled reports whether link metadata has a non-empty
	// tag set for subjectID (used to dedupe content.fetched -> enrich_link).
	LinkMetadataFilled(ctx context.Context, subjectID string) (bool, error)
	// PublishClean reports whether publish state is dirty=false and
	// published_version>=desired_version for subjectID (used to dedupe
	// enrichment.completed -> publish_link).
	PublishClean(ctx context.Context, subjectID string) (bool, error)
}

// Config configures per-work-type retry limits.
type Config struct {
	MaxAttempts map[string]int
}

// AttemptsFor returns the configured max attempts for workType,
// falling back to 3.
func (c Config) AttemptsFor(workType string) int {
	if n, ok := c.MaxAttempts[workType]; ok && n > 0 {
		return n
	}
	return 3
}

// Stats is an in-memory counters surface exposed read-only over the
// debug mux: observability, not a correctness dependency.
type Stats struct {
	mu           sync.Mutex
	EventsSeen   int64
	WorkEmitted  map[string]int64
	Retries      int64
	DeadLetters  int64
}

// Snapshot returns a copy-safe view of the counters.
func (s *Stats) Snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := Stats{EventsSeen: s.EventsSeen, Retries: s.Retries, DeadLetters: s.DeadLetters}
	cp.WorkEmitted = make(map[string]int64, len(s.WorkEmitted))
	for k, v := range s.WorkEmitted {
		cp.WorkEmitted[k] = v
	}
	return cp
}

func (s *Stats) recordEvent() {
	s.mu.Lock()
	s.EventsSeen++
	s.mu.Unlock()
}

func (s *Stats) recordWork(workType string) {
	s.mu.Lock()
	if s.WorkEmitted == nil {
		s.WorkEmitted = make(map[string]int64)
	}
	s.WorkEmitted[workType]++
	s.mu.Unlock()
}

func (s *Stats) recordRetry() {
	s.mu.Lock()
	s.Retries++
	s.mu.Unlock()
}

func (s *Stats) recordDeadLetter() {
	s.mu.Lock()
	s.DeadLetters++
	s.mu.Unlock()
}

// Router is the long-running router loop.
type Router struct {
	consumer    consumer
	producer    producer
	projections Projections
	ledger      *ledger.Store
	cfg         Config
	logger      *slog.Logger
	Stats       *Stats
}

// New builds a Router. ledgerStore is used only to append
// work.dead_lettered events when a work command is exhausted.
func New(c consumer, p producer, projections Projections, ledgerStore *ledger.Store, cfg Config, logger *slog.Logger) *Router {
	return &Router{
		consumer:    c,
		producer:    p,
		projections: projections,
		ledger:      ledgerStore,
		cfg:         cfg,
		logger:      logger,
		Stats:       &Stats{},
	}
}

// Run polls the events topic until ctx is cancelled, dispatching each
// record to handleEvent.
func (r *Router) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		records, err := r.consumer.Poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.logger.Error("router: poll failed", "error", err)
			continue
		}

		for _, rec := range records {
			r.handleRecord(ctx, rec)
			r.consumer.MarkCommitted(rec)
		}
	}
}

func (r *Router) handleRecord(ctx context.Context, rec bus.Record) {
	r.Stats.recordEvent()

	var e ledger.Event
	if err := json.Unmarshal(rec.Value, &e); err != nil {
		// Schema/parse failure: drop, never retried, offset advances
		// (MarkCommitted happens in the caller regardless).
		r.logger.Error("router: decode event failed, dropping", "error", err)
		return
	}

	logger := r.logger.With("subject_id", e.SubjectID, "event_type", e.EventType)
	if e.CorrelationID != nil {
		logger = logger.With("correlation_id", e.CorrelationID.String())
	}

	switch e.EventType {
	case eventtypes.LinkAdded:
		r.routeLinkAdded(ctx, e, logger)
	case eventtypes.ContentFetched:
		r.routeContentFetched(ctx, e, logger)
	case eventtypes.EnrichmentCompleted:
		r.routeEnrichmentCompleted(ctx, e, logger)
	case eventtypes.WorkFailed:
		r.routeWorkFailed(ctx, e, logger)
	default:
		// Ignore everything else (materializer-only facts, admin
		// visibility changes, etc).
	}
}

func (r *Router) routeLinkAdded(ctx context.Context, e ledger.Event, logger *slog.Logger) {
	exists, err := r.projections.LinkContentExists(ctx, e.SubjectID)
	if err != nil {
		logger.Error("router: idempotency check failed", "error", err)
		return
	}
	if exists {
		return
	}

	var payload eventtypes.LinkAddedPayload
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		logger.Error("router: decode link.added payload failed", "error", err)
		return
	}

	work := eventtypes.WorkCommand{
		SubjectID:        e.SubjectID,
		WorkType:         eventtypes.WorkFetchLink,
		CorrelationID:    newCorrelationID(e),
		TriggeredByEvent: e.EventID.String(),
		Attempt:          1,
		MaxAttempts:      r.cfg.AttemptsFor(eventtypes.WorkFetchLink),
		CreatedAt:        time.Now().UTC(),
	}
	url := payload.URL
	if url == "" {
		url = payload.URLNorm
	}
	fp, _ := json.Marshal(eventtypes.FetchWorkPayload{URL: url})
	work.Payload = fp

	r.emitWork(ctx, work, logger)
}

func (r *Router) routeContentFetched(ctx context.Context, e ledger.Event, logger *slog.Logger) {
	var payload eventtypes.ContentFetchedPayload
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		logger.Error("router: decode content.fetched payload failed", "error", err)
		return
	}
	if payload.FetchError != "" || payload.TextContent == "" {
		return
	}

	filled, err := r.projections.LinkMetadataFilled(ctx, e.SubjectID)
	if err != nil {
		logger.Error("router: idempotency check failed", "error", err)
		return
	}
	if filled {
		return
	}

	work := eventtypes.WorkCommand{
		SubjectID:        e.SubjectID,
		WorkType:         eventtypes.WorkEnrichLink,
		CorrelationID:    newCorrelationID(e),
		TriggeredByEvent: e.EventID.String(),
		Attempt:          1,
		MaxAttempts:      r.cfg.AttemptsFor(eventtypes.WorkEnrichLink),
		CreatedAt:        time.Now().UTC(),
	}
	ep, _ := json.Marshal(eventtypes.EnrichWorkPayload{Title: payload.Title, Text: payload.TextContent})
	work.Payload = ep

	r.emitWork(ctx, work, logger)
}

func (r *Router) routeEnrichmentCompleted(ctx context.Context, e ledger.Event, logger *slog.Logger) {
	clean, err := r.projections.PublishClean(ctx, e.SubjectID)
	if err != nil {
		logger.Error("router: idempotency check failed", "error", err)
		return
	}
	if clean {
		return
	}

	work := eventtypes.WorkCommand{
		SubjectID:        e.SubjectID,
		WorkType:         eventtypes.WorkPublishLink,
		CorrelationID:    newCorrelationID(e),
		TriggeredByEvent: e.EventID.String(),
		Attempt:          1,
		MaxAttempts:      r.cfg.AttemptsFor(eventtypes.WorkPublishLink),
		CreatedAt:        time.Now().UTC(),
	}
	r.emitWork(ctx, work, logger)
}

func (r *Router) routeWorkFailed(ctx context.Context, e ledger.Event, logger *slog.Logger) {
	var payload eventtypes.WorkFailedPayload
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		logger.Error("router: decode work.failed payload failed", "error", err)
		return
	}

	var orig eventtypes.WorkCommand
	if err := json.Unmarshal(payload.WorkMessage, &orig); err != nil {
		logger.Error("router: decode original work_message failed", "error", err)
		return
	}

	if orig.Attempt < orig.MaxAttempts {
		retry := orig
		retry.Attempt = orig.Attempt + 1
		retry.CreatedAt = time.Now().UTC()
		retry.LastError = payload.Error
		r.Stats.recordRetry()
		metrics.WorkRetries.Inc()
		r.emitWork(ctx, retry, logger)
		return
	}

	r.deadLetter(ctx, orig, payload.Error, payload.Agent, logger)
}

func (r *Router) emitWork(ctx context.Context, w eventtypes.WorkCommand, logger *slog.Logger) {
	value, err := json.Marshal(w)
	if err != nil {
		logger.Error("router: marshal work command failed", "error", err)
		return
	}
	topic := WorkTopic(w.WorkType)
	if err := r.producer.Produce(ctx, topic, []byte(w.SubjectID), value, map[string]string{
		"work_type": w.WorkType,
	}); err != nil {
		logger.Error("router: emit work failed", "work_type", w.WorkType, "error", err)
		return
	}
	r.Stats.recordWork(w.WorkType)
	metrics.WorkEmitted.WithLabelValues(w.WorkType).Inc()
}

func (r *Router) deadLetter(ctx context.Context, orig eventtypes.WorkCommand, finalErr, agent string, logger *slog.Logger) {
	now := time.Now().UTC()
	rec := eventtypes.DeadLetterRecord{
		OriginalWork: orig,
		FinalError:   finalErr,
		FailedAt:     now,
		Agent:        agent,
	}
	value, err := json.Marshal(rec)
	if err != nil {
		logger.Error("router: marshal dead letter failed", "error", err)
		return
	}
	if err := r.producer.Produce(ctx, DeadLetterTopic, []byte(orig.SubjectID), value, nil); err != nil {
		logger.Error("router: publish dead letter failed", "error", err)
		return
	}
	r.Stats.recordDeadLetter()
	metrics.DeadLetters.Inc()

	if r.ledger == nil {
		return
	}
	origRaw, _ := json.Marshal(orig)
	payload, _ := json.Marshal(eventtypes.WorkDeadLetteredPayload{
		OriginalWork: origRaw,
		FinalError:   finalErr,
		FailedAt:     now,
		Agent:        agent,
	})
	kind, ok := subjectKind(orig.SubjectID)
	if !ok {
		kind = "unknown"
	}
	eventID, err := uuid.NewV7()
	if err != nil {
		logger.Error("router: mint dead-letter event id failed", "error", err)
		return
	}
	corrID, _ := parseUUID(orig.CorrelationID)
	causeID, err := parseTriggeredBy(orig.TriggeredByEvent)
	if err != nil {
		logger.Warn("router: dead-letter causation id unparsable", "error", err)
	}
	_, appendErr := r.ledger.Append(ctx, ledger.Event{
		EventID:       eventID,
		OccurredAt:    now,
		Source:        "router",
		SubjectKind:   kind,
		SubjectID:     orig.SubjectID,
		EventType:     eventtypes.WorkDeadLettered,
		Payload:       payload,
		CorrelationID: corrID,
		CausationID:   causeID,
	})
	if appendErr != nil {
		logger.Error("router: append work.dead_lettered failed", "error", appendErr)
	}
}

func newCorrelationID(e ledger.Event) string {
	if e.CorrelationID != nil {
		return e.CorrelationID.String()
	}
	id, err := uuid.NewV7()
	if err != nil {
		return e.EventID.String()
	}
	return id.String()
}

// subjectKind extracts the kind prefix from a subject id. The full id
// stays intact on the event; only the subject_kind column wants the
// prefix on its own.
func subjectKind(subjectID string) (string, bool) {
	for i := 0; i < len(subjectID); i++ {
		if subjectID[i] == ':' {
			return subjectID[:i], true
		}
	}
	return "", false
}

func parseUUID(s string) (*uuid.UUID, error) {
	if s == "" {
		return nil, nil
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return nil, err
	}
	return &id, nil
}

func parseTriggeredBy(s string) (*uuid.UUID, error) {
	if s == "" {
		return nil, nil
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("parse triggered_by_event_id: %w", err)
	}
	return &id, nil
}
