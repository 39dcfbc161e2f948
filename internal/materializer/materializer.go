package materializer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/homelab/lifestream/internal/bus"
	"github.com/homelab/lifestream/internal/ledger"
	"github.com/homelab/lifestream/internal/metrics"
)

// Topic is the bus topic the materializer consumes, with explicit
// offset control: it never commits to a bus consumer group, since its
// progress lives in Postgres alongside the projections it produces.
const Topic = "events.raw"

// eventStore is the subset of Store the materializer loop depends on.
type eventStore interface {
	Apply(ctx context.Context, rec bus.Record, e ledger.Event) (bool, error)
	Skip(ctx context.Context, rec bus.Record) error
	HighestRecordedOffsets(ctx context.Context, topic string) (map[int32]int64, error)
	ResetTopic(ctx context.Context, topic string) error
}

// consumer is the subset of bus.Consumer the materializer depends on.
type consumer interface {
	Poll(ctx context.Context) ([]bus.Record, error)
	SeekTo(topic string, partition int32, offset int64)
}

// admin is the subset of bus.AdminClient the materializer depends on
// for startup offset reconciliation.
type admin interface {
	WatermarkOffsets(ctx context.Context, topic string) (earliest, latest map[int32]int64, err error)
}

// Config tunes poison-message handling.
type Config struct {
	MaxMessageRetries int
	RetryBackoff      time.Duration
}

// DefaultConfig returns the default poison-message policy: three
// attempts with a short backoff before record-and-skip.
func DefaultConfig() Config {
	return Config{MaxMessageRetries: 3, RetryBackoff: 200 * time.Millisecond}
}

// Materializer is the long-running projection loop.
type Materializer struct {
	consumer consumer
	admin    admin
	store    eventStore
	cfg      Config
	logger   *slog.Logger
}

// New builds a Materializer.
func New(c consumer, a admin, store eventStore, cfg Config, logger *slog.Logger) *Materializer {
	if cfg.MaxMessageRetries <= 0 {
		cfg = DefaultConfig()
	}
	return &Materializer{consumer: c, admin: a, store: store, cfg: cfg, logger: logger}
}

// Reconcile performs the startup offset reconciliation described in
// the materializer's design: for each partition, compare the bus's
// watermarks against the highest offset this materializer has
// recorded, and seek to the appropriate starting point before the
// first Poll.
func (m *Materializer) Reconcile(ctx context.Context) error {
	earliest, latest, err := m.admin.WatermarkOffsets(ctx, Topic)
	if err != nil {
		return fmt.Errorf("materializer: watermark offsets: %w", err)
	}
	recorded, err := m.store.HighestRecordedOffsets(ctx, Topic)
	if err != nil {
		return fmt.Errorf("materializer: read recorded offsets: %w", err)
	}

	needsReset := false
	for partition, hi := range latest {
		desired := int64(0)
		if last, ok := recorded[partition]; ok {
			desired = last + 1
		}
		if desired > hi {
			needsReset = true
			break
		}
	}
	if needsReset {
		m.logger.Warn("materializer: bus appears to have been recreated, truncating idempotency ledger and replaying", "topic", Topic)
		if err := m.store.ResetTopic(ctx, Topic); err != nil {
			return fmt.Errorf("materializer: reset topic: %w", err)
		}
		recorded = map[int32]int64{}
	}

	for partition, lo := range earliest {
		desired := int64(0)
		if last, ok := recorded[partition]; ok {
			desired = last + 1
		}
		switch {
		case desired < lo:
			m.logger.Warn("materializer: recorded offset below retention window, seeking to earliest",
				"partition", partition, "desired", desired, "earliest", lo)
			m.consumer.SeekTo(Topic, partition, lo)
		default:
			m.consumer.SeekTo(Topic, partition, desired)
		}
	}
	return nil
}

// Run polls events.raw until ctx is cancelled, applying each record to
// the read model.
func (m *Materializer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		records, err := m.consumer.Poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			m.logger.Error("materializer: poll failed", "error", err)
			continue
		}

		for _, rec := range records {
			m.handleRecord(ctx, rec)
		}
	}
}

func (m *Materializer) handleRecord(ctx context.Context, rec bus.Record) {
	var e ledger.Event
	if err := json.Unmarshal(rec.Value, &e); err != nil {
		m.logger.Error("materializer: decode event failed, skipping", "error", err,
			"topic", rec.Topic, "partition", rec.Partition, "offset", rec.Offset)
		if skipErr := m.store.Skip(ctx, rec); skipErr != nil {
			m.logger.Error("materializer: record skip for undecodable message failed", "error", skipErr)
		}
		return
	}

	logger := m.logger.With("subject_id", e.SubjectID, "event_type", e.EventType,
		"partition", rec.Partition, "offset", rec.Offset)

	var lastErr error
	for attempt := 1; attempt <= m.cfg.MaxMessageRetries; attempt++ {
		start := time.Now()
		applied, err := m.store.Apply(ctx, rec, e)
		if err == nil {
			metrics.TransactionDuration.Observe(time.Since(start).Seconds())
			outcome := "applied"
			if !applied {
				outcome = "duplicate"
			}
			metrics.ProjectionWrites.WithLabelValues(e.EventType, outcome).Inc()
			return
		}
		lastErr = err
		logger.Warn("materializer: apply failed, retrying", "attempt", attempt, "error", err)
		if attempt < m.cfg.MaxMessageRetries {
			select {
			case <-ctx.Done():
				return
			case <-time.After(m.cfg.RetryBackoff):
			}
		}
	}

	logger.Error("materializer: poison message, skipping after exhausting retries", "error", lastErr)
	metrics.ProjectionWrites.WithLabelValues(e.EventType, "poison").Inc()
	if err := m.store.Skip(ctx, rec); err != nil {
		logger.Error("materializer: record skip for poison message failed", "error", err)
	}
}
