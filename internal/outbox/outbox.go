// Package outbox forwards newly appended ledger events to the bus in
// arrival order, marking them forwarded only after the bus
// acknowledges them. It is the boundary between the durable ledger
// and the at-least-once bus.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/homelab/lifestream/internal/ledger"
	"github.com/homelab/lifestream/internal/metrics"
)

// Topic is the bus topic all events are forwarded to.
const Topic = "events.raw"

// ledgerStore is the subset of ledger.Store the forwarder depends on.
type ledgerStore interface {
	ReadUnforwarded(ctx context.Context, limit int) ([]ledger.Event, error)
	MarkForwarded(ctx context.Context, eventIDs []uuid.UUID) error
}

// producer is the subset of bus.Producer the forwarder depends on.
type producer interface {
	Produce(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
}

// Config tunes the forwarder's batching and retry behavior.
type Config struct {
	BatchSize           int
	PollInterval        time.Duration
	BackoffBase         time.Duration
	BackoffCap          time.Duration
	MaxConsecutiveFails int
}

// DefaultConfig returns the default tuning: base 1s, factor 2, cap
// 30s, bounded at 5 consecutive failures.
func DefaultConfig() Config {
	return Config{
		BatchSize:           100,
		PollInterval:        time.Second,
		BackoffBase:         time.Second,
		BackoffCap:          30 * time.Second,
		MaxConsecutiveFails: 5,
	}
}

// Forwarder is the long-running outbox loop.
type Forwarder struct {
	store    ledgerStore
	producer producer
	cfg      Config
	logger   *slog.Logger
}

// New builds a Forwarder. store is typically *ledger.Store.
func New(store ledgerStore, prod producer, cfg Config, logger *slog.Logger) *Forwarder {
	return &Forwarder{store: store, producer: prod, cfg: cfg, logger: logger}
}

// FatalErr is returned by Run when consecutive publish failures reach
// cfg.MaxConsecutiveFails, signalling the caller should exit the
// process so a supervisor can restart it.
type FatalErr struct {
	Consecutive int
	Cause       error
}

func (e *FatalErr) Error() string {
	return fmt.Sprintf("outbox: %d consecutive forwarding failures, last: %v", e.Consecutive, e.Cause)
}

func (e *FatalErr) Unwrap() error { return e.Cause }

// Run drives the forwarder until ctx is cancelled or a fatal condition
// is reached. It never returns nil except on context cancellation.
func (f *Forwarder) Run(ctx context.Context) error {
	consecutiveFails := 0
	backoff := f.cfg.BackoffBase

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		n, err := f.cycle(ctx)
		if err != nil {
			consecutiveFails++
			f.logger.Error("outbox cycle failed", "error", err, "consecutive_fails", consecutiveFails)
			if consecutiveFails >= f.cfg.MaxConsecutiveFails {
				return &FatalErr{Consecutive: consecutiveFails, Cause: err}
			}
			if !sleepCtx(ctx, backoff) {
				return nil
			}
			backoff *= 2
			if backoff > f.cfg.BackoffCap {
				backoff = f.cfg.BackoffCap
			}
			continue
		}

		consecutiveFails = 0
		backoff = f.cfg.BackoffBase

		if n == 0 {
			if !sleepCtx(ctx, f.cfg.PollInterval) {
				return nil
			}
		}
	}
}

// cycle reads one batch, publishes it in order, and marks it
// forwarded. Returns the number of events processed.
func (f *Forwarder) cycle(ctx context.Context) (int, error) {
	batch, err := f.store.ReadUnforwarded(ctx, f.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("read unforwarded: %w", err)
	}
	if len(batch) == 0 {
		return 0, nil
	}

	forwarded := make([]uuid.UUID, 0, len(batch))
	for _, e := range batch {
		value, err := json.Marshal(e)
		if err != nil {
			// Schema/parse failure on our own event: log and skip this
			// one event rather than failing the whole batch.
			f.logger.Error("outbox: marshal event failed, skipping", "event_id", e.EventID, "error", err)
			continue
		}

		headers := map[string]string{
			"event_type": e.EventType,
			"source":     e.Source,
		}
		if err := f.producer.Produce(ctx, Topic, []byte(e.SubjectID), value, headers); err != nil {
			// Partial batch already forwarded is fine: mark what
			// succeeded so far before surfacing the error.
			if len(forwarded) > 0 {
				if markErr := f.store.MarkForwarded(ctx, forwarded); markErr != nil {
					f.logger.Error("outbox: mark partial batch forwarded failed", "error", markErr)
				}
			}
			return 0, fmt.Errorf("produce event %s: %w", e.EventID, err)
		}
		forwarded = append(forwarded, e.EventID)
	}

	if err := f.store.MarkForwarded(ctx, forwarded); err != nil {
		// Publish succeeded; the mark failed. Duplicates will be
		// published again next cycle — expected, absorbed downstream.
		return 0, fmt.Errorf("mark forwarded: %w", err)
	}
	metrics.EventsForwarded.Add(float64(len(forwarded)))
	return len(batch), nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
