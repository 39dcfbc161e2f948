// Package ledger implements the append-only event store. It is the
// single durability point of the pipeline: no event reaches the bus
// until it has been committed here, and no event is marked forwarded
// until the bus has acknowledged it.
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Event is an immutable fact about a subject.
type Event struct {
	EventID       uuid.UUID       `json:"event_id"`
	OccurredAt    time.Time       `json:"occurred_at"`
	ReceivedAt    time.Time       `json:"received_at"`
	Source        string          `json:"source"`
	SubjectKind   string          `json:"subject_kind"`
	SubjectID     string          `json:"subject_id"`
	EventType     string          `json:"event_type"`
	SchemaVersion int             `json:"schema_version"`
	Payload       json.RawMessage `json:"payload"`
	CorrelationID *uuid.UUID      `json:"correlation_id,omitempty"`
	CausationID   *uuid.UUID      `json:"causation_id,omitempty"`
	Forwarded     bool            `json:"forwarded"`
}

// dbPool is the subset of *pgxpool.Pool the ledger depends on. Tests
// inject a fake satisfying this interface instead of a live Postgres.
type dbPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store is the Postgres-backed event ledger.
type Store struct {
	pool   dbPool
	closer func()
	logger *slog.Logger
}

// Open connects to dsn with the given bounded pool size and runs the
// ledger's schema migration.
func Open(ctx context.Context, dsn string, maxConns, minConns int32, logger *slog.Logger) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("ledger: parse dsn: %w", err)
	}
	cfg.MaxConns = maxConns
	cfg.MinConns = minConns

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("ledger: connect: %w", err)
	}

	s := &Store{pool: pool, closer: pool.Close, logger: logger}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ledger: migrate: %w", err)
	}
	return s, nil
}

// NewWithPool wraps an existing pool, skipping connection setup. Used
// by streamd and streamctl, which share one pool across several stores.
func NewWithPool(pool *pgxpool.Pool, logger *slog.Logger) *Store {
	return &Store{pool: pool, closer: pool.Close, logger: logger}
}

// newWithDB wires a Store directly onto a dbPool implementation,
// bypassing migration and connection setup. Used by tests.
func newWithDB(pool dbPool, logger *slog.Logger) *Store {
	return &Store{pool: pool, logger: logger}
}

// Migrate creates the events table and its indexes if missing. Open
// runs it automatically; callers wiring a shared pool via NewWithPool
// run it themselves.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS events (
			event_id        UUID PRIMARY KEY,
			occurred_at     TIMESTAMPTZ NOT NULL,
			received_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
			source          TEXT NOT NULL,
			subject_kind    TEXT NOT NULL,
			subject_id      TEXT NOT NULL,
			event_type      TEXT NOT NULL,
			schema_version  INT NOT NULL DEFAULT 1,
			payload         JSONB NOT NULL DEFAULT '{}'::jsonb,
			correlation_id  UUID,
			causation_id    UUID,
			forwarded       BOOLEAN NOT NULL DEFAULT false
		);

		CREATE INDEX IF NOT EXISTS idx_events_unforwarded
			ON events (received_at, event_id) WHERE forwarded = false;
		CREATE INDEX IF NOT EXISTS idx_events_subject
			ON events (subject_kind, subject_id, received_at);
	`)
	return err
}

// Close releases the underlying pool, if any.
func (s *Store) Close() {
	if s.closer != nil {
		s.closer()
	}
}

// Append inserts event. A duplicate event_id is a no-op (detected via
// ON CONFLICT DO NOTHING); created reports whether the row was newly
// inserted, so admin tools re-emitting for idempotency can tell the
// two cases apart.
func (s *Store) Append(ctx context.Context, e Event) (created bool, err error) {
	if e.SchemaVersion == 0 {
		e.SchemaVersion = 1
	}
	if e.ReceivedAt.IsZero() {
		e.ReceivedAt = time.Now().UTC()
	}
	if len(e.Payload) == 0 {
		e.Payload = json.RawMessage("{}")
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO events (event_id, occurred_at, received_at, source, subject_kind,
			subject_id, event_type, schema_version, payload, correlation_id, causation_id, forwarded)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, false)
		ON CONFLICT (event_id) DO NOTHING
	`, e.EventID, e.OccurredAt, e.ReceivedAt, e.Source, e.SubjectKind,
		e.SubjectID, e.EventType, e.SchemaVersion, e.Payload, e.CorrelationID, e.CausationID)
	if err != nil {
		return false, fmt.Errorf("ledger: append %s: %w", e.EventType, err)
	}
	return tag.RowsAffected() == 1, nil
}

// ReadUnforwarded returns up to limit events not yet forwarded to the
// bus, ordered by received_at ascending, tie-broken by event_id so the
// outbox forwards in stable arrival order.
func (s *Store) ReadUnforwarded(ctx context.Context, limit int) ([]Event, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT event_id, occurred_at, received_at, source, subject_kind, subject_id,
			event_type, schema_version, payload, correlation_id, causation_id, forwarded
		FROM events
		WHERE forwarded = false
		ORDER BY received_at ASC, event_id ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("ledger: read unforwarded: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// MarkForwarded marks eventIDs as forwarded. Safe to call with ids
// already marked.
func (s *Store) MarkForwarded(ctx context.Context, eventIDs []uuid.UUID) error {
	if len(eventIDs) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `UPDATE events SET forwarded = true WHERE event_id = ANY($1)`, eventIDs)
	if err != nil {
		return fmt.Errorf("ledger: mark forwarded: %w", err)
	}
	return nil
}

// ByID returns a single event, or pgx.ErrNoRows if it does not exist.
func (s *Store) ByID(ctx context.Context, eventID uuid.UUID) (Event, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT event_id, occurred_at, received_at, source, subject_kind, subject_id,
			event_type, schema_version, payload, correlation_id, causation_id, forwarded
		FROM events WHERE event_id = $1
	`, eventID)
	return scanEvent(row)
}

// BySubject returns every event recorded for a subject, oldest first.
func (s *Store) BySubject(ctx context.Context, subjectKind, subjectID string) ([]Event, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT event_id, occurred_at, received_at, source, subject_kind, subject_id,
			event_type, schema_version, payload, correlation_id, causation_id, forwarded
		FROM events
		WHERE subject_kind = $1 AND subject_id = $2
		ORDER BY received_at ASC
	`, subjectKind, subjectID)
	if err != nil {
		return nil, fmt.Errorf("ledger: read by subject: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(r rowScanner) (Event, error) {
	var e Event
	err := r.Scan(&e.EventID, &e.OccurredAt, &e.ReceivedAt, &e.Source, &e.SubjectKind,
		&e.SubjectID, &e.EventType, &e.SchemaVersion, &e.Payload, &e.CorrelationID, &e.CausationID, &e.Forwarded)
	return e, err
}

func scanEvents(rows pgx.Rows) ([]Event, error) {
	var events []Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("ledger: scan event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
