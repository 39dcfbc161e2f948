// Package materializer projects the append-only event ledger into the
// queryable read model: one row set per subject kind, kept idempotent
// against redelivery via a durable (topic, partition, offset)
// idempotency ledger, following the same dbPool-interface-for-testing
// shape as internal/ledger.
package materializer

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/homelab/lifestream/internal/bus"
	"github.com/homelab/lifestream/internal/ledger"
)

// querier is the subset of a pgx pool or transaction the projection
// handlers depend on.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// txBeginner is the subset of *pgxpool.Pool needed to start the
// per-message transaction.
type txBeginner interface {
	querier
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store is the Postgres-backed read model and idempotency ledger.
type Store struct {
	pool   txBeginner
	closer func()
}

// Open connects to dsn and runs the materializer's schema migration.
func Open(ctx context.Context, dsn string, maxConns, minConns int32) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("materializer: parse dsn: %w", err)
	}
	cfg.MaxConns = maxConns
	cfg.MinConns = minConns

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("materializer: connect: %w", err)
	}

	s := &Store{pool: pool, closer: pool.Close}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("materializer: migrate: %w", err)
	}
	return s, nil
}

// NewWithPool wraps an existing pool, skipping connection setup.
func NewWithPool(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, closer: pool.Close}
}

// Close releases the underlying pool, if any.
func (s *Store) Close() {
	if s.closer != nil {
		s.closer()
	}
}

// Migrate creates the projection, idempotency, and progress tables if
// missing. Open runs it automatically; callers wiring a shared pool
// via NewWithPool run it themselves.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS subjects (
			subject_kind TEXT NOT NULL,
			subject_id   TEXT NOT NULL,
			visibility   TEXT NOT NULL DEFAULT 'public',
			created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (subject_kind, subject_id)
		);

		CREATE TABLE IF NOT EXISTS links (
			subject_id    TEXT PRIMARY KEY,
			url           TEXT NOT NULL,
			url_norm      TEXT NOT NULL,
			status        TEXT NOT NULL DEFAULT 'new',
			visibility    TEXT NOT NULL DEFAULT 'public',
			pinned        BOOLEAN NOT NULL DEFAULT false,
			retry_count   INT NOT NULL DEFAULT 0,
			last_error    TEXT,
			last_error_at TIMESTAMPTZ,
			created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
		);

		CREATE TABLE IF NOT EXISTS link_content (
			subject_id   TEXT PRIMARY KEY,
			final_url    TEXT,
			title        TEXT,
			text_content TEXT,
			fetch_error  TEXT,
			fetched_at   TIMESTAMPTZ
		);

		CREATE TABLE IF NOT EXISTS link_metadata (
			subject_id    TEXT PRIMARY KEY,
			tags          TEXT[] NOT NULL DEFAULT '{}',
			summary_short TEXT,
			summary_long  TEXT,
			language      TEXT,
			model_version TEXT,
			updated_at    TIMESTAMPTZ
		);

		CREATE TABLE IF NOT EXISTS publish_state (
			subject_id        TEXT PRIMARY KEY,
			desired_version   INT NOT NULL DEFAULT 0,
			published_version INT NOT NULL DEFAULT 0,
			dirty             BOOLEAN NOT NULL DEFAULT false,
			last_published_at TIMESTAMPTZ
		);

		CREATE TABLE IF NOT EXISTS sensor_latest (
			subject_id TEXT PRIMARY KEY,
			celsius    DOUBLE PRECISION,
			humidity   DOUBLE PRECISION,
			battery    DOUBLE PRECISION,
			occurred_at TIMESTAMPTZ
		);

		CREATE TABLE IF NOT EXISTS sensor_readings (
			subject_id  TEXT NOT NULL,
			occurred_at TIMESTAMPTZ NOT NULL,
			celsius     DOUBLE PRECISION,
			humidity    DOUBLE PRECISION,
			battery     DOUBLE PRECISION,
			PRIMARY KEY (subject_id, occurred_at)
		);

		CREATE TABLE IF NOT EXISTS todos (
			subject_id   TEXT PRIMARY KEY,
			title        TEXT NOT NULL,
			project      TEXT,
			labels       TEXT[] NOT NULL DEFAULT '{}',
			due_at       TIMESTAMPTZ,
			status       TEXT NOT NULL DEFAULT 'open',
			completed_at TIMESTAMPTZ,
			created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
		);

		CREATE TABLE IF NOT EXISTS annotations (
			annotation_id   TEXT PRIMARY KEY,
			link_subject_id TEXT NOT NULL,
			quote           TEXT,
			note            TEXT,
			selector        TEXT,
			visibility      TEXT NOT NULL DEFAULT 'public',
			created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
		);

		CREATE TABLE IF NOT EXISTS idempotency_ledger (
			topic       TEXT NOT NULL,
			partition   INT NOT NULL,
			"offset"    BIGINT NOT NULL,
			processed_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (topic, partition, "offset")
		);

		CREATE TABLE IF NOT EXISTS consumer_progress (
			topic        TEXT NOT NULL,
			partition    INT NOT NULL,
			last_offset  BIGINT NOT NULL,
			updated_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (topic, partition)
		);
	`)
	return err
}

// errAlreadySeen signals Apply found the record's offset already
// recorded in the idempotency ledger.
var errAlreadySeen = errors.New("materializer: record already applied")

// Apply processes one decoded event inside a single transaction: the
// idempotency check, the projection write, the idempotency insert, and
// the consumer-progress update all commit (or roll back) together.
// Reports applied=false when the record was a duplicate.
func (s *Store) Apply(ctx context.Context, rec bus.Record, e ledger.Event) (applied bool, err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("materializer: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	seen, err := seenLocked(ctx, tx, rec)
	if err != nil {
		return false, fmt.Errorf("materializer: check idempotency: %w", err)
	}
	if seen {
		return false, nil
	}

	if err := dispatch(ctx, tx, e); err != nil {
		return false, err
	}

	if err := recordProgress(ctx, tx, rec); err != nil {
		return false, fmt.Errorf("materializer: record progress: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("materializer: commit tx: %w", err)
	}
	return true, nil
}

// Skip records rec as processed without applying any projection
// effect, used once a poison message exhausts its retries so the
// partition does not wedge on it forever.
func (s *Store) Skip(ctx context.Context, rec bus.Record) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("materializer: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := recordProgress(ctx, tx, rec); err != nil {
		return fmt.Errorf("materializer: record progress: %w", err)
	}
	return tx.Commit(ctx)
}

func seenLocked(ctx context.Context, q querier, rec bus.Record) (bool, error) {
	var exists bool
	err := q.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM idempotency_ledger WHERE topic=$1 AND partition=$2 AND "offset"=$3)
	`, rec.Topic, rec.Partition, rec.Offset).Scan(&exists)
	return exists, err
}

func recordProgress(ctx context.Context, q querier, rec bus.Record) error {
	if _, err := q.Exec(ctx, `
		INSERT INTO idempotency_ledger (topic, partition, "offset") VALUES ($1, $2, $3)
		ON CONFLICT DO NOTHING
	`, rec.Topic, rec.Partition, rec.Offset); err != nil {
		return err
	}
	_, err := q.Exec(ctx, `
		INSERT INTO consumer_progress (topic, partition, last_offset, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (topic, partition) DO UPDATE SET last_offset = EXCLUDED.last_offset, updated_at = now()
		WHERE consumer_progress.last_offset < EXCLUDED.last_offset
	`, rec.Topic, rec.Partition, rec.Offset)
	return err
}

// HighestRecordedOffsets returns the last recorded offset per
// partition for topic, used by startup reconciliation.
func (s *Store) HighestRecordedOffsets(ctx context.Context, topic string) (map[int32]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT partition, last_offset FROM consumer_progress WHERE topic=$1`, topic)
	if err != nil {
		return nil, fmt.Errorf("materializer: read consumer progress: %w", err)
	}
	defer rows.Close()

	out := make(map[int32]int64)
	for rows.Next() {
		var p int32
		var off int64
		if err := rows.Scan(&p, &off); err != nil {
			return nil, fmt.Errorf("materializer: scan consumer progress: %w", err)
		}
		out[p] = off
	}
	return out, rows.Err()
}

// ResetTopic clears all idempotency and progress rows for topic,
// called when the bus has been recreated out from under recorded
// offsets (see Materializer.Reconcile).
func (s *Store) ResetTopic(ctx context.Context, topic string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM idempotency_ledger WHERE topic=$1`, topic); err != nil {
		return fmt.Errorf("materializer: clear idempotency ledger: %w", err)
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM consumer_progress WHERE topic=$1`, topic); err != nil {
		return fmt.Errorf("materializer: clear consumer progress: %w", err)
	}
	return nil
}

// --- router.Projections implementation (read-only, no tx needed) ---

// LinkContentExists reports whether link content has been recorded
// for subjectID.
func (s *Store) LinkContentExists(ctx context.Context, subjectID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM link_content WHERE subject_id=$1)`, subjectID).Scan(&exists)
	return exists, err
}

// LinkMetadataFilled reports whether link metadata has a non-empty tag
// set for subjectID.
func (s *Store) LinkMetadataFilled(ctx context.Context, subjectID string) (bool, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT coalesce(array_length(tags, 1), 0) FROM link_metadata WHERE subject_id=$1`, subjectID).Scan(&n)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	return n > 0, err
}

// PublishClean reports whether subjectID's publish state has nothing
// left to publish.
func (s *Store) PublishClean(ctx context.Context, subjectID string) (bool, error) {
	var dirty bool
	var desired, published int
	err := s.pool.QueryRow(ctx, `SELECT dirty, desired_version, published_version FROM publish_state WHERE subject_id=$1`, subjectID).
		Scan(&dirty, &desired, &published)
	if errors.Is(err, pgx.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return !dirty && published >= desired, nil
}
