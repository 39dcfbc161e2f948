package admin

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// dbPool is the subset of *pgxpool.Pool the store depends on.
type dbPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements ReadModel against the projection tables.
type Store struct {
	pool dbPool
}

// NewWithPool wraps an existing pool. streamctl shares one pool across
// this store and the ledger.
func NewWithPool(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) LinksMatching(ctx context.Context, subjectID, status string, limit int) ([]LinkRow, error) {
	q := `
		SELECT subject_id, url, url_norm, status, visibility, retry_count
		FROM links
		WHERE ($1 = '' OR subject_id = $1)
		  AND ($2 = '' OR status = $2)
		ORDER BY subject_id`
	args := []any{subjectID, status}
	if limit > 0 {
		q += ` LIMIT $3`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("admin: query links: %w", err)
	}
	defer rows.Close()
	return scanLinkRows(rows)
}

func (s *Store) FailedLinks(ctx context.Context, subjectID string, maxRetries, limit int) ([]LinkRow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT subject_id, url, url_norm, status, visibility, retry_count
		FROM links
		WHERE status = 'error'
		  AND retry_count < $1
		  AND ($2 = '' OR subject_id = $2)
		ORDER BY subject_id
		LIMIT $3
	`, maxRetries, subjectID, limit)
	if err != nil {
		return nil, fmt.Errorf("admin: query failed links: %w", err)
	}
	defer rows.Close()
	return scanLinkRows(rows)
}

func (s *Store) StuckLinks(ctx context.Context, subjectID string) ([]StuckLink, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT p.subject_id, p.desired_version,
		       m.tags, coalesce(m.summary_short, ''), coalesce(m.summary_long, ''),
		       coalesce(m.language, ''), coalesce(m.model_version, '')
		FROM publish_state p
		JOIN link_metadata m ON m.subject_id = p.subject_id
		WHERE p.dirty = true
		  AND ($1 = '' OR p.subject_id = $1)
		ORDER BY p.subject_id
	`, subjectID)
	if err != nil {
		return nil, fmt.Errorf("admin: query stuck links: %w", err)
	}
	defer rows.Close()

	var out []StuckLink
	for rows.Next() {
		var row StuckLink
		if err := rows.Scan(&row.SubjectID, &row.DesiredVersion, &row.Tags,
			&row.SummaryShort, &row.SummaryLong, &row.Language, &row.ModelVersion); err != nil {
			return nil, fmt.Errorf("admin: scan stuck link: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (s *Store) ClearDerived(ctx context.Context, subjectID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM link_content WHERE subject_id = $1`, subjectID); err != nil {
		return fmt.Errorf("admin: clear link_content: %w", err)
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM link_metadata WHERE subject_id = $1`, subjectID); err != nil {
		return fmt.Errorf("admin: clear link_metadata: %w", err)
	}
	return nil
}

func (s *Store) ResetBookkeeping(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM idempotency_ledger`); err != nil {
		return fmt.Errorf("admin: clear idempotency ledger: %w", err)
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM consumer_progress`); err != nil {
		return fmt.Errorf("admin: clear consumer progress: %w", err)
	}
	if _, err := s.pool.Exec(ctx, `UPDATE events SET forwarded = false`); err != nil {
		return fmt.Errorf("admin: clear forwarded flags: %w", err)
	}
	return nil
}

func scanLinkRows(rows pgx.Rows) ([]LinkRow, error) {
	var out []LinkRow
	for rows.Next() {
		var l LinkRow
		if err := rows.Scan(&l.SubjectID, &l.URL, &l.URLNorm, &l.Status, &l.Visibility, &l.RetryCount); err != nil {
			return nil, fmt.Errorf("admin: scan link row: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}
