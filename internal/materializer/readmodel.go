package materializer

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/homelab/lifestream/internal/ingestapi"
)

// UpsertLinkOptimistic inserts a minimal link row ahead of the
// materializer processing the corresponding link.added event, so a
// concurrent duplicate POST against internal/ingestapi still observes
// a consistent subject id immediately. The materializer's own
// applyLinkAdded uses ON CONFLICT DO NOTHING, so this row is never
// clobbered, only ever brought into line with the ledger fact.
func (s *Store) UpsertLinkOptimistic(ctx context.Context, subjectID, url, urlNorm string) error {
	now := time.Now().UTC()
	if _, err := s.pool.Exec(ctx, `
		INSERT INTO subjects (subject_kind, subject_id) VALUES ('link', $1)
		ON CONFLICT DO NOTHING
	`, subjectID); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO links (subject_id, url, url_norm, status, visibility, pinned, created_at, updated_at)
		VALUES ($1, $2, $3, 'new', 'public', false, $4, $4)
		ON CONFLICT (subject_id) DO NOTHING
	`, subjectID, url, urlNorm, now)
	return err
}

// LinkByID returns the link projection for subjectID, the full subject
// id including its "link:" prefix (the HTTP handler prepends it).
func (s *Store) LinkByID(ctx context.Context, subjectID string) (ingestapi.LinkView, bool, error) {
	var v ingestapi.LinkView
	err := s.pool.QueryRow(ctx, `
		SELECT subject_id, url, url_norm, status, visibility, pinned, created_at, updated_at
		FROM links WHERE subject_id=$1
	`, subjectID).Scan(&v.SubjectID, &v.URL, &v.URLNorm, &v.Status, &v.Visibility, &v.Pinned, &v.CreatedAt, &v.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ingestapi.LinkView{}, false, nil
	}
	if err != nil {
		return ingestapi.LinkView{}, false, err
	}
	return v, true, nil
}

// LinksByStatus returns up to limit links, optionally filtered by
// status (empty means all), newest first.
func (s *Store) LinksByStatus(ctx context.Context, status string, limit int) ([]ingestapi.LinkView, error) {
	var rows pgx.Rows
	var err error
	if status == "" {
		rows, err = s.pool.Query(ctx, `
			SELECT subject_id, url, url_norm, status, visibility, pinned, created_at, updated_at
			FROM links ORDER BY created_at DESC LIMIT $1
		`, limit)
	} else {
		rows, err = s.pool.Query(ctx, `
			SELECT subject_id, url, url_norm, status, visibility, pinned, created_at, updated_at
			FROM links WHERE status=$1 ORDER BY created_at DESC LIMIT $2
		`, status, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ingestapi.LinkView
	for rows.Next() {
		var v ingestapi.LinkView
		if err := rows.Scan(&v.SubjectID, &v.URL, &v.URLNorm, &v.Status, &v.Visibility, &v.Pinned, &v.CreatedAt, &v.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
