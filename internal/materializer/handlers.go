package materializer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/homelab/lifestream/internal/eventtypes"
	"github.com/homelab/lifestream/internal/ledger"
)

// dispatch routes a decoded event to its projection handler. Unknown
// event types are dropped with a warning rather than treated as a
// failure: there is nothing to retry.
func dispatch(ctx context.Context, q querier, e ledger.Event) error {
	switch e.EventType {
	case eventtypes.LinkAdded:
		return applyLinkAdded(ctx, q, e)
	case eventtypes.ContentFetched:
		return applyContentFetched(ctx, q, e)
	case eventtypes.EnrichmentCompleted:
		return applyEnrichmentCompleted(ctx, q, e)
	case eventtypes.PublishCompleted:
		return applyPublishCompleted(ctx, q, e)
	case eventtypes.LinkVisibilityChanged:
		return applyLinkVisibilityChanged(ctx, q, e)
	case eventtypes.WorkDeadLettered:
		return applyWorkDeadLettered(ctx, q, e)
	case eventtypes.TempReadingRecorded:
		return applyTempReadingRecorded(ctx, q, e)
	case eventtypes.TodoCreated:
		return applyTodoCreated(ctx, q, e)
	case eventtypes.TodoCompleted:
		return applyTodoCompleted(ctx, q, e)
	case eventtypes.AnnotationAdded:
		return applyAnnotationAdded(ctx, q, e)
	default:
		slog.Warn("materializer: dropping unknown event type", "event_type", e.EventType, "subject_id", e.SubjectID)
		return nil
	}
}

func upsertSubject(ctx context.Context, q querier, kind, id string) error {
	_, err := q.Exec(ctx, `
		INSERT INTO subjects (subject_kind, subject_id) VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`, kind, id)
	return err
}

func applyLinkAdded(ctx context.Context, q querier, e ledger.Event) error {
	var payload eventtypes.LinkAddedPayload
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		return fmt.Errorf("materializer: decode link.added: %w", err)
	}
	if err := upsertSubject(ctx, q, "link", e.SubjectID); err != nil {
		return fmt.Errorf("materializer: upsert subject for link.added: %w", err)
	}

	urlNorm := payload.URLNorm
	if urlNorm == "" {
		urlNorm = payload.URL
	}
	_, err := q.Exec(ctx, `
		INSERT INTO links (subject_id, url, url_norm, status, visibility, pinned, created_at, updated_at)
		VALUES ($1, $2, $3, 'new', 'public', false, $4, $4)
		ON CONFLICT (subject_id) DO NOTHING
	`, e.SubjectID, payload.URL, urlNorm, e.OccurredAt)
	if err != nil {
		return fmt.Errorf("materializer: upsert link for link.added: %w", err)
	}
	return nil
}

func applyContentFetched(ctx context.Context, q querier, e ledger.Event) error {
	var payload eventtypes.ContentFetchedPayload
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		return fmt.Errorf("materializer: decode content.fetched: %w", err)
	}

	var fetchErr any
	if payload.FetchError != "" {
		fetchErr = payload.FetchError
	}
	_, err := q.Exec(ctx, `
		INSERT INTO link_content (subject_id, final_url, title, text_content, fetch_error, fetched_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (subject_id) DO UPDATE SET
			final_url = EXCLUDED.final_url,
			title = EXCLUDED.title,
			text_content = EXCLUDED.text_content,
			fetch_error = EXCLUDED.fetch_error,
			fetched_at = EXCLUDED.fetched_at
	`, e.SubjectID, payload.FinalURL, payload.Title, payload.TextContent, fetchErr, e.OccurredAt)
	if err != nil {
		return fmt.Errorf("materializer: upsert link_content: %w", err)
	}

	if payload.FetchError != "" {
		_, err := q.Exec(ctx, `
			UPDATE links SET status='error', retry_count = retry_count + 1,
				last_error=$2, last_error_at=$3, updated_at=$3
			WHERE subject_id=$1
		`, e.SubjectID, payload.FetchError, e.OccurredAt)
		if err != nil {
			return fmt.Errorf("materializer: mark link error: %w", err)
		}
		return nil
	}

	_, err = q.Exec(ctx, `
		UPDATE links SET status='fetched', last_error=NULL, updated_at=$2
		WHERE subject_id=$1 AND status='new'
	`, e.SubjectID, e.OccurredAt)
	if err != nil {
		return fmt.Errorf("materializer: promote link to fetched: %w", err)
	}
	return nil
}

func applyEnrichmentCompleted(ctx context.Context, q querier, e ledger.Event) error {
	var payload eventtypes.EnrichmentCompletedPayload
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		return fmt.Errorf("materializer: decode enrichment.completed: %w", err)
	}

	_, err := q.Exec(ctx, `
		INSERT INTO link_metadata (subject_id, tags, summary_short, summary_long, language, model_version, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (subject_id) DO UPDATE SET
			tags = CASE WHEN array_length(EXCLUDED.tags, 1) > 0 THEN EXCLUDED.tags ELSE link_metadata.tags END,
			summary_short = EXCLUDED.summary_short,
			summary_long = EXCLUDED.summary_long,
			language = EXCLUDED.language,
			model_version = EXCLUDED.model_version,
			updated_at = EXCLUDED.updated_at
	`, e.SubjectID, payload.Tags, payload.SummaryShort, payload.SummaryLong, payload.Language, payload.ModelVersion, e.OccurredAt)
	if err != nil {
		return fmt.Errorf("materializer: upsert link_metadata: %w", err)
	}

	if _, err := q.Exec(ctx, `
		UPDATE links SET status='enriched', updated_at=$2
		WHERE subject_id=$1 AND status IN ('new', 'fetched')
	`, e.SubjectID, e.OccurredAt); err != nil {
		return fmt.Errorf("materializer: promote link to enriched: %w", err)
	}

	if _, err := q.Exec(ctx, `
		INSERT INTO publish_state (subject_id, desired_version, published_version, dirty)
		VALUES ($1, 1, 0, true)
		ON CONFLICT (subject_id) DO UPDATE SET
			desired_version = publish_state.desired_version + 1,
			dirty = true
	`, e.SubjectID); err != nil {
		return fmt.Errorf("materializer: bump publish state: %w", err)
	}
	return nil
}

func applyPublishCompleted(ctx context.Context, q querier, e ledger.Event) error {
	_, err := q.Exec(ctx, `
		UPDATE publish_state SET published_version = desired_version, dirty=false, last_published_at=$2
		WHERE subject_id=$1
	`, e.SubjectID, e.OccurredAt)
	if err != nil {
		return fmt.Errorf("materializer: mark publish complete: %w", err)
	}

	if _, err := q.Exec(ctx, `
		UPDATE links SET status='published', updated_at=$2 WHERE subject_id=$1
	`, e.SubjectID, e.OccurredAt); err != nil {
		return fmt.Errorf("materializer: mark link published: %w", err)
	}
	return nil
}

func applyLinkVisibilityChanged(ctx context.Context, q querier, e ledger.Event) error {
	var payload eventtypes.LinkVisibilityChangedPayload
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		return fmt.Errorf("materializer: decode link.visibility_changed: %w", err)
	}

	if _, err := q.Exec(ctx, `
		UPDATE links SET visibility=$2, updated_at=$3 WHERE subject_id=$1
	`, e.SubjectID, payload.Visibility, e.OccurredAt); err != nil {
		return fmt.Errorf("materializer: update link visibility: %w", err)
	}
	if _, err := q.Exec(ctx, `
		UPDATE subjects SET visibility=$2 WHERE subject_kind=$3 AND subject_id=$1
	`, e.SubjectID, payload.Visibility, e.SubjectKind); err != nil {
		return fmt.Errorf("materializer: update subject visibility: %w", err)
	}
	return nil
}

func applyWorkDeadLettered(ctx context.Context, q querier, e ledger.Event) error {
	if e.SubjectKind != "link" {
		return nil
	}
	var payload eventtypes.WorkDeadLetteredPayload
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		return fmt.Errorf("materializer: decode work.dead_lettered: %w", err)
	}

	_, err := q.Exec(ctx, `
		UPDATE links SET status='error', last_error=$2, last_error_at=$3, updated_at=$3
		WHERE subject_id=$1
	`, e.SubjectID, payload.FinalError, e.OccurredAt)
	if err != nil {
		return fmt.Errorf("materializer: mark link dead-lettered: %w", err)
	}
	return nil
}

func applyTempReadingRecorded(ctx context.Context, q querier, e ledger.Event) error {
	var payload eventtypes.TempReadingRecordedPayload
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		return fmt.Errorf("materializer: decode temp.reading_recorded: %w", err)
	}
	if err := upsertSubject(ctx, q, "sensor", e.SubjectID); err != nil {
		return fmt.Errorf("materializer: upsert subject for temp.reading_recorded: %w", err)
	}

	var humidity, battery any
	if payload.Humidity != nil {
		humidity = *payload.Humidity
	}
	if payload.Battery != nil {
		battery = *payload.Battery
	}

	if _, err := q.Exec(ctx, `
		INSERT INTO sensor_readings (subject_id, occurred_at, celsius, humidity, battery)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT DO NOTHING
	`, e.SubjectID, e.OccurredAt, payload.Celsius, humidity, battery); err != nil {
		return fmt.Errorf("materializer: insert sensor_readings: %w", err)
	}

	if _, err := q.Exec(ctx, `
		INSERT INTO sensor_latest (subject_id, celsius, humidity, battery, occurred_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (subject_id) DO UPDATE SET
			celsius = EXCLUDED.celsius, humidity = EXCLUDED.humidity,
			battery = EXCLUDED.battery, occurred_at = EXCLUDED.occurred_at
		WHERE sensor_latest.occurred_at IS NULL OR sensor_latest.occurred_at < EXCLUDED.occurred_at
	`, e.SubjectID, payload.Celsius, humidity, battery, e.OccurredAt); err != nil {
		return fmt.Errorf("materializer: upsert sensor_latest: %w", err)
	}
	return nil
}

func applyTodoCreated(ctx context.Context, q querier, e ledger.Event) error {
	var payload eventtypes.TodoCreatedPayload
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		return fmt.Errorf("materializer: decode todo.created: %w", err)
	}
	if err := upsertSubject(ctx, q, "todo", e.SubjectID); err != nil {
		return fmt.Errorf("materializer: upsert subject for todo.created: %w", err)
	}

	_, err := q.Exec(ctx, `
		INSERT INTO todos (subject_id, title, project, labels, due_at, status, created_at)
		VALUES ($1, $2, $3, $4, $5, 'open', $6)
		ON CONFLICT (subject_id) DO NOTHING
	`, e.SubjectID, payload.Title, payload.Project, payload.Labels, payload.DueAt, e.OccurredAt)
	if err != nil {
		return fmt.Errorf("materializer: insert todo: %w", err)
	}
	return nil
}

func applyTodoCompleted(ctx context.Context, q querier, e ledger.Event) error {
	_, err := q.Exec(ctx, `
		UPDATE todos SET status='done', completed_at=$2 WHERE subject_id=$1
	`, e.SubjectID, e.OccurredAt)
	if err != nil {
		return fmt.Errorf("materializer: mark todo done: %w", err)
	}
	return nil
}

func applyAnnotationAdded(ctx context.Context, q querier, e ledger.Event) error {
	var payload eventtypes.AnnotationAddedPayload
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		return fmt.Errorf("materializer: decode annotation.added: %w", err)
	}

	visibility := payload.Visibility
	if visibility == "" {
		visibility = "public"
	}
	_, err := q.Exec(ctx, `
		INSERT INTO annotations (annotation_id, link_subject_id, quote, note, selector, visibility, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (annotation_id) DO NOTHING
	`, payload.AnnotationID, payload.LinkSubjectID, payload.Quote, payload.Note, payload.Selector, visibility, e.OccurredAt)
	if err != nil {
		return fmt.Errorf("materializer: insert annotation: %w", err)
	}
	return nil
}
