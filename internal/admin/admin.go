// Package admin implements the operator surface behind streamctl. All
// admin effects are expressed as appended events, never as direct
// projection writes — the one deliberate exception is retry-failed's
// clearing of derived rows, which exists so the re-emitted link.added
// restarts the pipeline from fetch instead of being skipped by the
// router's idempotency checks.
package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/homelab/lifestream/internal/eventtypes"
	"github.com/homelab/lifestream/internal/ledger"
)

// Ledger is the subset of ledger.Store the operations append through.
type Ledger interface {
	Append(ctx context.Context, e ledger.Event) (bool, error)
}

// LinkRow is the slice of the link projection the operations read.
type LinkRow struct {
	SubjectID  string
	URL        string
	URLNorm    string
	Status     string
	Visibility string
	RetryCount int
}

// StuckLink is a link whose publish state is dirty (no check is made
// for recent pipeline activity), together with the projected metadata
// needed to synthesize a replacement enrichment.completed fact.
type StuckLink struct {
	SubjectID      string
	DesiredVersion int
	Tags           []string
	SummaryShort   string
	SummaryLong    string
	Language       string
	ModelVersion   string
}

// ReadModel is the projection surface the operations select over.
type ReadModel interface {
	// LinksMatching returns link rows filtered by an optional subject id
	// and an optional status ("" means any).
	LinksMatching(ctx context.Context, subjectID, status string, limit int) ([]LinkRow, error)
	// FailedLinks returns links in status=error with retry_count below
	// maxRetries, optionally filtered to one subject.
	FailedLinks(ctx context.Context, subjectID string, maxRetries, limit int) ([]LinkRow, error)
	// StuckLinks returns links with dirty publish state and projected
	// metadata, optionally filtered to one subject.
	StuckLinks(ctx context.Context, subjectID string) ([]StuckLink, error)
	// ClearDerived deletes the link_content and link_metadata rows for a
	// subject so the pipeline restarts from fetch.
	ClearDerived(ctx context.Context, subjectID string) error
	// ResetBookkeeping clears the idempotency ledger, consumer progress,
	// and the forwarded flag on every event, enabling full replay.
	ResetBookkeeping(ctx context.Context) error
}

// TopicResetter is the subset of bus.AdminClient reset-bus depends on.
type TopicResetter interface {
	ResetTopics(ctx context.Context, topics []string, partitions int32, replicationFactor int16) error
}

// Report summarizes an operation for the operator.
type Report struct {
	DryRun   bool
	Subjects []string
	Emitted  int
}

// Runner holds the shared dependencies of every operation.
type Runner struct {
	Reads  ReadModel
	Ledger Ledger
	Logger *slog.Logger
}

// SetVisibilityOptions selects which links to change and to what.
type SetVisibilityOptions struct {
	SubjectID  string // one subject, or "" with All
	All        bool
	Status     string // optional filter when All
	Visibility string // "public" or "private"
	DryRun     bool
}

// SetVisibility appends link.visibility_changed for each matching link
// whose visibility differs from the target.
func (r *Runner) SetVisibility(ctx context.Context, opts SetVisibilityOptions) (*Report, error) {
	if opts.Visibility != "public" && opts.Visibility != "private" {
		return nil, fmt.Errorf("admin: visibility %q must be public or private", opts.Visibility)
	}
	if opts.SubjectID == "" && !opts.All {
		return nil, fmt.Errorf("admin: need --subject-id or --all")
	}

	links, err := r.Reads.LinksMatching(ctx, opts.SubjectID, opts.Status, 0)
	if err != nil {
		return nil, fmt.Errorf("admin: select links: %w", err)
	}

	report := &Report{DryRun: opts.DryRun}
	for _, l := range links {
		if l.Visibility == opts.Visibility {
			continue
		}
		report.Subjects = append(report.Subjects, l.SubjectID)
		if opts.DryRun {
			continue
		}

		eventID, err := uuid.NewV7()
		if err != nil {
			return report, fmt.Errorf("admin: mint event id: %w", err)
		}
		payload, _ := json.Marshal(eventtypes.LinkVisibilityChangedPayload{Visibility: opts.Visibility})
		if _, err := r.Ledger.Append(ctx, ledger.Event{
			EventID:     eventID,
			OccurredAt:  time.Now().UTC(),
			Source:      "admin:set-visibility",
			SubjectKind: "link",
			SubjectID:   l.SubjectID,
			EventType:   eventtypes.LinkVisibilityChanged,
			Payload:     payload,
		}); err != nil {
			return report, fmt.Errorf("admin: append visibility change for %s: %w", l.SubjectID, err)
		}
		report.Emitted++
		r.Logger.Info("visibility change emitted", "subject_id", l.SubjectID, "visibility", opts.Visibility)
	}
	return report, nil
}

// RetryFailedOptions selects which exhausted links to restart.
type RetryFailedOptions struct {
	SubjectID  string
	Limit      int
	MaxRetries int
	DryRun     bool
}

// RetryFailed restarts the pipeline for links stuck in status=error:
// it clears the derived content and metadata rows (so the router's
// idempotency checks pass again) and re-emits link.added with a
// deterministic event id, making repeated invocations idempotent.
func (r *Runner) RetryFailed(ctx context.Context, opts RetryFailedOptions) (*Report, error) {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.Limit <= 0 {
		opts.Limit = 50
	}

	links, err := r.Reads.FailedLinks(ctx, opts.SubjectID, opts.MaxRetries, opts.Limit)
	if err != nil {
		return nil, fmt.Errorf("admin: select failed links: %w", err)
	}

	report := &Report{DryRun: opts.DryRun}
	for _, l := range links {
		report.Subjects = append(report.Subjects, l.SubjectID)
		if opts.DryRun {
			continue
		}

		if err := r.Reads.ClearDerived(ctx, l.SubjectID); err != nil {
			return report, fmt.Errorf("admin: clear derived rows for %s: %w", l.SubjectID, err)
		}

		payload, _ := json.Marshal(eventtypes.LinkAddedPayload{URL: l.URL, URLNorm: l.URLNorm})
		created, err := r.Ledger.Append(ctx, ledger.Event{
			EventID:     deterministicID("retry-failed", l.SubjectID, fmt.Sprint(l.RetryCount)),
			OccurredAt:  time.Now().UTC(),
			Source:      "admin:retry-failed",
			SubjectKind: "link",
			SubjectID:   l.SubjectID,
			EventType:   eventtypes.LinkAdded,
			Payload:     payload,
		})
		if err != nil {
			return report, fmt.Errorf("admin: re-emit link.added for %s: %w", l.SubjectID, err)
		}
		if created {
			report.Emitted++
		}
		r.Logger.Info("retry emitted", "subject_id", l.SubjectID, "retry_count", l.RetryCount, "created", created)
	}
	return report, nil
}

// RecoverStuckOptions selects which dirty subjects to re-drive.
type RecoverStuckOptions struct {
	SubjectID string
	All       bool
	DryRun    bool
}

// RecoverStuck re-emits a synthetic enrichment.completed built from
// the projected metadata of each dirty subject, so the router emits a
// fresh publish_link work command. The event id is deterministic per
// (subject, desired_version): running the tool twice is a no-op.
func (r *Runner) RecoverStuck(ctx context.Context, opts RecoverStuckOptions) (*Report, error) {
	if opts.SubjectID == "" && !opts.All {
		return nil, fmt.Errorf("admin: need --subject-id or --all")
	}

	stuck, err := r.Reads.StuckLinks(ctx, opts.SubjectID)
	if err != nil {
		return nil, fmt.Errorf("admin: select stuck links: %w", err)
	}

	report := &Report{DryRun: opts.DryRun}
	for _, s := range stuck {
		report.Subjects = append(report.Subjects, s.SubjectID)
		if opts.DryRun {
			continue
		}

		payload, _ := json.Marshal(eventtypes.EnrichmentCompletedPayload{
			Tags:         s.Tags,
			SummaryShort: s.SummaryShort,
			SummaryLong:  s.SummaryLong,
			Language:     s.Language,
			ModelVersion: s.ModelVersion,
		})
		created, err := r.Ledger.Append(ctx, ledger.Event{
			EventID:     deterministicID("recover-stuck", s.SubjectID, fmt.Sprint(s.DesiredVersion)),
			OccurredAt:  time.Now().UTC(),
			Source:      "admin:recover-stuck",
			SubjectKind: "link",
			SubjectID:   s.SubjectID,
			EventType:   eventtypes.EnrichmentCompleted,
			Payload:     payload,
		})
		if err != nil {
			return report, fmt.Errorf("admin: re-emit enrichment.completed for %s: %w", s.SubjectID, err)
		}
		if created {
			report.Emitted++
		}
		r.Logger.Info("recovery emitted", "subject_id", s.SubjectID, "desired_version", s.DesiredVersion, "created", created)
	}
	return report, nil
}

// TopicSpec names a topic and its partition count for reset-bus.
type TopicSpec struct {
	Name       string
	Partitions int32
}

// ResetBus deletes and recreates every core topic, then clears the
// idempotency ledger, consumer progress, and forwarded flags so the
// outbox republishes the full event log for replay.
func (r *Runner) ResetBus(ctx context.Context, topics TopicResetter, specs []TopicSpec) error {
	for _, spec := range specs {
		if err := topics.ResetTopics(ctx, []string{spec.Name}, spec.Partitions, 1); err != nil {
			return fmt.Errorf("admin: reset topic %s: %w", spec.Name, err)
		}
	}
	if err := r.Reads.ResetBookkeeping(ctx); err != nil {
		return fmt.Errorf("admin: reset bookkeeping: %w", err)
	}
	r.Logger.Info("bus reset complete", "topics", len(specs))
	return nil
}

// deterministicID derives a stable event id from an operation name and
// its discriminators, so idempotent re-emission lands on the ledger's
// ON CONFLICT DO NOTHING instead of duplicating the fact.
func deterministicID(op string, parts ...string) uuid.UUID {
	name := op
	for _, p := range parts {
		name += "|" + p
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(name))
}
