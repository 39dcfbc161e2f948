package admin

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/homelab/lifestream/internal/eventtypes"
	"github.com/homelab/lifestream/internal/ledger"
)

type fakeReads struct {
	links   []LinkRow
	failed  []LinkRow
	stuck   []StuckLink
	cleared []string
	reset   bool
}

func (f *fakeReads) LinksMatching(_ context.Context, subjectID, status string, _ int) ([]LinkRow, error) {
	var out []LinkRow
	for _, l := range f.links {
		if subjectID != "" && l.SubjectID != subjectID {
			continue
		}
		if status != "" && l.Status != status {
			continue
		}
		out = append(out, l)
	}
	return out, nil
}

func (f *fakeReads) FailedLinks(_ context.Context, subjectID string, maxRetries, _ int) ([]LinkRow, error) {
	var out []LinkRow
	for _, l := range f.failed {
		if subjectID != "" && l.SubjectID != subjectID {
			continue
		}
		if l.RetryCount >= maxRetries {
			continue
		}
		out = append(out, l)
	}
	return out, nil
}

func (f *fakeReads) StuckLinks(_ context.Context, subjectID string) ([]StuckLink, error) {
	var out []StuckLink
	for _, s := range f.stuck {
		if subjectID != "" && s.SubjectID != subjectID {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

func (f *fakeReads) ClearDerived(_ context.Context, subjectID string) error {
	f.cleared = append(f.cleared, subjectID)
	return nil
}

func (f *fakeReads) ResetBookkeeping(context.Context) error {
	f.reset = true
	return nil
}

type fakeLedger struct {
	events []ledger.Event
	seen   map[uuid.UUID]bool
}

func (f *fakeLedger) Append(_ context.Context, e ledger.Event) (bool, error) {
	if f.seen == nil {
		f.seen = make(map[uuid.UUID]bool)
	}
	if f.seen[e.EventID] {
		return false, nil
	}
	f.seen[e.EventID] = true
	f.events = append(f.events, e)
	return true, nil
}

type fakeTopics struct {
	resetTopics []string
	partitions  []int32
}

func (f *fakeTopics) ResetTopics(_ context.Context, topics []string, partitions int32, _ int16) error {
	f.resetTopics = append(f.resetTopics, topics...)
	f.partitions = append(f.partitions, partitions)
	return nil
}

func newRunner(reads *fakeReads, led *fakeLedger) *Runner {
	return &Runner{
		Reads:  reads,
		Ledger: led,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func TestSetVisibilitySkipsAlreadyMatchingRows(t *testing.T) {
	reads := &fakeReads{links: []LinkRow{
		{SubjectID: "link:a", Status: "published", Visibility: "public"},
		{SubjectID: "link:b", Status: "published", Visibility: "private"},
	}}
	led := &fakeLedger{}
	r := newRunner(reads, led)

	report, err := r.SetVisibility(context.Background(), SetVisibilityOptions{All: true, Visibility: "private"})
	if err != nil {
		t.Fatalf("SetVisibility: %v", err)
	}
	if report.Emitted != 1 || len(led.events) != 1 {
		t.Fatalf("want exactly 1 event for the row that differs, got %d", len(led.events))
	}
	e := led.events[0]
	if e.SubjectID != "link:a" || e.EventType != eventtypes.LinkVisibilityChanged {
		t.Fatalf("unexpected event: %+v", e)
	}
	var payload eventtypes.LinkVisibilityChangedPayload
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		t.Fatal(err)
	}
	if payload.Visibility != "private" {
		t.Fatalf("want private, got %s", payload.Visibility)
	}
}

func TestSetVisibilityDryRunEmitsNothing(t *testing.T) {
	reads := &fakeReads{links: []LinkRow{{SubjectID: "link:a", Visibility: "public"}}}
	led := &fakeLedger{}
	r := newRunner(reads, led)

	report, err := r.SetVisibility(context.Background(), SetVisibilityOptions{All: true, Visibility: "private", DryRun: true})
	if err != nil {
		t.Fatalf("SetVisibility: %v", err)
	}
	if len(report.Subjects) != 1 || report.Emitted != 0 || len(led.events) != 0 {
		t.Fatalf("want dry run to report without emitting: %+v, events=%d", report, len(led.events))
	}
}

func TestSetVisibilityRejectsBadArguments(t *testing.T) {
	r := newRunner(&fakeReads{}, &fakeLedger{})
	if _, err := r.SetVisibility(context.Background(), SetVisibilityOptions{All: true, Visibility: "hidden"}); err == nil {
		t.Fatal("want error for unknown visibility")
	}
	if _, err := r.SetVisibility(context.Background(), SetVisibilityOptions{Visibility: "public"}); err == nil {
		t.Fatal("want error when neither --subject-id nor --all is given")
	}
}

func TestRetryFailedClearsDerivedAndReEmitsLinkAdded(t *testing.T) {
	reads := &fakeReads{failed: []LinkRow{
		{SubjectID: "link:a", URL: "https://example.com/a", URLNorm: "https://example.com/a", Status: "error", RetryCount: 2},
	}}
	led := &fakeLedger{}
	r := newRunner(reads, led)

	report, err := r.RetryFailed(context.Background(), RetryFailedOptions{SubjectID: "link:a"})
	if err != nil {
		t.Fatalf("RetryFailed: %v", err)
	}
	if report.Emitted != 1 {
		t.Fatalf("want 1 emitted, got %d", report.Emitted)
	}
	if len(reads.cleared) != 1 || reads.cleared[0] != "link:a" {
		t.Fatalf("want derived rows cleared for link:a, got %v", reads.cleared)
	}
	if led.events[0].EventType != eventtypes.LinkAdded || led.events[0].Source != "admin:retry-failed" {
		t.Fatalf("unexpected event: %+v", led.events[0])
	}
}

func TestRetryFailedIsIdempotentAcrossRuns(t *testing.T) {
	reads := &fakeReads{failed: []LinkRow{
		{SubjectID: "link:a", URL: "https://example.com/a", Status: "error", RetryCount: 2},
	}}
	led := &fakeLedger{}
	r := newRunner(reads, led)

	if _, err := r.RetryFailed(context.Background(), RetryFailedOptions{SubjectID: "link:a"}); err != nil {
		t.Fatal(err)
	}
	report, err := r.RetryFailed(context.Background(), RetryFailedOptions{SubjectID: "link:a"})
	if err != nil {
		t.Fatal(err)
	}
	if report.Emitted != 0 || len(led.events) != 1 {
		t.Fatalf("want second run to land on the duplicate, got emitted=%d events=%d", report.Emitted, len(led.events))
	}
}

func TestRetryFailedSkipsExhaustedRetryCounts(t *testing.T) {
	reads := &fakeReads{failed: []LinkRow{
		{SubjectID: "link:a", Status: "error", RetryCount: 5},
	}}
	led := &fakeLedger{}
	r := newRunner(reads, led)

	report, err := r.RetryFailed(context.Background(), RetryFailedOptions{MaxRetries: 3})
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Subjects) != 0 {
		t.Fatalf("want no subjects above max retries, got %v", report.Subjects)
	}
}

func TestRecoverStuckSynthesizesEnrichmentFromProjection(t *testing.T) {
	reads := &fakeReads{stuck: []StuckLink{
		{SubjectID: "link:a", DesiredVersion: 2, Tags: []string{"go", "kafka"}, SummaryShort: "s", Language: "en"},
	}}
	led := &fakeLedger{}
	r := newRunner(reads, led)

	report, err := r.RecoverStuck(context.Background(), RecoverStuckOptions{All: true})
	if err != nil {
		t.Fatalf("RecoverStuck: %v", err)
	}
	if report.Emitted != 1 {
		t.Fatalf("want 1 emitted, got %d", report.Emitted)
	}
	e := led.events[0]
	if e.EventType != eventtypes.EnrichmentCompleted || e.Source != "admin:recover-stuck" {
		t.Fatalf("unexpected event: %+v", e)
	}
	var payload eventtypes.EnrichmentCompletedPayload
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		t.Fatal(err)
	}
	if len(payload.Tags) != 2 || payload.SummaryShort != "s" {
		t.Fatalf("want projected metadata echoed, got %+v", payload)
	}

	// Same desired_version means the same event id: a rerun is a no-op.
	again, err := r.RecoverStuck(context.Background(), RecoverStuckOptions{All: true})
	if err != nil {
		t.Fatal(err)
	}
	if again.Emitted != 0 {
		t.Fatalf("want rerun to be a no-op, got %d emitted", again.Emitted)
	}
}

func TestResetBusResetsTopicsAndBookkeeping(t *testing.T) {
	reads := &fakeReads{}
	r := newRunner(reads, &fakeLedger{})
	topics := &fakeTopics{}

	specs := []TopicSpec{{Name: "events.raw", Partitions: 3}, {Name: "work.dead_letter", Partitions: 1}}
	if err := r.ResetBus(context.Background(), topics, specs); err != nil {
		t.Fatalf("ResetBus: %v", err)
	}
	if len(topics.resetTopics) != 2 || topics.partitions[1] != 1 {
		t.Fatalf("want topics reset with their own partition counts, got %v %v", topics.resetTopics, topics.partitions)
	}
	if !reads.reset {
		t.Fatal("want bookkeeping reset")
	}
}
