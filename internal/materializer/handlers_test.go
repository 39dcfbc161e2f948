package materializer

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/homelab/lifestream/internal/eventtypes"
	"github.com/homelab/lifestream/internal/ledger"
)

// fakeQuerier records every statement executed against it, without
// modeling relational state, enough to assert dispatch routes to the
// right handler and issues the expected shape of SQL.
type fakeQuerier struct {
	execs []string
}

func (f *fakeQuerier) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	f.execs = append(f.execs, sql)
	return pgconn.CommandTag{}, nil
}

func (f *fakeQuerier) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, nil
}

func (f *fakeQuerier) QueryRow(context.Context, string, ...any) pgx.Row {
	return nil
}

func (f *fakeQuerier) containsExec(substr string) bool {
	for _, s := range f.execs {
		if strings.Contains(s, substr) {
			return true
		}
	}
	return false
}

func TestDispatchLinkAddedUpsertsSubjectAndLink(t *testing.T) {
	q := &fakeQuerier{}
	payload, _ := json.Marshal(eventtypes.LinkAddedPayload{URL: "https://example.com/a", URLNorm: "https://example.com/a"})
	e := ledger.Event{SubjectKind: "link", SubjectID: "link:a", EventType: eventtypes.LinkAdded, Payload: payload}

	if err := dispatch(context.Background(), q, e); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if !q.containsExec("INSERT INTO subjects") {
		t.Fatal("want subject upsert")
	}
	if !q.containsExec("INSERT INTO links") {
		t.Fatal("want link insert")
	}
}

func TestDispatchContentFetchedWithFetchErrorMarksLinkError(t *testing.T) {
	q := &fakeQuerier{}
	payload, _ := json.Marshal(eventtypes.ContentFetchedPayload{FetchError: "unsupported content type"})
	e := ledger.Event{SubjectKind: "link", SubjectID: "link:a", EventType: eventtypes.ContentFetched, Payload: payload}

	if err := dispatch(context.Background(), q, e); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if !q.containsExec("status='error'") {
		t.Fatal("want link marked status=error on fetch_error")
	}
}

func TestDispatchEnrichmentCompletedBumpsPublishState(t *testing.T) {
	q := &fakeQuerier{}
	payload, _ := json.Marshal(eventtypes.EnrichmentCompletedPayload{Tags: []string{"go", "events"}, SummaryShort: "s"})
	e := ledger.Event{SubjectKind: "link", SubjectID: "link:a", EventType: eventtypes.EnrichmentCompleted, Payload: payload}

	if err := dispatch(context.Background(), q, e); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if !q.containsExec("INSERT INTO publish_state") {
		t.Fatal("want publish_state bump")
	}
	if !q.containsExec("status='enriched'") {
		t.Fatal("want link promoted to enriched")
	}
}

func TestDispatchUnknownEventTypeIsDroppedWithoutError(t *testing.T) {
	q := &fakeQuerier{}
	e := ledger.Event{SubjectKind: "link", SubjectID: "link:a", EventType: "some.unknown.event"}

	if err := dispatch(context.Background(), q, e); err != nil {
		t.Fatalf("want nil error for unknown event type, got %v", err)
	}
	if len(q.execs) != 0 {
		t.Fatal("want no SQL executed for unknown event type")
	}
}

func TestDispatchMalformedPayloadReturnsError(t *testing.T) {
	q := &fakeQuerier{}
	e := ledger.Event{SubjectKind: "link", SubjectID: "link:a", EventType: eventtypes.LinkAdded, Payload: json.RawMessage(`not json`)}

	if err := dispatch(context.Background(), q, e); err == nil {
		t.Fatal("want error for malformed payload")
	}
}
