package ledger

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// fakePool is a minimal in-memory stand-in for dbPool, used so ledger
// logic (default fields, ordering, forwarded-flag semantics) can be
// exercised without a live Postgres. It recognizes the ledger's own
// queries by a short prefix rather than parsing SQL.
type fakePool struct {
	events map[uuid.UUID]Event
}

func newFakePool() *fakePool {
	return &fakePool{events: make(map[uuid.UUID]Event)}
}

func (f *fakePool) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	switch {
	case strings.Contains(sql, "INSERT INTO events"):
		id := args[0].(uuid.UUID)
		if _, exists := f.events[id]; exists {
			return pgconn.NewCommandTag("INSERT 0 0"), nil
		}
		var corr, caus *uuid.UUID
		if args[9] != nil {
			corr = args[9].(*uuid.UUID)
		}
		if args[10] != nil {
			caus = args[10].(*uuid.UUID)
		}
		f.events[id] = Event{
			EventID:       id,
			OccurredAt:    args[1].(time.Time),
			ReceivedAt:    args[2].(time.Time),
			Source:        args[3].(string),
			SubjectKind:   args[4].(string),
			SubjectID:     args[5].(string),
			EventType:     args[6].(string),
			SchemaVersion: args[7].(int),
			Payload:       args[8].(json.RawMessage),
			CorrelationID: corr,
			CausationID:   caus,
		}
		return pgconn.NewCommandTag("INSERT 0 1"), nil

	case strings.Contains(sql, "UPDATE events SET forwarded"):
		ids := args[0].([]uuid.UUID)
		for _, id := range ids {
			if e, ok := f.events[id]; ok {
				e.Forwarded = true
				f.events[id] = e
			}
		}
		return pgconn.CommandTag{}, nil
	}
	return pgconn.CommandTag{}, nil
}

func (f *fakePool) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	var matched []Event
	switch {
	case strings.Contains(sql, "WHERE forwarded = false"):
		for _, e := range f.events {
			if !e.Forwarded {
				matched = append(matched, e)
			}
		}
		sort.Slice(matched, func(i, j int) bool {
			if matched[i].ReceivedAt.Equal(matched[j].ReceivedAt) {
				return matched[i].EventID.String() < matched[j].EventID.String()
			}
			return matched[i].ReceivedAt.Before(matched[j].ReceivedAt)
		})
		limit := args[0].(int)
		if limit < len(matched) {
			matched = matched[:limit]
		}
	case strings.Contains(sql, "WHERE subject_kind"):
		kind, id := args[0].(string), args[1].(string)
		for _, e := range f.events {
			if e.SubjectKind == kind && e.SubjectID == id {
				matched = append(matched, e)
			}
		}
		sort.Slice(matched, func(i, j int) bool {
			return matched[i].ReceivedAt.Before(matched[j].ReceivedAt)
		})
	}
	return &fakeRows{events: matched, idx: -1}, nil
}

func (f *fakePool) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	id := args[0].(uuid.UUID)
	e, ok := f.events[id]
	return &fakeRow{event: e, found: ok}
}

type fakeRows struct {
	events []Event
	idx    int
}

func (r *fakeRows) Next() bool {
	r.idx++
	return r.idx < len(r.events)
}

func (r *fakeRows) Scan(dest ...any) error {
	e := r.events[r.idx]
	return scanInto(e, dest)
}

func (r *fakeRows) Err() error                                      { return nil }
func (r *fakeRows) Close()                                          {}
func (r *fakeRows) CommandTag() pgconn.CommandTag                   { return pgconn.CommandTag{} }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription    { return nil }
func (r *fakeRows) Values() ([]any, error)                          { return nil, nil }
func (r *fakeRows) RawValues() [][]byte                             { return nil }
func (r *fakeRows) Conn() *pgx.Conn                                  { return nil }

type fakeRow struct {
	event Event
	found bool
}

func (r *fakeRow) Scan(dest ...any) error {
	if !r.found {
		return pgx.ErrNoRows
	}
	return scanInto(r.event, dest)
}

func scanInto(e Event, dest []any) error {
	*dest[0].(*uuid.UUID) = e.EventID
	*dest[1].(*time.Time) = e.OccurredAt
	*dest[2].(*time.Time) = e.ReceivedAt
	*dest[3].(*string) = e.Source
	*dest[4].(*string) = e.SubjectKind
	*dest[5].(*string) = e.SubjectID
	*dest[6].(*string) = e.EventType
	*dest[7].(*int) = e.SchemaVersion
	*dest[8].(*json.RawMessage) = e.Payload
	*dest[9].(**uuid.UUID) = e.CorrelationID
	*dest[10].(**uuid.UUID) = e.CausationID
	*dest[11].(*bool) = e.Forwarded
	return nil
}
