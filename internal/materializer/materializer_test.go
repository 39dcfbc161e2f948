package materializer

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/homelab/lifestream/internal/bus"
	"github.com/homelab/lifestream/internal/eventtypes"
	"github.com/homelab/lifestream/internal/ledger"
)

type offsetKey struct {
	partition int32
	offset    int64
}

type fakeStore struct {
	seen         map[offsetKey]bool
	applied      []ledger.Event
	failNext     int
	applyErr     error
	highestByTop map[string]map[int32]int64
	resetCalls   []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{seen: make(map[offsetKey]bool), highestByTop: make(map[string]map[int32]int64)}
}

func (f *fakeStore) Apply(_ context.Context, rec bus.Record, e ledger.Event) (bool, error) {
	key := offsetKey{rec.Partition, rec.Offset}
	if f.seen[key] {
		return false, nil
	}
	if f.failNext > 0 {
		f.failNext--
		return false, f.applyErr
	}
	f.seen[key] = true
	f.applied = append(f.applied, e)
	return true, nil
}

func (f *fakeStore) Skip(_ context.Context, rec bus.Record) error {
	f.seen[offsetKey{rec.Partition, rec.Offset}] = true
	return nil
}

func (f *fakeStore) HighestRecordedOffsets(_ context.Context, topic string) (map[int32]int64, error) {
	return f.highestByTop[topic], nil
}

func (f *fakeStore) ResetTopic(_ context.Context, topic string) error {
	f.resetCalls = append(f.resetCalls, topic)
	delete(f.highestByTop, topic)
	return nil
}

type fakeAdmin struct {
	earliest, latest map[int32]int64
}

func (a fakeAdmin) WatermarkOffsets(_ context.Context, _ string) (map[int32]int64, map[int32]int64, error) {
	return a.earliest, a.latest, nil
}

type fakeConsumer struct {
	records []bus.Record
	seeks   map[int32]int64
	polled  bool
}

func (c *fakeConsumer) Poll(_ context.Context) ([]bus.Record, error) {
	if c.polled {
		select {}
	}
	c.polled = true
	return c.records, nil
}

func (c *fakeConsumer) SeekTo(_ string, partition int32, offset int64) {
	if c.seeks == nil {
		c.seeks = make(map[int32]int64)
	}
	c.seeks[partition] = offset
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func mkRecord(partition int32, offset int64, e ledger.Event) bus.Record {
	value, _ := json.Marshal(e)
	return bus.Record{Topic: Topic, Partition: partition, Offset: offset, Key: []byte(e.SubjectID), Value: value}
}

func mkLinkAddedEvent(subjectID string) ledger.Event {
	id, _ := uuid.NewV7()
	payload, _ := json.Marshal(eventtypes.LinkAddedPayload{URL: "https://example.com/a"})
	return ledger.Event{
		EventID:     id,
		OccurredAt:  time.Now().UTC(),
		SubjectKind: "link",
		SubjectID:   subjectID,
		EventType:   eventtypes.LinkAdded,
		Payload:     payload,
	}
}

func TestHandleRecordAppliesOnce(t *testing.T) {
	store := newFakeStore()
	m := New(&fakeConsumer{}, fakeAdmin{}, store, DefaultConfig(), discardLogger())

	rec := mkRecord(0, 5, mkLinkAddedEvent("link:a"))
	m.handleRecord(context.Background(), rec)
	if len(store.applied) != 1 {
		t.Fatalf("want 1 applied event, got %d", len(store.applied))
	}

	// Redelivery of the same offset must not reapply.
	m.handleRecord(context.Background(), rec)
	if len(store.applied) != 1 {
		t.Fatalf("want redelivery to be a no-op, got %d applied", len(store.applied))
	}
}

func TestHandleRecordRetriesThenSkipsPoisonMessage(t *testing.T) {
	store := newFakeStore()
	store.failNext = 99
	store.applyErr = errors.New("boom")
	cfg := Config{MaxMessageRetries: 3, RetryBackoff: time.Millisecond}
	m := New(&fakeConsumer{}, fakeAdmin{}, store, cfg, discardLogger())

	rec := mkRecord(0, 7, mkLinkAddedEvent("link:poison"))
	m.handleRecord(context.Background(), rec)

	if len(store.applied) != 0 {
		t.Fatalf("want poison message never applied, got %d", len(store.applied))
	}
	if !store.seen[offsetKey{0, 7}] {
		t.Fatal("want poison message's offset recorded as skipped")
	}
}

func TestHandleRecordSkipsUndecodableMessage(t *testing.T) {
	store := newFakeStore()
	m := New(&fakeConsumer{}, fakeAdmin{}, store, DefaultConfig(), discardLogger())

	rec := bus.Record{Topic: Topic, Partition: 1, Offset: 3, Value: []byte("not json")}
	m.handleRecord(context.Background(), rec)

	if !store.seen[offsetKey{1, 3}] {
		t.Fatal("want undecodable message's offset recorded as skipped")
	}
}

func TestReconcileSeeksToRecordedOffsetPlusOne(t *testing.T) {
	store := newFakeStore()
	store.highestByTop[Topic] = map[int32]int64{0: 9}
	admin := fakeAdmin{earliest: map[int32]int64{0: 0}, latest: map[int32]int64{0: 20}}
	consumer := &fakeConsumer{}
	m := New(consumer, admin, store, DefaultConfig(), discardLogger())

	if err := m.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if consumer.seeks[0] != 10 {
		t.Fatalf("want seek to 10, got %d", consumer.seeks[0])
	}
	if len(store.resetCalls) != 0 {
		t.Fatal("want no reset when offsets are within range")
	}
}

func TestReconcileSeeksToEarliestOnRetentionGap(t *testing.T) {
	store := newFakeStore()
	store.highestByTop[Topic] = map[int32]int64{0: 2}
	admin := fakeAdmin{earliest: map[int32]int64{0: 50}, latest: map[int32]int64{0: 100}}
	consumer := &fakeConsumer{}
	m := New(consumer, admin, store, DefaultConfig(), discardLogger())

	if err := m.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if consumer.seeks[0] != 50 {
		t.Fatalf("want seek to earliest 50, got %d", consumer.seeks[0])
	}
}

func TestReconcileResetsTopicWhenBusRecreated(t *testing.T) {
	store := newFakeStore()
	store.highestByTop[Topic] = map[int32]int64{0: 500}
	admin := fakeAdmin{earliest: map[int32]int64{0: 0}, latest: map[int32]int64{0: 10}}
	consumer := &fakeConsumer{}
	m := New(consumer, admin, store, DefaultConfig(), discardLogger())

	if err := m.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if len(store.resetCalls) != 1 {
		t.Fatalf("want 1 reset call, got %d", len(store.resetCalls))
	}
	if consumer.seeks[0] != 0 {
		t.Fatalf("want seek to earliest 0 after reset, got %d", consumer.seeks[0])
	}
}
