// Package busfake is an in-memory stand-in for the franz-go-backed
// bus, satisfying the same minimal Producer/Consumer surface the
// outbox, router, and materializer depend on, so those packages can
// be tested without a live broker.
//
// Broker models a Kafka-shaped log: each topic is split into a fixed
// number of partitions, a key deterministically selects a partition
// (preserving the per-subject ordering guarantee the core relies on),
// and records are durable and ordered within a partition once written.
package busfake

import (
	"context"
	"hash/fnv"
	"sync"

	"github.com/homelab/lifestream/internal/bus"
)

type partitionLog struct {
	records []bus.Record
}

type topicLog struct {
	partitions []*partitionLog
}

// Broker is an in-memory multi-topic, multi-partition log.
type Broker struct {
	mu        sync.Mutex
	cond      *sync.Cond
	topics    map[string]*topicLog
	numParts  map[string]int
	defaultNP int
}

// NewBroker creates an empty broker. defaultPartitions is the
// partition count used for a topic the first time it is written to
// (mirrors the core's topic config: events.raw gets >=3, compacted
// topics get 1).
func NewBroker(defaultPartitions int) *Broker {
	if defaultPartitions < 1 {
		defaultPartitions = 1
	}
	b := &Broker{
		topics:    make(map[string]*topicLog),
		numParts:  make(map[string]int),
		defaultNP: defaultPartitions,
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// SetPartitions fixes the partition count for topic before first use.
func (b *Broker) SetPartitions(topic string, n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.numParts[topic] = n
}

func (b *Broker) ensureTopicLocked(topic string) *topicLog {
	tl, ok := b.topics[topic]
	if ok {
		return tl
	}
	n := b.numParts[topic]
	if n < 1 {
		n = b.defaultNP
	}
	tl = &topicLog{partitions: make([]*partitionLog, n)}
	for i := range tl.partitions {
		tl.partitions[i] = &partitionLog{}
	}
	b.topics[topic] = tl
	return tl
}

func partitionFor(key []byte, n int) int32 {
	if n <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write(key)
	return int32(h.Sum32() % uint32(n))
}

// Produce appends a record keyed by key to topic, selecting a
// partition deterministically from the key so per-key ordering holds.
func (b *Broker) Produce(_ context.Context, topic string, key, value []byte, headers map[string]string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	tl := b.ensureTopicLocked(topic)
	p := partitionFor(key, len(tl.partitions))
	part := tl.partitions[p]
	rec := bus.Record{
		Topic:     topic,
		Partition: p,
		Offset:    int64(len(part.records)),
		Key:       append([]byte(nil), key...),
		Value:     append([]byte(nil), value...),
		Headers:   headers,
	}
	part.records = append(part.records, rec)
	b.cond.Broadcast()
	return nil
}

// WatermarkOffsets returns the earliest (always 0, the fake never
// trims) and latest (next offset to be written) per partition.
func (b *Broker) WatermarkOffsets(_ context.Context, topic string) (earliest, latest map[int32]int64, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	earliest = make(map[int32]int64)
	latest = make(map[int32]int64)
	tl, ok := b.topics[topic]
	if !ok {
		return earliest, latest, nil
	}
	for i, part := range tl.partitions {
		earliest[int32(i)] = 0
		latest[int32(i)] = int64(len(part.records))
	}
	return earliest, latest, nil
}

// ResetTopics clears every partition of the named topics, as if they
// had been deleted and recreated empty.
func (b *Broker) ResetTopics(_ context.Context, topics []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range topics {
		delete(b.topics, t)
	}
	return nil
}

// Consumer reads from one or more topics. In group mode it tracks its
// own read position per partition (simulating consumer-group
// redelivery semantics loosely: nothing re-delivers once read, since
// the fake has one consumer per group in tests). In explicit mode
// SeekTo must be called before the first Poll for a partition that
// should not start at 0.
type Consumer struct {
	broker    *Broker
	topics    []string
	positions map[string]map[int32]int64
}

// NewConsumer returns a Consumer over topics, starting every partition
// at offset 0 unless SeekTo repositions it first.
func (b *Broker) NewConsumer(topics []string) *Consumer {
	return &Consumer{
		broker:    b,
		topics:    append([]string(nil), topics...),
		positions: make(map[string]map[int32]int64),
	}
}

// SeekTo repositions partition to offset before the next Poll.
func (c *Consumer) SeekTo(topic string, partition int32, offset int64) {
	if c.positions[topic] == nil {
		c.positions[topic] = make(map[int32]int64)
	}
	c.positions[topic][partition] = offset
}

// Poll blocks until at least one new record is available on any
// subscribed topic/partition, or ctx is cancelled.
func (c *Consumer) Poll(ctx context.Context) ([]bus.Record, error) {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	for {
		out := c.drainLocked()
		if len(out) > 0 {
			return out, nil
		}

		woken := make(chan struct{})
		go func() {
			b.mu.Lock()
			b.cond.Wait()
			b.mu.Unlock()
			close(woken)
		}()
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			b.mu.Lock()
			return nil, ctx.Err()
		case <-woken:
			b.mu.Lock()
		}
	}
}

// drainLocked must be called with b.mu held.
func (c *Consumer) drainLocked() []bus.Record {
	var out []bus.Record
	for _, topic := range c.topics {
		tl, ok := c.broker.topics[topic]
		if !ok {
			continue
		}
		if c.positions[topic] == nil {
			c.positions[topic] = make(map[int32]int64)
		}
		for pid, part := range tl.partitions {
			p := int32(pid)
			pos := c.positions[topic][p]
			if pos < int64(len(part.records)) {
				out = append(out, part.records[pos:]...)
				c.positions[topic][p] = int64(len(part.records))
			}
		}
	}
	return out
}

// MarkCommitted is a no-op for the fake: there is no separate bus-side
// commit to simulate beyond the read position already advanced by Poll.
func (c *Consumer) MarkCommitted(bus.Record) {}
