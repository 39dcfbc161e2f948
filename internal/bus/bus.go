// Package bus is a typed wrapper over a Kafka-compatible client,
// exposing only the produce/consume/admin surface the core needs:
// per-subject-keyed production, consumer-group and explicit-offset
// consumption, and watermark/topic administration.
package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
)

// Record is the decoded unit both the router and materializer operate on.
type Record struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Timestamp time.Time
}

// Producer publishes keyed records for partition affinity.
type Producer struct {
	client *kgo.Client
}

// NewProducer builds a producer against brokers. A non-empty saslUser
// enables SASL/PLAIN auth.
func NewProducer(brokers []string, saslUser, saslPassword string) (*Producer, error) {
	opts := append(commonOpts(brokers, saslUser, saslPassword), kgo.ProducerBatchMaxBytes(1_000_000))
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("bus: new producer: %w", err)
	}
	return &Producer{client: client}, nil
}

// Produce synchronously publishes value keyed by key to topic, with
// headers carrying event metadata. The key drives partition affinity:
// the bus preserves per-partition order, so a stable key (subject id)
// is what gives the core its per-subject ordering guarantee.
func (p *Producer) Produce(ctx context.Context, topic string, key, value []byte, headers map[string]string) error {
	rec := &kgo.Record{Topic: topic, Key: key, Value: value}
	for k, v := range headers {
		rec.Headers = append(rec.Headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
	}

	result := p.client.ProduceSync(ctx, rec)
	if err := result.FirstErr(); err != nil {
		return fmt.Errorf("bus: produce to %s: %w", topic, err)
	}
	return nil
}

// Close releases the underlying client.
func (p *Producer) Close() {
	p.client.Close()
}

// Consumer reads records from a set of topics, either in consumer-group
// mode (at-least-once, bus-committed offsets — used by the router and
// workers) or explicit-offset mode (used by the materializer, whose
// progress is owned by Postgres instead).
type Consumer struct {
	client *kgo.Client
}

// NewGroupConsumer joins group on topics using the bus's own offset
// commits. Appropriate where redelivery on crash is acceptable.
func NewGroupConsumer(brokers []string, saslUser, saslPassword, group string, topics []string) (*Consumer, error) {
	opts := append(commonOpts(brokers, saslUser, saslPassword),
		kgo.ConsumerGroup(group),
		kgo.ConsumeTopics(topics...),
		kgo.AutoCommitMarks(),
	)
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("bus: new group consumer: %w", err)
	}
	return &Consumer{client: client}, nil
}

// NewExplicitConsumer builds a consumer that manages its own offsets.
// It subscribes to nothing until SeekTo assigns each partition a
// starting offset, so the caller fully owns where consumption begins.
func NewExplicitConsumer(brokers []string, saslUser, saslPassword string) (*Consumer, error) {
	client, err := kgo.NewClient(commonOpts(brokers, saslUser, saslPassword)...)
	if err != nil {
		return nil, fmt.Errorf("bus: new explicit consumer: %w", err)
	}
	return &Consumer{client: client}, nil
}

// SeekTo repositions partition to offset before polling begins. Used by
// the materializer on startup to resume from its own durable progress
// table rather than whatever the bus happens to remember.
func (c *Consumer) SeekTo(topic string, partition int32, offset int64) {
	c.client.AddConsumePartitions(map[string]map[int32]kgo.Offset{
		topic: {partition: kgo.NewOffset().At(offset)},
	})
}

// Poll blocks until at least one record is available or ctx is done,
// returning the decoded records.
func (c *Consumer) Poll(ctx context.Context) ([]Record, error) {
	fetches := c.client.PollFetches(ctx)
	if fetches.IsClientClosed() {
		return nil, fmt.Errorf("bus: client closed")
	}
	if errs := fetches.Errors(); len(errs) > 0 {
		return nil, fmt.Errorf("bus: poll: %w", errs[0].Err)
	}

	var out []Record
	fetches.EachRecord(func(r *kgo.Record) {
		headers := make(map[string]string, len(r.Headers))
		for _, h := range r.Headers {
			headers[h.Key] = string(h.Value)
		}
		out = append(out, Record{
			Topic:     r.Topic,
			Partition: r.Partition,
			Offset:    r.Offset,
			Key:       r.Key,
			Value:     r.Value,
			Headers:   headers,
			Timestamp: r.Timestamp,
		})
	})
	return out, nil
}

// MarkCommitted tells the client a record has been fully processed, so
// a group consumer's auto-commit can advance past it. No-op for
// explicit-offset consumers, which never commit to the bus.
func (c *Consumer) MarkCommitted(r Record) {
	c.client.MarkCommitRecords(&kgo.Record{Topic: r.Topic, Partition: r.Partition, Offset: r.Offset})
}

// Close releases the underlying client.
func (c *Consumer) Close() {
	c.client.Close()
}

// AdminClient exposes bus administration: watermark reconciliation for
// the materializer's startup catch-up, and topic lifecycle for
// `streamctl reset-bus`.
type AdminClient struct {
	admin *kadm.Client
}

// NewAdminClient builds an admin client against brokers.
func NewAdminClient(brokers []string, saslUser, saslPassword string) (*AdminClient, error) {
	client, err := kgo.NewClient(commonOpts(brokers, saslUser, saslPassword)...)
	if err != nil {
		return nil, fmt.Errorf("bus: new admin client: %w", err)
	}
	return &AdminClient{admin: kadm.NewClient(client)}, nil
}

// WatermarkOffsets returns the earliest and latest offset per partition
// for topic.
func (a *AdminClient) WatermarkOffsets(ctx context.Context, topic string) (earliest, latest map[int32]int64, err error) {
	lows, err := a.admin.ListStartOffsets(ctx, topic)
	if err != nil {
		return nil, nil, fmt.Errorf("bus: list start offsets: %w", err)
	}
	highs, err := a.admin.ListEndOffsets(ctx, topic)
	if err != nil {
		return nil, nil, fmt.Errorf("bus: list end offsets: %w", err)
	}

	earliest = make(map[int32]int64)
	latest = make(map[int32]int64)
	lows.Each(func(o kadm.ListedOffset) {
		earliest[o.Partition] = o.Offset
	})
	highs.Each(func(o kadm.ListedOffset) {
		latest[o.Partition] = o.Offset
	})
	return earliest, latest, nil
}

// ResetTopics deletes and recreates topics, used by `streamctl
// reset-bus`. Deliberately destructive; callers confirm with the
// operator before calling this.
func (a *AdminClient) ResetTopics(ctx context.Context, topics []string, partitions int32, replicationFactor int16) error {
	if _, err := a.admin.DeleteTopics(ctx, topics...); err != nil {
		return fmt.Errorf("bus: delete topics: %w", err)
	}
	if _, err := a.admin.CreateTopics(ctx, partitions, replicationFactor, nil, topics...); err != nil {
		return fmt.Errorf("bus: create topics: %w", err)
	}
	return nil
}

// Close releases the underlying client.
func (a *AdminClient) Close() {
	a.admin.Close()
}

func commonOpts(brokers []string, saslUser, saslPassword string) []kgo.Opt {
	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.RequestRetries(10),
	}
	if saslUser != "" {
		opts = append(opts, kgo.SASL(plainAuth(saslUser, saslPassword)))
	}
	return opts
}
