package tagcatalog

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/homelab/lifestream/internal/bus"
)

// admin is the subset of bus.AdminClient seeding depends on.
type admin interface {
	WatermarkOffsets(ctx context.Context, topic string) (earliest, latest map[int32]int64, err error)
}

// consumer is the subset of bus.Consumer seeding depends on.
type consumer interface {
	SeekTo(topic string, partition int32, offset int64)
	Poll(ctx context.Context) ([]bus.Record, error)
}

// producer is the subset of bus.Producer Publish depends on.
type producer interface {
	Produce(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
}

// Encode serializes a full tag set for the compacted topic.
func Encode(tags []string) ([]byte, error) {
	return json.Marshal(tags)
}

// Decode parses a record value from the compacted topic.
func Decode(value []byte) ([]string, error) {
	var tags []string
	if err := json.Unmarshal(value, &tags); err != nil {
		return nil, fmt.Errorf("tagcatalog: decode record: %w", err)
	}
	return tags, nil
}

// SeedLatest reads the newest record from the compacted tags.catalog
// topic into cat. The topic is single-partition and single-key, so the
// latest record is the whole catalog. An empty topic seeds nothing.
func SeedLatest(ctx context.Context, a admin, c consumer, cat *Catalog) error {
	earliest, latest, err := a.WatermarkOffsets(ctx, Topic)
	if err != nil {
		return fmt.Errorf("tagcatalog: watermark offsets: %w", err)
	}
	hi, ok := latest[0]
	if !ok || hi == 0 || hi <= earliest[0] {
		return nil
	}

	c.SeekTo(Topic, 0, hi-1)
	records, err := c.Poll(ctx)
	if err != nil {
		return fmt.Errorf("tagcatalog: poll: %w", err)
	}
	if len(records) == 0 {
		return nil
	}

	tags, err := Decode(records[len(records)-1].Value)
	if err != nil {
		return err
	}
	cat.Seed(tags)
	return nil
}

// Publish produces the full sorted tag set to the compacted topic
// under the single constant key.
func Publish(ctx context.Context, p producer, tags []string) error {
	value, err := Encode(tags)
	if err != nil {
		return fmt.Errorf("tagcatalog: encode: %w", err)
	}
	if err := p.Produce(ctx, Topic, []byte(Key), value, nil); err != nil {
		return fmt.Errorf("tagcatalog: publish: %w", err)
	}
	return nil
}
