// Package tagcatalog holds the enricher's per-process view of known
// tags: a single in-memory set, reseeded at startup from the compacted
// tags.catalog topic and read/written only by the enricher's single
// consumer goroutine, so no locking is needed.
package tagcatalog

import "sort"

// Topic is the compacted topic carrying the full tag set under a
// single constant key.
const Topic = "tags.catalog"

// Key is the single key every record on Topic is produced under, so
// the topic compacts down to one record: the latest full set.
const Key = "catalog"

// Catalog is an in-memory, caller-owned set of known tags.
type Catalog struct {
	tags map[string]struct{}
}

// New builds an empty Catalog.
func New() *Catalog {
	return &Catalog{tags: make(map[string]struct{})}
}

// Seed replaces the catalog's contents, used when reading the
// compacted tags.catalog topic's latest value at startup.
func (c *Catalog) Seed(tags []string) {
	c.tags = make(map[string]struct{}, len(tags))
	for _, t := range tags {
		c.tags[t] = struct{}{}
	}
}

// Known returns up to limit known tags, sorted, for prompting the
// model with existing vocabulary.
func (c *Catalog) Known(limit int) []string {
	all := c.All()
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all
}

// All returns every known tag, sorted.
func (c *Catalog) All() []string {
	out := make([]string, 0, len(c.tags))
	for t := range c.tags {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Merge adds newTags to the catalog and reports whether the set
// changed (i.e. there is something new to republish).
func (c *Catalog) Merge(newTags []string) (changed bool) {
	for _, t := range newTags {
		if t == "" {
			continue
		}
		if _, ok := c.tags[t]; !ok {
			c.tags[t] = struct{}{}
			changed = true
		}
	}
	return changed
}
