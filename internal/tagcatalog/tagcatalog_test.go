package tagcatalog

import "testing"

func TestMergeReportsChangeOnlyForNewTags(t *testing.T) {
	c := New()
	if !c.Merge([]string{"a", "b"}) {
		t.Fatal("want changed on first merge")
	}
	if c.Merge([]string{"a", "b"}) {
		t.Fatal("want no change when merging already-known tags")
	}
	if !c.Merge([]string{"a", "c"}) {
		t.Fatal("want changed when at least one tag is new")
	}
}

func TestKnownIsSortedAndBounded(t *testing.T) {
	c := New()
	c.Merge([]string{"zeta", "alpha", "mid"})
	known := c.Known(2)
	if len(known) != 2 {
		t.Fatalf("want 2 tags, got %d", len(known))
	}
	if known[0] != "alpha" {
		t.Fatalf("want sorted order, got %v", known)
	}
}

func TestSeedReplacesContents(t *testing.T) {
	c := New()
	c.Merge([]string{"old"})
	c.Seed([]string{"new1", "new2"})
	all := c.All()
	if len(all) != 2 || all[0] != "new1" {
		t.Fatalf("want seeded contents only, got %v", all)
	}
}
