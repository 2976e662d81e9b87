package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestSetGetDelete(t *testing.T) {
	c := New[int]()
	c.Set("a", 1)
	if v, ok := c.Get("a"); !ok || v != 1 {
		t.Fatalf("Get(a)=%d,%v", v, ok)
	}
	c.Delete("a")
	if _, ok := c.Get("a"); ok {
		t.Fatal("expected a to be deleted")
	}
}

func TestUpdateIsAtomic(t *testing.T) {
	c := New[int]()
	c.Set("seq", 0)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Update("seq", func(cur int, ok bool) (int, bool) { return cur + 1, ok })
		}()
	}
	wg.Wait()

	if v, _ := c.Get("seq"); v != 50 {
		t.Fatalf("seq=%d, expected 50", v)
	}
	if _, kept := c.Update("missing", func(cur int, ok bool) (int, bool) { return 1, ok }); kept {
		t.Fatal("expected update of a missing key to be skipped")
	}
	if c.Len() != 1 {
		t.Fatalf("len=%d", c.Len())
	}
}

func TestCleanupRemovesStaleEntries(t *testing.T) {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	c := New[string]()
	c.now = func() time.Time { return now }
	for i := 0; i < 20; i++ {
		c.Set(fmt.Sprintf("old-%d", i), "x")
	}
	now = now.Add(time.Hour)
	c.Set("fresh", "y")

	if removed := c.Cleanup(30 * time.Minute); removed != 20 {
		t.Fatalf("removed=%d", removed)
	}
	stats := c.Stats()
	if stats.TotalItems != 1 || stats.OldestAge != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}
