package cache

import (
	"fmt"
	"sync"
	"testing"

	"github.com/liuyunc/mkviewer/pkg/models"
)

func entry(fp, text string) models.CacheEntry {
	return models.CacheEntry{Fingerprint: fp, Type: models.TypeMarkdown, Text: text, Render: "<p>" + text + "</p>"}
}

func TestCache_PutAndGet(t *testing.T) {
	c := New(4)

	c.Put("docs/a.md", entry("etag-1", "hello"))

	got, ok := c.Get("docs/a.md")
	if !ok {
		t.Fatal("Get returned not ok")
	}
	if got.Key != "docs/a.md" {
		t.Errorf("key: got %q", got.Key)
	}
	if got.Fingerprint != "etag-1" || got.Text != "hello" {
		t.Errorf("entry mismatch: %+v", got)
	}

	if _, ok := c.Get("missing"); ok {
		t.Error("Get returned ok for missing key")
	}
}

func TestCache_PutReplaces(t *testing.T) {
	c := New(4)
	c.Put("a", entry("v1", "old"))
	c.Put("a", entry("v2", "new"))

	if c.Len() != 1 {
		t.Fatalf("Len: got %d, want 1", c.Len())
	}
	got, _ := c.Get("a")
	if got.Fingerprint != "v2" || got.Text != "new" {
		t.Errorf("replace failed: %+v", got)
	}
}

func TestCache_LRUEviction(t *testing.T) {
	c := New(2)

	c.Put("file1", entry("1", "a"))
	c.Put("file2", entry("2", "b"))

	// Access file1 to make it more recent
	c.Get("file1")

	evictedKey, evicted := c.Put("file3", entry("3", "c"))
	if !evicted || evictedKey != "file2" {
		t.Fatalf("expected file2 eviction, got %q (%v)", evictedKey, evicted)
	}

	if c.IsCached("file2") {
		t.Error("file2 should have been evicted")
	}
	if !c.IsCached("file1") {
		t.Error("file1 should not have been evicted")
	}
	if !c.IsCached("file3") {
		t.Error("file3 should be cached")
	}
}

func TestCache_RetainsMostRecentN(t *testing.T) {
	const n = 8
	c := New(n)

	for i := 0; i < 3*n; i++ {
		c.Put(fmt.Sprintf("k%02d", i), entry("fp", "x"))
		// Touch an early key on every round so it stays hot.
		c.Get("k00")
	}

	if c.Len() != n {
		t.Fatalf("Len: got %d, want %d", c.Len(), n)
	}
	if !c.IsCached("k00") {
		t.Error("k00 was accessed on every round and should be retained")
	}

	keys := c.Keys()
	if keys[0] != "k00" {
		t.Errorf("most recent key: got %q, want k00", keys[0])
	}
	// The remaining n-1 keys are the latest inserts.
	for i := 3*n - (n - 1); i < 3*n; i++ {
		k := fmt.Sprintf("k%02d", i)
		if !c.IsCached(k) {
			t.Errorf("%s should be retained", k)
		}
	}
}

func TestCache_PutExistingPromotes(t *testing.T) {
	c := New(2)
	c.Put("a", entry("1", "a"))
	c.Put("b", entry("1", "b"))
	c.Put("a", entry("2", "a2"))
	c.Put("c", entry("1", "c"))

	if c.IsCached("b") {
		t.Error("b should be evicted after a was re-put")
	}
	if !c.IsCached("a") {
		t.Error("a should be retained")
	}
}

func TestCache_Clear(t *testing.T) {
	c := New(10)
	c.Put("a", entry("1", "a"))
	c.Put("b", entry("1", "b"))
	c.Put("c", entry("1", "c"))

	if got := c.Clear(); got != 3 {
		t.Errorf("Clear: got %d, want 3", got)
	}
	if c.Len() != 0 {
		t.Errorf("Len after Clear: %d", c.Len())
	}
	if got := c.Clear(); got != 0 {
		t.Errorf("second Clear: got %d, want 0", got)
	}
}

func TestCache_Stats(t *testing.T) {
	c := New(1)
	c.Put("a", entry("1", "a"))
	c.Get("a")
	c.Get("b")
	c.Put("b", entry("1", "b"))

	s := c.Stats()
	if s.Entries != 1 || s.Capacity != 1 {
		t.Errorf("entries/capacity: %+v", s)
	}
	if s.Hits != 1 || s.Misses != 1 || s.Evicted != 1 {
		t.Errorf("counters: %+v", s)
	}
}

func TestCache_DefaultCapacity(t *testing.T) {
	if got := New(0).Stats().Capacity; got != DefaultCapacity {
		t.Errorf("capacity: got %d, want %d", got, DefaultCapacity)
	}
}

func TestCache_Concurrent(t *testing.T) {
	c := New(16)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := fmt.Sprintf("k%d", (g*31+i)%40)
				c.Put(key, entry("fp", key))
				c.Get(key)
				if i%50 == 0 {
					c.Clear()
				}
			}
		}(g)
	}
	wg.Wait()

	if c.Len() > 16 {
		t.Errorf("Len exceeded capacity: %d", c.Len())
	}
}
