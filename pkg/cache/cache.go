// Package cache provides the in-memory fingerprint cache for converted
// documents.
package cache

import (
	"container/list"
	"sync"

	"github.com/liuyunc/mkviewer/pkg/models"
)

// DefaultCapacity is used when a non-positive capacity is requested.
const DefaultCapacity = 512

// Cache is a bounded LRU keyed by storage key. Entries are ordered by
// access time: Get and Put both move a key to the most recently used end.
type Cache struct {
	capacity int

	mu      sync.Mutex
	order   *list.List // front = most recently used
	entries map[string]*list.Element
	hits    uint64
	misses  uint64
	evicted uint64
}

// New creates a new cache holding at most capacity entries.
func New(capacity int) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Cache{
		capacity: capacity,
		order:    list.New(),
		entries:  make(map[string]*list.Element),
	}
}

// Get returns the entry for key and promotes it.
// Absence is reported through ok, never as an error.
func (c *Cache) Get(key string) (models.CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		c.misses++
		return models.CacheEntry{}, false
	}
	c.hits++
	c.order.MoveToFront(el)
	return el.Value.(models.CacheEntry), true
}

// Put stores entry under key, replacing any previous entry.
// It returns the key evicted to make room, if any.
func (c *Cache) Put(key string, entry models.CacheEntry) (evictedKey string, evicted bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry.Key = key
	if el, ok := c.entries[key]; ok {
		el.Value = entry
		c.order.MoveToFront(el)
		return "", false
	}

	c.entries[key] = c.order.PushFront(entry)
	if c.order.Len() <= c.capacity {
		return "", false
	}
	return c.evictOldest(), true
}

// evictOldest removes the least recently used entry.
// Must be called with lock held.
func (c *Cache) evictOldest() string {
	el := c.order.Back()
	if el == nil {
		return ""
	}
	key := el.Value.(models.CacheEntry).Key
	c.order.Remove(el)
	delete(c.entries, key)
	c.evicted++
	return key
}

// Evict removes key from the cache. It is a no-op for unknown keys.
func (c *Cache) Evict(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		c.order.Remove(el)
		delete(c.entries, key)
	}
}

// Clear removes all entries and returns how many were dropped.
func (c *Cache) Clear() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	count := len(c.entries)
	c.order.Init()
	c.entries = make(map[string]*list.Element)
	return count
}

// IsCached returns true if key has an entry, without promoting it.
func (c *Cache) IsCached(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[key]
	return ok
}

// Len returns the number of entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats holds cache counters.
type Stats struct {
	Entries  int    `json:"entries"`
	Capacity int    `json:"capacity"`
	Hits     uint64 `json:"hits"`
	Misses   uint64 `json:"misses"`
	Evicted  uint64 `json:"evicted"`
}

// Stats returns cache statistics.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Entries:  len(c.entries),
		Capacity: c.capacity,
		Hits:     c.hits,
		Misses:   c.misses,
		Evicted:  c.evicted,
	}
}

// Keys returns cached keys from most to least recently used.
func (c *Cache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]string, 0, len(c.entries))
	for el := c.order.Front(); el != nil; el = el.Next() {
		keys = append(keys, el.Value.(models.CacheEntry).Key)
	}
	return keys
}
