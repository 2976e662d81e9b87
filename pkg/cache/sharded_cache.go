package cache

import (
	"hash/fnv"
	"sync"
	"time"
)

const numShards = 16

// ShardedCache is a concurrent string-keyed cache split across shards so
// unrelated keys never contend on the same lock.
type ShardedCache[V any] struct {
	shards [numShards]*shard[V]
	now    func() time.Time
}

type shard[V any] struct {
	mu    sync.RWMutex
	items map[string]entry[V]
}

type entry[V any] struct {
	value     V
	updatedAt time.Time
}

// New creates a new sharded cache.
func New[V any]() *ShardedCache[V] {
	c := &ShardedCache[V]{now: time.Now}
	for i := 0; i < numShards; i++ {
		c.shards[i] = &shard[V]{
			items: make(map[string]entry[V]),
		}
	}
	return c
}

// getShard returns the shard for the given key.
func (c *ShardedCache[V]) getShard(key string) *shard[V] {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.shards[h.Sum32()%numShards]
}

// Set stores a value for key.
func (c *ShardedCache[V]) Set(key string, v V) {
	s := c.getShard(key)
	s.mu.Lock()
	s.items[key] = entry[V]{value: v, updatedAt: c.now()}
	s.mu.Unlock()
}

// Get retrieves the value for key.
func (c *ShardedCache[V]) Get(key string) (V, bool) {
	s := c.getShard(key)
	s.mu.RLock()
	e, ok := s.items[key]
	s.mu.RUnlock()
	return e.value, ok
}

// Update applies fn to the current value under the shard lock. fn receives
// the value and whether it existed; when it returns keep=false the entry is
// left untouched. The resulting value is returned.
func (c *ShardedCache[V]) Update(key string, fn func(cur V, ok bool) (next V, keep bool)) (V, bool) {
	s := c.getShard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.items[key]
	next, keep := fn(e.value, ok)
	if !keep {
		return e.value, false
	}
	s.items[key] = entry[V]{value: next, updatedAt: c.now()}
	return next, true
}

// Delete removes key from the cache.
func (c *ShardedCache[V]) Delete(key string) {
	s := c.getShard(key)
	s.mu.Lock()
	delete(s.items, key)
	s.mu.Unlock()
}

// Len returns total items across all shards.
func (c *ShardedCache[V]) Len() int {
	total := 0
	for _, s := range c.shards {
		s.mu.RLock()
		total += len(s.items)
		s.mu.RUnlock()
	}
	return total
}

// Cleanup removes entries not touched for maxAge.
func (c *ShardedCache[V]) Cleanup(maxAge time.Duration) int {
	removed := 0
	cutoff := c.now().Add(-maxAge)

	for _, s := range c.shards {
		s.mu.Lock()
		for k, e := range s.items {
			if e.updatedAt.Before(cutoff) {
				delete(s.items, k)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// CacheStats provides cache statistics.
type CacheStats struct {
	TotalItems  int            `json:"total_items"`
	ShardCounts [numShards]int `json:"shard_counts"`
	OldestAge   time.Duration  `json:"oldest_age"`
}

// Stats returns cache statistics.
func (c *ShardedCache[V]) Stats() CacheStats {
	stats := CacheStats{}
	var oldest time.Time

	for i, s := range c.shards {
		s.mu.RLock()
		stats.ShardCounts[i] = len(s.items)
		stats.TotalItems += len(s.items)
		for _, e := range s.items {
			if oldest.IsZero() || e.updatedAt.Before(oldest) {
				oldest = e.updatedAt
			}
		}
		s.mu.RUnlock()
	}

	if !oldest.IsZero() {
		stats.OldestAge = c.now().Sub(oldest)
	}
	return stats
}
