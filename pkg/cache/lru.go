// Package cache holds the bounded TTL cache used for reference-data node
// ids and authorization decisions.
package cache

import (
	"sync"
	"time"
)

type slot[V any] struct {
	value   V
	expires time.Time
	seq     uint64
}

// Stats counts lookups since the cache was created.
type Stats struct {
	Hits    uint64
	Misses  uint64
	Evicted uint64
}

// LRUCache is a mutex guarded map bounded by capacity. A full cache drops
// its least recently touched entry on insert; expired entries are dropped
// when read.
type LRUCache[K comparable, V any] struct {
	mu       sync.Mutex
	slots    map[K]*slot[V]
	capacity int
	ttl      time.Duration
	seq      uint64
	stats    Stats
	now      func() time.Time
}

// NewLRUCache returns a cache holding at most capacity entries for ttl each.
// Capacities below one become one and a non-positive ttl becomes five
// minutes.
func NewLRUCache[K comparable, V any](capacity int, ttl time.Duration) *LRUCache[K, V] {
	if capacity < 1 {
		capacity = 1
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &LRUCache[K, V]{
		slots:    make(map[K]*slot[V], capacity),
		capacity: capacity,
		ttl:      ttl,
		now:      time.Now,
	}
}

// Get returns the live value under key.
func (c *LRUCache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.slots[key]
	if ok && c.now().After(s.expires) {
		delete(c.slots, key)
		ok = false
	}
	if !ok {
		c.stats.Misses++
		var zero V
		return zero, false
	}
	c.stats.Hits++
	c.seq++
	s.seq = c.seq
	return s.value, true
}

// Set stores value under key with a fresh ttl.
func (c *LRUCache[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.seq++
	if s, ok := c.slots[key]; ok {
		s.value, s.expires, s.seq = value, c.now().Add(c.ttl), c.seq
		return
	}
	if len(c.slots) >= c.capacity {
		c.dropOldest()
	}
	c.slots[key] = &slot[V]{value: value, expires: c.now().Add(c.ttl), seq: c.seq}
}

// Invalidate removes key.
func (c *LRUCache[K, V]) Invalidate(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.slots, key)
}

// InvalidateFunc removes every key for which match reports true and returns
// how many were removed.
func (c *LRUCache[K, V]) InvalidateFunc(match func(K) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k := range c.slots {
		if match(k) {
			delete(c.slots, k)
			n++
		}
	}
	return n
}

// InvalidateAll empties the cache. Stats are kept.
func (c *LRUCache[K, V]) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.slots)
}

// Size reports the number of stored entries, expired ones included.
func (c *LRUCache[K, V]) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.slots)
}

// Stats returns a snapshot of the lookup counters.
func (c *LRUCache[K, V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// caller holds c.mu
func (c *LRUCache[K, V]) dropOldest() {
	var (
		victim K
		lowest uint64
		found  bool
	)
	for k, s := range c.slots {
		if !found || s.seq < lowest {
			victim, lowest, found = k, s.seq, true
		}
	}
	if found {
		delete(c.slots, victim)
		c.stats.Evicted++
	}
}
