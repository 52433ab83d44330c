// Package cache holds explicit, TTL-bounded caches owned by the components
// that use them.
package cache

import (
	"sync"
	"time"
)

// TTLCache is a concurrency-safe map whose entries expire after a fixed TTL.
// When max > 0, inserting into a full cache first evicts expired entries and
// then the entry closest to expiry.
type TTLCache[K comparable, V any] struct {
	ttl time.Duration
	max int
	now func() time.Time

	mu    sync.Mutex
	items map[K]ttlEntry[V]
}

type ttlEntry[V any] struct {
	value   V
	expires time.Time
}

// NewTTL creates a cache. max <= 0 means unbounded.
func NewTTL[K comparable, V any](ttl time.Duration, max int) *TTLCache[K, V] {
	return &TTLCache[K, V]{
		ttl:   ttl,
		max:   max,
		now:   time.Now,
		items: make(map[K]ttlEntry[V]),
	}
}

// Get returns the value for k if present and not expired.
func (c *TTLCache[K, V]) Get(k K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.items[k]
	if !ok {
		var zero V
		return zero, false
	}
	if !c.now().Before(e.expires) {
		delete(c.items, k)
		var zero V
		return zero, false
	}
	return e.value, true
}

// Put stores v under k for one TTL.
func (c *TTLCache[K, V]) Put(k K, v V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if _, exists := c.items[k]; !exists && c.max > 0 && len(c.items) >= c.max {
		c.evictLocked(now)
	}
	c.items[k] = ttlEntry[V]{value: v, expires: now.Add(c.ttl)}
}

// Delete removes k.
func (c *TTLCache[K, V]) Delete(k K) {
	c.mu.Lock()
	delete(c.items, k)
	c.mu.Unlock()
}

// Len returns the number of stored entries, including expired ones not yet evicted.
func (c *TTLCache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *TTLCache[K, V]) evictLocked(now time.Time) {
	for k, e := range c.items {
		if !now.Before(e.expires) {
			delete(c.items, k)
		}
	}
	if len(c.items) < c.max {
		return
	}
	var oldest K
	var oldestExp time.Time
	first := true
	for k, e := range c.items {
		if first || e.expires.Before(oldestExp) {
			oldest, oldestExp, first = k, e.expires, false
		}
	}
	delete(c.items, oldest)
}
