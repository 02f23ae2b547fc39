package cache

import (
	"sync"
	"time"
)

// Cache is a keyed store with per-entry expiry.
type Cache[K comparable, V any] interface {
	Get(key K) (V, bool)
	Set(key K, value V, ttl time.Duration)
	Delete(key K)
	Len() int
}

type ttlEntry[V any] struct {
	value     V
	expiresAt time.Time
}

type ttlCache[K comparable, V any] struct {
	mu         sync.RWMutex
	items      map[K]ttlEntry[V]
	maxEntries int
	now        func() time.Time
}

const defaultMaxEntries = 50_000

// NewTTLCache returns an in-memory cache. Expired entries are dropped lazily
// on read and swept when the cache reaches its size bound.
func NewTTLCache[K comparable, V any]() Cache[K, V] {
	return newTTLCache[K, V](defaultMaxEntries, time.Now)
}

func newTTLCache[K comparable, V any](maxEntries int, now func() time.Time) *ttlCache[K, V] {
	if maxEntries <= 0 {
		maxEntries = defaultMaxEntries
	}
	return &ttlCache[K, V]{
		items:      make(map[K]ttlEntry[V]),
		maxEntries: maxEntries,
		now:        now,
	}
}

func (c *ttlCache[K, V]) Get(key K) (V, bool) {
	c.mu.RLock()
	entry, ok := c.items[key]
	c.mu.RUnlock()

	var zero V
	if !ok {
		return zero, false
	}
	if c.now().After(entry.expiresAt) {
		c.mu.Lock()
		if current, ok := c.items[key]; ok && c.now().After(current.expiresAt) {
			delete(c.items, key)
		}
		c.mu.Unlock()
		return zero, false
	}
	return entry.value, true
}

func (c *ttlCache[K, V]) Set(key K, value V, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.items[key]; !exists && len(c.items) >= c.maxEntries {
		c.sweepLocked()
		if len(c.items) >= c.maxEntries {
			return
		}
	}
	c.items[key] = ttlEntry[V]{value: value, expiresAt: c.now().Add(ttl)}
}

func (c *ttlCache[K, V]) Delete(key K) {
	c.mu.Lock()
	delete(c.items, key)
	c.mu.Unlock()
}

func (c *ttlCache[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

func (c *ttlCache[K, V]) sweepLocked() {
	now := c.now()
	for key, entry := range c.items {
		if now.After(entry.expiresAt) {
			delete(c.items, key)
		}
	}
}
