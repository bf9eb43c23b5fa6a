package cache

import (
	"strings"
	"sync"
	"time"
)

type entry[V any] struct {
	value     V
	expiresAt time.Time
	lastUsed  time.Time
}

// Cache is a bounded TTL cache. When full, the entry closest to expiry
// is evicted first; ties fall to the least recently used one. Expired
// entries are misses even before eviction touches them.
type Cache[V any] struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	entries  map[string]*entry[V]

	now func() time.Time
}

func New[V any](capacity int, ttl time.Duration) *Cache[V] {
	return &Cache[V]{
		capacity: capacity,
		ttl:      ttl,
		entries:  make(map[string]*entry[V]),
		now:      time.Now,
	}
}

func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	e, ok := c.entries[key]
	if !ok {
		return zero, false
	}
	if c.now().After(e.expiresAt) {
		delete(c.entries, key)
		return zero, false
	}
	e.lastUsed = c.now()
	return e.value, true
}

// Put inserts or overwrites. Overwriting resets the expiry.
func (c *Cache[V]) Put(key string, value V) {
	c.PutTTL(key, value, c.ttl)
}

// PutTTL inserts with an explicit lifetime instead of the default.
func (c *Cache[V]) PutTTL(key string, value V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.capacity {
		c.evictLocked()
	}
	c.entries[key] = &entry[V]{
		value:     value,
		expiresAt: now.Add(ttl),
		lastUsed:  now,
	}
}

// evictLocked removes the entry with the soonest expiry, breaking ties
// by least recent use.
func (c *Cache[V]) evictLocked() {
	var victim string
	var victimEntry *entry[V]
	for key, e := range c.entries {
		if victimEntry == nil ||
			e.expiresAt.Before(victimEntry.expiresAt) ||
			(e.expiresAt.Equal(victimEntry.expiresAt) && e.lastUsed.Before(victimEntry.lastUsed)) {
			victim = key
			victimEntry = e
		}
	}
	if victimEntry != nil {
		delete(c.entries, victim)
	}
}

func (c *Cache[V]) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// InvalidatePrefix drops every entry whose key starts with prefix and
// returns how many were dropped.
func (c *Cache[V]) InvalidatePrefix(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	dropped := 0
	for key := range c.entries {
		if strings.HasPrefix(key, prefix) {
			delete(c.entries, key)
			dropped++
		}
	}
	return dropped
}

func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
