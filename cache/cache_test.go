package cache

import (
	"testing"
	"time"
)

// fakeClock drives a cache deterministically.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func TestCacheGetPut(t *testing.T) {
	c := New[string](10, time.Minute)

	if _, ok := c.Get("missing"); ok {
		t.Error("Expected miss for absent key")
	}

	c.Put("a", "alpha")
	got, ok := c.Get("a")
	if !ok || got != "alpha" {
		t.Errorf("Expected hit with 'alpha', got '%s' ok=%v", got, ok)
	}
}

func TestCacheExpiredEntryIsMiss(t *testing.T) {
	clock := newFakeClock()
	c := New[string](10, time.Minute)
	c.now = clock.now

	c.Put("a", "alpha")
	clock.advance(2 * time.Minute)

	if _, ok := c.Get("a"); ok {
		t.Error("Expected expired entry to miss")
	}
	if c.Len() != 0 {
		t.Errorf("Expected expired entry to be dropped, len=%d", c.Len())
	}
}

func TestCacheOverwriteResetsExpiry(t *testing.T) {
	clock := newFakeClock()
	c := New[string](10, time.Minute)
	c.now = clock.now

	c.Put("a", "old")
	clock.advance(50 * time.Second)
	c.Put("a", "new")
	clock.advance(30 * time.Second)

	got, ok := c.Get("a")
	if !ok || got != "new" {
		t.Errorf("Expected refreshed entry, got '%s' ok=%v", got, ok)
	}
}

func TestCacheEvictsSoonestExpiryFirst(t *testing.T) {
	clock := newFakeClock()
	c := New[string](2, time.Minute)
	c.now = clock.now

	c.PutTTL("short", "s", 10*time.Second)
	c.PutTTL("long", "l", 10*time.Minute)

	// Full: the next insert must evict the entry closest to expiry
	c.Put("third", "t")

	if _, ok := c.Get("short"); ok {
		t.Error("Expected soonest-expiring entry to be evicted")
	}
	if _, ok := c.Get("long"); !ok {
		t.Error("Expected long-lived entry to survive eviction")
	}
	if _, ok := c.Get("third"); !ok {
		t.Error("Expected newly inserted entry to be present")
	}
}

func TestCacheEvictionTieBreaksLRU(t *testing.T) {
	clock := newFakeClock()
	c := New[string](2, time.Minute)
	c.now = clock.now

	// Same expiry for both
	c.Put("cold", "c")
	c.Put("warm", "w")

	clock.advance(time.Second)
	if _, ok := c.Get("warm"); !ok {
		t.Fatal("Expected warm entry present")
	}

	clock.advance(time.Second)
	c.PutTTL("third", "t", 58*time.Second)

	if _, ok := c.Get("cold"); ok {
		t.Error("Expected least recently used entry to lose the tie")
	}
	if _, ok := c.Get("warm"); !ok {
		t.Error("Expected recently used entry to survive the tie")
	}
}

func TestCacheInvalidate(t *testing.T) {
	c := New[int](10, time.Minute)
	c.Put("a", 1)
	c.Invalidate("a")
	if _, ok := c.Get("a"); ok {
		t.Error("Expected invalidated entry to miss")
	}
	// Invalidating an absent key is fine
	c.Invalidate("never-there")
}

func TestCacheInvalidatePrefix(t *testing.T) {
	c := New[int](10, time.Minute)
	c.Put("user1|0", 1)
	c.Put("user1|1", 2)
	c.Put("user2|0", 3)

	dropped := c.InvalidatePrefix("user1|")
	if dropped != 2 {
		t.Errorf("Expected 2 dropped entries, got %d", dropped)
	}
	if _, ok := c.Get("user1|0"); ok {
		t.Error("Expected prefixed entry to be gone")
	}
	if _, ok := c.Get("user2|0"); !ok {
		t.Error("Expected other user's entry to survive")
	}
}
