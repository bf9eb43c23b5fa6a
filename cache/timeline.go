package cache

import (
	"fmt"
	"log"
	"time"

	"github.com/deemkeen/mammut/db"
	"github.com/google/uuid"
)

const timelinePageSize = 40

// Timelines caches home feed pages as note id lists, keyed per user and
// page. Any write that changes what a feed should show drops all of that
// user's pages; the next read rebuilds from the database.
type Timelines struct {
	cache *Cache[[]uuid.UUID]
	db    *db.DB
}

func NewTimelines(database *db.DB, capacity int, ttl time.Duration) *Timelines {
	return &Timelines{
		cache: New[[]uuid.UUID](capacity, ttl),
		db:    database,
	}
}

func timelineKey(accountId uuid.UUID, page int) string {
	return fmt.Sprintf("%s|%d", accountId, page)
}

// Page returns one page of a user's home feed, rebuilding from the
// database on a miss.
func (t *Timelines) Page(accountId uuid.UUID, page int) ([]uuid.UUID, error) {
	if page < 0 {
		page = 0
	}
	key := timelineKey(accountId, page)
	if ids, ok := t.cache.Get(key); ok {
		return ids, nil
	}

	err, ids := t.db.ReadHomeTimeline(accountId, (page+1)*timelinePageSize)
	if err != nil {
		return nil, fmt.Errorf("failed to rebuild timeline: %w", err)
	}

	start := page * timelinePageSize
	if start >= len(ids) {
		ids = nil
	} else {
		ids = ids[start:]
	}
	t.cache.Put(key, ids)
	return ids, nil
}

// InvalidateUser drops every cached page of one user's feed.
func (t *Timelines) InvalidateUser(accountId uuid.UUID) {
	if dropped := t.cache.InvalidatePrefix(accountId.String() + "|"); dropped > 0 {
		log.Printf("Timelines: Invalidated %d cached pages for %s", dropped, accountId)
	}
}
