package cache

import (
	"time"

	"github.com/deemkeen/mammut/db"
)

// Revoked is the set of blacklisted token hashes: a database table
// fronted by an in-memory set. The table is authoritative, so a
// revocation survives cache eviction and restarts; entries live until
// the underlying token would have expired anyway, so the set cannot
// grow without bound.
type Revoked struct {
	cache *Cache[struct{}]
	db    *db.DB
}

func NewRevoked(database *db.DB, capacity int) *Revoked {
	return &Revoked{
		// Entries re-primed from the table get an hour in the front;
		// after that the next check falls through to the table again.
		cache: New[struct{}](capacity, time.Hour),
		db:    database,
	}
}

// Revoke marks a token hash revoked until the given time.
func (r *Revoked) Revoke(tokenHash string, until time.Time) error {
	ttl := time.Until(until)
	if ttl <= 0 {
		return nil
	}
	if err := r.db.CreateRevokedToken(tokenHash, until); err != nil {
		return err
	}
	r.cache.PutTTL(tokenHash, struct{}{}, ttl)
	return nil
}

// IsRevoked consults the in-memory set first, then the table on a miss.
func (r *Revoked) IsRevoked(tokenHash string) (bool, error) {
	if _, ok := r.cache.Get(tokenHash); ok {
		return true, nil
	}
	revoked, err := r.db.IsTokenRevoked(tokenHash, time.Now())
	if err != nil {
		return false, err
	}
	if revoked {
		r.cache.Put(tokenHash, struct{}{})
	}
	return revoked, nil
}
