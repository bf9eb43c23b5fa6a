package cache

import (
	"fmt"
	"sync"
	"time"

	"github.com/deemkeen/mammut/domain"
	"golang.org/x/time/rate"
)

// Limiter holds one token bucket per (subject, action) pair. Buckets
// refill continuously, so exhausting one action for one subject affects
// nothing else.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	rate    rate.Limit
	burst   int

	now func() time.Time
}

func NewLimiter(r rate.Limit, burst int) *Limiter {
	return &Limiter{
		buckets: make(map[string]*rate.Limiter),
		rate:    r,
		burst:   burst,
		now:     time.Now,
	}
}

// Allow consumes one token for the pair, or reports the limit hit.
func (l *Limiter) Allow(subject, action string) error {
	key := subject + "|" + action

	l.mu.Lock()
	bucket, ok := l.buckets[key]
	if !ok {
		bucket = rate.NewLimiter(l.rate, l.burst)
		l.buckets[key] = bucket
	}
	now := l.now()
	l.mu.Unlock()

	if !bucket.AllowN(now, 1) {
		return fmt.Errorf("%w: %s on %s", domain.ErrRateLimitExceeded, action, subject)
	}
	return nil
}

// Reset drops all buckets, releasing memory from idle subjects.
func (l *Limiter) Reset() {
	l.mu.Lock()
	l.buckets = make(map[string]*rate.Limiter)
	l.mu.Unlock()
}
