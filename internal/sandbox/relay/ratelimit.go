package relay

import (
	"sync"
	"time"
)

// rateLimiter is a fixed-window limiter keyed by external id. A nil limiter
// allows everything.
type rateLimiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	now     func() time.Time
	buckets map[string]*windowBucket

	// nextSweep bounds sweeps to one per window.
	nextSweep time.Time
}

type windowBucket struct {
	count   int
	resetAt time.Time
}

func newRateLimiter(limit int, window time.Duration) *rateLimiter {
	if limit <= 0 {
		return nil
	}
	if window <= 0 {
		window = time.Second
	}
	return &rateLimiter{
		limit:   limit,
		window:  window,
		now:     time.Now,
		buckets: make(map[string]*windowBucket),
	}
}

// Allow reports whether key is still within its budget for the current
// window and counts the call. Safe for concurrent use.
func (r *rateLimiter) Allow(key string) bool {
	if r == nil {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	b, ok := r.buckets[key]
	if !ok || now.After(b.resetAt) {
		if now.After(r.nextSweep) {
			r.sweep(now)
			r.nextSweep = now.Add(r.window)
		}
		r.buckets[key] = &windowBucket{count: 1, resetAt: now.Add(r.window)}
		return true
	}
	if b.count >= r.limit {
		return false
	}
	b.count++
	return true
}

// sweep drops stale buckets so ids of killed instances do not accumulate.
func (r *rateLimiter) sweep(now time.Time) {
	for k, b := range r.buckets {
		if now.After(b.resetAt) {
			delete(r.buckets, k)
		}
	}
}
