package security

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter enforces per-key token buckets, keyed by account ID at the
// dispatcher boundary. Buckets are created lazily and reaped when idle so an
// unbounded key space cannot grow the map forever.
type RateLimiter struct {
	limit rate.Limit
	burst int

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter allows requestsPerMin sustained requests per key with the
// given burst allowance.
func NewRateLimiter(requestsPerMin, burst int) *RateLimiter {
	if requestsPerMin <= 0 {
		requestsPerMin = 100
	}
	if burst <= 0 {
		burst = 20
	}
	return &RateLimiter{
		limit:   rate.Limit(float64(requestsPerMin) / 60.0),
		burst:   burst,
		buckets: make(map[string]*bucket),
	}
}

// Allow reports whether the key may proceed now, consuming one token if so.
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	b, ok := r.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(r.limit, r.burst)}
		r.buckets[key] = b
	}
	b.lastSeen = time.Now()
	r.mu.Unlock()
	return b.limiter.Allow()
}

// Reap removes buckets idle for longer than maxIdle and returns the count
// removed.
func (r *RateLimiter) Reap(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for key, b := range r.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(r.buckets, key)
			removed++
		}
	}
	return removed
}

// Size is exposed for stats.
func (r *RateLimiter) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buckets)
}
