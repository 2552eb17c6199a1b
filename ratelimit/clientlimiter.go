package ratelimit

import (
	"sync"
	"time"
)

// clientBucket pairs a TokenBucket with the last time it was touched, so
// Sweep can evict entries for clients that have gone quiet.
type clientBucket struct {
	bucket   *TokenBucket
	lastSeen time.Time
}

// ClientLimiter is an optional per-client-address rate limiter layered on
// top of the global TokenBucket (spec §9 open question: per-client UDP
// rate limiting is an optional additional layer, not a replacement for
// the global limit). Its bucket-per-key approach is grounded on the
// circular-buffer rate limiters in szuecs/rate-limit-buffer, generalized
// here to a fractional token bucket so fixed window edge effects don't
// allow a client to burst 2x at a window boundary.
type ClientLimiter struct {
	mu            sync.Mutex
	buckets       map[string]*clientBucket
	ratePerSecond int32
	burst         int32
	idleTTL       time.Duration
}

// NewClientLimiter creates a per-client limiter whose buckets each refill
// at ratePerSecond up to burst, independent of the global bucket's
// parameters. idleTTL bounds how long a client's bucket is retained after
// its last request.
func NewClientLimiter(ratePerSecond, burst int32, idleTTL time.Duration) *ClientLimiter {
	if idleTTL <= 0 {
		idleTTL = 10 * time.Minute
	}
	return &ClientLimiter{
		buckets:       make(map[string]*clientBucket),
		ratePerSecond: ratePerSecond,
		burst:         burst,
		idleTTL:       idleTTL,
	}
}

// Allow reports whether the client identified by key may proceed,
// creating its bucket on first sight.
func (c *ClientLimiter) Allow(key string) bool {
	if c == nil || c.ratePerSecond <= 0 {
		return true
	}

	c.mu.Lock()
	cb, ok := c.buckets[key]
	if !ok {
		cb = &clientBucket{bucket: NewTokenBucket(c.ratePerSecond, c.burst)}
		c.buckets[key] = cb
	}
	cb.lastSeen = time.Now()
	c.mu.Unlock()

	return cb.bucket.Allow()
}

// Sweep evicts buckets idle longer than idleTTL and returns how many
// were removed.
func (c *ClientLimiter) Sweep() int {
	if c == nil {
		return 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	removed := 0
	for key, cb := range c.buckets {
		if now.Sub(cb.lastSeen) > c.idleTTL {
			delete(c.buckets, key)
			removed++
		}
	}
	return removed
}

// Len reports the number of tracked client buckets, used by tests and
// metrics.
func (c *ClientLimiter) Len() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buckets)
}
