// Package ratelimit implements the global and per-client admission
// limiters the proxy engines consult before accepting a flow (spec §4.3).
package ratelimit

import (
	"sync"
	"time"
)

// TokenBucket is a lazily refilled token bucket: it computes the number
// of tokens that would have accrued since the last call instead of
// running a background ticker, so an idle bucket costs nothing between
// requests.
type TokenBucket struct {
	mu sync.Mutex

	ratePerSecond float64
	burst         float64

	tokens   float64
	lastFill time.Time

	now func() time.Time
}

// NewTokenBucket creates a bucket that fills at ratePerSecond tokens per
// second up to burst capacity, starting full. A ratePerSecond of 0
// disables limiting: Allow always returns true.
func NewTokenBucket(ratePerSecond, burst int32) *TokenBucket {
	if burst <= 0 {
		burst = 1
	}
	return &TokenBucket{
		ratePerSecond: float64(ratePerSecond),
		burst:         float64(burst),
		tokens:        float64(burst),
		lastFill:      time.Now(),
		now:           time.Now,
	}
}

// NewTokenBucketWithTokens creates a bucket like NewTokenBucket but seeds
// it with an existing token count instead of starting full, clipped to
// the resolved burst capacity. Used when replacing a bucket's parameters
// on reconfiguration so the client's remaining admission budget survives
// the swap.
func NewTokenBucketWithTokens(ratePerSecond, burst int32, tokens float64) *TokenBucket {
	b := NewTokenBucket(ratePerSecond, burst)
	if tokens < 0 {
		tokens = 0
	}
	if tokens > b.burst {
		tokens = b.burst
	}
	b.tokens = tokens
	return b
}

// Tokens reports the current token count after applying any refill owed
// for elapsed time, without consuming one. Used to carry a bucket's
// remaining budget across a parameter change.
func (b *TokenBucket) Tokens() float64 {
	if b == nil {
		return 0
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	elapsed := now.Sub(b.lastFill).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * b.ratePerSecond
		if b.tokens > b.burst {
			b.tokens = b.burst
		}
		b.lastFill = now
	}
	return b.tokens
}

// Allow reports whether one token is available and, if so, consumes it.
func (b *TokenBucket) Allow() bool {
	if b == nil || b.ratePerSecond <= 0 {
		return true
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	elapsed := now.Sub(b.lastFill).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * b.ratePerSecond
		if b.tokens > b.burst {
			b.tokens = b.burst
		}
		b.lastFill = now
	}

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}
