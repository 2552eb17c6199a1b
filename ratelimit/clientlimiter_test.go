package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientLimiterIsolatesClients(t *testing.T) {
	cl := NewClientLimiter(1, 1, time.Minute)

	assert.True(t, cl.Allow("client-a"))
	assert.False(t, cl.Allow("client-a"))

	// a different client has its own bucket and isn't affected by A's use.
	assert.True(t, cl.Allow("client-b"))
}

func TestClientLimiterDisabledWhenRateZero(t *testing.T) {
	cl := NewClientLimiter(0, 0, time.Minute)
	for i := 0; i < 10; i++ {
		assert.True(t, cl.Allow("anyone"))
	}
}

func TestClientLimiterSweepEvictsIdle(t *testing.T) {
	cl := NewClientLimiter(1, 1, time.Millisecond)
	cl.Allow("stale")
	require.Equal(t, 1, cl.Len())

	time.Sleep(5 * time.Millisecond)
	removed := cl.Sweep()
	assert.Equal(t, 1, removed)
	assert.Equal(t, 0, cl.Len())
}

func TestClientLimiterNilIsNoop(t *testing.T) {
	var cl *ClientLimiter
	assert.True(t, cl.Allow("x"))
	assert.Equal(t, 0, cl.Sweep())
	assert.Equal(t, 0, cl.Len())
}
