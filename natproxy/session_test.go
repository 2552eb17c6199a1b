package natproxy

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLoopbackUDP(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestGetOrCreateCreatesOnce(t *testing.T) {
	table := NewTable(time.Minute)
	calls := 0

	s1, created1, err := table.GetOrCreate("client:1", "backend:1", func() (*net.UDPConn, error) {
		calls++
		return newLoopbackUDP(t), nil
	})
	require.NoError(t, err)
	assert.True(t, created1)

	s2, created2, err := table.GetOrCreate("client:1", "backend:1", func() (*net.UDPConn, error) {
		calls++
		return newLoopbackUDP(t), nil
	})
	require.NoError(t, err)
	assert.False(t, created2)
	assert.Same(t, s1, s2)
	assert.Equal(t, 1, calls)
}

func TestSweepEvictsIdleSessions(t *testing.T) {
	table := NewTable(time.Millisecond)
	_, _, err := table.GetOrCreate("client:1", "backend:1", func() (*net.UDPConn, error) {
		return newLoopbackUDP(t), nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, table.Len())

	time.Sleep(5 * time.Millisecond)
	removed := table.Sweep()
	assert.Equal(t, 1, removed)
	assert.Equal(t, 0, table.Len())
}

func TestTouchPreventsEviction(t *testing.T) {
	table := NewTable(20 * time.Millisecond)
	_, _, err := table.GetOrCreate("client:1", "backend:1", func() (*net.UDPConn, error) {
		return newLoopbackUDP(t), nil
	})
	require.NoError(t, err)

	time.Sleep(12 * time.Millisecond)
	table.Touch("client:1")
	time.Sleep(12 * time.Millisecond)
	table.Sweep()

	assert.Equal(t, 1, table.Len(), "touched session should have survived the first sweep window")
}

func TestDrainClosesEverySession(t *testing.T) {
	table := NewTable(time.Minute)
	_, _, err := table.GetOrCreate("client:1", "backend:1", func() (*net.UDPConn, error) {
		return newLoopbackUDP(t), nil
	})
	require.NoError(t, err)
	_, _, err = table.GetOrCreate("client:2", "backend:1", func() (*net.UDPConn, error) {
		return newLoopbackUDP(t), nil
	})
	require.NoError(t, err)

	assert.Equal(t, 2, table.Drain())
	assert.Equal(t, 0, table.Len())
}

func TestRemoveIsIdempotent(t *testing.T) {
	table := NewTable(time.Minute)
	_, _, err := table.GetOrCreate("client:1", "backend:1", func() (*net.UDPConn, error) {
		return newLoopbackUDP(t), nil
	})
	require.NoError(t, err)

	table.Remove("client:1")
	table.Remove("client:1")
	assert.Equal(t, 0, table.Len())
}
