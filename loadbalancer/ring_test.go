package loadbalancer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zalando-incubator/l4proxy/backend"
	"github.com/zalando-incubator/l4proxy/proxyconfig"
)

func TestRingStrategiesAllSelectAKnownBackend(t *testing.T) {
	backends := threeBackends()
	byAddr := map[string]bool{"A:1": true, "B:1": true, "C:1": true}

	for _, ring := range []proxyconfig.RingStrategy{
		proxyconfig.RingXXHash,
		proxyconfig.RingJump,
		proxyconfig.RingMPCHash,
	} {
		ch := newConsistentHash(true, ring)
		b, err := ch.Select(backends, "203.0.113.7:443")
		require.NoError(t, err)
		assert.True(t, byAddr[b.Address], "strategy %s picked unknown backend %s", ring, b.Address)
	}
}

func TestJumpRingDeterministicForSameKey(t *testing.T) {
	backends := threeBackends()
	var j jumpRing
	first := j.pick("198.51.100.9:1", backends)
	second := j.pick("198.51.100.9:1", backends)
	assert.Equal(t, first.Address, second.Address)
}

func TestMPCHashRingDeterministicForSameKey(t *testing.T) {
	backends := threeBackends()
	var m mpchashRing
	first := m.pick("198.51.100.9:1", backends)
	second := m.pick("198.51.100.9:1", backends)
	assert.Equal(t, first.Address, second.Address)
}
