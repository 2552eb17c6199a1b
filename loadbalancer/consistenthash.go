package loadbalancer

import (
	"sync/atomic"

	"github.com/zalando-incubator/l4proxy/backend"
	"github.com/zalando-incubator/l4proxy/proxyconfig"
)

// consistentHash selects a backend by hashing the flow's client address
// onto a ring (spec scenario: removing one of three backends only
// remaps the clients that were mapped to the removed backend). It falls
// back to a round-robin counter of its own when session_affinity is
// off, since the default ring strategy would otherwise still pin every
// client to one backend for the lifetime of the snapshot.
type consistentHash struct {
	sessionAffinity bool
	strategy        ringStrategy
	fallback        atomic.Uint64
}

func newConsistentHash(sessionAffinity bool, ring proxyconfig.RingStrategy) *consistentHash {
	var strategy ringStrategy
	switch ring {
	case proxyconfig.RingJump:
		strategy = jumpRing{}
	case proxyconfig.RingMPCHash:
		strategy = mpchashRing{}
	default:
		strategy = xxhashRing{}
	}
	return &consistentHash{sessionAffinity: sessionAffinity, strategy: strategy}
}

func (c *consistentHash) Select(candidates []*backend.Backend, clientAddr string) (*backend.Backend, error) {
	if len(candidates) == 0 {
		return nil, ErrNoBackends
	}

	if !c.sessionAffinity || clientAddr == "" {
		i := c.fallback.Add(1) - 1
		return candidates[i%uint64(len(candidates))], nil
	}

	b := c.strategy.pick(clientAddr, candidates)
	if b == nil {
		return nil, ErrNoBackends
	}
	return b, nil
}
