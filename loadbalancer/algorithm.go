// Package loadbalancer selects a backend for an admitted flow. Every
// algorithm is safe for concurrent selection; round-robin counters are
// atomics on the algorithm value and weighted accumulators are atomics
// owned by backend.Backend, so reconfiguration can
// swap the algorithm without a lock shared across selections (spec:
// "Reconfiguration replaces the algorithm atomically; in-flight
// selections may observe either the old or new algorithm but never a
// torn list").
package loadbalancer

import (
	"errors"
	"fmt"

	"github.com/zalando-incubator/l4proxy/backend"
	"github.com/zalando-incubator/l4proxy/proxyconfig"
)

// ErrNoBackends is returned by Select when the candidate list is empty.
var ErrNoBackends = errors.New("loadbalancer: no candidate backends")

// Algorithm picks one backend from candidates for a flow from clientAddr.
// clientAddr is only consulted by affinity-aware algorithms
// (consistent_hash, rendezvous); others ignore it.
type Algorithm interface {
	Select(candidates []*backend.Backend, clientAddr string) (*backend.Backend, error)
}

// New builds the Algorithm named by a, per the current snapshot's
// load_balancing.algorithm. Unknown names are a configuration error,
// caught earlier by proxyconfig.Build, so New panics on one it doesn't
// recognize — it only ever receives already-validated values.
func New(a proxyconfig.Algorithm, sessionAffinity bool, ring proxyconfig.RingStrategy) Algorithm {
	switch a {
	case proxyconfig.RoundRobin:
		return newRoundRobin()
	case proxyconfig.Weighted:
		return newWeighted()
	case proxyconfig.LeastConnections:
		return newLeastConnections()
	case proxyconfig.ConsistentHash:
		return newConsistentHash(sessionAffinity, ring)
	case proxyconfig.Rendezvous:
		return newRendezvous(sessionAffinity)
	default:
		panic(fmt.Sprintf("loadbalancer: unknown algorithm %q", a))
	}
}
