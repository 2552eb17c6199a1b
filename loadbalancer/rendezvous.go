package loadbalancer

import (
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/dgryski/go-rendezvous"

	"github.com/zalando-incubator/l4proxy/backend"
)

// rendezvousLB selects a backend with highest-random-weight (HRW)
// hashing: every candidate gets a score derived from hash(key, address),
// and the highest score wins. It gives consistent-hash-like affinity
// without maintaining a ring, so adding or removing one backend only
// remaps the keys that hashed highest against it. Offered as an
// additional load_balancing.algorithm value alongside round robin,
// weighted round robin, least connections, and consistent hash.
type rendezvousLB struct {
	sessionAffinity bool
	fallback        atomic.Uint64
}

func newRendezvous(sessionAffinity bool) *rendezvousLB {
	return &rendezvousLB{sessionAffinity: sessionAffinity}
}

func (r *rendezvousLB) Select(candidates []*backend.Backend, clientAddr string) (*backend.Backend, error) {
	if len(candidates) == 0 {
		return nil, ErrNoBackends
	}

	if !r.sessionAffinity || clientAddr == "" {
		i := r.fallback.Add(1) - 1
		return candidates[i%uint64(len(candidates))], nil
	}

	addrs := make([]string, len(candidates))
	byAddr := make(map[string]*backend.Backend, len(candidates))
	for i, b := range candidates {
		addrs[i] = b.Address
		byAddr[b.Address] = b
	}

	rdv := rendezvous.New(addrs, xxhash.Sum64String)
	chosen := rdv.Lookup(clientAddr)
	b, ok := byAddr[chosen]
	if !ok {
		return candidates[0], nil
	}
	return b, nil
}
