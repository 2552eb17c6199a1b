package loadbalancer

import (
	"sort"

	"github.com/cespare/xxhash/v2"
	"github.com/dchest/siphash"
	jump "github.com/dgryski/go-jump"
	mpchash "github.com/dgryski/go-mpchash"

	"github.com/zalando-incubator/l4proxy/backend"
)

// vnodesPerBackend is the ring density for the default xxhash strategy.
const vnodesPerBackend = 160

// ringStrategy maps a key to one of a stable candidate list. All three
// strategies below are grounded on the same third-party hashing
// dependencies, selectable so that reconfiguration can trade ring-rebuild
// cost against remap-on-change behavior without changing the algorithm
// name exposed in load_balancing.algorithm.
type ringStrategy interface {
	pick(key string, candidates []*backend.Backend) *backend.Backend
}

// xxhashRing is the default strategy: 160 virtual nodes per backend,
// positioned with xxhash of the backend address, looked up with a
// siphash of the selection key so ring position is decorrelated from the
// address hash itself.
type xxhashRing struct{}

type vnode struct {
	position uint64
	backend  *backend.Backend
}

func buildRing(candidates []*backend.Backend) []vnode {
	ring := make([]vnode, 0, len(candidates)*vnodesPerBackend)
	for _, b := range candidates {
		for i := 0; i < vnodesPerBackend; i++ {
			label := fmtVnodeLabel(b.Address, i)
			ring = append(ring, vnode{position: xxhash.Sum64String(label), backend: b})
		}
	}
	sort.Slice(ring, func(i, j int) bool { return ring[i].position < ring[j].position })
	return ring
}

func fmtVnodeLabel(address string, i int) string {
	buf := make([]byte, 0, len(address)+8)
	buf = append(buf, address...)
	buf = append(buf, '#')
	for n := i; ; n /= 10 {
		buf = append(buf, byte('0'+n%10))
		if n < 10 {
			break
		}
	}
	return string(buf)
}

func (xxhashRing) pick(key string, candidates []*backend.Backend) *backend.Backend {
	if len(candidates) == 0 {
		return nil
	}
	if len(candidates) == 1 {
		return candidates[0]
	}

	ring := buildRing(candidates)
	h := siphash.Hash(0, 0, []byte(key))
	i := sort.Search(len(ring), func(i int) bool { return ring[i].position >= h })
	if i == len(ring) {
		i = 0
	}
	return ring[i].backend
}

// jumpRing uses Google's jump consistent hash to pick an index directly
// without materializing a ring. It only preserves minimal-remap behavior
// when the candidate order is stable across calls (true for a given
// snapshot's backend list), which is why it is offered as an alternative
// rather than the default: any reordering of candidates remaps every key.
type jumpRing struct{}

func (jumpRing) pick(key string, candidates []*backend.Backend) *backend.Backend {
	if len(candidates) == 0 {
		return nil
	}
	h := siphash.Hash(0, 0, []byte(key))
	i := jump.Hash(h, len(candidates))
	return candidates[i]
}

// mpchashRing uses multi-probe consistent hashing, which gives a more
// even load distribution than a plain ring at the cost of probing
// multiple candidate positions per lookup.
type mpchashRing struct{}

func (mpchashRing) pick(key string, candidates []*backend.Backend) *backend.Backend {
	if len(candidates) == 0 {
		return nil
	}
	if len(candidates) == 1 {
		return candidates[0]
	}

	addrs := make([]string, len(candidates))
	byAddr := make(map[string]*backend.Backend, len(candidates))
	for i, b := range candidates {
		addrs[i] = b.Address
		byAddr[b.Address] = b
	}

	m := mpchash.New(addrs, vnodesPerBackend)
	picked := m.Get(key, 1)
	if len(picked) == 0 {
		return candidates[0]
	}
	return byAddr[picked[0]]
}
