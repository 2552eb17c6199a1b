package backend

import "errors"

// ErrNoBackendsAvailable is returned by selection when a pool has no
// healthy backends.
var ErrNoBackendsAvailable = errors.New("no backends available")

// Pool is the ordered set of backends known from the current
// configuration snapshot, partitioned by health on demand. A Pool is
// immutable once built: apply_config replaces it wholesale (spec §4.8),
// apply_backend_health toggles the Healthy flag on existing Backends
// without replacing the Pool itself.
type Pool struct {
	backends []*Backend
	byAddr   map[string]*Backend
}

// NewPool builds a pool from a list of backends. It returns an error if
// any two backends share an address (spec §3 invariant).
func NewPool(backends []*Backend) (*Pool, error) {
	byAddr := make(map[string]*Backend, len(backends))
	for _, b := range backends {
		if _, dup := byAddr[b.Address]; dup {
			return nil, errors.New("duplicate backend address: " + b.Address)
		}
		byAddr[b.Address] = b
	}

	return &Pool{backends: backends, byAddr: byAddr}, nil
}

// All returns every backend in the pool, healthy or not, in snapshot
// order.
func (p *Pool) All() []*Backend {
	if p == nil {
		return nil
	}
	return p.backends
}

// Healthy returns the subset of backends currently marked healthy, in
// the pool's original order. The returned slice is a fresh copy so
// callers may retain it across a selection round without it being
// mutated concurrently.
func (p *Pool) Healthy() []*Backend {
	if p == nil {
		return nil
	}

	out := make([]*Backend, 0, len(p.backends))
	for _, b := range p.backends {
		if b.Healthy() {
			out = append(out, b)
		}
	}
	return out
}

// Get looks up a backend by address; ok is false if it isn't in the pool.
func (p *Pool) Get(address string) (*Backend, bool) {
	if p == nil {
		return nil, false
	}
	b, ok := p.byAddr[address]
	return b, ok
}

// Len reports the number of backends in the pool, healthy or not.
func (p *Pool) Len() int {
	if p == nil {
		return 0
	}
	return len(p.backends)
}
