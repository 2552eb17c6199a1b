package loadbalancer

import (
	"github.com/zalando-incubator/l4proxy/backend"
)

// leastConnections picks the candidate with the fewest active
// connections, breaking ties by position so the choice is deterministic
// given a stable candidate order. The active-connection counter lives on
// backend.Backend and is maintained by the proxy engines across connect
// and teardown.
type leastConnections struct{}

func newLeastConnections() *leastConnections {
	return &leastConnections{}
}

func (l *leastConnections) Select(candidates []*backend.Backend, _ string) (*backend.Backend, error) {
	if len(candidates) == 0 {
		return nil, ErrNoBackends
	}

	best := candidates[0]
	bestConns := best.ActiveConns()
	for _, b := range candidates[1:] {
		if c := b.ActiveConns(); c < bestConns {
			best = b
			bestConns = c
		}
	}
	return best, nil
}
