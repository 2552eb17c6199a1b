package loadbalancer

import (
	"sync/atomic"

	"github.com/zalando-incubator/l4proxy/backend"
)

// roundRobin cycles through candidates in order. The counter lives on the
// roundRobin value rather than per candidate list: under a stable backend
// set this reproduces the exact A,B,C,A,B,C sequence expected of
// round-robin distribution, and when the candidate list changes within
// one snapshot generation (health changes, breaker exclusions) it keeps
// advancing instead of restarting at index 0. The engines build a new
// roundRobin, with a counter starting at 0, for each snapshot generation.
type roundRobin struct {
	index atomic.Uint64
}

func newRoundRobin() *roundRobin {
	return &roundRobin{}
}

func (r *roundRobin) Select(candidates []*backend.Backend, _ string) (*backend.Backend, error) {
	if len(candidates) == 0 {
		return nil, ErrNoBackends
	}
	i := r.index.Add(1) - 1
	return candidates[i%uint64(len(candidates))], nil
}
