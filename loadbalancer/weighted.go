package loadbalancer

import (
	"github.com/zalando-incubator/l4proxy/backend"
)

// weighted implements smooth weighted round-robin (the algorithm used by
// nginx and nginx-ingress): each candidate's accumulator is increased by
// its weight every selection, the highest accumulator wins and is
// decreased by the sum of all weights. Across N selections every
// candidate is picked proportionally to its weight, and no candidate is
// picked twice in a row unless its weight dominates the others.
type weighted struct{}

func newWeighted() *weighted {
	return &weighted{}
}

func (w *weighted) Select(candidates []*backend.Backend, _ string) (*backend.Backend, error) {
	if len(candidates) == 0 {
		return nil, ErrNoBackends
	}

	var total int64
	var best *backend.Backend
	var bestScore int64
	first := true

	for _, b := range candidates {
		weight := int64(b.Weight)
		if weight <= 0 {
			weight = 1
		}
		total += weight
		score := b.AddWRRCurrent(weight)
		if first || score > bestScore {
			best = b
			bestScore = score
			first = false
		}
	}

	best.AddWRRCurrent(-total)
	return best, nil
}
