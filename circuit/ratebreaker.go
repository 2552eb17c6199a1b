package circuit

import (
	"sync"

	"github.com/sony/gobreaker"
)

// TODO:
// in case of the rate breaker, there are unnecessary synchronization steps due to the 3rd party gobreaker. If
// the sliding window was part of the implementation of the individual breakers, this additional syncrhonization
// would not be required.

// rateBreaker trips when the failure count within a sliding window of
// the last settings.Window outcomes for one backend address reaches
// settings.Failures, regardless of how those failures are distributed
// across the window.
type rateBreaker struct {
	settings BreakerSettings
	mx       *sync.Mutex
	sampler  *binarySampler
	gb       *gobreaker.TwoStepCircuitBreaker
}

func newRate(s BreakerSettings, onStateChange stateChangeFunc) *rateBreaker {
	b := &rateBreaker{
		settings: s,
		mx:       &sync.Mutex{},
	}

	var onChange func(string, gobreaker.State, gobreaker.State)
	if onStateChange != nil {
		onChange = func(_ string, from, to gobreaker.State) {
			onStateChange(s.Address, from.String(), to.String())
		}
	}

	b.gb = gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:          s.Address,
		MaxRequests:   uint32(s.HalfOpenRequests),
		Timeout:       s.Timeout,
		ReadyToTrip:   func(gobreaker.Counts) bool { return b.readyToTrip() },
		OnStateChange: onChange,
	})

	return b
}

func (b *rateBreaker) readyToTrip() bool {
	b.mx.Lock()
	defer b.mx.Unlock()

	if b.sampler == nil {
		return false
	}

	ready := b.sampler.count >= b.settings.Failures
	if ready {
		b.sampler = nil
	}

	return ready
}

// count the failures in closed and half-open state
func (b *rateBreaker) countRate(success bool) {
	b.mx.Lock()
	defer b.mx.Unlock()

	if b.sampler == nil {
		b.sampler = newBinarySampler(b.settings.Window)
	}

	b.sampler.tick(!success)
}

func (b *rateBreaker) Allow() (func(bool), bool) {
	done, err := b.gb.Allow()

	// this error can only indicate that the breaker is not closed
	if err != nil {
		return nil, false
	}

	return func(success bool) {
		b.countRate(success)
		done(success)
	}, true
}
