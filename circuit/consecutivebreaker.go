package circuit

import "github.com/sony/gobreaker"

// consecutiveBreaker trips after s.Failures connect/relay failures to
// the same backend address in a row, with no success in between.
type consecutiveBreaker struct {
	address string
	gb      *gobreaker.TwoStepCircuitBreaker
}

func newConsecutive(s BreakerSettings, onStateChange stateChangeFunc) *consecutiveBreaker {
	b := &consecutiveBreaker{address: s.Address}
	b.gb = gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        s.Address,
		MaxRequests: uint32(s.HalfOpenRequests),
		Timeout:     s.Timeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return int(c.ConsecutiveFailures) >= s.Failures
		},
		OnStateChange: b.onStateChange(onStateChange),
	})
	return b
}

func (b *consecutiveBreaker) onStateChange(report stateChangeFunc) func(string, gobreaker.State, gobreaker.State) {
	if report == nil {
		return nil
	}
	return func(_ string, from, to gobreaker.State) {
		report(b.address, from.String(), to.String())
	}
}

func (b *consecutiveBreaker) Allow() (func(bool), bool) {
	done, err := b.gb.Allow()

	// this error can only indicate that the breaker is not closed
	if err != nil {
		return nil, false
	}

	return done, true
}
