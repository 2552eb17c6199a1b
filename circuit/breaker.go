package circuit

import (
	"fmt"
	"time"
)

// TODO:
// - in case of the rate breaker, there are unnecessary synchronization steps due to the 3rd party gobreaker
// - introduce a TTL in the rate breaker for the stale samplers

type BreakerType int

const (
	BreakerNone BreakerType = iota
	ConsecutiveFailures
	FailureRate
	BreakerDisabled
)

func (t BreakerType) String() string {
	switch t {
	case ConsecutiveFailures:
		return "consecutive"
	case FailureRate:
		return "rate"
	case BreakerDisabled:
		return "disabled"
	default:
		return "none"
	}
}

// DefaultIdleTTL is used by the registry when no IdleTTL is configured.
const DefaultIdleTTL = time.Hour

// BreakerSettings describes one backend's breaker configuration. Address
// identifies the backend (host:port); leaving it empty marks the settings
// as the global default, merged into every backend-specific breaker that
// doesn't override a given field.
type BreakerSettings struct {
	Type             BreakerType
	Address          string
	Window, Failures int
	Timeout          time.Duration
	HalfOpenRequests int
	IdleTTL          time.Duration
}

func (s BreakerSettings) String() string {
	return fmt.Sprintf(
		"type=%s,address=%s,window=%d,failures=%d,timeout=%s,half-open-requests=%d,idle-ttl=%s",
		s.Type, s.Address, s.Window, s.Failures, s.Timeout, s.HalfOpenRequests, s.IdleTTL,
	)
}

type breakerImplementation interface {
	Allow() (func(bool), bool)
}

// stateChangeFunc is invoked whenever a breaker transitions between
// closed, open, and half-open, so an operator can see a backend get
// isolated or recovered without polling Snapshot. address and from/to
// are gobreaker's state names ("closed", "open", "half-open").
type stateChangeFunc func(address, from, to string)

type voidBreaker struct{}

// Breaker is a single circuit breaker bound to one backend address.
type Breaker struct {
	settings   BreakerSettings
	ts         time.Time
	prev, next *Breaker
	impl       breakerImplementation
}

func (to BreakerSettings) mergeSettings(from BreakerSettings) BreakerSettings {
	if to.Type == BreakerNone {
		to.Type = from.Type

		if from.Type == ConsecutiveFailures {
			to.Failures = from.Failures
		}

		if from.Type == FailureRate {
			to.Window = from.Window
			to.Failures = from.Failures
		}
	}

	if to.Timeout == 0 {
		to.Timeout = from.Timeout
	}

	if to.HalfOpenRequests == 0 {
		to.HalfOpenRequests = from.HalfOpenRequests
	}

	if to.IdleTTL == 0 {
		to.IdleTTL = from.IdleTTL
	}

	return to
}

func (b voidBreaker) Allow() (func(bool), bool) {
	return func(bool) {}, true
}

func newBreaker(s BreakerSettings, onStateChange stateChangeFunc) *Breaker {
	var impl breakerImplementation
	switch s.Type {
	case ConsecutiveFailures:
		impl = newConsecutive(s, onStateChange)
	case FailureRate:
		impl = newRate(s, onStateChange)
	default:
		impl = voidBreaker{}
	}

	return &Breaker{
		settings: s,
		impl:     impl,
	}
}

// Allow reports whether a new flow to this breaker's backend may proceed.
// When it returns true, the caller must invoke the returned function
// exactly once with the outcome of the flow.
func (b *Breaker) Allow() (func(bool), bool) {
	return b.impl.Allow()
}

func (b *Breaker) idle(now time.Time) bool {
	return now.Sub(b.ts) > b.settings.IdleTTL
}
