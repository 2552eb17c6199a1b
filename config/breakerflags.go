package config

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/zalando-incubator/l4proxy/circuit"
)

// BreakerUsage documents the -breaker flag's syntax.
const BreakerUsage = `set global or per-backend circuit breaker overrides, e.g. -breaker type=rate,address=10.0.0.1:9000,window=300,failures=30
	possible breaker properties:
	type: consecutive/rate/disabled (defaults to consecutive)
	address: a backend address (host:port) that overrides the global setting for that backend
	failures: the number of failures for consecutive or rate breakers
	window: the size of the sliding window for the rate breaker
	timeout: duration string while the breaker stays open
	half-open-requests: the number of requests in half-open state to succeed before closing again
	idle-ttl: duration string after the breaker is considered idle and reset`

// BreakerFlags accumulates one or more circuit.BreakerSettings entries
// from repeated -breaker flags; an entry with an empty Address is the
// global default merged into every backend-specific breaker that
// doesn't override a given field (see circuit.Registry.Get).
type BreakerFlags []circuit.BreakerSettings

var errInvalidBreakerConfig = errors.New("invalid breaker config (allowed types: consecutive, rate, disabled)")

func (b BreakerFlags) String() string {
	s := make([]string, len(b))
	for i, bi := range b {
		s[i] = bi.String()
	}

	return strings.Join(s, "\n")
}

func (b *BreakerFlags) Set(value string) error {
	var s circuit.BreakerSettings

	for _, vi := range strings.Split(value, ",") {
		k, v, found := strings.Cut(vi, "=")
		if !found {
			return errInvalidBreakerConfig
		}

		switch k {
		case "type":
			switch v {
			case "consecutive":
				s.Type = circuit.ConsecutiveFailures
			case "rate":
				s.Type = circuit.FailureRate
			case "disabled":
				s.Type = circuit.BreakerDisabled
			default:
				return errInvalidBreakerConfig
			}
		case "address":
			s.Address = v
		case "window":
			i, err := strconv.Atoi(v)
			if err != nil {
				return err
			}

			s.Window = i
		case "failures":
			i, err := strconv.Atoi(v)
			if err != nil {
				return err
			}

			s.Failures = i
		case "timeout":
			d, err := time.ParseDuration(v)
			if err != nil {
				return err
			}

			s.Timeout = d
		case "half-open-requests":
			i, err := strconv.Atoi(v)
			if err != nil {
				return err
			}

			s.HalfOpenRequests = i
		case "idle-ttl":
			d, err := time.ParseDuration(v)
			if err != nil {
				return err
			}

			s.IdleTTL = d
		default:
			return errInvalidBreakerConfig
		}
	}

	if s.Type == circuit.BreakerNone {
		s.Type = circuit.ConsecutiveFailures
	}

	*b = append(*b, s)
	return nil
}

func (b *BreakerFlags) UnmarshalYAML(unmarshal func(any) error) error {
	var s circuit.BreakerSettings
	if err := unmarshal(&s); err != nil {
		return err
	}

	*b = append(*b, s)
	return nil
}
