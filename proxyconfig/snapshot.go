// Package proxyconfig holds the Snapshot type: the immutable unit of
// configuration published by the control plane over RPC and consumed by
// the data plane (spec: listen addresses, backend list, load-balancing
// algorithm, rate-limit parameters, timeout triad, circuit-breaker
// thresholds). A Snapshot, once built, is never mutated; reconfiguration
// builds a new one and proxystate.State swaps it in behind an
// atomic.Pointer.
package proxyconfig

import (
	"errors"
	"fmt"
	"time"

	"github.com/zalando-incubator/l4proxy/backend"
)

// Algorithm names the load-balancing strategy requested for a snapshot.
// Algorithm strings are authoritative: an unrecognized name is a
// configuration error, never a silent fallback.
type Algorithm string

const (
	RoundRobin       Algorithm = "round_robin"
	Weighted         Algorithm = "weighted"
	LeastConnections Algorithm = "least_connections"
	ConsistentHash   Algorithm = "consistent_hash"
	Rendezvous       Algorithm = "rendezvous"
)

func (a Algorithm) valid() bool {
	switch a {
	case RoundRobin, Weighted, LeastConnections, ConsistentHash, Rendezvous:
		return true
	default:
		return false
	}
}

// BackendSpec is the wire representation of one backend entry before it
// is resolved into a backend.Backend.
type BackendSpec struct {
	Address     string
	Weight      int32
	Healthy     bool
	HealthCheck backend.HealthCheck
}

// Listen carries the two listener addresses; no multiplexing with other
// protocols happens on either one.
type Listen struct {
	TCPAddress string
	UDPAddress string
}

// RingStrategy selects which hashing strategy backs the consistent_hash
// algorithm. The default, xxhash, builds a ring of 160 virtual nodes
// per backend; jump and mpchash are additional strategies offered for
// operators who want to trade even load distribution against ring-rebuild
// cost. Algorithms other than consistent_hash ignore this field.
type RingStrategy string

const (
	RingXXHash  RingStrategy = "xxhash"
	RingJump    RingStrategy = "jump"
	RingMPCHash RingStrategy = "mpchash"
)

// LoadBalancing selects the algorithm and whether session affinity, where
// the algorithm supports it, is requested.
type LoadBalancing struct {
	Algorithm       Algorithm
	SessionAffinity bool
	RingStrategy    RingStrategy
}

// RateLimit describes the global token-bucket parameters. A zero
// RequestsPerSecond disables rate limiting.
type RateLimit struct {
	RequestsPerSecond int32
	Burst             int32
}

// Timeouts is the connect/idle/read triad carried by every snapshot. The
// TCP engine bounds each dial by Connect and each relay read by Idle;
// Read is not applied by either engine, and the UDP engine applies none
// of the three.
type Timeouts struct {
	Connect time.Duration
	Idle    time.Duration
	Read    time.Duration
}

// CircuitBreaker carries the per-backend breaker thresholds; Mode selects
// between the default consecutive-failure breaker and the failure-rate
// breaker offered as an additional diagnostic mode.
type CircuitBreaker struct {
	Mode           string // "consecutive" (default) or "rate"
	ErrorThreshold int32
	Timeout        time.Duration
	Window         int32
}

// Traffic groups the two traffic-shaping sub-messages of the wire schema.
type Traffic struct {
	RateLimit RateLimit
	Timeout   Timeouts
}

// Snapshot is the fully resolved, immutable configuration in effect for
// one generation of flows. In-flight flows keep the snapshot they started
// with; new flows observe whatever is current at admission time.
type Snapshot struct {
	Generation     int64
	Listen         Listen
	Backends       *backend.Pool
	LoadBalancing  LoadBalancing
	Traffic        Traffic
	CircuitBreaker CircuitBreaker
}

var (
	ErrEmptyBackends   = errors.New("proxyconfig: empty backends")
	ErrUnknownAlgoritm = errors.New("proxyconfig: unknown load balancing algorithm")
	ErrInvalidAddress  = errors.New("proxyconfig: invalid listen address")
)

// Build validates a wire-level configuration and resolves it into an
// immutable Snapshot. Validation failures are configuration errors: the
// caller must reject the RPC and keep serving the prior snapshot.
func Build(generation int64, listen Listen, specs []BackendSpec, lb LoadBalancing, traffic Traffic, cb CircuitBreaker) (*Snapshot, error) {
	if listen.TCPAddress == "" && listen.UDPAddress == "" {
		return nil, fmt.Errorf("%w: at least one of tcp_address or udp_address required", ErrInvalidAddress)
	}
	if len(specs) == 0 {
		return nil, ErrEmptyBackends
	}
	if !lb.Algorithm.valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAlgoritm, lb.Algorithm)
	}

	backends := make([]*backend.Backend, 0, len(specs))
	for _, s := range specs {
		if s.Address == "" {
			return nil, fmt.Errorf("%w: backend with empty address", ErrInvalidAddress)
		}
		b := backend.New(s.Address, s.Weight, s.HealthCheck)
		b.SetHealthy(s.Healthy)
		backends = append(backends, b)
	}

	pool, err := backend.NewPool(backends)
	if err != nil {
		return nil, fmt.Errorf("proxyconfig: %w", err)
	}

	if cb.Mode == "" {
		cb.Mode = "consecutive"
	}

	return &Snapshot{
		Generation:     generation,
		Listen:         listen,
		Backends:       pool,
		LoadBalancing:  lb,
		Traffic:        traffic,
		CircuitBreaker: cb,
	}, nil
}
