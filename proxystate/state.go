// Package proxystate holds ProxyState: the object every acceptor,
// handler, and maintenance task shares (spec §4 "Ownership summary").
// It exclusively owns the current configuration snapshot behind an
// atomic pointer, the NAT table, the per-backend circuit breaker
// registry, the global and per-client rate limiters, and the metrics
// registry. Handler tasks hold read-only references to the snapshot
// they were spawned with; a reconfiguration never mutates a snapshot
// already handed out, it only publishes a new one.
package proxystate

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/zalando-incubator/l4proxy/circuit"
	"github.com/zalando-incubator/l4proxy/metrics"
	"github.com/zalando-incubator/l4proxy/natproxy"
	"github.com/zalando-incubator/l4proxy/proxyconfig"
	"github.com/zalando-incubator/l4proxy/ratelimit"
)

// State is the central, shared object described by spec §4's ownership
// summary.
type State struct {
	snapshot atomic.Pointer[proxyconfig.Snapshot]
	breakers atomic.Pointer[circuit.Registry]

	Sessions *natproxy.Table
	Metrics  *metrics.Registry

	// Logger, when set, is attached to every circuit breaker registry
	// ApplyConfig/SetBreakers installs, so open/half-open/closed
	// transitions are visible without polling Metrics.
	Logger *log.Logger

	// ClientLimiter is nil until EnableClientRateLimit is called; a nil
	// *ratelimit.ClientLimiter is itself nil-safe (see
	// ratelimit.ClientLimiter.Allow), so admission paths can call it
	// unconditionally without a nil check of their own.
	ClientLimiter *ratelimit.ClientLimiter

	rateLimiter atomic.Pointer[ratelimit.TokenBucket]
}

// New creates a ProxyState with no snapshot applied yet; callers must
// call ApplyConfig before starting the acceptor tasks.
func New(sessionTTL time.Duration, promRegisterer prometheus.Registerer) *State {
	s := &State{
		Sessions: natproxy.NewTable(sessionTTL),
		Metrics:  metrics.NewRegistry(promRegisterer),
	}
	s.breakers.Store(circuit.NewRegistry())
	return s
}

// Breakers returns the currently published circuit breaker registry.
// Handler tasks should call this once per selection attempt rather than
// caching the result across a reconfiguration.
func (s *State) Breakers() *circuit.Registry {
	return s.breakers.Load()
}

// SetBreakers publishes a new circuit breaker registry, replacing the
// one ApplyConfig built from the snapshot's circuit_breaker settings.
// cmd/l4proxyd uses it to layer the -breaker flag's per-backend
// overrides on top of the bootstrap snapshot's global default; no RPC
// method calls it.
func (s *State) SetBreakers(r *circuit.Registry) {
	if r != nil {
		r.SetLogger(s.Logger)
	}
	s.breakers.Store(r)
}

// EnableClientRateLimit installs a per-client-address rate limiter
// alongside the global one. Call it once before serving traffic; it is
// a no-op to call it again, since bucket state would otherwise be lost
// across a reconfiguration that doesn't change the limiter's own
// parameters.
func (s *State) EnableClientRateLimit(ratePerSecond, burst int32, idleTTL time.Duration) {
	if s.ClientLimiter != nil {
		return
	}
	s.ClientLimiter = ratelimit.NewClientLimiter(ratePerSecond, burst, idleTTL)
}

// Snapshot returns the currently published configuration. Handler tasks
// should call this once at admission and keep the result for the
// lifetime of the flow.
func (s *State) Snapshot() *proxyconfig.Snapshot {
	return s.snapshot.Load()
}

// RateLimiter returns the current global token bucket.
func (s *State) RateLimiter() *ratelimit.TokenBucket {
	return s.rateLimiter.Load()
}

// ApplyConfig publishes a new snapshot (spec §4.8). It registers a
// breaker default for the snapshot's circuit_breaker settings so every
// backend picks it up without an explicit per-address entry, and replaces
// the global rate limiter with one sized to the new traffic.rate_limit
// parameters that starts from the old bucket's token count.
//
// Listener rebinding is the caller's responsibility (cmd/l4proxyd):
// ApplyConfig only swaps the data the handler tasks consult, so a TCP
// listener can be bound against the new Listen.TCPAddress before the old
// one is closed, preserving the no-acceptance-gap requirement.
func (s *State) ApplyConfig(snap *proxyconfig.Snapshot) {
	breakerType := circuit.ConsecutiveFailures
	if snap.CircuitBreaker.Mode == "rate" {
		breakerType = circuit.FailureRate
	}
	if snap.CircuitBreaker.ErrorThreshold <= 0 {
		breakerType = circuit.BreakerDisabled
	}

	s.SetBreakers(circuit.NewRegistry(circuit.BreakerSettings{
		Type:     breakerType,
		Failures: int(snap.CircuitBreaker.ErrorThreshold),
		Window:   int(snap.CircuitBreaker.Window),
		Timeout:  snap.CircuitBreaker.Timeout,
	}))

	// Carry the current bucket's token count into the replacement bucket,
	// clipped to the new burst capacity, instead of resetting to full: a
	// sequence of reconfigurations must not hand a client-facing flood a
	// fresh admission budget on every UpdateConfig/ReloadBackends call.
	var limiter *ratelimit.TokenBucket
	if old := s.rateLimiter.Load(); old != nil {
		limiter = ratelimit.NewTokenBucketWithTokens(snap.Traffic.RateLimit.RequestsPerSecond, snap.Traffic.RateLimit.Burst, old.Tokens())
	} else {
		limiter = ratelimit.NewTokenBucket(snap.Traffic.RateLimit.RequestsPerSecond, snap.Traffic.RateLimit.Burst)
	}
	s.rateLimiter.Store(limiter)

	s.snapshot.Store(snap)
}

// ApplyBackendHealth toggles the healthy flag on existing backends
// without replacing the pool (spec §4.8). Unknown addresses are
// ignored: a health update racing a backend's removal from the snapshot
// is not an error.
func (s *State) ApplyBackendHealth(health map[string]bool) {
	snap := s.Snapshot()
	if snap == nil {
		return
	}
	for addr, healthy := range health {
		if b, ok := snap.Backends.Get(addr); ok {
			b.SetHealthy(healthy)
		}
	}
}
