// Package backend holds the Backend and Pool types: the set of upstream
// endpoints eligible to receive forwarded traffic, and their health and
// weight metadata.
package backend

import (
	"fmt"
	"sync/atomic"
	"time"
)

// HealthCheck carries the health-probe descriptor the control plane
// attaches to a backend for diagnostic symmetry. The data plane never
// dials it; only the Healthy flag on Backend is consulted for selection.
type HealthCheck struct {
	Interval time.Duration
	Timeout  time.Duration
	Path     string
}

// Backend is one named upstream endpoint.
type Backend struct {
	Address     string
	Weight      int32
	HealthCheck HealthCheck

	healthy atomic.Bool

	// wrrCurrent is the smooth-weighted-round-robin accumulator; it is
	// owned by the loadbalancer package and lives here so that its
	// value, like the connection counter, survives across selections
	// without a separate side map keyed by address.
	wrrCurrent atomic.Int64

	// activeConns is the least-connections counter.
	activeConns atomic.Int64

	// Per-backend metrics surfaced through metrics.Registry.Snapshot.
	totalRequests    atomic.Int64
	failedRequests   atomic.Int64
	latencySumMicros atomic.Int64
	latencyCount     atomic.Int64
}

// New creates a Backend. Weight defaults to 100 when w <= 0, per spec §3.
func New(address string, w int32, hc HealthCheck) *Backend {
	b := &Backend{Address: address, Weight: w, HealthCheck: hc}
	if b.Weight <= 0 {
		b.Weight = 100
	}
	b.healthy.Store(true)
	return b
}

func (b *Backend) Healthy() bool { return b.healthy.Load() }

func (b *Backend) SetHealthy(v bool) { b.healthy.Store(v) }

func (b *Backend) ActiveConns() int64 { return b.activeConns.Load() }

func (b *Backend) IncActiveConns() int64 { return b.activeConns.Add(1) }

func (b *Backend) DecActiveConns() int64 { return b.activeConns.Add(-1) }

// WRRCurrent and AddWRRCurrent expose the smooth-weighted-round-robin
// accumulator described in spec §4.1 to the loadbalancer package.
func (b *Backend) WRRCurrent() int64 { return b.wrrCurrent.Load() }

func (b *Backend) AddWRRCurrent(delta int64) int64 { return b.wrrCurrent.Add(delta) }

// IncTotalRequests counts one more attempt routed to this backend,
// recorded at selection time regardless of outcome.
func (b *Backend) IncTotalRequests() int64 { return b.totalRequests.Add(1) }

// IncFailedRequests counts one more attempt that ended in a dial failure
// or a failed datagram send to the backend. A breaker rejection is not
// counted here.
func (b *Backend) IncFailedRequests() int64 { return b.failedRequests.Add(1) }

func (b *Backend) TotalRequests() int64 { return b.totalRequests.Load() }

func (b *Backend) FailedRequests() int64 { return b.failedRequests.Load() }

// ObserveLatency folds one completed flow's duration into the running
// sum used by AvgLatencyMillis.
func (b *Backend) ObserveLatency(d time.Duration) {
	b.latencySumMicros.Add(d.Microseconds())
	b.latencyCount.Add(1)
}

// AvgLatencyMillis returns the mean observed flow duration in
// milliseconds, or 0 if no flow has completed yet.
func (b *Backend) AvgLatencyMillis() float64 {
	count := b.latencyCount.Load()
	if count == 0 {
		return 0
	}
	return float64(b.latencySumMicros.Load()) / float64(count) / 1000.0
}

func (b *Backend) String() string {
	return fmt.Sprintf("%s(weight=%d,healthy=%t)", b.Address, b.Weight, b.Healthy())
}
