// Package metrics tracks the counters, gauges, and latency distribution
// the data plane exposes for diagnostics (spec §8 invariants 1-5). It
// never serves them over HTTP; a control-plane-side scrape or the
// StreamMetrics RPC method is responsible for exporting the registry's
// values (HTTP exposition is out of scope; nothing in this package
// binds a listener).
package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	rmetrics "github.com/rcrowley/go-metrics"

	"github.com/zalando-incubator/l4proxy/backend"
)

// Registry holds every metric the proxy engines update in the hot path.
// Counters and gauges are plain atomics so a relay iteration never blocks
// on a lock; the latency histogram uses an exponentially decaying sample
// so p99 tracks recent traffic without retaining every observation.
type Registry struct {
	tcpConnectionsTotal  atomic.Int64
	tcpConnectionsActive atomic.Int64
	udpSessionsActive    atomic.Int64
	bytesIn              atomic.Int64
	bytesOut             atomic.Int64
	admissionRejected    atomic.Int64
	backendErrors        atomic.Int64

	latency rmetrics.Histogram

	promConnectionsTotal prometheus.Counter
	promBackendErrors    prometheus.Counter
	promAdmissionReject  prometheus.Counter
}

// NewRegistry creates a Registry with its own prometheus metric family,
// registered against reg (typically prometheus.NewRegistry(), never the
// global default registry, so multiple Registry instances in tests don't
// collide).
func NewRegistry(reg prometheus.Registerer) *Registry {
	r := &Registry{
		latency: rmetrics.NewHistogram(rmetrics.NewExpDecaySample(1028, 0.015)),

		promConnectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "l4proxy_tcp_connections_total",
			Help: "Total TCP connections accepted.",
		}),
		promBackendErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "l4proxy_backend_errors_total",
			Help: "Total backend connect/relay failures.",
		}),
		promAdmissionReject: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "l4proxy_admission_rejected_total",
			Help: "Total flows rejected at admission (rate limit or open breaker).",
		}),
	}

	if reg != nil {
		reg.MustRegister(r.promConnectionsTotal, r.promBackendErrors, r.promAdmissionReject)
	}

	return r
}

func (r *Registry) IncTCPConnection() {
	r.tcpConnectionsTotal.Add(1)
	r.tcpConnectionsActive.Add(1)
	r.promConnectionsTotal.Inc()
}

func (r *Registry) DecTCPConnection() {
	r.tcpConnectionsActive.Add(-1)
}

func (r *Registry) IncUDPSession() { r.udpSessionsActive.Add(1) }
func (r *Registry) DecUDPSession() { r.udpSessionsActive.Add(-1) }

func (r *Registry) AddBytesIn(n int64)  { r.bytesIn.Add(n) }
func (r *Registry) AddBytesOut(n int64) { r.bytesOut.Add(n) }

func (r *Registry) IncAdmissionRejected() {
	r.admissionRejected.Add(1)
	r.promAdmissionReject.Inc()
}

func (r *Registry) IncBackendError() {
	r.backendErrors.Add(1)
	r.promBackendErrors.Inc()
}

// ObserveLatency records one completed flow's total duration.
func (r *Registry) ObserveLatency(d time.Duration) {
	r.latency.Update(d.Microseconds())
}

// BackendMetric is one backend's counters as of the snapshot instant.
type BackendMetric struct {
	Address           string
	ActiveConnections int64
	TotalRequests     int64
	FailedRequests    int64
	AvgLatencyMs      float64
}

// Snapshot is a point-in-time read of every tracked value, suitable for
// StreamMetrics.
type Snapshot struct {
	TCPConnectionsTotal  int64
	TCPConnectionsActive int64
	UDPSessionsActive    int64
	BytesIn              int64
	BytesOut             int64
	AdmissionRejected    int64
	BackendErrors        int64
	LatencyP99Micros     int64
	BackendMetrics       []BackendMetric
}

// Snapshot reads every tracked value plus, when pool is non-nil, one
// BackendMetric per backend currently in the pool.
func (r *Registry) Snapshot(pool *backend.Pool) Snapshot {
	all := pool.All()
	backendMetrics := make([]BackendMetric, 0, len(all))
	for _, b := range all {
		backendMetrics = append(backendMetrics, BackendMetric{
			Address:           b.Address,
			ActiveConnections: b.ActiveConns(),
			TotalRequests:     b.TotalRequests(),
			FailedRequests:    b.FailedRequests(),
			AvgLatencyMs:      b.AvgLatencyMillis(),
		})
	}

	return Snapshot{
		TCPConnectionsTotal:  r.tcpConnectionsTotal.Load(),
		TCPConnectionsActive: r.tcpConnectionsActive.Load(),
		UDPSessionsActive:    r.udpSessionsActive.Load(),
		BytesIn:              r.bytesIn.Load(),
		BytesOut:             r.bytesOut.Load(),
		AdmissionRejected:    r.admissionRejected.Load(),
		BackendErrors:        r.backendErrors.Load(),
		LatencyP99Micros:     int64(r.latency.Percentile(0.99)),
		BackendMetrics:       backendMetrics,
	}
}
