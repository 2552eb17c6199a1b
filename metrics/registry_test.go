package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zalando-incubator/l4proxy/backend"
)

func TestRegistryCounters(t *testing.T) {
	r := NewRegistry(prometheus.NewRegistry())

	r.IncTCPConnection()
	r.IncTCPConnection()
	r.DecTCPConnection()

	r.IncUDPSession()
	r.IncUDPSession()
	r.DecUDPSession()

	r.AddBytesIn(100)
	r.AddBytesOut(200)
	r.IncAdmissionRejected()
	r.IncBackendError()

	s := r.Snapshot(nil)
	assert.EqualValues(t, 2, s.TCPConnectionsTotal)
	assert.EqualValues(t, 1, s.TCPConnectionsActive)
	assert.EqualValues(t, 1, s.UDPSessionsActive)
	assert.EqualValues(t, 100, s.BytesIn)
	assert.EqualValues(t, 200, s.BytesOut)
	assert.EqualValues(t, 1, s.AdmissionRejected)
	assert.EqualValues(t, 1, s.BackendErrors)
}

func TestRegistryLatencyPercentile(t *testing.T) {
	r := NewRegistry(nil)

	for i := 1; i <= 100; i++ {
		r.ObserveLatency(time.Duration(i) * time.Millisecond)
	}

	s := r.Snapshot(nil)
	require.Greater(t, s.LatencyP99Micros, int64(90*time.Millisecond/time.Microsecond))
}

func TestRegistryNilRegistererIsSafe(t *testing.T) {
	r := NewRegistry(nil)
	r.IncTCPConnection()
	assert.EqualValues(t, 1, r.Snapshot(nil).TCPConnectionsTotal)
}

func TestRegistrySnapshotIncludesBackendMetrics(t *testing.T) {
	r := NewRegistry(nil)

	b1 := backend.New("10.0.0.1:9000", 100, backend.HealthCheck{})
	b2 := backend.New("10.0.0.2:9000", 100, backend.HealthCheck{})
	pool, err := backend.NewPool([]*backend.Backend{b1, b2})
	require.NoError(t, err)

	b1.IncActiveConns()
	b1.IncTotalRequests()
	b1.IncTotalRequests()
	b1.IncFailedRequests()
	b1.ObserveLatency(10 * time.Millisecond)
	b1.ObserveLatency(20 * time.Millisecond)

	s := r.Snapshot(pool)
	require.Len(t, s.BackendMetrics, 2)

	assert.Equal(t, "10.0.0.1:9000", s.BackendMetrics[0].Address)
	assert.EqualValues(t, 1, s.BackendMetrics[0].ActiveConnections)
	assert.EqualValues(t, 2, s.BackendMetrics[0].TotalRequests)
	assert.EqualValues(t, 1, s.BackendMetrics[0].FailedRequests)
	assert.InDelta(t, 15.0, s.BackendMetrics[0].AvgLatencyMs, 0.001)

	assert.Equal(t, "10.0.0.2:9000", s.BackendMetrics[1].Address)
	assert.EqualValues(t, 0, s.BackendMetrics[1].TotalRequests)
	assert.InDelta(t, 0, s.BackendMetrics[1].AvgLatencyMs, 0.001)
}
