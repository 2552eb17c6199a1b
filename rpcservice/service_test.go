package rpcservice

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zalando-incubator/l4proxy/proxyconfig"
	"github.com/zalando-incubator/l4proxy/proxystate"
)

func validConfigArg() ConfigArg {
	return ConfigArg{
		Generation: 1,
		Listen:     proxyconfig.Listen{TCPAddress: ":9090"},
		Backends:   []proxyconfig.BackendSpec{{Address: "10.0.0.1:9000", Weight: 100, Healthy: true}},
		LoadBalancing: proxyconfig.LoadBalancing{Algorithm: proxyconfig.RoundRobin},
		Traffic: proxyconfig.Traffic{
			RateLimit: proxyconfig.RateLimit{RequestsPerSecond: 100, Burst: 10},
			Timeout:   proxyconfig.Timeouts{Connect: time.Second},
		},
		CircuitBreaker: proxyconfig.CircuitBreaker{ErrorThreshold: 3, Timeout: time.Second},
	}
}

func TestUpdateConfigAppliesSnapshot(t *testing.T) {
	st := proxystate.New(time.Minute, nil)
	svc := NewService(st, nil, nil, nil)

	var ack Ack
	require.NoError(t, svc.UpdateConfig(validConfigArg(), &ack))
	assert.True(t, ack.Success)
	assert.NotNil(t, st.Snapshot())
}

func TestUpdateConfigRejectsInvalidConfig(t *testing.T) {
	st := proxystate.New(time.Minute, nil)
	svc := NewService(st, nil, nil, nil)

	arg := validConfigArg()
	arg.Backends = nil

	var ack Ack
	require.NoError(t, svc.UpdateConfig(arg, &ack))
	assert.False(t, ack.Success)
	assert.Nil(t, st.Snapshot())
}

func TestReloadBackendsRequiresPriorConfig(t *testing.T) {
	st := proxystate.New(time.Minute, nil)
	svc := NewService(st, nil, nil, nil)

	var ack ReloadAck
	require.NoError(t, svc.ReloadBackends(BackendListArg{Generation: 2}, &ack))
	assert.False(t, ack.Success)
}

func TestReloadBackendsReplacesPool(t *testing.T) {
	st := proxystate.New(time.Minute, nil)
	svc := NewService(st, nil, nil, nil)

	var ack Ack
	require.NoError(t, svc.UpdateConfig(validConfigArg(), &ack))
	require.True(t, ack.Success)

	var reloadAck ReloadAck
	newBackends := []proxyconfig.BackendSpec{
		{Address: "10.0.0.2:9000", Weight: 100, Healthy: true},
		{Address: "10.0.0.3:9000", Weight: 100, Healthy: true},
	}
	require.NoError(t, svc.ReloadBackends(BackendListArg{Generation: 2, Backends: newBackends}, &reloadAck))
	assert.True(t, reloadAck.Success)
	assert.Equal(t, 2, reloadAck.BackendsLoaded)

	_, ok := st.Snapshot().Backends.Get("10.0.0.1:9000")
	assert.False(t, ok, "old backend should be gone after reload")
}

func TestDrainConnectionsWithNoEnginesSucceeds(t *testing.T) {
	st := proxystate.New(time.Minute, nil)
	svc := NewService(st, nil, nil, nil)

	var ack DrainAck
	require.NoError(t, svc.DrainConnections(DrainArg{TimeoutSeconds: 1}, &ack))
	assert.True(t, ack.Success)
	assert.Equal(t, 0, ack.ConnectionsDrained)
}
