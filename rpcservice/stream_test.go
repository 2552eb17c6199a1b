package rpcservice

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zalando-incubator/l4proxy/proxystate"
)

func TestServeMetricsStreamEmitsFrames(t *testing.T) {
	st := proxystate.New(time.Minute, nil)
	st.Metrics.IncTCPConnection()
	svc := NewService(st, nil, nil, nil)

	server, client := net.Pipe()
	defer client.Close()

	done := make(chan error, 1)
	go func() { done <- svc.ServeMetricsStream(server, 5*time.Millisecond) }()

	var buf [4]byte
	_, err := client.Read(buf[:])
	require.NoError(t, err)

	client.Close()
	err = <-done
	assert.Error(t, err) // closing the client ends the stream with an error from the next write/read
}
