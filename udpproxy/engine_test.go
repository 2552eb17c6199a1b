package udpproxy

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/AlexanderYastrebov/noleak"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zalando-incubator/l4proxy/proxyconfig"
	"github.com/zalando-incubator/l4proxy/proxystate"
)

// echoUDPBackend replies to every datagram it receives with the same
// payload prefixed by "echo:".
func echoUDPBackend(t *testing.T) string {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	go func() {
		buf := make([]byte, 1024)
		for {
			n, addr, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			conn.WriteToUDP(append([]byte("echo:"), buf[:n]...), addr)
		}
	}()

	return conn.LocalAddr().String()
}

func newUDPTestState(t *testing.T, backendAddr string) *proxystate.State {
	t.Helper()
	st := proxystate.New(time.Minute, nil)
	snap, err := proxyconfig.Build(1,
		proxyconfig.Listen{UDPAddress: "127.0.0.1:0"},
		[]proxyconfig.BackendSpec{{Address: backendAddr, Weight: 100, Healthy: true}},
		proxyconfig.LoadBalancing{Algorithm: proxyconfig.RoundRobin},
		proxyconfig.Traffic{},
		proxyconfig.CircuitBreaker{ErrorThreshold: 3, Timeout: time.Second},
	)
	require.NoError(t, err)
	st.ApplyConfig(snap)
	return st
}

func TestServeForwardsAndRepliesOneDatagram(t *testing.T) {
	backendAddr := echoUDPBackend(t)
	st := newUDPTestState(t, backendAddr)

	srv := &Server{State: st}
	require.NoError(t, srv.Listen("127.0.0.1:0"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx)

	client, err := net.DialUDP("udp", nil, srv.conn.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Write([]byte("hi"))
	require.NoError(t, err)

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 64)
	n, err := client.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "echo:hi", string(buf[:n]))

	assert.Equal(t, 1, st.Sessions.Len())
}

// TestHandleDatagramRejectsNewFlowOverClientLimit exercises the
// ClientLimiter admission check directly: a flow's client bucket is
// consumed once on session creation and refills at only one token per
// second (burst=1, idle-ttl far longer than the test), so once that flow's
// session closes a second flow opened from the same client address
// moments later must be rejected
// before a new session (and backend dial) is ever created.
func TestHandleDatagramRejectsNewFlowOverClientLimit(t *testing.T) {
	backendAddr := echoUDPBackend(t)
	st := newUDPTestState(t, backendAddr)
	st.EnableClientRateLimit(1, 1, time.Minute) // one token per client address, refilling once per second

	srv := &Server{State: st}
	require.NoError(t, srv.Listen("127.0.0.1:0"))
	clientAddr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 55555}

	srv.handleDatagram(context.Background(), []byte("first"), clientAddr)
	require.Equal(t, 1, st.Sessions.Len(), "first datagram from a new client must establish a session")

	// Simulate the first flow's session having already closed (idle
	// eviction, backend reset, etc.) so the next datagram from the same
	// client address is treated as a brand new flow subject to admission
	// again. The client bucket, unlike the session table, survives this.
	st.Sessions.Remove(clientAddr.String())
	require.Equal(t, 0, st.Sessions.Len())

	srv.handleDatagram(context.Background(), []byte("second"), clientAddr)
	assert.Equal(t, 0, st.Sessions.Len(), "a new flow from an over-limit client must be rejected before a session is created")
}

func TestDrainClosesSessions(t *testing.T) {
	noleak.Check(t)

	backendAddr := echoUDPBackend(t)
	st := newUDPTestState(t, backendAddr)

	srv := &Server{State: st}
	require.NoError(t, srv.Listen("127.0.0.1:0"))

	ctx, cancel := context.WithCancel(context.Background())
	go srv.Serve(ctx)

	client, err := net.DialUDP("udp", nil, srv.conn.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)
	client.Write([]byte("hi"))

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, srv.Drain())

	client.Close()
	cancel()
	time.Sleep(20 * time.Millisecond) // let the receive loop observe ctx cancellation
}
