package tcpproxy

import (
	"bufio"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/AlexanderYastrebov/noleak"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zalando-incubator/l4proxy/proxyconfig"
	"github.com/zalando-incubator/l4proxy/proxystate"
)

// echoBackend accepts one connection, echoes whatever it reads with a
// prefix, then closes. It stands in for a real upstream in tests.
func echoBackend(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		conn.Write([]byte("echo:" + line))
	}()

	return l.Addr().String()
}

func newTestState(t *testing.T, backendAddr string) *proxystate.State {
	t.Helper()
	st := proxystate.New(time.Minute, nil)
	snap, err := proxyconfig.Build(1,
		proxyconfig.Listen{TCPAddress: "127.0.0.1:0"},
		[]proxyconfig.BackendSpec{{Address: backendAddr, Weight: 100, Healthy: true}},
		proxyconfig.LoadBalancing{Algorithm: proxyconfig.RoundRobin},
		proxyconfig.Traffic{Timeout: proxyconfig.Timeouts{Connect: time.Second, Idle: time.Second, Read: time.Second}},
		proxyconfig.CircuitBreaker{ErrorThreshold: 3, Timeout: time.Second},
	)
	require.NoError(t, err)
	st.ApplyConfig(snap)
	return st
}

func TestServeRelaysOneConnection(t *testing.T) {
	backendAddr := echoBackend(t)
	st := newTestState(t, backendAddr)

	srv := &Server{State: st}
	require.NoError(t, srv.Listen("127.0.0.1:0"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx)

	conn, err := net.Dial("tcp", srv.listener.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	conn.Write([]byte("hello\n"))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	buf := make([]byte, 64)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "echo:hello\n", string(buf[:n]))
}

func TestConnectWithRetryFailsWhenBackendDown(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	deadAddr := l.Addr().String()
	l.Close() // nothing listens here anymore

	st := newTestState(t, deadAddr)
	srv := &Server{State: st}

	_, _, _, err = srv.connectWithRetry(context.Background(), st.Snapshot(), "client:1")
	assert.Error(t, err)
}

// fixedRemoteAddrConn overrides RemoteAddr so two separate net.Pipe
// connections can be made to look like the same client address, the
// only way to exercise per-client admission without binding a real
// source port across dials.
type fixedRemoteAddrConn struct {
	net.Conn
	remote net.Addr
}

func (c *fixedRemoteAddrConn) RemoteAddr() net.Addr { return c.remote }

func TestHandleRejectsSecondConnectionOverClientLimit(t *testing.T) {
	backendAddr := echoBackend(t)

	st := proxystate.New(time.Minute, nil)
	snap, err := proxyconfig.Build(1,
		proxyconfig.Listen{TCPAddress: "127.0.0.1:0"},
		[]proxyconfig.BackendSpec{{Address: backendAddr, Weight: 100, Healthy: true}},
		proxyconfig.LoadBalancing{Algorithm: proxyconfig.RoundRobin},
		proxyconfig.Traffic{Timeout: proxyconfig.Timeouts{Connect: time.Second, Idle: 20 * time.Millisecond, Read: time.Second}},
		proxyconfig.CircuitBreaker{ErrorThreshold: 3, Timeout: time.Second},
	)
	require.NoError(t, err)
	st.ApplyConfig(snap)
	st.EnableClientRateLimit(1, 1, time.Minute) // one token per client, refilling once per second

	srv := &Server{State: st}
	clientAddr := &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 55555}

	server1, client1 := net.Pipe()
	go srv.handle(context.Background(), &fixedRemoteAddrConn{Conn: server1, remote: clientAddr})
	client1.SetReadDeadline(time.Now().Add(time.Second))
	io.ReadAll(client1) // drain until the idle timeout closes the handler's side

	server2, client2 := net.Pipe()
	go srv.handle(context.Background(), &fixedRemoteAddrConn{Conn: server2, remote: clientAddr})
	client2.SetReadDeadline(time.Now().Add(time.Second))
	buf, err := io.ReadAll(client2)
	assert.NoError(t, err)
	assert.Empty(t, buf, "second connection from the same client must be rejected before any relay")
}

func TestDrainAbortsAfterTimeout(t *testing.T) {
	noleak.Check(t)

	backendAddr := echoBackend(t)
	st := newTestState(t, backendAddr)

	srv := &Server{State: st}
	require.NoError(t, srv.Listen("127.0.0.1:0"))

	ctx, cancel := context.WithCancel(context.Background())
	go srv.Serve(ctx)

	conn, err := net.Dial("tcp", srv.listener.Addr().String())
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond) // let the handler goroutine register as active

	aborted := srv.Drain(10 * time.Millisecond)
	assert.Equal(t, 1, aborted)

	conn.Close()
	cancel()
}
