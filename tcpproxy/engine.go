// Package tcpproxy implements the TCP proxy engine: accept, admit,
// select a backend, connect, relay, and tear down one connection at a
// time (spec §4.5). The per-connection broker/timeoutConn shape is
// adapted from a small single-backend TCP proxy; this engine adds
// backend selection, circuit breaking, rate limiting, and metrics around
// the same relay core.
package tcpproxy

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	proxyproto "github.com/pires/go-proxyproto"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/zalando-incubator/l4proxy/backend"
	"github.com/zalando-incubator/l4proxy/circuit"
	"github.com/zalando-incubator/l4proxy/loadbalancer"
	"github.com/zalando-incubator/l4proxy/logging"
	"github.com/zalando-incubator/l4proxy/proxyconfig"
	"github.com/zalando-incubator/l4proxy/proxystate"
)

// maxConnectRetries bounds how many backends one flow will try before
// giving up (spec §4.5 step 3: "retry with another backend up to a small
// cap (default 3)").
const maxConnectRetries = 3

const relayBufferSize = 32 * 1024

// Server runs the TCP acceptor and per-connection handler tasks.
type Server struct {
	State  *proxystate.State
	Logger *log.Logger

	// ProxyProtocol, when true, expects a PROXY protocol v1/v2 header on
	// every accepted connection before the relay begins.
	ProxyProtocol bool

	listener net.Listener

	algoCache atomic.Pointer[cachedAlgorithm]

	draining  atomic.Bool
	wg        sync.WaitGroup
	activeMu  sync.Mutex
	active    map[net.Conn]struct{}
}

type cachedAlgorithm struct {
	generation int64
	algo       loadbalancer.Algorithm
}

// Listen binds the TCP listener at address, wrapping it with PROXY
// protocol support when configured. It does not start accepting; call
// Serve to run the accept loop.
func (s *Server) Listen(address string) error {
	l, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}
	if s.ProxyProtocol {
		l = &proxyproto.Listener{Listener: l}
	}
	s.listener = l
	s.active = make(map[net.Conn]struct{})
	return nil
}

// Serve runs the accept loop until ctx is canceled or the listener is
// closed. Each accepted connection is handled in its own goroutine.
func (s *Server) Serve(ctx context.Context) error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || s.draining.Load() {
				return nil
			}
			return err
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(ctx, conn)
		}()
	}
}

// Drain stops accepting new connections immediately and waits up to
// timeout for in-flight connections to finish on their own before
// aborting them (spec §4.5 drain scenario).
func (s *Server) Drain(timeout time.Duration) (aborted int) {
	s.draining.Store(true)
	s.listener.Close()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return 0
	case <-time.After(timeout):
	}

	s.activeMu.Lock()
	for c := range s.active {
		c.Close()
		aborted++
	}
	s.activeMu.Unlock()

	<-done
	return aborted
}

func (s *Server) trackActive(c net.Conn, add bool) {
	s.activeMu.Lock()
	defer s.activeMu.Unlock()
	if add {
		s.active[c] = struct{}{}
	} else {
		delete(s.active, c)
	}
}

func (s *Server) algorithmFor(snap *proxyconfig.Snapshot) loadbalancer.Algorithm {
	cached := s.algoCache.Load()
	if cached != nil && cached.generation == snap.Generation {
		return cached.algo
	}

	algo := loadbalancer.New(snap.LoadBalancing.Algorithm, snap.LoadBalancing.SessionAffinity, snap.LoadBalancing.RingStrategy)
	s.algoCache.Store(&cachedAlgorithm{generation: snap.Generation, algo: algo})
	return algo
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	sessionID := uuid.NewString()
	clientAddr := conn.RemoteAddr().String()
	start := time.Now()

	s.trackActive(conn, true)
	defer s.trackActive(conn, false)
	defer conn.Close()

	entry := logging.AccessEntry{SessionID: sessionID, Proto: "tcp", Client: clientAddr}

	snap := s.State.Snapshot()
	if snap == nil {
		entry.Outcome = "admission-denied"
		s.logEntry(entry, start)
		return
	}

	if !s.State.RateLimiter().Allow() || !s.State.ClientLimiter.Allow(clientAddr) {
		s.State.Metrics.IncAdmissionRejected()
		entry.Outcome = "admission-denied"
		s.logEntry(entry, start)
		return
	}

	upstream, chosen, done, err := s.connectWithRetry(ctx, snap, clientAddr)
	if err != nil {
		s.State.Metrics.IncAdmissionRejected()
		entry.Outcome = "connect-error"
		s.logEntry(entry, start)
		return
	}
	entry.Backend = chosen.Address

	// chosen's active-connections counter was already incremented at
	// selection time, inside connectWithRetry, so concurrent selections
	// racing for the same backend are visible to least-connections
	// immediately rather than only after a dial completes.
	s.State.Metrics.IncTCPConnection()
	defer func() {
		chosen.DecActiveConns()
		s.State.Metrics.DecTCPConnection()
	}()

	outcome, bytesIn, bytesOut := s.relay(conn, upstream, snap)
	entry.Outcome = outcome
	entry.BytesIn = bytesIn
	entry.BytesOut = bytesOut

	if done != nil {
		done(outcome == "ok" || bytesIn+bytesOut > 0)
	}

	s.State.Metrics.AddBytesIn(bytesIn)
	s.State.Metrics.AddBytesOut(bytesOut)
	s.State.Metrics.ObserveLatency(time.Since(start))
	chosen.ObserveLatency(time.Since(start))
	s.logEntry(entry, start)
}

func (s *Server) logEntry(e logging.AccessEntry, start time.Time) {
	e.Duration = time.Since(start)
	if s.Logger != nil {
		logging.Log(s.Logger, e)
	}
}

var errAllRetriesExhausted = errors.New("tcpproxy: all backend connect attempts failed")

// connectWithRetry selects a backend, consults its breaker, and dials it,
// retrying with a different backend (up to maxConnectRetries) on
// failure, per spec §4.5 step 3.
func (s *Server) connectWithRetry(ctx context.Context, snap *proxyconfig.Snapshot, clientAddr string) (net.Conn, *backend.Backend, func(bool), error) {
	algo := s.algorithmFor(snap)
	excluded := make(map[string]bool)

	for attempt := 0; attempt < maxConnectRetries; attempt++ {
		candidates := healthyExcluding(snap.Backends.Healthy(), excluded)
		if len(candidates) == 0 {
			return nil, nil, nil, errAllRetriesExhausted
		}

		chosen, err := algo.Select(candidates, clientAddr)
		if err != nil {
			return nil, nil, nil, err
		}

		// Counted at selection, not after a successful dial: least
		// connections must see this backend's load go up before the next
		// concurrent selection runs, or several flows racing the same
		// instant all pick the same least-loaded backend.
		chosen.IncActiveConns()
		chosen.IncTotalRequests()

		br := s.State.Breakers().Get(circuit.BreakerSettings{Address: chosen.Address})
		var done func(bool)
		if br != nil {
			var ok bool
			done, ok = br.Allow()
			if !ok {
				chosen.DecActiveConns()
				excluded[chosen.Address] = true
				continue
			}
		}

		dialer := net.Dialer{Timeout: snap.Traffic.Timeout.Connect}
		rawConn, err := dialer.DialContext(ctx, "tcp", chosen.Address)
		if err != nil {
			if done != nil {
				done(false)
			}
			chosen.DecActiveConns()
			chosen.IncFailedRequests()
			s.State.Metrics.IncBackendError()
			excluded[chosen.Address] = true
			continue
		}

		return rawConn, chosen, done, nil
	}

	return nil, nil, nil, errAllRetriesExhausted
}

func healthyExcluding(backends []*backend.Backend, excluded map[string]bool) []*backend.Backend {
	if len(excluded) == 0 {
		return backends
	}
	out := make([]*backend.Backend, 0, len(backends))
	for _, b := range backends {
		if !excluded[b.Address] {
			out = append(out, b)
		}
	}
	return out
}

// relay runs the bidirectional copy described by spec §4.5 step 4: two
// concurrent half-duplex pumps, each bounded by the idle timeout since
// the last byte in that direction.
func (s *Server) relay(client, upstream net.Conn, snap *proxyconfig.Snapshot) (outcome string, bytesIn, bytesOut int64) {
	clientClosed := make(chan error, 1)
	upstreamClosed := make(chan error, 1)

	go pump(upstream, client, snap.Traffic.Timeout.Idle, &bytesOut, clientClosed)
	go pump(client, upstream, snap.Traffic.Timeout.Idle, &bytesIn, upstreamClosed)

	var first error
	select {
	case first = <-clientClosed:
		upstream.Close()
		<-upstreamClosed
	case first = <-upstreamClosed:
		client.Close()
		<-clientClosed
	}

	if first == nil || first == io.EOF {
		return "ok", bytesIn, bytesOut
	}
	if ne, ok := first.(net.Error); ok && ne.Timeout() {
		return "idle-timeout", bytesIn, bytesOut
	}
	return "peer-closed", bytesIn, bytesOut
}

// pump copies from src to dst, tracking written bytes into total and
// reporting the terminal error (nil on clean EOF) on done.
func pump(dst, src net.Conn, idleTimeout time.Duration, total *int64, done chan<- error) {
	w := &countingWriter{dst: dst, update: func(n int64) { atomic.AddInt64(total, n) }}
	tc := &timeoutConn{Conn: src, readTimeout: idleTimeout}

	_, err := io.CopyBuffer(w, tc, make([]byte, relayBufferSize))
	done <- err
}
