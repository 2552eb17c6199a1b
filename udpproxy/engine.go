// Package udpproxy implements the UDP proxy engine: receive, admit,
// look up or create a session, forward, and touch (spec §4.6). The
// receive-loop-plus-per-session-reply-pump shape is adapted from a
// NAT-hairpinning UDP proxy; this engine replaces its tunnel-provider
// lookup with backend selection through the load balancer, circuit
// breaker, and rate limiter.
package udpproxy

import (
	"context"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/zalando-incubator/l4proxy/backend"
	"github.com/zalando-incubator/l4proxy/circuit"
	"github.com/zalando-incubator/l4proxy/loadbalancer"
	"github.com/zalando-incubator/l4proxy/logging"
	"github.com/zalando-incubator/l4proxy/natproxy"
	"github.com/zalando-incubator/l4proxy/proxyconfig"
	"github.com/zalando-incubator/l4proxy/proxystate"
)

const datagramBufferSize = 65535

// Server runs the UDP receive loop and per-session reply-pump tasks.
type Server struct {
	State  *proxystate.State
	Logger *log.Logger

	conn *net.UDPConn

	algoMu sync.Mutex
	algoGen int64
	algo    loadbalancer.Algorithm

	wg sync.WaitGroup
}

// Listen binds the UDP socket at address.
func (s *Server) Listen(address string) error {
	addr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return err
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return err
	}
	s.conn = conn
	return nil
}

// Serve runs the receive loop until ctx is canceled.
func (s *Server) Serve(ctx context.Context) error {
	buf := make([]byte, datagramBufferSize)
	for {
		n, clientAddr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			continue
		}
		s.handleDatagram(ctx, append([]byte(nil), buf[:n]...), clientAddr)
	}
}

func (s *Server) algorithmFor(snap *proxyconfig.Snapshot) loadbalancer.Algorithm {
	s.algoMu.Lock()
	defer s.algoMu.Unlock()
	if s.algo != nil && s.algoGen == snap.Generation {
		return s.algo
	}
	s.algo = loadbalancer.New(snap.LoadBalancing.Algorithm, snap.LoadBalancing.SessionAffinity, snap.LoadBalancing.RingStrategy)
	s.algoGen = snap.Generation
	return s.algo
}

func (s *Server) handleDatagram(ctx context.Context, data []byte, clientAddr *net.UDPAddr) {
	snap := s.State.Snapshot()
	if snap == nil {
		return
	}

	clientKey := clientAddr.String()

	// An existing session skips admission re-evaluation entirely: only
	// the first datagram from a new client is rate-limited, selected,
	// and breaker-checked (spec §4.6).
	var selectedAddr string
	var chosenBackend *backend.Backend
	var breakerDone func(bool)
	create := func() (*net.UDPConn, error) {
		if !s.State.RateLimiter().Allow() || !s.State.ClientLimiter.Allow(clientKey) {
			s.State.Metrics.IncAdmissionRejected()
			return nil, errRejected
		}

		candidates := snap.Backends.Healthy()
		algo := s.algorithmFor(snap)
		chosen, err := algo.Select(candidates, clientKey)
		if err != nil {
			return nil, err
		}
		chosen.IncTotalRequests()

		br := s.State.Breakers().Get(circuit.BreakerSettings{Address: chosen.Address})
		if br != nil {
			done, ok := br.Allow()
			if !ok {
				s.State.Metrics.IncAdmissionRejected()
				return nil, errRejected
			}
			// Resolved once by the session via ReportSuccess/ReportFailure,
			// not here: the session outlives this call and many writes may
			// follow, but the breaker's Allow/done contract expects exactly
			// one resolution per probe.
			breakerDone = done
		}

		backendAddr, err := net.ResolveUDPAddr("udp", chosen.Address)
		if err != nil {
			return nil, err
		}

		upstream, err := net.DialUDP("udp", nil, backendAddr)
		if err != nil {
			chosen.IncFailedRequests()
			s.State.Metrics.IncBackendError()
			if breakerDone != nil {
				breakerDone(false)
				breakerDone = nil
			}
			return nil, err
		}
		selectedAddr = chosen.Address
		chosenBackend = chosen
		return upstream, nil
	}

	sess, created, err := s.State.Sessions.GetOrCreate(clientKey, "", create)
	if err != nil {
		s.logEntry(logging.AccessEntry{Proto: "udp", Client: clientKey, Outcome: "admission-denied"})
		return
	}

	if created {
		sess.BackendAddr = selectedAddr
		sess.Backend = chosenBackend
		sess.SetBreakerDone(breakerDone)
		s.State.Metrics.IncUDPSession()
		sessCtx, cancel := context.WithCancel(ctx)
		sess.SetCancel(cancel)
		s.wg.Add(1)
		go s.replyPump(sessCtx, sess)
	}

	if _, err := sess.Upstream.Write(data); err != nil {
		s.State.Metrics.IncBackendError()
		if sess.Backend != nil {
			sess.Backend.IncFailedRequests()
		}
		sess.ReportFailure()
		return
	}
	sess.AddBytesOut(int64(len(data)))
	sess.ReportSuccess()
}

var errRejected = &rejectedError{}

type rejectedError struct{}

func (*rejectedError) Error() string { return "udpproxy: admission rejected" }

// replyPump reads datagrams arriving from the backend and forwards them
// to the session's client address (spec §4.6: "A per-session reply-pump
// task reads from the upstream socket; each received datagram is written
// to the listener socket addressed to session.client_addr").
func (s *Server) replyPump(ctx context.Context, sess *natproxy.Session) {
	start := time.Now()
	defer s.wg.Done()
	defer s.State.Metrics.DecUDPSession()

	outcome := "ok"
	defer func() {
		if sess.Backend != nil {
			sess.Backend.ObserveLatency(time.Since(start))
		}
		s.logEntry(logging.AccessEntry{
			Proto:    "udp",
			Client:   sess.ClientAddr,
			Backend:  sess.BackendAddr,
			BytesIn:  sess.BytesIn(),
			BytesOut: sess.BytesOut(),
			Duration: time.Since(start),
			Outcome:  outcome,
		})
	}()

	clientAddr, err := net.ResolveUDPAddr("udp", sess.ClientAddr)
	if err != nil {
		outcome = "io-error"
		return
	}

	buf := make([]byte, datagramBufferSize)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		sess.Upstream.SetReadDeadline(time.Now().Add(time.Second))
		n, err := sess.Upstream.Read(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return
		}

		if _, err := s.conn.WriteToUDP(buf[:n], clientAddr); err != nil {
			outcome = "io-error"
			return
		}
		sess.AddBytesIn(int64(n))
		s.State.Sessions.Touch(sess.ClientAddr)
	}
}

// Drain closes every live session immediately, used during graceful
// shutdown.
func (s *Server) Drain() int {
	return s.State.Sessions.Drain()
}

func (s *Server) logEntry(e logging.AccessEntry) {
	if s.Logger != nil {
		logging.Log(s.Logger, e)
	}
}
