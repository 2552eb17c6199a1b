// Package natproxy implements the UDP NAT session table: the mapping
// from a client address to the backend and upstream socket handling its
// traffic (spec §3's Session (UDP), §4.6).
package natproxy

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zalando-incubator/l4proxy/backend"
)

// Session is a directional binding of one client address to one backend
// address and one kernel-allocated upstream socket.
type Session struct {
	ClientAddr  string
	BackendAddr string
	Backend     *backend.Backend
	Upstream    *net.UDPConn

	lastActivity atomic.Int64 // unix nano
	bytesIn      atomic.Int64
	bytesOut     atomic.Int64
	packetsIn    atomic.Int64
	packetsOut   atomic.Int64

	cancel context.CancelFunc

	breakerDone func(bool)
	breakerOnce sync.Once
}

// SetBreakerDone attaches the two-step circuit breaker callback obtained
// when the session's backend was selected. The callback resolves the
// breaker's outstanding probe exactly once, via ReportSuccess or
// ReportFailure, however many datagrams the session goes on to carry.
func (s *Session) SetBreakerDone(done func(bool)) {
	s.breakerDone = done
}

// ReportSuccess resolves the breaker probe as successful. A no-op after
// the first call or if no breaker callback was attached.
func (s *Session) ReportSuccess() {
	s.breakerOnce.Do(func() {
		if s.breakerDone != nil {
			s.breakerDone(true)
		}
	})
}

// ReportFailure resolves the breaker probe as failed. A no-op after the
// first call or if no breaker callback was attached.
func (s *Session) ReportFailure() {
	s.breakerOnce.Do(func() {
		if s.breakerDone != nil {
			s.breakerDone(false)
		}
	})
}

func (s *Session) touch(now time.Time) {
	s.lastActivity.Store(now.UnixNano())
}

func (s *Session) idleSince(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, s.lastActivity.Load()))
}

// Table is the session table, keyed by client address. A session's
// reply-pump task is spawned with a direct reference to its *Session
// (captured in the goroutine's closure), so it never needs a second
// lookup key to find its way back into the table.
type Table struct {
	mu        sync.RWMutex
	byClient  map[string]*Session
	sessionTTL time.Duration
}

// NewTable creates a session table that evicts entries idle longer than
// sessionTTL.
func NewTable(sessionTTL time.Duration) *Table {
	return &Table{
		byClient:   make(map[string]*Session),
		sessionTTL: sessionTTL,
	}
}

// GetOrCreate returns the existing session for clientAddr, or calls
// create to build a new upstream socket bound to backendAddr and
// registers it. create is only invoked while the table is locked for
// write and only on a miss, so two packets racing for the same new
// client never open two upstream sockets.
func (t *Table) GetOrCreate(clientAddr, backendAddr string, create func() (*net.UDPConn, error)) (*Session, bool, error) {
	t.mu.RLock()
	s, ok := t.byClient[clientAddr]
	t.mu.RUnlock()
	if ok {
		s.touch(time.Now())
		return s, false, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if s, ok := t.byClient[clientAddr]; ok {
		s.touch(time.Now())
		return s, false, nil
	}

	upstream, err := create()
	if err != nil {
		return nil, false, err
	}

	s = &Session{ClientAddr: clientAddr, BackendAddr: backendAddr, Upstream: upstream}
	s.touch(time.Now())
	t.byClient[clientAddr] = s
	return s, true, nil
}

// Touch refreshes a session's last-activity instant, called on every
// packet in either direction.
func (t *Table) Touch(clientAddr string) {
	t.mu.RLock()
	s, ok := t.byClient[clientAddr]
	t.mu.RUnlock()
	if ok {
		s.touch(time.Now())
	}
}

// Remove deletes a session from the table and closes its upstream socket.
// Safe to call more than once for the same session.
func (t *Table) Remove(clientAddr string) {
	t.mu.Lock()
	s, ok := t.byClient[clientAddr]
	if ok {
		delete(t.byClient, clientAddr)
	}
	t.mu.Unlock()

	if ok {
		if s.cancel != nil {
			s.cancel()
		}
		s.Upstream.Close()
	}
}

// Sweep evicts every session idle longer than the table's sessionTTL and
// returns the number removed. Intended to run on a periodic ticker.
func (t *Table) Sweep() int {
	now := time.Now()

	t.mu.Lock()
	var stale []*Session
	for addr, s := range t.byClient {
		if s.idleSince(now) > t.sessionTTL {
			stale = append(stale, s)
			delete(t.byClient, addr)
		}
	}
	t.mu.Unlock()

	for _, s := range stale {
		if s.cancel != nil {
			s.cancel()
		}
		s.Upstream.Close()
	}
	return len(stale)
}

// Drain closes every session immediately, used during graceful shutdown.
func (t *Table) Drain() int {
	t.mu.Lock()
	all := make([]*Session, 0, len(t.byClient))
	for addr, s := range t.byClient {
		all = append(all, s)
		delete(t.byClient, addr)
	}
	t.mu.Unlock()

	for _, s := range all {
		if s.cancel != nil {
			s.cancel()
		}
		s.Upstream.Close()
	}
	return len(all)
}

// Len reports the number of live sessions.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byClient)
}

// SetCancel attaches the cancel function for the session's reply-pump
// task, so Remove/Sweep/Drain can stop it without a separate lookup.
func (s *Session) SetCancel(cancel context.CancelFunc) {
	s.cancel = cancel
}

func (s *Session) AddBytesIn(n int64)  { s.bytesIn.Add(n); s.packetsIn.Add(1) }
func (s *Session) AddBytesOut(n int64) { s.bytesOut.Add(n); s.packetsOut.Add(1) }

func (s *Session) BytesIn() int64    { return s.bytesIn.Load() }
func (s *Session) BytesOut() int64   { return s.bytesOut.Load() }
func (s *Session) PacketsIn() int64  { return s.packetsIn.Load() }
func (s *Session) PacketsOut() int64 { return s.packetsOut.Load() }
