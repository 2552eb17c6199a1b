package tcpproxy

import (
	"net"
	"time"
)

// timeoutConn is a net.Conn that applies a read deadline before every
// Read, so a stalled peer is detected by the relay's own read loop
// instead of hanging forever. This is the idle timeout enforcement point
// for both directions of a flow: the relay's pumps pass the snapshot's
// Idle timeout, and the snapshot's Read timeout is not applied.
type timeoutConn struct {
	net.Conn
	readTimeout time.Duration
}

func (c *timeoutConn) Read(b []byte) (int, error) {
	if c.readTimeout > 0 {
		if err := c.Conn.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Read(b)
}

// countingWriter tallies bytes written through it into an atomic counter
// supplied by the caller, so the relay can update metrics without a
// wrapper per byte slice.
type countingWriter struct {
	dst    net.Conn
	update func(n int64)
}

func (w *countingWriter) Write(p []byte) (int, error) {
	n, err := w.dst.Write(p)
	if n > 0 && w.update != nil {
		w.update(int64(n))
	}
	return n, err
}
