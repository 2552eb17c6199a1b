package rpcservice

import (
	"encoding/binary"
	"encoding/gob"
	"io"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/zalando-incubator/l4proxy/backend"
	"github.com/zalando-incubator/l4proxy/metrics"
)

// MetricsFrame is one tick of the StreamMetrics stream: a snapshot plus
// the peer connection's session id, so a control plane talking to many
// data-plane processes can tell them apart without a side channel.
type MetricsFrame struct {
	PeerID   string
	SentAt   time.Time
	Snapshot metrics.Snapshot
}

// StreamAck is what the control plane sends back after each frame; an
// empty ack is a plain heartbeat.
type StreamAck struct {
	Received bool
}

// DefaultStreamInterval is how often MetricsFrames are emitted absent an
// explicit interval (spec §6: "on a tick (default 5s)").
const DefaultStreamInterval = 5 * time.Second

// maxFrameSize bounds a single length-prefixed gob frame, guarding the
// stream against a corrupt or hostile length prefix.
const maxFrameSize = 1 << 20

// ServeMetricsStream runs StreamMetrics for one accepted connection: it
// writes a length-prefixed gob-encoded MetricsFrame every interval and
// reads back a StreamAck between ticks. Either side closing ends the
// stream (spec §6). net/rpc has no bidirectional streaming verb, so this
// is called directly on the accepted connection rather than through the
// net/rpc dispatcher used by the three unary methods; both share one
// listener.
func (s *Service) ServeMetricsStream(conn net.Conn, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultStreamInterval
	}

	peerID := uuid.NewString()
	if s.Logger != nil {
		s.Logger.WithField("peer_id", peerID).Info("metrics stream opened")
	}
	defer func() {
		if s.Logger != nil {
			s.Logger.WithField("peer_id", peerID).Info("metrics stream closed")
		}
	}()

	enc := gob.NewEncoder(&frameWriter{w: conn})
	dec := gob.NewDecoder(&frameReader{r: conn})

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for range ticker.C {
		var pool *backend.Pool
		if snap := s.State.Snapshot(); snap != nil {
			pool = snap.Backends
		}
		frame := MetricsFrame{PeerID: peerID, SentAt: time.Now(), Snapshot: s.State.Metrics.Snapshot(pool)}
		if err := enc.Encode(frame); err != nil {
			return err
		}

		var ack StreamAck
		if err := dec.Decode(&ack); err != nil {
			return err
		}
	}
	return nil
}

// frameWriter/frameReader implement the length-prefix framing: a 4-byte
// big-endian length followed by exactly that many gob-encoded bytes.
// gob.Encoder/Decoder don't frame their own output, so two values
// written back to back on the same connection would otherwise be
// ambiguous to read apart.
type frameWriter struct {
	w io.Writer
}

func (f *frameWriter) Write(p []byte) (int, error) {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(p)))
	if _, err := f.w.Write(lenBuf[:]); err != nil {
		return 0, err
	}
	return f.w.Write(p)
}

type frameReader struct {
	r   io.Reader
	buf []byte
}

func (f *frameReader) Read(p []byte) (int, error) {
	if len(f.buf) == 0 {
		var lenBuf [4]byte
		if _, err := io.ReadFull(f.r, lenBuf[:]); err != nil {
			return 0, err
		}
		n := binary.BigEndian.Uint32(lenBuf[:])
		if n > maxFrameSize {
			return 0, io.ErrShortBuffer
		}
		f.buf = make([]byte, n)
		if _, err := io.ReadFull(f.r, f.buf); err != nil {
			return 0, err
		}
	}

	n := copy(p, f.buf)
	f.buf = f.buf[n:]
	return n, nil
}
