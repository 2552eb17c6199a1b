package logging

import (
	"time"

	log "github.com/sirupsen/logrus"
)

// AccessEntry is one completed flow's teardown record: the fields that
// let an operator correlate a connection across logs, metrics, and the
// RPC metrics stream (spec §1's per-flow session_id thread).
type AccessEntry struct {
	SessionID string
	Proto     string // "tcp" or "udp"
	Client    string
	Backend   string
	BytesIn   int64
	BytesOut  int64
	Duration  time.Duration
	Outcome   string // "ok", "connect-error", "idle-timeout", "peer-closed", "io-error", "admission-denied"
}

// Log writes one access entry as a structured log line at Info level, or
// Warn when the outcome isn't "ok", so a log-level filter set above Info
// still surfaces failed flows.
func Log(logger *log.Logger, e AccessEntry) {
	fields := log.Fields{
		"session_id": e.SessionID,
		"proto":      e.Proto,
		"client":     e.Client,
		"backend":    e.Backend,
		"bytes_in":   e.BytesIn,
		"bytes_out":  e.BytesOut,
		"duration":   e.Duration.String(),
		"outcome":    e.Outcome,
	}

	entry := logger.WithFields(fields)
	if e.Outcome == "ok" {
		entry.Info("flow complete")
	} else {
		entry.Warn("flow complete")
	}
}
