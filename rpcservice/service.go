// Package rpcservice exposes the control-plane-facing RPC surface (spec
// §6): UpdateConfig, ReloadBackends, and DrainConnections as ordinary
// net/rpc unary methods, plus StreamMetrics as a hand-rolled framed gob
// stream — net/rpc has no bidirectional streaming mode, so the streaming
// method is served outside the net/rpc dispatcher, on the same listener
// (cmd/l4proxyd tells the two apart by the first byte a connection sends).
package rpcservice

import (
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/zalando-incubator/l4proxy/proxyconfig"
	"github.com/zalando-incubator/l4proxy/proxystate"
	"github.com/zalando-incubator/l4proxy/tcpproxy"
	"github.com/zalando-incubator/l4proxy/udpproxy"
)

// Ack is the response shape shared by UpdateConfig and ReloadBackends.
type Ack struct {
	Success bool
	Message string
}

// DrainAck is DrainConnections' response.
type DrainAck struct {
	Success            bool
	Message            string
	ConnectionsDrained int
}

// ReloadAck is ReloadBackends' response.
type ReloadAck struct {
	Success        bool
	Message        string
	BackendsLoaded int
}

// ConfigArg is the wire-level ProxyConfig argument to UpdateConfig.
// Its field names and nesting follow spec §6's wire schema exactly, so
// the RPC argument can be built directly from a decoded config message
// without an intermediate DTO layer.
type ConfigArg struct {
	Generation int64
	Listen     proxyconfig.Listen
	Backends   []proxyconfig.BackendSpec
	LoadBalancing proxyconfig.LoadBalancing
	Traffic       proxyconfig.Traffic
	CircuitBreaker proxyconfig.CircuitBreaker
}

// BackendListArg is ReloadBackends' argument: a fresh backend list and
// health map, replacing only the pool, not the rest of the snapshot.
type BackendListArg struct {
	Generation int64
	Backends   []proxyconfig.BackendSpec
}

// DrainArg is DrainConnections' argument.
type DrainArg struct {
	TimeoutSeconds int32
}

// Service implements the four RPC methods against a shared ProxyState.
// UpdateConfig, ReloadBackends and DrainConnections match net/rpc's
// required shape, func (t *T) Method(argType T1, replyType *T2) error;
// ServeMetricsStream does not, and is called directly on a connection.
type Service struct {
	State *proxystate.State
	TCP   *tcpproxy.Server
	UDP   *udpproxy.Server
	Logger *log.Logger

	peerID string
}

// NewService creates a Service bound to state and the two proxy engines
// (either may be nil in tests that only exercise the RPC methods).
func NewService(state *proxystate.State, tcp *tcpproxy.Server, udp *udpproxy.Server, logger *log.Logger) *Service {
	return &Service{State: state, TCP: tcp, UDP: udp, Logger: logger, peerID: uuid.NewString()}
}

// UpdateConfig replaces the full configuration snapshot (spec §6,
// §4.8). A validation failure rejects the RPC and keeps the prior
// snapshot in effect, per spec's configuration-error handling.
func (s *Service) UpdateConfig(arg ConfigArg, reply *Ack) error {
	snap, err := proxyconfig.Build(arg.Generation, arg.Listen, arg.Backends, arg.LoadBalancing, arg.Traffic, arg.CircuitBreaker)
	if err != nil {
		*reply = Ack{Success: false, Message: err.Error()}
		return nil
	}

	s.State.ApplyConfig(snap)
	*reply = Ack{Success: true, Message: "config applied"}
	return nil
}

// ReloadBackends replaces only the backend pool and health map, leaving
// listen addresses, load balancing, traffic, and breaker settings
// untouched.
func (s *Service) ReloadBackends(arg BackendListArg, reply *ReloadAck) error {
	current := s.State.Snapshot()
	if current == nil {
		*reply = ReloadAck{Success: false, Message: "no configuration applied yet"}
		return nil
	}

	snap, err := proxyconfig.Build(arg.Generation, current.Listen, arg.Backends, current.LoadBalancing, current.Traffic, current.CircuitBreaker)
	if err != nil {
		*reply = ReloadAck{Success: false, Message: err.Error()}
		return nil
	}

	s.State.ApplyConfig(snap)
	*reply = ReloadAck{Success: true, Message: "backends reloaded", BackendsLoaded: snap.Backends.Len()}
	return nil
}

// DrainConnections begins a graceful drain of both proxy engines bounded
// by the given timeout (spec §6, §4.5 drain scenario).
func (s *Service) DrainConnections(arg DrainArg, reply *DrainAck) error {
	timeout := time.Duration(arg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	var drained int
	if s.TCP != nil {
		drained += s.TCP.Drain(timeout)
	}
	if s.UDP != nil {
		drained += s.UDP.Drain()
	}

	*reply = DrainAck{Success: true, Message: "drain complete", ConnectionsDrained: drained}
	return nil
}
