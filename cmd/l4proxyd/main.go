/*
This command runs the l4proxy data plane: a TCP/UDP proxy that accepts
connections, admits them through a rate limiter and circuit breaker,
selects a backend through a pluggable load balancer, and relays traffic
until either side closes.

The authoritative configuration arrives over RPC from a control plane
(UpdateConfig, ReloadBackends, DrainConnections, StreamMetrics); the
--config flag only seeds a bootstrap snapshot so the process has
something to serve before the control plane connects.
*/
package main

import (
	"context"
	"fmt"
	"net"
	"net/rpc"
	"os"
	"os/signal"
	"runtime/debug"
	"sync"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/zalando-incubator/l4proxy/bootstrap"
	"github.com/zalando-incubator/l4proxy/circuit"
	"github.com/zalando-incubator/l4proxy/logging"
	"github.com/zalando-incubator/l4proxy/proxyconfig"
	"github.com/zalando-incubator/l4proxy/proxystate"
	"github.com/zalando-incubator/l4proxy/rpcservice"
	"github.com/zalando-incubator/l4proxy/tcpproxy"
	"github.com/zalando-incubator/l4proxy/udpproxy"
)

var version string

func init() {
	if info, ok := debug.ReadBuildInfo(); ok && version == "" {
		version = info.Main.Version
	}
}

func main() {
	cfg := bootstrap.NewConfig()
	if err := cfg.Parse(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "error parsing flags:", err)
		os.Exit(2)
	}

	if cfg.PrintVersion {
		fmt.Printf("l4proxyd version %s\n", version)
		return
	}

	logger, err := logging.Init(logging.Options{Level: cfg.LogLevel, JSON: cfg.LogJSON})
	if err != nil {
		fmt.Fprintln(os.Stderr, "error configuring logger:", err)
		os.Exit(2)
	}

	if err := run(cfg, logger); err != nil {
		logger.Fatal(err)
	}
}

func run(cfg *bootstrap.Config, logger *log.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	state := proxystate.New(cfg.SessionTTL, prometheus.NewRegistry())
	state.Logger = logger

	if rate, burst, idleTTL, enabled := cfg.ClientRateLimit(); enabled {
		state.EnableClientRateLimit(rate, burst, idleTTL)
	}

	tcpAddress, udpAddress := cfg.TCPAddress, cfg.UDPAddress

	if snap, err := cfg.BootstrapSnapshot(); err == nil && snap != nil {
		state.ApplyConfig(snap)
		if overrides := cfg.BreakerOverrides(); len(overrides) > 0 {
			state.SetBreakers(circuit.NewRegistry(append(overrides, circuit.BreakerSettings{
				Type:     breakerTypeOf(snap.CircuitBreaker),
				Failures: int(snap.CircuitBreaker.ErrorThreshold),
				Window:   int(snap.CircuitBreaker.Window),
				Timeout:  snap.CircuitBreaker.Timeout,
			})...))
		}
		if snap.Listen.TCPAddress != "" {
			tcpAddress = snap.Listen.TCPAddress
		}
		if snap.Listen.UDPAddress != "" {
			udpAddress = snap.Listen.UDPAddress
		}
		logger.Info("applied bootstrap configuration")
	} else if err != nil {
		logger.WithError(err).Warn("ignoring invalid bootstrap configuration")
	}

	tcpSrv := &tcpproxy.Server{State: state, Logger: logger, ProxyProtocol: cfg.ProxyProtocol}
	udpSrv := &udpproxy.Server{State: state, Logger: logger}

	var wg sync.WaitGroup

	if tcpAddress != "" {
		if err := tcpSrv.Listen(tcpAddress); err != nil {
			return fmt.Errorf("bind tcp listener: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := tcpSrv.Serve(ctx); err != nil {
				logger.WithError(err).Error("tcp accept loop exited")
			}
		}()
	}

	if udpAddress != "" {
		if err := udpSrv.Listen(udpAddress); err != nil {
			return fmt.Errorf("bind udp listener: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := udpSrv.Serve(ctx); err != nil {
				logger.WithError(err).Error("udp receive loop exited")
			}
		}()
	}

	svc := rpcservice.NewService(state, tcpSrv, udpSrv, logger)
	rpcServer := rpc.NewServer()
	if err := rpcServer.RegisterName("L4Proxy", svc); err != nil {
		return fmt.Errorf("register rpc service: %w", err)
	}

	rpcListener, err := net.Listen("tcp", cfg.RPCAddress)
	if err != nil {
		return fmt.Errorf("bind rpc listener: %w", err)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		serveRPC(ctx, rpcListener, rpcServer, svc, logger)
	}()

	go sweepSessions(ctx, state, cfg.SessionSweepInterval)
	go sweepClientBuckets(ctx, state, cfg.SessionSweepInterval)

	<-ctx.Done()
	logger.Info("shutdown signal received, draining")

	rpcListener.Close()
	if tcpAddress != "" {
		tcpSrv.Drain(cfg.DrainTimeout)
	}
	if udpAddress != "" {
		udpSrv.Drain()
	}

	wg.Wait()
	return nil
}

// serveRPC accepts connections for both the unary net/rpc methods and
// the bidirectional StreamMetrics method, telling them apart by the
// first byte each connection sends: 'S' opens a metrics stream, anything
// else is handed to the net/rpc codec.
func serveRPC(ctx context.Context, l net.Listener, rpcServer *rpc.Server, svc *rpcservice.Service, logger *log.Logger) {
	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}

		go func() {
			marker := make([]byte, 1)
			if _, err := conn.Read(marker); err != nil {
				conn.Close()
				return
			}

			if marker[0] == 'S' {
				if err := svc.ServeMetricsStream(conn, rpcservice.DefaultStreamInterval); err != nil {
					logger.WithError(err).Debug("metrics stream ended")
				}
				return
			}

			rpcServer.ServeConn(&prefixedConn{Conn: conn, prefix: marker})
		}()
	}
}

// prefixedConn replays the one marker byte already consumed by serveRPC
// before the rest of the connection's bytes, so net/rpc's codec sees an
// unbroken stream starting at its expected framing.
type prefixedConn struct {
	net.Conn
	prefix []byte
}

func (c *prefixedConn) Read(p []byte) (int, error) {
	if len(c.prefix) > 0 {
		n := copy(p, c.prefix)
		c.prefix = c.prefix[n:]
		return n, nil
	}
	return c.Conn.Read(p)
}

func sweepSessions(ctx context.Context, state *proxystate.State, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			state.Sessions.Sweep()
		}
	}
}

func sweepClientBuckets(ctx context.Context, state *proxystate.State, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			state.ClientLimiter.Sweep()
		}
	}
}

func breakerTypeOf(cb proxyconfig.CircuitBreaker) circuit.BreakerType {
	if cb.ErrorThreshold <= 0 {
		return circuit.BreakerDisabled
	}
	if cb.Mode == "rate" {
		return circuit.FailureRate
	}
	return circuit.ConsecutiveFailures
}
