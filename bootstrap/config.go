// Package bootstrap parses process-level flags and, optionally, a YAML
// file describing the snapshot the data plane should serve before a
// control plane ever calls UpdateConfig: a flag.FlagSet built up in
// NewConfig, a Parse method that also loads an optional YAML file, and
// a small set of derived fields resolved once parsing succeeds.
package bootstrap

import (
	"flag"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/zalando-incubator/l4proxy/backend"
	"github.com/zalando-incubator/l4proxy/circuit"
	"github.com/zalando-incubator/l4proxy/config"
	"github.com/zalando-incubator/l4proxy/proxyconfig"
)

const (
	defaultRPCAddress           = ":9999"
	defaultSessionTTL           = 2 * time.Minute
	defaultDrainTimeout         = 10 * time.Second
	defaultSessionSweepInterval = 30 * time.Second
	defaultApplicationLogLevel  = "info"
)

// Config holds the process's bootstrap flags plus whatever bootstrap
// snapshot was loaded from --config. Everything here is either a
// listener address, a maintenance interval, or seed data for the first
// Snapshot; the control plane owns every field once it connects.
type Config struct {
	ConfigFile string

	TCPAddress    string
	UDPAddress    string
	RPCAddress    string
	ProxyProtocol bool

	LogLevel string
	LogJSON  bool

	PrintVersion bool

	SessionTTL           time.Duration
	DrainTimeout         time.Duration
	SessionSweepInterval time.Duration

	backends        *config.ListFlag
	rateLimit       config.RateLimitFlag
	clientRateLimit config.ClientRateLimitFlag
	breakers        config.BreakerFlags

	bootstrap *bootstrapFile
	flags     *flag.FlagSet
}

// bootstrapFile is the YAML schema accepted by --config: one snapshot's
// worth of listen/backend/load-balancing/traffic/breaker settings, in
// the same shape the control plane sends over UpdateConfig. It mirrors
// proxyconfig's wire types with explicit snake_case tags, since
// proxyconfig itself carries no YAML tags (it is addressed by Go field
// name over RPC, never decoded from YAML directly). Backend entries carry
// no health-check descriptor; bootstrap backends get an empty one.
type bootstrapFile struct {
	Listen         listenYAML         `yaml:"listen"`
	Backends       []backendSpecYAML  `yaml:"backends"`
	LoadBalancing  loadBalancingYAML  `yaml:"load_balancing"`
	Traffic        trafficYAML        `yaml:"traffic"`
	CircuitBreaker circuitBreakerYAML `yaml:"circuit_breaker"`
}

type listenYAML struct {
	TCPAddress string `yaml:"tcp_address"`
	UDPAddress string `yaml:"udp_address"`
}

type backendSpecYAML struct {
	Address string `yaml:"address"`
	Weight  int32  `yaml:"weight"`
	Healthy bool   `yaml:"healthy"`
}

type loadBalancingYAML struct {
	Algorithm       proxyconfig.Algorithm    `yaml:"algorithm"`
	SessionAffinity bool                     `yaml:"session_affinity"`
	RingStrategy    proxyconfig.RingStrategy `yaml:"ring_strategy"`
}

type rateLimitYAML struct {
	RequestsPerSecond int32 `yaml:"requests_per_second"`
	Burst             int32 `yaml:"burst"`
}

type timeoutsYAML struct {
	Connect time.Duration `yaml:"connect"`
	Idle    time.Duration `yaml:"idle"`
	Read    time.Duration `yaml:"read"`
}

type trafficYAML struct {
	RateLimit rateLimitYAML `yaml:"rate_limit"`
	Timeout   timeoutsYAML  `yaml:"timeout"`
}

type circuitBreakerYAML struct {
	Mode           string        `yaml:"mode"`
	ErrorThreshold int32         `yaml:"error_threshold"`
	Timeout        time.Duration `yaml:"timeout"`
	Window         int32         `yaml:"window"`
}

// NewConfig builds a Config with its flags registered on a private
// FlagSet, so repeated construction in tests never collides with the
// global flag.CommandLine the way package-level flag registration
// would.
func NewConfig() *Config {
	c := &Config{
		flags:    flag.NewFlagSet("l4proxyd", flag.ContinueOnError),
		backends: config.CommaListFlag(),
	}

	c.flags.StringVar(&c.ConfigFile, "config", "", "path to a YAML bootstrap snapshot")
	c.flags.Var(c.backends, "backends", "comma-separated host:port list, an alternative to --config for a quick bootstrap pool")
	c.flags.Var(&c.rateLimit, "ratelimit", config.RatelimitUsage)
	c.flags.Var(&c.clientRateLimit, "client-ratelimit", config.ClientRatelimitUsage)
	c.flags.Var(&c.breakers, "breaker", config.BreakerUsage)
	c.flags.StringVar(&c.TCPAddress, "tcp-address", "", "TCP listen address (empty disables the TCP engine)")
	c.flags.StringVar(&c.UDPAddress, "udp-address", "", "UDP listen address (empty disables the UDP engine)")
	c.flags.StringVar(&c.RPCAddress, "rpc-address", defaultRPCAddress, "control-plane RPC listen address")
	c.flags.BoolVar(&c.ProxyProtocol, "proxy-protocol", false, "accept PROXY protocol v1/v2 headers on the TCP listener")
	c.flags.StringVar(&c.LogLevel, "log-level", defaultApplicationLogLevel, "application log level")
	c.flags.BoolVar(&c.LogJSON, "log-json", false, "emit logs as JSON instead of text")
	c.flags.BoolVar(&c.PrintVersion, "version", false, "print version and exit")
	c.flags.DurationVar(&c.SessionTTL, "session-ttl", defaultSessionTTL, "idle UDP session eviction threshold")
	c.flags.DurationVar(&c.DrainTimeout, "drain-timeout", defaultDrainTimeout, "TCP drain grace period before aborting remaining connections")
	c.flags.DurationVar(&c.SessionSweepInterval, "session-sweep-interval", defaultSessionSweepInterval, "how often the UDP session table is swept for idle entries")

	return c
}

// Parse parses args against the registered flags and, if --config was
// given, loads and validates the YAML bootstrap snapshot it names.
func (c *Config) Parse(args []string) error {
	if err := c.flags.Parse(args); err != nil {
		return err
	}
	if extra := c.flags.Args(); len(extra) != 0 {
		return fmt.Errorf("invalid arguments: %v", extra)
	}

	if c.ConfigFile == "" {
		return nil
	}

	raw, err := os.ReadFile(c.ConfigFile)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}

	var bf bootstrapFile
	if err := yaml.Unmarshal(raw, &bf); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}
	c.bootstrap = &bf

	return nil
}

// ClientRateLimit reports whether -client-ratelimit was given, and the
// parameters to build a ratelimit.ClientLimiter from.
func (c *Config) ClientRateLimit() (ratePerSecond, burst int32, idleTTL time.Duration, enabled bool) {
	if !c.clientRateLimit.Enabled() {
		return 0, 0, 0, false
	}
	return c.clientRateLimit.RequestsPerSecond, c.clientRateLimit.Burst, c.clientRateLimit.IdleTTL, true
}

// BreakerOverrides returns the circuit.BreakerSettings accumulated from
// repeated -breaker flags, in order; an entry with an empty Address is
// the global default, entries with an Address set are per-backend
// overrides (see circuit.NewRegistry).
func (c *Config) BreakerOverrides() []circuit.BreakerSettings {
	return c.breakers
}

// BootstrapSnapshot resolves the loaded --config file, if any, merged
// with any -backends/-ratelimit flag overrides, into a proxyconfig.Snapshot.
// It returns (nil, nil) when neither --config nor -backends was given,
// which the caller treats as "wait for the control plane".
func (c *Config) BootstrapSnapshot() (*proxyconfig.Snapshot, error) {
	if c.bootstrap == nil && len(c.backends.Values()) == 0 {
		return nil, nil
	}
	if c.bootstrap == nil {
		c.bootstrap = &bootstrapFile{LoadBalancing: loadBalancingYAML{Algorithm: proxyconfig.RoundRobin}}
	}

	specs := make([]proxyconfig.BackendSpec, 0, len(c.bootstrap.Backends))
	for _, b := range c.bootstrap.Backends {
		specs = append(specs, proxyconfig.BackendSpec{
			Address:     b.Address,
			Weight:      b.Weight,
			Healthy:     b.Healthy,
			HealthCheck: backend.HealthCheck{},
		})
	}
	for _, addr := range c.backends.Values() {
		specs = append(specs, proxyconfig.BackendSpec{Address: addr, Weight: 100, Healthy: true})
	}

	listen := proxyconfig.Listen{TCPAddress: c.bootstrap.Listen.TCPAddress, UDPAddress: c.bootstrap.Listen.UDPAddress}
	if listen.TCPAddress == "" {
		listen.TCPAddress = c.TCPAddress
	}
	if listen.UDPAddress == "" {
		listen.UDPAddress = c.UDPAddress
	}

	lb := proxyconfig.LoadBalancing{
		Algorithm:       c.bootstrap.LoadBalancing.Algorithm,
		SessionAffinity: c.bootstrap.LoadBalancing.SessionAffinity,
		RingStrategy:    c.bootstrap.LoadBalancing.RingStrategy,
	}
	traffic := proxyconfig.Traffic{
		RateLimit: proxyconfig.RateLimit{
			RequestsPerSecond: c.bootstrap.Traffic.RateLimit.RequestsPerSecond,
			Burst:             c.bootstrap.Traffic.RateLimit.Burst,
		},
		Timeout: proxyconfig.Timeouts{
			Connect: c.bootstrap.Traffic.Timeout.Connect,
			Idle:    c.bootstrap.Traffic.Timeout.Idle,
			Read:    c.bootstrap.Traffic.Timeout.Read,
		},
	}
	if c.rateLimit.Enabled() {
		traffic.RateLimit = c.rateLimit.RateLimit
	}

	cb := proxyconfig.CircuitBreaker{
		Mode:           c.bootstrap.CircuitBreaker.Mode,
		ErrorThreshold: c.bootstrap.CircuitBreaker.ErrorThreshold,
		Timeout:        c.bootstrap.CircuitBreaker.Timeout,
		Window:         c.bootstrap.CircuitBreaker.Window,
	}

	return proxyconfig.Build(0, listen, specs, lb, traffic, cb)
}
