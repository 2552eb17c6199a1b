package config

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/zalando-incubator/l4proxy/proxyconfig"
)

// RatelimitUsage documents the -ratelimit flag's syntax.
const RatelimitUsage = `set the global traffic rate limit, e.g. -ratelimit rate=5000,burst=200
	possible ratelimit properties:
	rate: requests per second allowed before admission starts rejecting (0 disables the limiter)
	burst: maximum token bucket size`

// ClientRatelimitUsage documents the -client-ratelimit flag's syntax.
const ClientRatelimitUsage = `enable a per-client-address rate limit alongside the global one, e.g. -client-ratelimit rate=50,burst=10,idle-ttl=5m
	possible properties: rate, burst, idle-ttl (how long an idle client's bucket is kept before eviction)`

var errInvalidRatelimitConfig = errors.New("invalid ratelimit config (expected key=value pairs: rate, burst, idle-ttl)")

// RateLimitFlag parses a single -ratelimit flag into a proxyconfig.RateLimit.
type RateLimitFlag struct {
	proxyconfig.RateLimit
	set bool
}

// Enabled reports whether -ratelimit was given at least once.
func (r RateLimitFlag) Enabled() bool { return r.set }

func (r RateLimitFlag) String() string {
	if !r.set {
		return ""
	}
	return "rate=" + strconv.Itoa(int(r.RequestsPerSecond)) + ",burst=" + strconv.Itoa(int(r.Burst))
}

func (r *RateLimitFlag) Set(value string) error {
	for _, kv := range strings.Split(value, ",") {
		k, v, found := strings.Cut(kv, "=")
		if !found {
			return errInvalidRatelimitConfig
		}
		switch k {
		case "rate":
			i, err := strconv.Atoi(v)
			if err != nil {
				return err
			}
			r.RequestsPerSecond = int32(i)
		case "burst":
			i, err := strconv.Atoi(v)
			if err != nil {
				return err
			}
			r.Burst = int32(i)
		default:
			return errInvalidRatelimitConfig
		}
	}
	r.set = true
	return nil
}

// ClientRateLimitFlag parses a single -client-ratelimit flag into a
// per-client rate limit spec (rate, burst, idle-ttl), grounded on the
// keyed client-bucket shape of ratelimit.ClientLimiter.
type ClientRateLimitFlag struct {
	RequestsPerSecond int32
	Burst             int32
	IdleTTL           time.Duration
	set               bool
}

func (c ClientRateLimitFlag) Enabled() bool { return c.set }

func (c ClientRateLimitFlag) String() string {
	if !c.set {
		return ""
	}
	return "rate=" + strconv.Itoa(int(c.RequestsPerSecond)) + ",burst=" + strconv.Itoa(int(c.Burst)) + ",idle-ttl=" + c.IdleTTL.String()
}

func (c *ClientRateLimitFlag) Set(value string) error {
	for _, kv := range strings.Split(value, ",") {
		k, v, found := strings.Cut(kv, "=")
		if !found {
			return errInvalidRatelimitConfig
		}
		switch k {
		case "rate":
			i, err := strconv.Atoi(v)
			if err != nil {
				return err
			}
			c.RequestsPerSecond = int32(i)
		case "burst":
			i, err := strconv.Atoi(v)
			if err != nil {
				return err
			}
			c.Burst = int32(i)
		case "idle-ttl":
			d, err := time.ParseDuration(v)
			if err != nil {
				return err
			}
			c.IdleTTL = d
		default:
			return errInvalidRatelimitConfig
		}
	}
	c.set = true
	return nil
}
