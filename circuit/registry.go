package circuit

import (
	"time"

	log "github.com/sirupsen/logrus"
)

// Registry holds the circuit breakers currently in use, keyed by their
// resolved settings, and evicts breakers that have been idle longer than
// their IdleTTL. Breakers are created on demand: the data plane asks for
// a breaker with a given backend address and gets back either a shared,
// previously created one, or a freshly created one merged with the
// global and address-specific defaults.
type Registry struct {
	defaults       BreakerSettings
	addressDefault map[string]BreakerSettings
	lookup         map[BreakerSettings]*Breaker
	access         *list
	sync           chan *Registry

	logger *log.Logger
}

// SetLogger attaches the logger that the registry's breakers use to
// report closed/open/half-open transitions. The logger is looked up at
// the time of each transition, so breakers created before the call
// report through it as well.
func (r *Registry) SetLogger(logger *log.Logger) {
	r.logger = logger
}

func (r *Registry) logStateChange(address, from, to string) {
	if r.logger == nil {
		return
	}
	r.logger.WithFields(log.Fields{"backend": address, "from": from, "to": to}).Warn("circuit breaker state change")
}

// applySettings merges request-level settings over a configured default,
// filling in any field the caller left zero.
func applySettings(s, defaults BreakerSettings) BreakerSettings {
	return s.mergeSettings(defaults)
}

// NewRegistry creates a registry from a flat list of settings. An entry
// with an empty Address is the global default; entries with an Address
// set are the per-backend baseline, themselves merged against the
// global default at registration time.
func NewRegistry(settings ...BreakerSettings) *Registry {
	r := &Registry{
		addressDefault: make(map[string]BreakerSettings),
		lookup:         make(map[BreakerSettings]*Breaker),
		access:         &list{},
		sync:           make(chan *Registry, 1),
	}

	for _, s := range settings {
		if s.Address == "" {
			r.defaults = s
		}
	}

	for _, s := range settings {
		if s.Address != "" {
			r.addressDefault[s.Address] = applySettings(s, r.defaults)
		}
	}

	r.sync <- r
	return r
}

func (r *Registry) synced(f func()) {
	r = <-r.sync
	f()
	r.sync <- r
}

func (r *Registry) resolve(s BreakerSettings) BreakerSettings {
	config, ok := r.addressDefault[s.Address]
	if !ok {
		config = r.defaults
	}

	return applySettings(s, config)
}

func (r *Registry) dropLookup(b *Breaker) {
	for b != nil {
		delete(r.lookup, b.settings)
		b = b.next
	}
}

// Get returns the breaker for s, creating it if needed. It returns nil
// when s names no address, or when the resolved settings are disabled
// or carry no breaker type — callers must treat a nil Breaker as
// "always allow".
func (r *Registry) Get(s BreakerSettings) *Breaker {
	if s.Address == "" {
		return nil
	}

	s = r.resolve(s)
	if s.Type == BreakerNone || s.Type == BreakerDisabled {
		return nil
	}

	var b *Breaker
	r.synced(func() {
		now := time.Now()
		idle := func(b *Breaker) bool {
			idleTTL := b.settings.IdleTTL
			if idleTTL <= 0 {
				idleTTL = DefaultIdleTTL
			}
			return now.Sub(b.ts) > idleTTL
		}

		var ok bool
		b, ok = r.lookup[s]
		if !ok || idle(b) {
			// if the breaker doesn't exist with the requested settings,
			// or has been idle longer than its IdleTTL, check if there
			// is any to evict, evict if yes, and create a new one

			drop, _ := r.access.dropHeadIf(idle)

			r.dropLookup(drop)
			b = newBreaker(s, r.logStateChange)
			r.lookup[s] = b
		}

		// append/move the breaker to the last position of the access history
		b.ts = now
		r.access.appendLast(b)
	})

	return b
}
