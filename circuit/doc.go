/*
Package circuit implements per-backend circuit breaker functionality for
the data plane.

It provides two breaker flavors: consecutive-failure based and failure-rate
based. Breakers are always scoped to a single backend address, so the
outcome of flows to one backend never affects the breaker behavior of
another. The registry ensures synchronized access to the active breakers
and recycles the ones that have gone idle.

# Breaker Type - Consecutive Failures

This breaker opens when the proxy couldn't connect to a backend, or the
backend connection reset, at least N times in a row. While open, new flows
to the backend are rejected immediately (admission error, see spec §7)
during the breaker timeout. After the timeout elapses the breaker moves to
half-open, where it admits up to M flows (Half-Open Requests; one when
unset) as probes, and further callers observe the breaker as still open
until those probes' outcomes are reported. If a probe fails, the breaker
goes back to open. If all M succeed, it closes again.

# Breaker Type - Failure Rate

The "rate breaker" works like the consecutive breaker, but instead of N
consecutive failures it maintains a sliding window of the last M
outcomes, both successes and failures, and opens when the number of
failures in the window reaches N. This keeps the breaker's character the
same across high and low traffic rates, since the window isn't
time-bound.

# Usage

The Registry holds the circuit breakers and their settings. Global
defaults and per-backend-address overrides are both expressed as
BreakerSettings; an entry with an empty Address is the global default,
and per-address entries are merged over it at registration time. A
further per-request BreakerSettings value (as built from the live
ProxyConfig snapshot) is merged over the resolved address settings on
every Get call, so in-flight callers always observe one coherent,
fully-merged configuration.

# Settings - Type

ConsecutiveFailures or FailureRate select which breaker implementation
backs an address; BreakerDisabled turns the breaker off for a backend
that would otherwise inherit an enabled default.

# Settings - Address

The backend address (host:port) these settings apply to. Leaving it
empty marks the settings as the global default.

# Settings - Window

The size of the sliding outcome window for the failure-rate breaker.

# Settings - Failures

The failure count (consecutive, or within the window) that opens the
breaker.

# Settings - Timeout

How long the breaker stays open before moving to half-open.

# Settings - Half-Open Requests

The number of probe flows expected to succeed in half-open before the
breaker closes again.

# Settings - Idle TTL

The idle duration after which an unused breaker is evicted from the
registry and its state reset, so a long-dormant backend doesn't carry
forward a stale failure history.

# Proxy Usage

The TCP and UDP proxy engines consult the registry right after the load
balancer has selected a backend (Breaker.Allow) and report the flow
outcome afterward (the callback Allow returns). In the TCP engine a
backend rejected by its breaker is excluded and the load balancer is
re-consulted; rejections and connect failures together are capped at
three attempts per flow. The UDP engine does not re-consult: a new flow
whose selected backend is rejected by its breaker is refused.
*/
package circuit
