// Package admission decides whether a request may proceed before any
// expensive work starts.
//
// Checks run in a fixed order: global load shedding, the tenant's
// concurrency ceiling, the fixed-window rate limiter, then the circuit
// breaker of the (tenant, endpoint) pair. A request rejected by an earlier
// check never reaches a later one, so rate-limit and shedding rejections
// never count against a breaker.
package admission
