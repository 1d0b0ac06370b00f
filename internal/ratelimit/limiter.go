// Package ratelimit provides the fixed-window request limiter used by
// admission control.
//
// A window is keyed by (tenant, client, endpoint class). It opens on the
// first request of the key and resets once it has been open longer than
// the configured window. Counters live in a store.Store, which is either
// process-local or shared through Redis.
package ratelimit

import (
	"net"
	"net/http"
	"strings"
	"time"
)

// Key identifies one rate-limit window.
type Key struct {
	TenantID  string
	ClientKey string
	Endpoint  string
}

// String returns the store key of the window.
func (k Key) String() string {
	return k.TenantID + ":" + k.Endpoint + ":" + k.ClientKey
}

// Limit is a request budget per window.
type Limit struct {
	// Name is the endpoint class the limit applies to.
	Name string

	// Requests is the maximum number of requests allowed in the window.
	Requests int

	// Window is the length of the window.
	Window time.Duration
}

// Unlimited reports whether the limit disables limiting.
func (l Limit) Unlimited() bool {
	return l.Requests <= 0 || l.Window <= 0
}

// Result represents the result of a rate limit check.
type Result struct {
	// Allowed indicates whether the request is allowed.
	Allowed bool

	// Limit is the maximum number of requests allowed.
	Limit int

	// Remaining is the number of requests remaining in the current window.
	Remaining int

	// ResetAfter is the duration until the window resets.
	ResetAfter time.Duration

	// RetryAfter is the duration to wait before retrying (when not allowed).
	RetryAfter time.Duration
}

// IPSource extracts the client address of a request.
type IPSource interface {
	Extract(r *http.Request) string
}

// ClientKey derives the client identifier of a request. When src is nil
// the socket address is used.
func ClientKey(r *http.Request, src IPSource) string {
	if src != nil {
		if ip := src.Extract(r); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return strings.TrimSuffix(strings.TrimPrefix(r.RemoteAddr, "["), "]")
	}
	return host
}
