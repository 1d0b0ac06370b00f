package middleware

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// ClientIPExtractor derives the client address used as the rate-limit
// client key. Forwarding headers are honored only when the socket peer is a
// trusted proxy, so an arbitrary client cannot pick its own key.
type ClientIPExtractor struct {
	trusted []netip.Prefix
}

// NewClientIPExtractor accepts CIDRs or bare addresses. Unparseable
// entries are ignored; config validation rejects them earlier.
func NewClientIPExtractor(trustedProxies []string) *ClientIPExtractor {
	e := &ClientIPExtractor{trusted: make([]netip.Prefix, 0, len(trustedProxies))}
	for _, raw := range trustedProxies {
		if prefix, err := netip.ParsePrefix(raw); err == nil {
			e.trusted = append(e.trusted, prefix.Masked())
			continue
		}
		if addr, err := netip.ParseAddr(raw); err == nil {
			addr = addr.Unmap()
			e.trusted = append(e.trusted, netip.PrefixFrom(addr, addr.BitLen()))
		}
	}
	return e
}

// Trusts reports whether ip lies inside a trusted proxy range.
func (e *ClientIPExtractor) Trusts(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, prefix := range e.trusted {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

// Extract returns the client address of r. Behind a trusted peer the
// X-Forwarded-For chain is walked from the right and the first untrusted hop
// wins; X-Real-IP is the fallback when the chain is absent.
func (e *ClientIPExtractor) Extract(r *http.Request) string {
	peer := peerAddress(r.RemoteAddr)
	if len(e.trusted) == 0 || !e.Trusts(peer) {
		return peer
	}

	if chain := r.Header.Get(HeaderXForwardedFor); chain != "" {
		hops := strings.Split(chain, ",")
		for i := len(hops) - 1; i >= 0; i-- {
			hop := strings.TrimSpace(hops[i])
			if hop != "" && !e.Trusts(hop) {
				return hop
			}
		}
		return peer
	}
	if realIP := strings.TrimSpace(r.Header.Get(HeaderXRealIP)); realIP != "" {
		return realIP
	}
	return peer
}

func peerAddress(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
