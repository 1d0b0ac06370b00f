package middleware

// HTTP header constants.
const (
	// HeaderXRequestID carries the correlation id in both directions.
	HeaderXRequestID = "X-Request-ID"

	// HeaderXForwardedFor is the proxy chain header.
	HeaderXForwardedFor = "X-Forwarded-For"

	// HeaderXRealIP is the single-hop forwarding header set by some proxies.
	HeaderXRealIP = "X-Real-IP"

	// HeaderXTenantID is the response header naming the resolved tenant.
	HeaderXTenantID = "X-Tenant-ID"

	// HeaderXCache reports HIT or MISS for cacheable requests.
	HeaderXCache = "X-Cache"

	// HeaderXBackendID names the instance that served the request.
	HeaderXBackendID = "X-Backend-ID"
)
