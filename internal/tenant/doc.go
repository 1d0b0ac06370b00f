// Package tenant classifies inbound requests into one of the configured
// tenant profiles and carries the chosen profile through the request
// context.
//
// Classification order, first match wins:
//
//  1. subdomain (first label of Host, or the full host)
//  2. URL path prefix (segment boundary, longest prefix wins)
//  3. tenant header (X-App-Id by default) naming a profile id
//  4. the configured default tenant
//
// Profiles are built once at startup and never mutated:
//
//	router, err := tenant.NewRouter(cfg.Tenants)
//	handler := router.Middleware()(next)
//
//	p, _ := tenant.FromContext(r.Context())
//	timeout := p.RequestTimeout
package tenant
