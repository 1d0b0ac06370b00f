// Package middleware provides the HTTP middleware wrapped around the
// data-plane handler.
//
// # Middleware Components
//
//   - Request ID: correlation id injection, echoed in error bodies
//   - Recovery: panic recovery rendered as a structured 500
//   - Logging: structured access logging
//   - Client IP: trusted proxy-aware client address extraction
//
// # Usage
//
//	handler := middleware.RequestID()(
//	    middleware.Recovery(logger)(
//	        middleware.Logging(logger, extractor)(yourHandler),
//	    ),
//	)
package middleware
