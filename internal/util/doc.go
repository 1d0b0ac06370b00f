// Package util provides the error taxonomy shared by every control-plane
// component and the helpers that turn it into HTTP responses.
//
// # Error Types
//
//   - AdmissionRejectedError: rate limited or shed, retryable with a hint
//   - CircuitOpenError: breaker tripped, retryable after the reset timeout
//   - NoHealthyBackendError: no instance can take the request right now
//   - DownstreamTimeoutError: the tenant request timeout expired
//   - DownstreamError: the downstream handler failed or answered 4xx/5xx
//   - CacheUnavailableError: never surfaced, logged and treated as a miss
//   - JobFailedError: a queue job attempt failed
//
// # HTTP Mapping
//
//	status := util.HTTPStatus(err)
//	util.WriteError(w, err, requestID)
//
// WriteError renders a JSON body carrying the error class, message,
// retry hint and correlation id, and sets Retry-After when a hint exists.
package util
