// Package circuitbreaker implements the per (tenant, endpoint) circuit
// breakers consulted by admission control.
//
// A breaker is CLOSED until failureThreshold consecutive downstream
// failures land within the tracking window. It then rejects every request
// until resetTimeout has passed since the last failure, after which the
// next request is let through alone as a HALF_OPEN probe. The probe's
// outcome closes or re-opens the breaker.
//
// Callers obtain a Ticket from Allow and report exactly one outcome on it.
// Outcomes reported on tickets issued before a state change are ignored.
package circuitbreaker
