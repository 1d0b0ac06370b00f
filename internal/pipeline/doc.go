// Package pipeline is the data-plane request path.
//
// Every request is tagged with a request id, classified to a tenant and
// run through admission control. Reads are served from the tenant's cache
// when possible and collapsed with identical in-flight reads otherwise.
// What remains is dispatched to an instance picked by the tenant's load
// balancer under the tenant's request timeout, and the outcome is fed back
// to the circuit breaker and the cache. Successful writes invalidate the
// cached copies of their resource through a HIGH-tier queue job.
package pipeline
