// Package admin serves the operator API of the control plane: liveness and
// readiness probes, Prometheus metrics, state introspection for backends,
// breakers, admission counters and the job queue, and two actions, job
// submission and cache invalidation.
//
// The API listens on its own address so it stays reachable while the data
// plane sheds load.
package admin
