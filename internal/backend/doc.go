// Package backend provides the per-tenant health registry and load
// balancer for downstream instances.
//
// Instances are created once from configuration and never removed; health
// probes only move them between HEALTHY and UNHEALTHY. Every tenant owns a
// Pool of its instances and a Balancer chosen by its profile.
//
// # Features
//
//   - Algorithms: round-robin, least-connections, weighted-round-robin,
//     ip-hash and response-time
//   - Failover to least-connections when the chosen instance becomes
//     unavailable between selection and dispatch
//   - Exact connection accounting through single-release leases
//   - Per-instance HTTP or gRPC health probes driven by the scheduler
//   - Sustained-overload detection feeding a scaling signal sink
//
// # Dispatch
//
//	lease, err := registry.Pool("app1").Acquire(ctx, clientIP)
//	if err != nil {
//	    return err // NoHealthyBackendError
//	}
//	resp, err := call(lease.Instance())
//	lease.Release(elapsed, err)
package backend
