// Package health serves the liveness and readiness probes of the control
// plane.
//
// Liveness only reports that the process is answering. Readiness runs
// every registered check concurrently under a deadline and fails when
// any critical check fails:
//
//	h := health.NewHandler(logger)
//	h.AddCheck(health.BackendsCheck(registry))
//	h.AddCheck(health.RedisHealthCheck("redis", client))
//	h.RegisterRoutes(engine)
package health
