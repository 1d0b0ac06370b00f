package backend

import (
	"sync/atomic"
	"time"
)

// Lease is one reserved connection slot on an instance.
type Lease struct {
	instance *Instance
	metrics  *Metrics
	released atomic.Bool
}

// Instance returns the leased instance.
func (l *Lease) Instance() *Instance {
	return l.instance
}

// Release frees the slot and records the observed response time, for
// failed requests too. Calls after the first are no-ops.
func (l *Lease) Release(elapsed time.Duration, _ error) {
	if !l.released.CompareAndSwap(false, true) {
		return
	}
	inst := l.instance
	inst.active.Add(-1)
	l.metrics.activeConnections.WithLabelValues(inst.TenantID, inst.ID).Dec()

	if elapsed > 0 {
		inst.observe(elapsed)
		l.metrics.responseTime.WithLabelValues(inst.TenantID).Observe(elapsed.Seconds())
	}
}
