package backend

import (
	"context"
	"sync"

	"github.com/vyrodovalexey/avatraffic/internal/config"
	"github.com/vyrodovalexey/avatraffic/internal/observability"
	"github.com/vyrodovalexey/avatraffic/internal/util"
)

// RedistributionFunc is called after a pool recomputes effective weights.
// healthy lists the instances still eligible for traffic.
type RedistributionFunc func(tenantID string, healthy []*Instance)

// Pool holds one tenant's instances and its balancing algorithm.
// Instances are fixed at construction and never removed.
type Pool struct {
	tenantID  string
	instances []*Instance
	balancer  Balancer
	fallback  LeastConnections
	logger    observability.Logger
	metrics   *Metrics

	mu        sync.Mutex
	listeners []RedistributionFunc
}

// NewPool creates a pool for a tenant.
func NewPool(tenantID, algorithm string, backends []config.BackendConfig, logger observability.Logger) (*Pool, error) {
	balancer, err := NewBalancer(algorithm)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = observability.NopLogger()
	}

	p := &Pool{
		tenantID:  tenantID,
		instances: make([]*Instance, 0, len(backends)),
		balancer:  balancer,
		logger:    logger,
		metrics:   GetMetrics(),
	}
	for _, b := range backends {
		p.instances = append(p.instances, NewInstance(tenantID, b))
	}
	p.Redistribute()
	return p, nil
}

// TenantID returns the owning tenant.
func (p *Pool) TenantID() string {
	return p.tenantID
}

// Algorithm returns the balancer name.
func (p *Pool) Algorithm() string {
	return p.balancer.Name()
}

// Instances returns every instance in registration order.
func (p *Pool) Instances() []*Instance {
	out := make([]*Instance, len(p.instances))
	copy(out, p.instances)
	return out
}

// Instance returns the instance with the given id.
func (p *Pool) Instance(id string) (*Instance, bool) {
	for _, inst := range p.instances {
		if inst.ID == id {
			return inst, true
		}
	}
	return nil, false
}

// Healthy returns the instances eligible for traffic.
func (p *Pool) Healthy() []*Instance {
	out := make([]*Instance, 0, len(p.instances))
	for _, inst := range p.instances {
		if inst.Eligible() {
			out = append(out, inst)
		}
	}
	return out
}

// OnRedistribute registers fn to run after every redistribution.
func (p *Pool) OnRedistribute(fn RedistributionFunc) {
	p.mu.Lock()
	p.listeners = append(p.listeners, fn)
	p.mu.Unlock()
}

// Acquire picks an instance with the tenant's algorithm and reserves a
// connection slot on it. When the chosen instance became unavailable
// between selection and dispatch, least-connections over the remaining
// available instances is used instead. The returned lease must be
// released exactly once.
func (p *Pool) Acquire(ctx context.Context, clientIP string) (*Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if chosen := p.balancer.Select(p.Healthy(), clientIP); chosen != nil && chosen.tryAcquire() {
		return p.lease(chosen), nil
	}

	for range p.instances {
		available := make([]*Instance, 0, len(p.instances))
		for _, inst := range p.instances {
			if inst.Available() {
				available = append(available, inst)
			}
		}
		chosen := p.fallback.Select(available, clientIP)
		if chosen == nil {
			break
		}
		if chosen.tryAcquire() {
			p.metrics.fallbacks.WithLabelValues(p.tenantID).Inc()
			p.logger.Debug("balancer fell back to least-connections",
				observability.String("tenant", p.tenantID),
				observability.String("instance", chosen.ID),
			)
			return p.lease(chosen), nil
		}
	}

	p.metrics.noHealthy.WithLabelValues(p.tenantID).Inc()
	return nil, util.NewNoHealthyBackendError(p.tenantID)
}

func (p *Pool) lease(inst *Instance) *Lease {
	p.metrics.selections.WithLabelValues(p.tenantID, inst.ID).Inc()
	p.metrics.activeConnections.WithLabelValues(p.tenantID, inst.ID).Inc()
	return &Lease{instance: inst, metrics: p.metrics}
}

// Redistribute recomputes each instance's share of the healthy weight
// and notifies listeners.
func (p *Pool) Redistribute() {
	healthy := p.Healthy()
	total := 0
	for _, inst := range healthy {
		total += inst.Weight
	}

	for _, inst := range p.instances {
		share := 0.0
		if inst.Eligible() && total > 0 {
			share = float64(inst.Weight) / float64(total)
		}
		inst.setEffectiveWeight(share)
		p.metrics.effectiveWeight.WithLabelValues(p.tenantID, inst.ID).Set(share)
		p.metrics.recordStatus(inst)
	}

	p.mu.Lock()
	listeners := make([]RedistributionFunc, len(p.listeners))
	copy(listeners, p.listeners)
	p.mu.Unlock()

	for _, fn := range listeners {
		fn(p.tenantID, healthy)
	}
}

// Utilization returns active connections over capacity across the
// healthy instances, with the healthy and total instance counts.
// Instances without a connection ceiling add no capacity.
func (p *Pool) Utilization() (ratio float64, healthy, total int) {
	var active, capacity int64
	for _, inst := range p.instances {
		if !inst.Eligible() {
			continue
		}
		healthy++
		if inst.MaxConnections > 0 {
			active += inst.ActiveConnections()
			capacity += int64(inst.MaxConnections)
		}
	}
	if capacity > 0 {
		ratio = float64(active) / float64(capacity)
	}
	return ratio, healthy, len(p.instances)
}

// PoolSnapshot is a JSON-friendly view of a pool.
type PoolSnapshot struct {
	TenantID  string     `json:"tenant"`
	Algorithm string     `json:"algorithm"`
	Healthy   int        `json:"healthy"`
	Instances []Snapshot `json:"instances"`
}

// Snapshot returns the pool's current state.
func (p *Pool) Snapshot() PoolSnapshot {
	s := PoolSnapshot{
		TenantID:  p.tenantID,
		Algorithm: p.Algorithm(),
		Instances: make([]Snapshot, 0, len(p.instances)),
	}
	for _, inst := range p.instances {
		if inst.Eligible() {
			s.Healthy++
		}
		s.Instances = append(s.Instances, inst.Snapshot())
	}
	return s
}
