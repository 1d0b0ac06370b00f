package backend

import (
	"fmt"

	"github.com/vyrodovalexey/avatraffic/internal/observability"
	"github.com/vyrodovalexey/avatraffic/internal/tenant"
)

// Registry holds one pool per tenant. It is built once from the tenant
// profiles and never changes shape afterwards.
type Registry struct {
	pools map[string]*Pool
	order []string
}

// NewRegistry builds a pool for every profile.
func NewRegistry(profiles []*tenant.Profile, logger observability.Logger) (*Registry, error) {
	if logger == nil {
		logger = observability.NopLogger()
	}

	r := &Registry{
		pools: make(map[string]*Pool, len(profiles)),
		order: make([]string, 0, len(profiles)),
	}
	for _, p := range profiles {
		if _, ok := r.pools[p.ID]; ok {
			return nil, fmt.Errorf("duplicate tenant %q", p.ID)
		}
		pool, err := NewPool(p.ID, p.LoadBalancing, p.Backends, logger.With(observability.String("tenant", p.ID)))
		if err != nil {
			return nil, fmt.Errorf("tenant %s: %w", p.ID, err)
		}
		r.pools[p.ID] = pool
		r.order = append(r.order, p.ID)
	}
	return r, nil
}

// Pool returns the tenant's pool.
func (r *Registry) Pool(tenantID string) (*Pool, bool) {
	p, ok := r.pools[tenantID]
	return p, ok
}

// Pools returns every pool in profile order.
func (r *Registry) Pools() []*Pool {
	out := make([]*Pool, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.pools[id])
	}
	return out
}

// Instances returns every instance of every tenant.
func (r *Registry) Instances() []*Instance {
	var out []*Instance
	for _, p := range r.Pools() {
		out = append(out, p.instances...)
	}
	return out
}

// Unready returns the tenants that have no instance eligible for traffic.
func (r *Registry) Unready() []string {
	var out []string
	for _, p := range r.Pools() {
		if len(p.Healthy()) == 0 {
			out = append(out, p.TenantID())
		}
	}
	return out
}

// Snapshot returns the state of every pool.
func (r *Registry) Snapshot() []PoolSnapshot {
	out := make([]PoolSnapshot, 0, len(r.order))
	for _, p := range r.Pools() {
		out = append(out, p.Snapshot())
	}
	return out
}
