package queue

import (
	"sync"

	"github.com/vyrodovalexey/avatraffic/internal/tenant"
)

type gateKey struct {
	tenantID string
	tier     Tier
}

// tenantGate caps how many jobs of one tenant run at once in a tier.
type tenantGate struct {
	limits map[gateKey]int

	mu     sync.Mutex
	active map[gateKey]int
}

func newTenantGate(profiles []*tenant.Profile) *tenantGate {
	g := &tenantGate{
		limits: make(map[gateKey]int),
		active: make(map[gateKey]int),
	}
	for _, p := range profiles {
		for _, t := range Tiers {
			if n := p.QueueLimit(t.String()); n > 0 {
				g.limits[gateKey{p.ID, t}] = n
			}
		}
	}
	return g
}

// acquire reserves a slot. Jobs without a tenant or without a configured
// cap always pass.
func (g *tenantGate) acquire(tenantID string, tier Tier) bool {
	if tenantID == "" {
		return true
	}
	key := gateKey{tenantID, tier}
	limit, ok := g.limits[key]
	if !ok {
		return true
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.active[key] >= limit {
		return false
	}
	g.active[key]++
	return true
}

func (g *tenantGate) release(tenantID string, tier Tier) {
	key := gateKey{tenantID, tier}
	if _, ok := g.limits[key]; !ok || tenantID == "" {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.active[key] > 0 {
		g.active[key]--
	}
}

func (g *tenantGate) inFlight(tenantID string, tier Tier) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active[gateKey{tenantID, tier}]
}
