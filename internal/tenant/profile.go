package tenant

import (
	"sort"
	"time"

	"github.com/vyrodovalexey/avatraffic/internal/config"
)

// CacheStrategy controls how aggressively a tenant's reads are cached.
type CacheStrategy string

// Cache strategies.
const (
	CacheAggressive CacheStrategy = "aggressive"
	CacheBalanced   CacheStrategy = "balanced"
	CacheMinimal    CacheStrategy = "minimal"
)

// strategyDefaults are applied when a profile leaves TTL or size unset.
var strategyDefaults = map[CacheStrategy]struct {
	ttl        time.Duration
	maxEntries int
}{
	CacheAggressive: {ttl: 10 * time.Minute, maxEntries: 10000},
	CacheBalanced:   {ttl: 2 * time.Minute, maxEntries: 2000},
	CacheMinimal:    {ttl: 30 * time.Second, maxEntries: 200},
}

// Profile is the immutable policy attached to every request of a tenant.
type Profile struct {
	ID                 string
	PathPrefixes       []string
	MaxConcurrentUsers int
	CacheStrategy      CacheStrategy
	CacheTTL           time.Duration
	CacheMaxEntries    int
	LoadBalancing      string
	RequestTimeout     time.Duration
	QueueConcurrency   map[string]int
	RateLimits         []config.EndpointLimit
	Backends           []config.BackendConfig
}

// NewProfile builds a Profile from configuration, resolving cache TTL and
// size from the strategy when they are not set explicitly.
func NewProfile(cfg *config.TenantProfile) *Profile {
	strategy := CacheStrategy(cfg.CacheStrategy)
	defaults, ok := strategyDefaults[strategy]
	if !ok {
		strategy = CacheBalanced
		defaults = strategyDefaults[CacheBalanced]
	}

	p := &Profile{
		ID:                 cfg.ID,
		PathPrefixes:       append([]string(nil), cfg.PathPrefixes...),
		MaxConcurrentUsers: cfg.MaxConcurrentUsers,
		CacheStrategy:      strategy,
		CacheTTL:           cfg.CacheTTL.OrDefault(defaults.ttl),
		CacheMaxEntries:    cfg.CacheMaxEntries,
		LoadBalancing:      cfg.LoadBalancing,
		RequestTimeout:     cfg.RequestTimeout.OrDefault(config.DefaultRequestTimeout),
		QueueConcurrency:   make(map[string]int, len(cfg.QueueConcurrency)),
		RateLimits:         append([]config.EndpointLimit(nil), cfg.RateLimits...),
		Backends:           append([]config.BackendConfig(nil), cfg.Backends...),
	}
	if p.CacheMaxEntries <= 0 {
		p.CacheMaxEntries = defaults.maxEntries
	}
	if p.LoadBalancing == "" {
		p.LoadBalancing = config.DefaultLoadBalancing
	}
	for tier, n := range cfg.QueueConcurrency {
		p.QueueConcurrency[tier] = n
	}
	// Longest first so the most specific prefix is stripped.
	sort.SliceStable(p.PathPrefixes, func(i, j int) bool {
		return len(p.PathPrefixes[i]) > len(p.PathPrefixes[j])
	})
	return p
}

// QueueLimit returns the tenant's concurrency cap for a tier, 0 meaning
// only the tier-wide ceiling applies.
func (p *Profile) QueueLimit(tier string) int {
	if p == nil {
		return 0
	}
	return p.QueueConcurrency[tier]
}
