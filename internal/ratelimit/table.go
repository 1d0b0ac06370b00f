package ratelimit

import (
	"sort"
	"strings"

	"github.com/vyrodovalexey/avatraffic/internal/config"
	"github.com/vyrodovalexey/avatraffic/internal/tenant"
)

// DefaultEndpoint is the endpoint class of requests no rule matches.
const DefaultEndpoint = "default"

type rule struct {
	prefix string
	limit  Limit
}

// Table resolves the limit of a (tenant, path) pair. Tenant overrides win
// over the global endpoint rules, which win over the default limit. Within
// a rule set the longest matching path prefix is used.
type Table struct {
	def       Limit
	global    []rule
	overrides map[string][]rule
}

// NewTable builds a Table from the global rate-limit configuration and the
// tenant profiles.
func NewTable(cfg *config.RateLimitConfig, profiles []*tenant.Profile) *Table {
	t := &Table{
		def: Limit{
			Name:     DefaultEndpoint,
			Requests: cfg.Default.Requests,
			Window:   cfg.Default.Window.OrDefault(config.DefaultRateLimitWindow),
		},
		global:    buildRules(cfg.Endpoints, cfg.Default.Window),
		overrides: make(map[string][]rule, len(profiles)),
	}
	for _, p := range profiles {
		if len(p.RateLimits) > 0 {
			t.overrides[p.ID] = buildRules(p.RateLimits, cfg.Default.Window)
		}
	}
	return t
}

func buildRules(endpoints []config.EndpointLimit, defaultWindow config.Duration) []rule {
	rules := make([]rule, 0, len(endpoints))
	for _, ep := range endpoints {
		name := ep.Name
		if name == "" {
			name = ep.PathPrefix
		}
		rules = append(rules, rule{
			prefix: ep.PathPrefix,
			limit: Limit{
				Name:     name,
				Requests: ep.Requests,
				Window:   ep.Window.OrDefault(defaultWindow.OrDefault(config.DefaultRateLimitWindow)),
			},
		})
	}
	sort.SliceStable(rules, func(i, j int) bool {
		return len(rules[i].prefix) > len(rules[j].prefix)
	})
	return rules
}

// Resolve returns the limit for a request path of a tenant.
func (t *Table) Resolve(tenantID, path string) Limit {
	if l, ok := match(t.overrides[tenantID], path); ok {
		return l
	}
	if l, ok := match(t.global, path); ok {
		return l
	}
	return t.def
}

// Default returns the fallback limit.
func (t *Table) Default() Limit {
	return t.def
}

func match(rules []rule, path string) (Limit, bool) {
	for _, r := range rules {
		if tenant.MatchPrefix(r.prefix, path) {
			return r.limit, true
		}
	}
	return Limit{}, false
}

// EndpointClass names the endpoint a request is counted under: the name of
// the matched rule, or the first path segment when only the default limit
// applies.
func EndpointClass(limit Limit, path string) string {
	if limit.Name != DefaultEndpoint {
		return limit.Name
	}
	trimmed := strings.TrimPrefix(path, "/")
	if i := strings.IndexByte(trimmed, '/'); i >= 0 {
		trimmed = trimmed[:i]
	}
	return "/" + trimmed
}
