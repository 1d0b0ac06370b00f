package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sort"
	"strings"

	"k8s.io/utils/clock"

	"github.com/vyrodovalexey/avatraffic/internal/config"
	"github.com/vyrodovalexey/avatraffic/internal/observability"
	"github.com/vyrodovalexey/avatraffic/internal/tenant"
)

// ErrUnknownTenant is returned for operations on a tenant without a cache.
var ErrUnknownTenant = errors.New("no cache for tenant")

// Manager owns one MultiTier per tenant, all sharing one distributed tier.
type Manager struct {
	enabled     bool
	keyHeaders  []string
	prefixes    map[string][]string
	tiers       map[string]*MultiTier
	strategies  map[string]tenant.CacheStrategy
	distributed Tier
	clock       clock.PassiveClock
	logger      observability.Logger
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithClock sets the clock shared by every local tier.
func WithClock(c clock.PassiveClock) ManagerOption {
	return func(m *Manager) {
		m.clock = c
	}
}

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// NewManager builds a tenant cache for every profile. distributed may be
// nil, in which case each tenant caches locally only.
func NewManager(
	cfg *config.CacheConfig,
	profiles []*tenant.Profile,
	distributed Tier,
	opts ...ManagerOption,
) *Manager {
	m := &Manager{
		enabled:     cfg.Enabled,
		keyHeaders:  canonicalHeaders(cfg.KeyHeaders, cfg.IdentityHeaders),
		prefixes:    make(map[string][]string, len(profiles)),
		tiers:       make(map[string]*MultiTier, len(profiles)),
		strategies:  make(map[string]tenant.CacheStrategy, len(profiles)),
		distributed: distributed,
		clock:       clock.RealClock{},
		logger:      observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(m)
	}

	for _, p := range profiles {
		local := NewMemoryTier(p.CacheMaxEntries,
			WithName(p.ID),
			WithMemoryClock(m.clock),
			WithMemoryLogger(m.logger),
		)
		m.tiers[p.ID] = NewMultiTier(p.ID, local, distributed, p.CacheTTL, m.logger)
		m.strategies[p.ID] = p.CacheStrategy
		m.prefixes[p.ID] = p.PathPrefixes
	}

	m.logger.Info("cache manager initialized",
		observability.Bool("enabled", m.enabled),
		observability.Bool("distributed", distributed != nil),
		observability.Int("tenants", len(m.tiers)))
	return m
}

// Enabled reports whether response caching is on.
func (m *Manager) Enabled() bool {
	return m.enabled
}

// Distributed reports whether a shared distributed tier is configured.
func (m *Manager) Distributed() bool {
	return m.distributed != nil
}

// For returns the cache of tenantID.
func (m *Manager) For(tenantID string) (*MultiTier, bool) {
	t, ok := m.tiers[tenantID]
	return t, ok
}

// Strategy returns the cache strategy of tenantID.
func (m *Manager) Strategy(tenantID string) tenant.CacheStrategy {
	if s, ok := m.strategies[tenantID]; ok {
		return s
	}
	return tenant.CacheBalanced
}

// KeyFor builds the cache key of a read request for tenantID.
func (m *Manager) KeyFor(r *http.Request, tenantID string) string {
	return KeyFor(r, tenantID, m.Resource(r.URL.Path, tenantID), m.keyHeaders)
}

// Resource returns the resource type path belongs to for tenantID.
func (m *Manager) Resource(path, tenantID string) string {
	return ResourceType(path, m.prefixes[tenantID])
}

// Invalidate removes every cached response of the resource type of
// resource for tenantID, so "/items/1" also drops "/items" and "/items/2".
func (m *Manager) Invalidate(ctx context.Context, tenantID, resource string) (int, error) {
	t, ok := m.tiers[tenantID]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownTenant, tenantID)
	}
	return t.Invalidate(ctx, ResourcePattern(tenantID, m.Resource(resource, tenantID)))
}

// InvalidateTenant removes every cached response of tenantID.
func (m *Manager) InvalidateTenant(ctx context.Context, tenantID string) (int, error) {
	t, ok := m.tiers[tenantID]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownTenant, tenantID)
	}
	return t.Invalidate(ctx, "t:"+escapeGlob(tenantID)+":*")
}

// Sweep removes expired local entries across tenants.
func (m *Manager) Sweep() int {
	total := 0
	for _, t := range m.tiers {
		total += t.local.Sweep()
	}
	return total
}

// SweepTask returns a scheduler task running Sweep.
func (m *Manager) SweepTask() func(context.Context) {
	return func(context.Context) {
		if n := m.Sweep(); n > 0 {
			m.logger.Debug("expired cache entries swept", observability.Int("count", n))
		}
	}
}

// Sizes returns the local entry count per tenant.
func (m *Manager) Sizes() map[string]int {
	out := make(map[string]int, len(m.tiers))
	for id, t := range m.tiers {
		out[id] = t.local.Len()
	}
	return out
}

// Close releases every tier.
func (m *Manager) Close() error {
	for _, t := range m.tiers {
		_ = t.local.Close()
	}
	if m.distributed != nil {
		return m.distributed.Close()
	}
	return nil
}

// KeyFor builds t:<tenant>:r:<resource>:<sha256> where the hash covers the
// method, path, sorted query and the listed request headers.
func KeyFor(r *http.Request, tenantID, resource string, keyHeaders []string) string {
	h := sha256.New()
	h.Write([]byte(r.Method))
	h.Write([]byte{0})
	h.Write([]byte(r.URL.Path))
	h.Write([]byte{0})
	h.Write([]byte(r.URL.Query().Encode()))
	for _, name := range keyHeaders {
		h.Write([]byte{0})
		h.Write([]byte(strings.ToLower(name)))
		h.Write([]byte{'='})
		h.Write([]byte(strings.Join(r.Header.Values(name), ",")))
	}
	return "t:" + tenantID + ":r:" + resource + ":" + hex.EncodeToString(h.Sum(nil))
}

// ResourceType returns the first path segment after the longest matching
// tenant prefix, kept under that prefix: with prefix "/shop" the path
// "/shop/items/1" belongs to "/shop/items". prefixes must be sorted
// longest first.
func ResourceType(path string, prefixes []string) string {
	base := ""
	for _, prefix := range prefixes {
		if tenant.MatchPrefix(prefix, path) {
			base = strings.TrimSuffix(prefix, "/")
			path = path[len(prefix):]
			break
		}
	}
	segment := strings.TrimPrefix(path, "/")
	if i := strings.IndexByte(segment, '/'); i >= 0 {
		segment = segment[:i]
	}
	switch {
	case segment != "":
		return base + "/" + segment
	case base != "":
		return base
	default:
		return "/"
	}
}

// ResourcePattern matches every key cached for resource of tenantID.
func ResourcePattern(tenantID, resource string) string {
	return "t:" + escapeGlob(tenantID) + ":r:" + escapeGlob(resource) + ":*"
}

// Cacheable reports whether a response may be stored under strategy.
func Cacheable(strategy tenant.CacheStrategy, status int, header http.Header) bool {
	cc := strings.ToLower(header.Get("Cache-Control"))
	if strings.Contains(cc, "no-store") || strings.Contains(cc, "private") {
		return false
	}
	if header.Get("Set-Cookie") != "" {
		return false
	}
	switch status {
	case http.StatusOK:
		return true
	case http.StatusNonAuthoritativeInfo, http.StatusNoContent, http.StatusMovedPermanently:
		return strategy != tenant.CacheMinimal
	case http.StatusNotFound, http.StatusGone:
		return strategy == tenant.CacheAggressive
	default:
		return false
	}
}

func canonicalHeaders(lists ...[]string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, n := range slices.Concat(lists...) {
		c := http.CanonicalHeaderKey(strings.TrimSpace(n))
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}
