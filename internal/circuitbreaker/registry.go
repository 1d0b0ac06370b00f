package circuitbreaker

import (
	"sort"
	"sync"

	"k8s.io/utils/clock"

	"github.com/vyrodovalexey/avatraffic/internal/config"
	"github.com/vyrodovalexey/avatraffic/internal/observability"
)

type breakerKey struct {
	tenantID string
	endpoint string
}

// Registry lazily creates one breaker per (tenant, endpoint) pair.
type Registry struct {
	breakers sync.Map
	settings Settings
	enabled  bool
	clock    clock.PassiveClock
	logger   observability.Logger
	metrics  *Metrics
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithClock sets the clock shared by all breakers.
func WithClock(c clock.PassiveClock) RegistryOption {
	return func(r *Registry) {
		if c != nil {
			r.clock = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) RegistryOption {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRegistry creates a registry from configuration.
func NewRegistry(cfg *config.CircuitBreakerConfig, opts ...RegistryOption) *Registry {
	r := &Registry{
		settings: Settings{
			FailureThreshold: cfg.FailureThreshold,
			ResetTimeout:     cfg.ResetTimeout.Duration(),
			TrackingWindow:   cfg.TrackingWindow.Duration(),
		}.normalized(),
		enabled: cfg.Enabled,
		clock:   clock.RealClock{},
		logger:  observability.NopLogger(),
		metrics: GetBreakerMetrics(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Enabled reports whether breakers are consulted at all.
func (r *Registry) Enabled() bool {
	return r.enabled
}

// Get returns the breaker of the pair, creating it on first use.
func (r *Registry) Get(tenantID, endpoint string) *Breaker {
	key := breakerKey{tenantID: tenantID, endpoint: endpoint}
	if value, ok := r.breakers.Load(key); ok {
		return value.(*Breaker)
	}

	b := NewBreaker(tenantID, endpoint, r.settings, r.clock, r.logger)
	b.onChange = func(b *Breaker, from, to State) {
		r.metrics.recordStateChange(b.tenantID, b.endpoint, from, to)
	}

	actual, loaded := r.breakers.LoadOrStore(key, b)
	if !loaded {
		r.metrics.state.WithLabelValues(tenantID, endpoint).Set(float64(StateClosed))
		r.logger.Debug("created circuit breaker",
			observability.String("tenant", tenantID),
			observability.String("endpoint", endpoint),
		)
	}
	return actual.(*Breaker)
}

// Allow asks the pair's breaker for a ticket. A disabled registry hands out
// tickets that report nowhere.
func (r *Registry) Allow(tenantID, endpoint string) (*Ticket, error) {
	if !r.enabled {
		return &Ticket{}, nil
	}
	t, err := r.Get(tenantID, endpoint).Allow()
	if err != nil {
		r.metrics.recordRejected(tenantID, endpoint)
	}
	return t, err
}

// Snapshot lists every breaker sorted by tenant then endpoint.
func (r *Registry) Snapshot() []Snapshot {
	out := make([]Snapshot, 0)
	r.breakers.Range(func(_, value any) bool {
		out = append(out, value.(*Breaker).Snapshot())
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].TenantID != out[j].TenantID {
			return out[i].TenantID < out[j].TenantID
		}
		return out[i].Endpoint < out[j].Endpoint
	})
	return out
}

// ResetAll forces every breaker closed.
func (r *Registry) ResetAll() {
	r.breakers.Range(func(_, value any) bool {
		value.(*Breaker).Reset()
		return true
	})
	r.logger.Info("reset all circuit breakers")
}

// Count returns the number of breakers created so far.
func (r *Registry) Count() int {
	n := 0
	r.breakers.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
