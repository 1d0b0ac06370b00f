package backend

import (
	"context"
	"errors"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/vyrodovalexey/avatraffic/internal/config"
	"github.com/vyrodovalexey/avatraffic/internal/observability"
	"github.com/vyrodovalexey/avatraffic/internal/scaling"
	"github.com/vyrodovalexey/avatraffic/internal/scheduler"
)

// OverloadDetector watches per-tenant utilisation and emits a scaling
// signal once a tenant stays over the threshold for enough consecutive
// checks. Signals are throttled per tenant by the cooldown.
type OverloadDetector struct {
	registry  *Registry
	sink      scaling.Sink
	threshold float64
	sustained int
	interval  time.Duration
	clock     clock.PassiveClock
	logger    observability.Logger
	metrics   *Metrics

	mu      sync.Mutex
	streaks map[string]int
}

// OverloadOption configures an OverloadDetector.
type OverloadOption func(*OverloadDetector)

// WithOverloadClock sets the clock.
func WithOverloadClock(c clock.PassiveClock) OverloadOption {
	return func(d *OverloadDetector) {
		d.clock = c
	}
}

// WithOverloadLogger sets the logger.
func WithOverloadLogger(logger observability.Logger) OverloadOption {
	return func(d *OverloadDetector) {
		d.logger = logger
	}
}

// NewOverloadDetector creates a detector emitting to sink.
func NewOverloadDetector(registry *Registry, cfg config.ScalingConfig, sink scaling.Sink, opts ...OverloadOption) *OverloadDetector {
	d := &OverloadDetector{
		registry:  registry,
		threshold: cfg.UtilizationThreshold,
		sustained: cfg.SustainedChecks,
		interval:  cfg.CheckInterval.OrDefault(config.DefaultScalingInterval),
		clock:     clock.RealClock{},
		logger:    observability.NopLogger(),
		metrics:   GetMetrics(),
		streaks:   make(map[string]int),
	}
	if d.threshold <= 0 {
		d.threshold = config.DefaultScalingThreshold
	}
	if d.sustained <= 0 {
		d.sustained = config.DefaultScalingChecks
	}
	for _, opt := range opts {
		opt(d)
	}
	if sink == nil {
		sink = scaling.NopSink{}
	}
	d.sink = scaling.NewThrottled(sink, cfg.Cooldown.OrDefault(config.DefaultScalingCooldown), d.clock)
	return d
}

// Register adds the periodic check to s.
func (d *OverloadDetector) Register(s *scheduler.Scheduler) error {
	return s.Every("scaling:overload", d.interval, d.Check)
}

// Check samples every pool once.
func (d *OverloadDetector) Check(ctx context.Context) {
	for _, pool := range d.registry.Pools() {
		d.checkPool(ctx, pool)
	}
}

func (d *OverloadDetector) checkPool(ctx context.Context, pool *Pool) {
	ratio, healthy, total := pool.Utilization()
	d.metrics.utilization.WithLabelValues(pool.TenantID()).Set(ratio)

	overloaded := healthy == 0 || ratio > d.threshold

	d.mu.Lock()
	if overloaded {
		d.streaks[pool.TenantID()]++
	} else {
		d.streaks[pool.TenantID()] = 0
	}
	streak := d.streaks[pool.TenantID()]
	d.mu.Unlock()

	if streak < d.sustained {
		return
	}

	reason := scaling.ReasonSustainedOverload
	if healthy == 0 {
		reason = scaling.ReasonNoHealthyInstance
	}
	sig := scaling.Signal{
		TenantID:         pool.TenantID(),
		Reason:           reason,
		Utilization:      ratio,
		HealthyInstances: healthy,
		TotalInstances:   total,
		At:               d.clock.Now(),
	}

	err := d.sink.Emit(ctx, sig)
	switch {
	case err == nil:
		d.metrics.overloadSignals.WithLabelValues(pool.TenantID()).Inc()
	case errors.Is(err, scaling.ErrThrottled):
		// inside the cooldown
	default:
		d.logger.Error("failed to emit scaling signal",
			observability.String("tenant", pool.TenantID()),
			observability.Error(err),
		)
	}
}

// Streak returns the tenant's current count of consecutive overloaded checks.
func (d *OverloadDetector) Streak(tenantID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.streaks[tenantID]
}
