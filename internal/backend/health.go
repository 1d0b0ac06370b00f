package backend

import (
	"context"
	"fmt"
	"io"
	"time"

	"k8s.io/utils/clock"

	"github.com/vyrodovalexey/avatraffic/internal/config"
	"github.com/vyrodovalexey/avatraffic/internal/observability"
	"github.com/vyrodovalexey/avatraffic/internal/scheduler"
)

// HealthChecker probes every instance on its own schedule and moves it
// between HEALTHY and UNHEALTHY.
type HealthChecker struct {
	registry  *Registry
	prober    Prober
	interval  time.Duration
	timeout   time.Duration
	threshold int64
	clock     clock.PassiveClock
	logger    observability.Logger
	metrics   *Metrics
}

// HealthOption configures a HealthChecker.
type HealthOption func(*HealthChecker)

// WithProber overrides the prober chosen from the configuration.
func WithProber(p Prober) HealthOption {
	return func(hc *HealthChecker) {
		hc.prober = p
	}
}

// WithHealthClock sets the clock used to stamp probe results.
func WithHealthClock(c clock.PassiveClock) HealthOption {
	return func(hc *HealthChecker) {
		hc.clock = c
	}
}

// WithHealthLogger sets the logger.
func WithHealthLogger(logger observability.Logger) HealthOption {
	return func(hc *HealthChecker) {
		hc.logger = logger
	}
}

// NewHealthChecker creates a health checker over every instance in registry.
func NewHealthChecker(registry *Registry, cfg config.HealthCheckConfig, opts ...HealthOption) *HealthChecker {
	hc := &HealthChecker{
		registry:  registry,
		interval:  cfg.Interval.OrDefault(config.DefaultHealthInterval),
		timeout:   cfg.Timeout.OrDefault(config.DefaultHealthTimeout),
		threshold: int64(cfg.FailoverThreshold),
		clock:     clock.RealClock{},
		logger:    observability.NopLogger(),
		metrics:   GetMetrics(),
	}
	if hc.threshold <= 0 {
		hc.threshold = config.DefaultFailoverThreshold
	}
	for _, opt := range opts {
		opt(hc)
	}
	if hc.prober == nil {
		hc.prober = NewProber(cfg, hc.logger)
	}
	return hc
}

// Register adds one periodic task per instance to s.
func (hc *HealthChecker) Register(s *scheduler.Scheduler) error {
	for _, pool := range hc.registry.Pools() {
		for _, inst := range pool.instances {
			name := fmt.Sprintf("health:%s/%s", inst.TenantID, inst.ID)
			if err := s.Every(name, hc.interval, hc.checkTask(pool, inst)); err != nil {
				return err
			}
		}
	}
	return nil
}

func (hc *HealthChecker) checkTask(pool *Pool, inst *Instance) scheduler.Task {
	return func(ctx context.Context) {
		hc.check(ctx, pool, inst)
	}
}

// CheckAll probes every instance once, sequentially.
func (hc *HealthChecker) CheckAll(ctx context.Context) {
	for _, pool := range hc.registry.Pools() {
		for _, inst := range pool.instances {
			if ctx.Err() != nil {
				return
			}
			hc.check(ctx, pool, inst)
		}
	}
}

func (hc *HealthChecker) check(ctx context.Context, pool *Pool, inst *Instance) {
	probeCtx, cancel := context.WithTimeout(ctx, hc.timeout)
	defer cancel()

	start := hc.clock.Now()
	err := hc.prober.Probe(probeCtx, inst)
	now := hc.clock.Now()
	inst.lastCheck.Store(now.UnixNano())
	hc.metrics.recordProbe(inst.TenantID, err == nil, now.Sub(start))

	if err != nil {
		hc.recordFailure(pool, inst, err)
		return
	}
	hc.recordSuccess(pool, inst)
}

func (hc *HealthChecker) recordSuccess(pool *Pool, inst *Instance) {
	inst.consecutiveFailures.Store(0)
	for {
		from := inst.Status()
		if from == StatusHealthy {
			return
		}
		if !inst.casStatus(from, StatusHealthy) {
			continue
		}
		hc.metrics.transitions.WithLabelValues(inst.TenantID, inst.ID, StatusHealthy.String()).Inc()
		if from == StatusUnhealthy {
			hc.logger.Info("backend instance recovered",
				observability.String("tenant", inst.TenantID),
				observability.String("instance", inst.ID),
			)
			pool.Redistribute()
		} else {
			hc.metrics.recordStatus(inst)
		}
		return
	}
}

func (hc *HealthChecker) recordFailure(pool *Pool, inst *Instance, err error) {
	failures := inst.consecutiveFailures.Add(1)
	hc.logger.Debug("health probe failed",
		observability.String("tenant", inst.TenantID),
		observability.String("instance", inst.ID),
		observability.Int64("consecutive_failures", failures),
		observability.Error(err),
	)
	if failures < hc.threshold {
		return
	}

	for {
		from := inst.Status()
		if from == StatusUnhealthy {
			return
		}
		if !inst.casStatus(from, StatusUnhealthy) {
			continue
		}
		hc.metrics.transitions.WithLabelValues(inst.TenantID, inst.ID, StatusUnhealthy.String()).Inc()
		hc.logger.Warn("backend instance marked unhealthy",
			observability.String("tenant", inst.TenantID),
			observability.String("instance", inst.ID),
			observability.Int64("consecutive_failures", failures),
			observability.Error(err),
		)
		pool.Redistribute()
		return
	}
}

// Close releases prober resources.
func (hc *HealthChecker) Close() error {
	if c, ok := hc.prober.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
