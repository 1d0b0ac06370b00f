package health

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vyrodovalexey/avatraffic/internal/backend"
)

// HealthCheck is one readiness dependency.
type HealthCheck interface {
	Name() string
	Check(ctx context.Context) error
}

// DependencyCheck is a named check function. A failing non-critical
// check is reported without failing readiness.
type DependencyCheck struct {
	name     string
	checkFn  func(ctx context.Context) error
	critical bool
}

// DependencyCheckOption configures a DependencyCheck.
type DependencyCheckOption func(*DependencyCheck)

// WithCritical marks the dependency as critical.
func WithCritical(critical bool) DependencyCheckOption {
	return func(d *DependencyCheck) {
		d.critical = critical
	}
}

// NewDependencyCheck creates a critical check unless told otherwise.
func NewDependencyCheck(name string, checkFn func(ctx context.Context) error, opts ...DependencyCheckOption) *DependencyCheck {
	d := &DependencyCheck{
		name:     name,
		checkFn:  checkFn,
		critical: true,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Name returns the name of the check.
func (d *DependencyCheck) Name() string {
	return d.name
}

// Check runs the check and records its outcome.
func (d *DependencyCheck) Check(ctx context.Context) error {
	start := time.Now()
	err := d.checkFn(ctx)
	GetMetrics().record(d.name, err == nil, time.Since(start).Seconds())
	return err
}

// IsCritical reports whether a failure fails readiness.
func (d *DependencyCheck) IsCritical() bool {
	return d.critical
}

// RedisHealthCheck pings the shared Redis store.
func RedisHealthCheck(name string, client redis.UniversalClient, opts ...DependencyCheckOption) *DependencyCheck {
	return NewDependencyCheck(name, func(ctx context.Context) error {
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping failed: %w", err)
		}
		return nil
	}, opts...)
}

// BackendsCheck fails while any tenant has no instance eligible for traffic.
func BackendsCheck(registry *backend.Registry, opts ...DependencyCheckOption) *DependencyCheck {
	return NewDependencyCheck("backends", func(context.Context) error {
		if unready := registry.Unready(); len(unready) > 0 {
			return fmt.Errorf("no healthy backend for tenants: %s", strings.Join(unready, ", "))
		}
		return nil
	}, opts...)
}

func isCritical(check HealthCheck) bool {
	if c, ok := check.(interface{ IsCritical() bool }); ok {
		return c.IsCritical()
	}
	return true
}
