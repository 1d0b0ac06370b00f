package scaling

import (
	"context"
	"errors"
	"time"

	"github.com/vyrodovalexey/avatraffic/internal/observability"
)

// Signal reasons.
const (
	ReasonSustainedOverload = "sustained_overload"
	ReasonNoHealthyInstance = "no_healthy_instance"
)

// ErrThrottled is returned by Throttled when a tenant's signal falls
// inside the cooldown.
var ErrThrottled = errors.New("scaling signal throttled")

// Signal asks for more capacity for one tenant.
type Signal struct {
	TenantID         string    `json:"tenant"`
	Reason           string    `json:"reason"`
	Utilization      float64   `json:"utilization"`
	HealthyInstances int       `json:"healthyInstances"`
	TotalInstances   int       `json:"totalInstances"`
	At               time.Time `json:"at"`
}

// Sink receives scaling signals.
type Sink interface {
	Emit(ctx context.Context, s Signal) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, s Signal) error

// Emit implements Sink.
func (f SinkFunc) Emit(ctx context.Context, s Signal) error {
	return f(ctx, s)
}

// NopSink drops every signal.
type NopSink struct{}

// Emit implements Sink.
func (NopSink) Emit(context.Context, Signal) error { return nil }

// LogSink writes signals to the log.
type LogSink struct {
	logger observability.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(logger observability.Logger) *LogSink {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &LogSink{logger: logger}
}

// Emit implements Sink.
func (s *LogSink) Emit(_ context.Context, sig Signal) error {
	s.logger.Warn("scaling signal",
		observability.String("tenant", sig.TenantID),
		observability.String("reason", sig.Reason),
		observability.Float64("utilization", sig.Utilization),
		observability.Int("healthy_instances", sig.HealthyInstances),
		observability.Int("total_instances", sig.TotalInstances),
		observability.Time("at", sig.At),
	)
	GetMetrics().emitted.WithLabelValues(sig.TenantID, sig.Reason, "log").Inc()
	return nil
}

// Multi fans a signal out to several sinks, returning the joined errors.
func Multi(sinks ...Sink) Sink {
	return SinkFunc(func(ctx context.Context, s Signal) error {
		var errs []error
		for _, sink := range sinks {
			if err := sink.Emit(ctx, s); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
}
