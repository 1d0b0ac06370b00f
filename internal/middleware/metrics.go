package middleware

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/vyrodovalexey/avatraffic/internal/observability"
)

// MiddlewareMetrics holds Prometheus metrics for middleware operations.
type MiddlewareMetrics struct {
	panicsRecovered prometheus.Counter
}

var (
	middlewareMetrics     *MiddlewareMetrics
	middlewareMetricsOnce sync.Once
)

// GetMiddlewareMetrics returns the singleton middleware metrics instance.
func GetMiddlewareMetrics() *MiddlewareMetrics {
	middlewareMetricsOnce.Do(func() {
		middlewareMetrics = &MiddlewareMetrics{
			panicsRecovered: promauto.NewCounter(
				prometheus.CounterOpts{
					Namespace: observability.Namespace,
					Subsystem: "middleware",
					Name:      "panics_recovered_total",
					Help:      "Total number of panics recovered",
				},
			),
		}
	})
	return middlewareMetrics
}
