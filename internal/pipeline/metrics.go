package pipeline

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/vyrodovalexey/avatraffic/internal/observability"
)

// Metrics holds Prometheus metrics for the request path.
type Metrics struct {
	rejected *prometheus.CounterVec
	failed   *prometheus.CounterVec
}

var (
	metricsInstance *Metrics
	metricsOnce     sync.Once
)

// GetMetrics returns the singleton pipeline metrics instance.
func GetMetrics() *Metrics {
	metricsOnce.Do(func() {
		metricsInstance = &Metrics{
			rejected: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: observability.Namespace,
					Subsystem: "pipeline",
					Name:      "rejected_total",
					Help:      "Total number of requests rejected by admission control",
				},
				[]string{"tenant", "class"},
			),
			failed: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: observability.Namespace,
					Subsystem: "pipeline",
					Name:      "failed_total",
					Help:      "Total number of admitted requests that failed",
				},
				[]string{"tenant", "class"},
			),
		}
	})
	return metricsInstance
}
