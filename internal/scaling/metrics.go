package scaling

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/vyrodovalexey/avatraffic/internal/observability"
)

// Metrics holds Prometheus metrics for scaling signals.
type Metrics struct {
	emitted   *prometheus.CounterVec
	throttled *prometheus.CounterVec
	errors    *prometheus.CounterVec
}

var (
	metricsInstance *Metrics
	metricsOnce     sync.Once
)

// GetMetrics returns the singleton scaling metrics instance.
func GetMetrics() *Metrics {
	metricsOnce.Do(func() {
		metricsInstance = &Metrics{
			emitted: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: observability.Namespace,
					Subsystem: "scaling",
					Name:      "signals_total",
					Help:      "Total number of scaling signals delivered",
				},
				[]string{"tenant", "reason", "sink"},
			),
			throttled: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: observability.Namespace,
					Subsystem: "scaling",
					Name:      "signals_throttled_total",
					Help:      "Total number of scaling signals suppressed by cooldown",
				},
				[]string{"tenant"},
			),
			errors: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: observability.Namespace,
					Subsystem: "scaling",
					Name:      "sink_errors_total",
					Help:      "Total number of failed signal deliveries",
				},
				[]string{"sink"},
			),
		}
	})
	return metricsInstance
}
