package health

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/vyrodovalexey/avatraffic/internal/observability"
)

// Metrics holds Prometheus metrics for probes and dependency checks.
type Metrics struct {
	checksTotal   *prometheus.CounterVec
	checkStatus   *prometheus.GaugeVec
	checkDuration *prometheus.HistogramVec
}

var (
	metricsInstance *Metrics
	metricsOnce     sync.Once
)

// GetMetrics returns the singleton health metrics instance.
func GetMetrics() *Metrics {
	metricsOnce.Do(func() {
		metricsInstance = &Metrics{
			checksTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: observability.Namespace,
					Subsystem: "health",
					Name:      "checks_total",
					Help:      "Total number of dependency checks by result",
				},
				[]string{"check", "result"},
			),
			checkStatus: promauto.NewGaugeVec(
				prometheus.GaugeOpts{
					Namespace: observability.Namespace,
					Subsystem: "health",
					Name:      "check_status",
					Help:      "Last dependency check status (1=healthy, 0=unhealthy)",
				},
				[]string{"check"},
			),
			checkDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: observability.Namespace,
					Subsystem: "health",
					Name:      "check_duration_seconds",
					Help:      "Duration of dependency checks",
					Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
				},
				[]string{"check"},
			),
		}
	})
	return metricsInstance
}

func (m *Metrics) record(check string, healthy bool, seconds float64) {
	result, status := "healthy", 1.0
	if !healthy {
		result, status = "unhealthy", 0
	}
	m.checksTotal.WithLabelValues(check, result).Inc()
	m.checkStatus.WithLabelValues(check).Set(status)
	m.checkDuration.WithLabelValues(check).Observe(seconds)
}
