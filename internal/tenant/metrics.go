package tenant

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/vyrodovalexey/avatraffic/internal/observability"
)

// Metrics holds tenant classification metrics.
type Metrics struct {
	classified *prometheus.CounterVec
}

var (
	metricsInstance *Metrics
	metricsOnce     sync.Once
)

// GetTenantMetrics returns the singleton metrics instance.
func GetTenantMetrics() *Metrics {
	metricsOnce.Do(func() {
		metricsInstance = &Metrics{
			classified: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: observability.Namespace,
					Subsystem: "tenant",
					Name:      "classified_total",
					Help:      "Requests classified per tenant and matching rule",
				},
				[]string{"tenant", "source"},
			),
		}
	})
	return metricsInstance
}
