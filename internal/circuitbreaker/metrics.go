package circuitbreaker

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/vyrodovalexey/avatraffic/internal/observability"
)

// Metrics holds circuit breaker metrics.
type Metrics struct {
	state       *prometheus.GaugeVec
	transitions *prometheus.CounterVec
	rejected    *prometheus.CounterVec
}

var (
	breakerMetrics     *Metrics
	breakerMetricsOnce sync.Once
)

// GetBreakerMetrics returns the singleton circuit breaker metrics.
func GetBreakerMetrics() *Metrics {
	breakerMetricsOnce.Do(func() {
		breakerMetrics = &Metrics{
			state: promauto.NewGaugeVec(
				prometheus.GaugeOpts{
					Namespace: observability.Namespace,
					Subsystem: "circuit_breaker",
					Name:      "state",
					Help:      "Current state of the circuit breaker (0=closed, 1=open, 2=half-open)",
				},
				[]string{"tenant", "endpoint"},
			),
			transitions: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: observability.Namespace,
					Subsystem: "circuit_breaker",
					Name:      "state_changes_total",
					Help:      "Total number of circuit breaker state changes",
				},
				[]string{"tenant", "endpoint", "from", "to"},
			),
			rejected: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: observability.Namespace,
					Subsystem: "circuit_breaker",
					Name:      "rejected_total",
					Help:      "Total number of requests rejected by an open circuit",
				},
				[]string{"tenant", "endpoint"},
			),
		}
	})
	return breakerMetrics
}

func (m *Metrics) recordStateChange(tenantID, endpoint string, from, to State) {
	m.transitions.WithLabelValues(tenantID, endpoint, from.String(), to.String()).Inc()
	m.state.WithLabelValues(tenantID, endpoint).Set(float64(to))
}

func (m *Metrics) recordRejected(tenantID, endpoint string) {
	m.rejected.WithLabelValues(tenantID, endpoint).Inc()
}
