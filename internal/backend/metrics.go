package backend

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/vyrodovalexey/avatraffic/internal/observability"
)

// Metrics holds Prometheus metrics for backend pools and health checks.
type Metrics struct {
	status            *prometheus.GaugeVec
	activeConnections *prometheus.GaugeVec
	effectiveWeight   *prometheus.GaugeVec
	selections        *prometheus.CounterVec
	fallbacks         *prometheus.CounterVec
	noHealthy         *prometheus.CounterVec
	transitions       *prometheus.CounterVec
	probes            *prometheus.CounterVec
	probeDuration     *prometheus.HistogramVec
	responseTime      *prometheus.HistogramVec
	utilization       *prometheus.GaugeVec
	overloadSignals   *prometheus.CounterVec
}

var (
	metricsInstance *Metrics
	metricsOnce     sync.Once
)

// GetMetrics returns the singleton backend metrics instance.
func GetMetrics() *Metrics {
	metricsOnce.Do(func() {
		metricsInstance = newMetrics()
	})
	return metricsInstance
}

func newMetrics() *Metrics {
	return &Metrics{
		status: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: observability.Namespace,
				Subsystem: "backend",
				Name:      "instance_healthy",
				Help:      "Whether the instance is eligible for traffic (1) or not (0)",
			},
			[]string{"tenant", "instance"},
		),
		activeConnections: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: observability.Namespace,
				Subsystem: "backend",
				Name:      "active_connections",
				Help:      "Number of in-flight requests per instance",
			},
			[]string{"tenant", "instance"},
		),
		effectiveWeight: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: observability.Namespace,
				Subsystem: "backend",
				Name:      "effective_weight",
				Help:      "Share of the tenant's healthy weight carried by the instance",
			},
			[]string{"tenant", "instance"},
		),
		selections: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: observability.Namespace,
				Subsystem: "backend",
				Name:      "selections_total",
				Help:      "Total number of requests dispatched to each instance",
			},
			[]string{"tenant", "instance"},
		),
		fallbacks: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: observability.Namespace,
				Subsystem: "backend",
				Name:      "fallbacks_total",
				Help:      "Total number of selections that fell back to least-connections",
			},
			[]string{"tenant"},
		),
		noHealthy: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: observability.Namespace,
				Subsystem: "backend",
				Name:      "no_healthy_total",
				Help:      "Total number of requests failed because no instance was available",
			},
			[]string{"tenant"},
		),
		transitions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: observability.Namespace,
				Subsystem: "backend",
				Name:      "status_transitions_total",
				Help:      "Total number of instance health transitions",
			},
			[]string{"tenant", "instance", "to"},
		),
		probes: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: observability.Namespace,
				Subsystem: "backend",
				Name:      "probes_total",
				Help:      "Total number of health probes",
			},
			[]string{"tenant", "result"},
		),
		probeDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: observability.Namespace,
				Subsystem: "backend",
				Name:      "probe_duration_seconds",
				Help:      "Health probe duration in seconds",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"tenant"},
		),
		responseTime: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: observability.Namespace,
				Subsystem: "backend",
				Name:      "response_time_seconds",
				Help:      "Downstream response time in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"tenant"},
		),
		utilization: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: observability.Namespace,
				Subsystem: "backend",
				Name:      "utilization_ratio",
				Help:      "Active connections over capacity across healthy instances",
			},
			[]string{"tenant"},
		),
		overloadSignals: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: observability.Namespace,
				Subsystem: "backend",
				Name:      "overload_signals_total",
				Help:      "Total number of scaling signals emitted",
			},
			[]string{"tenant"},
		),
	}
}

func (m *Metrics) recordStatus(inst *Instance) {
	v := 0.0
	if inst.Eligible() {
		v = 1
	}
	m.status.WithLabelValues(inst.TenantID, inst.ID).Set(v)
}

func (m *Metrics) recordProbe(tenantID string, healthy bool, d time.Duration) {
	result := "success"
	if !healthy {
		result = "failure"
	}
	m.probes.WithLabelValues(tenantID, result).Inc()
	m.probeDuration.WithLabelValues(tenantID).Observe(d.Seconds())
}
