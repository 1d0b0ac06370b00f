package cache

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/vyrodovalexey/avatraffic/internal/observability"
)

// Metrics holds Prometheus metrics for cache operations.
type Metrics struct {
	lookupsTotal      *prometheus.CounterVec
	evictionsTotal    *prometheus.CounterVec
	sizeGauge         *prometheus.GaugeVec
	operationDuration *prometheus.HistogramVec
	errorsTotal       *prometheus.CounterVec
	invalidatedTotal  *prometheus.CounterVec
}

// Lookup results recorded by lookupsTotal.
const (
	resultLocalHit       = "local_hit"
	resultDistributedHit = "distributed_hit"
	resultMiss           = "miss"
)

var (
	metricsInstance *Metrics
	metricsOnce     sync.Once
)

// GetMetrics returns the singleton cache metrics instance.
func GetMetrics() *Metrics {
	metricsOnce.Do(func() {
		metricsInstance = newMetrics()
	})
	return metricsInstance
}

// Init pre-initializes the backend label combinations so the series are
// exported before the first operation.
func (m *Metrics) Init() {
	for _, backend := range []string{TierMemory, TierRedis} {
		for _, op := range []string{"get", "set", "delete", "invalidate"} {
			m.operationDuration.WithLabelValues(backend, op)
			m.errorsTotal.WithLabelValues(backend, op)
		}
	}
}

func newMetrics() *Metrics {
	return &Metrics{
		lookupsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: observability.Namespace,
				Subsystem: "cache",
				Name:      "lookups_total",
				Help:      "Total number of cache lookups by tenant and result",
			},
			[]string{"tenant", "result"},
		),
		evictionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: observability.Namespace,
				Subsystem: "cache",
				Name:      "evictions_total",
				Help:      "Total number of LRU evictions from the local tier",
			},
			[]string{"tenant"},
		),
		sizeGauge: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: observability.Namespace,
				Subsystem: "cache",
				Name:      "entries",
				Help:      "Current number of entries in the local tier",
			},
			[]string{"tenant"},
		),
		operationDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: observability.Namespace,
				Subsystem: "cache",
				Name:      "operation_duration_seconds",
				Help:      "Duration of cache tier operations in seconds",
				Buckets:   []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25},
			},
			[]string{"backend", "operation"},
		),
		errorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: observability.Namespace,
				Subsystem: "cache",
				Name:      "errors_total",
				Help:      "Total number of cache tier errors",
			},
			[]string{"backend", "operation"},
		),
		invalidatedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: observability.Namespace,
				Subsystem: "cache",
				Name:      "invalidated_total",
				Help:      "Total number of entries removed by pattern invalidation",
			},
			[]string{"tenant"},
		),
	}
}
