package queue

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/vyrodovalexey/avatraffic/internal/observability"
)

// Metrics holds Prometheus metrics for the job queue.
type Metrics struct {
	enqueued     *prometheus.CounterVec
	completed    *prometheus.CounterVec
	failed       *prometheus.CounterVec
	retried      *prometheus.CounterVec
	deadLettered *prometheus.CounterVec
	stalled      *prometheus.CounterVec
	active       *prometheus.GaugeVec
	duration     *prometheus.HistogramVec
}

var (
	metricsInstance *Metrics
	metricsOnce     sync.Once
)

// GetMetrics returns the singleton queue metrics instance.
func GetMetrics() *Metrics {
	metricsOnce.Do(func() {
		metricsInstance = newMetrics()
	})
	return metricsInstance
}

// Init pre-initializes the per-tier series.
func (m *Metrics) Init() {
	for _, t := range Tiers {
		name := t.String()
		m.enqueued.WithLabelValues(name)
		m.completed.WithLabelValues(name)
		m.failed.WithLabelValues(name)
		m.retried.WithLabelValues(name)
		m.stalled.WithLabelValues(name)
		m.active.WithLabelValues(name)
	}
}

func newCounter(name, help string, labels ...string) *prometheus.CounterVec {
	return promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: observability.Namespace,
			Subsystem: "queue",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newMetrics() *Metrics {
	return &Metrics{
		enqueued:     newCounter("jobs_enqueued_total", "Total number of jobs enqueued", "tier"),
		completed:    newCounter("jobs_completed_total", "Total number of jobs completed", "tier"),
		failed:       newCounter("jobs_failed_total", "Total number of failed job attempts", "tier"),
		retried:      newCounter("jobs_retried_total", "Total number of jobs scheduled for retry", "tier"),
		deadLettered: newCounter("jobs_dead_lettered_total", "Total number of dead-lettered jobs", "tier", "reason"),
		stalled:      newCounter("jobs_stalled_total", "Total number of stalled jobs recovered", "tier"),
		active: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: observability.Namespace,
				Subsystem: "queue",
				Name:      "jobs_active",
				Help:      "Number of jobs currently executing",
			},
			[]string{"tier"},
		),
		duration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: observability.Namespace,
				Subsystem: "queue",
				Name:      "job_duration_seconds",
				Help:      "Duration of job handler executions in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"tier", "type"},
		),
	}
}
