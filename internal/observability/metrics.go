package observability

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Namespace is the Prometheus namespace shared by every control-plane metric.
const Namespace = "avatraffic"

// HTTPMetrics holds the data-plane HTTP server metrics.
type HTTPMetrics struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	inFlight        prometheus.Gauge
}

var (
	httpMetricsInstance *HTTPMetrics
	httpMetricsOnce     sync.Once
)

// GetHTTPMetrics returns the singleton HTTP metrics instance.
func GetHTTPMetrics() *HTTPMetrics {
	httpMetricsOnce.Do(func() {
		httpMetricsInstance = &HTTPMetrics{
			requestsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: Namespace,
					Subsystem: "http",
					Name:      "requests_total",
					Help:      "Total number of HTTP requests by tenant, method and status",
				},
				[]string{"tenant", "method", "status"},
			),
			requestDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: Namespace,
					Subsystem: "http",
					Name:      "request_duration_seconds",
					Help:      "HTTP request duration in seconds",
					Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
				},
				[]string{"tenant", "method"},
			),
			inFlight: promauto.NewGauge(
				prometheus.GaugeOpts{
					Namespace: Namespace,
					Subsystem: "http",
					Name:      "in_flight_requests",
					Help:      "Number of HTTP requests currently being served",
				},
			),
		}
	})
	return httpMetricsInstance
}

// MetricsMiddleware records request count, latency and in-flight gauge.
// The tenant label is read from the X-Tenant-ID response header set by
// the pipeline.
func MetricsMiddleware() func(http.Handler) http.Handler {
	m := GetHTTPMetrics()
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			m.inFlight.Inc()
			defer m.inFlight.Dec()

			rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rw, r)

			tenant := rw.Header().Get(TenantHeader)
			if tenant == "" {
				tenant = "unclassified"
			}

			m.requestsTotal.WithLabelValues(tenant, r.Method, strconv.Itoa(rw.status)).Inc()
			m.requestDuration.WithLabelValues(tenant, r.Method).Observe(time.Since(start).Seconds())
		})
	}
}

// MetricsHandler exposes g in the Prometheus text format; the default
// registry when g is nil.
func MetricsHandler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{ErrorHandling: promhttp.ContinueOnError})
}

// statusRecorder wraps http.ResponseWriter to capture the status code.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

// WriteHeader captures the status code.
func (rw *statusRecorder) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.status = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

// Write marks the header as written with the implicit 200.
func (rw *statusRecorder) Write(b []byte) (int, error) {
	rw.wroteHeader = true
	return rw.ResponseWriter.Write(b)
}

// Flush implements http.Flusher for streaming responses.
func (rw *statusRecorder) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// TenantHeader is the response header naming the tenant a request was
// classified into.
const TenantHeader = "X-Tenant-ID"
