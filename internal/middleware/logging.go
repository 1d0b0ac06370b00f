package middleware

import (
	"net/http"
	"time"

	"github.com/vyrodovalexey/avatraffic/internal/observability"
)

// responseWriter wraps http.ResponseWriter to capture status code and size.
type responseWriter struct {
	http.ResponseWriter
	status      int
	size        int
	wroteHeader bool
}

// WriteHeader captures the status code.
func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.status = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

// Write captures the response size.
func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.wroteHeader {
		rw.WriteHeader(http.StatusOK)
	}
	n, err := rw.ResponseWriter.Write(b)
	rw.size += n
	return n, err
}

// Flush implements http.Flusher interface for streaming support.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Logging writes one structured access line per request. The tenant,
// cache outcome and backend are read back from the response headers the
// pipeline sets. Admission rejections (429, 503) log at Debug so a request
// storm does not flood the log; other 5xx responses log at Warn. A nil
// extractor logs the socket address.
func Logging(logger observability.Logger, extractor *ClientIPExtractor) func(http.Handler) http.Handler {
	if extractor == nil {
		extractor = NewClientIPExtractor(nil)
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(rw, r)

			fields := []observability.Field{
				observability.String("method", r.Method),
				observability.String("path", r.URL.Path),
				observability.String("query", r.URL.RawQuery),
				observability.Int("status", rw.status),
				observability.Int("size", rw.size),
				observability.Duration("duration", time.Since(start)),
				observability.String("client_ip", extractor.Extract(r)),
				observability.String("tenant", rw.Header().Get(HeaderXTenantID)),
			}
			if v := rw.Header().Get(HeaderXCache); v != "" {
				fields = append(fields, observability.String("cache", v))
			}
			if v := rw.Header().Get(HeaderXBackendID); v != "" {
				fields = append(fields, observability.String("backend", v))
			}

			log := logger.WithContext(r.Context())
			switch {
			case rw.status == http.StatusTooManyRequests || rw.status == http.StatusServiceUnavailable:
				log.Debug("request rejected", fields...)
			case rw.status >= http.StatusInternalServerError:
				log.Warn("request failed", fields...)
			default:
				log.Info("http request", fields...)
			}
		})
	}
}
