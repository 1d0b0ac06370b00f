package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/vyrodovalexey/avatraffic/internal/observability"
	"github.com/vyrodovalexey/avatraffic/internal/util"
)

// Recovery returns a middleware that recovers from panics and answers
// with the structured internal error body.
func Recovery(logger observability.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}

				logger.WithContext(r.Context()).Error("panic recovered",
					observability.String("path", r.URL.Path),
					observability.String("method", r.Method),
					observability.Any("error", rec),
					observability.String("stack", string(debug.Stack())),
				)

				GetMiddlewareMetrics().panicsRecovered.Inc()

				util.WriteError(w, fmt.Errorf("panic: %v", rec), observability.RequestIDFromContext(r.Context()))
			}()

			next.ServeHTTP(w, r)
		})
	}
}
