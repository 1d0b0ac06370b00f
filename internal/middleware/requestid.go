package middleware

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/vyrodovalexey/avatraffic/internal/observability"
)

// MaxRequestIDLength bounds a caller-supplied correlation id.
const MaxRequestIDLength = 128

// RequestID assigns every request a correlation id. A well-formed incoming
// X-Request-ID is kept so callers can correlate retries; anything else is
// replaced, since the id is echoed into logs and error bodies.
func RequestID() func(http.Handler) http.Handler {
	return RequestIDWithGenerator(uuid.NewString)
}

// RequestIDWithGenerator is RequestID with a custom id source.
func RequestIDWithGenerator(generate func() string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(HeaderXRequestID)
			if !validRequestID(id) {
				id = generate()
			}
			w.Header().Set(HeaderXRequestID, id)
			next.ServeHTTP(w, r.WithContext(observability.ContextWithRequestID(r.Context(), id)))
		})
	}
}

// validRequestID accepts non-empty ids of visible ASCII.
func validRequestID(id string) bool {
	if id == "" || len(id) > MaxRequestIDLength {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] < '!' || id[i] > '~' {
			return false
		}
	}
	return true
}
