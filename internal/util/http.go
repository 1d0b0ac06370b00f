package util

import (
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	json "github.com/goccy/go-json"
)

// Error classes rendered in the structured error body.
const (
	ClassAdmissionRejected = "AdmissionRejected"
	ClassCircuitOpen       = "CircuitOpen"
	ClassNoHealthyBackend  = "NoHealthyBackend"
	ClassDownstreamTimeout = "DownstreamTimeout"
	ClassDownstreamError   = "DownstreamError"
	ClassInternal          = "InternalError"
)

// ErrorBody is the JSON body written for every rejected or failed request.
type ErrorBody struct {
	Error             string `json:"error"`
	Message           string `json:"message"`
	RetryAfterSeconds int    `json:"retryAfterSeconds,omitempty"`
	CorrelationID     string `json:"correlationId,omitempty"`
}

// HTTPStatus maps an error to the status code returned to the caller.
func HTTPStatus(err error) int {
	var de *DownstreamError

	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrServerBusy):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrAdmissionRejected):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrCircuitOpen), errors.Is(err, ErrNoHealthyBackend):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrDownstreamTimeout):
		return http.StatusGatewayTimeout
	case errors.As(err, &de):
		if de.ClientCaused {
			return de.StatusCode
		}
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// ErrorClass returns the taxonomy class name of err.
func ErrorClass(err error) string {
	switch {
	case errors.Is(err, ErrAdmissionRejected):
		return ClassAdmissionRejected
	case errors.Is(err, ErrCircuitOpen):
		return ClassCircuitOpen
	case errors.Is(err, ErrNoHealthyBackend):
		return ClassNoHealthyBackend
	case errors.Is(err, ErrDownstreamTimeout):
		return ClassDownstreamTimeout
	case errors.Is(err, ErrDownstreamError):
		return ClassDownstreamError
	default:
		return ClassInternal
	}
}

// RetryAfterSeconds rounds a retry hint up to whole seconds, minimum 1.
func RetryAfterSeconds(d time.Duration) int {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}

// WriteError writes the structured error body for err. Unclassified errors
// are reported as a generic internal error so their text never leaks.
func WriteError(w http.ResponseWriter, err error, correlationID string) {
	status := HTTPStatus(err)
	body := ErrorBody{
		Error:         ErrorClass(err),
		Message:       err.Error(),
		CorrelationID: correlationID,
	}
	if body.Error == ClassInternal {
		body.Message = http.StatusText(http.StatusInternalServerError)
	}

	if hint, ok := RetryAfter(err); ok {
		body.RetryAfterSeconds = RetryAfterSeconds(hint)
		w.Header().Set("Retry-After", strconv.Itoa(body.RetryAfterSeconds))
	}

	payload, marshalErr := json.Marshal(body)
	if marshalErr != nil {
		payload = []byte(`{"error":"InternalError","message":"Internal Server Error"}`)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(payload)
}
