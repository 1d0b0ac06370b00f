// Package util provides utility functions and types for the traffic-control plane.
//
// # Error Conventions
//
//   - Sentinel errors (errors.New) for well-known, stable conditions
//     that callers check with errors.Is(). Example: ErrCircuitOpen.
//   - Structured error types for context-rich errors that carry
//     additional fields. Each type implements Error(), Unwrap() (if
//     wrapping), and Is().
//   - fmt.Errorf with %w for ad-hoc wrapping.
package util

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Taxonomy sentinel errors.
var (
	ErrAdmissionRejected = errors.New("admission rejected")
	ErrServerBusy        = errors.New("server busy")
	ErrCircuitOpen       = errors.New("circuit breaker open")
	ErrNoHealthyBackend  = errors.New("no healthy backend")
	ErrDownstreamTimeout = errors.New("downstream timeout")
	ErrDownstreamError   = errors.New("downstream error")
	ErrCacheUnavailable  = errors.New("cache unavailable")
	ErrQueueJobFailed    = errors.New("queue job failed")
	ErrConfigInvalid     = errors.New("invalid configuration")
)

// Rejection reasons carried by AdmissionRejectedError.
const (
	ReasonRateLimited = "rate_limited"
	ReasonShed        = "shed"
)

// AdmissionRejectedError is returned when a request is rate limited or shed.
type AdmissionRejectedError struct {
	Reason     string
	Key        string
	Limit      int
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *AdmissionRejectedError) Error() string {
	if e.Reason == ReasonShed {
		return fmt.Sprintf("server busy (retry after: %v)", e.RetryAfter)
	}
	return fmt.Sprintf("rate limit exceeded for %s (limit: %d, retry after: %v)", e.Key, e.Limit, e.RetryAfter)
}

// Is checks if the error matches the target.
func (e *AdmissionRejectedError) Is(target error) bool {
	if target == ErrAdmissionRejected {
		return true
	}
	if target == ErrServerBusy {
		return e.Reason == ReasonShed
	}
	_, ok := target.(*AdmissionRejectedError)
	return ok
}

// NewRateLimitedError creates a rate-limit flavoured AdmissionRejectedError.
func NewRateLimitedError(key string, limit int, retryAfter time.Duration) *AdmissionRejectedError {
	return &AdmissionRejectedError{Reason: ReasonRateLimited, Key: key, Limit: limit, RetryAfter: retryAfter}
}

// NewServerBusyError creates a shedding flavoured AdmissionRejectedError.
func NewServerBusyError(retryAfter time.Duration) *AdmissionRejectedError {
	return &AdmissionRejectedError{Reason: ReasonShed, RetryAfter: retryAfter}
}

// CircuitOpenError is returned while a breaker rejects requests.
type CircuitOpenError struct {
	Key        string
	State      string
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker %s is %s (retry after: %v)", e.Key, e.State, e.RetryAfter)
}

// Is checks if the error matches the target.
func (e *CircuitOpenError) Is(target error) bool {
	if target == ErrCircuitOpen {
		return true
	}
	_, ok := target.(*CircuitOpenError)
	return ok
}

// NewCircuitOpenError creates a new CircuitOpenError.
func NewCircuitOpenError(key, state string, retryAfter time.Duration) *CircuitOpenError {
	return &CircuitOpenError{Key: key, State: state, RetryAfter: retryAfter}
}

// NoHealthyBackendError is returned when a tenant pool has nothing to dispatch to.
type NoHealthyBackendError struct {
	TenantID string
}

// Error implements the error interface.
func (e *NoHealthyBackendError) Error() string {
	return fmt.Sprintf("no healthy backend for tenant %s", e.TenantID)
}

// Is checks if the error matches the target.
func (e *NoHealthyBackendError) Is(target error) bool {
	if target == ErrNoHealthyBackend {
		return true
	}
	_, ok := target.(*NoHealthyBackendError)
	return ok
}

// NewNoHealthyBackendError creates a new NoHealthyBackendError.
func NewNoHealthyBackendError(tenantID string) *NoHealthyBackendError {
	return &NoHealthyBackendError{TenantID: tenantID}
}

// DownstreamTimeoutError is returned when the tenant request timeout expires
// before the downstream handler answers.
type DownstreamTimeoutError struct {
	InstanceID string
	Timeout    time.Duration
	Cause      error
}

// Error implements the error interface.
func (e *DownstreamTimeoutError) Error() string {
	return fmt.Sprintf("downstream %s timed out after %v", e.InstanceID, e.Timeout)
}

// Unwrap returns the underlying error.
func (e *DownstreamTimeoutError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target.
func (e *DownstreamTimeoutError) Is(target error) bool {
	if target == ErrDownstreamTimeout {
		return true
	}
	_, ok := target.(*DownstreamTimeoutError)
	return ok
}

// NewDownstreamTimeoutError creates a new DownstreamTimeoutError.
func NewDownstreamTimeoutError(instanceID string, timeout time.Duration, cause error) *DownstreamTimeoutError {
	return &DownstreamTimeoutError{InstanceID: instanceID, Timeout: timeout, Cause: cause}
}

// DownstreamError is a failure reported by the downstream handler.
// ClientCaused marks failures the caller is responsible for (4xx); those
// never count toward the circuit breaker.
type DownstreamError struct {
	InstanceID   string
	StatusCode   int
	ClientCaused bool
	Cause        error
}

// Error implements the error interface.
func (e *DownstreamError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("downstream %s error (status %d): %v", e.InstanceID, e.StatusCode, e.Cause)
	}
	return fmt.Sprintf("downstream %s error (status %d)", e.InstanceID, e.StatusCode)
}

// Unwrap returns the underlying error.
func (e *DownstreamError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target.
func (e *DownstreamError) Is(target error) bool {
	if target == ErrDownstreamError {
		return true
	}
	_, ok := target.(*DownstreamError)
	return ok
}

// NewDownstreamError creates a DownstreamError, marking 4xx statuses as client caused.
func NewDownstreamError(instanceID string, statusCode int, cause error) *DownstreamError {
	return &DownstreamError{
		InstanceID:   instanceID,
		StatusCode:   statusCode,
		ClientCaused: statusCode >= http.StatusBadRequest && statusCode < http.StatusInternalServerError,
		Cause:        cause,
	}
}

// CacheUnavailableError wraps a distributed cache tier failure.
type CacheUnavailableError struct {
	Op    string
	Cause error
}

// Error implements the error interface.
func (e *CacheUnavailableError) Error() string {
	return fmt.Sprintf("cache unavailable during %s: %v", e.Op, e.Cause)
}

// Unwrap returns the underlying error.
func (e *CacheUnavailableError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target.
func (e *CacheUnavailableError) Is(target error) bool {
	if target == ErrCacheUnavailable {
		return true
	}
	_, ok := target.(*CacheUnavailableError)
	return ok
}

// NewCacheUnavailableError creates a new CacheUnavailableError.
func NewCacheUnavailableError(op string, cause error) *CacheUnavailableError {
	return &CacheUnavailableError{Op: op, Cause: cause}
}

// JobFailedError describes a failed queue job attempt.
type JobFailedError struct {
	JobID    string
	Type     string
	Attempts int
	Cause    error
}

// Error implements the error interface.
func (e *JobFailedError) Error() string {
	return fmt.Sprintf("job %s (%s) failed on attempt %d: %v", e.JobID, e.Type, e.Attempts, e.Cause)
}

// Unwrap returns the underlying error.
func (e *JobFailedError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target.
func (e *JobFailedError) Is(target error) bool {
	if target == ErrQueueJobFailed {
		return true
	}
	_, ok := target.(*JobFailedError)
	return ok
}

// NewJobFailedError creates a new JobFailedError.
func NewJobFailedError(jobID, jobType string, attempts int, cause error) *JobFailedError {
	return &JobFailedError{JobID: jobID, Type: jobType, Attempts: attempts, Cause: cause}
}

// ConfigError represents a configuration-related error.
type ConfigError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("config error at %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("config error: %s", e.Message)
}

// Is checks if the error matches the target.
func (e *ConfigError) Is(target error) bool {
	if target == ErrConfigInvalid {
		return true
	}
	_, ok := target.(*ConfigError)
	return ok
}

// NewConfigError creates a new ConfigError.
func NewConfigError(field, message string) *ConfigError {
	return &ConfigError{Field: field, Message: message}
}

// IsCircuitFailure reports whether err counts toward a circuit breaker:
// timeouts and server-side downstream errors do, admission rejections and
// client-caused errors do not.
func IsCircuitFailure(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrDownstreamTimeout) {
		return true
	}
	var de *DownstreamError
	if errors.As(err, &de) {
		return !de.ClientCaused
	}
	return false
}

// RetryAfter extracts the retry hint carried by err, if any.
func RetryAfter(err error) (time.Duration, bool) {
	var are *AdmissionRejectedError
	if errors.As(err, &are) {
		return are.RetryAfter, true
	}
	var coe *CircuitOpenError
	if errors.As(err, &coe) {
		return coe.RetryAfter, true
	}
	if errors.Is(err, ErrNoHealthyBackend) {
		return time.Second, true
	}
	return 0, false
}
