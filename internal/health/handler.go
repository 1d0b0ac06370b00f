package health

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"k8s.io/utils/clock"

	"github.com/vyrodovalexey/avatraffic/internal/observability"
)

// DefaultReadinessProbeTimeout bounds one readiness evaluation.
const DefaultReadinessProbeTimeout = 5 * time.Second

// Probe status values.
const (
	StatusOK       = "ok"
	StatusError    = "error"
	StatusDegraded = "degraded"
)

// HealthStatus is the body of the probe endpoints.
type HealthStatus struct {
	Status    string                  `json:"status"`
	Timestamp time.Time               `json:"timestamp"`
	Uptime    string                  `json:"uptime,omitempty"`
	Checks    map[string]*CheckResult `json:"checks,omitempty"`
}

// CheckResult is the outcome of one check.
type CheckResult struct {
	Status   string `json:"status"`
	Error    string `json:"error,omitempty"`
	Duration string `json:"duration,omitempty"`
	Critical bool   `json:"critical"`
}

// Handler runs readiness checks and serves the probe endpoints.
type Handler struct {
	mu      sync.RWMutex
	checks  []HealthCheck
	timeout time.Duration
	clock   clock.PassiveClock
	started time.Time
	logger  observability.Logger
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithReadinessTimeout sets the deadline of one readiness evaluation.
func WithReadinessTimeout(d time.Duration) HandlerOption {
	return func(h *Handler) {
		if d > 0 {
			h.timeout = d
		}
	}
}

// WithClock sets the clock used for uptime and timestamps.
func WithClock(c clock.PassiveClock) HandlerOption {
	return func(h *Handler) {
		h.clock = c
	}
}

// NewHandler creates a handler with no checks.
func NewHandler(logger observability.Logger, opts ...HandlerOption) *Handler {
	if logger == nil {
		logger = observability.NopLogger()
	}
	h := &Handler{
		timeout: DefaultReadinessProbeTimeout,
		clock:   clock.RealClock{},
		logger:  logger,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.started = h.clock.Now()
	return h
}

// AddCheck adds a readiness check.
func (h *Handler) AddCheck(check HealthCheck) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, check)
}

// Liveness reports that the process is serving.
func (h *Handler) Liveness() *HealthStatus {
	now := h.clock.Now()
	return &HealthStatus{
		Status:    StatusOK,
		Timestamp: now.UTC(),
		Uptime:    now.Sub(h.started).Round(time.Second).String(),
	}
}

// Readiness runs every check concurrently. Any failing critical check
// makes the status "error"; failing non-critical checks make it "degraded".
func (h *Handler) Readiness(ctx context.Context) *HealthStatus {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	h.mu.RLock()
	checks := make([]HealthCheck, len(h.checks))
	copy(checks, h.checks)
	h.mu.RUnlock()

	status := &HealthStatus{
		Status:    StatusOK,
		Timestamp: h.clock.Now().UTC(),
		Checks:    make(map[string]*CheckResult, len(checks)),
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	for _, check := range checks {
		wg.Add(1)
		go func(c HealthCheck) {
			defer wg.Done()

			start := time.Now()
			err := c.Check(ctx)
			result := &CheckResult{
				Status:   StatusOK,
				Duration: time.Since(start).String(),
				Critical: isCritical(c),
			}

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Status = StatusError
				result.Error = err.Error()
				switch {
				case result.Critical:
					status.Status = StatusError
				case status.Status == StatusOK:
					status.Status = StatusDegraded
				}
				h.logger.Warn("readiness check failed",
					observability.String("check", c.Name()),
					observability.Bool("critical", result.Critical),
					observability.Error(err),
				)
			}
			status.Checks[c.Name()] = result
		}(check)
	}
	wg.Wait()

	return status
}

// LivenessHandler serves /healthz.
func (h *Handler) LivenessHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, h.Liveness())
	}
}

// ReadinessHandler serves /readyz.
func (h *Handler) ReadinessHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		status := h.Readiness(c.Request.Context())
		code := http.StatusOK
		if status.Status == StatusError {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, status)
	}
}

// RegisterRoutes registers the probe routes.
func (h *Handler) RegisterRoutes(r gin.IRoutes) {
	r.GET("/healthz", h.LivenessHandler())
	r.GET("/livez", h.LivenessHandler())
	r.GET("/readyz", h.ReadinessHandler())
}
