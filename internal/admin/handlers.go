package admin

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"

	"github.com/vyrodovalexey/avatraffic/internal/cache"
	"github.com/vyrodovalexey/avatraffic/internal/config"
	"github.com/vyrodovalexey/avatraffic/internal/observability"
	"github.com/vyrodovalexey/avatraffic/internal/queue"
)

// DefaultDeadLetterLimit caps a dead-letter listing without a limit parameter.
const DefaultDeadLetterLimit = 100

// SubmitJobRequest is the body of POST /admin/jobs.
type SubmitJobRequest struct {
	Tier        string          `json:"tier" binding:"required"`
	Type        string          `json:"type" binding:"required"`
	TenantID    string          `json:"tenant"`
	Payload     json.RawMessage `json:"payload"`
	Delay       config.Duration `json:"delay"`
	MaxAttempts int             `json:"maxAttempts" binding:"gte=0"`
}

// InvalidateRequest is the body of POST /admin/cache/invalidate. An empty
// resource drops every entry of the tenant.
type InvalidateRequest struct {
	TenantID string `json:"tenant" binding:"required"`
	Resource string `json:"resource"`
}

var errNotWired = errors.New("component not configured")

func notWired(c *gin.Context) {
	c.JSON(http.StatusNotFound, errorBody(errNotWired.Error()))
}

func (s *Server) backends(c *gin.Context) {
	if s.deps.Registry == nil {
		notWired(c)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"tenants": s.deps.Registry.Snapshot(),
		"unready": s.deps.Registry.Unready(),
	})
}

func (s *Server) breakers(c *gin.Context) {
	if s.deps.Breakers == nil {
		notWired(c)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"enabled":  s.deps.Breakers.Enabled(),
		"breakers": s.deps.Breakers.Snapshot(),
	})
}

func (s *Server) admission(c *gin.Context) {
	if s.deps.Admission == nil {
		notWired(c)
		return
	}
	shedder := s.deps.Admission.Shedder()
	c.JSON(http.StatusOK, gin.H{
		"inFlight":    shedder.InFlight(),
		"maxInFlight": shedder.Max(),
		"endpoints":   s.deps.Admission.Counters().Snapshot(),
	})
}

func (s *Server) queueStats(c *gin.Context) {
	if s.deps.Queue == nil {
		notWired(c)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tiers": s.deps.Queue.Stats(c.Request.Context())})
}

func (s *Server) deadLetters(c *gin.Context) {
	if s.deps.Queue == nil {
		notWired(c)
		return
	}
	tier, err := queue.ParseTier(c.Param("tier"))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorBody(err.Error()))
		return
	}
	limit := DefaultDeadLetterLimit
	if raw := c.Query("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			c.JSON(http.StatusBadRequest, errorBody("limit must be a positive integer"))
			return
		}
	}

	letters, err := s.deps.Queue.DeadLetters(c.Request.Context(), tier, limit)
	if err != nil {
		s.logger.Warn("failed to list dead letters",
			observability.String("tier", tier.String()),
			observability.Error(err))
		c.JSON(http.StatusServiceUnavailable, errorBody("job store unavailable"))
		return
	}
	if letters == nil {
		letters = []*queue.DeadLetter{}
	}
	c.JSON(http.StatusOK, gin.H{"tier": tier, "deadLetters": letters})
}

func (s *Server) cacheSizes(c *gin.Context) {
	if s.deps.Cache == nil {
		notWired(c)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"enabled":     s.deps.Cache.Enabled(),
		"distributed": s.deps.Cache.Distributed(),
		"entries":     s.deps.Cache.Sizes(),
	})
}

// submitJob is the synchronous submission path: a store failure is
// reported to the caller instead of being retried.
func (s *Server) submitJob(c *gin.Context) {
	if s.deps.Queue == nil {
		notWired(c)
		return
	}
	var req SubmitJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody(err.Error()))
		return
	}
	tier, err := queue.ParseTier(req.Tier)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorBody(err.Error()))
		return
	}

	opts := []queue.EnqueueOption{queue.WithMaxAttempts(req.MaxAttempts)}
	if req.TenantID != "" {
		opts = append(opts, queue.WithTenant(req.TenantID))
	}
	if d := req.Delay.Duration(); d > 0 {
		opts = append(opts, queue.WithDelay(d))
	}

	id, err := s.deps.Queue.Enqueue(c.Request.Context(), tier, req.Type, req.Payload, opts...)
	if err != nil {
		s.logger.Warn("job submission failed",
			observability.String("tier", tier.String()),
			observability.String("type", req.Type),
			observability.Error(err))
		c.JSON(http.StatusServiceUnavailable, errorBody("job store unavailable"))
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"id": id, "tier": tier})
}

func (s *Server) invalidate(c *gin.Context) {
	if s.deps.Cache == nil {
		notWired(c)
		return
	}
	var req InvalidateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody(err.Error()))
		return
	}

	ctx := c.Request.Context()
	var (
		n   int
		err error
	)
	if req.Resource == "" {
		n, err = s.deps.Cache.InvalidateTenant(ctx, req.TenantID)
	} else {
		n, err = s.deps.Cache.Invalidate(ctx, req.TenantID, req.Resource)
	}
	switch {
	case errors.Is(err, cache.ErrUnknownTenant):
		c.JSON(http.StatusNotFound, errorBody(err.Error()))
		return
	case err != nil:
		s.logger.Warn("cache invalidation failed",
			observability.String("tenant", req.TenantID),
			observability.String("resource", req.Resource),
			observability.Error(err))
		c.JSON(http.StatusServiceUnavailable, errorBody("cache unavailable"))
		return
	}

	s.logger.Info("cache invalidated",
		observability.String("tenant", req.TenantID),
		observability.String("resource", req.Resource),
		observability.Int("entries", n))
	c.JSON(http.StatusOK, gin.H{"removed": n})
}
