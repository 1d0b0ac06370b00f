package admin

import (
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/vyrodovalexey/avatraffic/internal/admission"
	"github.com/vyrodovalexey/avatraffic/internal/backend"
	"github.com/vyrodovalexey/avatraffic/internal/cache"
	"github.com/vyrodovalexey/avatraffic/internal/circuitbreaker"
	"github.com/vyrodovalexey/avatraffic/internal/health"
	"github.com/vyrodovalexey/avatraffic/internal/observability"
	"github.com/vyrodovalexey/avatraffic/internal/queue"
)

var ginModeOnce sync.Once

// Dependencies are the components the API reports on. Nil components
// make their routes answer 404.
type Dependencies struct {
	Registry  *backend.Registry
	Breakers  *circuitbreaker.Registry
	Admission *admission.Controller
	Queue     *queue.Queue
	Cache     *cache.Manager
	Health    *health.Handler

	// Gatherer backs /metrics; the default registry when nil.
	Gatherer prometheus.Gatherer
}

// Server is the admin API.
type Server struct {
	engine *gin.Engine
	deps   Dependencies
	logger observability.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New builds the admin API over deps.
func New(deps Dependencies, opts ...Option) *Server {
	ginModeOnce.Do(func() {
		gin.SetMode(gin.ReleaseMode)
	})

	s := &Server{
		engine: gin.New(),
		deps:   deps,
		logger: observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.deps.Health == nil {
		s.deps.Health = health.NewHandler(s.logger)
	}
	if s.deps.Gatherer == nil {
		s.deps.Gatherer = prometheus.DefaultGatherer
	}

	s.engine.Use(s.recovery())
	s.routes()
	return s
}

// Handler returns the API's http.Handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) routes() {
	s.deps.Health.RegisterRoutes(s.engine)
	s.engine.GET("/metrics", gin.WrapH(observability.MetricsHandler(s.deps.Gatherer)))

	api := s.engine.Group("/admin")
	api.GET("/backends", s.backends)
	api.GET("/breakers", s.breakers)
	api.GET("/admission", s.admission)
	api.GET("/queue", s.queueStats)
	api.GET("/queue/:tier/deadletters", s.deadLetters)
	api.GET("/cache", s.cacheSizes)
	api.POST("/jobs", s.submitJob)
	api.POST("/cache/invalidate", s.invalidate)
}

func (s *Server) recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("admin handler panicked",
					observability.String("path", c.Request.URL.Path),
					observability.Any("panic", rec),
				)
				c.AbortWithStatusJSON(http.StatusInternalServerError, errorBody("internal error"))
			}
		}()
		c.Next()
	}
}

func errorBody(msg string) gin.H {
	return gin.H{"error": msg}
}
