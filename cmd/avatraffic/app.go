package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"k8s.io/utils/clock"

	"github.com/vyrodovalexey/avatraffic/internal/admin"
	"github.com/vyrodovalexey/avatraffic/internal/admission"
	"github.com/vyrodovalexey/avatraffic/internal/backend"
	"github.com/vyrodovalexey/avatraffic/internal/cache"
	"github.com/vyrodovalexey/avatraffic/internal/circuitbreaker"
	"github.com/vyrodovalexey/avatraffic/internal/config"
	"github.com/vyrodovalexey/avatraffic/internal/downstream"
	"github.com/vyrodovalexey/avatraffic/internal/health"
	"github.com/vyrodovalexey/avatraffic/internal/middleware"
	"github.com/vyrodovalexey/avatraffic/internal/observability"
	"github.com/vyrodovalexey/avatraffic/internal/pipeline"
	"github.com/vyrodovalexey/avatraffic/internal/queue"
	"github.com/vyrodovalexey/avatraffic/internal/ratelimit"
	rlstore "github.com/vyrodovalexey/avatraffic/internal/ratelimit/store"
	"github.com/vyrodovalexey/avatraffic/internal/scaling"
	"github.com/vyrodovalexey/avatraffic/internal/scheduler"
	"github.com/vyrodovalexey/avatraffic/internal/storage"
	"github.com/vyrodovalexey/avatraffic/internal/supervisor"
	"github.com/vyrodovalexey/avatraffic/internal/tenant"
)

const defaultTracerFlush = 5 * time.Second

// application holds every long-lived component.
type application struct {
	config *config.Config
	logger observability.Logger

	redis     *redis.Client
	tracer    *observability.Tracer
	router    *tenant.Router
	limiter   *ratelimit.FixedWindowLimiter
	breakers  *circuitbreaker.Registry
	admission *admission.Controller
	cache     *cache.Manager
	queue     *queue.Queue
	registry  *backend.Registry
	checker   *backend.HealthChecker
	scheduler *scheduler.Scheduler
	nats      *scaling.NATSSink
	pipeline  *pipeline.Pipeline
	admin     *admin.Server
	tree      *supervisor.Tree
}

// newApplication builds the component graph from cfg. Components built
// before a failure are closed before returning the error.
func newApplication(ctx context.Context, cfg *config.Config, logger observability.Logger) (*application, error) {
	app := &application{config: cfg, logger: logger}
	if err := app.init(ctx); err != nil {
		app.close()
		return nil, err
	}
	return app, nil
}

func (a *application) init(ctx context.Context) error {
	cfg := a.config
	clk := clock.RealClock{}

	tracer, err := observability.NewTracer(observability.TracerConfig{
		ServiceName:  cfg.Tracing.ServiceName,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		SamplingRate: cfg.Tracing.SamplingRate,
		Enabled:      cfg.Tracing.Enabled,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize tracer: %w", err)
	}
	a.tracer = tracer

	if cfg.Redis.Enabled() {
		a.redis, err = storage.NewRedisClient(ctx, cfg.Redis, storage.WithRedisLogger(a.logger))
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
	}

	a.router, err = tenant.NewRouter(cfg.Tenants, tenant.WithRouterLogger(a.logger))
	if err != nil {
		return fmt.Errorf("failed to build tenant router: %w", err)
	}
	profiles := a.router.Profiles()

	a.limiter = ratelimit.NewFixedWindowLimiter(
		a.rateLimitStore(),
		ratelimit.NewTable(&cfg.RateLimit, profiles),
		ratelimit.WithClock(clk),
		ratelimit.WithLogger(a.logger),
	)
	a.breakers = circuitbreaker.NewRegistry(&cfg.CircuitBreaker,
		circuitbreaker.WithClock(clk),
		circuitbreaker.WithLogger(a.logger),
	)
	a.admission = admission.NewController(
		admission.NewShedder(cfg.Server.MaxInFlight),
		a.limiter,
		a.breakers,
		admission.WithLogger(a.logger),
	)

	var distributed cache.Tier
	if cfg.Cache.Distributed && a.redis != nil {
		distributed = cache.NewRedisTier(a.redis, cfg.Cache.DistributedBreaker,
			cache.WithRedisKeyPrefix(cfg.Redis.KeyPrefix+"cache:"),
			cache.WithRedisLogger(a.logger),
		)
	}
	a.cache = cache.NewManager(&cfg.Cache, profiles, distributed,
		cache.WithClock(clk),
		cache.WithLogger(a.logger),
	)

	a.queue = queue.New(&cfg.Queue, a.jobStore(clk),
		queue.WithClock(clk),
		queue.WithLogger(a.logger),
		queue.WithTenantProfiles(profiles),
	)
	a.queue.Register(pipeline.JobTypeInvalidate, pipeline.InvalidationHandler(a.cache, a.logger))

	a.registry, err = backend.NewRegistry(profiles, a.logger)
	if err != nil {
		return fmt.Errorf("failed to build backend registry: %w", err)
	}
	a.checker = backend.NewHealthChecker(a.registry, cfg.HealthCheck,
		backend.WithHealthClock(clk),
		backend.WithHealthLogger(a.logger),
	)

	if err := a.initScheduler(clk); err != nil {
		return err
	}

	handler := downstream.NewProxyHandler(
		downstream.NewClient(downstream.DefaultTransportConfig()),
		downstream.WithProxyLogger(a.logger),
	)
	a.pipeline = pipeline.New(a.router, a.admission, a.registry, handler,
		pipeline.WithLogger(a.logger),
		pipeline.WithCache(a.cache),
		pipeline.WithDedup(cfg.Dedup),
		pipeline.WithQueue(a.queue),
		pipeline.WithClientIPExtractor(middleware.NewClientIPExtractor(cfg.Server.TrustedProxies)),
		pipeline.WithTracer(a.tracer),
		pipeline.WithClock(clk),
	)

	checks := health.NewHandler(a.logger)
	checks.AddCheck(health.BackendsCheck(a.registry))
	if a.redis != nil {
		checks.AddCheck(health.RedisHealthCheck("redis", a.redis, health.WithCritical(a.redisIsCritical())))
	}
	a.admin = admin.New(admin.Dependencies{
		Registry:  a.registry,
		Breakers:  a.breakers,
		Admission: a.admission,
		Queue:     a.queue,
		Cache:     a.cache,
		Health:    checks,
		Gatherer:  prometheus.DefaultGatherer,
	}, admin.WithLogger(a.logger))

	a.initTree()
	return nil
}

func (a *application) rateLimitStore() rlstore.Store {
	if a.config.RateLimit.Store == config.StoreRedis && a.redis != nil {
		return rlstore.NewRedisStore(a.redis, rlstore.WithKeyPrefix(a.config.Redis.KeyPrefix+"rl:"))
	}
	return rlstore.NewMemoryStore()
}

func (a *application) jobStore(clk clock.PassiveClock) queue.Store {
	if a.config.Queue.Store == config.StoreRedis && a.redis != nil {
		return queue.NewRedisStore(a.redis, queue.WithKeyPrefix(a.config.Redis.KeyPrefix+"queue:"))
	}
	return queue.NewMemoryStore(queue.WithStoreClock(clk))
}

// redisIsCritical reports whether losing Redis takes state the data plane
// cannot serve without. The distributed cache tier alone degrades to local.
func (a *application) redisIsCritical() bool {
	return a.config.RateLimit.Store == config.StoreRedis || a.config.Queue.Store == config.StoreRedis
}

func (a *application) initScheduler(clk clock.WithTicker) error {
	cfg := a.config
	a.scheduler = scheduler.New(
		scheduler.WithClock(clk),
		scheduler.WithResolution(cfg.Scheduler.Resolution.OrDefault(config.DefaultSchedulerTick)),
		scheduler.WithLogger(a.logger),
	)

	if err := a.checker.Register(a.scheduler); err != nil {
		return fmt.Errorf("failed to schedule health probes: %w", err)
	}
	if err := a.scheduler.Every("cache:sweep",
		cfg.Cache.SweepInterval.OrDefault(config.DefaultCacheSweepInterval), a.cache.SweepTask()); err != nil {
		return err
	}
	if err := a.scheduler.Every("ratelimit:gc",
		cfg.RateLimit.Default.Window.OrDefault(config.DefaultRateLimitWindow), a.limiter.GCTask()); err != nil {
		return err
	}
	if err := a.scheduler.Every("queue:stalls", a.queue.StallTimeout(), a.queue.StallTask()); err != nil {
		return err
	}

	if !cfg.Scaling.Enabled {
		return nil
	}
	var sink scaling.Sink = scaling.NewLogSink(a.logger)
	if cfg.Scaling.NATS.URL != "" {
		subject := cfg.Scaling.NATS.Subject
		if subject == "" {
			subject = config.DefaultScalingSubject
		}
		nc, err := scaling.DialNATS(cfg.Scaling.NATS.URL, subject, scaling.WithNATSLogger(a.logger))
		if err != nil {
			return fmt.Errorf("failed to connect to nats: %w", err)
		}
		a.nats = nc
		sink = scaling.Multi(sink, nc)
	}
	detector := backend.NewOverloadDetector(a.registry, cfg.Scaling, sink,
		backend.WithOverloadClock(clk),
		backend.WithOverloadLogger(a.logger),
	)
	if err := detector.Register(a.scheduler); err != nil {
		return fmt.Errorf("failed to schedule overload detection: %w", err)
	}
	return nil
}

func (a *application) initTree() {
	cfg := a.config
	shutdown := cfg.Server.ShutdownTimeout.Duration()

	a.tree = supervisor.NewTree(a.logger, supervisor.TreeConfig{ShutdownTimeout: shutdown})
	a.tree.AddBackground(a.scheduler)
	a.tree.AddBackground(a.queue)

	dataPlane := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           a.pipeline,
		ReadTimeout:       cfg.Server.ReadTimeout.Duration(),
		ReadHeaderTimeout: cfg.Server.ReadTimeout.Duration(),
		WriteTimeout:      cfg.Server.WriteTimeout.Duration(),
		IdleTimeout:       cfg.Server.IdleTimeout.Duration(),
	}
	a.tree.AddAPI(supervisor.NewHTTPService("data-plane", cfg.Server.Address, dataPlane, shutdown))

	if cfg.Admin.Address != "" {
		adminServer := &http.Server{
			Addr:              cfg.Admin.Address,
			Handler:           a.admin.Handler(),
			ReadHeaderTimeout: cfg.Server.ReadTimeout.Duration(),
		}
		a.tree.AddAPI(supervisor.NewHTTPService("admin", cfg.Admin.Address, adminServer, shutdown))
	}
}

// run blocks until ctx is cancelled or the supervisor tree gives up.
func (a *application) run(ctx context.Context) error {
	a.logger.Info("serving",
		observability.String("address", a.config.Server.Address),
		observability.String("admin_address", a.config.Admin.Address),
		observability.Bool("redis", a.redis != nil),
		observability.Bool("distributed_cache", a.cache.Distributed()),
	)
	err := a.tree.Serve(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// close releases every component in reverse construction order.
func (a *application) close() {
	closeLogged := func(name string, c interface{ Close() error }) {
		if err := c.Close(); err != nil {
			a.logger.Warn("failed to close component",
				observability.String("component", name),
				observability.Error(err))
		}
	}

	if a.checker != nil {
		closeLogged("health checker", a.checker)
	}
	if a.nats != nil {
		closeLogged("nats", a.nats)
	}
	if a.queue != nil {
		closeLogged("queue", a.queue)
	}
	if a.cache != nil {
		closeLogged("cache", a.cache)
	}
	if a.limiter != nil {
		closeLogged("rate limiter", a.limiter)
	}
	if a.redis != nil {
		closeLogged("redis", a.redis)
	}
	if a.tracer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), a.config.Server.ShutdownTimeout.OrDefault(defaultTracerFlush))
		defer cancel()
		if err := a.tracer.Shutdown(ctx); err != nil {
			a.logger.Warn("failed to shut down tracer", observability.Error(err))
		}
	}
}
