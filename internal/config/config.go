package config

import "time"

// Config is the root configuration of the traffic-control plane.
type Config struct {
	Server         ServerConfig         `yaml:"server" json:"server"`
	Admin          AdminConfig          `yaml:"admin" json:"admin"`
	Logging        LoggingConfig        `yaml:"logging" json:"logging"`
	Tracing        TracingConfig        `yaml:"tracing" json:"tracing"`
	Redis          RedisConfig          `yaml:"redis" json:"redis"`
	Tenants        TenantsConfig        `yaml:"tenants" json:"tenants"`
	RateLimit      RateLimitConfig      `yaml:"rateLimit" json:"rateLimit"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuitBreaker" json:"circuitBreaker"`
	Dedup          DedupConfig          `yaml:"dedup" json:"dedup"`
	Cache          CacheConfig          `yaml:"cache" json:"cache"`
	Queue          QueueConfig          `yaml:"queue" json:"queue"`
	HealthCheck    HealthCheckConfig    `yaml:"healthCheck" json:"healthCheck"`
	Scaling        ScalingConfig        `yaml:"scaling" json:"scaling"`
	Scheduler      SchedulerConfig      `yaml:"scheduler" json:"scheduler"`
}

// ServerConfig configures the data-plane HTTP listener.
type ServerConfig struct {
	Address         string   `yaml:"address" json:"address" validate:"required"`
	ReadTimeout     Duration `yaml:"readTimeout" json:"readTimeout"`
	WriteTimeout    Duration `yaml:"writeTimeout" json:"writeTimeout"`
	IdleTimeout     Duration `yaml:"idleTimeout" json:"idleTimeout"`
	ShutdownTimeout Duration `yaml:"shutdownTimeout" json:"shutdownTimeout"`

	// MaxInFlight is the global load-shedding ceiling. Zero disables shedding.
	MaxInFlight int `yaml:"maxInFlight" json:"maxInFlight" validate:"gte=0"`

	// TrustedProxies lists CIDRs whose X-Forwarded-For header is honored
	// when deriving the client key.
	TrustedProxies []string `yaml:"trustedProxies,omitempty" json:"trustedProxies,omitempty" validate:"dive,cidr|ip"`
}

// AdminConfig configures the introspection API listener.
type AdminConfig struct {
	Address string `yaml:"address" json:"address"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `yaml:"format" json:"format" validate:"omitempty,oneof=json console"`
	Output string `yaml:"output" json:"output" validate:"omitempty,oneof=stdout stderr"`
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled" json:"enabled"`
	ServiceName  string  `yaml:"serviceName" json:"serviceName"`
	OTLPEndpoint string  `yaml:"otlpEndpoint" json:"otlpEndpoint"`
	SamplingRate float64 `yaml:"samplingRate" json:"samplingRate" validate:"gte=0,lte=1"`
}

// RedisConfig configures the shared distributed store backing the
// distributed cache tier, Redis rate-limit windows and the Redis job store.
type RedisConfig struct {
	URL         string   `yaml:"url" json:"url"`
	KeyPrefix   string   `yaml:"keyPrefix" json:"keyPrefix"`
	PoolSize    int      `yaml:"poolSize" json:"poolSize" validate:"gte=0"`
	DialTimeout Duration `yaml:"dialTimeout" json:"dialTimeout"`
}

// Enabled reports whether a Redis URL is configured.
func (c RedisConfig) Enabled() bool {
	return c.URL != ""
}

// TenantsConfig holds the fixed tenant profile table.
type TenantsConfig struct {
	DefaultTenant string          `yaml:"defaultTenant" json:"defaultTenant" validate:"required"`
	Header        string          `yaml:"header" json:"header"`
	Profiles      []TenantProfile `yaml:"profiles" json:"profiles" validate:"required,min=1,max=5,dive"`
}

// TenantProfile is the policy of one tenant application.
type TenantProfile struct {
	ID           string   `yaml:"id" json:"id" validate:"required"`
	Subdomains   []string `yaml:"subdomains,omitempty" json:"subdomains,omitempty"`
	PathPrefixes []string `yaml:"pathPrefixes,omitempty" json:"pathPrefixes,omitempty" validate:"dive,startswith=/"`

	MaxConcurrentUsers int `yaml:"maxConcurrentUsers" json:"maxConcurrentUsers" validate:"gte=0"`

	CacheStrategy   string   `yaml:"cacheStrategy" json:"cacheStrategy" validate:"omitempty,oneof=aggressive balanced minimal"`
	CacheTTL        Duration `yaml:"cacheTTL" json:"cacheTTL"`
	CacheMaxEntries int      `yaml:"cacheMaxEntries" json:"cacheMaxEntries" validate:"gte=0"`

	LoadBalancing  string   `yaml:"loadBalancing" json:"loadBalancing" validate:"omitempty,oneof=round-robin least-connections weighted-round-robin ip-hash response-time"` //nolint:lll // validator tag
	RequestTimeout Duration `yaml:"requestTimeout" json:"requestTimeout"`

	// QueueConcurrency caps how many of this tenant's jobs run at once per tier.
	QueueConcurrency map[string]int `yaml:"queueConcurrency,omitempty" json:"queueConcurrency,omitempty" validate:"dive,gte=0"`

	// RateLimits override the global endpoint table for this tenant.
	RateLimits []EndpointLimit `yaml:"rateLimits,omitempty" json:"rateLimits,omitempty" validate:"dive"`

	Backends []BackendConfig `yaml:"backends" json:"backends" validate:"required,min=1,dive"`
}

// BackendConfig describes one statically configured backend instance.
type BackendConfig struct {
	ID             string `yaml:"id" json:"id" validate:"required"`
	Host           string `yaml:"host" json:"host" validate:"required"`
	Port           int    `yaml:"port" json:"port" validate:"required,min=1,max=65535"`
	Weight         int    `yaml:"weight" json:"weight" validate:"gte=0"`
	MaxConnections int    `yaml:"maxConnections" json:"maxConnections" validate:"gte=0"`
}

// RateLimitConfig configures the fixed-window rate limiter.
type RateLimitConfig struct {
	Store     string          `yaml:"store" json:"store" validate:"omitempty,oneof=memory redis"`
	Default   LimitConfig     `yaml:"default" json:"default"`
	Endpoints []EndpointLimit `yaml:"endpoints,omitempty" json:"endpoints,omitempty" validate:"dive"`
}

// LimitConfig is a request budget per window. Zero requests disables limiting.
type LimitConfig struct {
	Requests int      `yaml:"requests" json:"requests" validate:"gte=0"`
	Window   Duration `yaml:"window" json:"window"`
}

// EndpointLimit is the limit applied to an endpoint class matched by path prefix.
type EndpointLimit struct {
	Name       string   `yaml:"name" json:"name"`
	PathPrefix string   `yaml:"pathPrefix" json:"pathPrefix" validate:"required,startswith=/"`
	Requests   int      `yaml:"requests" json:"requests" validate:"min=1"`
	Window     Duration `yaml:"window" json:"window"`
}

// CircuitBreakerConfig configures per (tenant, endpoint) breakers.
type CircuitBreakerConfig struct {
	Enabled          bool     `yaml:"enabled" json:"enabled"`
	FailureThreshold int      `yaml:"failureThreshold" json:"failureThreshold" validate:"gte=0"`
	ResetTimeout     Duration `yaml:"resetTimeout" json:"resetTimeout"`
	TrackingWindow   Duration `yaml:"trackingWindow" json:"trackingWindow"`
}

// DedupConfig configures GET request deduplication.
type DedupConfig struct {
	Enabled        bool   `yaml:"enabled" json:"enabled"`
	IdentityHeader string `yaml:"identityHeader" json:"identityHeader"`
}

// CacheConfig configures the multi-tier response cache.
type CacheConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Distributed enables the Redis tier when Redis is configured.
	Distributed bool `yaml:"distributed" json:"distributed"`

	// KeyHeaders are the request headers folded into the cache key.
	KeyHeaders []string `yaml:"keyHeaders,omitempty" json:"keyHeaders,omitempty"`

	// IdentityHeaders carry the caller's identity. They are hashed into
	// the cache key so a response is only ever served back to the caller
	// presenting the same values.
	IdentityHeaders []string `yaml:"identityHeaders,omitempty" json:"identityHeaders,omitempty"`

	SweepInterval      Duration           `yaml:"sweepInterval" json:"sweepInterval"`
	DistributedBreaker BreakerGuardConfig `yaml:"distributedBreaker" json:"distributedBreaker"`
}

// BreakerGuardConfig configures the breaker guarding distributed cache calls.
type BreakerGuardConfig struct {
	FailureThreshold int      `yaml:"failureThreshold" json:"failureThreshold" validate:"gte=0"`
	OpenTimeout      Duration `yaml:"openTimeout" json:"openTimeout"`
}

// Queue store names.
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
)

// QueueTierNames lists the valid keys of QueueConfig.Tiers, highest priority first.
var QueueTierNames = []string{"critical", "high", "standard", "low", "bulk"}

// QueueConfig configures the priority job queue.
type QueueConfig struct {
	Store        string                `yaml:"store" json:"store" validate:"omitempty,oneof=memory redis"`
	MaxAttempts  int                   `yaml:"maxAttempts" json:"maxAttempts" validate:"gte=0"`
	BaseDelay    Duration              `yaml:"baseDelay" json:"baseDelay"`
	MaxDelay     Duration              `yaml:"maxDelay" json:"maxDelay"`
	StallTimeout Duration              `yaml:"stallTimeout" json:"stallTimeout"`
	PollInterval Duration              `yaml:"pollInterval" json:"pollInterval"`
	Tiers        map[string]TierConfig `yaml:"tiers" json:"tiers" validate:"dive"`
}

// TierConfig configures one priority tier's worker pool.
type TierConfig struct {
	Concurrency int `yaml:"concurrency" json:"concurrency" validate:"gte=0"`

	// RateLimit caps job starts per second in this tier. Zero means unlimited.
	RateLimit float64 `yaml:"rateLimit" json:"rateLimit" validate:"gte=0"`
	Burst     int     `yaml:"burst" json:"burst" validate:"gte=0"`
}

// HealthCheckConfig configures backend liveness probes.
type HealthCheckConfig struct {
	Interval          Duration `yaml:"interval" json:"interval"`
	Timeout           Duration `yaml:"timeout" json:"timeout"`
	Path              string   `yaml:"path" json:"path"`
	FailoverThreshold int      `yaml:"failoverThreshold" json:"failoverThreshold" validate:"gte=0"`
	Protocol          string   `yaml:"protocol" json:"protocol" validate:"omitempty,oneof=http grpc"`
}

// ScalingConfig configures sustained-overload detection.
type ScalingConfig struct {
	Enabled              bool       `yaml:"enabled" json:"enabled"`
	UtilizationThreshold float64    `yaml:"utilizationThreshold" json:"utilizationThreshold" validate:"gte=0,lte=1"`
	SustainedChecks      int        `yaml:"sustainedChecks" json:"sustainedChecks" validate:"gte=0"`
	CheckInterval        Duration   `yaml:"checkInterval" json:"checkInterval"`
	Cooldown             Duration   `yaml:"cooldown" json:"cooldown"`
	NATS                 NATSConfig `yaml:"nats" json:"nats"`
}

// NATSConfig configures the NATS scaling-signal sink.
type NATSConfig struct {
	URL     string `yaml:"url" json:"url"`
	Subject string `yaml:"subject" json:"subject"`
}

// SchedulerConfig configures the periodic task scheduler.
type SchedulerConfig struct {
	Resolution Duration `yaml:"resolution" json:"resolution"`
}

// Profile returns the tenant profile with the given id.
func (c *Config) Profile(id string) (*TenantProfile, bool) {
	for i := range c.Tenants.Profiles {
		if c.Tenants.Profiles[i].ID == id {
			return &c.Tenants.Profiles[i], true
		}
	}
	return nil, false
}

// Default values.
const (
	DefaultServerAddress      = ":8080"
	DefaultAdminAddress       = ":9090"
	DefaultTenantHeader       = "X-App-Id"
	DefaultIdentityHeader     = "Authorization"
	DefaultRateLimitRequests  = 100
	DefaultRateLimitWindow    = time.Minute
	DefaultFailureThreshold   = 5
	DefaultResetTimeout       = 30 * time.Second
	DefaultTrackingWindow     = time.Minute
	DefaultMaxAttempts        = 3
	DefaultBaseDelay          = time.Second
	DefaultMaxDelay           = 5 * time.Minute
	DefaultStallTimeout       = 5 * time.Minute
	DefaultPollInterval       = time.Second
	DefaultHealthInterval     = 10 * time.Second
	DefaultHealthTimeout      = 2 * time.Second
	DefaultHealthPath         = "/health"
	DefaultFailoverThreshold  = 3
	DefaultRequestTimeout     = 30 * time.Second
	DefaultCacheStrategy      = "balanced"
	DefaultLoadBalancing      = "round-robin"
	DefaultSchedulerTick      = 100 * time.Millisecond
	DefaultScalingThreshold   = 0.8
	DefaultScalingChecks      = 3
	DefaultScalingInterval    = 15 * time.Second
	DefaultScalingCooldown    = 5 * time.Minute
	DefaultScalingSubject     = "avatraffic.scaling"
	DefaultCacheSweepInterval = 30 * time.Second
)

// DefaultConfig returns a configuration with every optional field set.
// The loader decodes YAML on top of it, so omitted keys keep these values.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address:         DefaultServerAddress,
			ReadTimeout:     Duration(30 * time.Second),
			WriteTimeout:    Duration(60 * time.Second),
			IdleTimeout:     Duration(120 * time.Second),
			ShutdownTimeout: Duration(30 * time.Second),
			MaxInFlight:     1000,
		},
		Admin:   AdminConfig{Address: DefaultAdminAddress},
		Logging: LoggingConfig{Level: "info", Format: "json", Output: "stdout"},
		Tracing: TracingConfig{ServiceName: "avatraffic", SamplingRate: 1.0},
		Redis:   RedisConfig{KeyPrefix: "avatraffic:", PoolSize: 10, DialTimeout: Duration(5 * time.Second)},
		Tenants: TenantsConfig{Header: DefaultTenantHeader},
		RateLimit: RateLimitConfig{
			Store:   StoreMemory,
			Default: LimitConfig{Requests: DefaultRateLimitRequests, Window: Duration(DefaultRateLimitWindow)},
		},
		CircuitBreaker: CircuitBreakerConfig{
			Enabled:          true,
			FailureThreshold: DefaultFailureThreshold,
			ResetTimeout:     Duration(DefaultResetTimeout),
			TrackingWindow:   Duration(DefaultTrackingWindow),
		},
		Dedup: DedupConfig{Enabled: true, IdentityHeader: DefaultIdentityHeader},
		Cache: CacheConfig{
			Enabled:         true,
			Distributed:     true,
			KeyHeaders:      []string{"Accept", "Accept-Language"},
			IdentityHeaders: []string{DefaultIdentityHeader, "Cookie"},
			SweepInterval:   Duration(DefaultCacheSweepInterval),
			DistributedBreaker: BreakerGuardConfig{
				FailureThreshold: 5,
				OpenTimeout:      Duration(10 * time.Second),
			},
		},
		Queue: QueueConfig{
			Store:        StoreMemory,
			MaxAttempts:  DefaultMaxAttempts,
			BaseDelay:    Duration(DefaultBaseDelay),
			MaxDelay:     Duration(DefaultMaxDelay),
			StallTimeout: Duration(DefaultStallTimeout),
			PollInterval: Duration(DefaultPollInterval),
			Tiers: map[string]TierConfig{
				"critical": {Concurrency: 1},
				"high":     {Concurrency: 4},
				"standard": {Concurrency: 6},
				"low":      {Concurrency: 3},
				"bulk":     {Concurrency: 2},
			},
		},
		HealthCheck: HealthCheckConfig{
			Interval:          Duration(DefaultHealthInterval),
			Timeout:           Duration(DefaultHealthTimeout),
			Path:              DefaultHealthPath,
			FailoverThreshold: DefaultFailoverThreshold,
			Protocol:          "http",
		},
		Scaling: ScalingConfig{
			UtilizationThreshold: DefaultScalingThreshold,
			SustainedChecks:      DefaultScalingChecks,
			CheckInterval:        Duration(DefaultScalingInterval),
			Cooldown:             Duration(DefaultScalingCooldown),
			NATS:                 NATSConfig{Subject: DefaultScalingSubject},
		},
		Scheduler: SchedulerConfig{Resolution: Duration(DefaultSchedulerTick)},
	}
}

// ApplyDefaults fills zero values that the YAML decode may have cleared
// and the per-profile fields DefaultConfig cannot know about.
func (c *Config) ApplyDefaults() {
	if c.Tenants.Header == "" {
		c.Tenants.Header = DefaultTenantHeader
	}
	if c.RateLimit.Default.Window <= 0 {
		c.RateLimit.Default.Window = Duration(DefaultRateLimitWindow)
	}
	for i := range c.RateLimit.Endpoints {
		if c.RateLimit.Endpoints[i].Window <= 0 {
			c.RateLimit.Endpoints[i].Window = c.RateLimit.Default.Window
		}
	}
	if c.Queue.MaxAttempts <= 0 {
		c.Queue.MaxAttempts = DefaultMaxAttempts
	}
	if c.Queue.Tiers == nil {
		c.Queue.Tiers = DefaultConfig().Queue.Tiers
	}
	if c.HealthCheck.FailoverThreshold <= 0 {
		c.HealthCheck.FailoverThreshold = DefaultFailoverThreshold
	}

	for i := range c.Tenants.Profiles {
		c.Tenants.Profiles[i].applyDefaults(c.RateLimit.Default.Window)
	}
}

func (p *TenantProfile) applyDefaults(defaultWindow Duration) {
	if p.CacheStrategy == "" {
		p.CacheStrategy = DefaultCacheStrategy
	}
	if p.LoadBalancing == "" {
		p.LoadBalancing = DefaultLoadBalancing
	}
	if p.RequestTimeout <= 0 {
		p.RequestTimeout = Duration(DefaultRequestTimeout)
	}
	for i := range p.RateLimits {
		if p.RateLimits[i].Window <= 0 {
			p.RateLimits[i].Window = defaultWindow
		}
	}
	for i := range p.Backends {
		if p.Backends[i].Weight == 0 {
			p.Backends[i].Weight = 1
		}
	}
}
