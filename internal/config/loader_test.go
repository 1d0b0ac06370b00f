package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
server:
  address: ":8081"
  maxInFlight: 50
redis:
  url: "${TEST_REDIS_URL:-redis://localhost:6379/0}"
tenants:
  defaultTenant: app1
  profiles:
    - id: app1
      subdomains: ["app1"]
      pathPrefixes: ["/api/app1"]
      cacheStrategy: aggressive
      loadBalancing: least-connections
      requestTimeout: 5s
      queueConcurrency:
        bulk: 1
      rateLimits:
        - name: read
          pathPrefix: /read
          requests: 5
          window: 60s
      backends:
        - id: app1-a
          host: 10.0.0.1
          port: 8000
        - id: app1-b
          host: 10.0.0.2
          port: 8000
          weight: 3
rateLimit:
  default:
    requests: 200
  endpoints:
    - name: auth
      pathPrefix: /auth
      requests: 10
queue:
  tiers:
    bulk:
      concurrency: 4
`

func newTestLoader(env map[string]string) *Loader {
	return &Loader{lookupEnv: func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}}
}

func TestLoader_LoadFromReader(t *testing.T) {
	t.Parallel()

	cfg, err := newTestLoader(nil).LoadFromReader(strings.NewReader(sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, ":8081", cfg.Server.Address)
	assert.Equal(t, 50, cfg.Server.MaxInFlight)
	assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout.Duration(), "default kept")
	assert.Equal(t, "redis://localhost:6379/0", cfg.Redis.URL)
	assert.Equal(t, DefaultTenantHeader, cfg.Tenants.Header)

	require.Len(t, cfg.Tenants.Profiles, 1)
	p := cfg.Tenants.Profiles[0]
	assert.Equal(t, "aggressive", p.CacheStrategy)
	assert.Equal(t, 5*time.Second, p.RequestTimeout.Duration())
	assert.Equal(t, 1, p.Backends[0].Weight, "zero weight defaults to 1")
	assert.Equal(t, 3, p.Backends[1].Weight)
	assert.Equal(t, 60*time.Second, p.RateLimits[0].Window.Duration())

	assert.Equal(t, 200, cfg.RateLimit.Default.Requests)
	assert.Equal(t, DefaultRateLimitWindow, cfg.RateLimit.Default.Window.Duration())
	assert.Equal(t, DefaultRateLimitWindow, cfg.RateLimit.Endpoints[0].Window.Duration(), "endpoint inherits default window")

	assert.Equal(t, 4, cfg.Queue.Tiers["bulk"].Concurrency)
	assert.Equal(t, 1, cfg.Queue.Tiers["critical"].Concurrency, "unspecified tiers keep defaults")
	assert.Equal(t, DefaultMaxAttempts, cfg.Queue.MaxAttempts)
	assert.Equal(t, []string{DefaultIdentityHeader, "Cookie"}, cfg.Cache.IdentityHeaders,
		"responses stay keyed by caller identity unless configured otherwise")

	require.NoError(t, ValidateConfig(cfg))
}

func TestLoader_EnvSubstitution(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
		env   map[string]string
		want  string
	}{
		{name: "set variable", input: "${HOST}", env: map[string]string{"HOST": "redis"}, want: "redis"},
		{name: "default used", input: "${HOST:-localhost}", want: "localhost"},
		{name: "set overrides default", input: "${HOST:-localhost}", env: map[string]string{"HOST": "x"}, want: "x"},
		{name: "missing without default", input: "a${HOST}b", want: "ab"},
		{name: "escaped dollar", input: "$${HOST}", env: map[string]string{"HOST": "x"}, want: "${HOST}"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, newTestLoader(tt.env).substituteEnvVars(tt.input))
		})
	}
}

func TestLoader_Load(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "avatraffic.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o600))

	cfg, err := newTestLoader(nil).Load(path)
	require.NoError(t, err)
	assert.Equal(t, "app1", cfg.Tenants.DefaultTenant)
}

func TestLoader_Errors(t *testing.T) {
	t.Parallel()

	_, err := LoadConfig("/nonexistent/avatraffic.yaml")
	assert.Error(t, err)

	_, err = LoadConfigFromReader(strings.NewReader("server: [unclosed"))
	assert.Error(t, err)

	_, err = LoadConfigFromReader(strings.NewReader("unknownKey: 1\n"))
	assert.Error(t, err, "unknown keys are rejected")
}

func TestLoader_EmptyInputGivesDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := LoadConfigFromReader(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, DefaultServerAddress, cfg.Server.Address)
	assert.True(t, cfg.CircuitBreaker.Enabled)
}

func TestConfig_Profile(t *testing.T) {
	t.Parallel()

	cfg, err := newTestLoader(nil).LoadFromReader(strings.NewReader(sampleConfig))
	require.NoError(t, err)

	p, ok := cfg.Profile("app1")
	require.True(t, ok)
	assert.Equal(t, "app1", p.ID)

	_, ok = cfg.Profile("missing")
	assert.False(t, ok)
}
