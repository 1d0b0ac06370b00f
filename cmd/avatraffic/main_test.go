package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/avatraffic/internal/config"
	"github.com/vyrodovalexey/avatraffic/internal/observability"
)

const testConfig = `
server:
  address: "127.0.0.1:0"
admin:
  address: "127.0.0.1:0"
redis:
  url: "${AVATRAFFIC_TEST_REDIS:-}"
tenants:
  defaultTenant: app1
  profiles:
    - id: app1
      pathPrefixes: ["/app1"]
      backends:
        - id: a
          host: 127.0.0.1
          port: 18080
scaling:
  enabled: true
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "avatraffic.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestGetEnvOrDefault(t *testing.T) {
	t.Setenv("AVATRAFFIC_TEST_VALUE", "set")

	assert.Equal(t, "set", getEnvOrDefault("AVATRAFFIC_TEST_VALUE", "fallback"))
	assert.Equal(t, "fallback", getEnvOrDefault("AVATRAFFIC_TEST_MISSING", "fallback"))
}

func TestGetEnvBool(t *testing.T) {
	tests := []struct {
		value    string
		fallback bool
		want     bool
	}{
		{value: "true", want: true},
		{value: "YES", want: true},
		{value: "1", want: true},
		{value: "off", fallback: true, want: false},
		{value: "0", fallback: true, want: false},
		{value: "maybe", fallback: true, want: true},
		{value: "", fallback: false, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			t.Setenv("AVATRAFFIC_TEST_BOOL", tt.value)
			assert.Equal(t, tt.want, getEnvBool("AVATRAFFIC_TEST_BOOL", tt.fallback))
		})
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv(envListen, ":18081")
	t.Setenv(envRedisURL, "redis://cache:6379/1")
	t.Setenv(envNATSURL, "nats://bus:4222")
	t.Setenv(envMaxInFlight, "25")
	t.Setenv(envTracing, "true")

	cfg := config.DefaultConfig()
	applyEnvOverrides(cfg)

	assert.Equal(t, ":18081", cfg.Server.Address)
	assert.Equal(t, config.DefaultAdminAddress, cfg.Admin.Address)
	assert.Equal(t, "redis://cache:6379/1", cfg.Redis.URL)
	assert.Equal(t, "nats://bus:4222", cfg.Scaling.NATS.URL)
	assert.Equal(t, 25, cfg.Server.MaxInFlight)
	assert.True(t, cfg.Tracing.Enabled)
}

func TestApplyEnvOverrides_IgnoresBadMaxInFlight(t *testing.T) {
	t.Setenv(envMaxInFlight, "many")

	cfg := config.DefaultConfig()
	applyEnvOverrides(cfg)
	assert.Equal(t, config.DefaultConfig().Server.MaxInFlight, cfg.Server.MaxInFlight)
}

func TestLoadConfig(t *testing.T) {
	cfg, err := loadConfig(writeConfig(t, testConfig))
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:0", cfg.Server.Address)
	assert.False(t, cfg.Redis.Enabled())

	_, err = loadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load configuration")

	_, err = loadConfig(writeConfig(t, "rateLimit:\n  store: redis\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")
}

func TestNewApplication_InMemory(t *testing.T) {
	cfg, err := loadConfig(writeConfig(t, testConfig))
	require.NoError(t, err)

	app, err := newApplication(context.Background(), cfg, observability.NopLogger())
	require.NoError(t, err)
	t.Cleanup(app.close)

	assert.Nil(t, app.redis)
	assert.False(t, app.cache.Distributed())
	assert.NotNil(t, app.pipeline)
	assert.NotNil(t, app.admin)

	var names []string
	for _, task := range app.scheduler.Tasks() {
		names = append(names, task.Name)
	}
	assert.Contains(t, names, "cache:sweep")
	assert.Contains(t, names, "ratelimit:gc")
	assert.Contains(t, names, "queue:stalls")
	assert.Contains(t, names, "health:app1/a")
	assert.Contains(t, names, "scaling:overload")
}

func TestNewApplication_Redis(t *testing.T) {
	mr := miniredis.RunT(t)
	t.Setenv("AVATRAFFIC_TEST_REDIS", "redis://"+mr.Addr())

	cfg, err := loadConfig(writeConfig(t, testConfig+`
rateLimit:
  store: redis
queue:
  store: redis
`))
	require.NoError(t, err)

	app, err := newApplication(context.Background(), cfg, observability.NopLogger())
	require.NoError(t, err)
	t.Cleanup(app.close)

	require.NotNil(t, app.redis)
	assert.True(t, app.cache.Distributed())
	assert.True(t, app.redisIsCritical())
}

func TestNewApplication_NATSSink(t *testing.T) {
	ns, err := server.NewServer(&server.Options{
		Host:   "127.0.0.1",
		Port:   server.RANDOM_PORT,
		NoLog:  true,
		NoSigs: true,
	})
	require.NoError(t, err)
	go ns.Start()
	require.True(t, ns.ReadyForConnections(10*time.Second))
	t.Cleanup(ns.Shutdown)

	cfg, err := loadConfig(writeConfig(t, testConfig))
	require.NoError(t, err)
	cfg.Scaling.NATS.URL = ns.ClientURL()
	cfg.Scaling.NATS.Subject = config.DefaultScalingSubject

	app, err := newApplication(context.Background(), cfg, observability.NopLogger())
	require.NoError(t, err)
	t.Cleanup(app.close)
	require.NotNil(t, app.nats)
}
