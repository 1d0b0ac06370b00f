package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testclock "k8s.io/utils/clock/testing"

	"github.com/vyrodovalexey/avatraffic/internal/backend"
	"github.com/vyrodovalexey/avatraffic/internal/config"
	"github.com/vyrodovalexey/avatraffic/internal/tenant"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newEngine(h *Handler) *gin.Engine {
	engine := gin.New()
	h.RegisterRoutes(engine)
	return engine
}

func get(t *testing.T, engine *gin.Engine, path string) (int, HealthStatus) {
	t.Helper()
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))

	var body HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return rec.Code, body
}

func TestLiveness(t *testing.T) {
	t.Parallel()

	clk := testclock.NewFakeClock(time.Unix(1_700_000_000, 0))
	h := NewHandler(nil, WithClock(clk))
	h.AddCheck(NewDependencyCheck("broken", func(context.Context) error { return errors.New("down") }))
	clk.Step(90 * time.Second)

	code, body := get(t, newEngine(h), "/healthz")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, StatusOK, body.Status)
	assert.Equal(t, "1m30s", body.Uptime)
	assert.Empty(t, body.Checks, "liveness never runs dependency checks")
}

func TestReadiness(t *testing.T) {
	t.Parallel()

	ok := func(context.Context) error { return nil }
	fail := func(context.Context) error { return errors.New("down") }

	tests := []struct {
		name     string
		checks   []HealthCheck
		wantCode int
		wantBody string
	}{
		{
			name:     "no checks",
			wantCode: http.StatusOK,
			wantBody: StatusOK,
		},
		{
			name:     "all passing",
			checks:   []HealthCheck{NewDependencyCheck("a", ok), NewDependencyCheck("b", ok)},
			wantCode: http.StatusOK,
			wantBody: StatusOK,
		},
		{
			name:     "critical failure",
			checks:   []HealthCheck{NewDependencyCheck("a", ok), NewDependencyCheck("b", fail)},
			wantCode: http.StatusServiceUnavailable,
			wantBody: StatusError,
		},
		{
			name:     "non-critical failure",
			checks:   []HealthCheck{NewDependencyCheck("a", ok), NewDependencyCheck("b", fail, WithCritical(false))},
			wantCode: http.StatusOK,
			wantBody: StatusDegraded,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := NewHandler(nil)
			for _, c := range tt.checks {
				h.AddCheck(c)
			}

			code, body := get(t, newEngine(h), "/readyz")
			assert.Equal(t, tt.wantCode, code)
			assert.Equal(t, tt.wantBody, body.Status)
			assert.Len(t, body.Checks, len(tt.checks))
		})
	}
}

func TestReadiness_Timeout(t *testing.T) {
	t.Parallel()

	h := NewHandler(nil, WithReadinessTimeout(20*time.Millisecond))
	h.AddCheck(NewDependencyCheck("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	status := h.Readiness(context.Background())
	assert.Equal(t, StatusError, status.Status)
	assert.Contains(t, status.Checks["slow"].Error, "deadline exceeded")
}

func TestBackendsCheck(t *testing.T) {
	t.Parallel()

	registry, err := backend.NewRegistry([]*tenant.Profile{
		tenant.NewProfile(&config.TenantProfile{
			ID:       "app1",
			Backends: []config.BackendConfig{{ID: "a", Host: "10.0.0.1", Port: 80, Weight: 1}},
		}),
	}, nil)
	require.NoError(t, err)
	check := BackendsCheck(registry)
	ctx := context.Background()

	require.NoError(t, check.Check(ctx), "unprobed instances are eligible")

	hc := backend.NewHealthChecker(registry, config.HealthCheckConfig{FailoverThreshold: 1},
		backend.WithProber(backend.ProberFunc(func(context.Context, *backend.Instance) error {
			return errors.New("refused")
		})))
	hc.CheckAll(ctx)

	err = check.Check(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "app1")
}

func TestRedisHealthCheck(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	check := RedisHealthCheck("redis", client)
	require.NoError(t, check.Check(context.Background()))
	assert.True(t, check.IsCritical())

	mr.Close()
	assert.Error(t, check.Check(context.Background()))
}
