package admin

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testclock "k8s.io/utils/clock/testing"

	"github.com/vyrodovalexey/avatraffic/internal/admission"
	"github.com/vyrodovalexey/avatraffic/internal/backend"
	"github.com/vyrodovalexey/avatraffic/internal/cache"
	"github.com/vyrodovalexey/avatraffic/internal/circuitbreaker"
	"github.com/vyrodovalexey/avatraffic/internal/config"
	"github.com/vyrodovalexey/avatraffic/internal/health"
	"github.com/vyrodovalexey/avatraffic/internal/queue"
	"github.com/vyrodovalexey/avatraffic/internal/tenant"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type failingStore struct {
	*queue.MemoryStore
}

func (failingStore) Enqueue(context.Context, *queue.Job) error {
	return errors.New("connection refused")
}

type fixture struct {
	clk      *testclock.FakeClock
	registry *backend.Registry
	breakers *circuitbreaker.Registry
	queue    *queue.Queue
	cache    *cache.Manager
	server   *Server
}

func newFixture(t *testing.T, store queue.Store) *fixture {
	t.Helper()

	clk := testclock.NewFakeClock(time.Unix(1_700_000_000, 0))
	profiles := []*tenant.Profile{
		tenant.NewProfile(&config.TenantProfile{
			ID: "app1",
			Backends: []config.BackendConfig{
				{ID: "a", Host: "10.0.0.1", Port: 80, Weight: 1, MaxConnections: 5},
			},
		}),
	}
	registry, err := backend.NewRegistry(profiles, nil)
	require.NoError(t, err)

	cfg := config.DefaultConfig()
	if store == nil {
		store = queue.NewMemoryStore(queue.WithStoreClock(clk))
	}

	f := &fixture{
		clk:      clk,
		registry: registry,
		breakers: circuitbreaker.NewRegistry(&cfg.CircuitBreaker, circuitbreaker.WithClock(clk)),
		queue:    queue.New(&cfg.Queue, store, queue.WithClock(clk)),
		cache:    cache.NewManager(&cfg.Cache, profiles, nil, cache.WithClock(clk)),
	}

	checks := health.NewHandler(nil)
	checks.AddCheck(health.BackendsCheck(registry))

	f.server = New(Dependencies{
		Registry:  registry,
		Breakers:  f.breakers,
		Admission: admission.NewController(admission.NewShedder(10), nil, f.breakers),
		Queue:     f.queue,
		Cache:     f.cache,
		Health:    checks,
		Gatherer:  prometheus.NewRegistry(),
	})
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()

	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)

	var decoded map[string]any
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded))
	}
	return rec, decoded
}

func TestProbes(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)

	rec, _ := f.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, body := f.do(t, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, health.StatusOK, body["status"])

	hc := backend.NewHealthChecker(f.registry, config.HealthCheckConfig{FailoverThreshold: 1},
		backend.WithProber(backend.ProberFunc(func(context.Context, *backend.Instance) error {
			return errors.New("refused")
		})))
	hc.CheckAll(context.Background())

	rec, body = f.do(t, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, health.StatusError, body["status"])
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	rec, _ := f.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestIntrospection(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	_, err := f.breakers.Allow("app1", "/orders")
	require.NoError(t, err)

	tests := []struct {
		path string
		key  string
	}{
		{path: "/admin/backends", key: "tenants"},
		{path: "/admin/breakers", key: "breakers"},
		{path: "/admin/admission", key: "endpoints"},
		{path: "/admin/queue", key: "tiers"},
		{path: "/admin/cache", key: "entries"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec, body := f.do(t, http.MethodGet, tt.path, "")
			require.Equal(t, http.StatusOK, rec.Code)
			assert.Contains(t, body, tt.key)
		})
	}

	_, body := f.do(t, http.MethodGet, "/admin/queue", "")
	assert.Len(t, body["tiers"], len(queue.Tiers))
}

func TestNotWired(t *testing.T) {
	t.Parallel()

	s := New(Dependencies{Gatherer: prometheus.NewRegistry()})
	for _, path := range []string{"/admin/backends", "/admin/breakers", "/admin/queue", "/admin/cache"} {
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
	}
}

func TestSubmitJob(t *testing.T) {
	t.Parallel()

	t.Run("accepted", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t, nil)
		var got *queue.Job
		f.queue.Register("report.build", queue.HandlerFunc(func(_ context.Context, job *queue.Job) error {
			got = job
			return nil
		}))

		rec, body := f.do(t, http.MethodPost, "/admin/jobs",
			`{"tier":"high","type":"report.build","tenant":"app1","payload":{"day":"2024-01-01"}}`)
		require.Equal(t, http.StatusAccepted, rec.Code)
		assert.NotEmpty(t, body["id"])
		assert.Equal(t, "high", body["tier"])

		ran, err := f.queue.RunOnce(context.Background(), queue.TierHigh)
		require.NoError(t, err)
		require.True(t, ran)
		require.NotNil(t, got)
		assert.Equal(t, "app1", got.TenantID)
		assert.JSONEq(t, `{"day":"2024-01-01"}`, string(got.Payload))
	})

	t.Run("delayed", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t, nil)
		f.queue.Register("noop", queue.HandlerFunc(func(context.Context, *queue.Job) error { return nil }))

		rec, _ := f.do(t, http.MethodPost, "/admin/jobs", `{"tier":"low","type":"noop","delay":"1m"}`)
		require.Equal(t, http.StatusAccepted, rec.Code)

		ran, err := f.queue.RunOnce(context.Background(), queue.TierLow)
		require.NoError(t, err)
		assert.False(t, ran)

		f.clk.Step(time.Minute)
		ran, err = f.queue.RunOnce(context.Background(), queue.TierLow)
		require.NoError(t, err)
		assert.True(t, ran)
	})

	tests := []struct {
		name string
		body string
	}{
		{name: "missing type", body: `{"tier":"high"}`},
		{name: "unknown tier", body: `{"tier":"urgent","type":"x"}`},
		{name: "malformed", body: `{"tier":`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t, nil)
			rec, body := f.do(t, http.MethodPost, "/admin/jobs", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.NotEmpty(t, body["error"])
		})
	}

	t.Run("store failure", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t, failingStore{MemoryStore: queue.NewMemoryStore()})
		rec, body := f.do(t, http.MethodPost, "/admin/jobs", `{"tier":"high","type":"x"}`)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Equal(t, "job store unavailable", body["error"])
	})
}

func TestDeadLetters(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.queue.Enqueue(ctx, queue.TierBulk, "never.registered", nil)
	require.NoError(t, err)
	ran, err := f.queue.RunOnce(ctx, queue.TierBulk)
	require.NoError(t, err)
	require.True(t, ran)

	rec, body := f.do(t, http.MethodGet, "/admin/queue/bulk/deadletters", "")
	require.Equal(t, http.StatusOK, rec.Code)
	letters, ok := body["deadLetters"].([]any)
	require.True(t, ok)
	require.Len(t, letters, 1)
	assert.Equal(t, queue.ReasonUnknownType, letters[0].(map[string]any)["reason"])

	rec, body = f.do(t, http.MethodGet, "/admin/queue/critical/deadletters", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, body["deadLetters"])

	rec, _ = f.do(t, http.MethodGet, "/admin/queue/urgent/deadletters", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = f.do(t, http.MethodGet, "/admin/queue/bulk/deadletters?limit=-1", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestInvalidateCache(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	ctx := context.Background()
	tier, ok := f.cache.For("app1")
	require.True(t, ok)

	for _, target := range []string{"/catalog/1", "/catalog?lang=de", "/about"} {
		r := httptest.NewRequest(http.MethodGet, target, nil)
		require.NoError(t, tier.Set(ctx, f.cache.KeyFor(r, "app1"), []byte("x"), time.Minute))
	}

	rec, body := f.do(t, http.MethodPost, "/admin/cache/invalidate", `{"tenant":"app1","resource":"/catalog/1"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 2, body["removed"])

	rec, body = f.do(t, http.MethodPost, "/admin/cache/invalidate", `{"tenant":"app1"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, body["removed"])

	rec, _ = f.do(t, http.MethodPost, "/admin/cache/invalidate", `{"tenant":"ghost","resource":"/x"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = f.do(t, http.MethodPost, "/admin/cache/invalidate", `{"resource":"/x"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
