package tenant

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/avatraffic/internal/config"
	"github.com/vyrodovalexey/avatraffic/internal/observability"
)

func testTenants() config.TenantsConfig {
	backend := []config.BackendConfig{{ID: "b", Host: "127.0.0.1", Port: 8000, Weight: 1}}
	return config.TenantsConfig{
		DefaultTenant: "legacy",
		Header:        "X-App-Id",
		Profiles: []config.TenantProfile{
			{ID: "legacy", Backends: backend},
			{ID: "app1", Subdomains: []string{"app1"}, PathPrefixes: []string{"/api/app1"}, Backends: backend},
			{ID: "app2", Subdomains: []string{"shop.example.com"}, PathPrefixes: []string{"/api"}, Backends: backend},
			{ID: "app3", PathPrefixes: []string{"/api/app3/v2"}, Backends: backend},
		},
	}
}

func newTestRouter(t *testing.T) *Router {
	t.Helper()
	r, err := NewRouter(testTenants())
	require.NoError(t, err)
	return r
}

func TestRouter_Classify(t *testing.T) {
	t.Parallel()

	r := newTestRouter(t)

	tests := []struct {
		name       string
		host       string
		path       string
		header     string
		wantTenant string
		wantSource MatchSource
	}{
		{"subdomain first label", "app1.example.com", "/api/app3/v2/x", "", "app1", MatchSubdomain},
		{"subdomain with port", "APP1.example.com:8443", "/", "", "app1", MatchSubdomain},
		{"full host", "shop.example.com", "/", "", "app2", MatchSubdomain},
		{"path prefix", "gw.local", "/api/app1/items", "", "app1", MatchPath},
		{"longest prefix wins", "gw.local", "/api/app3/v2/items", "", "app3", MatchPath},
		{"shorter prefix", "gw.local", "/api/other", "", "app2", MatchPath},
		{"segment boundary", "gw.local", "/api/app10", "", "app2", MatchPath},
		{"header", "gw.local", "/read", "app3", "app3", MatchHeader},
		{"unknown header falls back", "gw.local", "/read", "nope", "legacy", MatchDefault},
		{"path beats header", "gw.local", "/api/app1", "app3", "app1", MatchPath},
		{"default", "", "/read", "", "legacy", MatchDefault},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			req := httptest.NewRequest(http.MethodGet, "http://placeholder"+tt.path, nil)
			req.Host = tt.host
			if tt.header != "" {
				req.Header.Set("X-App-Id", tt.header)
			}

			p, source := r.Classify(req)
			require.NotNil(t, p)
			assert.Equal(t, tt.wantTenant, p.ID)
			assert.Equal(t, tt.wantSource, source)
		})
	}
}

func TestNewRouter_Errors(t *testing.T) {
	t.Parallel()

	cfg := testTenants()
	cfg.DefaultTenant = "ghost"
	_, err := NewRouter(cfg)
	assert.Error(t, err)

	cfg = testTenants()
	cfg.Profiles = append(cfg.Profiles, cfg.Profiles[0])
	_, err = NewRouter(cfg)
	assert.Error(t, err)
}

func TestRouter_Middleware_AttachesProfile(t *testing.T) {
	t.Parallel()

	r := newTestRouter(t)

	var got *Profile
	handler := r.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		p, ok := FromContext(req.Context())
		require.True(t, ok)
		got = p
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/app1/x", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.NotNil(t, got)
	assert.Equal(t, "app1", got.ID)
	assert.Equal(t, "app1", rec.Header().Get(observability.TenantHeader))
}

func TestFromContext_Missing(t *testing.T) {
	t.Parallel()

	_, ok := FromContext(httptest.NewRequest(http.MethodGet, "/", nil).Context())
	assert.False(t, ok)
}

func TestRouter_ProfilesOrder(t *testing.T) {
	t.Parallel()

	r := newTestRouter(t)
	ids := make([]string, 0)
	for _, p := range r.Profiles() {
		ids = append(ids, p.ID)
	}
	assert.Equal(t, []string{"legacy", "app1", "app2", "app3"}, ids)
	assert.Equal(t, "legacy", r.Default().ID)

	p, ok := r.Profile("app2")
	require.True(t, ok)
	assert.Equal(t, "app2", p.ID)
}

func TestNewProfile_StrategyDefaults(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		cfg         config.TenantProfile
		wantTTL     time.Duration
		wantEntries int
		wantStrat   CacheStrategy
	}{
		{"aggressive", config.TenantProfile{CacheStrategy: "aggressive"}, 10 * time.Minute, 10000, CacheAggressive},
		{"minimal", config.TenantProfile{CacheStrategy: "minimal"}, 30 * time.Second, 200, CacheMinimal},
		{"empty is balanced", config.TenantProfile{}, 2 * time.Minute, 2000, CacheBalanced},
		{
			"explicit wins",
			config.TenantProfile{CacheStrategy: "minimal", CacheTTL: config.Duration(time.Hour), CacheMaxEntries: 7},
			time.Hour, 7, CacheMinimal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			p := NewProfile(&tt.cfg)
			assert.Equal(t, tt.wantTTL, p.CacheTTL)
			assert.Equal(t, tt.wantEntries, p.CacheMaxEntries)
			assert.Equal(t, tt.wantStrat, p.CacheStrategy)
			assert.Equal(t, config.DefaultRequestTimeout, p.RequestTimeout)
			assert.Equal(t, config.DefaultLoadBalancing, p.LoadBalancing)
		})
	}
}

func TestProfile_QueueLimit(t *testing.T) {
	t.Parallel()

	p := NewProfile(&config.TenantProfile{QueueConcurrency: map[string]int{"bulk": 2}})
	assert.Equal(t, 2, p.QueueLimit("bulk"))
	assert.Equal(t, 0, p.QueueLimit("critical"))

	var nilProfile *Profile
	assert.Equal(t, 0, nilProfile.QueueLimit("bulk"))
}

func TestMatchPrefix(t *testing.T) {
	t.Parallel()

	tests := []struct {
		prefix, path string
		want         bool
	}{
		{"/api", "/api", true},
		{"/api", "/api/x", true},
		{"/api", "/apix", false},
		{"/api/", "/api/x", true},
		{"/", "/anything", true},
		{"/api", "/other", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, MatchPrefix(tt.prefix, tt.path), "%s vs %s", tt.prefix, tt.path)
		assert.Equal(t, tt.want, NewPrefixMatcher(tt.prefix).Match(tt.path))
	}
}
