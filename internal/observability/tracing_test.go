package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newRecordingTracer(t *testing.T) (*Tracer, *tracetest.SpanRecorder) {
	t.Helper()

	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })
	return &Tracer{provider: provider, tracer: provider.Tracer("test")}, recorder
}

func TestNewTracer_Disabled(t *testing.T) {
	t.Parallel()

	tracer, err := NewTracer(TracerConfig{})
	require.NoError(t, err)
	assert.Nil(t, tracer.provider)
	assert.NoError(t, tracer.Shutdown(context.Background()))

	ctx, span := tracer.StartSpan(context.Background(), "noop")
	span.End()
	assert.Empty(t, TraceIDFromContext(ctx))
}

func TestNewTracer_EnabledWithoutExporter(t *testing.T) {
	tracer, err := NewTracer(TracerConfig{Enabled: true, SamplingRate: 1, ServiceName: "test"})
	require.NoError(t, err)
	require.NotNil(t, tracer.provider)
	defer func() { _ = tracer.Shutdown(context.Background()) }()

	ctx, span := tracer.StartSpan(context.Background(), "op")
	defer span.End()
	assert.True(t, span.SpanContext().IsValid())
	assert.Equal(t, span.SpanContext().TraceID().String(), TraceIDFromContext(ctx))
}

func TestSampler(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		rate float64
		want string
	}{
		{name: "always", rate: 1, want: sdktrace.AlwaysSample().Description()},
		{name: "above one", rate: 3, want: sdktrace.AlwaysSample().Description()},
		{name: "never", rate: 0, want: sdktrace.NeverSample().Description()},
		{name: "ratio", rate: 0.5, want: sdktrace.TraceIDRatioBased(0.5).Description()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, sampler(tt.rate).Description())
		})
	}
}

func TestTracingMiddleware(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		status     int
		tenant     string
		wantStatus codes.Code
	}{
		{name: "success with tenant", status: http.StatusOK, tenant: "app1", wantStatus: codes.Unset},
		{name: "bad gateway", status: http.StatusBadGateway, tenant: "app2", wantStatus: codes.Error},
		{name: "client error", status: http.StatusTooManyRequests, wantStatus: codes.Unset},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			tracer, recorder := newRecordingTracer(t)
			var traceID string
			handler := TracingMiddleware(tracer)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				traceID = TraceIDFromContext(r.Context())
				if tt.tenant != "" {
					w.Header().Set(TenantHeader, tt.tenant)
				}
				w.WriteHeader(tt.status)
			}))

			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/read/1", nil))
			assert.Equal(t, tt.status, rec.Code)
			assert.NotEmpty(t, traceID)

			spans := recorder.Ended()
			require.Len(t, spans, 1)
			span := spans[0]
			assert.Equal(t, "avatraffic GET", span.Name())
			assert.Equal(t, tt.wantStatus, span.Status().Code)

			attrs := make(map[string]string)
			for _, kv := range span.Attributes() {
				attrs[string(kv.Key)] = kv.Value.Emit()
			}
			assert.Equal(t, "/read/1", attrs["url.path"])
			assert.Equal(t, tt.tenant, attrs[string(AttrTenantID)])
		})
	}
}
