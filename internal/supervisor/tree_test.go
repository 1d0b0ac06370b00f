package supervisor

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/thejerf/suture/v4"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/vyrodovalexey/avatraffic/internal/observability"
)

type flakyService struct {
	name     string
	failures int32
	starts   atomic.Int32
}

func (s *flakyService) Serve(ctx context.Context) error {
	n := s.starts.Add(1)
	if n <= s.failures {
		return errors.New("simulated failure")
	}
	<-ctx.Done()
	return ctx.Err()
}

func (s *flakyService) String() string { return s.name }

func TestTreeConfig_Defaults(t *testing.T) {
	t.Parallel()

	tree := NewTree(nil, TreeConfig{FailureBackoff: time.Second})
	assert.Equal(t, 5.0, tree.config.FailureThreshold)
	assert.Equal(t, 30.0, tree.config.FailureDecay)
	assert.Equal(t, time.Second, tree.config.FailureBackoff)
	assert.Equal(t, 10*time.Second, tree.config.ShutdownTimeout)
}

func TestTree_RestartsFailedService(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.InfoLevel)
	tree := NewTree(observability.NewLoggerFromZap(zap.New(core)), TreeConfig{
		FailureBackoff:  10 * time.Millisecond,
		ShutdownTimeout: time.Second,
	})

	bg := &flakyService{name: "scheduler", failures: 2}
	api := &flakyService{name: "http"}
	tree.AddBackground(bg)
	tree.AddAPI(api)

	ctx, cancel := context.WithCancel(context.Background())
	done := tree.ServeBackground(ctx)

	require.Eventually(t, func() bool { return bg.starts.Load() == 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), api.starts.Load(), "a background failure must not restart the api layer")

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("tree did not stop")
	}

	terminated := logs.FilterMessage("supervised service terminated").
		FilterField(zap.String("service", "scheduler")).All()
	require.GreaterOrEqual(t, len(terminated), 2)
	assert.Equal(t, "background", terminated[0].ContextMap()["supervisor"])
}

func TestEventHook(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.DebugLevel)
	hook := EventHook(observability.NewLoggerFromZap(zap.New(core)))

	hook(suture.EventServicePanic{SupervisorName: "background", ServiceName: "queue", PanicMsg: "boom"})
	hook(suture.EventBackoff{SupervisorName: "background"})
	hook(suture.EventResume{SupervisorName: "background"})
	hook(suture.EventStopTimeout{SupervisorName: "api", ServiceName: "admin"})

	entries := logs.All()
	require.Len(t, entries, 4)
	assert.Equal(t, zap.ErrorLevel, entries[0].Level)
	assert.Equal(t, "boom", entries[0].ContextMap()["panic"])
	assert.Equal(t, zap.ErrorLevel, entries[1].Level)
	assert.Equal(t, zap.InfoLevel, entries[2].Level)
	assert.Equal(t, zap.WarnLevel, entries[3].Level)
}

func TestHTTPService(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	server := &http.Server{
		Handler: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = io.WriteString(w, "pong")
		}),
		ReadHeaderTimeout: time.Second,
	}
	svc := NewHTTPService("admin", ln.Addr().String(), server, time.Second)
	svc.listen = func(string, string) (net.Listener, error) { return ln, nil }
	assert.Equal(t, "admin", svc.String())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- svc.Serve(ctx) }()

	var body []byte
	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String())
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		body, _ = io.ReadAll(resp.Body)
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "pong", string(body))

	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)
}

func TestHTTPService_ListenFailure(t *testing.T) {
	t.Parallel()

	svc := NewHTTPService("data-plane", "127.0.0.1:1", &http.Server{ReadHeaderTimeout: time.Second}, 0)
	svc.listen = func(string, string) (net.Listener, error) { return nil, errors.New("address in use") }

	err := svc.Serve(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "data-plane")
}
