package scaling

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"

	"github.com/vyrodovalexey/avatraffic/internal/observability"
)

// NATSSink publishes signals as JSON to a NATS subject.
type NATSSink struct {
	conn    *nats.Conn
	subject string
	owned   bool
	logger  observability.Logger
}

// NATSOption configures a NATSSink.
type NATSOption func(*NATSSink)

// WithNATSLogger sets the logger.
func WithNATSLogger(logger observability.Logger) NATSOption {
	return func(s *NATSSink) {
		s.logger = logger
	}
}

// DialNATS connects to url and returns a sink that owns the connection.
func DialNATS(url, subject string, opts ...NATSOption) (*NATSSink, error) {
	s := &NATSSink{subject: subject, owned: true, logger: observability.NopLogger()}
	for _, opt := range opts {
		opt(s)
	}

	conn, err := nats.Connect(url,
		nats.Name("avatraffic"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(10),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				s.logger.Warn("nats disconnected", observability.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			s.logger.Info("nats reconnected", observability.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats %s: %w", url, err)
	}
	s.conn = conn
	return s, nil
}

// NewNATSSink returns a sink publishing on an existing connection. The
// caller keeps ownership of conn.
func NewNATSSink(conn *nats.Conn, subject string, opts ...NATSOption) *NATSSink {
	s := &NATSSink{conn: conn, subject: subject, logger: observability.NopLogger()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Subject returns the publish subject.
func (s *NATSSink) Subject() string {
	return s.subject
}

// Emit implements Sink.
func (s *NATSSink) Emit(_ context.Context, sig Signal) error {
	data, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("encode scaling signal: %w", err)
	}
	if err := s.conn.Publish(s.subject, data); err != nil {
		GetMetrics().errors.WithLabelValues("nats").Inc()
		return fmt.Errorf("publish scaling signal: %w", err)
	}
	GetMetrics().emitted.WithLabelValues(sig.TenantID, sig.Reason, "nats").Inc()
	return nil
}

// Close drains the connection when the sink owns it.
func (s *NATSSink) Close() error {
	if !s.owned || s.conn == nil {
		return nil
	}
	return s.conn.Drain()
}
