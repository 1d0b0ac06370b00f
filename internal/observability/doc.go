// Package observability provides logging, metrics, and tracing
// for the traffic-control plane.
//
// # Logging
//
// The Logger interface wraps zap. Components take a Logger through a
// functional option and default to NopLogger:
//
//	logger, err := observability.NewLogger(observability.DefaultLogConfig())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer func() { _ = logger.Sync() }()
//
//	logger.Info("backend marked unhealthy",
//	    observability.String("tenant", "app1"),
//	    observability.Int("consecutive_failures", 3),
//	)
//
// # Metrics
//
// Each package registers its own Prometheus collectors through promauto.
// This package owns the data-plane HTTP metrics and the /metrics handler:
//
//	mux.Handle("/metrics", observability.MetricsHandler(prometheus.DefaultGatherer))
//
// # Tracing
//
// OpenTelemetry tracing with OTLP gRPC export:
//
//	tracer, err := observability.NewTracer(observability.TracerConfig{
//	    ServiceName:  "avatraffic",
//	    OTLPEndpoint: "localhost:4317",
//	    SamplingRate: 1.0,
//	    Enabled:      true,
//	})
package observability
