package supervisor

import (
	"github.com/thejerf/suture/v4"

	"github.com/vyrodovalexey/avatraffic/internal/observability"
)

// EventHook logs suture events: panics and backoff at error level,
// terminations at warn level and the rest at info level.
func EventHook(logger observability.Logger) suture.EventHook {
	return func(e suture.Event) {
		switch ev := e.(type) {
		case suture.EventServicePanic:
			logger.Error("supervised service panicked",
				observability.String("supervisor", ev.SupervisorName),
				observability.String("service", ev.ServiceName),
				observability.Float64("failures", ev.CurrentFailures),
				observability.Bool("restarting", ev.Restarting),
				observability.String("panic", ev.PanicMsg),
				observability.String("stacktrace", ev.Stacktrace),
			)
		case suture.EventServiceTerminate:
			logger.Warn("supervised service terminated",
				observability.String("supervisor", ev.SupervisorName),
				observability.String("service", ev.ServiceName),
				observability.Float64("failures", ev.CurrentFailures),
				observability.Bool("restarting", ev.Restarting),
				observability.Any("error", ev.Err),
			)
		case suture.EventBackoff:
			logger.Error("supervisor entering backoff",
				observability.String("supervisor", ev.SupervisorName),
			)
		case suture.EventResume:
			logger.Info("supervisor resuming",
				observability.String("supervisor", ev.SupervisorName),
			)
		case suture.EventStopTimeout:
			logger.Warn("supervised service did not stop in time",
				observability.String("supervisor", ev.SupervisorName),
				observability.String("service", ev.ServiceName),
			)
		default:
			logger.Info(e.String())
		}
	}
}
