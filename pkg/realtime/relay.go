package realtime

import (
	"context"
	"log/slog"

	"github.com/dukex/runflow/pkg/events"
	"github.com/dukex/runflow/pkg/metrics"
)

// Relay is an events.Observer that republishes orchestrator events on a
// Channel so clients connected to any process can follow an execution.
type Relay struct {
	channel Channel
	metrics *metrics.Collector
	logger  *slog.Logger
}

func NewRelay(channel Channel, collector *metrics.Collector, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}

	return &Relay{
		channel: channel,
		metrics: collector,
		logger:  logger.With("module", "realtime_relay"),
	}
}

// OnEvent publishes the event. Failures are logged and never reach the
// execution.
func (r *Relay) OnEvent(ctx context.Context, event events.Event) {
	if err := r.channel.Publish(context.WithoutCancel(ctx), event); err != nil {
		r.logger.WarnContext(ctx, "failed to relay event",
			"execution_id", event.ExecutionID, "event_type", event.Type, "error", err)

		return
	}

	r.metrics.EventRelayed("published")
}
