package workers

import (
	"context"
	"log/slog"
	"time"

	"chathub/contract"
	"chathub/ratelimit"
	"chathub/runtime"
)

var _ contract.Worker = (*TelemetryWorker)(nil)

// TelemetryWorker periodically samples hub gauges. Reading queue
// lengths is non-blocking, so sampling never interferes with delivery;
// it's fine if a sample lands between two fan-outs.
type TelemetryWorker struct {
	log      *slog.Logger
	registry *runtime.Registry
	rooms    *runtime.RoomManager
	limiter  *ratelimit.Limiter
	interval time.Duration
}

func NewTelemetryWorker(log *slog.Logger, registry *runtime.Registry,
	rooms *runtime.RoomManager, limiter *ratelimit.Limiter,
	interval time.Duration) *TelemetryWorker {
	return &TelemetryWorker{
		log:      log,
		registry: registry,
		rooms:    rooms,
		limiter:  limiter,
		interval: interval,
	}
}

func (w *TelemetryWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Debug("Stopping telemetry worker")
			return nil
		case <-ticker.C:
			queued, deepest := 0, 0
			for _, conn := range w.registry.Snapshot() {
				n := conn.Outbound.Len()
				queued += n
				if n > deepest {
					deepest = n
				}
			}
			w.log.Debug("Hub telemetry",
				"connections", w.registry.Count(),
				"rooms", w.rooms.Count(),
				"active_senders", w.limiter.ActiveSenders(),
				"queued_events", queued,
				"deepest_queue", deepest)
		}
	}
}
