package workers

import (
	"context"
	"log/slog"
	"time"

	"chathub/contract"
	"chathub/domain"
	"chathub/observability"
	"chathub/runtime"
)

var _ contract.Worker = (*HeartbeatWorker)(nil)

// HeartbeatWorker is the sole path that evicts silently-dead peers:
// crashed clients and partitioned networks stop sending Heartbeat
// frames, and this worker notices. It also enforces credential expiry
// as a forced disconnect.
type HeartbeatWorker struct {
	log      *slog.Logger
	stats    *observability.Stats
	registry *runtime.Registry
	interval time.Duration
	timeout  time.Duration
	now      func() time.Time
}

func NewHeartbeatWorker(log *slog.Logger, stats *observability.Stats,
	registry *runtime.Registry, interval, timeout time.Duration) *HeartbeatWorker {
	return &HeartbeatWorker{
		log:      log,
		stats:    stats,
		registry: registry,
		interval: interval,
		timeout:  timeout,
		now:      time.Now,
	}
}

func (w *HeartbeatWorker) Run(ctx context.Context) error {
	w.log.Info("Starting heartbeat monitor", "interval", w.interval, "timeout", w.timeout)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Debug("Stopping heartbeat monitor")
			return nil
		case <-ticker.C:
			w.Scan()
		}
	}
}

// Scan walks a snapshot of the registry and evicts stale connections.
// Snapshot-then-verify: each candidate is re-resolved and re-checked
// right before eviction, so scans tolerate concurrent registry
// mutation and racing Touch calls.
func (w *HeartbeatWorker) Scan() {
	now := w.now()
	for _, candidate := range w.registry.Snapshot() {
		if !w.stale(candidate, now) {
			continue
		}
		conn, ok := w.registry.Get(candidate.ID)
		if !ok || !w.stale(conn, now) {
			continue
		}
		w.log.Warn("Evicting dead connection",
			"connection_id", conn.ID,
			"user_id", conn.UserID,
			"last_heartbeat", conn.LastHeartbeat(),
			"state", conn.State().String())
		w.stats.Evicted()
		w.registry.Unregister(conn.ID)
	}
}

func (w *HeartbeatWorker) stale(conn *runtime.Conn, now time.Time) bool {
	if conn.State() == domain.StateClosed {
		return false
	}
	if now.Sub(conn.LastHeartbeat()) > w.timeout {
		return true
	}
	// Identity expiry surfaces as a forced disconnect; credentials are
	// never re-validated mid-connection beyond this check.
	return !conn.ValidUntil.IsZero() && now.After(conn.ValidUntil)
}
