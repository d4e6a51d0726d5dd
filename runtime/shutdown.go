package runtime

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const drainPollInterval = 50 * time.Millisecond

// ShutdownCoordinator drains connections within a bounded window: new
// registrations stop, live connections go Draining, outbound queues
// flush until empty or until the timeout, then whatever remains is
// force-closed. Idempotent and safe to trigger from a signal handler
// concurrently with in-flight sends.
type ShutdownCoordinator struct {
	log      *slog.Logger
	registry *Registry
	timeout  time.Duration
	once     sync.Once
}

func NewShutdownCoordinator(log *slog.Logger, registry *Registry, timeout time.Duration) *ShutdownCoordinator {
	return &ShutdownCoordinator{log: log, registry: registry, timeout: timeout}
}

func (s *ShutdownCoordinator) Shutdown(ctx context.Context) {
	s.once.Do(func() { s.drain(ctx) })
}

func (s *ShutdownCoordinator) drain(ctx context.Context) {
	s.log.Info("Shutdown started", "timeout", s.timeout, "connections", s.registry.Count())
	s.registry.BeginDrain()

	deadline := time.NewTimer(s.timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(drainPollInterval)
	defer ticker.Stop()

	for {
		if s.flushed() {
			s.log.Info("All outbound queues flushed")
			break
		}
		select {
		case <-ctx.Done():
			s.log.Warn("Shutdown context canceled before drain completed")
			goto force
		case <-deadline.C:
			s.log.Warn("Drain timeout reached, force closing remaining connections")
			goto force
		case <-ticker.C:
		}
	}

force:
	for _, conn := range s.registry.Snapshot() {
		s.registry.Unregister(conn.ID)
	}
	s.log.Info("Shutdown complete")
}

func (s *ShutdownCoordinator) flushed() bool {
	for _, conn := range s.registry.Snapshot() {
		if conn.Outbound.Len() > 0 {
			return false
		}
	}
	return true
}
