package agent

import (
	"context"
	"log/slog"
	"time"
)

// Liveness defaults.
const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultMissedHeartbeats  = 3
)

// ExpireFunc is called once for each worker that went offline. The engine
// uses it to release the worker's tasks.
type ExpireFunc func(ctx context.Context, worker *Info) error

// LivenessMonitor marks workers offline after they miss a number of
// consecutive heartbeats. It is independent of the claim timeout.
type LivenessMonitor struct {
	registry *Registry
	interval time.Duration
	missed   int
	onExpire ExpireFunc
	logger   *slog.Logger
}

// NewLivenessMonitor creates a monitor. Zero interval or missed use the
// defaults; a nil logger uses slog.Default.
func NewLivenessMonitor(r *Registry, interval time.Duration, missed int, onExpire ExpireFunc, logger *slog.Logger) *LivenessMonitor {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	if missed <= 0 {
		missed = DefaultMissedHeartbeats
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LivenessMonitor{registry: r, interval: interval, missed: missed, onExpire: onExpire, logger: logger}
}

// Window is the silence after which a worker is considered gone.
func (m *LivenessMonitor) Window() time.Duration {
	return m.interval * time.Duration(m.missed)
}

// Sweep expires silent workers and runs the expire callback for each.
// It returns the number of workers expired.
func (m *LivenessMonitor) Sweep(ctx context.Context) int {
	expired := m.registry.Expire(m.Window())
	for _, w := range expired {
		m.logger.Warn("worker missed heartbeats", "worker", w.ID, "last_heartbeat", w.LastHeartbeat)
		if m.onExpire == nil {
			continue
		}
		if err := m.onExpire(ctx, w); err != nil {
			m.logger.Error("release expired worker", "worker", w.ID, "error", err)
		}
	}
	return len(expired)
}

// Run sweeps once per heartbeat interval until ctx is cancelled.
func (m *LivenessMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}
