// Package connectivity tracks whether the remote API is reachable.
package connectivity

import (
	"context"
	"log/slog"
	"time"

	"github.com/hyperengineering/rollcall/internal/bus"
)

// Prober checks reachability of the remote.
type Prober interface {
	Ping(ctx context.Context) error
}

// Monitor samples the Prober on a fixed interval and publishes the result on
// an Online value. Report lets callers push a state they observed directly,
// such as a failed write.
type Monitor struct {
	prober   Prober
	online   *bus.Value[bool]
	interval time.Duration
	timeout  time.Duration
}

// NewMonitor creates a Monitor. interval <= 0 means 5s.
func NewMonitor(prober Prober, online *bus.Value[bool], interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	timeout := interval
	if timeout > 5*time.Second {
		timeout = 5 * time.Second
	}
	return &Monitor{
		prober:   prober,
		online:   online,
		interval: interval,
		timeout:  timeout,
	}
}

// IsOnline returns the last known state.
func (m *Monitor) IsOnline() bool {
	return m.online.Get()
}

// Subscribe observes state changes. The current state is replayed immediately.
func (m *Monitor) Subscribe(fn func(online bool)) (unsubscribe func()) {
	return m.online.Subscribe(fn)
}

// Report records an externally observed state.
func (m *Monitor) Report(online bool) {
	if m.online.Set(online) {
		slog.Info("connectivity changed",
			"component", "connectivity",
			"online", online,
			"source", "report",
		)
	}
}

// Check probes once and returns the resulting state.
func (m *Monitor) Check(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	err := m.prober.Ping(probeCtx)
	if ctx.Err() != nil {
		return m.online.Get()
	}

	online := err == nil
	if m.online.Set(online) {
		attrs := []any{"component", "connectivity", "online", online, "source", "probe"}
		if err != nil {
			attrs = append(attrs, "error", err)
		}
		slog.Info("connectivity changed", attrs...)
	}
	return online
}

// Run probes immediately, then on every interval. Blocks until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	slog.Info("worker started",
		"component", "connectivity",
		"interval", m.interval.String(),
	)

	m.Check(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopped",
				"component", "connectivity",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}
