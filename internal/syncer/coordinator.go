// Package syncer drains the operation queue against the remote API.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hyperengineering/rollcall/internal/bus"
	"github.com/hyperengineering/rollcall/internal/queue"
	"github.com/hyperengineering/rollcall/internal/remote"
	"github.com/hyperengineering/rollcall/internal/types"
)

// Queue is the subset of the operation queue the coordinator drives.
type Queue interface {
	ListPending(ctx context.Context, scopeID string) ([]types.QueuedOperation, error)
	MarkSynced(ctx context.Context, opID string) error
	MarkFailed(ctx context.Context, opID, errMsg string) error
	PruneSynced(ctx context.Context, olderThan time.Duration) (int64, error)
	ExpireExhausted(ctx context.Context, olderThan time.Duration) (int64, error)
	Stats(ctx context.Context, scopeID string) (types.QueueStats, error)
}

// Writer performs the remote state write.
type Writer interface {
	SetCheckIn(ctx context.Context, attendeeID string, desired bool, requestedAt time.Time, opID string) (remote.WriteResult, error)
}

// Connectivity reports and receives reachability state.
type Connectivity interface {
	IsOnline() bool
	Report(online bool)
	Check(ctx context.Context) bool
	Subscribe(fn func(online bool)) (unsubscribe func())
}

// SnapshotWriter receives authoritative records returned by the remote.
type SnapshotWriter interface {
	Upsert(ctx context.Context, scopeID string, a types.Attendee) error
}

// Config controls background behavior.
type Config struct {
	// RetryInterval re-runs a pass while online and entries are pending.
	// Zero disables the retry ticker.
	RetryInterval time.Duration
}

// Coordinator runs drain passes. At most one pass runs at a time.
type Coordinator struct {
	queue   Queue
	writer  Writer
	conn    Connectivity
	cache   SnapshotWriter
	refresh *bus.Bus[types.RefreshEvent]
	cfg     Config
	now     func() time.Time

	running atomic.Bool
	status  *bus.Bus[types.SyncStatus]

	mu         sync.Mutex
	lastSyncAt *time.Time
	lastResult *types.SyncResult
}

// NewCoordinator creates a Coordinator. cache and refresh may be nil.
func NewCoordinator(q Queue, w Writer, conn Connectivity, cache SnapshotWriter, refresh *bus.Bus[types.RefreshEvent], cfg Config) *Coordinator {
	return &Coordinator{
		queue:   q,
		writer:  w,
		conn:    conn,
		cache:   cache,
		refresh: refresh,
		cfg:     cfg,
		now:     time.Now,
		status:  bus.NewBus[types.SyncStatus](),
	}
}

// SyncAll runs one drain pass over every scope.
//
// A call made while a pass is running returns immediately with Skipped set.
// When offline, the queue is not touched and Deferred is set. Entries are
// written strictly one at a time in queue order. Losing connectivity or being
// rate limited mid-pass stops the pass without charging an attempt to the
// current entry.
func (c *Coordinator) SyncAll(ctx context.Context) (types.SyncResult, error) {
	if !c.running.CompareAndSwap(false, true) {
		slog.Debug("sync pass skipped", "component", "syncer", "reason", "already_running")
		return types.SyncResult{Skipped: true}, nil
	}
	defer func() {
		c.running.Store(false)
		c.Notify()
	}()

	if !c.conn.IsOnline() {
		slog.Debug("sync pass deferred", "component", "syncer", "reason", "offline")
		return types.SyncResult{Deferred: true}, nil
	}

	c.Notify()
	start := c.now()

	pending, err := c.queue.ListPending(ctx, "")
	if err != nil {
		return types.SyncResult{}, fmt.Errorf("list pending: %w", err)
	}

	res := types.SyncResult{Total: len(pending)}
	for _, op := range pending {
		if ctx.Err() != nil {
			res.Deferred = true
			break
		}
		if !c.process(ctx, op, &res) {
			break
		}
	}

	c.housekeep(ctx)

	finished := c.now()
	c.mu.Lock()
	c.lastSyncAt = &finished
	recorded := res
	c.lastResult = &recorded
	c.mu.Unlock()

	if res.Total > 0 {
		slog.Info("sync pass completed",
			"component", "syncer",
			"synced", res.Synced,
			"failed", res.Failed,
			"total", res.Total,
			"deferred", res.Deferred,
			"throttled", res.Throttled,
			"duration_ms", finished.Sub(start).Milliseconds(),
		)
	}

	if res.Synced > 0 && c.refresh != nil {
		c.refresh.Publish(types.RefreshEvent{Reason: types.RefreshSync})
	}
	return res, nil
}

// process writes one entry. Returns false when the pass must stop.
func (c *Coordinator) process(ctx context.Context, op types.QueuedOperation, res *types.SyncResult) bool {
	wr, err := c.writer.SetCheckIn(ctx, op.TargetID, op.DesiredState, op.QueuedAt, op.ID)
	switch {
	case err == nil:
		if err := c.queue.MarkSynced(ctx, op.ID); err != nil {
			if errors.Is(err, queue.ErrNotFound) {
				// Replaced by a newer toggle during the pass; the replacement is pending.
				slog.Debug("synced operation was replaced", "component", "syncer", "op_id", op.ID)
				return true
			}
			slog.Error("mark synced failed", "component", "syncer", "op_id", op.ID, "error", err)
			return true
		}
		res.Synced++
		if c.cache != nil && wr.Attendee != nil {
			if err := c.cache.Upsert(ctx, op.ScopeID, *wr.Attendee); err != nil {
				slog.Warn("snapshot update failed", "component", "syncer", "scope_id", op.ScopeID, "error", err)
			}
		}
		slog.Debug("operation synced",
			"component", "syncer",
			"op_id", op.ID,
			"target_id", op.TargetID,
			"outcome", string(wr.Outcome),
		)
		return true

	case remote.IsUnreachable(err):
		c.conn.Report(false)
		res.Deferred = true
		slog.Info("sync pass interrupted",
			"component", "syncer",
			"op_id", op.ID,
			"error", err,
		)
		return false

	case remote.IsThrottled(err):
		res.Throttled = true
		res.RetryAfter = remote.RetryAfter(err)
		slog.Info("sync pass throttled",
			"component", "syncer",
			"op_id", op.ID,
			"retry_after", res.RetryAfter.String(),
		)
		return false

	case ctx.Err() != nil:
		res.Deferred = true
		return false

	default:
		res.Failed++
		if markErr := c.queue.MarkFailed(ctx, op.ID, err.Error()); markErr != nil && !errors.Is(markErr, queue.ErrNotFound) {
			slog.Error("mark failed failed", "component", "syncer", "op_id", op.ID, "error", markErr)
		}
		slog.Warn("operation rejected",
			"component", "syncer",
			"op_id", op.ID,
			"target_id", op.TargetID,
			"scope_id", op.ScopeID,
			"attempt", op.Attempts+1,
			"error", err,
		)
		return true
	}
}

func (c *Coordinator) housekeep(ctx context.Context) {
	if n, err := c.queue.PruneSynced(ctx, 0); err != nil {
		slog.Warn("prune synced failed", "component", "syncer", "error", err)
	} else if n > 0 {
		slog.Debug("pruned synced operations", "component", "syncer", "count", n)
	}
	if n, err := c.queue.ExpireExhausted(ctx, 0); err != nil {
		slog.Warn("expire exhausted failed", "component", "syncer", "error", err)
	} else if n > 0 {
		slog.Info("expired exhausted operations", "component", "syncer", "count", n)
	}
}

// Status returns the current coordinator state.
func (c *Coordinator) Status() types.SyncStatus {
	c.mu.Lock()
	st := types.SyncStatus{
		IsSyncing:  c.running.Load(),
		LastSyncAt: c.lastSyncAt,
		LastResult: c.lastResult,
		Online:     c.conn.IsOnline(),
	}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if stats, err := c.queue.Stats(ctx, ""); err == nil {
		st.PendingCount = stats.Pending
		st.ExhaustedCount = stats.Exhausted
	}
	return st
}

// Subscribe observes status changes. The current status is delivered
// immediately.
func (c *Coordinator) Subscribe(fn func(types.SyncStatus)) (unsubscribe func()) {
	unsub := c.status.Subscribe(fn)
	fn(c.Status())
	return unsub
}

// Notify publishes the current status to subscribers.
func (c *Coordinator) Notify() {
	if c.status.Len() == 0 {
		return
	}
	c.status.Publish(c.Status())
}

// ForceSync runs a pass on demand and returns a summary for the user.
// A stale offline state is re-probed first.
func (c *Coordinator) ForceSync(ctx context.Context) (types.SyncResult, string) {
	if !c.conn.IsOnline() {
		c.conn.Check(ctx)
	}

	res, err := c.SyncAll(ctx)
	if err != nil {
		return res, fmt.Sprintf("Sync failed: %v", err)
	}
	return res, c.summarize(ctx, res)
}

func (c *Coordinator) summarize(ctx context.Context, res types.SyncResult) string {
	switch {
	case res.Skipped:
		return "Already syncing"
	case res.Deferred && res.Synced == 0 && res.Failed == 0:
		waiting := 0
		if stats, err := c.queue.Stats(ctx, ""); err == nil {
			waiting = stats.Pending
		}
		if waiting == 0 {
			return "Offline: nothing waiting"
		}
		return fmt.Sprintf("Offline: %s waiting", checkIns(waiting))
	case res.Throttled && res.Synced == 0 && res.Failed == 0:
		return fmt.Sprintf("Rate limited: %s waiting", checkIns(res.Total))
	case res.Total == 0:
		return "Nothing to sync"
	}

	msg := fmt.Sprintf("Synced %d of %s", res.Synced, checkIns(res.Total))
	switch {
	case res.Failed > 0 && res.Deferred:
		msg += fmt.Sprintf(" (%d failed, connection lost)", res.Failed)
	case res.Failed > 0:
		msg += fmt.Sprintf(" (%d failed)", res.Failed)
	case res.Deferred:
		msg += " (connection lost)"
	case res.Throttled:
		msg += " (rate limited, rest will retry)"
	}
	return msg
}

func checkIns(n int) string {
	if n == 1 {
		return "1 check-in"
	}
	return fmt.Sprintf("%d check-ins", n)
}

// Run syncs on every offline to online transition (and at start when
// already online) and, if configured, on RetryInterval while entries are
// pending. Blocks until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) {
	slog.Info("worker started",
		"component", "syncer",
		"retry_interval", c.cfg.RetryInterval.String(),
	)

	trigger := make(chan struct{}, 1)
	var wasOnline atomic.Bool
	unsub := c.conn.Subscribe(func(online bool) {
		if !online {
			wasOnline.Store(false)
			return
		}
		if !wasOnline.Swap(true) {
			select {
			case trigger <- struct{}{}:
			default:
			}
		}
	})
	defer unsub()

	var resume <-chan time.Time
	after := func(res types.SyncResult) {
		if res.Throttled {
			resume = time.After(throttleDelay(res.RetryAfter))
		}
	}

	var tick <-chan time.Time
	if c.cfg.RetryInterval > 0 {
		ticker := time.NewTicker(c.cfg.RetryInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopped",
				"component", "syncer",
				"reason", "context_cancelled",
			)
			return
		case <-trigger:
			after(c.runPass(ctx, "reconnected"))
		case <-resume:
			resume = nil
			after(c.runPass(ctx, "throttled"))
		case <-tick:
			if !c.conn.IsOnline() {
				continue
			}
			stats, err := c.queue.Stats(ctx, "")
			if err != nil || stats.Pending == 0 {
				continue
			}
			after(c.runPass(ctx, "retry"))
		}
	}
}

func (c *Coordinator) runPass(ctx context.Context, reason string) types.SyncResult {
	slog.Debug("sync pass triggered", "component", "syncer", "reason", reason)
	res, err := c.SyncAll(ctx)
	if err != nil && ctx.Err() == nil {
		slog.Error("sync pass failed", "component", "syncer", "reason", reason, "error", err)
	}
	return res
}

// throttleDelay bounds the pause after a rate-limited pass.
func throttleDelay(d time.Duration) time.Duration {
	const (
		minDelay = time.Second
		maxDelay = time.Minute
	)
	switch {
	case d < minDelay:
		return minDelay
	case d > maxDelay:
		return maxDelay
	}
	return d
}
