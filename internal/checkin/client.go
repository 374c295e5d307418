// Package checkin is the entry point the display layer uses: check-in
// toggles with offline fallback, sync status, live updates and cached reads.
package checkin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hyperengineering/rollcall/internal/bus"
	"github.com/hyperengineering/rollcall/internal/cache"
	"github.com/hyperengineering/rollcall/internal/connectivity"
	"github.com/hyperengineering/rollcall/internal/live"
	"github.com/hyperengineering/rollcall/internal/queue"
	"github.com/hyperengineering/rollcall/internal/remote"
	"github.com/hyperengineering/rollcall/internal/store"
	"github.com/hyperengineering/rollcall/internal/syncer"
	"github.com/hyperengineering/rollcall/internal/types"
)

// ErrClosed is returned by operations on a closed Client.
var ErrClosed = errors.New("client is closed")

// API is the remote surface the client consumes.
type API interface {
	syncer.Writer
	connectivity.Prober
	ListAttendees(ctx context.Context, eventID string) ([]types.Attendee, error)
	ResetEvent(ctx context.Context, eventID string) ([]types.Attendee, error)
}

// Config configures a Client.
type Config struct {
	DatabasePath   string
	BaseURL        string
	APIKey         string
	RequestTimeout time.Duration

	Queue         queue.Config
	PollInterval  time.Duration // connectivity sampling (default: 5s)
	RetryInterval time.Duration // retry pending entries while online (0 disables)

	Live             live.Options
	FeedReadTimeout  time.Duration
	FeedPingInterval time.Duration
}

// Option overrides a client dependency.
type Option func(*Client)

// WithAPI replaces the HTTP remote client.
func WithAPI(api API) Option {
	return func(c *Client) { c.api = api }
}

// WithFeed replaces the WebSocket push feed.
func WithFeed(feed live.Feed) Option {
	return func(c *Client) { c.feed = feed }
}

// Client wires the subsystem together.
type Client struct {
	cfg     Config
	db      *store.SQLiteStore
	queue   *queue.Queue
	cache   *cache.Cache
	api     API
	feed    live.Feed
	buses   *bus.Registry
	monitor *connectivity.Monitor
	coord   *syncer.Coordinator
	live    *live.Manager

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	closed  bool
	started bool
}

// New opens the local database and builds the client. Nothing runs in the
// background until Start.
func New(cfg Config, opts ...Option) (*Client, error) {
	if cfg.DatabasePath == "" {
		return nil, errors.New("database path is required")
	}

	db, err := store.NewSQLiteStore(cfg.DatabasePath)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:    cfg,
		db:     db,
		queue:  queue.New(db.DB(), cfg.Queue),
		cache:  cache.New(db.DB()),
		buses:  bus.NewRegistry(),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.api == nil {
		c.api = remote.NewClient(cfg.BaseURL, cfg.APIKey, cfg.RequestTimeout)
	}
	if c.feed == nil {
		c.feed = live.NewWebSocketFeed(live.WebSocketConfig{
			BaseURL:      cfg.BaseURL,
			APIKey:       cfg.APIKey,
			ReadTimeout:  cfg.FeedReadTimeout,
			PingInterval: cfg.FeedPingInterval,
		})
	}

	c.monitor = connectivity.NewMonitor(c.api, c.buses.Online, cfg.PollInterval)
	c.coord = syncer.NewCoordinator(c.queue, c.api, c.monitor, c.cache, c.buses.Refresh,
		syncer.Config{RetryInterval: cfg.RetryInterval})
	c.live = live.NewManager(c.feed, cfg.Live)

	return c, nil
}

// Start launches the connectivity monitor, the sync coordinator and the
// auto-refresh ticker. They stop when ctx is cancelled or on Close.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.mu.Unlock()

	runCtx, cancel := context.WithCancel(c.ctx)
	context.AfterFunc(ctx, cancel)

	c.spawn(func() { c.monitor.Run(runCtx) })
	c.spawn(func() { c.coord.Run(runCtx) })
	c.spawn(func() { c.autoRefreshLoop(runCtx) })
	return nil
}

// spawn runs fn on a tracked goroutine unless the client is closed.
func (c *Client) spawn(fn func()) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn()
	}()
}

// Close stops background work, tears down live channels and closes the
// database. In-flight remote calls finish first.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.live.Close()
	c.wg.Wait()
	return c.db.Close()
}

func (c *Client) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// DeviceID returns the stable identifier of this installation.
func (c *Client) DeviceID() string {
	return c.db.DeviceID()
}

// Registry returns the shared notification buses.
func (c *Client) Registry() *bus.Registry {
	return c.buses
}

// CheckConnectivity probes the remote once and returns the result.
func (c *Client) CheckConnectivity(ctx context.Context) bool {
	return c.monitor.Check(ctx)
}

// ToggleState sets an attendee's checked-in state. The write goes to the
// remote directly when online. A write that cannot be delivered now is
// queued and the cached list is updated optimistically. A direct write that lands retires any queued entry for
// the same attendee.
// An empty scopeID is resolved from the cached snapshots.
func (c *Client) ToggleState(ctx context.Context, targetID string, desired bool, scopeID string) types.ToggleResult {
	if c.isClosed() {
		return types.ToggleResult{Error: ErrClosed.Error()}
	}
	if targetID == "" {
		return types.ToggleResult{Error: "attendee ID is required"}
	}
	if scopeID == "" {
		found, err := c.cache.FindScope(ctx, targetID)
		if err != nil {
			return types.ToggleResult{Error: fmt.Sprintf("unknown attendee %s: load the event first or pass its ID", targetID)}
		}
		scopeID = found
	}

	if !c.monitor.IsOnline() {
		return c.enqueue(ctx, targetID, desired, scopeID)
	}

	wr, err := c.api.SetCheckIn(ctx, targetID, desired, time.Now(), "")
	switch {
	case err == nil:
		if wr.Attendee != nil {
			err = c.cache.Upsert(ctx, scopeID, *wr.Attendee)
		} else {
			err = c.cache.ApplyCheckIn(ctx, scopeID, targetID, desired, time.Now())
		}
		if err != nil {
			slog.Warn("snapshot update failed", "component", "checkin", "scope_id", scopeID, "error", err)
		}
		if n, err := c.queue.Discard(ctx, targetID, scopeID); err != nil {
			slog.Warn("discard stale operation failed", "component", "checkin", "target_id", targetID, "error", err)
		} else if n > 0 {
			slog.Debug("stale operation discarded", "component", "checkin", "target_id", targetID, "scope_id", scopeID)
			c.coord.Notify()
		}
		c.buses.Refresh.Publish(types.RefreshEvent{Reason: types.RefreshWrite, ScopeID: scopeID})
		return types.ToggleResult{Success: true}

	case remote.IsUnreachable(err):
		c.monitor.Report(false)
		return c.enqueue(ctx, targetID, desired, scopeID)

	case remote.IsThrottled(err):
		// The remote is up; the queued write goes out on the next pass.
		return c.enqueue(ctx, targetID, desired, scopeID)
	}

	if re, ok := remote.AsError(err); ok {
		return types.ToggleResult{Error: re.Detail}
	}
	return types.ToggleResult{Error: err.Error()}
}

func (c *Client) enqueue(ctx context.Context, targetID string, desired bool, scopeID string) types.ToggleResult {
	opID, err := c.queue.Enqueue(ctx, targetID, scopeID, desired)
	if errors.Is(err, queue.ErrQueueFull) {
		return types.ToggleResult{Error: fmt.Sprintf(
			"Offline queue is full (%d check-ins waiting). Reconnect to sync before checking in more attendees.",
			c.queue.Config().MaxSize)}
	}
	if err != nil {
		return types.ToggleResult{Error: err.Error()}
	}

	if err := c.cache.ApplyCheckIn(ctx, scopeID, targetID, desired, time.Now()); err != nil {
		slog.Warn("optimistic update failed", "component", "checkin", "scope_id", scopeID, "error", err)
	}
	slog.Info("check-in queued",
		"component", "checkin",
		"op_id", opID,
		"target_id", targetID,
		"scope_id", scopeID,
		"desired_state", desired,
	)
	c.buses.Refresh.Publish(types.RefreshEvent{Reason: types.RefreshWrite, ScopeID: scopeID})
	c.coord.Notify()
	return types.ToggleResult{Success: true, Queued: true}
}

// Attendees returns the roster of an event: fetched from the remote when
// online (and cached), served from the cache otherwise. Pending queued
// toggles are overlaid so the caller sees its own unsynced intent.
func (c *Client) Attendees(ctx context.Context, scopeID string) ([]types.Attendee, error) {
	if c.isClosed() {
		return nil, ErrClosed
	}

	list, err := c.fetch(ctx, scopeID)
	if err != nil {
		return nil, err
	}

	pending, err := c.queue.ListPending(ctx, scopeID)
	if err != nil {
		return nil, err
	}
	return overlay(list, pending), nil
}

func (c *Client) fetch(ctx context.Context, scopeID string) ([]types.Attendee, error) {
	if c.monitor.IsOnline() {
		list, err := c.api.ListAttendees(ctx, scopeID)
		if err == nil {
			if err := c.cache.Replace(ctx, scopeID, list); err != nil {
				slog.Warn("snapshot replace failed", "component", "checkin", "scope_id", scopeID, "error", err)
			}
			return c.cache.Get(ctx, scopeID)
		}
		if !remote.IsUnreachable(err) {
			return nil, err
		}
		c.monitor.Report(false)
	}

	list, err := c.cache.Get(ctx, scopeID)
	if errors.Is(err, cache.ErrNotFound) {
		return []types.Attendee{}, nil
	}
	return list, err
}

func overlay(list []types.Attendee, pending []types.QueuedOperation) []types.Attendee {
	if len(pending) == 0 {
		return list
	}
	want := make(map[string]types.QueuedOperation, len(pending))
	for _, op := range pending {
		want[op.TargetID] = op
	}
	for i := range list {
		op, ok := want[list[i].ID]
		if !ok || list[i].CheckedIn == op.DesiredState {
			continue
		}
		list[i].CheckedIn = op.DesiredState
		if op.DesiredState {
			at := op.QueuedAt
			list[i].CheckedInAt = &at
		} else {
			list[i].CheckedInAt = nil
		}
	}
	return list
}

// ResetEvent clears every check-in of an event on the remote. Requires
// connectivity; a bulk reset is never queued.
func (c *Client) ResetEvent(ctx context.Context, scopeID string) ([]types.Attendee, error) {
	if c.isClosed() {
		return nil, ErrClosed
	}
	list, err := c.api.ResetEvent(ctx, scopeID)
	if err != nil {
		if remote.IsUnreachable(err) {
			c.monitor.Report(false)
		}
		return nil, err
	}
	if err := c.cache.Replace(ctx, scopeID, list); err != nil {
		slog.Warn("snapshot replace failed", "component", "checkin", "scope_id", scopeID, "error", err)
	}
	c.buses.Refresh.Publish(types.RefreshEvent{Reason: types.RefreshWrite, ScopeID: scopeID})
	return list, nil
}

// GetSyncStatus returns the coordinator state.
func (c *Client) GetSyncStatus() types.SyncStatus {
	return c.coord.Status()
}

// ForceSync runs a pass now and returns a summary message for the user.
func (c *Client) ForceSync(ctx context.Context) (types.SyncResult, string) {
	if c.isClosed() {
		return types.SyncResult{}, ErrClosed.Error()
	}
	return c.coord.ForceSync(ctx)
}

// SubscribeToSyncStatus observes coordinator status.
func (c *Client) SubscribeToSyncStatus(fn func(types.SyncStatus)) (unsubscribe func()) {
	return c.coord.Subscribe(fn)
}

// SubscribeToRefresh observes refresh requests.
func (c *Client) SubscribeToRefresh(fn func(types.RefreshEvent)) (unsubscribe func()) {
	return c.buses.Refresh.Subscribe(fn)
}

// SubscribeToLiveChanges opens a live channel for an event's attendees.
// Changes are folded into the cache before onChange runs. After a lost
// connection is re-established the queue is drained and the roster
// refetched, then onReconnected runs.
func (c *Client) SubscribeToLiveChanges(scopeID string, onChange func(types.ChangeEvent), onReconnected func()) (unsubscribe func()) {
	if c.isClosed() {
		return func() {}
	}

	handleChange := func(ev types.ChangeEvent) {
		if ev.ScopeID == "" {
			ev.ScopeID = scopeID
		}
		if err := c.cache.ApplyChange(c.ctx, ev); err != nil {
			slog.Warn("live change not cached", "component", "checkin", "scope_id", scopeID, "error", err)
		}
		c.buses.Refresh.Publish(types.RefreshEvent{Reason: types.RefreshLive, ScopeID: scopeID})
		if onChange != nil {
			onChange(ev)
		}
	}

	handleReconnected := func() {
		c.spawn(func() {
			c.monitor.Report(true)
			if _, err := c.coord.SyncAll(c.ctx); err != nil && c.ctx.Err() == nil {
				slog.Warn("sync after reconnect failed", "component", "checkin", "error", err)
			}
			if _, err := c.fetch(c.ctx, scopeID); err != nil && c.ctx.Err() == nil {
				slog.Warn("refetch after reconnect failed", "component", "checkin", "scope_id", scopeID, "error", err)
			}
			if c.ctx.Err() != nil {
				return
			}
			c.buses.Refresh.Publish(types.RefreshEvent{Reason: types.RefreshReconnected, ScopeID: scopeID})
			if onReconnected != nil {
				onReconnected()
			}
		})
	}

	return c.live.Subscribe(scopeID, types.ResourceAttendees, handleChange, handleReconnected, c.cfg.Live)
}

// ConnectionStatuses returns every live channel's status.
func (c *Client) ConnectionStatuses() []types.ConnectionStatus {
	return c.live.Statuses()
}

// QueueStats summarizes the queue. An empty scopeID covers every event.
func (c *Client) QueueStats(ctx context.Context, scopeID string) (types.QueueStats, error) {
	return c.queue.Stats(ctx, scopeID)
}

// PendingOperations lists queued operations that will be retried.
func (c *Client) PendingOperations(ctx context.Context, scopeID string) ([]types.QueuedOperation, error) {
	return c.queue.ListPending(ctx, scopeID)
}

// FailedOperations lists queued operations that ran out of attempts.
func (c *Client) FailedOperations(ctx context.Context, scopeID string) ([]types.QueuedOperation, error) {
	return c.queue.ListExhausted(ctx, scopeID)
}

// ClearFailed deletes exhausted operations after the user has seen them.
func (c *Client) ClearFailed(ctx context.Context, scopeID string) (int64, error) {
	n, err := c.queue.ClearExhausted(ctx, scopeID)
	if err != nil {
		return 0, err
	}
	c.coord.Notify()
	return n, nil
}

// PruneSynced removes synced history older than olderThan (0 uses retention).
func (c *Client) PruneSynced(ctx context.Context, olderThan time.Duration) (int64, error) {
	return c.queue.PruneSynced(ctx, olderThan)
}

// SetAutoRefreshInterval asks for a periodic RefreshEvent. Zero disables it.
func (c *Client) SetAutoRefreshInterval(d time.Duration) {
	if d < 0 {
		d = 0
	}
	c.buses.AutoRefresh.Set(d)
}

func (c *Client) autoRefreshLoop(ctx context.Context) {
	intervals := make(chan time.Duration, 1)
	unsub := c.buses.AutoRefresh.Subscribe(func(d time.Duration) {
		select {
		case <-intervals:
		default:
		}
		intervals <- d
	})
	defer unsub()

	var ticker *time.Ticker
	var tick <-chan time.Time
	defer func() {
		if ticker != nil {
			ticker.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case d := <-intervals:
			if ticker != nil {
				ticker.Stop()
				ticker, tick = nil, nil
			}
			if d > 0 {
				ticker = time.NewTicker(d)
				tick = ticker.C
			}
		case <-tick:
			c.buses.Refresh.Publish(types.RefreshEvent{Reason: types.RefreshInterval})
		}
	}
}
