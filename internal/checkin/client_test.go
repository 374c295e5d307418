package checkin

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hyperengineering/rollcall/internal/live"
	"github.com/hyperengineering/rollcall/internal/queue"
	"github.com/hyperengineering/rollcall/internal/remote"
	"github.com/hyperengineering/rollcall/internal/types"
)

// fakeAPI is an in-memory remote.
type fakeAPI struct {
	mu          sync.Mutex
	roster      map[string][]types.Attendee
	unreachable bool
	throttled   bool
	rejectWith  string
	writes      []string
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{roster: map[string][]types.Attendee{
		"E1": {
			{ID: "A1", EventID: "E1", Name: "Ada"},
			{ID: "A2", EventID: "E1", Name: "Grace"},
			{ID: "A3", EventID: "E1", Name: "Linus"},
		},
	}}
}

var errConnRefused = fmt.Errorf("%w: connection refused", remote.ErrUnreachable)

func (f *fakeAPI) setUnreachable(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unreachable = v
}

func (f *fakeAPI) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unreachable {
		return errConnRefused
	}
	return nil
}

func (f *fakeAPI) SetCheckIn(ctx context.Context, attendeeID string, desired bool, requestedAt time.Time, opID string) (remote.WriteResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unreachable {
		return remote.WriteResult{}, errConnRefused
	}
	if f.throttled {
		return remote.WriteResult{}, &remote.ThrottleError{RetryAfter: time.Second}
	}
	if f.rejectWith != "" {
		return remote.WriteResult{}, &remote.Error{Status: 422, Detail: f.rejectWith}
	}
	f.writes = append(f.writes, attendeeID)
	for eventID, list := range f.roster {
		for i := range list {
			if list[i].ID != attendeeID {
				continue
			}
			if list[i].CheckedIn == desired {
				a := list[i]
				return remote.WriteResult{Outcome: remote.OutcomeSoftConflict, Attendee: &a}, nil
			}
			list[i].CheckedIn = desired
			list[i].UpdatedAt = requestedAt
			f.roster[eventID] = list
			a := list[i]
			return remote.WriteResult{Outcome: remote.OutcomeApplied, Attendee: &a}, nil
		}
	}
	return remote.WriteResult{}, &remote.Error{Status: 404, Detail: "attendee not found"}
}

func (f *fakeAPI) ListAttendees(ctx context.Context, eventID string) ([]types.Attendee, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unreachable {
		return nil, errConnRefused
	}
	return append([]types.Attendee(nil), f.roster[eventID]...), nil
}

func (f *fakeAPI) ResetEvent(ctx context.Context, eventID string) ([]types.Attendee, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unreachable {
		return nil, errConnRefused
	}
	list := f.roster[eventID]
	for i := range list {
		list[i].CheckedIn = false
	}
	return append([]types.Attendee(nil), list...), nil
}

func (f *fakeAPI) checkedIn(eventID, attendeeID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.roster[eventID] {
		if a.ID == attendeeID {
			return a.CheckedIn
		}
	}
	return false
}

func (f *fakeAPI) getWrites() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.writes...)
}

// fakeFeed hands connections to the test.
type fakeFeed struct {
	subs chan live.FeedHandler
}

type nopSub struct{}

func (nopSub) Close() error { return nil }

func (f *fakeFeed) Subscribe(ctx context.Context, resource types.ResourceType, scopeID string, h live.FeedHandler) (live.FeedSubscription, error) {
	f.subs <- h
	return nopSub{}, nil
}

func newTestClient(t *testing.T, api *fakeAPI, mutate ...func(*Config)) (*Client, *fakeFeed) {
	t.Helper()
	cfg := Config{
		DatabasePath: filepath.Join(t.TempDir(), "rollcall.db"),
		Queue:        queue.Config{MaxSize: 100, MaxAttempts: 3},
		PollInterval: time.Hour,
		Live:         live.Options{MaxAttempts: 3, BaseDelay: time.Millisecond},
	}
	for _, m := range mutate {
		m(&cfg)
	}
	feed := &fakeFeed{subs: make(chan live.FeedHandler, 8)}
	c, err := New(cfg, WithAPI(api), WithFeed(feed))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	return c, feed
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatalf("Timed out waiting for %s", what)
		case <-time.After(2 * time.Millisecond):
		}
	}
}

func findAttendee(list []types.Attendee, id string) types.Attendee {
	for _, a := range list {
		if a.ID == id {
			return a
		}
	}
	return types.Attendee{}
}

func TestToggleState_OnlineWritesDirectly(t *testing.T) {
	api := newFakeAPI()
	c, _ := newTestClient(t, api)
	ctx := context.Background()
	c.CheckConnectivity(ctx)

	var refreshes atomic.Int32
	c.SubscribeToRefresh(func(types.RefreshEvent) { refreshes.Add(1) })

	res := c.ToggleState(ctx, "A1", true, "E1")

	if !res.Success || res.Queued {
		t.Fatalf("Expected direct success, got %+v", res)
	}
	if !api.checkedIn("E1", "A1") {
		t.Error("Expected remote to reflect the check-in")
	}
	stats, _ := c.QueueStats(ctx, "")
	if stats.Total != 0 {
		t.Errorf("Expected nothing queued, got %+v", stats)
	}
	if refreshes.Load() != 1 {
		t.Errorf("Expected one refresh, got %d", refreshes.Load())
	}
}

func TestToggleState_SoftConflictIsSuccess(t *testing.T) {
	api := newFakeAPI()
	c, _ := newTestClient(t, api)
	ctx := context.Background()
	c.CheckConnectivity(ctx)

	c.ToggleState(ctx, "A1", true, "E1")
	res := c.ToggleState(ctx, "A1", true, "E1")
	if !res.Success || res.Queued || res.Error != "" {
		t.Errorf("Expected soft conflict to succeed, got %+v", res)
	}
}

func TestToggleState_ConnectivityFailureQueuesOptimistically(t *testing.T) {
	api := newFakeAPI()
	c, _ := newTestClient(t, api)
	ctx := context.Background()
	c.CheckConnectivity(ctx)
	c.Attendees(ctx, "E1")

	// Given: The network drops between probes
	api.setUnreachable(true)

	res := c.ToggleState(ctx, "A1", true, "E1")

	if !res.Success || !res.Queued {
		t.Fatalf("Expected queued success, got %+v", res)
	}
	if c.GetSyncStatus().Online {
		t.Error("Expected client to consider itself offline")
	}
	list, err := c.Attendees(ctx, "E1")
	if err != nil {
		t.Fatal(err)
	}
	if !findAttendee(list, "A1").CheckedIn {
		t.Error("Expected optimistic local check-in")
	}
	if st := c.GetSyncStatus(); st.PendingCount != 1 {
		t.Errorf("Expected 1 pending, got %+v", st)
	}
}

func TestToggleState_DirectWriteRetiresQueuedIntent(t *testing.T) {
	api := newFakeAPI()
	c, _ := newTestClient(t, api)
	ctx := context.Background()

	// Given: A check-in queued while offline
	if res := c.ToggleState(ctx, "A1", true, "E1"); !res.Queued {
		t.Fatalf("Expected queued, got %+v", res)
	}

	// When: Back online, the user undoes it before the queue drains
	c.CheckConnectivity(ctx)
	res := c.ToggleState(ctx, "A1", false, "E1")
	if !res.Success || res.Queued {
		t.Fatalf("Expected direct success, got %+v", res)
	}

	// Then: The queued check-in is gone and the list matches the remote
	list, err := c.Attendees(ctx, "E1")
	if err != nil {
		t.Fatal(err)
	}
	if findAttendee(list, "A1").CheckedIn != api.checkedIn("E1", "A1") {
		t.Errorf("Attendees shows A1 checked_in=%v, remote has %v",
			findAttendee(list, "A1").CheckedIn, api.checkedIn("E1", "A1"))
	}
	if st := c.GetSyncStatus(); st.PendingCount != 0 {
		t.Errorf("Expected 0 pending, got %+v", st)
	}

	c.ForceSync(ctx)
	if api.checkedIn("E1", "A1") {
		t.Error("Expected no stale check-in to reach the remote")
	}
}

func TestToggleState_ThrottledWriteIsQueued(t *testing.T) {
	api := newFakeAPI()
	c, _ := newTestClient(t, api)
	ctx := context.Background()
	c.CheckConnectivity(ctx)

	api.mu.Lock()
	api.throttled = true
	api.mu.Unlock()

	res := c.ToggleState(ctx, "A1", true, "E1")
	if !res.Success || !res.Queued {
		t.Fatalf("Expected queued success, got %+v", res)
	}
	if !c.GetSyncStatus().Online {
		t.Error("Expected throttling to leave the client online")
	}

	api.mu.Lock()
	api.throttled = false
	api.mu.Unlock()

	c.ForceSync(ctx)
	if !api.checkedIn("E1", "A1") {
		t.Error("Expected queued check-in to sync once throttling ends")
	}
}

func TestToggleState_OfflineSkipsNetwork(t *testing.T) {
	api := newFakeAPI()
	c, _ := newTestClient(t, api)

	// Never probed: offline.
	res := c.ToggleState(context.Background(), "A1", true, "E1")

	if !res.Queued {
		t.Errorf("Expected queued, got %+v", res)
	}
	if len(api.getWrites()) != 0 {
		t.Error("Expected no remote write while offline")
	}
}

func TestToggleState_CapacityErrorIsReported(t *testing.T) {
	api := newFakeAPI()
	c, _ := newTestClient(t, api, func(cfg *Config) { cfg.Queue.MaxSize = 2 })
	ctx := context.Background()

	c.ToggleState(ctx, "A1", true, "E1")
	c.ToggleState(ctx, "A2", true, "E1")
	res := c.ToggleState(ctx, "A3", true, "E1")

	if res.Success || res.Queued {
		t.Errorf("Expected failure at capacity, got %+v", res)
	}
	if !strings.Contains(res.Error, "queue is full") {
		t.Errorf("Expected capacity message, got %q", res.Error)
	}
	stats, _ := c.QueueStats(ctx, "E1")
	if stats.Pending != 2 {
		t.Errorf("Expected queue unchanged at 2, got %+v", stats)
	}
}

func TestToggleState_HardErrorReturnedNotQueued(t *testing.T) {
	api := newFakeAPI()
	api.rejectWith = "event is closed"
	c, _ := newTestClient(t, api)
	ctx := context.Background()
	c.CheckConnectivity(ctx)

	res := c.ToggleState(ctx, "A1", true, "E1")

	if res.Success || res.Queued || res.Error != "event is closed" {
		t.Errorf("Expected rejection detail, got %+v", res)
	}
	stats, _ := c.QueueStats(ctx, "")
	if stats.Total != 0 {
		t.Error("Hard errors must not be queued")
	}
}

func TestToggleState_ResolvesScopeFromCache(t *testing.T) {
	api := newFakeAPI()
	c, _ := newTestClient(t, api)
	ctx := context.Background()
	c.CheckConnectivity(ctx)

	if res := c.ToggleState(ctx, "A2", true, ""); res.Success {
		t.Error("Expected unknown attendee before the roster is cached")
	}

	c.Attendees(ctx, "E1")
	if res := c.ToggleState(ctx, "A2", true, ""); !res.Success {
		t.Errorf("Expected scope resolved from cache, got %+v", res)
	}
}

func TestClient_OfflineEnqueueThenSync(t *testing.T) {
	api := newFakeAPI()
	c, _ := newTestClient(t, api)
	ctx := context.Background()

	// Given: A1 checked in while disconnected
	api.setUnreachable(true)
	if res := c.ToggleState(ctx, "A1", true, "E1"); !res.Queued {
		t.Fatalf("Expected queued, got %+v", res)
	}
	pending, _ := c.PendingOperations(ctx, "E1")
	if len(pending) != 1 || pending[0].TargetID != "A1" || !pending[0].DesiredState || pending[0].Attempts != 0 {
		t.Fatalf("Unexpected pending entries: %+v", pending)
	}

	// When: Connectivity returns and the user forces a sync
	api.setUnreachable(false)
	res, msg := c.ForceSync(ctx)

	// Then: The remote reflects the check-in
	if res.Synced != 1 || msg != "Synced 1 of 1 check-in" {
		t.Errorf("Unexpected result %+v %q", res, msg)
	}
	if !api.checkedIn("E1", "A1") {
		t.Error("Expected remote check-in after sync")
	}
	if st := c.GetSyncStatus(); st.PendingCount != 0 {
		t.Errorf("Expected nothing pending, got %+v", st)
	}
}

func TestClient_StartSyncsWhenConnectivityReturns(t *testing.T) {
	api := newFakeAPI()
	c, _ := newTestClient(t, api, func(cfg *Config) { cfg.PollInterval = 10 * time.Millisecond })
	ctx := context.Background()

	api.setUnreachable(true)
	c.ToggleState(ctx, "A1", true, "E1")

	if err := c.Start(ctx); err != nil {
		t.Fatal(err)
	}
	api.setUnreachable(false)

	waitFor(t, "background sync", func() bool { return api.checkedIn("E1", "A1") })
}

func TestAttendees_OfflineServesCacheWithPendingOverlay(t *testing.T) {
	api := newFakeAPI()
	c, _ := newTestClient(t, api)
	ctx := context.Background()
	c.CheckConnectivity(ctx)

	list, err := c.Attendees(ctx, "E1")
	if err != nil || len(list) != 3 {
		t.Fatalf("Expected 3 attendees, got %d (%v)", len(list), err)
	}

	api.setUnreachable(true)
	c.CheckConnectivity(ctx)
	c.ToggleState(ctx, "A3", true, "E1")

	list, err = c.Attendees(ctx, "E1")
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 3 || !findAttendee(list, "A3").CheckedIn {
		t.Errorf("Expected cached roster with A3 checked in, got %+v", list)
	}
}

func TestAttendees_UnknownScopeOfflineIsEmpty(t *testing.T) {
	c, _ := newTestClient(t, newFakeAPI())
	list, err := c.Attendees(context.Background(), "E404")
	if err != nil || len(list) != 0 {
		t.Errorf("Expected empty list, got %+v (%v)", list, err)
	}
}

func TestSubscribeToLiveChanges_AppliesChangesAndRefreshesOnReconnect(t *testing.T) {
	api := newFakeAPI()
	c, feed := newTestClient(t, api)
	ctx := context.Background()
	c.CheckConnectivity(ctx)
	c.Attendees(ctx, "E1")

	var changes, reconnects atomic.Int32
	unsub := c.SubscribeToLiveChanges("E1",
		func(types.ChangeEvent) { changes.Add(1) },
		func() { reconnects.Add(1) },
	)
	defer unsub()

	h := <-feed.subs
	h.OnState(types.StateSubscribed, nil)

	// When: Another device checks in A2
	h.OnEvent(types.ChangeEvent{
		Type:     types.ChangeUpdate,
		Resource: types.ResourceAttendees,
		ScopeID:  "E1",
		Record:   types.Attendee{ID: "A2", EventID: "E1", Name: "Grace", CheckedIn: true},
	})
	if changes.Load() != 1 {
		t.Fatalf("Expected change forwarded, got %d", changes.Load())
	}

	api.setUnreachable(true)
	c.CheckConnectivity(ctx)
	list, _ := c.Attendees(ctx, "E1")
	if !findAttendee(list, "A2").CheckedIn {
		t.Error("Expected live change in the cache")
	}

	// And: A toggle queued while disconnected
	c.ToggleState(ctx, "A1", true, "E1")

	// When: The channel drops and comes back
	h.OnState(types.StateError, fmt.Errorf("reset"))
	api.setUnreachable(false)
	h2 := <-feed.subs
	h2.OnState(types.StateSubscribed, nil)

	// Then: The queue is drained and the caller is told to refresh
	waitFor(t, "onReconnected", func() bool { return reconnects.Load() == 1 })
	if !api.checkedIn("E1", "A1") {
		t.Error("Expected queued toggle synced after reconnect")
	}
	if st := c.ConnectionStatuses(); len(st) != 1 || st[0].State != types.StateSubscribed {
		t.Errorf("Unexpected channel state: %+v", st)
	}
}

func TestResetEvent(t *testing.T) {
	api := newFakeAPI()
	c, _ := newTestClient(t, api)
	ctx := context.Background()
	c.CheckConnectivity(ctx)
	c.ToggleState(ctx, "A1", true, "E1")

	list, err := c.ResetEvent(ctx, "E1")
	if err != nil {
		t.Fatal(err)
	}
	if findAttendee(list, "A1").CheckedIn {
		t.Error("Expected reset roster")
	}

	api.setUnreachable(true)
	if _, err := c.ResetEvent(ctx, "E1"); !remote.IsUnreachable(err) {
		t.Errorf("Expected connectivity error, got %v", err)
	}
}

func TestClearFailed(t *testing.T) {
	api := newFakeAPI()
	c, _ := newTestClient(t, api, func(cfg *Config) { cfg.Queue.MaxAttempts = 1 })
	ctx := context.Background()

	c.ToggleState(ctx, "A1", true, "E1")
	c.CheckConnectivity(ctx)
	api.mu.Lock()
	api.rejectWith = "locked"
	api.mu.Unlock()
	c.ForceSync(ctx)

	failed, _ := c.FailedOperations(ctx, "E1")
	if len(failed) != 1 || failed[0].LastError == "" {
		t.Fatalf("Expected one failed operation with error, got %+v", failed)
	}
	if st := c.GetSyncStatus(); st.ExhaustedCount != 1 {
		t.Errorf("Expected exhausted count 1, got %+v", st)
	}

	n, err := c.ClearFailed(ctx, "E1")
	if err != nil || n != 1 {
		t.Errorf("Expected 1 cleared, got %d (%v)", n, err)
	}
}

func TestSetAutoRefreshInterval(t *testing.T) {
	c, _ := newTestClient(t, newFakeAPI())
	ctx := context.Background()

	var ticks atomic.Int32
	c.SubscribeToRefresh(func(e types.RefreshEvent) {
		if e.Reason == types.RefreshInterval {
			ticks.Add(1)
		}
	})
	if err := c.Start(ctx); err != nil {
		t.Fatal(err)
	}

	c.SetAutoRefreshInterval(5 * time.Millisecond)
	waitFor(t, "interval refreshes", func() bool { return ticks.Load() >= 2 })

	c.SetAutoRefreshInterval(0)
	time.Sleep(20 * time.Millisecond)
	settled := ticks.Load()
	time.Sleep(30 * time.Millisecond)
	if ticks.Load() != settled {
		t.Error("Expected ticks to stop after disabling")
	}
}

func TestClose_Idempotent(t *testing.T) {
	c, _ := newTestClient(t, newFakeAPI())
	ctx := context.Background()
	c.Start(ctx)

	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("Second close should be a no-op: %v", err)
	}
	if res := c.ToggleState(ctx, "A1", true, "E1"); res.Error != ErrClosed.Error() {
		t.Errorf("Expected closed error, got %+v", res)
	}
	if err := c.Start(ctx); err != ErrClosed {
		t.Errorf("Expected ErrClosed from Start, got %v", err)
	}
}

func TestNew_RequiresDatabasePath(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("Expected error without database path")
	}
}
