// Package e2e drives the check-in client against the reference authority
// over real HTTP and WebSocket connections.
package e2e

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hyperengineering/rollcall/internal/authority"
	"github.com/hyperengineering/rollcall/internal/checkin"
	"github.com/hyperengineering/rollcall/internal/live"
	"github.com/hyperengineering/rollcall/internal/queue"
	"github.com/hyperengineering/rollcall/internal/types"
)

const testAPIKey = "e2e-test-key"

// authorityServer is a reference authority whose network can be cut.
type authorityServer struct {
	*httptest.Server
	roster *authority.Roster
	hub    *authority.Hub
	down   atomic.Bool
}

func startAuthority(t *testing.T) *authorityServer {
	t.Helper()
	return startLimitedAuthority(t, nil)
}

// startLimitedAuthority rate limits writes with writes when non-nil.
func startLimitedAuthority(t *testing.T, writes *authority.WriteRateLimiter) *authorityServer {
	t.Helper()
	roster, err := authority.NewRoster(&authority.RosterFile{Events: []authority.RosterEvent{{
		ID:   "E1",
		Name: "Launch",
		Attendees: []authority.RosterAttendee{
			{ID: "A1", Name: "Ada"},
			{ID: "A2", Name: "Grace"},
			{ID: "A3", Name: "Linus"},
		},
	}}})
	if err != nil {
		t.Fatalf("NewRoster() error = %v", err)
	}

	a := &authorityServer{roster: roster, hub: authority.NewHub()}
	router := authority.NewRouter(authority.NewHandler(roster, a.hub, testAPIKey, "e2e"), writes)
	a.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.down.Load() {
			// Drop the connection without a response, like a dead network
			if hj, ok := w.(http.Hijacker); ok {
				if conn, _, err := hj.Hijack(); err == nil {
					conn.Close()
					return
				}
			}
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		router.ServeHTTP(w, r)
	}))
	t.Cleanup(func() {
		a.hub.CloseAll()
		a.Server.Close()
	})
	return a
}

// setDown cuts or restores the network. Cutting it also drops feed connections.
func (a *authorityServer) setDown(down bool) {
	a.down.Store(down)
	if down {
		a.hub.CloseAll()
		a.Server.CloseClientConnections()
	}
}

func (a *authorityServer) checkedIn(t *testing.T, id string) bool {
	t.Helper()
	rec, err := a.roster.Get(id)
	if err != nil {
		t.Fatalf("roster.Get(%s) error = %v", id, err)
	}
	return rec.CheckedIn
}

func newClient(t *testing.T, a *authorityServer) *checkin.Client {
	t.Helper()
	c, err := checkin.New(checkin.Config{
		DatabasePath:   filepath.Join(t.TempDir(), "rollcall.db"),
		BaseURL:        a.URL,
		APIKey:         testAPIKey,
		RequestTimeout: 2 * time.Second,
		Queue:          queue.DefaultConfig(),
		PollInterval:   20 * time.Millisecond,
		RetryInterval:  50 * time.Millisecond,
		Live: live.Options{
			MaxAttempts: 50,
			BaseDelay:   10 * time.Millisecond,
		},
		FeedReadTimeout:  2 * time.Second,
		FeedPingInterval: 500 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("checkin.New() error = %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func startClient(t *testing.T, a *authorityServer) *checkin.Client {
	t.Helper()
	c := newClient(t, a)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitFor(t, "client online", func() bool { return c.GetSyncStatus().Online })
	return c
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatalf("Timed out waiting for %s", what)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func pending(t *testing.T, c *checkin.Client) int {
	t.Helper()
	stats, err := c.QueueStats(context.Background(), "")
	if err != nil {
		t.Fatalf("QueueStats() error = %v", err)
	}
	return stats.Pending
}

func findAttendee(list []types.Attendee, id string) (types.Attendee, bool) {
	for _, a := range list {
		if a.ID == id {
			return a, true
		}
	}
	return types.Attendee{}, false
}

// changeLog records live change callbacks.
type changeLog struct {
	mu          sync.Mutex
	events      []types.ChangeEvent
	reconnected int
}

func (l *changeLog) onChange(ev types.ChangeEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *changeLog) onReconnected() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reconnected++
}

func (l *changeLog) sawUpdate(id string, checkedIn bool) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ev := range l.events {
		if ev.Record.ID == id && ev.Record.CheckedIn == checkedIn {
			return true
		}
	}
	return false
}

func (l *changeLog) reconnects() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reconnected
}

func subscribed(c *checkin.Client) bool {
	for _, s := range c.ConnectionStatuses() {
		if s.State == types.StateSubscribed {
			return true
		}
	}
	return false
}
