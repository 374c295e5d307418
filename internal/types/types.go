package types

import (
	"time"
)

// ResourceType names a collection the push feed can be subscribed to.
type ResourceType string

const (
	ResourceAttendees ResourceType = "attendees"
)

// ChangeType classifies a push-feed change notification.
type ChangeType string

const (
	ChangeInsert ChangeType = "insert"
	ChangeUpdate ChangeType = "update"
	ChangeDelete ChangeType = "delete"
)

// Valid reports whether t is one of the known change types.
func (t ChangeType) Valid() bool {
	switch t {
	case ChangeInsert, ChangeUpdate, ChangeDelete:
		return true
	}
	return false
}

// Attendee is one roster entry of an event.
type Attendee struct {
	ID          string     `json:"id"`
	EventID     string     `json:"event_id"`
	Name        string     `json:"name"`
	Email       string     `json:"email,omitempty"`
	CheckedIn   bool       `json:"checked_in"`
	CheckedInAt *time.Time `json:"checked_in_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// ChangeEvent is a single change pushed by the remote feed.
type ChangeEvent struct {
	Type     ChangeType   `json:"type"`
	Resource ResourceType `json:"resource"`
	ScopeID  string       `json:"scope_id"`
	Record   Attendee     `json:"record"`
	At       time.Time    `json:"at"`
}

// QueuedOperation is one pending check-in state mutation.
type QueuedOperation struct {
	ID            string     `json:"id"`
	TargetID      string     `json:"target_id"`
	ScopeID       string     `json:"scope_id"`
	DesiredState  bool       `json:"desired_state"`
	QueuedAt      time.Time  `json:"queued_at"`
	Attempts      int        `json:"attempts"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
	Synced        bool       `json:"synced"`
	SyncedAt      *time.Time `json:"synced_at,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
}

// Exhausted reports whether the operation has used up its automatic retries.
func (op QueuedOperation) Exhausted(maxAttempts int) bool {
	return !op.Synced && op.Attempts >= maxAttempts
}

// QueueStats summarizes the operation queue for one scope or all scopes.
type QueueStats struct {
	Pending        int        `json:"pending"`
	Exhausted      int        `json:"exhausted"`
	Synced         int        `json:"synced"`
	Total          int        `json:"total"`
	OldestQueuedAt *time.Time `json:"oldest_queued_at,omitempty"`
}

// SyncResult is the outcome of one drain pass.
type SyncResult struct {
	Synced int `json:"synced"`
	Failed int `json:"failed"`
	Total  int `json:"total"`
	// Skipped is set when another pass was already running.
	Skipped bool `json:"skipped,omitempty"`
	// Deferred is set when the pass did not run (or stopped) for lack of connectivity.
	Deferred bool `json:"deferred,omitempty"`
	// Throttled is set when the remote rate-limited the pass and it stopped early.
	Throttled bool `json:"throttled,omitempty"`
	// RetryAfter is the remote's requested pause when Throttled.
	RetryAfter time.Duration `json:"-"`
}

// SyncStatus is the coordinator state exposed to the display layer.
type SyncStatus struct {
	IsSyncing      bool        `json:"is_syncing"`
	LastSyncAt     *time.Time  `json:"last_sync_at,omitempty"`
	LastResult     *SyncResult `json:"last_result,omitempty"`
	PendingCount   int         `json:"pending_count"`
	ExhaustedCount int         `json:"exhausted_count"`
	Online         bool        `json:"online"`
}

// ToggleResult is returned to the display layer for a check-in toggle.
type ToggleResult struct {
	Success bool   `json:"success"`
	Queued  bool   `json:"queued"`
	Error   string `json:"error,omitempty"`
}

// ChannelState is a live-update channel's position in its state machine.
type ChannelState string

const (
	StateUnsubscribed ChannelState = "unsubscribed"
	StateConnecting   ChannelState = "connecting"
	StateSubscribed   ChannelState = "subscribed"
	StateError        ChannelState = "error"
	StateTimedOut     ChannelState = "timed_out"
	StateReconnecting ChannelState = "reconnecting"
	StateClosed       ChannelState = "closed"
)

// ConnectionStatus is a snapshot of one live-update channel.
type ConnectionStatus struct {
	ChannelKey        string       `json:"channel_key"`
	State             ChannelState `json:"state"`
	IsConnected       bool         `json:"is_connected"`
	ReconnectAttempts int          `json:"reconnect_attempts"`
	LastError         string       `json:"last_error,omitempty"`
	LastConnectedAt   *time.Time   `json:"last_connected_at,omitempty"`
}

// Refresh reasons published on the bus.
const (
	RefreshSync        = "sync"
	RefreshLive        = "live"
	RefreshReconnected = "reconnected"
	RefreshWrite       = "write"
	RefreshInterval    = "interval"
)

// RefreshEvent asks the display layer to re-render.
type RefreshEvent struct {
	Reason  string `json:"reason"`
	ScopeID string `json:"scope_id,omitempty"`
}
