// Package live maintains push-feed subscriptions with automatic reconnection.
package live

import (
	"context"

	"github.com/hyperengineering/rollcall/internal/types"
)

// FeedHandler receives callbacks from one feed connection.
//
// OnState reports StateSubscribed once the remote confirms the subscription,
// and at most one terminal state (StateError, StateTimedOut or StateClosed)
// after which the connection delivers nothing more.
type FeedHandler struct {
	OnEvent func(types.ChangeEvent)
	OnState func(state types.ChannelState, err error)
}

// FeedSubscription is one open feed connection.
type FeedSubscription interface {
	Close() error
}

// Feed opens push-feed connections.
type Feed interface {
	Subscribe(ctx context.Context, resource types.ResourceType, scopeID string, h FeedHandler) (FeedSubscription, error)
}
