package live

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hyperengineering/rollcall/internal/remote"
	"github.com/hyperengineering/rollcall/internal/types"
)

// WebSocketConfig configures WebSocketFeed.
type WebSocketConfig struct {
	BaseURL      string        // http(s) base URL of the remote API
	APIKey       string        // sent as a bearer token when set
	ReadTimeout  time.Duration // silence allowed before timed_out (default: 60s)
	PingInterval time.Duration // keepalive ping period (default: 20s)
	Dialer       *websocket.Dialer
}

// WebSocketFeed subscribes to the remote push feed over WebSocket.
type WebSocketFeed struct {
	cfg WebSocketConfig
}

// NewWebSocketFeed creates a WebSocketFeed.
func NewWebSocketFeed(cfg WebSocketConfig) *WebSocketFeed {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 60 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 20 * time.Second
	}
	if cfg.PingInterval >= cfg.ReadTimeout {
		cfg.PingInterval = cfg.ReadTimeout / 2
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		}
	}
	return &WebSocketFeed{cfg: cfg}
}

// FeedURL returns the WebSocket URL for a subscription.
func (f *WebSocketFeed) FeedURL(resource types.ResourceType, scopeID string) (string, error) {
	u, err := url.Parse(strings.TrimRight(f.cfg.BaseURL, "/"))
	if err != nil {
		return "", fmt.Errorf("parse base URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http", "":
		u.Scheme = "ws"
	}
	u.Path += "/api/v1/events/" + scopeID + "/feed"
	u.RawQuery = url.Values{"resource": {string(resource)}}.Encode()
	return u.String(), nil
}

// Subscribe dials the feed and starts reading. The returned subscription is
// open; StateSubscribed is reported once the server acknowledges.
func (f *WebSocketFeed) Subscribe(ctx context.Context, resource types.ResourceType, scopeID string, h FeedHandler) (FeedSubscription, error) {
	target, err := f.FeedURL(resource, scopeID)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	if f.cfg.APIKey != "" {
		header.Set("Authorization", "Bearer "+f.cfg.APIKey)
	}

	conn, resp, err := f.cfg.Dialer.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial feed: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial feed: %w", err)
	}

	s := &wsSubscription{
		conn:    conn,
		handler: h,
		cfg:     f.cfg,
		done:    make(chan struct{}),
	}
	go s.readPump()
	go s.pingPump()
	return s, nil
}

type wsSubscription struct {
	conn    *websocket.Conn
	handler FeedHandler
	cfg     WebSocketConfig

	closing atomic.Bool
	once    sync.Once
	done    chan struct{}
}

func (s *wsSubscription) readPump() {
	defer s.shutdown()

	s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		return nil
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if s.closing.Load() {
				return
			}
			s.report(classify(err), err)
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))

		var frame remote.FeedFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}

		switch ct := types.ChangeType(frame.Type); {
		case frame.Type == remote.FrameSubscribed:
			s.report(types.StateSubscribed, nil)
		case frame.Type == remote.FrameError:
			s.report(types.StateError, errors.New(frame.Detail))
			return
		case ct.Valid() && frame.Record != nil:
			if s.handler.OnEvent != nil && !s.closing.Load() {
				s.handler.OnEvent(types.ChangeEvent{
					Type:     ct,
					Resource: frame.Resource,
					ScopeID:  frame.ScopeID,
					Record:   *frame.Record,
					At:       frame.At,
				})
			}
		}
	}
}

func (s *wsSubscription) pingPump() {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				return
			}
		}
	}
}

func (s *wsSubscription) report(state types.ChannelState, err error) {
	if s.closing.Load() || s.handler.OnState == nil {
		return
	}
	s.handler.OnState(state, err)
}

func classify(err error) types.ChannelState {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return types.StateTimedOut
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return types.StateClosed
	}
	return types.StateError
}

func (s *wsSubscription) shutdown() {
	s.once.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

// Close ends the subscription without reporting a state.
func (s *wsSubscription) Close() error {
	if s.closing.Swap(true) {
		return nil
	}
	s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	s.shutdown()
	return nil
}
