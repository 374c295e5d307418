package authority

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/hyperengineering/rollcall/internal/remote"
	"github.com/hyperengineering/rollcall/internal/types"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	sendBufferSize = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Hub fans change events out to feed subscribers of the same (resource, scope).
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*feedClient
}

type feedClient struct {
	id       string
	resource types.ResourceType
	scopeID  string
	conn     *websocket.Conn
	send     chan []byte
	hub      *Hub
	once     sync.Once
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[string]*feedClient)}
}

// Count returns the number of connected subscribers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast delivers a change to every subscriber of its scope. Subscribers
// whose buffer is full are disconnected; the client reconnects and refetches.
func (h *Hub) Broadcast(ev types.ChangeEvent) {
	rec := ev.Record
	data, err := json.Marshal(remote.FeedFrame{
		Type:     string(ev.Type),
		Resource: ev.Resource,
		ScopeID:  ev.ScopeID,
		Record:   &rec,
		At:       ev.At,
	})
	if err != nil {
		slog.Error("encode feed frame failed", "component", "authority", "error", err)
		return
	}

	h.mu.RLock()
	var slow []*feedClient
	for _, c := range h.clients {
		if c.resource != ev.Resource || c.scopeID != ev.ScopeID {
			continue
		}
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		slog.Warn("feed subscriber too slow", "component", "authority", "client_id", c.id)
		h.unregister(c)
	}
}

// CloseAll disconnects every subscriber with a going-away close frame.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	clients := make([]*feedClient, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		h.unregister(c)
	}
}

// Serve upgrades the request and streams scope changes until the peer leaves.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, resource types.ResourceType, scopeID string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("feed upgrade failed", "component", "authority", "error", err)
		return
	}

	c := &feedClient{
		id:       uuid.NewString(),
		resource: resource,
		scopeID:  scopeID,
		conn:     conn,
		send:     make(chan []byte, sendBufferSize),
		hub:      h,
	}

	total := h.register(c)

	slog.Info("feed client connected",
		"component", "authority",
		"client_id", c.id,
		"scope_id", scopeID,
		"total", total,
	)

	go c.writePump()
	c.readPump()
}

// register queues the subscribed ack and adds c in one step under the write
// lock, so the ack is always first and no broadcast after it is missed.
func (h *Hub) register(c *feedClient) int {
	ack, _ := json.Marshal(remote.FeedFrame{Type: remote.FrameSubscribed, Resource: c.resource, ScopeID: c.scopeID})

	h.mu.Lock()
	defer h.mu.Unlock()
	c.send <- ack
	h.clients[c.id] = c
	return len(h.clients)
}

func (h *Hub) unregister(c *feedClient) {
	c.once.Do(func() {
		h.mu.Lock()
		delete(h.clients, c.id)
		total := len(h.clients)
		h.mu.Unlock()
		close(c.send)
		slog.Info("feed client disconnected",
			"component", "authority",
			"client_id", c.id,
			"total", total,
		)
	})
}

// readPump discards client frames and keeps the read deadline fresh.
func (c *feedClient) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	c.conn.SetPingHandler(func(data string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return c.conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				slog.Debug("feed read error", "component", "authority", "client_id", c.id, "error", err)
			}
			return
		}
	}
}

func (c *feedClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
