// Package realtime pushes enforcement and risk events to connected clients
// over WebSocket.
//
// Every end-user application holds one connection per session. Enforcement
// outcomes (LOGOUT_ALL, REQUIRE_REAUTH) are delivered both to the user's
// room and individually to each connection handle, so a session that missed
// the room fan-out still receives its eviction. A separate observer feed
// carries RISK_UPDATE events for dashboards.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/mbd888/sessionguard/internal/metrics"
	"github.com/mbd888/sessionguard/internal/session"
)

// normalCloseCodes are WebSocket close codes that indicate an expected disconnect.
var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // Allow non-browser clients
		}
		host := r.Host
		return origin == "http://"+host || origin == "https://"+host
	},
}

// SessionHandler receives client-originated messages. Implemented by the
// enforcement service; the hub stays transport-only.
type SessionHandler interface {
	HandleJoin(ctx context.Context, c *Client, meta session.DeviceMeta) error
	HandleHeartbeat(ctx context.Context, c *Client) error
	HandleVerifyPassword(ctx context.Context, c *Client, password string)
	HandleLogoutAll(ctx context.Context, c *Client) error
	HandleDisconnect(ctx context.Context, c *Client)
}

// Client represents one WebSocket connection.
type Client struct {
	hub       *Hub
	conn      *websocket.Conn
	send      chan []byte
	userID    string
	sessionID string
	observer  bool

	mu      sync.RWMutex
	appName string
}

// UserID returns the user the connection authenticated as.
func (c *Client) UserID() string { return c.userID }

// SessionID returns the session identifier minted at upgrade time.
func (c *Client) SessionID() string { return c.sessionID }

// AppName returns the application name supplied on join, if any.
func (c *Client) AppName() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.appName
}

func (c *Client) setAppName(name string) {
	c.mu.Lock()
	c.appName = name
	c.mu.Unlock()
}

// clientMessage is the inbound frame shape.
type clientMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// envelope routes an event through the hub loop.
type envelope struct {
	userID   string  // fan out to this user's room
	direct   *Client // or to one connection
	observer bool    // or to the observer feed
	event    *Event
}

// MaxClients is the maximum number of concurrent WebSocket connections.
const MaxClients = 10000

// Hub manages all WebSocket connections.
type Hub struct {
	clients   map[*Client]bool
	users     map[string]map[*Client]bool
	observers map[*Client]bool

	outbound   chan *envelope
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	handler    SessionHandler
	logger     *slog.Logger
	done       chan struct{} // closed when Run exits; prevents upgrade race
	maxClients int

	// Stats
	totalEvents  atomic.Int64
	totalClients atomic.Int64
	peakClients  atomic.Int64
}

// NewHub creates a hub. The handler may be set later with SetHandler to
// break the construction cycle with the enforcement service.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		users:      make(map[string]map[*Client]bool),
		observers:  make(map[*Client]bool),
		outbound:   make(chan *envelope, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
		done:       make(chan struct{}),
		maxClients: MaxClients,
	}
}

// SetHandler wires the message handler. Must be called before Run.
func (h *Hub) SetHandler(handler SessionHandler) {
	h.handler = handler
}

// Run starts the hub's main loop.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("realtime hub shutting down, closing client connections")
			h.mu.Lock()
			for client := range h.clients {
				close(client.send) // writePump sends CloseMessage on closed channel
				h.removeLocked(client)
			}
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(0)
			h.logger.Info("realtime hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			if client.observer {
				h.observers[client] = true
			} else {
				room := h.users[client.userID]
				if room == nil {
					room = make(map[*Client]bool)
					h.users[client.userID] = room
				}
				room[client] = true
			}
			h.totalClients.Add(1)
			if current := int64(len(h.clients)); current > h.peakClients.Load() {
				h.peakClients.Store(current)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Info("client connected",
				"user_id", client.userID, "session_id", client.sessionID,
				"observer", client.observer, "total", n)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				close(client.send)
				h.removeLocked(client)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Info("client disconnected",
				"user_id", client.userID, "session_id", client.sessionID, "total", n)

		case env := <-h.outbound:
			h.deliver(env)
		}
	}
}

// removeLocked drops a client from every index. Caller holds h.mu.
func (h *Hub) removeLocked(client *Client) {
	delete(h.clients, client)
	delete(h.observers, client)
	if room, ok := h.users[client.userID]; ok {
		delete(room, client)
		if len(room) == 0 {
			delete(h.users, client.userID)
		}
	}
}

func (h *Hub) deliver(env *envelope) {
	h.totalEvents.Add(1)
	payload := h.serialize(env.event)

	h.mu.RLock()
	var targets []*Client
	switch {
	case env.direct != nil:
		if h.clients[env.direct] {
			targets = append(targets, env.direct)
		}
	case env.observer:
		for client := range h.observers {
			targets = append(targets, client)
		}
	default:
		for client := range h.users[env.userID] {
			targets = append(targets, client)
		}
	}

	var slow []*Client
	for _, client := range targets {
		select {
		case client.send <- payload:
		default:
			slow = append(slow, client)
		}
	}
	h.mu.RUnlock()

	// Remove slow clients under write lock
	if len(slow) > 0 {
		h.mu.Lock()
		for _, client := range slow {
			if _, ok := h.clients[client]; ok {
				close(client.send)
				h.removeLocked(client)
			}
		}
		n := len(h.clients)
		h.mu.Unlock()
		metrics.ActiveWebSocketClients.Set(float64(n))
		h.logger.Warn("evicted slow clients", "count", len(slow))
	}
}

func (h *Hub) serialize(event *Event) []byte {
	data, _ := json.Marshal(event)
	return data
}

func (h *Hub) enqueue(env *envelope) {
	metrics.BroadcastEventsTotal.WithLabelValues(string(env.event.Type)).Inc()
	select {
	case h.outbound <- env:
	case <-h.done:
	default:
		h.logger.Warn("outbound channel full, dropping event", "type", env.event.Type)
	}
}

// BroadcastToUser fans an event out to every connection in the user's room.
func (h *Hub) BroadcastToUser(userID string, event *Event) {
	h.enqueue(&envelope{userID: userID, event: event})
}

// PushEach delivers an event to each of the user's connection handles
// individually, on top of any room broadcast. Eviction events go out both
// ways so no session survives on a missed fan-out.
func (h *Hub) PushEach(userID string, event *Event) {
	for _, client := range h.Connections(userID) {
		h.enqueue(&envelope{direct: client, event: event})
	}
}

// SendTo delivers an event to a single connection.
func (h *Hub) SendTo(c *Client, event *Event) {
	h.enqueue(&envelope{direct: c, event: event})
}

// Observe publishes an event on the observer feed.
func (h *Hub) Observe(event *Event) {
	h.enqueue(&envelope{observer: true, event: event})
}

// Connections returns the user's live connection handles.
func (h *Hub) Connections(userID string) []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	handles := make([]*Client, 0, len(h.users[userID]))
	for client := range h.users[userID] {
		handles = append(handles, client)
	}
	return handles
}

// Stats returns hub statistics.
func (h *Hub) Stats() map[string]interface{} {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return map[string]interface{}{
		"connectedClients": len(h.clients),
		"connectedUsers":   len(h.users),
		"observers":        len(h.observers),
		"totalEvents":      h.totalEvents.Load(),
		"totalClients":     h.totalClients.Load(),
		"peakClients":      h.peakClients.Load(),
	}
}

// HandleWebSocket upgrades an end-user connection. The user_id query
// parameter is required; a session id is minted per connection.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, "user_id required", http.StatusBadRequest)
		return
	}
	h.accept(w, r, userID, false)
}

// HandleObserver upgrades a dashboard connection onto the observer feed.
func (h *Hub) HandleObserver(w http.ResponseWriter, r *http.Request) {
	h.accept(w, r, "", true)
}

func (h *Hub) accept(w http.ResponseWriter, r *http.Request, userID string, observer bool) {
	// Reject upgrades after the hub has stopped to prevent orphaned connections.
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	// Enforce connection limit
	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	if n >= h.maxClients {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		hub:       h,
		conn:      conn,
		send:      make(chan []byte, 256),
		userID:    userID,
		sessionID: uuid.NewString(),
		observer:  observer,
	}

	h.register <- client

	go client.writePump()
	go client.readPump()
}

// readPump reads inbound frames and dispatches them to the session handler.
func (c *Client) readPump() {
	defer func() {
		if c.hub.handler != nil && !c.observer {
			c.hub.handler.HandleDisconnect(context.Background(), c)
		}
		c.hub.unregister <- c
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(512 * 1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Warn("websocket read error", "error", err)
			}
			break
		}
		if c.observer || c.hub.handler == nil {
			continue
		}

		var msg clientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.hub.logger.Warn("malformed client frame", "user_id", c.userID, "error", err)
			continue
		}
		c.dispatch(&msg)
	}
}

func (c *Client) dispatch(msg *clientMessage) {
	ctx := context.Background()
	switch msg.Event {
	case "join":
		var meta session.DeviceMeta
		if len(msg.Data) > 0 {
			if err := json.Unmarshal(msg.Data, &meta); err != nil {
				c.hub.logger.Warn("malformed join payload", "user_id", c.userID, "error", err)
				return
			}
		}
		c.setAppName(meta.AppName)
		if err := c.hub.handler.HandleJoin(ctx, c, meta); err != nil {
			c.hub.logger.Error("join failed", "user_id", c.userID, "error", err)
		}
	case "heartbeat":
		if err := c.hub.handler.HandleHeartbeat(ctx, c); err != nil {
			c.hub.logger.Warn("heartbeat failed", "user_id", c.userID, "error", err)
		}
	case "verify_password":
		var payload struct {
			Password string `json:"password"`
		}
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			c.hub.logger.Warn("malformed verify payload", "user_id", c.userID, "error", err)
			return
		}
		c.hub.handler.HandleVerifyPassword(ctx, c, payload.Password)
	case "force_global_logout":
		if err := c.hub.handler.HandleLogoutAll(ctx, c); err != nil {
			c.hub.logger.Error("global logout failed", "user_id", c.userID, "error", err)
		}
	default:
		c.hub.logger.Debug("unknown client event", "event", msg.Event)
	}
}

// writePump writes outbound frames and keepalive pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.logger.Warn("websocket write error", "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.hub.logger.Debug("websocket ping failed", "error", err)
				return
			}
		}
	}
}
