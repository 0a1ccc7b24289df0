package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/moltbunker/escrowd/internal/logging"
	"github.com/moltbunker/escrowd/internal/metrics"
	"github.com/moltbunker/escrowd/pkg/types"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 54 * time.Second
	wsReadLimit  = 64 * 1024
	wsSendBuffer = 256
)

// WebSocket message types
const (
	WSTypeEvent        = "event"
	WSTypeSubscribe    = "subscribe"
	WSTypeUnsubscribe  = "unsubscribe"
	WSTypeSubscribed   = "subscribed"
	WSTypeUnsubscribed = "unsubscribed"
	WSTypePing         = "ping"
	WSTypePong         = "pong"
)

// WebSocketMessage is sent to clients.
type WebSocketMessage struct {
	Type    string `json:"type"`
	Channel string `json:"channel,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// WebSocketRequest is sent by clients to narrow or widen their stream.
// A client with no filters receives every event.
type WebSocketRequest struct {
	Type     string            `json:"type"`
	Kinds    []types.EventKind `json:"kinds,omitempty"`
	Services []types.ServiceID `json:"services,omitempty"`
}

// Subscription describes a client's active filters.
type Subscription struct {
	Kinds    []types.EventKind `json:"kinds"`
	Services []types.ServiceID `json:"services"`
}

// WebSocketClient is one connected event stream.
type WebSocketClient struct {
	hub  *WebSocketHub
	conn *websocket.Conn
	send chan []byte

	closed bool // guarded by hub.mu

	mu       sync.RWMutex
	kinds    map[types.EventKind]bool
	services map[types.ServiceID]bool
}

// WebSocketHub fans committed events out to connected clients. Run owns the
// client set; everything else talks to it through channels.
type WebSocketHub struct {
	clients    map[*WebSocketClient]struct{}
	broadcast  chan types.Event
	register   chan *WebSocketClient
	unregister chan *WebSocketClient
	done       chan struct{}
	metrics    *metrics.PrometheusCollector
	upgrader   websocket.Upgrader
	mu         sync.RWMutex
}

// NewWebSocketHub creates a hub. m may be nil.
func NewWebSocketHub(m *metrics.PrometheusCollector) *WebSocketHub {
	return &WebSocketHub{
		clients:    make(map[*WebSocketClient]struct{}),
		broadcast:  make(chan types.Event, 1024),
		register:   make(chan *WebSocketClient),
		unregister: make(chan *WebSocketClient),
		done:       make(chan struct{}),
		metrics:    m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// Run serves the hub until ctx is cancelled, then closes every client.
func (h *WebSocketHub) Run(ctx context.Context) {
	defer func() {
		h.mu.Lock()
		for client := range h.clients {
			h.dropLocked(client)
		}
		h.mu.Unlock()
		close(h.done)
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			if h.metrics != nil {
				h.metrics.IncrementConnections()
			}
			logging.Debug("WebSocket client connected",
				"total_clients", n,
				logging.Component("websocket"))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				h.dropLocked(client)
			}
			n := len(h.clients)
			h.mu.Unlock()
			logging.Debug("WebSocket client disconnected",
				"total_clients", n,
				logging.Component("websocket"))

		case ev := <-h.broadcast:
			data, err := json.Marshal(WebSocketMessage{Type: WSTypeEvent, Channel: string(ev.Kind), Data: ev})
			if err != nil {
				continue
			}

			h.mu.Lock()
			for client := range h.clients {
				if !client.wants(ev) {
					continue
				}
				select {
				case client.send <- data:
				default:
					logging.Warn("WebSocket client too slow, disconnecting",
						logging.Component("websocket"))
					h.dropLocked(client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// dropLocked removes client and closes its send channel. Caller holds h.mu.
func (h *WebSocketHub) dropLocked(client *WebSocketClient) {
	delete(h.clients, client)
	client.closed = true
	close(client.send)
	if h.metrics != nil {
		h.metrics.DecrementConnections()
	}
}

// Publish queues an event for delivery. It never blocks; events are dropped
// when the hub falls behind.
func (h *WebSocketHub) Publish(ev types.Event) {
	select {
	case h.broadcast <- ev:
	default:
		logging.Warn("WebSocket broadcast buffer full",
			"kind", string(ev.Kind),
			logging.Component("websocket"))
	}
}

// ClientCount returns the number of connected clients
func (h *WebSocketHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func newWebSocketClient(hub *WebSocketHub, conn *websocket.Conn) *WebSocketClient {
	return &WebSocketClient{
		hub:      hub,
		conn:     conn,
		send:     make(chan []byte, wsSendBuffer),
		kinds:    make(map[types.EventKind]bool),
		services: make(map[types.ServiceID]bool),
	}
}

// wants reports whether ev passes the client's filters.
func (c *WebSocketClient) wants(ev types.Event) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.kinds) > 0 && !c.kinds[ev.Kind] {
		return false
	}
	if len(c.services) > 0 && !c.services[ev.ServiceID] {
		return false
	}
	return true
}

func (c *WebSocketClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(wsReadLimit)
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Debug("WebSocket read error",
					"error", err.Error(),
					logging.Component("websocket"))
			}
			return
		}

		var req WebSocketRequest
		if err := json.Unmarshal(message, &req); err != nil {
			continue
		}
		c.handleRequest(req)
	}
}

func (c *WebSocketClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *WebSocketClient) handleRequest(req WebSocketRequest) {
	switch req.Type {
	case WSTypeSubscribe:
		c.mu.Lock()
		for _, k := range req.Kinds {
			c.kinds[k] = true
		}
		for _, id := range req.Services {
			c.services[id] = true
		}
		c.mu.Unlock()
		c.reply(WebSocketMessage{Type: WSTypeSubscribed, Data: c.subscription()})
	case WSTypeUnsubscribe:
		c.mu.Lock()
		for _, k := range req.Kinds {
			delete(c.kinds, k)
		}
		for _, id := range req.Services {
			delete(c.services, id)
		}
		c.mu.Unlock()
		c.reply(WebSocketMessage{Type: WSTypeUnsubscribed, Data: c.subscription()})
	case WSTypePing:
		c.reply(WebSocketMessage{Type: WSTypePong})
	}
}

// reply queues a control message. The hub may close send concurrently, so
// replies check closed under the hub lock.
func (c *WebSocketClient) reply(msg WebSocketMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

func (c *WebSocketClient) subscription() Subscription {
	c.mu.RLock()
	defer c.mu.RUnlock()
	sub := Subscription{
		Kinds:    make([]types.EventKind, 0, len(c.kinds)),
		Services: make([]types.ServiceID, 0, len(c.services)),
	}
	for k := range c.kinds {
		sub.Kinds = append(sub.Kinds, k)
	}
	for id := range c.services {
		sub.Services = append(sub.Services, id)
	}
	return sub
}

// handleWebSocket handles GET /v1/ws
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.wsHub.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn("WebSocket upgrade failed",
			"error", err.Error(),
			logging.Component("websocket"))
		return
	}

	client := newWebSocketClient(s.wsHub, conn)
	select {
	case s.wsHub.register <- client:
	case <-s.wsHub.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// checkOrigin accepts same-host requests, non-browser clients and configured
// CORS origins.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range s.config.CORSOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return origin == "http://"+r.Host || origin == "https://"+r.Host
}

// streamEvents forwards committed events from the log to the hub.
func (s *Server) streamEvents(ctx context.Context, sub <-chan types.Event, cancel func()) {
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			s.wsHub.Publish(ev)
		}
	}
}
