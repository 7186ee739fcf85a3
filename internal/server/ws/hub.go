// Package ws pushes derived book views to websocket clients.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/depthbook/internal/domain"
)

const (
	writeWait = 10 * time.Second

	pongWait = 60 * time.Second

	// pingPeriod must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 1024

	sendBufferSize = 64

	resubscribeDelay    = 500 * time.Millisecond
	maxResubscribeDelay = 30 * time.Second
)

// ViewSource produces the current derived view for newly connected clients.
type ViewSource interface {
	View() domain.BookView
}

// envelope is every frame the hub writes.
type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Message types.
const (
	TypeView = "book_view"
)

// request is what a client may send. The only action is "snapshot", which
// asks for the current view immediately.
type request struct {
	Action string `json:"action"`
}

// Hub fans view updates from the signal bus out to websocket clients.
type Hub struct {
	bus      domain.SignalBus
	source   ViewSource
	upgrader websocket.Upgrader
	logger   *slog.Logger
	retry    time.Duration

	mu      sync.RWMutex
	clients map[*client]struct{}
	closed  bool
}

var errInvalidPayload = errors.New("ws: payload is not valid JSON")

// client is one websocket connection.
type client struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// NewHub creates a Hub. checkOrigin may be nil to accept every origin.
func NewHub(bus domain.SignalBus, source ViewSource, checkOrigin func(r *http.Request) bool, logger *slog.Logger) *Hub {
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Hub{
		bus:    bus,
		source: source,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
		logger:  logger.With(slog.String("component", "ws_hub")),
		retry:   resubscribeDelay,
		clients: make(map[*client]struct{}),
	}
}

// Run forwards every view published on the bus to the connected clients
// until ctx is cancelled. It then disconnects every client. A subscription
// closed by the bus is re-established with backoff.
func (h *Hub) Run(ctx context.Context) error {
	defer h.shutdown()

	views, err := h.bus.Subscribe(ctx, domain.ViewChannel)
	if err != nil {
		return err
	}
	h.logger.InfoContext(ctx, "ws: subscribed", slog.String("channel", domain.ViewChannel))

	for {
		select {
		case <-ctx.Done():
			return nil

		case payload, ok := <-views:
			if !ok {
				h.logger.Warn("ws: view subscription closed, resubscribing")
				if views, err = h.resubscribe(ctx); err != nil {
					return nil
				}
				continue
			}
			frame, err := wrap(TypeView, payload)
			if err != nil {
				h.logger.Warn("ws: dropping undecodable view", slog.String("error", err.Error()))
				continue
			}
			h.fanOut(frame)
		}
	}
}

// resubscribe retries Subscribe until it succeeds or ctx is done.
func (h *Hub) resubscribe(ctx context.Context) (<-chan []byte, error) {
	delay := h.retry
	for {
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}

		views, err := h.bus.Subscribe(ctx, domain.ViewChannel)
		if err == nil {
			h.logger.Info("ws: resubscribed", slog.String("channel", domain.ViewChannel))
			return views, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		h.logger.Warn("ws: resubscribe failed",
			slog.Duration("retry_in", delay),
			slog.String("error", err.Error()),
		)
		delay = min(delay*2, maxResubscribeDelay)
	}
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
}

// add registers c unless the hub has shut down.
func (h *Hub) add(c *client) bool {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return false
	}
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Info("ws: client connected", slog.String("client", c.id), slog.Int("total_clients", n))
	return true
}

// remove unregisters c and closes its send queue once.
func (h *Hub) remove(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
		close(c.send)
	}
	n := len(h.clients)
	h.mu.Unlock()
	if ok {
		h.logger.Info("ws: client disconnected", slog.String("client", c.id), slog.Int("total_clients", n))
	}
}

// fanOut queues frame for every client; slow clients miss it. Each frame is
// a complete view, so a skipped one is superseded by the next.
func (h *Hub) fanOut(frame []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- frame:
		default:
			h.logger.Debug("ws: dropping view for slow client", slog.String("client", c.id))
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleWS upgrades the request and registers the client. The current view
// is sent first so the client never waits for the next change.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("ws: upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{
		id:   uuid.NewString(),
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
	}

	if !h.add(c) {
		conn.Close()
		return
	}
	c.sendSnapshot()

	go c.writePump()
	go c.readPump()
}

func wrap(typ string, payload []byte) ([]byte, error) {
	if !json.Valid(payload) {
		return nil, errInvalidPayload
	}
	return json.Marshal(envelope{Type: typ, Payload: payload})
}

func (c *client) sendSnapshot() {
	if c.hub.source == nil {
		return
	}
	payload, err := json.Marshal(c.hub.source.View())
	if err != nil {
		return
	}
	frame, err := wrap(TypeView, payload)
	if err != nil {
		return
	}

	// c.send is closed under the write lock once c is unregistered.
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if _, ok := c.hub.clients[c]; !ok {
		return
	}
	select {
	case c.send <- frame:
	default:
	}
}

// readPump handles client requests and pongs until the connection fails.
func (c *client) readPump() {
	defer func() {
		c.hub.remove(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("ws: unexpected close", slog.String("client", c.id), slog.String("error", err.Error()))
			}
			return
		}
		var req request
		if json.Unmarshal(message, &req) == nil && req.Action == "snapshot" {
			c.sendSnapshot()
		}
	}
}

// writePump writes queued frames and periodic pings.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
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
