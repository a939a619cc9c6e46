package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// EventHello is the first event every client receives, carrying the state at
// the time it subscribed
const EventHello = "hello"

const (
	sendBuffer       = 32
	writeWait        = 10 * time.Second
	subscribeTimeout = 5 * time.Second
)

// Event is one message on the event stream
type Event struct {
	Type   string        `json:"type"`
	Source string        `json:"source,omitempty"`
	Client string        `json:"client"`
	At     time.Time     `json:"at"`
	State  StateResponse `json:"state"`
}

type client struct {
	id     string
	conn   *websocket.Conn
	send   chan Event
	closed bool
}

// Hub fans change notifications out to websocket clients. Broadcast and the
// hello function run on the loop goroutine; everything else may be called
// from any goroutine.
type Hub struct {
	invoke   func(ctx context.Context, fn func()) error
	hello    func() Event
	logger   *zap.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[string]*client
	closed  bool
}

// NewHub creates a hub. invoke runs a function on the loop goroutine and
// hello builds the first event of a new client there.
func NewHub(invoke func(ctx context.Context, fn func()) error, hello func() Event, logger *zap.Logger) *Hub {
	return &Hub{
		invoke: invoke,
		hello:  hello,
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[string]*client),
	}
}

// ServeHTTP upgrades the request and streams events until the client goes away
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Failed to upgrade connection", zap.Error(err))
		return
	}

	c := &client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan Event, sendBuffer),
	}

	// Registering on the loop orders the hello event before any broadcast
	registered := false
	ctx, cancel := context.WithTimeout(context.Background(), subscribeTimeout)
	err = h.invoke(ctx, func() {
		if h.register(c) {
			registered = true
			h.enqueue(c, h.hello())
		}
	})
	cancel()
	if err != nil || !registered {
		h.logger.Warn("Failed to subscribe client",
			zap.String("client", c.id),
			zap.Error(err))
		h.unregister(c)
		conn.Close()
		return
	}
	defer h.unregister(c)

	h.logger.Info("Event client connected",
		zap.String("client", c.id),
		zap.String("remote_addr", r.RemoteAddr))

	go h.writePump(c)

	// Clients never send anything; reading only detects the close
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			h.logger.Info("Event client disconnected",
				zap.String("client", c.id),
				zap.Error(err))
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	defer c.conn.Close()

	for ev := range c.send {
		ev.Client = c.id
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteJSON(ev); err != nil {
			h.logger.Debug("Failed to write event",
				zap.String("client", c.id),
				zap.Error(err))
			h.unregister(c)
			return
		}
	}
}

func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed || c.closed {
		return false
	}
	h.clients[c.id] = c
	return true
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.drop(c)
}

// drop must be called with mu held
func (h *Hub) drop(c *client) {
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
	delete(h.clients, c.id)
}

func (h *Hub) enqueue(c *client, ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if c.closed {
		return
	}
	select {
	case c.send <- ev:
	default:
		h.logger.Warn("Dropping slow event client", zap.String("client", c.id))
		h.drop(c)
	}
}

// Broadcast queues ev for every connected client. A client whose queue is
// full is disconnected.
func (h *Hub) Broadcast(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, c := range h.clients {
		select {
		case c.send <- ev:
		default:
			h.logger.Warn("Dropping slow event client", zap.String("client", c.id))
			h.drop(c)
		}
	}
}

// Clients returns the number of connected clients
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client and refuses new ones
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for _, c := range h.clients {
		h.drop(c)
		c.conn.Close()
	}
}
