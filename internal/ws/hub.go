package ws

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/askhub/livesync/internal/logger"
)

// Hub tracks live connections per viewer. Each connection owns its own
// Session; the hub enforces the connection limit and shuts everything down.
type Hub struct {
	mu         sync.RWMutex
	clients    map[string]map[*Client]struct{}
	total      int
	maxConns   int
	sessions   SessionConfig
	limits     Limits
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
}

// Limits bound what a single connection may do.
type Limits struct {
	// ActionRate and ActionBurst throttle incoming actions per connection.
	ActionRate     rate.Limit
	ActionBurst    int
	SendBufferSize int
	WriteWait      time.Duration
	PongWait       time.Duration
	MaxMessageSize int64
}

func (l Limits) withDefaults() Limits {
	if l.ActionRate <= 0 {
		l.ActionRate = 10
	}
	if l.ActionBurst <= 0 {
		l.ActionBurst = 20
	}
	if l.SendBufferSize <= 0 {
		l.SendBufferSize = sendBufSize
	}
	if l.WriteWait <= 0 {
		l.WriteWait = writeWait
	}
	if l.PongWait <= 0 {
		l.PongWait = pongWait
	}
	if l.MaxMessageSize <= 0 {
		l.MaxMessageSize = maxMessageSize
	}
	return l
}

func NewHub(sessions SessionConfig, maxConns int, limits Limits) *Hub {
	if maxConns <= 0 {
		maxConns = 10000
	}
	return &Hub{
		clients:    make(map[string]map[*Client]struct{}),
		maxConns:   maxConns,
		sessions:   sessions,
		limits:     limits.withDefaults(),
		register:   make(chan *Client, 64),
		unregister: make(chan *Client, 64),
		done:       make(chan struct{}),
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case client := <-h.register:
			h.addClient(client)
		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

func (h *Hub) shutdown() {
	// Collect all clients under the lock, do NOT perform I/O under mutex.
	h.mu.Lock()
	allClients := make([]*Client, 0, h.total)
	for _, clients := range h.clients {
		for c := range clients {
			allClients = append(allClients, c)
		}
	}
	h.clients = make(map[string]map[*Client]struct{})
	h.total = 0
	h.mu.Unlock()

	for _, c := range allClients {
		c.Close()
	}
	for _, c := range allClients {
		c.Wait()
	}
}

func (h *Hub) addClient(c *Client) {
	h.mu.Lock()
	if h.total >= h.maxConns {
		h.mu.Unlock()
		logger.Errorf("ws connection limit reached (%d), rejecting viewer=%s", h.maxConns, c.viewer)
		c.Close()
		return
	}
	if _, ok := h.clients[c.viewer]; !ok {
		h.clients[c.viewer] = make(map[*Client]struct{})
	}
	h.clients[c.viewer][c] = struct{}{}
	h.total++
	h.mu.Unlock()

	// activation does network I/O; keep the run loop free
	c.startSession()
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	clients, ok := h.clients[c.viewer]
	if !ok {
		h.mu.Unlock()
		return
	}
	if _, exists := clients[c]; !exists {
		h.mu.Unlock()
		return
	}
	delete(clients, c)
	h.total--
	if len(clients) == 0 {
		delete(h.clients, c.viewer)
	}
	h.mu.Unlock()

	c.Close()
}

// Len returns the number of registered connections.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.total
}

// Viewers returns the number of distinct connected viewers.
func (h *Hub) Viewers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleMessage runs one action of c's session and reports the outcome to c.
func (h *Hub) HandleMessage(ctx context.Context, c *Client, msg IncomingMessage) {
	defer logger.DeferLogDuration("ws."+string(msg.Type), time.Now())()
	if !c.limiter.Allow() {
		h.sendToClient(c, OutgoingMessage{Type: EventError, Payload: ErrorPayload{
			Ref: msg.Ref, Action: msg.Type, Code: "rate_limited", Message: "too many actions",
		}})
		return
	}
	if err := c.session.Handle(ctx, msg); err != nil {
		code := errorCode(err)
		if code == "internal" || code == "mutation" {
			logger.Errorf("ws %s viewer=%s: %v", msg.Type, c.viewer, err)
		}
		h.sendToClient(c, OutgoingMessage{Type: EventError, Payload: ErrorPayload{
			Ref: msg.Ref, Action: msg.Type, Code: code, Message: err.Error(),
		}})
		return
	}
	h.sendToClient(c, OutgoingMessage{Type: EventAck, Payload: AckPayload{Ref: msg.Ref, Action: msg.Type}})
}

func (h *Hub) sendToClient(c *Client, msg OutgoingMessage) {
	select {
	case c.send <- msg:
	case <-c.done:
	default:
		// Backpressure: send buffer full, close slow client.
		logger.Errorf("ws send buffer full, closing slow client viewer=%s", c.viewer)
		c.Close()
	}
}

func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
		c.Close()
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}
