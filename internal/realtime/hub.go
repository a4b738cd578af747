package realtime

import (
	"sync"

	"go.uber.org/zap"

	"github.com/classpulse/backend/internal/protocol"
)

const (
	// PingInterval and PongWait are used for heartbeat.
	PingInterval = 30
	PongWait     = 60

	sendBuffer = 256
)

// Dispatcher receives decoded client messages and connection teardown.
type Dispatcher interface {
	Handle(connID string, msg protocol.Inbound)
	Disconnect(connID string)
}

// Hub tracks every WebSocket connection of the live session and fans messages out to them.
type Hub struct {
	clients    map[string]*Client
	mu         sync.RWMutex
	logger     *zap.Logger
	dispatcher Dispatcher
}

// NewHub creates a new WebSocket hub.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		clients: make(map[string]*Client),
		logger:  logger,
	}
}

// SetDispatcher sets the receiver of client messages. Call before serving connections.
func (h *Hub) SetDispatcher(d Dispatcher) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dispatcher = d
}

// Register adds a client.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c.ID] = c
	count := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("client connected", zap.String("client_id", c.ID), zap.Int("connections", count))
}

// Unregister removes a client and closes its send queue. Safe to call twice.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c.ID]; ok {
		delete(h.clients, c.ID)
		close(c.send)
	}
	count := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("client disconnected", zap.String("client_id", c.ID), zap.Int("connections", count))
}

// ConnectionCount returns the number of open connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// SendTo queues msg for a single connection. Unknown connections are ignored.
func (h *Hub) SendTo(connID string, msg protocol.Outbound) {
	env, err := protocol.Encode(msg)
	if err != nil {
		h.logger.Error("encode message", zap.String("event", msg.Event()), zap.Error(err))
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if c, ok := h.clients[connID]; ok {
		h.enqueue(c, env)
	}
}

// Broadcast queues msg for every connection except the listed ones.
func (h *Hub) Broadcast(msg protocol.Outbound, except ...string) {
	env, err := protocol.Encode(msg)
	if err != nil {
		h.logger.Error("encode message", zap.String("event", msg.Event()), zap.Error(err))
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, c := range h.clients {
		if contains(except, id) {
			continue
		}
		h.enqueue(c, env)
	}
}

func (h *Hub) enqueue(c *Client, env protocol.Envelope) {
	select {
	case c.send <- env:
	default:
		h.logger.Warn("send buffer full, dropping message", zap.String("client_id", c.ID), zap.String("event", env.Event))
	}
}

func (h *Hub) dispatch(connID string, msg protocol.Inbound) {
	h.mu.RLock()
	d := h.dispatcher
	h.mu.RUnlock()
	if d != nil {
		d.Handle(connID, msg)
	}
}

func (h *Hub) disconnect(connID string) {
	h.mu.RLock()
	d := h.dispatcher
	h.mu.RUnlock()
	if d != nil {
		d.Disconnect(connID)
	}
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
