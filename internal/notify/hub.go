package notify

import (
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"
)

// Hub tracks live WebSocket connections and pushes broadcast frames to
// all of them. Connections that fail a write are dropped.
type Hub struct {
	log *zap.Logger

	mu    sync.Mutex
	conns map[*websocket.Conn]*sync.Mutex // per-conn write lock
}

func NewHub(log *zap.Logger) *Hub {
	return &Hub{log: log, conns: make(map[*websocket.Conn]*sync.Mutex)}
}

// Handler returns a fiber websocket handler that keeps the connection
// registered until the peer closes it. Inbound frames are drained and
// ignored; the channel is push-only.
func (h *Hub) Handler() fiber.Handler {
	return websocket.New(func(c *websocket.Conn) {
		h.register(c)
		defer h.unregister(c)
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	})
}

// Broadcast sends one text frame to every connected client.
func (h *Hub) Broadcast(payload []byte) {
	h.mu.Lock()
	targets := make(map[*websocket.Conn]*sync.Mutex, len(h.conns))
	for c, l := range h.conns {
		targets[c] = l
	}
	h.mu.Unlock()

	for c, l := range targets {
		l.Lock()
		err := c.WriteMessage(websocket.TextMessage, payload)
		l.Unlock()
		if err != nil {
			h.log.Warn("websocket write failed, dropping client", zap.Error(err))
			h.unregister(c)
			c.Close()
		}
	}
}

// Count returns the number of connected clients.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

func (h *Hub) register(c *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[c] = &sync.Mutex{}
}

func (h *Hub) unregister(c *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, c)
}
