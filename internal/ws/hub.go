package ws

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hubenschmidt/hero365-voice/internal/pipeline"
)

const writeWait = 10 * time.Second

// client serializes writes to one connection.
type client struct {
	conn   *websocket.Conn
	mu     sync.Mutex
	closed bool
}

func (c *client) send(msg pipeline.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return pipeline.ErrSessionClosed
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Type, err)
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if msg.Audio != nil {
		if err := c.conn.WriteMessage(websocket.BinaryMessage, msg.Audio); err != nil {
			c.closed = true
			return fmt.Errorf("%w: %v", pipeline.ErrSessionClosed, err)
		}
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		c.closed = true
		return fmt.Errorf("%w: %v", pipeline.ErrSessionClosed, err)
	}
	return nil
}

func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

// Hub routes engine messages to the connection that owns each session. It
// implements pipeline.Relay.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*client
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[string]*client)}
}

// Send implements pipeline.Relay.
func (h *Hub) Send(sessionID string, msg pipeline.Message) error {
	h.mu.RLock()
	c, ok := h.clients[sessionID]
	h.mu.RUnlock()
	if !ok {
		return pipeline.ErrSessionClosed
	}
	return c.send(msg)
}

// Len returns the number of attached connections.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) attach(sessionID string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[sessionID] = c
}

func (h *Hub) detach(sessionID string) {
	h.mu.Lock()
	c, ok := h.clients[sessionID]
	delete(h.clients, sessionID)
	h.mu.Unlock()
	if ok {
		c.close()
	}
}
