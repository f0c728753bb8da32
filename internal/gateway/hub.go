// Package gateway implements the WebSocket Session Gateway (spec C11): it
// accepts WebSocket connections, sends a status envelope on connect,
// decodes inbound envelopes keyed by type, dispatches them to the daemon's
// stores and engines, and broadcasts progress envelopes (tool calls,
// workflow executions, email events) to every connected client.
//
// Grounded on codeready-toolchain-tarsy's pkg/api/websocket.go WSHub
// (register/unregister/broadcast channels behind a Run multiplexer
// goroutine), generalized from its flat WSMessage{Type,SessionID,Data}
// shape to this daemon's domain.Envelope wire format, and from an
// unbounded broadcast channel to a per-client bounded queue so one slow
// client can never block delivery to the rest (spec §5: "drops
// asynchronous broadcasts for a client whose send queue exceeds a
// configurable depth ... does not block executor progress on slow
// clients").
package gateway

import (
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/loveme/daemon/internal/domain"
)

// DefaultQueueDepth is the per-client outbound queue depth (spec §5: "a
// configurable depth (default 256)").
const DefaultQueueDepth = 256

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// client is one connected WebSocket session.
type client struct {
	conn *websocket.Conn
	send chan domain.Envelope
}

// hub tracks connected clients and fans broadcasts out to them.
type hub struct {
	queueDepth int

	mu      sync.RWMutex
	clients map[*client]struct{}
}

func newHub(queueDepth int) *hub {
	if queueDepth <= 0 {
		queueDepth = DefaultQueueDepth
	}
	return &hub{queueDepth: queueDepth, clients: make(map[*client]struct{})}
}

func (h *hub) newClient(conn *websocket.Conn) *client {
	c := &client{conn: conn, send: make(chan domain.Envelope, h.queueDepth)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	return c
}

func (h *hub) drop(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// broadcast fans env out to every connected client's send queue, dropping
// the envelope for any client whose queue is already full.
func (h *hub) broadcast(env domain.Envelope) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- env:
		default:
			slog.Warn("gateway: dropping broadcast, client queue full", "type", env.Type)
		}
	}
}

// writeLoop drains c.send to the socket until the channel is closed.
func (c *client) writeLoop() {
	for env := range c.send {
		if err := c.conn.WriteJSON(env); err != nil {
			return
		}
	}
	_ = c.conn.Close()
}
