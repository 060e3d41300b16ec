// Package hub provides connection management for WebSocket observers.
package hub

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// sendBuffer bounds the per-connection outbound queue.
const sendBuffer = 256

// Connection represents a single observer WebSocket connection.
type Connection struct {
	ID        string
	SessionID string
	Conn      *websocket.Conn
	Send      chan []byte
	mu        sync.Mutex

	closeOnce sync.Once
}

// Hub tracks the active observer connections per session.
type Hub struct {
	mu          sync.RWMutex
	connections map[string]*Connection
	sessions    map[string]map[string]bool
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		connections: make(map[string]*Connection),
		sessions:    make(map[string]map[string]bool),
	}
}

// NewConnection wraps a WebSocket in a managed connection and registers it
// under the given session.
func (h *Hub) NewConnection(ws *websocket.Conn, sessionID string) *Connection {
	conn := &Connection{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Conn:      ws,
		Send:      make(chan []byte, sendBuffer),
	}

	h.mu.Lock()
	h.connections[conn.ID] = conn
	if h.sessions[sessionID] == nil {
		h.sessions[sessionID] = make(map[string]bool)
	}
	h.sessions[sessionID][conn.ID] = true
	h.mu.Unlock()

	log.Printf("INFO: observer %s connected (session: %s)", conn.ID, sessionID)
	return conn
}

// Unregister removes a connection from the hub and closes its send channel.
// Safe to call more than once.
func (h *Hub) Unregister(conn *Connection) {
	h.mu.Lock()
	if _, ok := h.connections[conn.ID]; ok {
		delete(h.connections, conn.ID)
		if s := h.sessions[conn.SessionID]; s != nil {
			delete(s, conn.ID)
			if len(s) == 0 {
				delete(h.sessions, conn.SessionID)
			}
		}
		conn.closeOnce.Do(func() { close(conn.Send) })
	}
	h.mu.Unlock()
	log.Printf("INFO: observer %s disconnected", conn.ID)
}

// Enqueue queues a message for the connection without blocking. Returns
// false when the buffer is full.
func (h *Hub) Enqueue(conn *Connection, data []byte) bool {
	select {
	case conn.Send <- data:
		return true
	default:
		return false
	}
}

// EnqueueJSON marshals v and queues it for the connection.
func (h *Hub) EnqueueJSON(conn *Connection, v interface{}) bool {
	data, err := json.Marshal(v)
	if err != nil {
		log.Printf("ERROR: failed to marshal observer message: %v", err)
		return false
	}
	return h.Enqueue(conn, data)
}

// ConnectionCount returns the number of active connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

// HasObservers reports whether a session has any active connections.
func (h *Hub) HasObservers(sessionID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.sessions[sessionID]
	return ok && len(s) > 0
}

// WriteMessage writes a message to the connection with proper locking.
func (c *Connection) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Conn.WriteMessage(messageType, data)
}

// SetWriteDeadline sets the write deadline for the connection.
func (c *Connection) SetWriteDeadline(t time.Time) error {
	return c.Conn.SetWriteDeadline(t)
}

// SetReadDeadline sets the read deadline for the connection.
func (c *Connection) SetReadDeadline(t time.Time) error {
	return c.Conn.SetReadDeadline(t)
}

// Close closes the underlying WebSocket.
func (c *Connection) Close() error {
	return c.Conn.Close()
}
