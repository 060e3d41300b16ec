package http

import (
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/zenclaude/zenclaude/internal/hub"
)

const (
	writeTimeout = 10 * time.Second
	readTimeout  = 60 * time.Second
	pingInterval = 30 * time.Second

	maxObserverMessageSize = 4 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The dashboard binds to loopback; cross-origin pages are allowed.
		return true
	},
}

// HandleEvents upgrades the request to a WebSocket and streams the session's
// live tree to the observer: one initial_state snapshot, then every mutation
// in order, ending with session_complete.
func (s *Server) HandleEvents(c echo.Context) error {
	sessionID := c.Param("session_id")

	initial, updates, cancel, err := s.engine.Subscribe(c.Request().Context(), sessionID)
	if err != nil {
		return mapError(c, err)
	}

	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		cancel()
		log.Printf("WARN: session %s: websocket upgrade failed: %v", sessionID, err)
		return err
	}

	conn := s.hub.NewConnection(ws, sessionID)
	ws.SetReadLimit(maxObserverMessageSize)

	if !s.hub.EnqueueJSON(conn, initial) {
		cancel()
		s.hub.Unregister(conn)
		return nil
	}

	// Forward tracker messages into the connection's send queue. The queue
	// never blocks; an observer that cannot keep up is disconnected.
	go func() {
		defer s.hub.Unregister(conn)
		for msg := range updates {
			if !s.hub.EnqueueJSON(conn, msg) {
				log.Printf("WARN: session %s: observer %s send buffer full, closing", sessionID, conn.ID)
				cancel()
				return
			}
		}
	}()

	go s.writePump(conn)
	go s.readPump(conn, cancel)
	return nil
}

// readPump drains the connection. Observers send nothing meaningful; reads
// exist to notice disconnects and answer pings.
func (s *Server) readPump(conn *hub.Connection, cancel func()) {
	defer func() {
		cancel()
		s.hub.Unregister(conn)
		conn.Close()
	}()

	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.Conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	for {
		if _, _, err := conn.Conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Printf("WARN: observer %s read error: %v", conn.ID, err)
			}
			return
		}
	}
}

// writePump writes queued messages to the WebSocket and keeps it alive with
// pings. When the send channel closes the observer gets a close frame.
func (s *Server) writePump(conn *hub.Connection) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case message, ok := <-conn.Send:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Printf("WARN: observer %s write failed: %v", conn.ID, err)
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
