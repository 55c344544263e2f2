package realtime

import (
	"sync"

	"github.com/gorilla/websocket"
)

// connState is a connection's position in the Connected -> Joined ->
// Disconnected machine (spec.md §4.4).
type connState int

const (
	connConnected connState = iota
	connJoined
	connDisconnected
)

// connection wraps one WebSocket socket plus the dispatcher-visible state
// bound to it. All writes go through send so a single goroutine owns the
// underlying socket, per gorilla/websocket's concurrency contract.
type connection struct {
	id string
	ws *websocket.Conn

	send chan Frame

	mu          sync.RWMutex
	state       connState
	sessionID   string
	displayName string

	closeOnce sync.Once
}

func newConnection(id string, ws *websocket.Conn) *connection {
	return &connection{
		id:    id,
		ws:    ws,
		send:  make(chan Frame, 64),
		state: connConnected,
	}
}

func (c *connection) setJoined(sessionID, displayName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = connJoined
	c.sessionID = sessionID
	c.displayName = displayName
}

func (c *connection) clearSession() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = connConnected
	c.sessionID = ""
}

func (c *connection) snapshot() (connState, string, string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state, c.sessionID, c.displayName
}

func (c *connection) close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = connDisconnected
		c.mu.Unlock()
		close(c.send)
		_ = c.ws.Close()
	})
}
