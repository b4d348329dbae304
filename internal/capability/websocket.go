// Copyright 2025 James Ross
package capability

import (
	"context"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
)

// WSRegistry is the concrete WebSocketSender: a registry of live
// connections keyed by user id, serialized per-connection so concurrent
// SendWebSocketMessage calls from different plugins never interleave
// frames on the same socket.
type WSRegistry struct {
	mu    sync.RWMutex
	conns map[string]*wsConn
}

type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func NewWSRegistry() *WSRegistry {
	return &WSRegistry{conns: make(map[string]*wsConn)}
}

// Register associates a live connection with a user id, replacing any
// prior connection for that user.
func (r *WSRegistry) Register(userID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[userID] = &wsConn{conn: conn}
}

func (r *WSRegistry) Unregister(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, userID)
}

func (r *WSRegistry) Send(ctx context.Context, userID string, payload []byte) error {
	r.mu.RLock()
	c, ok := r.conns[userID]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no live connection for user %q", userID)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.BinaryMessage, payload)
}
