package session

import (
	"sync"
	"time"

	"imageflow/realtime/internal/metrics"
	"imageflow/realtime/internal/models"
)

// Connection is a user's single live connection.
type Connection struct {
	Identity    models.Identity
	Client      *Client
	ConnectedAt time.Time
}

// Registry maps user ids to their live connection. Last writer wins.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Connection
	now   func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]*Connection), now: time.Now}
}

// Register replaces any prior connection for the identity and returns the new record.
func (r *Registry) Register(identity models.Identity, client *Client) *Connection {
	conn := &Connection{Identity: identity, Client: client, ConnectedAt: r.now()}
	r.mu.Lock()
	r.conns[identity.UserID] = conn
	n := len(r.conns)
	r.mu.Unlock()
	metrics.ActiveConnections.Set(float64(n))
	return conn
}

// Unregister removes the mapping and returns what was removed.
func (r *Registry) Unregister(userID string) (*Connection, bool) {
	r.mu.Lock()
	conn, ok := r.conns[userID]
	if ok {
		delete(r.conns, userID)
	}
	n := len(r.conns)
	r.mu.Unlock()
	metrics.ActiveConnections.Set(float64(n))
	return conn, ok
}

// Release unregisters the client's user only while the client is still the current
// connection, so closing a replaced connection leaves its successor alone.
func (r *Registry) Release(client *Client) (*Connection, bool) {
	r.mu.Lock()
	conn, ok := r.conns[client.UserID()]
	if !ok || conn.Client != client {
		r.mu.Unlock()
		return nil, false
	}
	delete(r.conns, client.UserID())
	n := len(r.conns)
	r.mu.Unlock()
	metrics.ActiveConnections.Set(float64(n))
	return conn, true
}

func (r *Registry) Lookup(userID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[userID]
	return conn, ok
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Connections returns a snapshot of the registered connections.
func (r *Registry) Connections() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Connection, 0, len(r.conns))
	for _, conn := range r.conns {
		out = append(out, conn)
	}
	return out
}
