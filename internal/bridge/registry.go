package bridge

import (
	"fmt"
	"sync"
)

// Registry tracks the open websocket connections
type Registry struct {
	conns map[string]*conn
	mu    sync.RWMutex
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		conns: make(map[string]*conn),
	}
}

// register adds a connection
func (r *Registry) register(c *conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[c.id] = c
}

// Remove drops a connection without closing it
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, id)
}

// all returns all registered connections
func (r *Registry) all() []*conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := make([]*conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	return conns
}

// Close closes all registered connections
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for id, c := range r.conns {
		if err := c.close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close connection %s: %w", id, err)
		}
		delete(r.conns, id)
	}
	return firstErr
}

// Count returns the number of open connections
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
