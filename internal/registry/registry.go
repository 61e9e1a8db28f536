// Package registry maps durable user identities to their currently-live
// transport connections. A user may hold several connections at once
// (multiple tabs or devices); delivery to a user fans out to all of them.
// The registry is deliberately independent of the transport library so it
// can be exercised in tests without a real socket layer.
package registry

import (
	"log"
	"sync"
)

// Sender is the minimal write surface of a live connection.
type Sender interface {
	WriteMessage(data []byte) error
}

// Registry is a thread-safe map of user identity -> set of live
// connections. A user absent from the registry has no deliverable events;
// sends to unreachable users are silently skipped, never errors.
type Registry struct {
	mu    sync.RWMutex
	users map[string]map[string]Sender // user_id -> conn_id -> Sender
}

// New creates an empty Registry ready for use.
func New() *Registry {
	return &Registry{
		users: make(map[string]map[string]Sender),
	}
}

// Add registers a connection under the given user identity.
func (r *Registry) Add(userID, connID string, s Sender) {
	r.mu.Lock()
	conns, ok := r.users[userID]
	if !ok {
		conns = make(map[string]Sender)
		r.users[userID] = conns
	}
	conns[connID] = s
	r.mu.Unlock()
}

// Remove unregisters a connection. It returns true if this was the user's
// last live connection, i.e. the user is now unreachable.
func (r *Registry) Remove(userID, connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	conns, ok := r.users[userID]
	if !ok {
		return false
	}
	delete(conns, connID)
	if len(conns) == 0 {
		delete(r.users, userID)
		return true
	}
	return false
}

// Connected reports whether the user has at least one live connection.
func (r *Registry) Connected(userID string) bool {
	r.mu.RLock()
	_, ok := r.users[userID]
	r.mu.RUnlock()
	return ok
}

// ConnectionCount returns the number of live connections for a user.
func (r *Registry) ConnectionCount(userID string) int {
	r.mu.RLock()
	n := len(r.users[userID])
	r.mu.RUnlock()
	return n
}

// Send delivers a payload to every live connection of the user and returns
// the number of successful writes. Write failures on individual connections
// are logged and skipped; the failing connection will be cleaned up by the
// transport layer on its next read.
func (r *Registry) Send(userID string, data []byte) int {
	r.mu.RLock()
	conns := make([]Sender, 0, len(r.users[userID]))
	for _, s := range r.users[userID] {
		conns = append(conns, s)
	}
	r.mu.RUnlock()

	delivered := 0
	for _, s := range conns {
		if err := s.WriteMessage(data); err != nil {
			log.Printf("[registry] send to user=%s failed: %v", userID, err)
			continue
		}
		delivered++
	}
	return delivered
}
