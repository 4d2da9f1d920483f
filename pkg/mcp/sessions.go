package mcp

import "sync"

// SessionRegistry maps watched instance IDs to the MCP session that asked to
// be notified about them.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]string // instanceID → sessionID
}

// NewSessionRegistry creates a new empty SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]string)}
}

// Watch associates an instance ID with a session ID. A later watch of the same
// instance replaces the earlier session.
func (r *SessionRegistry) Watch(instanceID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[instanceID] = sessionID
}

// SessionFor returns the session watching the given instance.
func (r *SessionRegistry) SessionFor(instanceID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.sessions[instanceID]
	return sid, ok
}

// Unwatch stops notifications for one instance.
func (r *SessionRegistry) Unwatch(instanceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, instanceID)
}

// Remove deletes all watches held by the given session.
// Called when a session disconnects.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, sid := range r.sessions {
		if sid == sessionID {
			delete(r.sessions, id)
		}
	}
}

// Len returns the number of watched instances.
func (r *SessionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
