package mcp

import "sync"

// SessionRegistry maps client IDs to MCP session IDs, and runs to the client
// that started them so later status changes can be pushed back.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]string // clientID → sessionID
	watchers map[string]string // runID → clientID
}

// NewSessionRegistry creates a new empty SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{
		sessions: make(map[string]string),
		watchers: make(map[string]string),
	}
}

// Register associates a client ID with a session ID.
// If the client already has a session, it is overwritten (reconnect).
func (r *SessionRegistry) Register(clientID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[clientID] = sessionID
}

// SessionFor returns the session ID for the given client, if connected.
func (r *SessionRegistry) SessionFor(clientID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.sessions[clientID]
	return sid, ok
}

// Watch records clientID as the owner of runID.
func (r *SessionRegistry) Watch(runID, clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.watchers[runID] = clientID
}

// Unwatch stops notifying about runID.
func (r *SessionRegistry) Unwatch(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.watchers, runID)
}

// WatcherOf returns the client that owns runID.
func (r *SessionRegistry) WatcherOf(runID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cid, ok := r.watchers[runID]
	return cid, ok
}

// Remove deletes all client mappings for the given session ID.
// Called when a session disconnects.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for cid, sid := range r.sessions {
		if sid == sessionID {
			delete(r.sessions, cid)
		}
	}
}
