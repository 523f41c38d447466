package mcp

import "sync"

// WatchRegistry maps attempts to the MCP session that asked to be notified
// when they finish.
type WatchRegistry struct {
	mu      sync.RWMutex
	watches map[int64]string // attemptID → sessionID
}

// NewWatchRegistry creates an empty WatchRegistry.
func NewWatchRegistry() *WatchRegistry {
	return &WatchRegistry{watches: make(map[int64]string)}
}

// Register associates an attempt with a session. A later call for the same
// attempt replaces the session.
func (r *WatchRegistry) Register(attemptID int64, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.watches[attemptID] = sessionID
}

// SessionFor returns the session watching the attempt.
func (r *WatchRegistry) SessionFor(attemptID int64) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.watches[attemptID]
	return sid, ok
}

// Attempts returns the watched attempt ids.
func (r *WatchRegistry) Attempts() []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]int64, 0, len(r.watches))
	for id := range r.watches {
		out = append(out, id)
	}
	return out
}

// Forget drops the watch of one attempt.
func (r *WatchRegistry) Forget(attemptID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.watches, attemptID)
}

// RemoveSession drops every watch of a disconnected session.
func (r *WatchRegistry) RemoveSession(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, sid := range r.watches {
		if sid == sessionID {
			delete(r.watches, id)
		}
	}
}
