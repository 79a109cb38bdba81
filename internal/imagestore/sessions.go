package imagestore

import (
	"errors"
	"sync"
)

var ErrUsernameInUse = errors.New("imagestore: username in use")

// SessionRegistry tracks username -> client_id on this peer. Uniqueness is
// enforced only locally and is best-effort cluster-wide: two peers may
// independently accept the same username.
type SessionRegistry struct {
	mu       sync.Mutex
	sessions map[string]string
}

// NewSessionRegistry creates an empty registry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]string)}
}

// Register inserts username if absent. Returns ErrUsernameInUse on conflict
// (SessionRegister contract).
func (r *SessionRegistry) Register(clientID, username string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[username]; exists {
		return ErrUsernameInUse
	}
	r.sessions[username] = clientID
	return nil
}

// Unregister best-effort deletes the session; absence is not an error.
func (r *SessionRegistry) Unregister(username string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, username)
}

// Available reports whether username has no active session.
func (r *SessionRegistry) Available(username string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, exists := r.sessions[username]
	return !exists
}
