// Package registry maintains the authoritative mapping from session ID to
// live transport. The streaming HTTP handler owns a Registry and is its only
// mutator; all request paths consult it through this package so that a
// session can never be observed half-constructed or after its transport has
// closed.
package registry

import (
	"errors"
	"iter"
	"sync"

	"github.com/rpckit/sessiongate/transport"
)

var (
	// ErrDuplicateSession indicates an insert collided with a live session.
	// Under correct dispatch this is an internal invariant violation.
	ErrDuplicateSession = errors.New("session id already registered")
	// ErrSessionNotFound indicates a lookup for an ID with no live session.
	ErrSessionNotFound = errors.New("session not found")
)

// Registry is a mutex-guarded session table. The zero value is not usable;
// construct with New.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]transport.Transport
}

func New() *Registry {
	return &Registry{sessions: make(map[string]transport.Transport)}
}

// Create inserts a new session mapping. The existence check and the insert
// happen under one lock so concurrent initializations with the same ID
// cannot both succeed.
func (r *Registry) Create(id string, t transport.Transport) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; ok {
		return ErrDuplicateSession
	}
	r.sessions[id] = t
	return nil
}

// Get returns the transport bound to id, if any.
func (r *Registry) Get(id string) (transport.Transport, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.sessions[id]
	return t, ok
}

// Remove deletes the mapping for id. Removing an absent ID is a no-op, which
// lets the transport's close notification and the shutdown sweep race
// harmlessly.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// All returns a restartable iterator over a point-in-time snapshot of the
// table. Iteration order is unspecified. Mutations after the call are not
// observed, which is what the shutdown sweep wants.
func (r *Registry) All() iter.Seq2[string, transport.Transport] {
	r.mu.RLock()
	snapshot := make(map[string]transport.Transport, len(r.sessions))
	for id, t := range r.sessions {
		snapshot[id] = t
	}
	r.mu.RUnlock()

	return func(yield func(string, transport.Transport) bool) {
		for id, t := range snapshot {
			if !yield(id, t) {
				return
			}
		}
	}
}
