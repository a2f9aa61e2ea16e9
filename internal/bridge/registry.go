package bridge

import (
	"fmt"
	"sync"

	skifferrors "github.com/skiff-dev/skiff/internal/errors"
)

// Registry maps session ids to their bridges.
type Registry struct {
	mu      sync.Mutex
	bridges map[string]*Bridge
}

func NewRegistry() *Registry {
	return &Registry{bridges: make(map[string]*Bridge)}
}

func (r *Registry) Add(sessionID string, b *Bridge) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.bridges[sessionID] = b
}

func (r *Registry) Get(sessionID string) (*Bridge, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.bridges[sessionID]
	if !ok {
		return nil, fmt.Errorf("no bridge for session %s: %w", sessionID, skifferrors.ErrSessionNotFound)
	}

	return b, nil
}

func (r *Registry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.bridges, sessionID)
}

// IDs returns the session ids with a registered bridge.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, 0, len(r.bridges))
	for id := range r.bridges {
		out = append(out, id)
	}

	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.bridges)
}
