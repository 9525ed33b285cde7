package node

import (
	"fmt"
	"sort"
	"sync"

	"github.com/rudransh-shrivastava/peer-chat/internal/transport"
)

// Registry tracks the live sessions of a node by id.
type Registry struct {
	mu       sync.RWMutex
	sessions map[uint64]*transport.Session
	closed   bool
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[uint64]*transport.Session)}
}

// Insert adds s. It fails once the registry has been closed or when the id
// is already taken.
func (r *Registry) Insert(s *transport.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrNodeClosed
	}
	if _, exists := r.sessions[s.ID()]; exists {
		return fmt.Errorf("session %d already registered", s.ID())
	}
	r.sessions[s.ID()] = s
	return nil
}

// Remove deletes id and reports whether this call removed it.
func (r *Registry) Remove(id uint64) (*transport.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	return s, ok
}

func (r *Registry) Get(id uint64) (*transport.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	return s, ok
}

// List returns a snapshot ordered by id.
func (r *Registry) List() []*transport.Session {
	r.mu.RLock()
	out := make([]*transport.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Close empties the registry, returning what it held, and refuses further inserts.
func (r *Registry) Close() []*transport.Session {
	r.mu.Lock()
	r.closed = true
	out := make([]*transport.Session, 0, len(r.sessions))
	for id, s := range r.sessions {
		out = append(out, s)
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}
