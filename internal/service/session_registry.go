package service

import (
	"context"
	"sort"
	"sync"

	"github.com/reticlehq/reticle/internal/domain/session"
)

// SessionRegistry is the single owner of every active session, passed by
// reference to command handlers rather than exposed as a package-level
// singleton.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*session.Session
}

// NewSessionRegistry creates an empty registry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]*session.Session)}
}

func (r *SessionRegistry) Register(_ context.Context, s *session.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID] = s
}

func (r *SessionRegistry) Unregister(_ context.Context, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

func (r *SessionRegistry) Get(_ context.Context, id string) (*session.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, session.ErrSessionNotFound
	}
	return s, nil
}

// List returns every active session, ordered by StartedAt descending.
func (r *SessionRegistry) List(_ context.Context) []*session.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*session.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt > out[j].StartedAt })
	return out
}

// Count returns the number of currently registered sessions.
func (r *SessionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
