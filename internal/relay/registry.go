package relay

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/ringline/relay/internal/core"
	"github.com/ringline/relay/internal/domain"
)

// Session binds a registered identity to its transport endpoint.
// User is written by the owning read loop before the session is
// published to the registry and never rewritten afterwards.
type Session struct {
	User domain.UserID
	Name string
	Conn core.SignalConnection
}

func NewSession(conn core.SignalConnection) *Session {
	return &Session{Conn: conn}
}

// Registry maps a user id to exactly one live signaling session.
type Registry struct {
	mu       sync.RWMutex
	sessions map[domain.UserID]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[domain.UserID]*Session)}
}

// Register stores s under its user id, replacing any prior session for
// that id. The evicted connection is closed so its read loop unwinds.
func (r *Registry) Register(s *Session) {
	r.mu.Lock()
	prev := r.sessions[s.User]
	r.sessions[s.User] = s
	r.mu.Unlock()

	if prev != nil && prev != s {
		prev.Conn.Close()
		log.Info().Str("module", "relay.registry").Str("user", string(s.User)).Msg("replaced existing session")
		return
	}
	log.Info().Str("module", "relay.registry").Str("user", string(s.User)).Msg("registered session")
}

func (r *Registry) Lookup(id domain.UserID) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Remove drops the entry for id only if it still points at s. A stale
// disconnect racing a newer registration is a no-op and returns false.
func (r *Registry) Remove(id domain.UserID, s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.sessions[id]
	if !ok || cur != s {
		return false
	}
	delete(r.sessions, id)
	log.Info().Str("module", "relay.registry").Str("user", string(id)).Msg("removed session")
	return true
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
