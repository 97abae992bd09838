package player

import (
	"context"
	"sync"

	"github.com/disgoorg/snowflake/v2"

	"github.com/leeineian/sacudo/src/sys"
)

// Registry maps guild ids to their sessions. Its internal map is the
// only mutable state shared across tenants; session contents are only
// ever touched through the owning session's lock.
type Registry struct {
	mu       sync.Mutex
	sessions map[snowflake.ID]*Session
	factory  func(guildID snowflake.ID) *Session
}

func NewRegistry(factory func(guildID snowflake.ID) *Session) *Registry {
	return &Registry{
		sessions: make(map[snowflake.ID]*Session),
		factory:  factory,
	}
}

// GetOrCreate returns the guild's session, creating it atomically on
// first use. Concurrent first commands for the same guild observe the
// same session object; created reports whether this call built it.
func (r *Registry) GetOrCreate(guildID snowflake.ID) (s *Session, created bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[guildID]; ok {
		return s, false
	}
	s = r.factory(guildID)
	r.sessions[guildID] = s
	sys.LogPlayer("Created session for guild %s", guildID)
	return s, true
}

// Get returns the guild's session or nil.
func (r *Registry) Get(guildID snowflake.ID) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[guildID]
}

// Remove detaches and returns the guild's session. Safe to call while
// the session is idle-timing-out or on explicit leave; the caller is
// responsible for closing the detached session.
func (r *Registry) Remove(guildID snowflake.ID) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[guildID]
	if !ok {
		return nil
	}
	delete(r.sessions, guildID)
	return s
}

// Sessions returns a snapshot of all live sessions.
func (r *Registry) Sessions() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Shutdown detaches every session and closes them in parallel.
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for id, s := range r.sessions {
		sessions = append(sessions, s)
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			s.Close(ctx)
		}(s)
	}
	wg.Wait()
}
