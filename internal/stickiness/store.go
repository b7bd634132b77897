// Package stickiness tracks which target each session was last routed to so
// follow-up requests keep landing on the same handler while it stays healthy.
package stickiness

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// SessionState records the last routing choice for a session.
type SessionState struct {
	SessionID string    `json:"session_id"`
	Target    string    `json:"target"`
	Turns     int       `json:"turns"` // turns routed to Target since it was chosen
	UpdatedAt time.Time `json:"updated_at"`
}

// Store is the pluggable persistence behind the tracker. Implementations
// must be safe for concurrent use. Stickiness is a soft optimization, so
// last-writer-wins semantics are acceptable.
type Store interface {
	Get(ctx context.Context, sessionID string) (SessionState, bool)
	Put(ctx context.Context, state SessionState)
	Delete(ctx context.Context, sessionID string)
	Len() int
}

// InMemoryStore is a map-backed Store.
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]SessionState
}

// NewInMemoryStore constructs an in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{sessions: make(map[string]SessionState)}
}

func (s *InMemoryStore) Get(_ context.Context, sessionID string) (SessionState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.sessions[sessionID]
	return state, ok
}

func (s *InMemoryStore) Put(_ context.Context, state SessionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[state.SessionID] = state
}

func (s *InMemoryStore) Delete(_ context.Context, sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
}

func (s *InMemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// LRUStore bounds session tracking to a fixed number of entries, evicting the
// least recently routed sessions first.
type LRUStore struct {
	cache *lru.Cache[string, SessionState]
}

// NewLRUStore constructs a bounded store holding up to size sessions.
func NewLRUStore(size int) (*LRUStore, error) {
	cache, err := lru.New[string, SessionState](size)
	if err != nil {
		return nil, err
	}
	return &LRUStore{cache: cache}, nil
}

func (s *LRUStore) Get(_ context.Context, sessionID string) (SessionState, bool) {
	return s.cache.Get(sessionID)
}

func (s *LRUStore) Put(_ context.Context, state SessionState) {
	s.cache.Add(state.SessionID, state)
}

func (s *LRUStore) Delete(_ context.Context, sessionID string) {
	s.cache.Remove(sessionID)
}

func (s *LRUStore) Len() int {
	return s.cache.Len()
}

// Resize changes the session bound, evicting least recently routed sessions
// when shrinking.
func (s *LRUStore) Resize(size int) {
	s.cache.Resize(size)
}
