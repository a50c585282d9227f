// Package session keeps one selector page per browser session, keyed by a
// random session id handed to the browser in a cookie.
package session

import (
	"sync"
	"time"

	"github.com/giygas/mediract/interfaces"
	"github.com/giygas/mediract/logging"
	"github.com/giygas/mediract/metrics"
	"github.com/giygas/mediract/selector"
	"github.com/google/uuid"
)

// Compile-time check to ensure Store implements SessionStore
var _ interfaces.SessionStore = (*Store)(nil)

type entry struct {
	page     *selector.Page
	lastSeen time.Time
}

// Store is an in-memory session table
type Store struct {
	fetcher selector.Fetcher
	now     func() time.Time

	mu       sync.RWMutex
	sessions map[string]*entry
}

// NewStore creates an empty store whose pages talk to fetcher
func NewStore(fetcher selector.Fetcher) *Store {
	return &Store{
		fetcher:  fetcher,
		now:      time.Now,
		sessions: make(map[string]*entry),
	}
}

// Get returns the page of a live session and marks it as used
func (s *Store) Get(id string) (*selector.Page, bool) {
	if id == "" {
		return nil, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.sessions[id]
	if !ok {
		return nil, false
	}
	e.lastSeen = s.now()
	return e.page, true
}

// Touch marks a live session as used
func (s *Store) Touch(id string) bool {
	_, ok := s.Get(id)
	return ok
}

// GetOrCreate returns the page for id, or a fresh session when id is unknown.
// Client supplied ids are never adopted: a new session always gets a new id.
func (s *Store) GetOrCreate(id string) (string, *selector.Page, bool) {
	if page, ok := s.Get(id); ok {
		return id, page, false
	}

	newID := uuid.NewString()
	page := selector.NewPage(s.fetcher)

	s.mu.Lock()
	s.sessions[newID] = &entry{page: page, lastSeen: s.now()}
	count := len(s.sessions)
	s.mu.Unlock()

	metrics.ActiveSessions.Set(float64(count))
	logging.Debug("Session created", "session_id", newID, "active_sessions", count)
	return newID, page, true
}

// Sweep closes and drops sessions idle for longer than ttl
func (s *Store) Sweep(ttl time.Duration) int {
	cutoff := s.now().Add(-ttl)

	var expired []*selector.Page
	s.mu.Lock()
	for id, e := range s.sessions {
		if e.lastSeen.Before(cutoff) {
			expired = append(expired, e.page)
			delete(s.sessions, id)
		}
	}
	count := len(s.sessions)
	s.mu.Unlock()

	for _, page := range expired {
		page.Close()
	}

	metrics.ActiveSessions.Set(float64(count))
	return len(expired)
}

// Len returns the number of live sessions
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
