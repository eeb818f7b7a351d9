package session

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/care/presence/internal/types"
)

var (
	// ErrSessionExists is returned when Create is called for an id that is already open.
	ErrSessionExists = errors.New("session: already open for tracking id")

	// ErrSessionNotFound is returned when no open session exists for the id.
	ErrSessionNotFound = errors.New("session: not found")
)

// Subscription is a per-session event subscription.
// Close must be synchronous and idempotent.
type Subscription interface {
	Close()
}

type entry struct {
	session Session
	subs    []Subscription
}

// Store maps tracking ids to open sessions and their subscriptions.
//
// A single owner mutates the store; the RWMutex lets status readers
// take snapshots concurrently.
type Store struct {
	mu      sync.RWMutex
	entries map[types.TrackingID]*entry
}

// NewStore creates an empty session store
func NewStore() *Store {
	return &Store{
		entries: make(map[types.TrackingID]*entry),
	}
}

// Create opens a session for id. Fails with ErrSessionExists if one is already open.
func (s *Store) Create(id types.TrackingID, enteredAt time.Time) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[id]; exists {
		return Session{}, ErrSessionExists
	}

	sess := New(id, enteredAt)
	s.entries[id] = &entry{session: sess}
	return sess, nil
}

// Get returns a copy of the open session for id
func (s *Store) Get(id types.TrackingID) (Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, exists := s.entries[id]
	if !exists {
		return Session{}, ErrSessionNotFound
	}
	return e.session, nil
}

// Update replaces the stored session with an aggregated copy
func (s *Store) Update(sess Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, exists := s.entries[sess.TrackingID]
	if !exists {
		return ErrSessionNotFound
	}
	e.session = sess
	return nil
}

// Attach registers subscriptions that live exactly as long as the session
func (s *Store) Attach(id types.TrackingID, subs ...Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, exists := s.entries[id]
	if !exists {
		return ErrSessionNotFound
	}
	e.subs = append(e.subs, subs...)
	return nil
}

// Detach closes and forgets every subscription of the session.
// Returns the number of subscriptions closed; calling it again closes none.
func (s *Store) Detach(id types.TrackingID) int {
	s.mu.Lock()
	e, exists := s.entries[id]
	if !exists {
		s.mu.Unlock()
		return 0
	}
	subs := e.subs
	e.subs = nil
	s.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
	return len(subs)
}

// Subscriptions returns how many subscriptions are attached to the session
func (s *Store) Subscriptions(id types.TrackingID) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if e, exists := s.entries[id]; exists {
		return len(e.subs)
	}
	return 0
}

// Remove deletes the open session for id and returns its last state.
// Subscriptions must be detached first.
func (s *Store) Remove(id types.TrackingID) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, exists := s.entries[id]
	if !exists {
		return Session{}, ErrSessionNotFound
	}
	delete(s.entries, id)
	return e.session, nil
}

// IDs returns the open tracking ids in ascending order
func (s *Store) IDs() []types.TrackingID {
	s.mu.RLock()
	ids := make([]types.TrackingID, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Len returns the number of open sessions
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Snapshot returns copies of all open sessions ordered by tracking id
func (s *Store) Snapshot() []Session {
	s.mu.RLock()
	out := make([]Session, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.session)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].TrackingID < out[j].TrackingID })
	return out
}
