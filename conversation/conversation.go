// Package conversation keeps per-user multi-step dialogue state and
// short-lived context hints in memory. Entries expire after an inactivity
// TTL and are evicted lazily on access.
package conversation

import (
	"sync"
	"time"
)

// DefaultTTL is the inactivity window after which a dialogue is dropped.
const DefaultTTL = 60 * time.Minute

// State is one user's position inside a guided flow.
type State struct {
	Flow      string
	Step      int
	Slots     map[string]string
	UpdatedAt time.Time
}

// Store holds active dialogues keyed by user identifier.
type Store struct {
	mu     sync.Mutex
	ttl    time.Duration
	now    func() time.Time
	states map[string]*State
}

// Option customises a Store.
type Option func(*Store)

// WithTTL overrides the inactivity TTL.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithClock overrides the time source. Test hook.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// NewStore constructs an empty store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		ttl:    DefaultTTL,
		now:    time.Now,
		states: make(map[string]*State),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Begin starts a flow for the user, replacing any existing dialogue.
func (s *Store) Begin(user, flow string) *State {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := &State{Flow: flow, Slots: make(map[string]string), UpdatedAt: s.now()}
	s.states[user] = st
	return st
}

// Get returns the user's active dialogue, or nil. Expired entries are
// removed on access.
func (s *Store) Get(user string) *State {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[user]
	if !ok {
		return nil
	}
	if s.now().Sub(st.UpdatedAt) > s.ttl {
		delete(s.states, user)
		return nil
	}
	return st
}

// Touch advances the dialogue and refreshes its TTL.
func (s *Store) Touch(user string, st *State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st.UpdatedAt = s.now()
	s.states[user] = st
}

// Clear forgets the user's dialogue.
func (s *Store) Clear(user string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, user)
}

// Active reports whether the user has an unexpired dialogue.
func (s *Store) Active(user string) bool { return s.Get(user) != nil }

// ContextStore holds short-lived per-user hints such as the id of the most
// recently touched commitment, letting shortcut commands omit it.
type ContextStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]contextEntry
}

type contextEntry struct {
	values    map[string]string
	updatedAt time.Time
}

// NewContextStore constructs an empty hint store with the given TTL.
func NewContextStore(ttl time.Duration, opts ...func(*ContextStore)) *ContextStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &ContextStore{ttl: ttl, now: time.Now, entries: make(map[string]contextEntry)}
}

// SetNowFunc overrides the time source. Test hook.
func (c *ContextStore) SetNowFunc(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// Set records a hint for the user.
func (c *ContextStore) Set(user, key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[user]
	if !ok || c.now().Sub(e.updatedAt) > c.ttl {
		e = contextEntry{values: make(map[string]string)}
	}
	e.values[key] = value
	e.updatedAt = c.now()
	c.entries[user] = e
}

// Get returns the hint value, or "" when absent or expired.
func (c *ContextStore) Get(user, key string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[user]
	if !ok {
		return ""
	}
	if c.now().Sub(e.updatedAt) > c.ttl {
		delete(c.entries, user)
		return ""
	}
	return e.values[key]
}
