package call

import "sync"

// Store is the authoritative table of active call sessions. It is the only
// state shared across call-handling flows and is mutated solely through
// its own synchronized methods.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*CallSession
}

// NewStore creates an empty session store.
func NewStore() *Store {
	return &Store{sessions: make(map[string]*CallSession)}
}

// Add inserts a new session keyed by its internal id.
func (s *Store) Add(session *CallSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[session.ID]; exists {
		return ErrDuplicateSession
	}
	s.sessions[session.ID] = session
	return nil
}

// Get returns the session for the internal call id.
func (s *Store) Get(id string) (*CallSession, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[id]
	return session, ok
}

// Update re-inserts a session under its id. Sessions are mutated in place
// under their own lock, so this exists for callers that replaced the
// pointer; updating an unknown id is an error.
func (s *Store) Update(session *CallSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[session.ID]; !exists {
		return ErrSessionNotFound
	}
	s.sessions[session.ID] = session
	return nil
}

// Remove deletes and returns the session for id. Returns nil when the id
// is not present, so removal can race with itself safely.
func (s *Store) Remove(id string) *CallSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	session := s.sessions[id]
	delete(s.sessions, id)
	return session
}

// FindBySIPCallID looks up the session owning a dialog with the given
// Call-ID on either leg. Linear scan; fine at expected concurrent-call
// cardinality.
func (s *Store) FindBySIPCallID(sipCallID string) (*CallSession, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, session := range s.sessions {
		if session.Incoming != nil && session.Incoming.SIPCallID == sipCallID {
			return session, true
		}
		if session.Outgoing != nil && session.Outgoing.SIPCallID == sipCallID {
			return session, true
		}
	}
	return nil, false
}

// CountActive returns the number of sessions currently in the store.
func (s *Store) CountActive() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Active returns a snapshot of all stored sessions.
func (s *Store) Active() []*CallSession {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*CallSession, 0, len(s.sessions))
	for _, session := range s.sessions {
		out = append(out, session)
	}
	return out
}
