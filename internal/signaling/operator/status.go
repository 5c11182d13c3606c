// Package operator tracks per-user operator presence. An operator who
// marks themselves away has their inbound calls answered by the machine
// instead of ringing their registered endpoint.
package operator

import (
	"log/slog"
	"sync"
	"time"
)

// Status is an operator's presence state.
type Status string

const (
	// StatusAvailable means calls ring the operator normally.
	StatusAvailable Status = "available"
	// StatusAway sends callers straight to the machine.
	StatusAway Status = "away"
	// StatusBusy means the operator is on another call.
	StatusBusy Status = "busy"
	// StatusOffline means the operator is not reachable at all.
	StatusOffline Status = "offline"
)

// DefaultAwayMessage is announced when an away operator set no message
// of their own.
const DefaultAwayMessage = "The person you are calling is away. An assistant will take your call."

// Info is one operator's presence snapshot.
type Info struct {
	UserID      string
	Status      Status
	AwayMessage string
	ChangedAt   time.Time
}

// Store holds operator presence in memory. Users with no recorded
// status are available.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*Info
}

// NewStore creates an empty presence store.
func NewStore() *Store {
	return &Store{entries: make(map[string]*Info)}
}

// SetStatus records a user's presence. awayMessage is kept only for
// StatusAway and cleared on any other state.
func (s *Store) SetStatus(userID string, status Status, awayMessage string) {
	s.mu.Lock()
	info := &Info{
		UserID:    userID,
		Status:    status,
		ChangedAt: time.Now(),
	}
	if status == StatusAway {
		info.AwayMessage = awayMessage
	}
	s.entries[userID] = info
	s.mu.Unlock()

	slog.Info("[Operator] Status updated",
		"user_id", userID, "status", string(status))
}

// Get returns the user's presence, defaulting to available.
func (s *Store) Get(userID string) Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if info, ok := s.entries[userID]; ok {
		return info.Status
	}
	return StatusAvailable
}

// IsAway reports whether the user's calls should go to the machine.
// Offline counts as away: the endpoint cannot ring either way.
func (s *Store) IsAway(userID string) bool {
	status := s.Get(userID)
	return status == StatusAway || status == StatusOffline
}

// AwayMessage returns the user's away announcement, falling back to the
// default when none is set.
func (s *Store) AwayMessage(userID string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if info, ok := s.entries[userID]; ok && info.AwayMessage != "" {
		return info.AwayMessage
	}
	return DefaultAwayMessage
}

// Snapshot returns the user's full presence record, if any.
func (s *Store) Snapshot(userID string) (Info, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if info, ok := s.entries[userID]; ok {
		return *info, true
	}
	return Info{}, false
}

// Clear removes the user's record, restoring the available default.
func (s *Store) Clear(userID string) {
	s.mu.Lock()
	delete(s.entries, userID)
	s.mu.Unlock()
}
