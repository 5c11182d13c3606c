package timer

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultSessionExpires is the RFC 4028 default session interval.
	DefaultSessionExpires = 1800 * time.Second
	// MinSessionExpires is the lowest interval we accept (Min-SE floor).
	MinSessionExpires = 90 * time.Second
)

// RefresherRole says which side is responsible for sending refreshes.
type RefresherRole int

const (
	// RefresherUAC means the request originator refreshes.
	RefresherUAC RefresherRole = iota
	// RefresherUAS means the request receiver refreshes.
	RefresherUAS
)

// String returns the RFC 4028 parameter value for the role.
func (r RefresherRole) String() string {
	if r == RefresherUAS {
		return "uas"
	}
	return "uac"
}

// ParseSessionExpires parses a Session-Expires header value of the form
// "1800" or "1800;refresher=uac".
func ParseSessionExpires(value string) (time.Duration, RefresherRole, error) {
	parts := strings.Split(value, ";")
	secs, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, RefresherUAC, fmt.Errorf("invalid Session-Expires %q: %w", value, err)
	}
	role := RefresherUAC
	for _, p := range parts[1:] {
		p = strings.TrimSpace(p)
		if v, ok := strings.CutPrefix(p, "refresher="); ok {
			if strings.EqualFold(v, "uas") {
				role = RefresherUAS
			}
		}
	}
	return time.Duration(secs) * time.Second, role, nil
}

// FormatSessionExpires renders a Session-Expires header value.
func FormatSessionExpires(expires time.Duration, role RefresherRole) string {
	return fmt.Sprintf("%d;refresher=%s", int(expires.Seconds()), role)
}

// NegotiateExpires clamps a requested interval into [MinSessionExpires,
// ...] and substitutes the default for zero.
func NegotiateExpires(requested time.Duration) time.Duration {
	if requested <= 0 {
		return DefaultSessionExpires
	}
	if requested < MinSessionExpires {
		return MinSessionExpires
	}
	return requested
}

// SessionEntry is the refresh context for one established call. At most
// one entry exists per call id.
type SessionEntry struct {
	CallID      string
	Expires     time.Duration
	Role        RefresherRole
	LastRefresh time.Time

	timer *time.Timer

	// inFlight counts a refresh callback currently executing; Cancel
	// joins it so the callback cannot outlive the cancellation.
	inFlight sync.WaitGroup
}

// SessionTimers schedules periodic session refreshes. The refresh
// callback fires at half the negotiated interval for the life of the
// call; a callback error stops the loop rather than retrying into a
// broken refresh path.
type SessionTimers struct {
	mu      sync.Mutex
	entries map[string]*SessionEntry
}

// NewSessionTimers creates a session refresh scheduler.
func NewSessionTimers() *SessionTimers {
	return &SessionTimers{entries: make(map[string]*SessionEntry)}
}

// Start schedules refresh(id) at expires/2 intervals. Any prior entry for
// the same id is cancelled first, so a re-negotiated interval replaces
// rather than duplicates.
func (s *SessionTimers) Start(id string, expires time.Duration, role RefresherRole, refresh func(callID string) error) {
	if expires <= 0 {
		expires = DefaultSessionExpires
	}

	s.mu.Lock()
	if prior, ok := s.entries[id]; ok {
		prior.timer.Stop()
	}
	entry := &SessionEntry{
		CallID:      id,
		Expires:     expires,
		Role:        role,
		LastRefresh: time.Now(),
	}
	s.entries[id] = entry
	s.schedule(entry, refresh)
	s.mu.Unlock()

	slog.Debug("[SessionTimer] Started", "call_id", id,
		"expires", expires, "refresher", role.String())
}

// schedule arms the next refresh firing. Caller must hold s.mu. Stale
// firings from a replaced entry recognize themselves by pointer identity
// and bail out.
func (s *SessionTimers) schedule(entry *SessionEntry, refresh func(string) error) {
	entry.timer = time.AfterFunc(entry.Expires/2, func() {
		s.mu.Lock()
		if s.entries[entry.CallID] != entry {
			s.mu.Unlock()
			return
		}
		entry.inFlight.Add(1)
		s.mu.Unlock()

		err := refresh(entry.CallID)
		entry.inFlight.Done()

		if err != nil {
			slog.Warn("[SessionTimer] Refresh failed, stopping",
				"call_id", entry.CallID, "error", err)
			s.mu.Lock()
			if s.entries[entry.CallID] == entry {
				delete(s.entries, entry.CallID)
			}
			s.mu.Unlock()
			return
		}

		s.mu.Lock()
		if s.entries[entry.CallID] == entry {
			entry.LastRefresh = time.Now()
			s.schedule(entry, refresh)
		}
		s.mu.Unlock()
	})
}

// Cancel stops refreshes for id. No callback fires for this entry after
// Cancel returns: an in-flight refresh is joined before returning. Must
// not be called from inside the refresh callback itself. Cancelling an
// unknown id is a no-op.
func (s *SessionTimers) Cancel(id string) {
	s.mu.Lock()
	entry, ok := s.entries[id]
	if ok {
		entry.timer.Stop()
		delete(s.entries, id)
	}
	s.mu.Unlock()

	if ok {
		entry.inFlight.Wait()
	}
}

// Get returns the active entry for id, if any.
func (s *SessionTimers) Get(id string) (*SessionEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[id]
	return entry, ok
}

// Active returns the number of calls with a live refresh loop.
func (s *SessionTimers) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
