package call

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// CallSession is the bridge between up to two legs plus lifecycle state.
// All mutation happens under the session's own lock so that timers and
// inbound message handlers for the same call serialize against each other
// while unrelated calls never contend.
type CallSession struct {
	// ID is the internal call id, the store's primary key.
	ID string

	// Incoming is the caller's leg, set at creation.
	Incoming *Leg
	// Outgoing is the callee's leg, nil until the far side is dialed.
	Outgoing *Leg

	// State is the lifecycle state. Mutate through TransitionTo only.
	State State

	// Reason records why the call ended.
	Reason TerminationReason

	// AIHandled marks calls answered by the machine takeover path.
	// Cleanup treats these differently: no human-call extraction hooks.
	AIHandled bool

	// Caller and Callee are the addressing strings used for reporting.
	Caller string
	Callee string

	StartTime  time.Time
	AnswerTime time.Time
	EndTime    time.Time

	// noAnswerTimer is the takeover deadline racing the callee's answer.
	// Owned here so cancellation has an explicit handle. Guarded by mu.
	noAnswerTimer *time.Timer

	mu          sync.Mutex
	cleanupOnce sync.Once
}

// armNoAnswer schedules fn at the no-answer deadline, replacing any prior
// deadline. Caller must hold the session lock.
func (s *CallSession) armNoAnswer(d time.Duration, fn func()) {
	if s.noAnswerTimer != nil {
		s.noAnswerTimer.Stop()
	}
	s.noAnswerTimer = time.AfterFunc(d, fn)
}

// stopNoAnswer cancels the deadline. Caller must hold the session lock.
func (s *CallSession) stopNoAnswer() {
	if s.noAnswerTimer != nil {
		s.noAnswerTimer.Stop()
		s.noAnswerTimer = nil
	}
}

// NewSession creates a session in PROCEEDING holding only the incoming leg.
func NewSession(incoming *Leg, caller, callee string) *CallSession {
	return &CallSession{
		ID:        uuid.New().String(),
		Incoming:  incoming,
		State:     StateProceeding,
		Caller:    caller,
		Callee:    callee,
		StartTime: time.Now(),
	}
}

// Lock takes the per-session guard. Timer callbacks and message handlers
// for the same call both go through here.
func (s *CallSession) Lock() { s.mu.Lock() }

// Unlock releases the per-session guard.
func (s *CallSession) Unlock() { s.mu.Unlock() }

// TransitionTo applies a state transition if it is valid. Transitions from
// a terminal state return false without error so that duplicate delivery
// (retransmitted 200, duplicate BYE) stays a safe no-op.
// Caller must hold the session lock.
func (s *CallSession) TransitionTo(next State) bool {
	if !s.State.CanTransitionTo(next) {
		return false
	}
	s.State = next
	switch next {
	case StateEstablished:
		if s.AnswerTime.IsZero() {
			s.AnswerTime = time.Now()
		}
	case StateTerminated, StateFailed:
		if s.EndTime.IsZero() {
			s.EndTime = time.Now()
		}
	}
	return true
}

// Terminate moves the session to TERMINATED (or FAILED when it never
// established) and records the first reason supplied. Idempotent.
// Caller must hold the session lock.
func (s *CallSession) Terminate(reason TerminationReason) bool {
	if s.State.IsTerminal() {
		return false
	}
	if s.Reason == ReasonNone {
		s.Reason = reason
	}
	if s.State == StateEstablished {
		return s.TransitionTo(StateTerminated)
	}
	if reason == ReasonNormal || reason == ReasonCancel {
		return s.TransitionTo(StateTerminated)
	}
	return s.TransitionTo(StateFailed)
}

// CleanupOnce runs fn at most once for the session's lifetime. Cleanup can
// race between BYE handling, timeouts, and CANCEL; only the first caller
// releases resources. Must be called without the session lock held, since
// fn cancels timers whose callbacks take the lock.
func (s *CallSession) CleanupOnce(fn func()) {
	s.cleanupOnce.Do(fn)
}

// Duration is total call time from start to end (or now).
func (s *CallSession) Duration() time.Duration {
	end := s.EndTime
	if end.IsZero() {
		end = time.Now()
	}
	return end.Sub(s.StartTime)
}

// TalkDuration is time from answer to end, zero for unanswered calls.
func (s *CallSession) TalkDuration() time.Duration {
	if s.AnswerTime.IsZero() {
		return 0
	}
	end := s.EndTime
	if end.IsZero() {
		end = time.Now()
	}
	return end.Sub(s.AnswerTime)
}
