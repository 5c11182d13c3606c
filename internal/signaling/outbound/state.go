// Package outbound runs server-originated calls: queued dials under a
// concurrency ceiling, ring and max-duration timers, and automatic retry
// for configured failure outcomes.
package outbound

// State is the lifecycle state of one outbound call record.
type State int

const (
	// StateQueued means the record waits for a free dialing slot.
	StateQueued State = iota
	// StateDialing means the INVITE is in flight.
	StateDialing
	// StateRinging means a provisional response arrived.
	StateRinging
	// StateConnected means the target answered.
	StateConnected
	// StateCompleted means the call ended normally after connecting.
	StateCompleted
	// StateNoAnswer means the ring timer fired before any final response.
	StateNoAnswer
	// StateBusy means the target returned 486 or 600.
	StateBusy
	// StateRejected means the target returned another final non-2xx.
	StateRejected
	// StateFailed means a transport error or exhausted retries.
	StateFailed
	// StateCancelled means the record was cancelled before completing.
	StateCancelled
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateQueued:
		return "QUEUED"
	case StateDialing:
		return "DIALING"
	case StateRinging:
		return "RINGING"
	case StateConnected:
		return "CONNECTED"
	case StateCompleted:
		return "COMPLETED"
	case StateNoAnswer:
		return "NO_ANSWER"
	case StateBusy:
		return "BUSY"
	case StateRejected:
		return "REJECTED"
	case StateFailed:
		return "FAILED"
	case StateCancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

var validTransitions = map[State][]State{
	StateQueued:    {StateDialing, StateCancelled},
	StateDialing:   {StateRinging, StateConnected, StateNoAnswer, StateBusy, StateRejected, StateFailed, StateCancelled},
	StateRinging:   {StateConnected, StateNoAnswer, StateBusy, StateRejected, StateFailed, StateCancelled},
	StateConnected: {StateCompleted, StateFailed, StateCancelled},
	// Retryable outcomes loop back into the queue until cancelled or
	// out of attempts.
	StateNoAnswer: {StateQueued, StateFailed, StateCancelled},
	StateBusy:     {StateQueued, StateFailed, StateCancelled},
	StateRejected: {StateQueued, StateFailed, StateCancelled},
}

// CanTransitionTo reports whether moving from s to target is legal.
func (s State) CanTransitionTo(target State) bool {
	for _, t := range validTransitions[s] {
		if t == target {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the record can still change state on its
// own. NO_ANSWER, BUSY and REJECTED are treated as non-terminal only
// while a retry is pending.
func (s State) IsTerminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}
