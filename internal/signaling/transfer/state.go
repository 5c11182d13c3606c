// Package transfer implements mid-call third-party call control: a
// second dialog dialed on behalf of an already-bridged caller and
// spliced into the call on answer.
package transfer

import "fmt"

// State is the lifecycle of one transfer attempt.
type State int

const (
	// StateAnnounce plays the transfer announcement to the caller while
	// the target dial is being set up.
	StateAnnounce State = iota
	// StateRinging means the target returned a provisional response.
	StateRinging
	// StateConnected means the target answered and its media is spliced
	// into the caller's leg.
	StateConnected
	// StateFailed means the target rejected or never answered.
	StateFailed
	// StateCancelled means a hangup or manual cancel aborted the attempt.
	StateCancelled
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateAnnounce:
		return "Announce"
	case StateRinging:
		return "Ringing"
	case StateConnected:
		return "Connected"
	case StateFailed:
		return "Failed"
	case StateCancelled:
		return "Cancelled"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

// validTransitions defines which state transitions are allowed.
var validTransitions = map[State][]State{
	StateAnnounce:  {StateRinging, StateConnected, StateFailed, StateCancelled},
	StateRinging:   {StateConnected, StateFailed, StateCancelled},
	StateConnected: {StateCancelled},
	StateFailed:    {},
	StateCancelled: {},
}

// CanTransitionTo checks if a transition from the current state is valid.
func (s State) CanTransitionTo(next State) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal returns true for states with no way out.
func (s State) IsTerminal() bool {
	return s == StateFailed || s == StateCancelled
}
