// Package call implements the two-leg call model and the INVITE/ACK/BYE
// protocol engine of the bridge: one Leg per SIP dialog, a CallSession
// aggregating both legs, a concurrent session store, and the Manager that
// drives lifecycle state across them.
package call

import "fmt"

// State represents the lifecycle state of a bridged call.
type State int

const (
	// StateProceeding is the initial state after inbound INVITE validation.
	StateProceeding State = iota
	// StateRinging is entered on a 180 from the far side.
	StateRinging
	// StateEstablished is entered on ACK from the caller.
	StateEstablished
	// StateTerminated is the normal terminal state after BYE or CANCEL.
	StateTerminated
	// StateFailed is the terminal state for calls that never established.
	StateFailed
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateProceeding:
		return "Proceeding"
	case StateRinging:
		return "Ringing"
	case StateEstablished:
		return "Established"
	case StateTerminated:
		return "Terminated"
	case StateFailed:
		return "Failed"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

// validTransitions defines which state transitions are allowed.
// 183 keeps the call in Proceeding, so Proceeding->Established covers the
// machine-takeover path where no 180 was ever relayed.
var validTransitions = map[State][]State{
	StateProceeding:  {StateRinging, StateEstablished, StateTerminated, StateFailed},
	StateRinging:     {StateEstablished, StateTerminated, StateFailed},
	StateEstablished: {StateTerminated},
	StateTerminated:  {},
	StateFailed:      {},
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

// IsTerminal returns true if this is a terminal state.
func (s State) IsTerminal() bool {
	return s == StateTerminated || s == StateFailed
}

// Direction indicates which side of the bridge a leg or event belongs to.
type Direction int

const (
	// DirectionIncoming is the caller side (A leg).
	DirectionIncoming Direction = iota
	// DirectionOutgoing is the callee side (B leg).
	DirectionOutgoing
)

// String returns the string representation of the direction.
func (d Direction) String() string {
	switch d {
	case DirectionIncoming:
		return "Incoming"
	case DirectionOutgoing:
		return "Outgoing"
	default:
		return fmt.Sprintf("Unknown(%d)", d)
	}
}

// TerminationReason explains why a call ended.
type TerminationReason int

const (
	// ReasonNone indicates no termination has occurred.
	ReasonNone TerminationReason = iota
	// ReasonNormal indicates a normal hangup (BYE).
	ReasonNormal
	// ReasonCancel indicates CANCEL before answer.
	ReasonCancel
	// ReasonRejected indicates a 4xx/5xx/6xx final response.
	ReasonRejected
	// ReasonTimeout indicates no response within the protocol bound.
	ReasonTimeout
	// ReasonMaxDuration indicates the call exceeded its duration ceiling.
	ReasonMaxDuration
	// ReasonError indicates an internal failure forced termination.
	ReasonError
)

// String returns the string representation of the termination reason.
func (r TerminationReason) String() string {
	switch r {
	case ReasonNone:
		return "None"
	case ReasonNormal:
		return "Normal"
	case ReasonCancel:
		return "Cancel"
	case ReasonRejected:
		return "Rejected"
	case ReasonTimeout:
		return "Timeout"
	case ReasonMaxDuration:
		return "MaxDuration"
	case ReasonError:
		return "Error"
	default:
		return fmt.Sprintf("Unknown(%d)", r)
	}
}
