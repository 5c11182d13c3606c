// Package ai defines the contract toward the conversational agent that
// answers calls on the machine takeover path. The pipeline behind it
// (speech recognition, response generation, synthesis) lives outside
// this codebase.
package ai

import "context"

// Agent is the conversational collaborator. It is invoked only from the
// takeover handoff and from transfers that restore machine answering.
type Agent interface {
	// HandleCall takes over audio for the call. Returns an error if the
	// agent cannot accept the call, in which case the takeover is
	// abandoned and the call fails normally.
	HandleCall(ctx context.Context, callID, caller, callee string) error

	// EndCall releases the agent's resources for the call. Safe to call
	// for calls the agent never handled.
	EndCall(callID string)

	// SetAudioSendFunc installs the function the agent uses to push
	// synthesized audio payloads toward the caller.
	SetAudioSendFunc(fn func(callID string, payload []byte))
}

// NopAgent is an Agent that accepts every call and produces no audio.
// Used when no conversational pipeline is configured.
type NopAgent struct{}

// HandleCall implements Agent.
func (NopAgent) HandleCall(ctx context.Context, callID, caller, callee string) error { return nil }

// EndCall implements Agent.
func (NopAgent) EndCall(callID string) {}

// SetAudioSendFunc implements Agent.
func (NopAgent) SetAudioSendFunc(fn func(string, []byte)) {}
