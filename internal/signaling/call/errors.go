package call

import "errors"

var (
	// ErrInvalidMessage indicates malformed or incomplete protocol input.
	// The request is rejected and no session is created.
	ErrInvalidMessage = errors.New("invalid message")

	// ErrResourceExhausted indicates the media port pool is full.
	// The caller receives 503 and no session is persisted.
	ErrResourceExhausted = errors.New("resource exhausted")

	// ErrTimeout indicates no response arrived within the protocol bound.
	ErrTimeout = errors.New("timeout")

	// ErrAlreadyTerminated indicates an operation on a session that has
	// already reached a terminal state.
	ErrAlreadyTerminated = errors.New("call already terminated")

	// ErrTransferRejected indicates the transfer target refused or never
	// answered the transfer dialog.
	ErrTransferRejected = errors.New("transfer rejected")

	// ErrOutboundRejected indicates the outbound target refused the call
	// with a final non-2xx response.
	ErrOutboundRejected = errors.New("outbound call rejected")

	// ErrSessionNotFound indicates no active session matches the given id.
	ErrSessionNotFound = errors.New("session not found")

	// ErrDuplicateSession indicates a session with the same id is already
	// in the store.
	ErrDuplicateSession = errors.New("duplicate session")
)
