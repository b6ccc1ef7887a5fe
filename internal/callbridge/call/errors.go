package call

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidTransition is wrapped by TransitionError when the status
	// graph forbids the move.
	ErrInvalidTransition = errors.New("invalid call status transition")

	// ErrInvalidState is returned for actions the session cannot take in
	// its current status or direction.
	ErrInvalidState = errors.New("call is not in a state that allows this action")

	// ErrNotFound is returned for unknown call ids.
	ErrNotFound = errors.New("call not found")

	// ErrCallEnded is returned for actions on a finished call.
	ErrCallEnded = errors.New("call has ended")

	// ErrTransport is reported when the audio transport cannot be bound
	// or started.
	ErrTransport = errors.New("transport error")
)

// TransitionError describes a rejected status change.
type TransitionError struct {
	CallID string
	From   Status
	To     Status
	Err    error
}

func (e *TransitionError) Error() string {
	if e.CallID == "" {
		return fmt.Sprintf("call status %s -> %s: %v", e.From, e.To, e.Err)
	}
	return fmt.Sprintf("call %s status %s -> %s: %v", e.CallID, e.From, e.To, e.Err)
}

func (e *TransitionError) Unwrap() error {
	return e.Err
}
