package session

import (
	"errors"
	"fmt"
)

// Sentinel errors for use with errors.Is.
var (
	// ErrInvalidState indicates a command that is not valid in the session's current state.
	ErrInvalidState = errors.New("invalid state for operation")

	// ErrSessionClosed indicates the session already reached Terminated.
	ErrSessionClosed = errors.New("session closed")
)

// TransitionError describes a rejected trigger.
type TransitionError struct {
	ID        string
	Direction Direction
	From      State
	Trigger   Trigger
}

// Error returns the error message.
func (e *TransitionError) Error() string {
	return fmt.Sprintf("session %s (%s): no transition from %s on %s", e.ID, e.Direction, e.From, e.Trigger)
}

// Unwrap returns ErrSessionClosed for a terminated session and ErrInvalidState otherwise.
func (e *TransitionError) Unwrap() error {
	if e.From.IsTerminal() {
		return ErrSessionClosed
	}
	return ErrInvalidState
}

// StateError reports a command issued in the wrong state.
type StateError struct {
	ID    string
	Op    string
	State State
}

// Error returns the error message.
func (e *StateError) Error() string {
	return fmt.Sprintf("session %s: %s not allowed in state %s", e.ID, e.Op, e.State)
}

// Unwrap returns ErrSessionClosed for a terminated session and ErrInvalidState otherwise.
func (e *StateError) Unwrap() error {
	if e.State.IsTerminal() {
		return ErrSessionClosed
	}
	return ErrInvalidState
}
