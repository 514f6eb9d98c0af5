package registry

import (
	"errors"

	"github.com/sebas/callconsole/internal/console/session"
)

// Sentinel errors for use with errors.Is. Session-level failures
// (session.ErrInvalidState, session.ErrSessionClosed) pass through unchanged.
var (
	// ErrTransportNotRegistered indicates the signaling transport is not Registered.
	ErrTransportNotRegistered = errors.New("transport not registered")

	// ErrBusy indicates a live primary call already exists.
	ErrBusy = errors.New("a call is already in progress")

	// ErrNotFound indicates an unknown session id.
	ErrNotFound = errors.New("session not found")

	// ErrNoPrimaryCall indicates an operation that needs an Established primary call.
	ErrNoPrimaryCall = errors.New("no established primary call")

	// ErrNotPermitted indicates the capability collaborator refused the command.
	ErrNotPermitted = errors.New("not permitted")
)

// Machine-readable error codes returned by ErrorCode.
const (
	CodeOK                     = "OK"
	CodeTransportNotRegistered = "TransportNotRegistered"
	CodeBusy                   = "Busy"
	CodeInvalidState           = "InvalidState"
	CodeSessionClosed          = "SessionClosed"
	CodeNotFound               = "NotFound"
	CodeNoPrimaryCall          = "NoPrimaryCall"
	CodeNotPermitted           = "NotPermitted"
	CodeInternal               = "Internal"
)

// ErrorCode classifies a command error into one of the Code constants.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return CodeOK
	case errors.Is(err, ErrTransportNotRegistered):
		return CodeTransportNotRegistered
	case errors.Is(err, ErrBusy):
		return CodeBusy
	case errors.Is(err, session.ErrSessionClosed):
		return CodeSessionClosed
	case errors.Is(err, session.ErrInvalidState):
		return CodeInvalidState
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrNoPrimaryCall):
		return CodeNoPrimaryCall
	case errors.Is(err, ErrNotPermitted):
		return CodeNotPermitted
	default:
		return CodeInternal
	}
}
