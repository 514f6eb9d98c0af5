// Package signaling adapts a SIP user agent to the call console. The Stack
// interface is what the session registry drives; SIPStack speaks SIP
// through sipgo and LoopbackStack runs entirely in memory.
package signaling

import (
	"context"
	"errors"
	"fmt"

	"github.com/sebas/callconsole/internal/console/session"
)

// Sentinel errors for use with errors.Is.
var (
	// ErrUnknownDialog indicates a command for a dialog the stack does not hold.
	ErrUnknownDialog = errors.New("unknown dialog")

	// ErrNotRegistered indicates the stack has no registration.
	ErrNotRegistered = errors.New("not registered")

	// ErrAckTimeout indicates our 200 OK was never acknowledged.
	ErrAckTimeout = errors.New("ack timeout")

	// ErrClosed indicates the stack was closed.
	ErrClosed = errors.New("stack closed")
)

// EventKind identifies a remote-originated dialog event.
type EventKind int

const (
	// EventRemoteAnswered: 2xx for our INVITE, ACK already sent.
	EventRemoteAnswered EventKind = iota
	// EventRejected: final non-2xx for our INVITE, or no answer in time.
	EventRejected
	// EventRemoteCancelled: the caller sent CANCEL before we answered.
	EventRemoteCancelled
	// EventRemoteBye: the remote party ended an established dialog.
	EventRemoteBye
	// EventFailed: the dialog broke for a local reason.
	EventFailed
)

// String returns the string representation of the event kind
func (k EventKind) String() string {
	switch k {
	case EventRemoteAnswered:
		return "RemoteAnswered"
	case EventRejected:
		return "Rejected"
	case EventRemoteCancelled:
		return "RemoteCancelled"
	case EventRemoteBye:
		return "RemoteBye"
	case EventFailed:
		return "Failed"
	default:
		return fmt.Sprintf("Unknown(%d)", k)
	}
}

// DialogEvent is delivered for remote-originated changes. Events for one
// dialog are delivered in order.
type DialogEvent struct {
	DialogID string
	Kind     EventKind
	Code     int
	Reason   string
}

// IncomingCall describes a new inbound dialog.
type IncomingCall struct {
	DialogID string
	From     string
	Headers  map[string]string
	Remote   session.RemoteParty
}

// InviteRequest describes an outbound call. DialogID is chosen by the
// caller so events can be correlated before Invite returns.
type InviteRequest struct {
	DialogID string
	Target   string
	Headers  map[string]string
}

// Handler receives stack callbacks. Implementations must not block.
type Handler interface {
	OnIncoming(call IncomingCall)
	OnDialogEvent(ev DialogEvent)
	OnTransport(up bool, err error)
}

// Stack is the command surface of a signaling user agent keyed by dialog id.
// Commands that return nil have completed their negotiation: Accept has
// seen the ACK, Bye has seen the final response.
type Stack interface {
	SetHandler(h Handler)

	Register(ctx context.Context) error
	Unregister(ctx context.Context) error

	Invite(ctx context.Context, req InviteRequest) error
	Accept(ctx context.Context, dialogID string) error
	Reject(ctx context.Context, dialogID string, code int, reason string) error
	Cancel(ctx context.Context, dialogID string) error
	Bye(ctx context.Context, dialogID string) error
	Hold(ctx context.Context, dialogID string, hold bool) error
	Mute(ctx context.Context, dialogID string, mute bool) error
	Refer(ctx context.Context, dialogID, target string) error

	// Drop forgets a dialog, notifying the remote side best effort without
	// waiting for a reply.
	Drop(dialogID string)

	Close() error
}

// DialError provides detailed information about a failed request.
type DialError struct {
	Target    string
	Method    string
	SIPCode   int
	SIPReason string
	Cause     error
}

// Error returns the error message.
func (e *DialError) Error() string {
	if e.SIPCode > 0 {
		return fmt.Sprintf("%s %s: SIP %d %s", e.Method, e.Target, e.SIPCode, e.SIPReason)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s %s: %v", e.Method, e.Target, e.Cause)
	}
	return fmt.Sprintf("%s %s: unknown error", e.Method, e.Target)
}

// Unwrap returns the underlying error.
func (e *DialError) Unwrap() error {
	return e.Cause
}

// IsBusy returns true if the callee is busy (486, 600).
func (e *DialError) IsBusy() bool {
	return e.SIPCode == 486 || e.SIPCode == 600
}

// TriggerFor maps a rejection code to the session trigger it drives.
func TriggerFor(code int) session.Trigger {
	switch code {
	case 486, 600:
		return session.TriggerBusy
	case 408, 480:
		return session.TriggerTimeout
	case 487:
		return session.TriggerCancel
	default:
		return session.TriggerReject
	}
}
