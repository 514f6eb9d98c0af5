package session

import "fmt"

// State is the local signaling lifecycle of a call.
type State int

const (
	// StateInitial is a freshly created session: ringing for inbound, not yet dispatched for outbound.
	StateInitial State = iota
	// StateEstablishing is answered locally and awaiting ACK, or invited and awaiting answer.
	StateEstablishing
	// StateEstablished has live media.
	StateEstablished
	// StateTerminating has a hangup in progress.
	StateTerminating
	// StateTerminated is absorbing.
	StateTerminated
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateInitial:
		return "Initial"
	case StateEstablishing:
		return "Establishing"
	case StateEstablished:
		return "Established"
	case StateTerminating:
		return "Terminating"
	case StateTerminated:
		return "Terminated"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

// IsTerminal returns true if this is a terminal state
func (s State) IsTerminal() bool {
	return s == StateTerminated
}

// IsLive reports whether the call occupies the line (Establishing or Established).
func (s State) IsLive() bool {
	return s == StateEstablishing || s == StateEstablished
}

// Direction of a call relative to the agent.
type Direction int

const (
	Incoming Direction = iota
	Outgoing
)

// String returns the string representation of the direction
func (d Direction) String() string {
	switch d {
	case Incoming:
		return "Incoming"
	case Outgoing:
		return "Outgoing"
	default:
		return fmt.Sprintf("Unknown(%d)", d)
	}
}

// Trigger is an event that may move a session between states.
type Trigger int

const (
	// TriggerAnswer: the agent answered an inbound call.
	TriggerAnswer Trigger = iota
	// TriggerRemoteAck: the caller acknowledged our answer.
	TriggerRemoteAck
	// TriggerDecline: the agent declined an inbound call.
	TriggerDecline
	// TriggerRemoteCancel: the caller gave up before answer.
	TriggerRemoteCancel
	// TriggerInviteDispatched: an outbound invite left the device.
	TriggerInviteDispatched
	// TriggerRemoteAnswer: the callee answered.
	TriggerRemoteAnswer
	// TriggerBusy: the callee is busy.
	TriggerBusy
	// TriggerReject: the callee or network rejected the call.
	TriggerReject
	// TriggerTimeout: no final answer in time.
	TriggerTimeout
	// TriggerCancel: the agent abandoned an outbound call before answer.
	TriggerCancel
	// TriggerLocalHangup: the agent hung up an established call.
	TriggerLocalHangup
	// TriggerRemoteHangup: the remote party hung up an established call.
	TriggerRemoteHangup
	// TriggerConfirmed: the hangup completed.
	TriggerConfirmed
)

// String returns the string representation of the trigger
func (t Trigger) String() string {
	switch t {
	case TriggerAnswer:
		return "Answer"
	case TriggerRemoteAck:
		return "RemoteAck"
	case TriggerDecline:
		return "Decline"
	case TriggerRemoteCancel:
		return "RemoteCancel"
	case TriggerInviteDispatched:
		return "InviteDispatched"
	case TriggerRemoteAnswer:
		return "RemoteAnswer"
	case TriggerBusy:
		return "Busy"
	case TriggerReject:
		return "Reject"
	case TriggerTimeout:
		return "Timeout"
	case TriggerCancel:
		return "Cancel"
	case TriggerLocalHangup:
		return "LocalHangup"
	case TriggerRemoteHangup:
		return "RemoteHangup"
	case TriggerConfirmed:
		return "Confirmed"
	default:
		return fmt.Sprintf("Unknown(%d)", t)
	}
}

type edges map[State]map[Trigger]State

// transitions is the complete set of permitted edges per direction.
var transitions = map[Direction]edges{
	Incoming: {
		StateInitial: {
			TriggerAnswer:       StateEstablishing,
			TriggerDecline:      StateTerminated,
			TriggerRemoteCancel: StateTerminated,
		},
		StateEstablishing: {
			TriggerRemoteAck: StateEstablished,
		},
		StateEstablished: {
			TriggerLocalHangup:  StateTerminating,
			TriggerRemoteHangup: StateTerminating,
		},
		StateTerminating: {
			TriggerConfirmed: StateTerminated,
		},
	},
	Outgoing: {
		StateInitial: {
			TriggerInviteDispatched: StateEstablishing,
			TriggerBusy:             StateTerminated,
			TriggerReject:           StateTerminated,
			TriggerTimeout:          StateTerminated,
			TriggerCancel:           StateTerminated,
		},
		StateEstablishing: {
			TriggerRemoteAnswer: StateEstablished,
			TriggerBusy:         StateTerminated,
			TriggerReject:       StateTerminated,
			TriggerTimeout:      StateTerminated,
			TriggerCancel:       StateTerminated,
		},
		StateEstablished: {
			TriggerLocalHangup:  StateTerminating,
			TriggerRemoteHangup: StateTerminating,
		},
		StateTerminating: {
			TriggerConfirmed: StateTerminated,
		},
	},
}

// Next returns the state reached by firing t from s, if that edge exists.
func Next(dir Direction, s State, t Trigger) (State, bool) {
	next, ok := transitions[dir][s][t]
	return next, ok
}

// Cause records why a session ended.
type Cause int

const (
	CauseNone Cause = iota
	CauseLocalHangup
	CauseRemoteHangup
	CauseDeclined
	CauseCancelled
	CauseBusy
	CauseRejected
	CauseTimeout
	CauseTransferred
	CauseTransportLost
	CauseShutdown
	CauseError
)

// String returns the string representation of the cause
func (c Cause) String() string {
	switch c {
	case CauseNone:
		return "None"
	case CauseLocalHangup:
		return "LocalHangup"
	case CauseRemoteHangup:
		return "RemoteHangup"
	case CauseDeclined:
		return "Declined"
	case CauseCancelled:
		return "Cancelled"
	case CauseBusy:
		return "Busy"
	case CauseRejected:
		return "Rejected"
	case CauseTimeout:
		return "Timeout"
	case CauseTransferred:
		return "Transferred"
	case CauseTransportLost:
		return "TransportLost"
	case CauseShutdown:
		return "Shutdown"
	case CauseError:
		return "Error"
	default:
		return fmt.Sprintf("Unknown(%d)", c)
	}
}

// IsFailure reports whether the cause should be shown as a failed call.
func (c Cause) IsFailure() bool {
	switch c {
	case CauseBusy, CauseRejected, CauseTimeout, CauseTransportLost, CauseError:
		return true
	}
	return false
}

func defaultCause(t Trigger) Cause {
	switch t {
	case TriggerDecline:
		return CauseDeclined
	case TriggerRemoteCancel, TriggerCancel:
		return CauseCancelled
	case TriggerBusy:
		return CauseBusy
	case TriggerReject:
		return CauseRejected
	case TriggerTimeout:
		return CauseTimeout
	case TriggerLocalHangup:
		return CauseLocalHangup
	case TriggerRemoteHangup:
		return CauseRemoteHangup
	}
	return CauseNone
}
