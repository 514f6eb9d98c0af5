package registry

import (
	"context"
	"log/slog"

	"github.com/sebas/callconsole/internal/console/session"
	"github.com/sebas/callconsole/internal/console/signaling"
)

// OnIncoming implements signaling.Handler. A new inbound dialog becomes
// the primary session unless calling is disabled (603) or the agent is
// already on a call (486).
func (r *Registry) OnIncoming(call signaling.IncomingCall) {
	if !r.caps.CallingEnabled() {
		slog.Info("[Registry] Rejecting inbound call, calling disabled", "dialog_id", call.DialogID, "from", call.From)
		go r.reject(call.DialogID, 603, "Decline")
		return
	}

	r.mu.Lock()
	if r.primaryBusyLocked() {
		r.mu.Unlock()
		slog.Info("[Registry] Rejecting inbound call, agent busy", "dialog_id", call.DialogID, "from", call.From)
		go r.reject(call.DialogID, 486, "Busy Here")
		return
	}
	s := r.createLocked(session.Options{
		DialogID:  call.DialogID,
		Direction: session.Incoming,
		Remote:    call.Remote,
		Primary:   true,
	})
	r.mu.Unlock()

	slog.Info("[Registry] Incoming call", "id", s.ID(), "dialog_id", call.DialogID, "from", call.From,
		"client_number", call.Remote.ClientNumber)
}

func (r *Registry) reject(dialogID string, code int, reason string) {
	ctx, cancel := context.WithTimeout(r.ctx, r.opTimeout)
	defer cancel()
	if err := r.stack.Reject(ctx, dialogID, code, reason); err != nil {
		slog.Warn("[Registry] Auto-reject failed", "dialog_id", dialogID, "code", code, "error", err)
		r.stack.Drop(dialogID)
	}
}

// OnDialogEvent implements signaling.Handler.
func (r *Registry) OnDialogEvent(ev signaling.DialogEvent) {
	s, ok := r.byDialog(ev.DialogID)
	if !ok {
		slog.Debug("[Registry] Event for unknown dialog", "dialog_id", ev.DialogID, "kind", ev.Kind)
		return
	}
	defer r.settle(s)

	var err error
	switch ev.Kind {
	case signaling.EventRemoteAnswered:
		// The answer can overtake the return of Invite.
		if s.State() == session.StateInitial {
			_ = s.Apply(session.TriggerInviteDispatched)
		}
		err = s.Apply(session.TriggerRemoteAnswer)

	case signaling.EventRejected:
		err = s.ApplyWith(signaling.TriggerFor(ev.Code), session.CauseNone, rejectReason(ev))

	case signaling.EventRemoteCancelled:
		if s.State() == session.StateInitial {
			err = s.Apply(session.TriggerRemoteCancel)
		} else {
			// Cancelled while our answer was waiting for ACK.
			s.ForceTerminate(session.CauseCancelled, ev.Reason)
		}

	case signaling.EventRemoteBye:
		if s.State() == session.StateEstablished {
			if err = s.Apply(session.TriggerRemoteHangup); err == nil {
				err = s.Apply(session.TriggerConfirmed)
			}
		} else {
			s.ForceTerminate(session.CauseRemoteHangup, ev.Reason)
		}

	case signaling.EventFailed:
		s.ForceTerminate(session.CauseError, ev.Reason)
	}

	if err != nil {
		slog.Warn("[Registry] Dialog event not applied", "id", s.ID(), "kind", ev.Kind, "error", err)
		return
	}
	slog.Debug("[Registry] Dialog event", "id", s.ID(), "kind", ev.Kind, "code", ev.Code, "state", s.State())
}

func rejectReason(ev signaling.DialogEvent) string {
	if ev.Code == 0 {
		return ev.Reason
	}
	return (&signaling.DialError{Method: "INVITE", SIPCode: ev.Code, SIPReason: ev.Reason}).Error()
}

// OnTransport implements signaling.Handler. Loss of the transport ends
// every call immediately; no further negotiation is possible.
func (r *Registry) OnTransport(up bool, err error) {
	if up {
		select {
		case r.kick <- struct{}{}:
		default:
		}
		r.startReconnect()
		return
	}

	r.mu.Lock()
	was := r.transport
	r.mu.Unlock()
	if was == TransportUnregistered {
		return
	}

	slog.Warn("[Registry] Transport lost", "error", err)
	r.setTransport(TransportDisconnected)
	reason := "transport lost"
	if err != nil {
		reason = err.Error()
	}
	r.teardown(session.CauseTransportLost, reason)
	r.startReconnect()
}
