package api

import (
	"time"

	types "github.com/sebas/callconsole/api/types/v1"
	"github.com/sebas/callconsole/internal/console/feed"
	"github.com/sebas/callconsole/internal/console/reconcile"
	"github.com/sebas/callconsole/internal/console/session"
)

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func toCallView(v reconcile.View) types.CallView {
	out := types.CallView{
		Version:   v.Version,
		HasCall:   v.HasCall,
		Freshness: v.Freshness.String(),
	}
	if !v.HasCall {
		return out
	}

	out.SessionID = v.SessionID
	out.DialogID = v.DialogID
	out.Direction = v.Direction.String()
	out.State = v.State.String()
	out.Media = types.Media{Muted: v.Media.Muted, Held: v.Media.Held}
	if v.Cause != session.CauseNone {
		out.Cause = v.Cause.String()
	}
	out.CallActive = v.CallActive
	out.FailureReason = v.FailureReason

	out.UniqueCallIdentifier = v.UniqueCallIdentifier
	if v.UniqueCallIdentifier != "" {
		out.CallStatus = v.CallStatus.String()
	}
	out.ClientID = v.ClientID
	out.ClientName = v.ClientName
	out.ClientNumber = v.ClientNumber
	out.BranchName = v.BranchName
	out.DealerChannel = v.DealerChannel

	for _, leg := range v.ConferenceLegs {
		out.ConferenceLegs = append(out.ConferenceLegs, types.Leg{
			SessionID:    leg.ID,
			State:        leg.State.String(),
			ClientNumber: leg.ClientNumber,
		})
	}

	out.CreatedAt = formatTime(v.CreatedAt)
	out.EstablishedAt = formatTime(v.EstablishedAt)
	out.TerminatedAt = formatTime(v.TerminatedAt)
	out.StartTime = formatTime(v.StartTime)
	out.EndTime = formatTime(v.EndTime)
	return out
}

func toSession(s session.Snapshot) types.Session {
	out := types.Session{
		SessionID:     s.ID,
		DialogID:      s.DialogID,
		Direction:     s.Direction.String(),
		State:         s.State.String(),
		Media:         types.Media{Muted: s.Media.Muted, Held: s.Media.Held},
		Primary:       s.Primary,
		ParentID:      s.ParentID,
		ClientID:      s.Remote.ClientID,
		ClientName:    s.Remote.ClientName,
		ClientNumber:  s.Remote.ClientNumber,
		DealerChannel: s.Remote.DealerChannel,
		Reason:        s.Reason,
		CreatedAt:     formatTime(s.CreatedAt),
	}
	if s.Cause != session.CauseNone {
		out.Cause = s.Cause.String()
	}
	return out
}

func toServerCall(c reconcile.ServerCall) types.ServerCall {
	rec := c.Record
	out := types.ServerCall{
		UniqueCallIdentifier: rec.UniqueCallIdentifier,
		CallStatus:           rec.CallStatus.String(),
		AgentID:              string(rec.AgentID),
		ClientName:           string(rec.ClientName),
		ClientNumber:         string(rec.ClientNumber),
		BranchName:           string(rec.BranchName),
		DealerChannel:        string(rec.DealerChannel),
		Reason:               c.Reason,
		At:                   formatTime(c.At),
	}
	if rec.CallType != feed.TypeUnknown {
		out.CallType = rec.CallType.String()
	}
	return out
}
