package reconcile

import (
	"fmt"
	"slices"
	"time"

	"github.com/sebas/callconsole/internal/console/feed"
	"github.com/sebas/callconsole/internal/console/session"
)

// Freshness describes how current the switch's view of a call is.
type Freshness int

const (
	// FreshnessUnavailable: no switch record ever matched this call.
	FreshnessUnavailable Freshness = iota
	// FreshnessLive: records are flowing.
	FreshnessLive
	// FreshnessStale: the feed has been down longer than the grace window.
	FreshnessStale
)

// String returns the string representation of the freshness
func (f Freshness) String() string {
	switch f {
	case FreshnessUnavailable:
		return "Unavailable"
	case FreshnessLive:
		return "Live"
	case FreshnessStale:
		return "Stale"
	default:
		return fmt.Sprintf("Unknown(%d)", f)
	}
}

// MarshalText renders the freshness by name in JSON.
func (f Freshness) MarshalText() ([]byte, error) { return []byte(f.String()), nil }

// Leg is a conference leg attached to the current call.
type Leg struct {
	ID           string
	State        session.State
	ClientNumber string
}

// View is the reconciled current call. State, Direction and Media always
// come from local signaling; the business fields come from the switch
// record when one is bound and fall back to the signaling headers.
type View struct {
	Version uint64

	HasCall   bool
	SessionID string
	DialogID  string
	Direction session.Direction
	State     session.State
	Media     session.Media
	Cause     session.Cause

	// CallActive is true from ring or dial until Terminated.
	CallActive    bool
	FailureReason string

	UniqueCallIdentifier string
	CallStatus           feed.CallStatus
	ClientID             string
	ClientName           string
	ClientNumber         string
	BranchName           string
	DealerChannel        string
	Freshness            Freshness

	ConferenceLegs []Leg

	CreatedAt     time.Time
	EstablishedAt time.Time
	TerminatedAt  time.Time
	StartTime     time.Time
	EndTime       time.Time
}

// sameAs compares everything except Version.
func (v View) sameAs(o View) bool {
	return v.HasCall == o.HasCall &&
		v.SessionID == o.SessionID &&
		v.DialogID == o.DialogID &&
		v.Direction == o.Direction &&
		v.State == o.State &&
		v.Media == o.Media &&
		v.Cause == o.Cause &&
		v.CallActive == o.CallActive &&
		v.FailureReason == o.FailureReason &&
		v.UniqueCallIdentifier == o.UniqueCallIdentifier &&
		v.CallStatus == o.CallStatus &&
		v.ClientID == o.ClientID &&
		v.ClientName == o.ClientName &&
		v.ClientNumber == o.ClientNumber &&
		v.BranchName == o.BranchName &&
		v.DealerChannel == o.DealerChannel &&
		v.Freshness == o.Freshness &&
		v.CreatedAt.Equal(o.CreatedAt) &&
		v.EstablishedAt.Equal(o.EstablishedAt) &&
		v.TerminatedAt.Equal(o.TerminatedAt) &&
		v.StartTime.Equal(o.StartTime) &&
		v.EndTime.Equal(o.EndTime) &&
		slices.Equal(v.ConferenceLegs, o.ConferenceLegs)
}

// UpdateKind identifies a subscription update.
type UpdateKind int

const (
	// UpdateView carries a changed View.
	UpdateView UpdateKind = iota
	// UpdateServerCall carries a switch record with no local call.
	UpdateServerCall
)

// String returns the string representation of the update kind
func (k UpdateKind) String() string {
	switch k {
	case UpdateView:
		return "View"
	case UpdateServerCall:
		return "ServerCall"
	default:
		return fmt.Sprintf("Unknown(%d)", k)
	}
}

// ServerCall is a record surfaced without a local signaling leg, either
// because nothing matched it in time or because it belongs to another
// agent on a fleet-wide feed.
type ServerCall struct {
	Record feed.CallEventRecord
	Reason string
	At     time.Time
}

// Update is one subscription delivery.
type Update struct {
	Kind   UpdateKind
	View   View
	Server ServerCall
}
