// Package types defines the JSON types shared by the console HTTP API and
// its client.
package types

// HealthResponse is the response from /api/v1/health
type HealthResponse struct {
	Status    string `json:"status"`
	Uptime    int64  `json:"uptime"`
	Transport string `json:"transport"`
	Freshness string `json:"freshness"`
	Streams   int    `json:"streams"`
}

// ErrorResponse is returned with every non-2xx status.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Media is the local media state of a call.
type Media struct {
	Muted bool `json:"muted"`
	Held  bool `json:"held"`
}

// Leg is a conference leg of the current call.
type Leg struct {
	SessionID    string `json:"session_id"`
	State        string `json:"state"`
	ClientNumber string `json:"client_number,omitempty"`
}

// CallView is the reconciled current call, from /api/v1/call and the stream.
type CallView struct {
	Version       uint64 `json:"version"`
	HasCall       bool   `json:"has_call"`
	SessionID     string `json:"session_id,omitempty"`
	DialogID      string `json:"dialog_id,omitempty"`
	Direction     string `json:"direction,omitempty"`
	State         string `json:"state,omitempty"`
	Media         Media  `json:"media"`
	Cause         string `json:"cause,omitempty"`
	CallActive    bool   `json:"call_active"`
	FailureReason string `json:"failure_reason,omitempty"`

	UniqueCallIdentifier string `json:"unique_call_identifier,omitempty"`
	CallStatus           string `json:"call_status,omitempty"`
	ClientID             string `json:"client_id,omitempty"`
	ClientName           string `json:"client_name,omitempty"`
	ClientNumber         string `json:"client_number,omitempty"`
	BranchName           string `json:"branch_name,omitempty"`
	DealerChannel        string `json:"dealer_channel,omitempty"`
	Freshness            string `json:"freshness"`

	ConferenceLegs []Leg `json:"conference_legs,omitempty"`

	CreatedAt     string `json:"created_at,omitempty"`
	EstablishedAt string `json:"established_at,omitempty"`
	TerminatedAt  string `json:"terminated_at,omitempty"`
	StartTime     string `json:"start_time,omitempty"`
	EndTime       string `json:"end_time,omitempty"`
}

// Session is a single call session as returned by command endpoints.
type Session struct {
	SessionID     string `json:"session_id"`
	DialogID      string `json:"dialog_id"`
	Direction     string `json:"direction"`
	State         string `json:"state"`
	Media         Media  `json:"media"`
	Primary       bool   `json:"primary"`
	ParentID      string `json:"parent_id,omitempty"`
	ClientID      string `json:"client_id,omitempty"`
	ClientName    string `json:"client_name,omitempty"`
	ClientNumber  string `json:"client_number,omitempty"`
	DealerChannel string `json:"dealer_channel,omitempty"`
	Cause         string `json:"cause,omitempty"`
	Reason        string `json:"reason,omitempty"`
	CreatedAt     string `json:"created_at"`
}

// ServerCall is a switch record with no local call.
type ServerCall struct {
	UniqueCallIdentifier string `json:"unique_call_identifier"`
	CallStatus           string `json:"call_status"`
	CallType             string `json:"call_type,omitempty"`
	AgentID              string `json:"agent_id,omitempty"`
	ClientName           string `json:"client_name,omitempty"`
	ClientNumber         string `json:"client_number,omitempty"`
	BranchName           string `json:"branch_name,omitempty"`
	DealerChannel        string `json:"dealer_channel,omitempty"`
	Reason               string `json:"reason"`
	At                   string `json:"at"`
}

// CallRequest is the body of POST /api/v1/calls.
type CallRequest struct {
	Target        string            `json:"target"`
	Headers       map[string]string `json:"headers,omitempty"`
	ClientID      string            `json:"client_id,omitempty"`
	ClientName    string            `json:"client_name,omitempty"`
	ClientNumber  string            `json:"client_number,omitempty"`
	DealerChannel string            `json:"dealer_channel,omitempty"`
}

// TargetRequest is the body of the conference and transfer endpoints.
type TargetRequest struct {
	Target string `json:"target"`
}

// PresenceRequest is the body of POST /api/v1/presence.
type PresenceRequest struct {
	Present bool `json:"present"`
}

// AudioOutputRequest is the body of POST /api/v1/audio/output.
type AudioOutputRequest struct {
	DeviceID string `json:"device_id"`
}

// TransportResponse reports the transport state after a transport command.
type TransportResponse struct {
	State string `json:"state"`
}

// LogLevel is the body and response of the log level endpoints.
type LogLevel struct {
	Level string `json:"level"`
}

// Stream message types.
const (
	StreamView       = "view"
	StreamServerCall = "server_call"
	StreamEffect     = "effect"
)

// EffectCommand tells the owning UI to start or stop a device effect.
type EffectCommand struct {
	Effect    string `json:"effect"`
	Action    string `json:"action"`
	SessionID string `json:"session_id"`
	DeviceID  string `json:"device_id,omitempty"`
}

// StreamMessage is one frame on /api/v1/stream.
type StreamMessage struct {
	Type       string         `json:"type"`
	View       *CallView      `json:"view,omitempty"`
	ServerCall *ServerCall    `json:"server_call,omitempty"`
	Effect     *EffectCommand `json:"effect,omitempty"`
}
