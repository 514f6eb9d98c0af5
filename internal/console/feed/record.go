package feed

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// CallStatus is the switch's business status for a call.
type CallStatus int

const (
	StatusUnknown CallStatus = iota
	StatusIncoming
	StatusAnswered
	StatusHangup
)

// String returns the string representation of the status
func (s CallStatus) String() string {
	switch s {
	case StatusIncoming:
		return "Incoming"
	case StatusAnswered:
		return "Answered"
	case StatusHangup:
		return "Hangup"
	default:
		return "Unknown"
	}
}

// MarshalText implements encoding.TextMarshaler
func (s CallStatus) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText accepts any case; unrecognised values become StatusUnknown.
func (s *CallStatus) UnmarshalText(b []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(b))) {
	case "incoming", "ringing":
		*s = StatusIncoming
	case "answered", "connected":
		*s = StatusAnswered
	case "hangup", "completed", "ended":
		*s = StatusHangup
	default:
		*s = StatusUnknown
	}
	return nil
}

// CallType is the switch's view of the call direction.
type CallType int

const (
	TypeUnknown CallType = iota
	TypeIncoming
	TypeOutgoing
)

// String returns the string representation of the type
func (t CallType) String() string {
	switch t {
	case TypeIncoming:
		return "Incoming"
	case TypeOutgoing:
		return "Outgoing"
	default:
		return "Unknown"
	}
}

// MarshalText implements encoding.TextMarshaler
func (t CallType) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

// UnmarshalText accepts any case; unrecognised values become TypeUnknown.
func (t *CallType) UnmarshalText(b []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(b))) {
	case "incoming", "inbound":
		*t = TypeIncoming
	case "outgoing", "outbound":
		*t = TypeOutgoing
	default:
		*t = TypeUnknown
	}
	return nil
}

// Text is a string field the switch sometimes sends as a number.
type Text string

// UnmarshalJSON accepts a string, a number or null.
func (t *Text) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*t = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*t = Text(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("text field: %w", err)
	}
	*t = Text(n.String())
	return nil
}

// Timestamp is a point in time sent as RFC 3339, epoch milliseconds, an
// empty string or null. The zero value means absent.
type Timestamp struct {
	time.Time
}

// UnmarshalJSON implements json.Unmarshaler
func (ts *Timestamp) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		ts.Time = time.Time{}
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		return ts.parse(strings.TrimSpace(s))
	}
	return ts.parse(string(b))
}

func (ts *Timestamp) parse(s string) error {
	if s == "" {
		ts.Time = time.Time{}
		return nil
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		ts.Time = time.UnixMilli(ms).UTC()
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return fmt.Errorf("timestamp %q: %w", s, err)
	}
	ts.Time = t
	return nil
}

// MarshalJSON renders RFC 3339 or null.
func (ts Timestamp) MarshalJSON() ([]byte, error) {
	if ts.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(ts.Time.Format(time.RFC3339Nano))
}

// CallEventRecord is one point-in-time snapshot of a call as the backend
// switch sees it. A later snapshot for the same identifier replaces every
// earlier one.
type CallEventRecord struct {
	UniqueCallIdentifier string     `json:"uniqueCallIdentifier"`
	CallStatus           CallStatus `json:"callStatus"`
	CallType             CallType   `json:"callType"`
	DealerChannel        Text       `json:"dealerChannel"`
	ClientID             Text       `json:"clientId"`
	ClientName           Text       `json:"clientName"`
	ClientNumber         Text       `json:"clientNumber"`
	BranchName           Text       `json:"branchName"`
	AgentID              Text       `json:"agentId,omitempty"`
	StartTime            Timestamp  `json:"startTime"`
	EndTime              Timestamp  `json:"endTime"`
}

// IsTerminal reports whether the record ends its call.
func (r CallEventRecord) IsTerminal() bool {
	return r.CallStatus == StatusHangup
}

// DecodeRecords parses a feed payload holding a single record, an array
// of records, or an envelope {"data": ...} around either. Records without
// an identifier are dropped.
func DecodeRecords(data []byte) ([]CallEventRecord, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, nil
	}

	if data[0] == '{' {
		var env struct {
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(data, &env); err == nil && len(env.Data) > 0 {
			return DecodeRecords(env.Data)
		}
	}

	var recs []CallEventRecord
	if data[0] == '[' {
		if err := json.Unmarshal(data, &recs); err != nil {
			return nil, fmt.Errorf("decode records: %w", err)
		}
	} else {
		var rec CallEventRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("decode record: %w", err)
		}
		recs = []CallEventRecord{rec}
	}

	out := recs[:0]
	for _, r := range recs {
		if r.UniqueCallIdentifier != "" {
			out = append(out, r)
		}
	}
	return out, nil
}
