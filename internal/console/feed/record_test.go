package feed

import (
	"testing"
	"time"
)

func TestDecodeRecordsShapes(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    int
	}{
		{"single", `{"uniqueCallIdentifier":"u1","callStatus":"Incoming"}`, 1},
		{"array", `[{"uniqueCallIdentifier":"u1"},{"uniqueCallIdentifier":"u2"}]`, 2},
		{"envelope", `{"event":"call","data":{"uniqueCallIdentifier":"u1"}}`, 1},
		{"envelope array", `{"data":[{"uniqueCallIdentifier":"u1"}]}`, 1},
		{"missing id dropped", `[{"callStatus":"Hangup"},{"uniqueCallIdentifier":"u2"}]`, 1},
		{"empty", ``, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recs, err := DecodeRecords([]byte(tt.payload))
			if err != nil {
				t.Fatalf("DecodeRecords() error = %v", err)
			}
			if len(recs) != tt.want {
				t.Errorf("DecodeRecords() = %d records, want %d", len(recs), tt.want)
			}
		})
	}
}

func TestDecodeRecordFields(t *testing.T) {
	payload := `{
		"uniqueCallIdentifier": "sw-42",
		"callStatus": "ANSWERED",
		"callType": "outbound",
		"dealerChannel": "D-7",
		"clientId": 1234,
		"clientName": "Ada Lovelace",
		"clientNumber": "+15551234",
		"branchName": null,
		"startTime": 1700000000000,
		"endTime": ""
	}`
	recs, err := DecodeRecords([]byte(payload))
	if err != nil {
		t.Fatalf("DecodeRecords() error = %v", err)
	}
	r := recs[0]

	if r.CallStatus != StatusAnswered {
		t.Errorf("CallStatus = %v, want Answered", r.CallStatus)
	}
	if r.CallType != TypeOutgoing {
		t.Errorf("CallType = %v, want Outgoing", r.CallType)
	}
	if r.ClientID != "1234" {
		t.Errorf("ClientID = %q, want 1234", r.ClientID)
	}
	if r.BranchName != "" {
		t.Errorf("BranchName = %q, want empty", r.BranchName)
	}
	if want := time.UnixMilli(1700000000000).UTC(); !r.StartTime.Equal(want) {
		t.Errorf("StartTime = %v, want %v", r.StartTime, want)
	}
	if !r.EndTime.IsZero() {
		t.Errorf("EndTime = %v, want zero", r.EndTime)
	}
}

func TestTimestampRFC3339(t *testing.T) {
	recs, err := DecodeRecords([]byte(`{"uniqueCallIdentifier":"u","startTime":"2026-03-01T10:00:00Z"}`))
	if err != nil {
		t.Fatalf("DecodeRecords() error = %v", err)
	}
	want := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	if !recs[0].StartTime.Equal(want) {
		t.Errorf("StartTime = %v, want %v", recs[0].StartTime, want)
	}
}

func TestDecodeRecordsBadTimestamp(t *testing.T) {
	if _, err := DecodeRecords([]byte(`{"uniqueCallIdentifier":"u","startTime":"yesterday"}`)); err == nil {
		t.Error("DecodeRecords() error = nil, want timestamp error")
	}
}

func TestUnknownStatusIsTolerated(t *testing.T) {
	recs, err := DecodeRecords([]byte(`{"uniqueCallIdentifier":"u","callStatus":"Parked"}`))
	if err != nil {
		t.Fatalf("DecodeRecords() error = %v", err)
	}
	if recs[0].CallStatus != StatusUnknown || recs[0].IsTerminal() {
		t.Errorf("CallStatus = %v, want Unknown", recs[0].CallStatus)
	}
}
