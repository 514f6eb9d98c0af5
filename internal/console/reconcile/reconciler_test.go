package reconcile

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sebas/callconsole/internal/console/feed"
	"github.com/sebas/callconsole/internal/console/session"
)

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	c       *fakeClock
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 2, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{c: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()
	for _, t := range due {
		t.f()
	}
}

func (c *fakeClock) active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

type harness struct {
	t     *testing.T
	r     *Reconciler
	clock *fakeClock
	seq   map[string]uint64
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := newFakeClock()
	r := New(Options{Grace: 10 * time.Second, PendingTimeout: 5 * time.Second, Clock: clock})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = r.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return &harness{t: t, r: r, clock: clock, seq: make(map[string]uint64)}
}

func (h *harness) flush() {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.r.Flush(ctx); err != nil {
		h.t.Fatalf("Flush() error = %v", err)
	}
}

// session emits the next snapshot of a primary session.
func (h *harness) session(id string, dir session.Direction, state session.State, remote session.RemoteParty) {
	h.seq[id]++
	h.r.SessionChanged(session.Snapshot{
		ID:        id,
		DialogID:  "dlg-" + id,
		Direction: dir,
		State:     state,
		Remote:    remote,
		Primary:   true,
		Seq:       h.seq[id],
		CreatedAt: h.clock.Now(),
	})
}

func (h *harness) record(rec feed.CallEventRecord) {
	h.r.HandleFeed(feed.Event{Kind: feed.EventSnapshot, Record: rec, At: h.clock.Now()})
}

func (h *harness) feed(kind feed.EventKind) {
	h.r.HandleFeed(feed.Event{Kind: kind, At: h.clock.Now()})
}

func (h *harness) view() View {
	h.t.Helper()
	h.flush()
	return h.r.Current()
}

func (h *harness) establishedBound(id string) {
	h.t.Helper()
	remote := session.RemoteParty{ClientNumber: "+15550100"}
	h.feed(feed.EventConnected)
	h.session(id, session.Incoming, session.StateInitial, remote)
	h.record(feed.CallEventRecord{UniqueCallIdentifier: "sw-" + id, CallStatus: feed.StatusIncoming, ClientNumber: "5550100"})
	h.session(id, session.Incoming, session.StateEstablishing, remote)
	h.session(id, session.Incoming, session.StateEstablished, remote)
	if v := h.view(); v.State != session.StateEstablished || v.Freshness != FreshnessLive {
		h.t.Fatalf("setup view = %v/%v, want Established/Live", v.State, v.Freshness)
	}
}

func TestLastSnapshotWins(t *testing.T) {
	h := newHarness(t)
	h.feed(feed.EventConnected)
	h.session("c1", session.Incoming, session.StateInitial, session.RemoteParty{ClientNumber: "5550100", ClientName: "From SIP"})

	for _, name := range []string{"First", "Second", "Third"} {
		h.record(feed.CallEventRecord{
			UniqueCallIdentifier: "sw-1",
			CallStatus:           feed.StatusAnswered,
			ClientNumber:         "5550100",
			ClientName:           feed.Text(name),
			BranchName:           feed.Text(name + " Branch"),
		})
	}

	v := h.view()
	if v.ClientName != "Third" || v.BranchName != "Third Branch" {
		t.Errorf("business fields = %q/%q, want the last snapshot", v.ClientName, v.BranchName)
	}
	if v.State != session.StateInitial {
		t.Errorf("State = %v, want Initial from the session", v.State)
	}
	if v.CallStatus != feed.StatusAnswered {
		t.Errorf("CallStatus = %v, want Answered", v.CallStatus)
	}
}

func TestIncomingRecordBindsWithoutServerCall(t *testing.T) {
	h := newHarness(t)
	sub := h.r.Subscribe()
	defer sub.Close()

	h.feed(feed.EventConnected)
	remote := session.RemoteParty{ClientNumber: "+1 (555) 0100"}
	h.session("c1", session.Incoming, session.StateInitial, remote)
	h.flush()

	h.clock.Advance(200 * time.Millisecond)
	h.record(feed.CallEventRecord{UniqueCallIdentifier: "sw-1", CallStatus: feed.StatusIncoming, ClientNumber: "5550100", ClientName: "Ada"})

	v := h.view()
	if v.Freshness != FreshnessLive || v.UniqueCallIdentifier != "sw-1" {
		t.Errorf("view = %v/%q, want Live bound to sw-1", v.Freshness, v.UniqueCallIdentifier)
	}
	if v.ClientName != "Ada" {
		t.Errorf("ClientName = %q, want Ada", v.ClientName)
	}

	h.clock.Advance(10 * time.Second)
	h.session("c1", session.Incoming, session.StateEstablishing, remote)
	h.session("c1", session.Incoming, session.StateEstablished, remote)
	if v := h.view(); v.State != session.StateEstablished {
		t.Errorf("State = %v, want Established", v.State)
	}
	if calls := h.r.ServerCalls(); len(calls) != 0 {
		t.Errorf("ServerCalls() = %v, want none", calls)
	}

	timeout := time.After(2 * time.Second)
	for seen := 0; seen < 3; {
		select {
		case u := <-sub.C():
			if u.Kind == UpdateServerCall {
				t.Fatalf("unexpected server-only update %+v", u.Server)
			}
			seen++
		case <-timeout:
			t.Fatal("timed out reading updates")
		}
	}
}

func TestPendingRecordMatchesLaterSession(t *testing.T) {
	h := newHarness(t)
	h.feed(feed.EventConnected)
	h.record(feed.CallEventRecord{UniqueCallIdentifier: "sw-1", CallStatus: feed.StatusIncoming, DealerChannel: "D-9"})
	h.flush()

	h.clock.Advance(time.Second)
	h.session("c1", session.Incoming, session.StateInitial, session.RemoteParty{DealerChannel: "d-9"})

	v := h.view()
	if v.UniqueCallIdentifier != "sw-1" || v.Freshness != FreshnessLive {
		t.Errorf("view = %q/%v, want bound Live", v.UniqueCallIdentifier, v.Freshness)
	}

	h.clock.Advance(10 * time.Second)
	h.flush()
	if calls := h.r.ServerCalls(); len(calls) != 0 {
		t.Errorf("ServerCalls() = %v, want none after match", calls)
	}
}

func TestPendingRecordTimesOut(t *testing.T) {
	h := newHarness(t)
	h.feed(feed.EventConnected)
	h.record(feed.CallEventRecord{UniqueCallIdentifier: "sw-1", CallStatus: feed.StatusIncoming, ClientNumber: "5550100"})
	h.flush()

	h.clock.Advance(4 * time.Second)
	h.flush()
	if calls := h.r.ServerCalls(); len(calls) != 0 {
		t.Fatalf("ServerCalls() before timeout = %v", calls)
	}

	h.clock.Advance(2 * time.Second)
	h.flush()
	calls := h.r.ServerCalls()
	if len(calls) != 1 || calls[0].Reason != "unmatched" {
		t.Fatalf("ServerCalls() = %+v, want one unmatched", calls)
	}

	h.record(feed.CallEventRecord{UniqueCallIdentifier: "sw-1", CallStatus: feed.StatusHangup, ClientNumber: "5550100"})
	h.flush()
	if calls := h.r.ServerCalls(); len(calls) != 0 {
		t.Errorf("ServerCalls() after hangup = %v, want none", calls)
	}
}

func TestFleetRecordSurfacesImmediately(t *testing.T) {
	h := newHarness(t)
	sub := h.r.Subscribe()
	defer sub.Close()

	h.feed(feed.EventConnected)
	h.record(feed.CallEventRecord{UniqueCallIdentifier: "sw-7", CallStatus: feed.StatusAnswered, ClientNumber: "5559999"})
	h.flush()

	timeout := time.After(2 * time.Second)
	for {
		select {
		case u := <-sub.C():
			if u.Kind != UpdateServerCall {
				continue
			}
			if u.Server.Record.UniqueCallIdentifier != "sw-7" || u.Server.Reason != "no local call" {
				t.Errorf("server call = %+v", u.Server)
			}
			return
		case <-timeout:
			t.Fatal("no server-only update")
		}
	}
}

func TestStaleAfterGraceWindow(t *testing.T) {
	h := newHarness(t)
	h.establishedBound("c1")

	h.feed(feed.EventDisconnected)
	h.flush()
	h.clock.Advance(9 * time.Second)
	if v := h.view(); v.Freshness != FreshnessLive {
		t.Errorf("Freshness inside grace = %v, want Live", v.Freshness)
	}

	h.clock.Advance(2 * time.Second)
	v := h.view()
	if v.Freshness != FreshnessStale {
		t.Errorf("Freshness past grace = %v, want Stale", v.Freshness)
	}
	if v.State != session.StateEstablished || !v.CallActive {
		t.Errorf("view = %v active=%v, want Established and active", v.State, v.CallActive)
	}
	if v.ClientNumber != "+15550100" {
		t.Errorf("ClientNumber = %q, want signaling value once stale", v.ClientNumber)
	}

	h.feed(feed.EventConnected)
	if v := h.view(); v.Freshness != FreshnessStale {
		t.Errorf("Freshness after reconnect = %v, want Stale until a snapshot", v.Freshness)
	}
	h.record(feed.CallEventRecord{UniqueCallIdentifier: "sw-c1", CallStatus: feed.StatusAnswered, ClientNumber: "5550100"})
	if v := h.view(); v.Freshness != FreshnessLive {
		t.Errorf("Freshness after snapshot = %v, want Live", v.Freshness)
	}
}

func TestStaleFallsBackToSignalingParty(t *testing.T) {
	h := newHarness(t)
	remote := session.RemoteParty{ClientNumber: "+15550100", ClientName: "From SIP"}
	h.feed(feed.EventConnected)
	h.session("c1", session.Incoming, session.StateInitial, remote)
	h.record(feed.CallEventRecord{
		UniqueCallIdentifier: "sw-c1",
		CallStatus:           feed.StatusIncoming,
		ClientNumber:         "5550100",
		ClientName:           "From Switch",
		ClientID:             "cl-7",
	})
	h.session("c1", session.Incoming, session.StateEstablishing, remote)
	h.session("c1", session.Incoming, session.StateEstablished, remote)

	v := h.view()
	if v.ClientName != "From Switch" || v.ClientNumber != "5550100" {
		t.Fatalf("live view = %q/%q, want switch values", v.ClientName, v.ClientNumber)
	}

	h.feed(feed.EventDisconnected)
	h.flush()
	h.clock.Advance(11 * time.Second)

	v = h.view()
	if v.Freshness != FreshnessStale {
		t.Fatalf("Freshness = %v, want Stale", v.Freshness)
	}
	if v.ClientName != "From SIP" {
		t.Errorf("ClientName = %q, want From SIP", v.ClientName)
	}
	if v.ClientNumber != "+15550100" {
		t.Errorf("ClientNumber = %q, want +15550100", v.ClientNumber)
	}
	if v.ClientID != "cl-7" {
		t.Errorf("ClientID = %q, want record value where headers are empty", v.ClientID)
	}
}

func TestUnavailableWithoutRecord(t *testing.T) {
	h := newHarness(t)
	remote := session.RemoteParty{ClientNumber: "100"}
	h.session("c1", session.Outgoing, session.StateInitial, remote)
	h.session("c1", session.Outgoing, session.StateEstablishing, remote)
	h.session("c1", session.Outgoing, session.StateEstablished, remote)
	h.flush()
	h.clock.Advance(time.Minute)

	v := h.view()
	if v.Freshness != FreshnessUnavailable {
		t.Errorf("Freshness = %v, want Unavailable", v.Freshness)
	}
	if v.ClientNumber != "100" {
		t.Errorf("ClientNumber = %q, want signaling fallback", v.ClientNumber)
	}
}

func TestGraceTimerClearedOnTerminated(t *testing.T) {
	h := newHarness(t)
	h.establishedBound("c1")

	h.feed(feed.EventDisconnected)
	h.flush()
	if h.clock.active() != 1 {
		t.Fatalf("active timers = %d, want 1 grace timer", h.clock.active())
	}

	h.session("c1", session.Incoming, session.StateTerminating, session.RemoteParty{ClientNumber: "+15550100"})
	h.session("c1", session.Incoming, session.StateTerminated, session.RemoteParty{ClientNumber: "+15550100"})
	h.flush()
	if n := h.clock.active(); n != 0 {
		t.Errorf("active timers after Terminated = %d, want 0", n)
	}

	h.clock.Advance(time.Minute)
	if v := h.view(); v.Freshness != FreshnessLive || v.CallActive {
		t.Errorf("view = %v active=%v, want Live and inactive", v.Freshness, v.CallActive)
	}
}

func TestRecordNeverDrivesState(t *testing.T) {
	h := newHarness(t)
	h.establishedBound("c1")

	h.record(feed.CallEventRecord{UniqueCallIdentifier: "sw-c1", CallStatus: feed.StatusHangup, ClientNumber: "5550100"})
	v := h.view()
	if v.State != session.StateEstablished || !v.CallActive {
		t.Errorf("view = %v active=%v, want Established and active", v.State, v.CallActive)
	}
	if v.CallStatus != feed.StatusHangup {
		t.Errorf("CallStatus = %v, want Hangup", v.CallStatus)
	}
}

func TestConferenceLegsAndFailure(t *testing.T) {
	h := newHarness(t)
	remote := session.RemoteParty{ClientNumber: "100"}
	h.session("c1", session.Outgoing, session.StateInitial, remote)
	h.session("c1", session.Outgoing, session.StateEstablishing, remote)
	h.session("c1", session.Outgoing, session.StateEstablished, remote)
	h.r.SessionChanged(session.Snapshot{
		ID: "leg1", Direction: session.Outgoing, State: session.StateEstablishing,
		ParentID: "c1", Seq: 1, Remote: session.RemoteParty{ClientNumber: "200"},
	})

	v := h.view()
	if v.SessionID != "c1" {
		t.Errorf("SessionID = %q, want the primary", v.SessionID)
	}
	if len(v.ConferenceLegs) != 1 || v.ConferenceLegs[0].ClientNumber != "200" {
		t.Errorf("ConferenceLegs = %+v", v.ConferenceLegs)
	}

	h.seq["c1"]++
	h.r.SessionChanged(session.Snapshot{
		ID: "c1", Direction: session.Outgoing, State: session.StateTerminated, Primary: true,
		Seq: h.seq["c1"], Remote: remote, Cause: session.CauseTransportLost, Reason: "network down",
	})
	v = h.view()
	if v.CallActive || v.FailureReason != "network down" {
		t.Errorf("view active=%v failure=%q, want inactive with reason", v.CallActive, v.FailureReason)
	}
}

func TestOutOfOrderSessionSnapshotIgnored(t *testing.T) {
	h := newHarness(t)
	remote := session.RemoteParty{}
	h.r.SessionChanged(session.Snapshot{ID: "c1", Primary: true, State: session.StateEstablished, Seq: 3, Remote: remote})
	h.r.SessionChanged(session.Snapshot{ID: "c1", Primary: true, State: session.StateEstablishing, Seq: 2, Remote: remote})
	if v := h.view(); v.State != session.StateEstablished {
		t.Errorf("State = %v, want Established", v.State)
	}
}

func TestSubscribeStartsWithCurrentView(t *testing.T) {
	h := newHarness(t)
	h.session("c1", session.Incoming, session.StateInitial, session.RemoteParty{})
	want := h.view()

	sub := h.r.Subscribe()
	defer sub.Close()
	select {
	case u := <-sub.C():
		if u.Kind != UpdateView || u.View.Version != want.Version {
			t.Errorf("first update = %v v%d, want view v%d", u.Kind, u.View.Version, want.Version)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no initial update")
	}
}

func TestSameNumber(t *testing.T) {
	tests := []struct {
		a, b string
		want bool
	}{
		{"+1 555 0100", "15550100", true},
		{"+15550100", "5550100", true},
		{"100", "2100", false},
		{"", "", false},
		{"5550100", "5550101", false},
	}
	for _, tt := range tests {
		if got := sameNumber(tt.a, tt.b); got != tt.want {
			t.Errorf("sameNumber(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}
