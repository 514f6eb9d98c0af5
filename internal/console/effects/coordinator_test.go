package effects

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/sebas/callconsole/internal/console/authz"
	"github.com/sebas/callconsole/internal/console/reconcile"
	"github.com/sebas/callconsole/internal/console/session"
)

// sink records every effect in order.
type sink struct {
	mu      sync.Mutex
	events  []string
	claimed bool
	failing bool
}

func (s *sink) add(e string) {
	s.mu.Lock()
	s.events = append(s.events, e)
	s.mu.Unlock()
}

func (s *sink) StartRing(id string)          { s.add("ring " + id) }
func (s *sink) StopRing(id string)           { s.add("unring " + id) }
func (s *sink) RouteAudio(id, device string) { s.add("route " + id + " " + device) }
func (s *sink) ReleaseAudio(id string)       { s.add("unroute " + id) }

func (s *sink) Retract(_ context.Context, id string) error {
	s.add("retract " + id)
	return nil
}

func (s *sink) Notify(_ context.Context, n Notification) (bool, error) {
	if s.failing {
		return false, errors.New("push backend down")
	}
	if s.claimed {
		return false, nil
	}
	s.add("notify " + n.SessionID)
	return true, nil
}

func (s *sink) count(e string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, got := range s.events {
		if got == e {
			n++
		}
	}
	return n
}

func (s *sink) snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.events)
}

type views struct {
	version uint64
}

func (vs *views) next(id string, dir session.Direction, state session.State, name string) reconcile.View {
	vs.version++
	return reconcile.View{
		Version:    vs.version,
		HasCall:    true,
		SessionID:  id,
		Direction:  dir,
		State:      state,
		CallActive: !state.IsTerminal(),
		ClientName: name,
	}
}

func newCoordinator(s *sink, caps authz.Capabilities) *Coordinator {
	return New(Options{Capabilities: caps, Ringer: s, Router: s, Notifier: s})
}

func TestRingtoneFiresOncePerIncomingSession(t *testing.T) {
	s := &sink{}
	c := newCoordinator(s, authz.AllowAll())
	var vs views

	c.Observe(vs.next("c1", session.Incoming, session.StateInitial, ""))
	c.Observe(vs.next("c1", session.Incoming, session.StateInitial, "Ada"))
	c.Observe(vs.next("c1", session.Incoming, session.StateInitial, "Ada Lovelace"))
	c.Observe(vs.next("c1", session.Incoming, session.StateEstablishing, "Ada Lovelace"))
	c.Observe(vs.next("c1", session.Incoming, session.StateEstablished, "Ada Lovelace"))
	c.Observe(vs.next("c1", session.Incoming, session.StateEstablished, "Ada L."))
	c.Observe(vs.next("c1", session.Incoming, session.StateTerminated, "Ada L."))

	want := []string{"ring c1", "notify c1", "unring c1", "retract c1", "route c1 ", "unroute c1"}
	if got := s.snapshot(); !slices.Equal(got, want) {
		t.Errorf("effects = %q, want %q", got, want)
	}
}

func TestRemoteCancelStopsRingtone(t *testing.T) {
	s := &sink{}
	c := newCoordinator(s, authz.AllowAll())
	var vs views

	c.Observe(vs.next("c1", session.Incoming, session.StateInitial, ""))
	c.Observe(vs.next("c1", session.Incoming, session.StateTerminated, ""))
	c.Observe(vs.next("c1", session.Incoming, session.StateTerminated, "late record"))

	if n := s.count("unring c1"); n != 1 {
		t.Errorf("StopRing calls = %d, want 1", n)
	}
	if n := s.count("retract c1"); n != 1 {
		t.Errorf("Retract calls = %d, want 1", n)
	}
	if n := s.count("route c1 "); n != 0 {
		t.Errorf("RouteAudio calls = %d, want 0", n)
	}
}

func TestOutgoingCallNeverRings(t *testing.T) {
	s := &sink{}
	c := newCoordinator(s, authz.AllowAll())
	var vs views

	c.Observe(vs.next("c1", session.Outgoing, session.StateInitial, ""))
	c.Observe(vs.next("c1", session.Outgoing, session.StateEstablishing, ""))
	c.Observe(vs.next("c1", session.Outgoing, session.StateEstablished, ""))

	want := []string{"route c1 "}
	if got := s.snapshot(); !slices.Equal(got, want) {
		t.Errorf("effects = %q, want %q", got, want)
	}
}

func TestNotificationGating(t *testing.T) {
	tests := []struct {
		name    string
		caps    authz.Capabilities
		present bool
	}{
		{"push disabled", authz.Static{Calling: true}, false},
		{"agent present", authz.AllowAll(), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &sink{}
			c := newCoordinator(s, tt.caps)
			c.SetPresent(tt.present)
			var vs views

			c.Observe(vs.next("c1", session.Incoming, session.StateInitial, ""))
			c.Observe(vs.next("c1", session.Incoming, session.StateTerminated, ""))

			if n := s.count("notify c1"); n != 0 {
				t.Errorf("Notify calls = %d, want 0", n)
			}
			if n := s.count("retract c1"); n != 0 {
				t.Errorf("Retract calls = %d, want 0", n)
			}
			if n := s.count("ring c1"); n != 1 {
				t.Errorf("StartRing calls = %d, want 1", n)
			}
		})
	}
}

func TestActedNotificationIsNotRetracted(t *testing.T) {
	s := &sink{}
	c := newCoordinator(s, authz.AllowAll())
	var vs views

	c.Observe(vs.next("c1", session.Incoming, session.StateInitial, ""))
	if !c.NotificationActed("c1") {
		t.Fatal("NotificationActed() = false, want true")
	}
	c.Observe(vs.next("c1", session.Incoming, session.StateEstablishing, ""))

	if n := s.count("retract c1"); n != 0 {
		t.Errorf("Retract calls = %d, want 0", n)
	}
	if c.NotificationActed("unknown") {
		t.Error("NotificationActed(unknown) = true, want false")
	}
}

func TestNotificationClaimedElsewhere(t *testing.T) {
	s := &sink{claimed: true}
	c := newCoordinator(s, authz.AllowAll())
	var vs views

	c.Observe(vs.next("c1", session.Incoming, session.StateInitial, ""))
	c.Observe(vs.next("c1", session.Incoming, session.StateTerminated, ""))

	if n := s.count("retract c1"); n != 0 {
		t.Errorf("Retract calls = %d, want 0 for a claim held elsewhere", n)
	}
}

func TestNotifierFailureDoesNotBlockRingtone(t *testing.T) {
	s := &sink{failing: true}
	c := newCoordinator(s, authz.AllowAll())
	var vs views

	c.Observe(vs.next("c1", session.Incoming, session.StateInitial, ""))
	if n := s.count("ring c1"); n != 1 {
		t.Errorf("StartRing calls = %d, want 1", n)
	}
}

func TestCloseReleasesEverything(t *testing.T) {
	t.Run("ringing", func(t *testing.T) {
		s := &sink{}
		c := newCoordinator(s, authz.AllowAll())
		var vs views
		c.Observe(vs.next("c1", session.Incoming, session.StateInitial, ""))

		c.Close()
		c.Close()
		c.Observe(vs.next("c2", session.Incoming, session.StateInitial, ""))

		want := []string{"ring c1", "notify c1", "unring c1", "retract c1"}
		if got := s.snapshot(); !slices.Equal(got, want) {
			t.Errorf("effects = %q, want %q", got, want)
		}
	})

	t.Run("established", func(t *testing.T) {
		s := &sink{}
		c := newCoordinator(s, authz.AllowAll())
		var vs views
		c.Observe(vs.next("c1", session.Outgoing, session.StateEstablishing, ""))
		c.Observe(vs.next("c1", session.Outgoing, session.StateEstablished, ""))

		c.Close()
		if n := s.count("unroute c1"); n != 1 {
			t.Errorf("ReleaseAudio calls = %d, want 1", n)
		}
	})
}

func TestSelectOutputDevice(t *testing.T) {
	s := &sink{}
	c := newCoordinator(s, authz.AllowAll())
	var vs views

	c.SelectOutputDevice("headset")
	if n := len(s.snapshot()); n != 0 {
		t.Fatalf("effects before a call = %d, want 0", n)
	}

	c.Observe(vs.next("c1", session.Outgoing, session.StateEstablished, ""))
	c.Observe(vs.next("c1", session.Outgoing, session.StateEstablished, "refreshed record"))
	c.SelectOutputDevice("speaker")
	c.SelectOutputDevice("speaker")

	want := []string{"route c1 headset", "route c1 speaker"}
	if got := s.snapshot(); !slices.Equal(got, want) {
		t.Errorf("effects = %q, want %q", got, want)
	}
	if got := c.Device(); got != "speaker" {
		t.Errorf("Device() = %q, want speaker", got)
	}
}

func TestStaleViewVersionIgnored(t *testing.T) {
	s := &sink{}
	c := newCoordinator(s, authz.AllowAll())

	c.Observe(reconcile.View{Version: 2, HasCall: true, SessionID: "c1", Direction: session.Incoming, State: session.StateEstablishing})
	c.Observe(reconcile.View{Version: 1, HasCall: true, SessionID: "c1", Direction: session.Incoming, State: session.StateInitial})

	if n := s.count("ring c1"); n != 0 {
		t.Errorf("StartRing calls = %d, want 0", n)
	}
}

func TestRunFollowsReconciler(t *testing.T) {
	rec := reconcile.New(reconcile.Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = rec.Run(ctx) }()

	s := &sink{}
	c := newCoordinator(s, authz.AllowAll())
	done := make(chan struct{})
	go func() {
		_ = c.Run(ctx, rec)
		close(done)
	}()

	rec.SessionChanged(session.Snapshot{ID: "c1", Direction: session.Incoming, State: session.StateInitial, Primary: true, Seq: 1})
	waitFor(t, func() bool { return s.count("ring c1") == 1 })

	cancel()
	<-done
	if n := s.count("unring c1"); n != 1 {
		t.Errorf("StopRing calls after shutdown = %d, want 1", n)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

// slowNotifier holds Notify until release is closed.
type slowNotifier struct {
	entered chan struct{}
	release chan struct{}
}

func (n *slowNotifier) Notify(ctx context.Context, _ Notification) (bool, error) {
	close(n.entered)
	select {
	case <-n.release:
		return true, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (n *slowNotifier) Retract(context.Context, string) error { return nil }

func TestSlowNotifierDoesNotBlockDeviceSelection(t *testing.T) {
	s := &sink{}
	slow := &slowNotifier{entered: make(chan struct{}), release: make(chan struct{})}
	c := New(Options{Capabilities: authz.AllowAll(), Ringer: s, Router: s, Notifier: slow, NotifyTimeout: 5 * time.Second})
	var vs views

	observed := make(chan struct{})
	go func() {
		c.Observe(vs.next("c1", session.Incoming, session.StateInitial, ""))
		close(observed)
	}()
	<-slow.entered

	done := make(chan struct{})
	go func() {
		c.SelectOutputDevice("headset")
		_ = c.NotificationActed("c1")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("SelectOutputDevice blocked behind a pending push notification")
	}
	if got := c.Device(); got != "headset" {
		t.Errorf("Device() = %q, want headset", got)
	}
	if n := s.count("ring c1"); n != 1 {
		t.Errorf("StartRing calls = %d, want 1", n)
	}

	close(slow.release)
	<-observed
	if !c.NotificationActed("c1") {
		t.Error("NotificationActed() after send = false, want true")
	}
}
