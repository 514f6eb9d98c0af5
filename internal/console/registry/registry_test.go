package registry

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sebas/callconsole/internal/console/authz"
	"github.com/sebas/callconsole/internal/console/session"
	"github.com/sebas/callconsole/internal/console/signaling"
)

type recorder struct {
	mu    sync.Mutex
	snaps []session.Snapshot
}

func (r *recorder) SessionChanged(snap session.Snapshot) {
	r.mu.Lock()
	r.snaps = append(r.snaps, snap)
	r.mu.Unlock()
}

func (r *recorder) states(id string) []session.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []session.State
	for _, s := range r.snaps {
		if s.ID == id && (len(out) == 0 || out[len(out)-1] != s.State) {
			out = append(out, s.State)
		}
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func hasOp(stack *signaling.LoopbackStack, prefix string) bool {
	return slices.ContainsFunc(stack.Ops(), func(op string) bool { return strings.HasPrefix(op, prefix) })
}

func newTestRegistry(t *testing.T, opts Options) (*Registry, *signaling.LoopbackStack, *recorder) {
	t.Helper()
	stack := signaling.NewLoopbackStack()
	if opts.ReconnectMin == 0 {
		opts.ReconnectMin = 10 * time.Millisecond
		opts.ReconnectMax = 40 * time.Millisecond
	}
	r := New(stack, opts)
	rec := &recorder{}
	r.Subscribe(rec)
	t.Cleanup(func() { _ = r.Disconnect(context.Background()) })
	return r, stack, rec
}

func registered(t *testing.T, opts Options) (*Registry, *signaling.LoopbackStack, *recorder) {
	t.Helper()
	r, stack, rec := newTestRegistry(t, opts)
	if err := r.Register(context.Background()); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	return r, stack, rec
}

// establishedCall places an outbound call and plays the callee answering.
func establishedCall(t *testing.T, r *Registry, stack *signaling.LoopbackStack) session.Snapshot {
	t.Helper()
	snap, err := r.Call(context.Background(), CallRequest{Target: "+15551234"})
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if !stack.Answer(snap.DialogID) {
		t.Fatalf("Answer(%s) = false", snap.DialogID)
	}
	got, _ := r.Get(snap.ID)
	if got.State != session.StateEstablished {
		t.Fatalf("state = %v, want Established", got.State)
	}
	return got
}

func TestCallRequiresRegistration(t *testing.T) {
	r, _, _ := newTestRegistry(t, Options{})

	_, err := r.Call(context.Background(), CallRequest{Target: "100"})
	if !errors.Is(err, ErrTransportNotRegistered) {
		t.Errorf("Call() error = %v, want ErrTransportNotRegistered", err)
	}
	if n := len(r.Sessions()); n != 0 {
		t.Errorf("sessions = %d, want 0", n)
	}
}

func TestOutgoingCallLifecycle(t *testing.T) {
	r, stack, rec := registered(t, Options{})

	snap, err := r.Call(context.Background(), CallRequest{Target: "+15551234"})
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if snap.State != session.StateEstablishing || snap.Direction != session.Outgoing || !snap.Primary {
		t.Fatalf("Call() snapshot = %+v", snap)
	}
	if snap.Remote.ClientNumber != "+15551234" {
		t.Errorf("ClientNumber = %q, want +15551234", snap.Remote.ClientNumber)
	}

	stack.Answer(snap.DialogID)
	if err := r.Mute(context.Background(), snap.ID, true); err != nil {
		t.Fatalf("Mute() error = %v", err)
	}
	if err := r.Mute(context.Background(), snap.ID, true); err != nil {
		t.Errorf("repeated Mute() error = %v", err)
	}
	if err := r.Hold(context.Background(), snap.ID, true); err != nil {
		t.Fatalf("Hold() error = %v", err)
	}
	got, _ := r.Get(snap.ID)
	if got.Media != (session.Media{Muted: true, Held: true}) {
		t.Errorf("Media = %+v, want muted and held", got.Media)
	}

	if err := r.Hangup(context.Background(), snap.ID); err != nil {
		t.Fatalf("Hangup() error = %v", err)
	}
	got, _ = r.Get(snap.ID)
	if got.State != session.StateTerminated || got.Cause != session.CauseLocalHangup {
		t.Errorf("after Hangup() state = %v cause = %v", got.State, got.Cause)
	}

	want := []session.State{session.StateInitial, session.StateEstablishing, session.StateEstablished,
		session.StateTerminating, session.StateTerminated}
	if got := rec.states(snap.ID); !slices.Equal(got, want) {
		t.Errorf("states = %v, want %v", got, want)
	}
	if _, ok := r.Primary(); ok {
		t.Error("Primary() still held after hangup")
	}
	if !hasOp(stack, "bye "+snap.DialogID) {
		t.Errorf("ops = %v, want bye", stack.Ops())
	}
}

func TestCallBusy(t *testing.T) {
	r, stack, _ := registered(t, Options{})
	establishedCall(t, r, stack)

	if _, err := r.Call(context.Background(), CallRequest{Target: "200"}); !errors.Is(err, ErrBusy) {
		t.Errorf("second Call() error = %v, want ErrBusy", err)
	}

	dialog := stack.RingIn("300", nil)
	waitFor(t, "486 auto-reject", func() bool { return hasOp(stack, "reject "+dialog) })
	if n := len(r.Sessions()); n != 1 {
		t.Errorf("sessions = %d, want 1", n)
	}
}

func TestRemoteRejectEndsCall(t *testing.T) {
	r, stack, _ := registered(t, Options{})

	snap, err := r.Call(context.Background(), CallRequest{Target: "200"})
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	stack.RejectRemote(snap.DialogID, 486, "Busy Here")

	got, _ := r.Get(snap.ID)
	if got.State != session.StateTerminated || got.Cause != session.CauseBusy {
		t.Errorf("state = %v cause = %v, want Terminated Busy", got.State, got.Cause)
	}
	if !strings.Contains(got.Reason, "486") {
		t.Errorf("Reason = %q, want SIP code", got.Reason)
	}
	if _, err := r.Call(context.Background(), CallRequest{Target: "200"}); err != nil {
		t.Errorf("Call() after reject error = %v", err)
	}
}

func TestIncomingAnswerAndRemoteBye(t *testing.T) {
	r, stack, _ := registered(t, Options{})

	dialog := stack.RingIn("5551234", map[string]string{"X-Client-Name": "Ada"})
	snap, ok := r.Primary()
	if !ok {
		t.Fatal("Primary() = false after ring in")
	}
	if snap.Direction != session.Incoming || snap.State != session.StateInitial {
		t.Fatalf("snapshot = %+v", snap)
	}
	if snap.Remote.ClientName != "Ada" || snap.Remote.ClientNumber != "5551234" {
		t.Errorf("Remote = %+v", snap.Remote)
	}

	if err := r.Answer(context.Background(), snap.ID); err != nil {
		t.Fatalf("Answer() error = %v", err)
	}
	stack.HangupRemote(dialog)

	got, _ := r.Get(snap.ID)
	if got.State != session.StateTerminated || got.Cause != session.CauseRemoteHangup {
		t.Errorf("state = %v cause = %v, want Terminated RemoteHangup", got.State, got.Cause)
	}
}

func TestMediaCommandsRequireEstablished(t *testing.T) {
	r, stack, _ := registered(t, Options{})
	stack.RingIn("100", nil)
	snap, _ := r.Primary()

	cmds := map[string]func() error{
		"mute":   func() error { return r.Mute(context.Background(), snap.ID, true) },
		"unmute": func() error { return r.Mute(context.Background(), snap.ID, false) },
		"hold":   func() error { return r.Hold(context.Background(), snap.ID, true) },
		"unhold": func() error { return r.Hold(context.Background(), snap.ID, false) },
	}
	for name, cmd := range cmds {
		if err := cmd(); !errors.Is(err, session.ErrInvalidState) {
			t.Errorf("%s() error = %v, want ErrInvalidState", name, err)
		}
	}
	got, _ := r.Get(snap.ID)
	if got.Media != (session.Media{}) {
		t.Errorf("Media = %+v, want zero", got.Media)
	}
	if hasOp(stack, "mute") || hasOp(stack, "hold") {
		t.Errorf("ops = %v, want no media commands", stack.Ops())
	}
}

func TestUnknownAndClosedSessions(t *testing.T) {
	r, stack, _ := registered(t, Options{})

	if err := r.Answer(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Answer(unknown) error = %v, want ErrNotFound", err)
	}

	stack.RingIn("100", nil)
	snap, _ := r.Primary()
	if err := r.Decline(context.Background(), snap.ID); err != nil {
		t.Fatalf("Decline() error = %v", err)
	}

	if err := r.Answer(context.Background(), snap.ID); !errors.Is(err, session.ErrSessionClosed) {
		t.Errorf("Answer(declined) error = %v, want ErrSessionClosed", err)
	}
	if err := r.Hangup(context.Background(), snap.ID); !errors.Is(err, session.ErrSessionClosed) {
		t.Errorf("Hangup(declined) error = %v, want ErrSessionClosed", err)
	}
	if err := r.Mute(context.Background(), snap.ID, true); !errors.Is(err, session.ErrSessionClosed) {
		t.Errorf("Mute(declined) error = %v, want ErrSessionClosed", err)
	}
}

func TestTerminatedSessionRetention(t *testing.T) {
	now := time.Now()
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	r, stack, _ := registered(t, Options{Now: clock, Retention: time.Minute})

	stack.RingIn("100", nil)
	snap, _ := r.Primary()
	_ = r.Decline(context.Background(), snap.ID)

	mu.Lock()
	now = now.Add(2 * time.Minute)
	mu.Unlock()
	r.sessions.Sweep()

	if err := r.Answer(context.Background(), snap.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Answer() after retention error = %v, want ErrNotFound", err)
	}
}

func TestAttachConferenceLegWithoutPrimary(t *testing.T) {
	r, stack, _ := registered(t, Options{})

	if _, err := r.AttachConferenceLeg(context.Background(), "call-x", "200"); !errors.Is(err, ErrNoPrimaryCall) {
		t.Errorf("AttachConferenceLeg() error = %v, want ErrNoPrimaryCall", err)
	}
	if n := len(r.Sessions()); n != 0 {
		t.Errorf("sessions = %d, want 0", n)
	}

	// A ringing primary is not Established either.
	stack.RingIn("100", nil)
	snap, _ := r.Primary()
	if _, err := r.AttachConferenceLeg(context.Background(), snap.ID, "200"); !errors.Is(err, ErrNoPrimaryCall) {
		t.Errorf("AttachConferenceLeg(ringing) error = %v, want ErrNoPrimaryCall", err)
	}
	if n := len(r.Sessions()); n != 1 {
		t.Errorf("sessions = %d, want 1", n)
	}
}

func TestConferenceLeg(t *testing.T) {
	r, stack, _ := registered(t, Options{})
	primary := establishedCall(t, r, stack)

	if _, err := r.AttachConferenceLeg(context.Background(), "other", "200"); !errors.Is(err, ErrNotFound) {
		t.Errorf("AttachConferenceLeg(other) error = %v, want ErrNotFound", err)
	}

	leg, err := r.AttachConferenceLeg(context.Background(), primary.ID, "200")
	if err != nil {
		t.Fatalf("AttachConferenceLeg() error = %v", err)
	}
	if leg.Primary || leg.ParentID != primary.ID {
		t.Errorf("leg = %+v, want subordinate of %s", leg, primary.ID)
	}
	if cur, _ := r.Primary(); cur.ID != primary.ID {
		t.Errorf("Primary() = %s, want %s", cur.ID, primary.ID)
	}

	stack.Answer(leg.DialogID)
	if err := r.Hangup(context.Background(), primary.ID); err != nil {
		t.Fatalf("Hangup() error = %v", err)
	}
	waitFor(t, "leg hangup", func() bool {
		got, _ := r.Get(leg.ID)
		return got.State == session.StateTerminated
	})
}

func TestConferenceRequiresCapability(t *testing.T) {
	r, stack, _ := registered(t, Options{Capabilities: authz.Static{Calling: true}})
	primary := establishedCall(t, r, stack)

	if _, err := r.AttachConferenceLeg(context.Background(), primary.ID, "200"); !errors.Is(err, ErrNotPermitted) {
		t.Errorf("AttachConferenceLeg() error = %v, want ErrNotPermitted", err)
	}
	if err := r.Transfer(context.Background(), primary.ID, "200"); !errors.Is(err, ErrNotPermitted) {
		t.Errorf("Transfer() error = %v, want ErrNotPermitted", err)
	}
}

func TestTransfer(t *testing.T) {
	r, stack, _ := registered(t, Options{})
	primary := establishedCall(t, r, stack)

	if err := r.Transfer(context.Background(), primary.ID, "300"); err != nil {
		t.Fatalf("Transfer() error = %v", err)
	}
	got, _ := r.Get(primary.ID)
	if got.State != session.StateTerminated || got.Cause != session.CauseTransferred {
		t.Errorf("state = %v cause = %v, want Terminated Transferred", got.State, got.Cause)
	}
	if !hasOp(stack, "refer "+primary.DialogID) {
		t.Errorf("ops = %v, want refer", stack.Ops())
	}
}

func TestUnregisterForceTerminates(t *testing.T) {
	r, stack, rec := registered(t, Options{})
	primary := establishedCall(t, r, stack)

	if err := r.Unregister(context.Background()); err != nil {
		t.Fatalf("Unregister() error = %v", err)
	}

	got, _ := r.Get(primary.ID)
	if got.State != session.StateTerminated || got.Cause != session.CauseShutdown {
		t.Errorf("state = %v cause = %v, want Terminated Shutdown", got.State, got.Cause)
	}
	states := rec.states(primary.ID)
	if slices.Contains(states, session.StateTerminating) {
		t.Errorf("states = %v, want no Terminating", states)
	}
	if r.Transport() != TransportUnregistered {
		t.Errorf("Transport() = %v, want Unregistered", r.Transport())
	}
	if n := stack.Dialogs(); n != 0 {
		t.Errorf("stack dialogs = %d, want 0", n)
	}
}

func TestDeferredHangupDuringAnswer(t *testing.T) {
	r, stack, _ := registered(t, Options{})
	release := stack.HoldAccept()
	defer release()

	stack.RingIn("100", nil)
	snap, _ := r.Primary()

	done := make(chan error, 1)
	go func() { done <- r.Answer(context.Background(), snap.ID) }()
	waitFor(t, "Establishing", func() bool {
		got, _ := r.Get(snap.ID)
		return got.State == session.StateEstablishing
	})

	if err := r.Hangup(context.Background(), snap.ID); err != nil {
		t.Fatalf("Hangup() error = %v", err)
	}
	if got, _ := r.Get(snap.ID); got.State != session.StateEstablishing {
		t.Fatalf("state after deferred Hangup() = %v, want Establishing", got.State)
	}

	release()
	if err := <-done; err != nil {
		t.Fatalf("Answer() error = %v", err)
	}
	got, _ := r.Get(snap.ID)
	if got.State != session.StateTerminated || got.Cause != session.CauseLocalHangup {
		t.Errorf("state = %v cause = %v, want Terminated LocalHangup", got.State, got.Cause)
	}
	if !hasOp(stack, "bye "+snap.DialogID) {
		t.Errorf("ops = %v, want bye", stack.Ops())
	}
}

func TestDeferredHangupDuringCall(t *testing.T) {
	r, stack, _ := registered(t, Options{})
	release := stack.HoldInvite()
	defer release()

	done := make(chan error, 1)
	go func() {
		_, err := r.Call(context.Background(), CallRequest{Target: "200"})
		done <- err
	}()

	var snap session.Snapshot
	waitFor(t, "primary", func() bool {
		var ok bool
		snap, ok = r.Primary()
		return ok
	})
	if err := r.Hangup(context.Background(), snap.ID); err != nil {
		t.Fatalf("Hangup() error = %v", err)
	}

	release()
	if err := <-done; err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	got, _ := r.Get(snap.ID)
	if got.State != session.StateTerminated || got.Cause != session.CauseCancelled {
		t.Errorf("state = %v cause = %v, want Terminated Cancelled", got.State, got.Cause)
	}
	if !hasOp(stack, "cancel "+snap.DialogID) {
		t.Errorf("ops = %v, want cancel", stack.Ops())
	}
}

func TestTransportLossAndReconnect(t *testing.T) {
	r, stack, _ := registered(t, Options{})
	primary := establishedCall(t, r, stack)

	var mu sync.Mutex
	var seen []TransportState
	r.OnTransportChange(func(s TransportState) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	})

	stack.FailRegister(errors.New("registrar unreachable"))
	stack.DropTransport(errors.New("network down"))

	got, _ := r.Get(primary.ID)
	if got.State != session.StateTerminated || got.Cause != session.CauseTransportLost {
		t.Errorf("state = %v cause = %v, want Terminated TransportLost", got.State, got.Cause)
	}
	if got.Reason != "network down" {
		t.Errorf("Reason = %q, want network down", got.Reason)
	}
	if r.Transport() == TransportRegistered {
		t.Error("Transport() = Registered after drop")
	}
	if _, err := r.Call(context.Background(), CallRequest{Target: "200"}); !errors.Is(err, ErrTransportNotRegistered) {
		t.Errorf("Call() while disconnected error = %v, want ErrTransportNotRegistered", err)
	}

	stack.FailRegister(nil)
	stack.RestoreTransport()
	waitFor(t, "re-registration", func() bool { return r.Transport() == TransportRegistered })

	mu.Lock()
	defer mu.Unlock()
	if len(seen) == 0 || seen[0] != TransportDisconnected {
		t.Errorf("transport changes = %v, want Disconnected first", seen)
	}
}

func TestCallingDisabled(t *testing.T) {
	r, stack, _ := registered(t, Options{Capabilities: authz.Static{}})

	if _, err := r.Call(context.Background(), CallRequest{Target: "200"}); !errors.Is(err, ErrNotPermitted) {
		t.Errorf("Call() error = %v, want ErrNotPermitted", err)
	}

	dialog := stack.RingIn("100", nil)
	waitFor(t, "603 auto-reject", func() bool { return hasOp(stack, "reject "+dialog) })
	if _, ok := r.Primary(); ok {
		t.Error("Primary() = true, want no session")
	}
}

func TestErrorCode(t *testing.T) {
	closed := &session.StateError{ID: "s1", Op: "mute", State: session.StateTerminated}
	invalid := &session.StateError{ID: "s1", Op: "mute", State: session.StateInitial}
	tests := []struct {
		err  error
		want string
	}{
		{nil, CodeOK},
		{ErrTransportNotRegistered, CodeTransportNotRegistered},
		{errors.Join(errors.New("call"), ErrBusy), CodeBusy},
		{closed, CodeSessionClosed},
		{invalid, CodeInvalidState},
		{ErrNotFound, CodeNotFound},
		{ErrNoPrimaryCall, CodeNoPrimaryCall},
		{ErrNotPermitted, CodeNotPermitted},
		{errors.New("boom"), CodeInternal},
	}
	for _, tt := range tests {
		if got := ErrorCode(tt.err); got != tt.want {
			t.Errorf("ErrorCode(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
