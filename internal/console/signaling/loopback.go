package signaling

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

type loopState int

const (
	loopRinging loopState = iota
	loopConfirmed
	loopEnded
)

type loopDialog struct {
	id       string
	incoming bool
	target   string
	state    loopState
	held     bool
	muted    bool
}

// LoopbackStack is an in-memory Stack. It backs dialer test calls when no
// PBX is configured and lets tests play the remote side.
type LoopbackStack struct {
	mu         sync.Mutex
	handler    Handler
	registered bool
	closed     bool
	dialogs    map[string]*loopDialog
	ops        []string

	registerErr error
	acceptGate  chan struct{}
	inviteGate  chan struct{}
	autoAnswer  time.Duration
}

var _ Stack = (*LoopbackStack)(nil)

// LoopbackOption configures a LoopbackStack.
type LoopbackOption func(*LoopbackStack)

// WithAutoAnswer makes every outbound call answer itself after d.
func WithAutoAnswer(d time.Duration) LoopbackOption {
	return func(s *LoopbackStack) { s.autoAnswer = d }
}

// NewLoopbackStack creates an in-memory stack.
func NewLoopbackStack(opts ...LoopbackOption) *LoopbackStack {
	s := &LoopbackStack{dialogs: make(map[string]*loopDialog)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetHandler implements Stack
func (s *LoopbackStack) SetHandler(h Handler) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

func (s *LoopbackStack) record(op string, args ...any) {
	s.ops = append(s.ops, fmt.Sprint(append([]any{op}, args...)...))
}

// Ops returns the commands issued so far, oldest first.
func (s *LoopbackStack) Ops() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ops...)
}

// FailRegister makes the next Register calls fail with err (nil clears).
func (s *LoopbackStack) FailRegister(err error) {
	s.mu.Lock()
	s.registerErr = err
	s.mu.Unlock()
}

// HoldAccept makes Accept block until the returned func is called.
func (s *LoopbackStack) HoldAccept() (release func()) {
	ch := make(chan struct{})
	s.mu.Lock()
	s.acceptGate = ch
	s.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

// HoldInvite makes Invite block until the returned func is called.
func (s *LoopbackStack) HoldInvite() (release func()) {
	ch := make(chan struct{})
	s.mu.Lock()
	s.inviteGate = ch
	s.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

// Register implements Stack
func (s *LoopbackStack) Register(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.record("register")
	if s.registerErr != nil {
		return s.registerErr
	}
	s.registered = true
	return nil
}

// Unregister implements Stack
func (s *LoopbackStack) Unregister(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("unregister")
	s.registered = false
	return nil
}

// Invite implements Stack
func (s *LoopbackStack) Invite(ctx context.Context, req InviteRequest) error {
	s.mu.Lock()
	if !s.registered {
		s.mu.Unlock()
		return ErrNotRegistered
	}
	s.record("invite", " ", req.DialogID, " ", req.Target)
	s.dialogs[req.DialogID] = &loopDialog{id: req.DialogID, target: req.Target}
	gate := s.inviteGate
	auto := s.autoAnswer
	s.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if auto > 0 {
		go func() {
			time.Sleep(auto)
			s.Answer(req.DialogID)
		}()
	}
	return nil
}

func (s *LoopbackStack) transition(id, op string, from loopState, incoming *bool, to loopState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record(op, " ", id)
	d, ok := s.dialogs[id]
	if !ok {
		return fmt.Errorf("%s %s: %w", op, id, ErrUnknownDialog)
	}
	if d.state != from || (incoming != nil && d.incoming != *incoming) {
		return fmt.Errorf("%s %s: dialog in wrong state", op, id)
	}
	d.state = to
	if to == loopEnded {
		delete(s.dialogs, id)
	}
	return nil
}

// Accept implements Stack
func (s *LoopbackStack) Accept(ctx context.Context, dialogID string) error {
	s.mu.Lock()
	gate := s.acceptGate
	s.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	in := true
	return s.transition(dialogID, "accept", loopRinging, &in, loopConfirmed)
}

// Reject implements Stack
func (s *LoopbackStack) Reject(ctx context.Context, dialogID string, code int, reason string) error {
	in := true
	return s.transition(dialogID, "reject", loopRinging, &in, loopEnded)
}

// Cancel implements Stack
func (s *LoopbackStack) Cancel(ctx context.Context, dialogID string) error {
	out := false
	return s.transition(dialogID, "cancel", loopRinging, &out, loopEnded)
}

// Bye implements Stack
func (s *LoopbackStack) Bye(ctx context.Context, dialogID string) error {
	return s.transition(dialogID, "bye", loopConfirmed, nil, loopEnded)
}

func (s *LoopbackStack) confirmed(op, id string, fn func(*loopDialog)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record(op, " ", id)
	d, ok := s.dialogs[id]
	if !ok {
		return fmt.Errorf("%s %s: %w", op, id, ErrUnknownDialog)
	}
	if d.state != loopConfirmed {
		return fmt.Errorf("%s %s: dialog not confirmed", op, id)
	}
	if fn != nil {
		fn(d)
	}
	return nil
}

// Hold implements Stack
func (s *LoopbackStack) Hold(ctx context.Context, dialogID string, hold bool) error {
	return s.confirmed(fmt.Sprintf("hold=%v", hold), dialogID, func(d *loopDialog) { d.held = hold })
}

// Mute implements Stack
func (s *LoopbackStack) Mute(ctx context.Context, dialogID string, mute bool) error {
	return s.confirmed(fmt.Sprintf("mute=%v", mute), dialogID, func(d *loopDialog) { d.muted = mute })
}

// Refer implements Stack
func (s *LoopbackStack) Refer(ctx context.Context, dialogID, target string) error {
	return s.confirmed("refer", dialogID, nil)
}

// Drop implements Stack
func (s *LoopbackStack) Drop(dialogID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("drop", " ", dialogID)
	delete(s.dialogs, dialogID)
}

// Close implements Stack
func (s *LoopbackStack) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.registered = false
	s.dialogs = make(map[string]*loopDialog)
	return nil
}

func (s *LoopbackStack) currentHandler() Handler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handler
}

// RingIn plays an inbound INVITE and returns its dialog id.
func (s *LoopbackStack) RingIn(fromUser string, headers map[string]string) string {
	id := uuid.New().String()
	s.mu.Lock()
	s.dialogs[id] = &loopDialog{id: id, incoming: true}
	s.mu.Unlock()

	remote, errs := ParseRemoteParty(Headers(headers), fromUser)
	for _, e := range errs {
		slog.Debug("[Loopback] Ignoring header", "dialog_id", id, "error", e)
	}
	if h := s.currentHandler(); h != nil {
		h.OnIncoming(IncomingCall{DialogID: id, From: fromUser, Headers: headers, Remote: remote})
	}
	return id
}

func (s *LoopbackStack) remote(id string, from loopState, to loopState, ev DialogEvent) bool {
	s.mu.Lock()
	d, ok := s.dialogs[id]
	if !ok || d.state != from {
		s.mu.Unlock()
		return false
	}
	d.state = to
	if to == loopEnded {
		delete(s.dialogs, id)
	}
	h := s.handler
	s.mu.Unlock()

	if h != nil {
		h.OnDialogEvent(ev)
	}
	return true
}

// Answer plays the callee answering an outbound call.
func (s *LoopbackStack) Answer(id string) bool {
	return s.remote(id, loopRinging, loopConfirmed, DialogEvent{DialogID: id, Kind: EventRemoteAnswered, Code: 200, Reason: "OK"})
}

// RejectRemote plays the callee refusing an outbound call.
func (s *LoopbackStack) RejectRemote(id string, code int, reason string) bool {
	return s.remote(id, loopRinging, loopEnded, DialogEvent{DialogID: id, Kind: EventRejected, Code: code, Reason: reason})
}

// CancelRemote plays the caller hanging up before answer.
func (s *LoopbackStack) CancelRemote(id string) bool {
	return s.remote(id, loopRinging, loopEnded, DialogEvent{DialogID: id, Kind: EventRemoteCancelled, Code: 487, Reason: "Request Terminated"})
}

// HangupRemote plays the remote party sending BYE.
func (s *LoopbackStack) HangupRemote(id string) bool {
	return s.remote(id, loopConfirmed, loopEnded, DialogEvent{DialogID: id, Kind: EventRemoteBye})
}

// DropTransport plays a network loss.
func (s *LoopbackStack) DropTransport(err error) {
	s.mu.Lock()
	s.registered = false
	h := s.handler
	s.mu.Unlock()
	if h != nil {
		h.OnTransport(false, err)
	}
}

// RestoreTransport plays the network coming back.
func (s *LoopbackStack) RestoreTransport() {
	if h := s.currentHandler(); h != nil {
		h.OnTransport(true, nil)
	}
}

// Dialogs returns the number of live dialogs.
func (s *LoopbackStack) Dialogs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.dialogs)
}
