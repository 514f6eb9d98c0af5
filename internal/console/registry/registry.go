// Package registry owns the signaling transport lifecycle and the set of
// live call sessions. It is the only component that issues signaling
// commands, and the only place the primary-call slot is assigned.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sebas/callconsole/internal/console/authz"
	"github.com/sebas/callconsole/internal/console/session"
	"github.com/sebas/callconsole/internal/console/signaling"
	"github.com/sebas/callconsole/internal/store"
)

// Defaults for Options fields left zero.
const (
	DefaultRetention    = 30 * time.Second
	DefaultOpTimeout    = 45 * time.Second
	DefaultReconnectMin = time.Second
	DefaultReconnectMax = 30 * time.Second

	sweepInterval = 5 * time.Second
)

// Observer receives every session snapshot in transition order. It is
// called from inside the session's update path and must not block or call
// back into the registry.
type Observer interface {
	SessionChanged(snap session.Snapshot)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(session.Snapshot)

// SessionChanged implements Observer
func (f ObserverFunc) SessionChanged(snap session.Snapshot) { f(snap) }

// Metrics is the registry's instrumentation hook.
type Metrics interface {
	CallStarted(dir session.Direction)
	CallEnded(dir session.Direction, cause session.Cause)
	CommandResult(cmd string, err error)
	TransportChanged(state TransportState)
}

type noopMetrics struct{}

func (noopMetrics) CallStarted(session.Direction)             {}
func (noopMetrics) CallEnded(session.Direction, session.Cause) {}
func (noopMetrics) CommandResult(string, error)                {}
func (noopMetrics) TransportChanged(TransportState)            {}

// Options configure a Registry.
type Options struct {
	Capabilities authz.Capabilities
	Metrics      Metrics

	// Retention keeps terminated sessions addressable so late commands
	// get ErrSessionClosed rather than ErrNotFound.
	Retention time.Duration

	// OpTimeout bounds negotiations that outlive the caller's request.
	OpTimeout time.Duration

	ReconnectMin time.Duration
	ReconnectMax time.Duration

	Now func() time.Time
}

// CallRequest describes an outbound call.
type CallRequest struct {
	Target  string
	Headers map[string]string
	// Remote overrides what would be parsed from Headers.
	Remote session.RemoteParty
}

// Registry is the agent's session registry. Safe for concurrent use.
type Registry struct {
	stack signaling.Stack
	caps  authz.Capabilities
	mtr   Metrics
	now   func() time.Time

	retention    time.Duration
	opTimeout    time.Duration
	reconnectMin time.Duration
	reconnectMax time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	sessions *store.TTLStore[string, *session.Session]

	mu             sync.Mutex
	dialogs        map[string]string // dialog id -> session id
	primaryID      string
	transport      TransportState
	wantRegistered bool
	reconnecting   bool
	kick           chan struct{}
	onTransport    []func(TransportState)

	obsMu     sync.RWMutex
	observers []Observer
}

var _ signaling.Handler = (*Registry)(nil)

// New creates a registry and installs it as the stack's handler.
func New(stack signaling.Stack, opts Options) *Registry {
	if opts.Capabilities == nil {
		opts.Capabilities = authz.AllowAll()
	}
	if opts.Metrics == nil {
		opts.Metrics = noopMetrics{}
	}
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = DefaultOpTimeout
	}
	if opts.ReconnectMin <= 0 {
		opts.ReconnectMin = DefaultReconnectMin
	}
	if opts.ReconnectMax < opts.ReconnectMin {
		opts.ReconnectMax = max(DefaultReconnectMax, opts.ReconnectMin)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		stack:        stack,
		caps:         opts.Capabilities,
		mtr:          opts.Metrics,
		now:          opts.Now,
		retention:    opts.Retention,
		opTimeout:    opts.OpTimeout,
		reconnectMin: opts.ReconnectMin,
		reconnectMax: opts.ReconnectMax,
		ctx:          ctx,
		cancel:       cancel,
		dialogs:      make(map[string]string),
		kick:         make(chan struct{}, 1),
	}
	r.sessions = store.NewTTLStore(sweepInterval,
		store.WithClock[string, *session.Session](opts.Now),
		store.WithEvict(func(id string, s *session.Session) {
			slog.Debug("[Registry] Session evicted", "id", id, "state", s.State())
		}),
	)
	stack.SetHandler(r)
	return r
}

// Subscribe adds an observer. Observers added before the first session is
// created see every snapshot.
func (r *Registry) Subscribe(o Observer) {
	r.obsMu.Lock()
	r.observers = append(r.observers, o)
	r.obsMu.Unlock()
}

// OnTransportChange registers fn for transport state changes.
func (r *Registry) OnTransportChange(fn func(TransportState)) {
	r.mu.Lock()
	r.onTransport = append(r.onTransport, fn)
	r.mu.Unlock()
}

func (r *Registry) publish(snap session.Snapshot) {
	if snap.Seq == 1 {
		r.mtr.CallStarted(snap.Direction)
	}
	if snap.State == session.StateTerminated {
		r.mtr.CallEnded(snap.Direction, snap.Cause)
	}

	r.obsMu.RLock()
	defer r.obsMu.RUnlock()
	for _, o := range r.observers {
		o.SessionChanged(snap)
	}
}

// opContext detaches a negotiation from the caller. A cancelled HTTP
// request must not abort an INVITE or ACK wait halfway through.
func (r *Registry) opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.ctx, r.opTimeout)
}

func (r *Registry) observe(cmd string, err *error) {
	r.mtr.CommandResult(cmd, *err)
	if *err != nil {
		slog.Debug("[Registry] Command failed", "cmd", cmd, "error", *err)
	}
}

// --- Transport lifecycle ---

// Transport returns the current transport state.
func (r *Registry) Transport() TransportState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.transport
}

func (r *Registry) setTransport(state TransportState) {
	r.mu.Lock()
	if r.transport == state {
		r.mu.Unlock()
		return
	}
	from := r.transport
	r.transport = state
	fns := slices.Clone(r.onTransport)
	r.mu.Unlock()

	slog.Info("[Registry] Transport state changed", "from", from, "to", state)
	r.mtr.TransportChanged(state)
	for _, fn := range fns {
		fn(state)
	}
}

// Register registers the signaling transport. Registering twice is a no-op.
func (r *Registry) Register(ctx context.Context) (err error) {
	defer r.observe("register", &err)

	r.mu.Lock()
	r.wantRegistered = true
	if r.transport == TransportRegistered || r.transport == TransportRegistering {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	r.setTransport(TransportRegistering)
	if err := r.stack.Register(ctx); err != nil {
		r.mu.Lock()
		r.wantRegistered = false
		r.mu.Unlock()
		r.setTransport(TransportUnregistered)
		return fmt.Errorf("register transport: %w", err)
	}
	r.setTransport(TransportRegistered)
	return nil
}

// Unregister force-terminates every session and then releases the
// registration. It runs on every shutdown path and never fails halfway:
// the sessions are closed even if the network unregister fails.
func (r *Registry) Unregister(ctx context.Context) (err error) {
	defer r.observe("unregister", &err)

	r.mu.Lock()
	r.wantRegistered = false
	r.mu.Unlock()

	r.teardown(session.CauseShutdown, "transport unregistered")
	err = r.stack.Unregister(ctx)
	r.setTransport(TransportUnregistered)
	if err != nil {
		return fmt.Errorf("unregister transport: %w", err)
	}
	return nil
}

// Disconnect is Unregister followed by closing the stack. The registry
// cannot be used afterwards.
func (r *Registry) Disconnect(ctx context.Context) error {
	err := r.Unregister(ctx)
	r.cancel()
	r.sessions.Close()
	if cerr := r.stack.Close(); cerr != nil && err == nil {
		err = fmt.Errorf("close stack: %w", cerr)
	}
	slog.Info("[Registry] Disconnected")
	return err
}

// teardown moves every non-terminated session straight to Terminated.
func (r *Registry) teardown(cause session.Cause, reason string) {
	var live []*session.Session
	r.sessions.ForEach(func(_ string, s *session.Session) bool {
		if !s.State().IsTerminal() {
			live = append(live, s)
		}
		return true
	})

	for _, s := range live {
		if s.ForceTerminate(cause, reason) {
			r.stack.Drop(s.DialogID())
		}
		r.settle(s)
	}
	if len(live) > 0 {
		slog.Info("[Registry] Sessions torn down", "count", len(live), "cause", cause)
	}
}

func (r *Registry) startReconnect() {
	r.mu.Lock()
	if r.reconnecting || !r.wantRegistered || r.ctx.Err() != nil {
		r.mu.Unlock()
		return
	}
	r.reconnecting = true
	r.mu.Unlock()

	go r.reconnectLoop()
}

func (r *Registry) reconnectLoop() {
	defer func() {
		r.mu.Lock()
		r.reconnecting = false
		r.mu.Unlock()
	}()

	backoff := r.reconnectMin
	timer := time.NewTimer(backoff)
	defer timer.Stop()

	for attempt := 1; ; attempt++ {
		select {
		case <-r.ctx.Done():
			return
		case <-timer.C:
		case <-r.kick:
		}

		r.mu.Lock()
		want := r.wantRegistered
		r.mu.Unlock()
		if !want {
			return
		}

		r.setTransport(TransportRegistering)
		ctx, cancel := r.opContext()
		err := r.stack.Register(ctx)
		cancel()
		if err == nil {
			r.setTransport(TransportRegistered)
			slog.Info("[Registry] Re-registered", "attempt", attempt)
			return
		}

		r.setTransport(TransportDisconnected)
		backoff = min(backoff*2, r.reconnectMax)
		slog.Warn("[Registry] Re-register failed", "attempt", attempt, "retry_in", backoff, "error", err)
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(backoff)
	}
}

// --- Lookup ---

func (r *Registry) lookup(id string) (*session.Session, error) {
	s, ok := r.sessions.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s, nil
}

func (r *Registry) byDialog(dialogID string) (*session.Session, bool) {
	r.mu.Lock()
	id, ok := r.dialogs[dialogID]
	r.mu.Unlock()
	if !ok {
		return nil, false
	}
	return r.sessions.Get(id)
}

// Get returns a session snapshot by id.
func (r *Registry) Get(id string) (session.Snapshot, error) {
	s, err := r.lookup(id)
	if err != nil {
		return session.Snapshot{}, err
	}
	return s.Snapshot(), nil
}

// Primary returns the primary session, if one is still held.
func (r *Registry) Primary() (session.Snapshot, bool) {
	r.mu.Lock()
	id := r.primaryID
	r.mu.Unlock()
	if id == "" {
		return session.Snapshot{}, false
	}
	s, ok := r.sessions.Get(id)
	if !ok {
		return session.Snapshot{}, false
	}
	return s.Snapshot(), true
}

// Sessions returns snapshots of every retained session.
func (r *Registry) Sessions() []session.Snapshot {
	var out []session.Snapshot
	r.sessions.ForEach(func(_ string, s *session.Session) bool {
		out = append(out, s.Snapshot())
		return true
	})
	return out
}

// primaryBusyLocked reports whether the primary slot is held by a
// session that has not terminated. Caller holds r.mu.
func (r *Registry) primaryBusyLocked() bool {
	if r.primaryID == "" {
		return false
	}
	s, ok := r.sessions.Get(r.primaryID)
	return ok && !s.State().IsTerminal()
}

// createLocked builds and stores a session. Caller holds r.mu.
func (r *Registry) createLocked(opts session.Options) *session.Session {
	opts.Now = r.now
	opts.OnChange = r.publish
	s := session.New(opts)
	r.sessions.Set(s.ID(), s, 0)
	r.dialogs[opts.DialogID] = s.ID()
	if opts.Primary {
		r.primaryID = s.ID()
	}
	return s
}

// settle does the bookkeeping for a session that reached Terminated: it
// frees the dialog mapping and the primary slot, starts the retention
// clock, and hangs up conference legs of a finished primary. It must run
// outside the session lock, after every command and event.
func (r *Registry) settle(s *session.Session) {
	if s.State() != session.StateTerminated {
		return
	}

	id := s.ID()
	dialogID := s.DialogID()

	r.mu.Lock()
	first := r.dialogs[dialogID] == id
	if first {
		delete(r.dialogs, dialogID)
	}
	wasPrimary := r.primaryID == id
	if wasPrimary {
		r.primaryID = ""
	}
	r.mu.Unlock()

	if !first {
		return
	}
	r.sessions.Set(id, s, r.retention)

	if !wasPrimary {
		return
	}
	var legs []*session.Session
	r.sessions.ForEach(func(_ string, leg *session.Session) bool {
		if leg.ParentID() == id && !leg.State().IsTerminal() {
			legs = append(legs, leg)
		}
		return true
	})
	for _, leg := range legs {
		go func() {
			ctx, cancel := r.opContext()
			defer cancel()
			if err := r.hangupNow(ctx, leg); err != nil {
				slog.Warn("[Registry] Conference leg hangup failed", "id", leg.ID(), "error", err)
			}
		}()
	}
}

// --- Commands ---

// Call places an outbound call and returns once the invite is dispatched.
func (r *Registry) Call(ctx context.Context, req CallRequest) (snap session.Snapshot, err error) {
	defer r.observe("call", &err)

	if !r.caps.CallingEnabled() {
		return session.Snapshot{}, fmt.Errorf("call: %w", ErrNotPermitted)
	}
	remote := req.Remote
	if remote == (session.RemoteParty{}) {
		remote, _ = signaling.ParseRemoteParty(signaling.Headers(req.Headers), req.Target)
	}

	r.mu.Lock()
	if r.transport != TransportRegistered {
		r.mu.Unlock()
		return session.Snapshot{}, fmt.Errorf("call %s: %w", req.Target, ErrTransportNotRegistered)
	}
	if r.primaryBusyLocked() {
		r.mu.Unlock()
		return session.Snapshot{}, fmt.Errorf("call %s: %w", req.Target, ErrBusy)
	}
	s := r.createLocked(session.Options{
		DialogID:  uuid.New().String(),
		Direction: session.Outgoing,
		Remote:    remote,
		Primary:   true,
	})
	s.BeginOp()
	r.mu.Unlock()

	slog.Info("[Registry] Placing call", "id", s.ID(), "target", req.Target)
	if err := r.invite(s, req.Target, req.Headers); err != nil {
		return s.Snapshot(), fmt.Errorf("call %s: %w", req.Target, err)
	}
	return s.Snapshot(), nil
}

// invite dispatches an outbound INVITE for s and applies any hangup the
// agent issued while it was in flight. The caller has already called
// BeginOp so that a hangup racing session creation is deferred too.
func (r *Registry) invite(s *session.Session, target string, headers map[string]string) error {
	ctx, cancel := r.opContext()
	err := r.stack.Invite(ctx, signaling.InviteRequest{
		DialogID: s.DialogID(),
		Target:   target,
		Headers:  headers,
	})
	cancel()

	if err != nil {
		s.EndOp()
		if errors.Is(err, signaling.ErrNotRegistered) {
			err = fmt.Errorf("%w: %w", ErrTransportNotRegistered, err)
		}
		s.ForceTerminate(session.CauseError, err.Error())
		r.stack.Drop(s.DialogID())
		r.settle(s)
		return err
	}

	// The answer may already have arrived and moved the session on.
	if s.State() == session.StateInitial {
		_ = s.Apply(session.TriggerInviteDispatched)
	}
	if s.EndOp() {
		r.applyDeferredHangup(s)
	}
	r.settle(s)
	return nil
}

func (r *Registry) applyDeferredHangup(s *session.Session) {
	slog.Info("[Registry] Applying deferred hangup", "id", s.ID(), "state", s.State())
	ctx, cancel := r.opContext()
	defer cancel()
	if err := r.hangupNow(ctx, s); err != nil {
		slog.Warn("[Registry] Deferred hangup failed", "id", s.ID(), "error", err)
	}
}

// Answer accepts an inbound call and returns once the caller acknowledged.
func (r *Registry) Answer(ctx context.Context, id string) (err error) {
	defer r.observe("answer", &err)

	s, err := r.lookup(id)
	if err != nil {
		return err
	}
	s.BeginOp()
	if err := s.Apply(session.TriggerAnswer); err != nil {
		s.EndOp()
		return err
	}

	opCtx, cancel := r.opContext()
	err = r.stack.Accept(opCtx, s.DialogID())
	cancel()

	if err != nil {
		s.EndOp()
		cause := session.CauseError
		if errors.Is(err, signaling.ErrAckTimeout) {
			cause = session.CauseTimeout
		}
		if s.ForceTerminate(cause, err.Error()) {
			r.stack.Drop(s.DialogID())
		}
		r.settle(s)
		return fmt.Errorf("answer %s: %w", id, err)
	}

	ackErr := s.Apply(session.TriggerRemoteAck)
	if s.EndOp() {
		r.applyDeferredHangup(s)
	}
	r.settle(s)
	if ackErr != nil {
		return fmt.Errorf("answer %s: %w", id, ackErr)
	}
	slog.Info("[Registry] Call answered", "id", id)
	return nil
}

// Decline refuses a ringing inbound call.
func (r *Registry) Decline(ctx context.Context, id string) (err error) {
	defer r.observe("decline", &err)

	s, err := r.lookup(id)
	if err != nil {
		return err
	}
	if err := r.decline(ctx, s); err != nil {
		return err
	}
	slog.Info("[Registry] Call declined", "id", id)
	return nil
}

func (r *Registry) decline(ctx context.Context, s *session.Session) error {
	if err := s.Apply(session.TriggerDecline); err != nil {
		return err
	}
	if err := r.stack.Reject(ctx, s.DialogID(), 603, "Decline"); err != nil {
		slog.Warn("[Registry] Reject failed", "id", s.ID(), "error", err)
		r.stack.Drop(s.DialogID())
	}
	r.settle(s)
	return nil
}

// Hangup ends a call in whatever way its state calls for. A hangup
// issued while call, answer or a conference invite is in flight is
// recorded and applied when that operation settles.
func (r *Registry) Hangup(ctx context.Context, id string) (err error) {
	defer r.observe("hangup", &err)

	s, err := r.lookup(id)
	if err != nil {
		return err
	}
	switch s.State() {
	case session.StateTerminated:
		return &session.StateError{ID: id, Op: "hangup", State: session.StateTerminated}
	case session.StateTerminating:
		return nil
	}
	if s.DeferHangup() {
		slog.Info("[Registry] Hangup deferred until operation settles", "id", id)
		return nil
	}
	return r.hangupNow(ctx, s)
}

func (r *Registry) hangupNow(ctx context.Context, s *session.Session) error {
	defer r.settle(s)

	state := s.State()
	switch {
	case state == session.StateInitial && s.Direction() == session.Incoming:
		return r.decline(ctx, s)

	case state == session.StateInitial || (state == session.StateEstablishing && s.Direction() == session.Outgoing):
		if err := s.Apply(session.TriggerCancel); err != nil {
			return err
		}
		if err := r.stack.Cancel(ctx, s.DialogID()); err != nil {
			slog.Warn("[Registry] Cancel failed", "id", s.ID(), "error", err)
			r.stack.Drop(s.DialogID())
		}
		return nil

	case state == session.StateEstablishing:
		if s.ForceTerminate(session.CauseLocalHangup, "") {
			r.stack.Drop(s.DialogID())
		}
		return nil

	case state == session.StateEstablished:
		return r.bye(ctx, s, session.CauseLocalHangup)
	}
	return &session.StateError{ID: s.ID(), Op: "hangup", State: state}
}

// bye runs Established -> Terminating -> Terminated. The local side is
// confirmed even when the BYE fails: the dialog is gone either way.
func (r *Registry) bye(ctx context.Context, s *session.Session, cause session.Cause) error {
	if err := s.ApplyWith(session.TriggerLocalHangup, cause, ""); err != nil {
		return err
	}
	reason := ""
	if err := r.stack.Bye(ctx, s.DialogID()); err != nil {
		slog.Warn("[Registry] BYE failed", "id", s.ID(), "error", err)
		reason = err.Error()
		r.stack.Drop(s.DialogID())
	}
	if err := s.ApplyWith(session.TriggerConfirmed, session.CauseNone, reason); err != nil {
		slog.Debug("[Registry] Hangup already confirmed", "id", s.ID(), "error", err)
	}
	slog.Info("[Registry] Call ended", "id", s.ID(), "cause", cause)
	return nil
}

// Mute sets the agent's microphone state on an Established call.
func (r *Registry) Mute(ctx context.Context, id string, mute bool) (err error) {
	op := "unmute"
	if mute {
		op = "mute"
	}
	defer r.observe(op, &err)

	s, err := r.lookup(id)
	if err != nil {
		return err
	}
	if err := s.CheckMedia(op); err != nil {
		return err
	}
	if s.Media().Muted == mute {
		return nil
	}
	if err := r.stack.Mute(ctx, s.DialogID(), mute); err != nil {
		return fmt.Errorf("%s %s: %w", op, id, err)
	}
	return s.SetMuted(mute)
}

// Hold puts an Established call on or off hold.
func (r *Registry) Hold(ctx context.Context, id string, hold bool) (err error) {
	op := "unhold"
	if hold {
		op = "hold"
	}
	defer r.observe(op, &err)

	s, err := r.lookup(id)
	if err != nil {
		return err
	}
	if err := s.CheckMedia(op); err != nil {
		return err
	}
	if s.Media().Held == hold {
		return nil
	}
	if err := r.stack.Hold(ctx, s.DialogID(), hold); err != nil {
		return fmt.Errorf("%s %s: %w", op, id, err)
	}
	return s.SetHeld(hold)
}

// AttachConferenceLeg invites target as a subordinate leg of the
// Established primary call id.
func (r *Registry) AttachConferenceLeg(ctx context.Context, id, target string) (snap session.Snapshot, err error) {
	defer r.observe("conference", &err)

	if !r.caps.TransferEnabled() {
		return session.Snapshot{}, fmt.Errorf("conference: %w", ErrNotPermitted)
	}

	r.mu.Lock()
	primary, ok := r.sessions.Get(r.primaryID)
	if !ok || r.primaryID == "" || primary.State() != session.StateEstablished {
		r.mu.Unlock()
		return session.Snapshot{}, fmt.Errorf("conference %s: %w", target, ErrNoPrimaryCall)
	}
	if primary.ID() != id {
		r.mu.Unlock()
		return session.Snapshot{}, fmt.Errorf("conference: %w: %s is not the primary call", ErrNotFound, id)
	}
	if r.transport != TransportRegistered {
		r.mu.Unlock()
		return session.Snapshot{}, fmt.Errorf("conference %s: %w", target, ErrTransportNotRegistered)
	}
	remote, _ := signaling.ParseRemoteParty(nil, target)
	leg := r.createLocked(session.Options{
		DialogID:  uuid.New().String(),
		Direction: session.Outgoing,
		Remote:    remote,
		ParentID:  id,
	})
	leg.BeginOp()
	r.mu.Unlock()

	slog.Info("[Registry] Inviting conference leg", "primary", id, "leg", leg.ID(), "target", target)
	if err := r.invite(leg, target, nil); err != nil {
		return leg.Snapshot(), fmt.Errorf("conference %s: %w", target, err)
	}
	return leg.Snapshot(), nil
}

// Transfer blind-transfers the Established primary call to target and
// then hangs up locally.
func (r *Registry) Transfer(ctx context.Context, id, target string) (err error) {
	defer r.observe("transfer", &err)

	if !r.caps.TransferEnabled() {
		return fmt.Errorf("transfer: %w", ErrNotPermitted)
	}
	s, err := r.lookup(id)
	if err != nil {
		return err
	}
	if !s.IsPrimary() {
		return fmt.Errorf("transfer: %w: %s is not the primary call", ErrNotFound, id)
	}
	if err := s.CheckMedia("transfer"); err != nil {
		return err
	}
	if err := r.stack.Refer(ctx, s.DialogID(), target); err != nil {
		return fmt.Errorf("transfer %s to %s: %w", id, target, err)
	}
	slog.Info("[Registry] Call transferred", "id", id, "target", target)
	defer r.settle(s)
	return r.bye(ctx, s, session.CauseTransferred)
}
