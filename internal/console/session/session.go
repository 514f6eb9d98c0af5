// Package session implements the per-call local state machine driven by
// signaling callbacks and agent commands.
package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Media is the agent-side media status. Only meaningful while Established.
type Media struct {
	Muted bool `json:"muted"`
	Held  bool `json:"held"`
}

// RemoteParty identifies the other side as reported by signaling headers or
// by the command that placed the call. Any field may be empty.
type RemoteParty struct {
	ClientID      string `json:"clientId,omitempty"`
	ClientName    string `json:"clientName,omitempty"`
	ClientNumber  string `json:"clientNumber,omitempty"`
	DealerChannel string `json:"dealerChannel,omitempty"`
}

// Snapshot is an immutable copy of a session taken under its lock.
type Snapshot struct {
	ID            string
	DialogID      string
	Direction     Direction
	State         State
	Media         Media
	Remote        RemoteParty
	Primary       bool
	ParentID      string
	Cause         Cause
	Reason        string
	Seq           uint64
	CreatedAt     time.Time
	ChangedAt     time.Time
	EstablishedAt time.Time
	TerminatedAt  time.Time
}

// Options configure a new Session.
type Options struct {
	ID        string
	DialogID  string
	Direction Direction
	Remote    RemoteParty
	Primary   bool
	ParentID  string

	// Now defaults to time.Now.
	Now func() time.Time

	// OnChange receives every snapshot in transition order. It is called
	// with the session lock held, so it must not block or call back into
	// the session.
	OnChange func(Snapshot)
}

// Session is one call's local state machine. Safe for concurrent use.
type Session struct {
	mu sync.RWMutex

	id        string
	dialogID  string
	direction Direction
	primary   bool
	parentID  string
	remote    RemoteParty

	state        State
	media        Media
	cause        Cause
	pendingCause Cause
	reason       string
	seq          uint64

	createdAt     time.Time
	changedAt     time.Time
	establishedAt time.Time
	terminatedAt  time.Time

	inflight        int
	hangupRequested bool

	now      func() time.Time
	onChange func(Snapshot)
}

// New creates a session in StateInitial and emits its first snapshot.
func New(opts Options) *Session {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	id := opts.ID
	if id == "" {
		id = "call-" + uuid.New().String()
	}

	s := &Session{
		id:        id,
		dialogID:  opts.DialogID,
		direction: opts.Direction,
		primary:   opts.Primary,
		parentID:  opts.ParentID,
		remote:    opts.Remote,
		state:     StateInitial,
		now:       now,
		onChange:  opts.OnChange,
	}
	s.createdAt = now()
	s.changedAt = s.createdAt

	s.mu.Lock()
	s.emitLocked()
	s.mu.Unlock()

	slog.Debug("[Session] Created", "id", id, "direction", opts.Direction, "primary", opts.Primary)
	return s
}

// ID returns the session identifier
func (s *Session) ID() string { return s.id }

// Direction returns the immutable call direction
func (s *Session) Direction() Direction { return s.direction }

// IsPrimary reports whether this session holds the agent's primary slot.
func (s *Session) IsPrimary() bool { return s.primary }

// ParentID returns the primary session id for a subordinate leg.
func (s *Session) ParentID() string { return s.parentID }

// DialogID returns the signaling stack's dialog identifier
func (s *Session) DialogID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dialogID
}

// State returns the current state
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Media returns the current media flags
func (s *Session) Media() Media {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.media
}

// Snapshot returns a consistent copy of the session
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	return Snapshot{
		ID:            s.id,
		DialogID:      s.dialogID,
		Direction:     s.direction,
		State:         s.state,
		Media:         s.media,
		Remote:        s.remote,
		Primary:       s.primary,
		ParentID:      s.parentID,
		Cause:         s.cause,
		Reason:        s.reason,
		Seq:           s.seq,
		CreatedAt:     s.createdAt,
		ChangedAt:     s.changedAt,
		EstablishedAt: s.establishedAt,
		TerminatedAt:  s.terminatedAt,
	}
}

func (s *Session) emitLocked() {
	s.seq++
	if s.onChange != nil {
		s.onChange(s.snapshotLocked())
	}
}

// Apply fires t using the trigger's default cause.
func (s *Session) Apply(t Trigger) error {
	return s.ApplyWith(t, CauseNone, "")
}

// ApplyWith fires t. A non-None cause overrides the trigger's default, and
// reason is kept as the human readable failure detail. Triggers with no
// edge from the current state return a *TransitionError and leave the
// session untouched.
func (s *Session) ApplyWith(t Trigger, cause Cause, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next, ok := Next(s.direction, s.state, t)
	if !ok {
		return &TransitionError{ID: s.id, Direction: s.direction, From: s.state, Trigger: t}
	}
	if cause == CauseNone {
		cause = defaultCause(t)
	}

	from := s.state
	s.state = next
	s.changedAt = s.now()
	if reason != "" {
		s.reason = reason
	}

	switch next {
	case StateEstablished:
		s.establishedAt = s.changedAt
	case StateTerminating:
		s.pendingCause = cause
	case StateTerminated:
		if t == TriggerConfirmed && s.pendingCause != CauseNone {
			cause = s.pendingCause
		}
		s.cause = cause
		s.terminatedAt = s.changedAt
		s.media = Media{}
	}

	slog.Debug("[Session] Transition", "id", s.id, "from", from, "to", next, "trigger", t)
	s.emitLocked()
	return nil
}

// ForceTerminate moves any non-terminal session straight to Terminated,
// bypassing Terminating. Returns false if the session was already closed.
func (s *Session) ForceTerminate(cause Cause, reason string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.IsTerminal() {
		return false
	}
	from := s.state
	s.state = StateTerminated
	s.cause = cause
	if reason != "" {
		s.reason = reason
	}
	s.changedAt = s.now()
	s.terminatedAt = s.changedAt
	s.media = Media{}
	s.hangupRequested = false

	slog.Info("[Session] Force terminated", "id", s.id, "from", from, "cause", cause, "reason", reason)
	s.emitLocked()
	return true
}

// CheckMedia returns nil when media commands are allowed.
func (s *Session) CheckMedia(op string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.checkMediaLocked(op)
}

func (s *Session) checkMediaLocked(op string) error {
	if s.state != StateEstablished {
		return &StateError{ID: s.id, Op: op, State: s.state}
	}
	return nil
}

// SetMuted records the mute flag. Repeating the current value is a no-op.
func (s *Session) SetMuted(muted bool) error {
	op := "unmute"
	if muted {
		op = "mute"
	}
	return s.updateMedia(op, func(m *Media) { m.Muted = muted })
}

// SetHeld records the hold flag. Repeating the current value is a no-op.
func (s *Session) SetHeld(held bool) error {
	op := "unhold"
	if held {
		op = "hold"
	}
	return s.updateMedia(op, func(m *Media) { m.Held = held })
}

func (s *Session) updateMedia(op string, fn func(*Media)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkMediaLocked(op); err != nil {
		return err
	}
	next := s.media
	fn(&next)
	if next == s.media {
		return nil
	}
	s.media = next
	s.changedAt = s.now()
	s.emitLocked()
	return nil
}

// SetDialogID binds the stack dialog id once.
func (s *Session) SetDialogID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dialogID == "" {
		s.dialogID = id
	}
}

// BeginOp marks an asynchronous command (call, answer, conference) in flight.
func (s *Session) BeginOp() {
	s.mu.Lock()
	s.inflight++
	s.mu.Unlock()
}

// EndOp settles an in-flight command. It returns true exactly once when a
// hangup was recorded while the command was running and the session is
// still open, meaning the caller must apply it now.
func (s *Session) EndOp() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inflight > 0 {
		s.inflight--
	}
	if s.inflight > 0 || !s.hangupRequested {
		return false
	}
	s.hangupRequested = false
	return !s.state.IsTerminal()
}

// DeferHangup records a hangup if a command is in flight. It returns false
// when nothing is in flight and the caller should hang up immediately.
func (s *Session) DeferHangup() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inflight == 0 {
		return false
	}
	s.hangupRequested = true
	return true
}

// HangupPending reports whether a deferred hangup is waiting.
func (s *Session) HangupPending() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hangupRequested
}
