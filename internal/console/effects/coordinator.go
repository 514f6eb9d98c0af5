package effects

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/frostbyte73/core"

	"github.com/sebas/callconsole/internal/console/authz"
	"github.com/sebas/callconsole/internal/console/reconcile"
	"github.com/sebas/callconsole/internal/console/session"
)

// DefaultNotifyTimeout bounds a single notifier round trip.
const DefaultNotifyTimeout = 3 * time.Second

// Source yields view subscriptions. *reconcile.Reconciler satisfies it.
type Source interface {
	Subscribe() *reconcile.Subscription
}

// Options configure a Coordinator.
type Options struct {
	Capabilities  authz.Capabilities
	Ringer        Ringer
	Router        AudioRouter
	Notifier      Notifier
	Metrics       Metrics
	NotifyTimeout time.Duration
	// Present starts the coordinator as if the agent is looking at this
	// console, which suppresses push notifications.
	Present bool
}

// lease is an acquired resource that is released exactly once.
type lease struct {
	sessionID string
	released  core.Fuse
	release   func()
}

func (l *lease) Release() bool {
	if l == nil || l.released.IsBroken() {
		return false
	}
	l.released.Break()
	l.release()
	return true
}

// notice tracks one session's push notification. sent is written by the
// dispatched Notify call, acted by the agent; retracted is only touched
// while dispatching.
type notice struct {
	sent      atomic.Bool
	acted     atomic.Bool
	retracted bool
}

// Coordinator is the sole owner of the ringtone, push notifications and
// the audio output route. It reacts to edges between successive views,
// never to a view merely being re-published.
type Coordinator struct {
	caps          authz.Capabilities
	ringer        Ringer
	router        AudioRouter
	notifier      Notifier
	mtr           Metrics
	notifyTimeout time.Duration

	present atomic.Bool
	closed  core.Fuse

	mu      sync.Mutex
	prev    reconcile.View
	// dispatchMu orders notifier round trips. It is taken while holding mu
	// and kept after mu is released, so calls run in decision order
	// without blocking the other entry points.
	dispatchMu sync.Mutex
	ring    *lease
	route   *lease
	rung    map[string]struct{}
	notices map[string]*notice
	device  string
}

// New creates a coordinator. Nil collaborators become no-ops.
func New(opts Options) *Coordinator {
	if opts.Capabilities == nil {
		opts.Capabilities = authz.AllowAll()
	}
	if opts.Ringer == nil {
		opts.Ringer = noopRinger{}
	}
	if opts.Router == nil {
		opts.Router = noopRouter{}
	}
	if opts.Notifier == nil {
		opts.Notifier = NewLogNotifier(nil)
	}
	if opts.Metrics == nil {
		opts.Metrics = noopMetrics{}
	}
	if opts.NotifyTimeout <= 0 {
		opts.NotifyTimeout = DefaultNotifyTimeout
	}
	c := &Coordinator{
		caps:          opts.Capabilities,
		ringer:        opts.Ringer,
		router:        opts.Router,
		notifier:      opts.Notifier,
		mtr:           opts.Metrics,
		notifyTimeout: opts.NotifyTimeout,
		rung:          make(map[string]struct{}),
		notices:       make(map[string]*notice),
	}
	c.present.Store(opts.Present)
	return c
}

// Run applies view updates from src until ctx is done, then releases
// every held resource.
func (c *Coordinator) Run(ctx context.Context, src Source) error {
	sub := src.Subscribe()
	defer c.Close()
	defer sub.Close()

	slog.Info("[Effects] Coordinator started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case u, ok := <-sub.C():
			if !ok {
				return nil
			}
			if u.Kind == reconcile.UpdateView {
				c.Observe(u.View)
			}
		}
	}
}

// Observe applies one view. Views must be passed in version order.
func (c *Coordinator) Observe(v reconcile.View) {
	var ops []func()
	c.mu.Lock()
	defer func() { c.unlockAndDispatch(ops) }()
	if c.closed.IsBroken() {
		return
	}
	if v.Version != 0 && v.Version <= c.prev.Version {
		return
	}

	if v.SessionID != c.prev.SessionID {
		ops = append(ops, c.forgetExcept(v.SessionID)...)
	}

	ringing := isRinging(v)

	// Ringtone: leave the ringing state, then enter it.
	if c.ring != nil && (!ringing || c.ring.sessionID != v.SessionID) {
		c.ring.Release()
		c.ring = nil
	}
	if ringing && c.ring == nil {
		if _, done := c.rung[v.SessionID]; !done {
			c.rung[v.SessionID] = struct{}{}
			c.ring = c.acquireRing(v.SessionID)
		}
	}

	// Push notification: once per incoming session, retracted when the
	// ringing ends unless the agent already acted on it.
	if ringing {
		if _, seen := c.notices[v.SessionID]; !seen {
			n := &notice{}
			c.notices[v.SessionID] = n
			if op := c.notify(v, n); op != nil {
				ops = append(ops, op)
			}
		}
	}
	for id, n := range c.notices {
		if ringing && id == v.SessionID {
			continue
		}
		ops = append(ops, c.retract(id, n))
	}

	// Audio route: applied on entry to Established, dropped on exit.
	established := v.HasCall && v.State == session.StateEstablished
	if c.route != nil && (!established || c.route.sessionID != v.SessionID) {
		c.route.Release()
		c.route = nil
	}
	if established && c.route == nil {
		c.route = c.acquireRoute(v.SessionID)
	}

	c.prev = v
}

// SelectOutputDevice records the agent's device choice and re-applies the
// route if a call is established.
func (c *Coordinator) SelectOutputDevice(deviceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if deviceID == c.device {
		return
	}
	c.device = deviceID
	if c.route == nil || c.closed.IsBroken() {
		return
	}
	c.router.RouteAudio(c.route.sessionID, deviceID)
	c.mtr.EffectFired(EffectAudioRoute, "apply")
	slog.Info("[Effects] Audio output changed", "session", c.route.sessionID, "device", deviceID)
}

// Device returns the selected output device.
func (c *Coordinator) Device() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.device
}

// SetPresent records whether the agent is looking at this console.
func (c *Coordinator) SetPresent(present bool) {
	if c.present.Swap(present) != present {
		slog.Debug("[Effects] Presence changed", "present", present)
	}
}

// NotificationActed marks a notification as handled by the agent, so
// it is not retracted afterwards.
func (c *Coordinator) NotificationActed(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.notices[sessionID]
	if !ok || !n.sent.Load() {
		return false
	}
	n.acted.Store(true)
	return true
}

// Close releases the ringtone, pending notifications and the audio route.
// Later views are ignored.
func (c *Coordinator) Close() {
	var ops []func()
	c.mu.Lock()
	defer func() { c.unlockAndDispatch(ops) }()
	if c.closed.IsBroken() {
		return
	}
	c.closed.Break()

	if c.ring.Release() {
		slog.Info("[Effects] Ringtone released on teardown", "session", c.ring.sessionID)
	}
	c.ring = nil
	for id, n := range c.notices {
		ops = append(ops, c.retract(id, n))
	}
	if c.route.Release() {
		slog.Info("[Effects] Audio route released on teardown", "session", c.route.sessionID)
	}
	c.route = nil
	slog.Info("[Effects] Coordinator stopped")
}

func (c *Coordinator) acquireRing(sessionID string) *lease {
	c.ringer.StartRing(sessionID)
	c.mtr.EffectFired(EffectRingtone, "start")
	slog.Info("[Effects] Ringtone started", "session", sessionID)
	return &lease{sessionID: sessionID, release: func() {
		c.ringer.StopRing(sessionID)
		c.mtr.EffectFired(EffectRingtone, "stop")
		slog.Info("[Effects] Ringtone stopped", "session", sessionID)
	}}
}

func (c *Coordinator) acquireRoute(sessionID string) *lease {
	c.router.RouteAudio(sessionID, c.device)
	c.mtr.EffectFired(EffectAudioRoute, "apply")
	slog.Info("[Effects] Audio routed", "session", sessionID, "device", c.device)
	return &lease{sessionID: sessionID, release: func() {
		c.router.ReleaseAudio(sessionID)
		c.mtr.EffectFired(EffectAudioRoute, "release")
	}}
}

// unlockAndDispatch releases mu and runs the queued notifier calls in
// order. The caller must hold mu.
func (c *Coordinator) unlockAndDispatch(ops []func()) {
	if len(ops) == 0 {
		c.mu.Unlock()
		return
	}
	c.dispatchMu.Lock()
	c.mu.Unlock()
	defer c.dispatchMu.Unlock()
	for _, op := range ops {
		op()
	}
}

// notify decides whether the session gets a push notification and returns
// the call that sends it, or nil.
func (c *Coordinator) notify(v reconcile.View, n *notice) func() {
	switch {
	case !c.caps.PushEnabled():
		slog.Debug("[Effects] Push notifications not permitted", "session", v.SessionID)
		return nil
	case c.present.Load():
		slog.Debug("[Effects] Agent present, skipping push notification", "session", v.SessionID)
		return nil
	}

	msg := Notification{
		SessionID:     v.SessionID,
		ClientName:    v.ClientName,
		ClientNumber:  v.ClientNumber,
		BranchName:    v.BranchName,
		DealerChannel: v.DealerChannel,
		At:            v.CreatedAt,
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.notifyTimeout)
		defer cancel()
		sent, err := c.notifier.Notify(ctx, msg)
		if err != nil {
			slog.Warn("[Effects] Push notification failed", "session", msg.SessionID, "error", err)
			return
		}
		n.sent.Store(sent)
		if sent {
			c.mtr.EffectFired(EffectNotification, "show")
			slog.Info("[Effects] Push notification sent", "session", msg.SessionID)
		}
	}
}

// retract returns the call that withdraws a sent notification. It checks
// the notice when it runs, after any earlier Notify has finished.
func (c *Coordinator) retract(sessionID string, n *notice) func() {
	return func() {
		if !n.sent.Load() || n.acted.Load() || n.retracted {
			return
		}
		n.retracted = true

		ctx, cancel := context.WithTimeout(context.Background(), c.notifyTimeout)
		defer cancel()
		if err := c.notifier.Retract(ctx, sessionID); err != nil {
			slog.Warn("[Effects] Push notification retract failed", "session", sessionID, "error", err)
			return
		}
		c.mtr.EffectFired(EffectNotification, "clear")
		slog.Info("[Effects] Push notification retracted", "session", sessionID)
	}
}

// forgetExcept drops bookkeeping for sessions other than keep and returns
// the retractions still owed for them.
func (c *Coordinator) forgetExcept(keep string) []func() {
	for id := range c.rung {
		if id != keep {
			delete(c.rung, id)
		}
	}
	var ops []func()
	for id, n := range c.notices {
		if id == keep {
			continue
		}
		ops = append(ops, c.retract(id, n))
		delete(c.notices, id)
	}
	return ops
}

func isRinging(v reconcile.View) bool {
	return v.HasCall && v.Direction == session.Incoming && v.State == session.StateInitial
}
