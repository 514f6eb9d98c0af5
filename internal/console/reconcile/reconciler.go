// Package reconcile merges local call sessions with the switch's call
// records into one view of the current call. All input is serialized
// through a single loop; readers see immutable View copies.
package reconcile

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sebas/callconsole/internal/console/feed"
	"github.com/sebas/callconsole/internal/console/session"
	"github.com/sebas/callconsole/internal/store"
)

// Defaults for Options fields left zero.
const (
	DefaultGrace           = 10 * time.Second
	DefaultPendingTimeout  = 5 * time.Second
	DefaultRecordRetention = 5 * time.Minute

	recordSweepInterval = 30 * time.Second
)

// Metrics is the reconciler's instrumentation hook.
type Metrics interface {
	FeedEvent(kind feed.EventKind)
	FreshnessChanged(f Freshness)
	ServerCall(reason string)
}

type noopMetrics struct{}

func (noopMetrics) FeedEvent(feed.EventKind)   {}
func (noopMetrics) FreshnessChanged(Freshness) {}
func (noopMetrics) ServerCall(string)          {}

// Options configure a Reconciler.
type Options struct {
	// Grace is how long the feed may be down before a live call's
	// switch data is marked Stale.
	Grace time.Duration
	// PendingTimeout bounds how long an Incoming record waits for its
	// local session before it is surfaced as a server-only call.
	PendingTimeout time.Duration
	// RecordRetention keeps Hangup records in the cache.
	RecordRetention time.Duration

	Clock   Clock
	Metrics Metrics
}

type inputKind int

const (
	inSession inputKind = iota
	inFeed
	inPendingExpired
	inGraceExpired
	inForget
	inFlush
)

type input struct {
	kind inputKind
	snap session.Snapshot
	ev   feed.Event
	key  string
	gen  uint64
	done chan struct{}
}

type binding struct {
	uci    string
	rec    feed.CallEventRecord
	stale  bool
	seenAt time.Time
}

type pendingRecord struct {
	rec   feed.CallEventRecord
	gen   uint64
	seq   uint64
	timer Timer
}

// Reconciler owns the reconciled view. It implements registry.Observer
// through SessionChanged and is a feed.Sink through HandleFeed.
type Reconciler struct {
	clock          Clock
	mtr            Metrics
	grace          time.Duration
	pendingTimeout time.Duration
	retention      time.Duration

	inbox   *queue[input]
	records *store.TTLStore[string, feed.CallEventRecord]

	mu          sync.RWMutex
	view        View
	subs        map[*Subscription]struct{}
	serverCalls map[string]ServerCall

	// Owned by the loop goroutine.
	sessions       map[string]session.Snapshot
	primaryID      string
	bindings       map[string]*binding // session id -> record binding
	bound          map[string]string   // uci -> session id
	pending        map[string]*pendingRecord
	seq            uint64
	feedConnected  bool
	disconnectedAt time.Time
	graceTimer     Timer
	graceGen       uint64
	graceExpired   bool
	freshness      Freshness
	version        uint64
}

// New creates a reconciler. Call Run to start processing.
func New(opts Options) *Reconciler {
	if opts.Grace <= 0 {
		opts.Grace = DefaultGrace
	}
	if opts.PendingTimeout <= 0 {
		opts.PendingTimeout = DefaultPendingTimeout
	}
	if opts.RecordRetention <= 0 {
		opts.RecordRetention = DefaultRecordRetention
	}
	if opts.Clock == nil {
		opts.Clock = realClock{}
	}
	if opts.Metrics == nil {
		opts.Metrics = noopMetrics{}
	}

	r := &Reconciler{
		clock:          opts.Clock,
		mtr:            opts.Metrics,
		grace:          opts.Grace,
		pendingTimeout: opts.PendingTimeout,
		retention:      opts.RecordRetention,
		inbox:          newQueue[input](),
		subs:           make(map[*Subscription]struct{}),
		serverCalls:    make(map[string]ServerCall),
		sessions:       make(map[string]session.Snapshot),
		bindings:       make(map[string]*binding),
		bound:          make(map[string]string),
		pending:        make(map[string]*pendingRecord),
		disconnectedAt: opts.Clock.Now(),
	}
	r.records = store.NewTTLStore(recordSweepInterval,
		store.WithClock[string, feed.CallEventRecord](opts.Clock.Now),
		store.WithEvict(func(uci string, _ feed.CallEventRecord) {
			r.inbox.push(input{kind: inForget, key: uci})
		}),
	)
	return r
}

// SessionChanged queues a session snapshot. Safe to call from the
// session's update path: it never blocks.
func (r *Reconciler) SessionChanged(snap session.Snapshot) {
	r.inbox.push(input{kind: inSession, snap: snap})
}

// HandleFeed queues a feed event. It has the feed.Sink signature.
func (r *Reconciler) HandleFeed(ev feed.Event) {
	r.inbox.push(input{kind: inFeed, ev: ev})
}

// Current returns the latest view.
func (r *Reconciler) Current() View {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.view
}

// ServerCalls returns records surfaced without a local call, oldest first.
func (r *Reconciler) ServerCalls() []ServerCall {
	r.mu.RLock()
	out := make([]ServerCall, 0, len(r.serverCalls))
	for _, c := range r.serverCalls {
		out = append(out, c)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out
}

// Subscribe returns a subscription whose first update is the current view.
func (r *Reconciler) Subscribe() *Subscription {
	var sub *Subscription
	sub = newSubscription(func() {
		r.mu.Lock()
		delete(r.subs, sub)
		r.mu.Unlock()
	})

	r.mu.Lock()
	r.subs[sub] = struct{}{}
	sub.deliver(Update{Kind: UpdateView, View: r.view})
	r.mu.Unlock()
	return sub
}

// Flush waits until every input queued before the call is processed.
func (r *Reconciler) Flush(ctx context.Context) error {
	done := make(chan struct{})
	r.inbox.push(input{kind: inFlush, done: done})
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run processes inputs until ctx is done.
func (r *Reconciler) Run(ctx context.Context) error {
	slog.Info("[Reconciler] Started", "grace", r.grace, "pending_timeout", r.pendingTimeout)
	defer r.shutdown()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-r.inbox.signal:
		}
		for _, in := range r.inbox.drain() {
			r.handle(in)
		}
	}
}

func (r *Reconciler) shutdown() {
	r.stopGrace()
	for uci, p := range r.pending {
		p.timer.Stop()
		delete(r.pending, uci)
	}
	r.records.Close()

	r.mu.Lock()
	subs := make([]*Subscription, 0, len(r.subs))
	for s := range r.subs {
		subs = append(subs, s)
	}
	r.mu.Unlock()
	for _, s := range subs {
		s.Close()
	}
	slog.Info("[Reconciler] Stopped")
}

func (r *Reconciler) handle(in input) {
	switch in.kind {
	case inSession:
		r.onSession(in.snap)
	case inFeed:
		r.onFeed(in.ev)
	case inPendingExpired:
		r.onPendingExpired(in.key, in.gen)
	case inGraceExpired:
		r.onGraceExpired(in.gen)
	case inForget:
		r.onForget(in.key)
	case inFlush:
		close(in.done)
	}
}

// --- Sessions ---

func (r *Reconciler) onSession(snap session.Snapshot) {
	prev, seen := r.sessions[snap.ID]
	if seen && snap.Seq <= prev.Seq {
		return
	}
	r.sessions[snap.ID] = snap

	if !seen && snap.Primary && snap.ID != r.primaryID {
		r.replacePrimary(snap.ID)
	}
	if _, ok := r.bindings[snap.ID]; !ok && !snap.State.IsTerminal() {
		r.matchSession(snap)
	}

	switch {
	case snap.State.IsTerminal():
		if !r.hasLive() {
			r.stopGrace()
		}
	case snap.State.IsLive():
		r.armGrace()
		if r.graceExpired && !r.feedConnected {
			if b := r.bindings[snap.ID]; b != nil {
				b.stale = true
			}
		}
	}
	r.refresh()
}

// replacePrimary forgets everything about calls that ended before id.
func (r *Reconciler) replacePrimary(id string) {
	for sid, snap := range r.sessions {
		if sid == id || !snap.State.IsTerminal() {
			continue
		}
		delete(r.sessions, sid)
		if b := r.bindings[sid]; b != nil {
			delete(r.bound, b.uci)
			delete(r.bindings, sid)
		}
	}
	r.primaryID = id
}

func (r *Reconciler) hasLive() bool {
	for _, snap := range r.sessions {
		if snap.State.IsLive() {
			return true
		}
	}
	return false
}

// matchSession binds a new session to a pending record, or failing that to
// a cached record no session has claimed.
func (r *Reconciler) matchSession(snap session.Snapshot) {
	var (
		best    *pendingRecord
		bestUCI string
	)
	for uci, p := range r.pending {
		if matches(snap, p.rec) && (best == nil || p.seq < best.seq) {
			best, bestUCI = p, uci
		}
	}
	if best != nil {
		best.timer.Stop()
		delete(r.pending, bestUCI)
		r.bind(snap.ID, best.rec)
		return
	}

	var found *feed.CallEventRecord
	r.records.ForEach(func(uci string, rec feed.CallEventRecord) bool {
		if _, taken := r.bound[uci]; taken || rec.IsTerminal() || !matches(snap, rec) {
			return true
		}
		found = &rec
		return false
	})
	if found != nil {
		r.bind(snap.ID, *found)
	}
}

func (r *Reconciler) bind(sessionID string, rec feed.CallEventRecord) {
	b := &binding{uci: rec.UniqueCallIdentifier, rec: rec, seenAt: r.clock.Now()}
	if r.graceExpired && !r.feedConnected {
		b.stale = true
	}
	r.bindings[sessionID] = b
	r.bound[rec.UniqueCallIdentifier] = sessionID

	r.mu.Lock()
	delete(r.serverCalls, rec.UniqueCallIdentifier)
	r.mu.Unlock()

	slog.Info("[Reconciler] Bound switch record", "session", sessionID, "uci", rec.UniqueCallIdentifier,
		"client_number", rec.ClientNumber, "dealer_channel", rec.DealerChannel)
}

// --- Feed ---

func (r *Reconciler) onFeed(ev feed.Event) {
	r.mtr.FeedEvent(ev.Kind)

	switch ev.Kind {
	case feed.EventConnected:
		if !r.feedConnected {
			slog.Info("[Reconciler] Feed connected")
		}
		r.feedConnected = true
		r.graceExpired = false
		r.stopGrace()

	case feed.EventDisconnected:
		if r.feedConnected {
			r.disconnectedAt = r.clock.Now()
			slog.Warn("[Reconciler] Feed disconnected", "error", ev.Err)
		}
		r.feedConnected = false
		r.armGrace()

	case feed.EventSnapshot:
		r.onRecord(ev.Record)
	}
	r.refresh()
}

func (r *Reconciler) onRecord(rec feed.CallEventRecord) {
	uci := rec.UniqueCallIdentifier
	ttl := time.Duration(0)
	if rec.IsTerminal() {
		ttl = r.retention
	}
	r.records.Set(uci, rec, ttl)

	if sid, ok := r.bound[uci]; ok {
		if b := r.bindings[sid]; b != nil {
			b.rec = rec
			b.stale = false
			b.seenAt = r.clock.Now()
		}
		return
	}

	if p, ok := r.pending[uci]; ok {
		if rec.IsTerminal() {
			p.timer.Stop()
			delete(r.pending, uci)
			r.surface(rec, "ended before a local call appeared")
			return
		}
		p.rec = rec
	}

	if sid := r.findSession(rec); sid != "" {
		if p, ok := r.pending[uci]; ok {
			p.timer.Stop()
			delete(r.pending, uci)
		}
		r.bind(sid, rec)
		return
	}
	if _, ok := r.pending[uci]; ok {
		return
	}

	if rec.CallStatus == feed.StatusIncoming {
		r.seq++
		gen := r.seq
		p := &pendingRecord{rec: rec, gen: gen, seq: gen}
		p.timer = r.clock.AfterFunc(r.pendingTimeout, func() {
			r.inbox.push(input{kind: inPendingExpired, key: uci, gen: gen})
		})
		r.pending[uci] = p
		slog.Debug("[Reconciler] Holding record for local match", "uci", uci, "client_number", rec.ClientNumber)
		return
	}
	r.surface(rec, "no local call")
}

// findSession returns an unbound open session the record describes,
// preferring the primary.
func (r *Reconciler) findSession(rec feed.CallEventRecord) string {
	var candidates []session.Snapshot
	for sid, snap := range r.sessions {
		if _, taken := r.bindings[sid]; taken || snap.State.IsTerminal() {
			continue
		}
		if matches(snap, rec) {
			candidates = append(candidates, snap)
		}
	}
	if len(candidates) == 0 {
		return ""
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Primary != candidates[j].Primary {
			return candidates[i].Primary
		}
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})
	return candidates[0].ID
}

func (r *Reconciler) onPendingExpired(uci string, gen uint64) {
	p, ok := r.pending[uci]
	if !ok || p.gen != gen {
		return
	}
	delete(r.pending, uci)
	r.surface(p.rec, "unmatched")
	r.refresh()
}

func (r *Reconciler) surface(rec feed.CallEventRecord, reason string) {
	call := ServerCall{Record: rec, Reason: reason, At: r.clock.Now()}

	r.mu.Lock()
	if rec.IsTerminal() {
		delete(r.serverCalls, rec.UniqueCallIdentifier)
	} else {
		r.serverCalls[rec.UniqueCallIdentifier] = call
	}
	for s := range r.subs {
		s.deliver(Update{Kind: UpdateServerCall, Server: call})
	}
	r.mu.Unlock()

	r.mtr.ServerCall(reason)
	slog.Debug("[Reconciler] Server-only call", "uci", rec.UniqueCallIdentifier, "status", rec.CallStatus, "reason", reason)
}

func (r *Reconciler) onForget(uci string) {
	if _, ok := r.records.Get(uci); ok {
		return // replaced since the eviction was queued
	}
	r.mu.Lock()
	delete(r.serverCalls, uci)
	r.mu.Unlock()
}

// --- Staleness ---

func (r *Reconciler) armGrace() {
	if r.feedConnected || r.graceExpired || r.graceTimer != nil || !r.hasLive() {
		return
	}
	delay := max(r.disconnectedAt.Add(r.grace).Sub(r.clock.Now()), 0)
	r.graceGen++
	gen := r.graceGen
	r.graceTimer = r.clock.AfterFunc(delay, func() {
		r.inbox.push(input{kind: inGraceExpired, gen: gen})
	})
}

func (r *Reconciler) stopGrace() {
	if r.graceTimer != nil {
		r.graceTimer.Stop()
		r.graceTimer = nil
	}
	r.graceGen++
}

func (r *Reconciler) onGraceExpired(gen uint64) {
	if gen != r.graceGen || r.feedConnected {
		return
	}
	r.graceTimer = nil
	r.graceExpired = true

	marked := 0
	for sid, b := range r.bindings {
		if snap, ok := r.sessions[sid]; ok && snap.State.IsLive() && !b.stale {
			b.stale = true
			marked++
		}
	}
	slog.Warn("[Reconciler] Feed down past grace window", "grace", r.grace, "stale_calls", marked)
	r.refresh()
}

// --- View ---

func (r *Reconciler) freshnessOf(sessionID string) Freshness {
	b := r.bindings[sessionID]
	switch {
	case b == nil:
		return FreshnessUnavailable
	case b.stale:
		return FreshnessStale
	default:
		return FreshnessLive
	}
}

func (r *Reconciler) build() View {
	snap, ok := r.sessions[r.primaryID]
	if !ok {
		return View{}
	}

	v := View{
		HasCall:       true,
		SessionID:     snap.ID,
		DialogID:      snap.DialogID,
		Direction:     snap.Direction,
		State:         snap.State,
		Media:         snap.Media,
		Cause:         snap.Cause,
		CallActive:    !snap.State.IsTerminal(),
		ClientID:      snap.Remote.ClientID,
		ClientName:    snap.Remote.ClientName,
		ClientNumber:  snap.Remote.ClientNumber,
		DealerChannel: snap.Remote.DealerChannel,
		Freshness:     r.freshnessOf(snap.ID),
		CreatedAt:     snap.CreatedAt,
		EstablishedAt: snap.EstablishedAt,
		TerminatedAt:  snap.TerminatedAt,
	}
	if snap.Cause.IsFailure() {
		v.FailureReason = snap.Reason
		if v.FailureReason == "" {
			v.FailureReason = snap.Cause.String()
		}
	}

	if b := r.bindings[snap.ID]; b != nil {
		rec := b.rec
		v.UniqueCallIdentifier = b.uci
		v.CallStatus = rec.CallStatus
		if b.stale {
			// Headers win once the switch stops talking; the last record
			// only fills what they leave empty.
			v.ClientID = prefer(v.ClientID, string(rec.ClientID))
			v.ClientName = prefer(v.ClientName, string(rec.ClientName))
			v.ClientNumber = prefer(v.ClientNumber, string(rec.ClientNumber))
			v.DealerChannel = prefer(v.DealerChannel, string(rec.DealerChannel))
		} else {
			v.ClientID = prefer(string(rec.ClientID), v.ClientID)
			v.ClientName = prefer(string(rec.ClientName), v.ClientName)
			v.ClientNumber = prefer(string(rec.ClientNumber), v.ClientNumber)
			v.DealerChannel = prefer(string(rec.DealerChannel), v.DealerChannel)
		}
		v.BranchName = string(rec.BranchName)
		v.StartTime = rec.StartTime.Time
		v.EndTime = rec.EndTime.Time
	}

	for _, leg := range r.sessions {
		if leg.ParentID == snap.ID && !leg.State.IsTerminal() {
			v.ConferenceLegs = append(v.ConferenceLegs, Leg{ID: leg.ID, State: leg.State, ClientNumber: leg.Remote.ClientNumber})
		}
	}
	sort.Slice(v.ConferenceLegs, func(i, j int) bool { return v.ConferenceLegs[i].ID < v.ConferenceLegs[j].ID })
	return v
}

// refresh publishes the view if anything visible changed.
func (r *Reconciler) refresh() {
	v := r.build()

	r.mu.Lock()
	if v.sameAs(r.view) {
		r.mu.Unlock()
		return
	}
	r.version++
	v.Version = r.version
	r.view = v
	for s := range r.subs {
		s.deliver(Update{Kind: UpdateView, View: v})
	}
	r.mu.Unlock()

	if v.Freshness != r.freshness {
		r.freshness = v.Freshness
		r.mtr.FreshnessChanged(v.Freshness)
	}
	slog.Debug("[Reconciler] View changed", "version", v.Version, "session", v.SessionID, "state", v.State,
		"freshness", v.Freshness)
}

func prefer(primary, fallback string) string {
	if primary != "" {
		return primary
	}
	return fallback
}

// matches cross-references a record and a session by dealer channel or
// phone number. The two sides never share call identifiers.
func matches(snap session.Snapshot, rec feed.CallEventRecord) bool {
	switch {
	case rec.CallType == feed.TypeIncoming && snap.Direction != session.Incoming,
		rec.CallType == feed.TypeOutgoing && snap.Direction != session.Outgoing:
		return false
	}
	if ch := string(rec.DealerChannel); ch != "" && strings.EqualFold(ch, snap.Remote.DealerChannel) {
		return true
	}
	return sameNumber(string(rec.ClientNumber), snap.Remote.ClientNumber)
}

const minSuffixDigits = 7

// sameNumber compares digits only, tolerating a country or trunk prefix
// on one side once at least seven trailing digits agree.
func sameNumber(a, b string) bool {
	da, db := digits(a), digits(b)
	if da == "" || db == "" {
		return false
	}
	if da == db {
		return true
	}
	if len(da) > len(db) {
		da, db = db, da
	}
	return len(da) >= minSuffixDigits && strings.HasSuffix(db, da)
}

func digits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
