// Package feed delivers the backend switch's call snapshots and the
// channel's connect/disconnect lifecycle to the reconciler.
package feed

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"
)

// ErrFeedDisconnected is reported with EventDisconnected. It is never
// fatal to a call; it only degrades freshness.
var ErrFeedDisconnected = errors.New("call event feed disconnected")

// EventKind identifies a feed event.
type EventKind int

const (
	EventSnapshot EventKind = iota
	EventConnected
	EventDisconnected
)

// String returns the string representation of the event kind
func (k EventKind) String() string {
	switch k {
	case EventSnapshot:
		return "Snapshot"
	case EventConnected:
		return "Connected"
	case EventDisconnected:
		return "Disconnected"
	default:
		return fmt.Sprintf("Unknown(%d)", k)
	}
}

// Event is one delivery from a feed.
type Event struct {
	Kind   EventKind
	Record CallEventRecord
	At     time.Time
	Err    error
}

// Sink receives feed events in arrival order. It must not block.
type Sink func(Event)

// Feed is a push channel of call snapshots.
type Feed interface {
	// Run delivers events to sink until ctx is done, reconnecting on its
	// own. It returns nil on cancellation.
	Run(ctx context.Context, sink Sink) error
}

// Backoff is an exponential reconnect delay with jitter.
type Backoff struct {
	Min time.Duration
	Max time.Duration

	cur time.Duration
}

// Next returns the delay before the next attempt.
func (b *Backoff) Next() time.Duration {
	if b.Min <= 0 {
		b.Min = time.Second
	}
	if b.Max < b.Min {
		b.Max = b.Min
	}
	if b.cur == 0 {
		b.cur = b.Min
	} else {
		b.cur = min(b.cur*2, b.Max)
	}
	jitter := time.Duration(rand.Int64N(int64(b.cur)/5 + 1))
	return b.cur + jitter
}

// Reset starts over from Min.
func (b *Backoff) Reset() { b.cur = 0 }

func disconnected(err error) Event {
	if err == nil {
		err = ErrFeedDisconnected
	} else if !errors.Is(err, ErrFeedDisconnected) {
		err = fmt.Errorf("%w: %w", ErrFeedDisconnected, err)
	}
	return Event{Kind: EventDisconnected, At: time.Now(), Err: err}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
