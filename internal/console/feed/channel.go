package feed

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/frostbyte73/core"
)

// ChannelFeed is an in-memory feed backed by a buffered channel. It serves
// tests and the loopback mode, where no backend switch exists. Events are
// dropped when the buffer is full.
type ChannelFeed struct {
	ch      chan Event
	closed  core.Fuse
	dropped atomic.Int64
}

var _ Feed = (*ChannelFeed)(nil)

// NewChannelFeed creates a feed with the given buffer size.
func NewChannelFeed(bufferSize int) *ChannelFeed {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	return &ChannelFeed{ch: make(chan Event, bufferSize)}
}

func (f *ChannelFeed) push(ev Event) {
	if f.closed.IsBroken() {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	select {
	case f.ch <- ev:
	default:
		f.dropped.Add(1)
		slog.Warn("[Feed] Event dropped: buffer full", "kind", ev.Kind, "call", ev.Record.UniqueCallIdentifier)
	}
}

// Publish delivers a snapshot.
func (f *ChannelFeed) Publish(rec CallEventRecord) { f.push(Event{Kind: EventSnapshot, Record: rec}) }

// Connect delivers a connected event.
func (f *ChannelFeed) Connect() { f.push(Event{Kind: EventConnected}) }

// Disconnect delivers a disconnected event.
func (f *ChannelFeed) Disconnect(err error) { f.push(disconnected(err)) }

// Dropped returns the number of events lost to a full buffer.
func (f *ChannelFeed) Dropped() int64 { return f.dropped.Load() }

// Close stops Run. Events pushed afterwards are discarded.
func (f *ChannelFeed) Close() { f.closed.Break() }

// Run implements Feed
func (f *ChannelFeed) Run(ctx context.Context, sink Sink) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-f.closed.Watch():
			return nil
		case ev := <-f.ch:
			sink(ev)
		}
	}
}
