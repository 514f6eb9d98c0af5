package feed

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *collector) sink(ev Event) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
}

func (c *collector) kinds() []EventKind {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]EventKind, len(c.events))
	for i, ev := range c.events {
		out[i] = ev.Kind
	}
	return out
}

func (c *collector) wait(t *testing.T, n int) []Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		c.mu.Lock()
		if len(c.events) >= n {
			out := append([]Event(nil), c.events...)
			c.mu.Unlock()
			return out
		}
		c.mu.Unlock()
		if time.Now().After(deadline) {
			t.Fatalf("got %v events, want at least %d", c.kinds(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestBackoff(t *testing.T) {
	b := Backoff{Min: 100 * time.Millisecond, Max: 400 * time.Millisecond}
	for i, base := range []time.Duration{100, 200, 400, 400} {
		base *= time.Millisecond
		d := b.Next()
		if d < base || d > base+base/5 {
			t.Errorf("attempt %d: Next() = %v, want in [%v, %v]", i, d, base, base+base/5)
		}
	}
	b.Reset()
	if d := b.Next(); d > 120*time.Millisecond {
		t.Errorf("Next() after Reset = %v, want about Min", d)
	}
}

func TestChannelFeed(t *testing.T) {
	f := NewChannelFeed(4)
	c := &collector{}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx, c.sink) }()

	f.Connect()
	f.Publish(CallEventRecord{UniqueCallIdentifier: "u1"})
	f.Disconnect(nil)

	events := c.wait(t, 3)
	if events[1].Record.UniqueCallIdentifier != "u1" {
		t.Errorf("snapshot = %+v", events[1])
	}
	if !errors.Is(events[2].Err, ErrFeedDisconnected) {
		t.Errorf("disconnect Err = %v, want ErrFeedDisconnected", events[2].Err)
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run() error = %v", err)
	}
}

func TestChannelFeedDropsWhenFull(t *testing.T) {
	f := NewChannelFeed(1)
	f.Publish(CallEventRecord{UniqueCallIdentifier: "a"})
	f.Publish(CallEventRecord{UniqueCallIdentifier: "b"})
	if got := f.Dropped(); got != 1 {
		t.Errorf("Dropped() = %d, want 1", got)
	}
}

func TestWebsocketFeed(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var (
		mu       sync.Mutex
		auth     string
		subFrame subscribeFrame
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var frame subscribeFrame
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}
		mu.Lock()
		auth = r.Header.Get("Authorization")
		subFrame = frame
		mu.Unlock()

		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"uniqueCallIdentifier":"sw-1","callStatus":"Incoming"}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`not json`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`[{"uniqueCallIdentifier":"sw-1","callStatus":"Answered"}]`))
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
	}))
	defer srv.Close()

	f := NewWebsocketFeed(WebsocketConfig{
		URL:     "ws" + strings.TrimPrefix(srv.URL, "http"),
		Token:   "secret",
		Channel: "agent.42",
		Backoff: Backoff{Min: time.Hour},
	})
	c := &collector{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx, c.sink) }()

	events := c.wait(t, 4)
	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run() error = %v", err)
	}

	want := []EventKind{EventConnected, EventSnapshot, EventSnapshot, EventDisconnected}
	for i, k := range want {
		if events[i].Kind != k {
			t.Fatalf("event %d = %v, want %v (all: %v)", i, events[i].Kind, k, c.kinds())
		}
	}
	if events[2].Record.CallStatus != StatusAnswered {
		t.Errorf("second snapshot status = %v, want Answered", events[2].Record.CallStatus)
	}

	mu.Lock()
	defer mu.Unlock()
	if auth != "Bearer secret" {
		t.Errorf("Authorization = %q", auth)
	}
	if subFrame.Channel != "agent.42" || subFrame.Type != "subscribe" {
		t.Errorf("subscribe frame = %+v", subFrame)
	}
}
