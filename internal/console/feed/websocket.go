package feed

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// WebsocketConfig configures the agent-scoped websocket feed.
type WebsocketConfig struct {
	URL   string
	Token string

	// Channel, when set, is sent in a subscribe frame after connecting.
	Channel string

	Backoff      Backoff
	PingInterval time.Duration
	Dialer       *websocket.Dialer
}

// WebsocketFeed reads call snapshots from a websocket, reconnecting with
// backoff whenever the connection drops.
type WebsocketFeed struct {
	cfg WebsocketConfig
}

var _ Feed = (*WebsocketFeed)(nil)

// NewWebsocketFeed creates a feed for cfg.URL.
func NewWebsocketFeed(cfg WebsocketConfig) *WebsocketFeed {
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	return &WebsocketFeed{cfg: cfg}
}

type subscribeFrame struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
}

// Run implements Feed
func (f *WebsocketFeed) Run(ctx context.Context, sink Sink) error {
	backoff := f.cfg.Backoff
	for {
		err := f.connectAndRead(ctx, sink, &backoff)
		if ctx.Err() != nil {
			return nil
		}
		sink(disconnected(err))

		delay := backoff.Next()
		slog.Warn("[Feed] Websocket feed down, reconnecting", "url", f.cfg.URL, "retry_in", delay, "error", err)
		if !sleep(ctx, delay) {
			return nil
		}
	}
}

func (f *WebsocketFeed) connectAndRead(ctx context.Context, sink Sink, backoff *Backoff) error {
	header := http.Header{}
	if f.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+f.cfg.Token)
	}

	conn, resp, err := f.cfg.Dialer.DialContext(ctx, f.cfg.URL, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial %s: %w (HTTP %d)", f.cfg.URL, err, resp.StatusCode)
		}
		return fmt.Errorf("dial %s: %w", f.cfg.URL, err)
	}
	defer conn.Close()

	if f.cfg.Channel != "" {
		if err := conn.WriteJSON(subscribeFrame{Type: "subscribe", Channel: f.cfg.Channel}); err != nil {
			return fmt.Errorf("subscribe %s: %w", f.cfg.Channel, err)
		}
	}

	backoff.Reset()
	slog.Info("[Feed] Websocket feed connected", "url", f.cfg.URL, "channel", f.cfg.Channel)
	sink(Event{Kind: EventConnected, At: time.Now()})

	// Unblock ReadMessage on cancellation.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	readWait := 2 * f.cfg.PingInterval
	_ = conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readWait))
	})

	pingDone := make(chan struct{})
	defer close(pingDone)
	go func() {
		ticker := time.NewTicker(f.cfg.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-pingDone:
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
					return
				}
			}
		}
	}()

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Warn("[Feed] Websocket read error", "error", err)
			}
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(readWait))
		if messageType != websocket.TextMessage {
			continue
		}

		recs, err := DecodeRecords(data)
		if err != nil {
			slog.Warn("[Feed] Dropping malformed message", "error", err, "size", len(data))
			continue
		}
		now := time.Now()
		for _, rec := range recs {
			sink(Event{Kind: EventSnapshot, Record: rec, At: now})
		}
	}
}
