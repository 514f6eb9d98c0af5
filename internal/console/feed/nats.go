package feed

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSConfig configures the fleet-wide supervisory feed.
type NATSConfig struct {
	// NATS server URL(s), comma-separated
	URL string
	// Subject carrying call snapshots, wildcards allowed
	Subject string
	// Client name shown in server monitoring
	Name string

	ConnectTimeout  time.Duration
	MaxReconnects   int
	ReconnectWait   time.Duration
	ReconnectJitter time.Duration

	// Auth
	Token    string
	User     string
	Password string
}

// DefaultNATSConfig returns the defaults for a local server.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:             nats.DefaultURL,
		Subject:         "callconsole.calls.>",
		Name:            "callconsole",
		ConnectTimeout:  5 * time.Second,
		MaxReconnects:   -1, // Infinite
		ReconnectWait:   2 * time.Second,
		ReconnectJitter: 500 * time.Millisecond,
	}
}

// NATSFeed subscribes to call snapshots on NATS. The client library owns
// reconnection; its connection handlers become Connected and
// Disconnected events.
type NATSFeed struct {
	cfg NATSConfig
}

var _ Feed = (*NATSFeed)(nil)

// NewNATSFeed creates a feed for cfg.
func NewNATSFeed(cfg NATSConfig) *NATSFeed {
	return &NATSFeed{cfg: cfg}
}

func (f *NATSFeed) options(sink Sink) []nats.Option {
	opts := []nats.Option{
		nats.Name(f.cfg.Name),
		nats.Timeout(f.cfg.ConnectTimeout),
		nats.MaxReconnects(f.cfg.MaxReconnects),
		nats.ReconnectWait(f.cfg.ReconnectWait),
		nats.ReconnectJitter(f.cfg.ReconnectJitter, f.cfg.ReconnectJitter),
		nats.RetryOnFailedConnect(true),
		nats.ConnectHandler(func(nc *nats.Conn) {
			slog.Info("[Feed] NATS connected", "url", nc.ConnectedUrl())
			sink(Event{Kind: EventConnected, At: time.Now()})
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("[Feed] NATS disconnected", "error", err)
			sink(disconnected(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("[Feed] NATS reconnected", "url", nc.ConnectedUrl())
			sink(Event{Kind: EventConnected, At: time.Now()})
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			slog.Error("[Feed] NATS error", "subject", subject, "error", err)
		}),
	}
	if f.cfg.Token != "" {
		opts = append(opts, nats.Token(f.cfg.Token))
	}
	if f.cfg.User != "" {
		opts = append(opts, nats.UserInfo(f.cfg.User, f.cfg.Password))
	}
	return opts
}

// Run implements Feed
func (f *NATSFeed) Run(ctx context.Context, sink Sink) error {
	nc, err := nats.Connect(f.cfg.URL, f.options(sink)...)
	if err != nil {
		return fmt.Errorf("connect to NATS: %w", err)
	}
	defer nc.Close()

	sub, err := nc.Subscribe(f.cfg.Subject, func(m *nats.Msg) {
		recs, err := DecodeRecords(m.Data)
		if err != nil {
			slog.Warn("[Feed] Dropping malformed message", "subject", m.Subject, "error", err)
			return
		}
		now := time.Now()
		for _, rec := range recs {
			sink(Event{Kind: EventSnapshot, Record: rec, At: now})
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", f.cfg.Subject, err)
	}
	if nc.IsConnected() {
		sink(Event{Kind: EventConnected, At: time.Now()})
	}
	slog.Info("[Feed] NATS feed subscribed", "subject", f.cfg.Subject)

	<-ctx.Done()
	if err := sub.Unsubscribe(); err != nil {
		slog.Debug("[Feed] NATS unsubscribe failed", "error", err)
	}
	return nil
}
