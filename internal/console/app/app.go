// Package app wires the console components together and supervises them.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/sebas/callconsole/internal/console/api"
	"github.com/sebas/callconsole/internal/console/authz"
	"github.com/sebas/callconsole/internal/console/config"
	"github.com/sebas/callconsole/internal/console/effects"
	"github.com/sebas/callconsole/internal/console/feed"
	"github.com/sebas/callconsole/internal/console/health"
	"github.com/sebas/callconsole/internal/console/metrics"
	"github.com/sebas/callconsole/internal/console/reconcile"
	"github.com/sebas/callconsole/internal/console/registry"
	"github.com/sebas/callconsole/internal/console/signaling"
)

const shutdownTimeout = 5 * time.Second

// Console is one running call console: signaling, reconciliation, side
// effects and the HTTP and health surfaces.
type Console struct {
	cfg *config.Config

	sip      *signaling.SIPStack      // nil in loopback mode
	loopback *signaling.LoopbackStack // nil in sip mode

	metrics    *metrics.Collector
	registry   *registry.Registry
	reconciler *reconcile.Reconciler
	effects    *effects.Coordinator
	hub        *api.EffectHub
	api        *api.Server
	health     *health.Server
	feed       feed.Feed
	notifier   effects.Notifier

	httpLis   net.Listener
	healthLis net.Listener
	closeOnce sync.Once
}

// New builds every component and binds the listeners. Nothing runs until
// Run is called.
func New(ctx context.Context, cfg *config.Config) (_ *Console, err error) {
	c := &Console{cfg: cfg, metrics: metrics.New(), hub: api.NewEffectHub()}
	defer func() {
		if err == nil {
			return
		}
		c.Close()
		switch {
		case c.registry != nil:
			_ = c.registry.Disconnect(context.Background())
		case c.sip != nil:
			_ = c.sip.Close()
		}
	}()

	var stack signaling.Stack
	switch cfg.SIP.Mode {
	case config.ModeLoopback:
		c.loopback = signaling.NewLoopbackStack(signaling.WithAutoAnswer(cfg.SIP.LoopbackAnswer))
		stack = c.loopback
	default:
		c.sip, err = signaling.NewSIPStack(signaling.SIPConfig{
			Registrar:      cfg.SIP.Registrar,
			Domain:         cfg.SIP.Domain,
			Username:       cfg.SIP.Username,
			Password:       cfg.SIP.Password,
			DisplayName:    cfg.SIP.DisplayName,
			BindHost:       cfg.SIP.BindHost,
			Port:           cfg.SIP.Port,
			AdvertiseHost:  cfg.SIP.AdvertiseHost,
			Transport:      cfg.SIP.Transport,
			UserAgent:      cfg.SIP.UserAgent,
			Media:          signaling.MediaEndpoint{Host: cfg.SIP.MediaHost, Port: cfg.SIP.MediaPort},
			RegisterExpiry: cfg.SIP.RegisterExpiry,
			InviteTimeout:  cfg.SIP.InviteTimeout,
			AckTimeout:     cfg.SIP.AckTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("create sip stack: %w", err)
		}
		stack = c.sip
	}

	caps, err := capabilities(cfg)
	if err != nil {
		return nil, err
	}

	c.registry = registry.New(stack, registry.Options{
		Capabilities: caps,
		Metrics:      c.metrics,
		Retention:    cfg.Retention,
		ReconnectMin: cfg.SIP.ReconnectMin,
		ReconnectMax: cfg.SIP.ReconnectMax,
	})
	c.reconciler = reconcile.New(reconcile.Options{
		Grace:          cfg.Feed.Grace,
		PendingTimeout: cfg.Feed.PendingTimeout,
		Metrics:        c.metrics,
	})
	c.registry.Subscribe(c.reconciler)

	c.health = health.New()
	c.health.SetTransport(c.registry.Transport())
	c.registry.OnTransportChange(c.health.SetTransport)

	c.notifier, err = notifier(ctx, cfg)
	if err != nil {
		return nil, err
	}
	c.effects = effects.New(effects.Options{
		Capabilities: caps,
		Ringer:       c.hub,
		Router:       c.hub,
		Notifier:     c.notifier,
		Metrics:      c.metrics,
	})

	c.feed = callFeed(cfg)

	c.api = api.NewServer(api.Options{
		Token:   cfg.Auth.APIToken,
		Metrics: c.metrics.Handler(),
	}, c.registry, c.reconciler, c.effects, c.hub)

	if c.httpLis, err = net.Listen("tcp", cfg.HTTPAddr); err != nil {
		return nil, fmt.Errorf("listen http %s: %w", cfg.HTTPAddr, err)
	}
	if c.healthLis, err = net.Listen("tcp", cfg.HealthAddr); err != nil {
		return nil, fmt.Errorf("listen health %s: %w", cfg.HealthAddr, err)
	}
	return c, nil
}

// capabilities picks the token-backed collaborator when a token is
// configured, otherwise the static flags.
func capabilities(cfg *config.Config) (authz.Capabilities, error) {
	if !cfg.Auth.UsesJWT() {
		return authz.Static{
			Calling:  cfg.Auth.Calling,
			Push:     cfg.Auth.Push,
			Transfer: cfg.Auth.Transfer,
		}, nil
	}
	caps := authz.NewJWT([]byte(cfg.Auth.JWTSecret), nil)
	claims, err := caps.Load(cfg.Auth.AgentToken)
	if err != nil {
		return nil, err
	}
	if claims.AgentID != cfg.AgentID {
		slog.Warn("[Console] Agent token issued for a different agent",
			"configured", cfg.AgentID, "token", claims.AgentID)
	}
	slog.Info("[Console] Capabilities loaded from agent token", "privileges", claims.Privileges)
	return caps, nil
}

func notifier(ctx context.Context, cfg *config.Config) (effects.Notifier, error) {
	if cfg.Push.RedisAddr == "" {
		return effects.NewLogNotifier(slog.Default()), nil
	}
	deviceID := cfg.Push.DeviceID
	if deviceID == "" {
		deviceID = uuid.NewString()
	}
	n, err := effects.NewRedisNotifier(ctx, effects.RedisConfig{
		Addr:     cfg.Push.RedisAddr,
		Password: cfg.Push.RedisPassword,
		DB:       cfg.Push.RedisDB,
		Prefix:   cfg.Push.Prefix,
		AgentID:  cfg.AgentID,
		DeviceID: deviceID,
		TTL:      cfg.Push.TTL,
	})
	if err != nil {
		return nil, fmt.Errorf("push notifier: %w", err)
	}
	return n, nil
}

// callFeed returns the NATS fleet feed for supervisors and the websocket
// agent feed otherwise. An agent with only a NATS URL uses NATS.
func callFeed(cfg *config.Config) feed.Feed {
	useNATS := cfg.Role == config.RoleSupervisor || (cfg.Feed.URL == "" && cfg.Feed.NATSURL != "")
	if useNATS {
		nc := feed.DefaultNATSConfig()
		nc.URL = cfg.Feed.NATSURL
		nc.Subject = cfg.Feed.Subject
		nc.Token = cfg.Feed.Token
		nc.Name = "callconsole-" + cfg.AgentID
		return feed.NewNATSFeed(nc)
	}
	if cfg.Feed.URL == "" {
		return nil
	}
	return feed.NewWebsocketFeed(feed.WebsocketConfig{
		URL:     cfg.Feed.URL,
		Token:   cfg.Feed.Token,
		Channel: cfg.Feed.Channel,
		Backoff: feed.Backoff{Min: cfg.Feed.ReconnectMin, Max: cfg.Feed.ReconnectMax},
	})
}

// HTTPAddr returns the bound HTTP API address.
func (c *Console) HTTPAddr() string { return c.httpLis.Addr().String() }

// HealthAddr returns the bound gRPC health address.
func (c *Console) HealthAddr() string { return c.healthLis.Addr().String() }

// Loopback returns the in-memory stack in loopback mode, nil otherwise.
func (c *Console) Loopback() *signaling.LoopbackStack { return c.loopback }

// Run starts every component and blocks until ctx is done or one of them
// fails. On the way out all calls are torn down and the transport is
// unregistered.
func (c *Console) Run(ctx context.Context) error {
	defer c.Close()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return c.reconciler.Run(gctx) })
	g.Go(func() error { return c.effects.Run(gctx, c.reconciler) })
	if c.sip != nil {
		g.Go(func() error { return c.sip.Serve(gctx) })
	}
	if c.feed != nil {
		g.Go(func() error { return c.feed.Run(gctx, c.reconciler.HandleFeed) })
	} else {
		slog.Warn("[Console] No call feed configured, switch data will stay unavailable")
	}
	g.Go(func() error { return c.api.Run(gctx, c.httpLis) })
	g.Go(func() error { return c.health.Serve(gctx, c.healthLis) })

	g.Go(func() error {
		if c.cfg.AutoRegister {
			if err := c.registry.Register(gctx); err != nil {
				slog.Warn("[Console] Initial registration failed", "error", err)
			}
		}
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := c.registry.Disconnect(shutdownCtx); err != nil {
			slog.Warn("[Console] Disconnect incomplete", "error", err)
		}
		return nil
	})

	slog.Info("[Console] Running",
		"agent", c.cfg.AgentID,
		"role", c.cfg.Role,
		"mode", c.cfg.SIP.Mode,
		"http", c.HTTPAddr(),
		"health", c.HealthAddr(),
	)
	return g.Wait()
}

// Close releases listeners and the push notifier. Run calls it on exit;
// call it directly only when Run was never started.
func (c *Console) Close() {
	c.closeOnce.Do(func() {
		if c.httpLis != nil {
			_ = c.httpLis.Close()
		}
		if c.healthLis != nil {
			_ = c.healthLis.Close()
		}
		if rn, ok := c.notifier.(*effects.RedisNotifier); ok {
			if err := rn.Close(); err != nil {
				slog.Debug("[Console] Notifier close failed", "error", err)
			}
		}
	})
}
