package app

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	types "github.com/sebas/callconsole/api/types/v1"
	"github.com/sebas/callconsole/internal/console/api"
	"github.com/sebas/callconsole/internal/console/authz"
	"github.com/sebas/callconsole/internal/console/config"
	"github.com/sebas/callconsole/internal/console/feed"
)

func loopbackConfig() *config.Config {
	cfg := config.Default()
	cfg.SIP.Mode = config.ModeLoopback
	cfg.SIP.LoopbackAnswer = 0
	cfg.HTTPAddr = "127.0.0.1:0"
	cfg.HealthAddr = "127.0.0.1:0"
	return cfg
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func startConsole(t *testing.T, cfg *config.Config) (*Console, *api.Client) {
	t.Helper()
	c, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Run() error = %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("Run() did not return after cancel")
		}
	})
	return c, api.NewClient("http://"+c.HTTPAddr(), cfg.Auth.APIToken)
}

func TestConsoleServesCalls(t *testing.T) {
	cfg := loopbackConfig()
	cfg.Auth.APIToken = "desk-token"
	c, client := startConsole(t, cfg)
	ctx := context.Background()

	waitFor(t, "registration", func() bool {
		h, err := client.Health(ctx)
		return err == nil && h.Status == "ok"
	})

	call, err := client.Dial(ctx, types.CallRequest{Target: "+15551234"})
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	if !c.Loopback().Answer(call.DialogID) {
		t.Fatalf("loopback Answer(%s) = false", call.DialogID)
	}
	waitFor(t, "established view", func() bool {
		v, err := client.Call(ctx)
		return err == nil && v.SessionID == call.SessionID && v.State == "Established"
	})

	resp, err := http.Get("http://" + c.HTTPAddr() + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("GET /metrics status = %d, want 200", resp.StatusCode)
	}
}

func TestConsoleHealthFollowsRegistration(t *testing.T) {
	cfg := loopbackConfig()
	c, client := startConsole(t, cfg)
	ctx := context.Background()

	conn, err := grpc.NewClient(c.HealthAddr(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("grpc.NewClient() error = %v", err)
	}
	defer conn.Close()
	hc := healthpb.NewHealthClient(conn)

	status := func() healthpb.HealthCheckResponse_ServingStatus {
		resp, err := hc.Check(ctx, &healthpb.HealthCheckRequest{})
		if err != nil {
			return healthpb.HealthCheckResponse_UNKNOWN
		}
		return resp.Status
	}
	waitFor(t, "SERVING", func() bool { return status() == healthpb.HealthCheckResponse_SERVING })

	if _, err := client.Unregister(ctx); err != nil {
		t.Fatalf("Unregister() error = %v", err)
	}
	if got := status(); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("health after Unregister = %v, want NOT_SERVING", got)
	}
}

func TestNewRejectsBadAgentToken(t *testing.T) {
	cfg := loopbackConfig()
	cfg.Auth.JWTSecret = "secret"
	cfg.Auth.AgentToken = "not-a-token"
	if _, err := New(context.Background(), cfg); err == nil {
		t.Error("New() error = nil, want token error")
	}
}

func TestCapabilitiesFromToken(t *testing.T) {
	secret := []byte("secret")
	now := time.Now()
	token, err := authz.Issue(secret, authz.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
		AgentID:    "agent",
		Privileges: []string{authz.PrivilegeCalling},
	})
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	cfg := loopbackConfig()
	cfg.Auth.JWTSecret = string(secret)
	cfg.Auth.AgentToken = token

	caps, err := capabilities(cfg)
	if err != nil {
		t.Fatalf("capabilities() error = %v", err)
	}
	if !caps.CallingEnabled() || caps.TransferEnabled() || caps.PushEnabled() {
		t.Errorf("capabilities() = calling %v, transfer %v, push %v; want calling only",
			caps.CallingEnabled(), caps.TransferEnabled(), caps.PushEnabled())
	}
}

func TestStaticCapabilities(t *testing.T) {
	cfg := loopbackConfig()
	cfg.Auth.Transfer = false
	caps, err := capabilities(cfg)
	if err != nil {
		t.Fatalf("capabilities() error = %v", err)
	}
	if !caps.CallingEnabled() || caps.TransferEnabled() {
		t.Errorf("capabilities() = %+v, want calling without transfer", caps)
	}
}

func TestCallFeedSelection(t *testing.T) {
	cfg := loopbackConfig()
	if f := callFeed(cfg); f != nil {
		t.Errorf("callFeed() = %T, want nil without URLs", f)
	}
	cfg.Feed.URL = "ws://feed/agents"
	if f, ok := callFeed(cfg).(*feed.WebsocketFeed); !ok {
		t.Errorf("callFeed() = %T, want *feed.WebsocketFeed", f)
	}
	cfg.Role = config.RoleSupervisor
	cfg.Feed.NATSURL = "nats://127.0.0.1:4222"
	if f, ok := callFeed(cfg).(*feed.NATSFeed); !ok {
		t.Errorf("callFeed() = %T, want *feed.NATSFeed", f)
	}
}
