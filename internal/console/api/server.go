// Package api exposes the console over HTTP: the registry command surface,
// the reconciled call view, and a websocket stream of view updates and
// device effect commands.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/frostbyte73/core"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	types "github.com/sebas/callconsole/api/types/v1"
	"github.com/sebas/callconsole/internal/console/reconcile"
	"github.com/sebas/callconsole/internal/console/registry"
	"github.com/sebas/callconsole/internal/console/session"
	"github.com/sebas/callconsole/internal/logger"
)

// Commands is the registry surface the API drives.
// Implemented by *registry.Registry.
type Commands interface {
	Transport() registry.TransportState
	Register(ctx context.Context) error
	Unregister(ctx context.Context) error
	Get(id string) (session.Snapshot, error)
	Call(ctx context.Context, req registry.CallRequest) (session.Snapshot, error)
	Answer(ctx context.Context, id string) error
	Decline(ctx context.Context, id string) error
	Hangup(ctx context.Context, id string) error
	Mute(ctx context.Context, id string, mute bool) error
	Hold(ctx context.Context, id string, hold bool) error
	AttachConferenceLeg(ctx context.Context, id, target string) (session.Snapshot, error)
	Transfer(ctx context.Context, id, target string) error
}

// Views provides the reconciled call view.
// Implemented by *reconcile.Reconciler.
type Views interface {
	Current() reconcile.View
	ServerCalls() []reconcile.ServerCall
	Subscribe() *reconcile.Subscription
}

// Effects is the agent-facing control surface of the effects coordinator.
// Implemented by *effects.Coordinator.
type Effects interface {
	SetPresent(present bool)
	SelectOutputDevice(deviceID string)
	NotificationActed(sessionID string) bool
}

// Options configure the server.
type Options struct {
	// Token, when set, is required as a bearer token (or ?token= on the
	// stream) for everything except health and metrics.
	Token string
	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
	// PingInterval for stream keepalives.
	PingInterval time.Duration
}

// Server provides the HTTP API for one agent console.
type Server struct {
	opts      Options
	cmds      Commands
	views     Views
	fx        Effects
	hub       *EffectHub
	router    chi.Router
	upgrader  websocket.Upgrader
	startTime time.Time
	streams   atomic.Int64
	closing   core.Fuse
}

// NewServer creates the API server and its routes.
func NewServer(opts Options, cmds Commands, views Views, fx Effects, hub *EffectHub) *Server {
	if opts.PingInterval <= 0 {
		opts.PingInterval = 20 * time.Second
	}
	if hub == nil {
		hub = NewEffectHub()
	}
	s := &Server{
		opts:      opts,
		cmds:      cmds,
		views:     views,
		fx:        fx,
		hub:       hub,
		startTime: time.Now(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}

	r := chi.NewRouter()
	r.Use(LoggingMiddleware)
	r.Use(middleware.Recoverer)

	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}

	r.Route("/api/v1", func(api chi.Router) {
		api.Get("/health", s.handleHealth)

		api.Group(func(p chi.Router) {
			p.Use(BearerAuth(opts.Token))

			p.Get("/call", s.handleView)
			p.Get("/server-calls", s.handleServerCalls)
			p.Get("/stream", s.handleStream)

			p.Post("/calls", s.handleDial)
			p.Get("/calls/{id}", s.handleGetSession)
			p.Post("/calls/{id}/answer", s.command("answer", s.cmds.Answer))
			p.Post("/calls/{id}/decline", s.command("decline", s.cmds.Decline))
			p.Post("/calls/{id}/hangup", s.command("hangup", s.cmds.Hangup))
			p.Post("/calls/{id}/mute", s.command("mute", func(ctx context.Context, id string) error {
				return s.cmds.Mute(ctx, id, true)
			}))
			p.Post("/calls/{id}/unmute", s.command("unmute", func(ctx context.Context, id string) error {
				return s.cmds.Mute(ctx, id, false)
			}))
			p.Post("/calls/{id}/hold", s.command("hold", func(ctx context.Context, id string) error {
				return s.cmds.Hold(ctx, id, true)
			}))
			p.Post("/calls/{id}/unhold", s.command("unhold", func(ctx context.Context, id string) error {
				return s.cmds.Hold(ctx, id, false)
			}))
			p.Post("/calls/{id}/conference", s.handleConference)
			p.Post("/calls/{id}/transfer", s.handleTransfer)

			p.Post("/transport/register", s.handleRegister)
			p.Post("/transport/unregister", s.handleUnregister)

			p.Post("/presence", s.handlePresence)
			p.Post("/audio/output", s.handleAudioOutput)
			p.Post("/notifications/{id}/acted", s.handleNotificationActed)

			p.Get("/loglevel", s.handleGetLogLevel)
			p.Put("/loglevel", s.handleSetLogLevel)
		})
	})

	s.router = r
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Streams returns the number of connected view streams.
func (s *Server) Streams() int {
	return int(s.streams.Load())
}

// Run serves on lis until ctx is done, then shuts down gracefully and
// closes open streams.
func (s *Server) Run(ctx context.Context, lis net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	slog.Info("[API] Starting HTTP API server", "addr", lis.Addr().String())

	stop := context.AfterFunc(ctx, func() {
		s.closing.Break()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("[API] Shutdown incomplete", "error", err)
		}
	})
	defer stop()

	if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	slog.Info("[API] HTTP API server stopped")
	return nil
}

// --- Health & view ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	transport := s.cmds.Transport()
	status := "ok"
	if transport != registry.TransportRegistered {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, types.HealthResponse{
		Status:    status,
		Uptime:    int64(time.Since(s.startTime).Seconds()),
		Transport: transport.String(),
		Freshness: s.views.Current().Freshness.String(),
		Streams:   s.Streams(),
	})
}

func (s *Server) handleView(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, toCallView(s.views.Current()))
}

func (s *Server) handleServerCalls(w http.ResponseWriter, r *http.Request) {
	calls := s.views.ServerCalls()
	out := make([]types.ServerCall, 0, len(calls))
	for _, c := range calls {
		out = append(out, toServerCall(c))
	}
	writeJSON(w, http.StatusOK, out)
}

// --- Calls ---

func (s *Server) handleDial(w http.ResponseWriter, r *http.Request) {
	var req types.CallRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Target) == "" {
		writeBadRequest(w, "target is required")
		return
	}

	snap, err := s.cmds.Call(r.Context(), registry.CallRequest{
		Target:  req.Target,
		Headers: req.Headers,
		Remote: session.RemoteParty{
			ClientID:      req.ClientID,
			ClientName:    req.ClientName,
			ClientNumber:  req.ClientNumber,
			DealerChannel: req.DealerChannel,
		},
	})
	if err != nil {
		writeError(w, "call", err)
		return
	}
	writeJSON(w, http.StatusCreated, toSession(snap))
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	snap, err := s.cmds.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, "get", err)
		return
	}
	writeJSON(w, http.StatusOK, toSession(snap))
}

// command adapts a session command to a handler that answers with the
// session after the command.
func (s *Server) command(name string, fn func(ctx context.Context, id string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := fn(r.Context(), id); err != nil {
			writeError(w, name, err)
			return
		}
		s.writeSession(w, id)
	}
}

func (s *Server) writeSession(w http.ResponseWriter, id string) {
	snap, err := s.cmds.Get(id)
	if err != nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, toSession(snap))
}

func (s *Server) handleConference(w http.ResponseWriter, r *http.Request) {
	var req types.TargetRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Target == "" {
		writeBadRequest(w, "target is required")
		return
	}
	leg, err := s.cmds.AttachConferenceLeg(r.Context(), chi.URLParam(r, "id"), req.Target)
	if err != nil {
		writeError(w, "conference", err)
		return
	}
	writeJSON(w, http.StatusCreated, toSession(leg))
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	var req types.TargetRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Target == "" {
		writeBadRequest(w, "target is required")
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.cmds.Transfer(r.Context(), id, req.Target); err != nil {
		writeError(w, "transfer", err)
		return
	}
	s.writeSession(w, id)
}

// --- Transport ---

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if err := s.cmds.Register(r.Context()); err != nil {
		writeError(w, "register", err)
		return
	}
	writeJSON(w, http.StatusOK, types.TransportResponse{State: s.cmds.Transport().String()})
}

func (s *Server) handleUnregister(w http.ResponseWriter, r *http.Request) {
	if err := s.cmds.Unregister(r.Context()); err != nil {
		writeError(w, "unregister", err)
		return
	}
	writeJSON(w, http.StatusOK, types.TransportResponse{State: s.cmds.Transport().String()})
}

// --- Device ---

func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request) {
	var req types.PresenceRequest
	if !decodeBody(w, r, &req) {
		return
	}
	s.fx.SetPresent(req.Present)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAudioOutput(w http.ResponseWriter, r *http.Request) {
	var req types.AudioOutputRequest
	if !decodeBody(w, r, &req) {
		return
	}
	s.fx.SelectOutputDevice(req.DeviceID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleNotificationActed(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.fx.NotificationActed(id) {
		writeJSON(w, http.StatusNotFound, types.ErrorResponse{
			Code:    registry.CodeNotFound,
			Message: "no pending notification for session " + id,
		})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Logging ---

func (s *Server) handleGetLogLevel(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, types.LogLevel{Level: logger.GetLevel()})
}

func (s *Server) handleSetLogLevel(w http.ResponseWriter, r *http.Request) {
	var req types.LogLevel
	if !decodeBody(w, r, &req) {
		return
	}
	switch strings.ToLower(req.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		writeBadRequest(w, "unknown log level "+req.Level)
		return
	}
	logger.SetLevel(req.Level)
	slog.Info("[API] Log level changed", "level", logger.GetLevel())
	writeJSON(w, http.StatusOK, types.LogLevel{Level: logger.GetLevel()})
}

// --- Middleware ---

// LoggingMiddleware logs each request at debug level.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		slog.Debug("[API] Request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
		)
	})
}

// BearerAuth requires "Authorization: Bearer <token>" or a token query
// parameter. An empty token disables the check.
func BearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer"))
			if got == "" {
				got = r.URL.Query().Get("token")
			}
			if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				writeJSON(w, http.StatusUnauthorized, types.ErrorResponse{Code: "Unauthorized", Message: "unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// --- Helpers ---

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	if err := dec.Decode(v); err != nil {
		writeBadRequest(w, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("[API] Failed to encode JSON", "error", err)
	}
}
