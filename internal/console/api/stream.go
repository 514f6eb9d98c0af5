package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	types "github.com/sebas/callconsole/api/types/v1"
	"github.com/sebas/callconsole/internal/console/reconcile"
)

const streamWriteWait = 5 * time.Second

// handleStream upgrades to a websocket that carries the current view, then
// every view change, server-only call and effect command in order.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("[API] Stream upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	defer conn.Close()

	sub := s.views.Subscribe()
	defer sub.Close()
	client, replay := s.hub.attach()
	defer s.hub.detach(client)

	s.streams.Add(1)
	defer s.streams.Add(-1)
	slog.Info("[API] Stream connected", "remote", r.RemoteAddr)

	write := func(msg types.StreamMessage) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
		if err := conn.WriteJSON(msg); err != nil {
			slog.Debug("[API] Stream write failed", "remote", r.RemoteAddr, "error", err)
			return false
		}
		return true
	}

	// The UI sends nothing we act on; reading keeps pongs and close frames flowing.
	readWait := 2 * s.opts.PingInterval
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		conn.SetReadLimit(4096)
		_ = conn.SetReadDeadline(time.Now().Add(readWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(readWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					slog.Warn("[API] Stream read error", "remote", r.RemoteAddr, "error", err)
				}
				return
			}
		}
	}()

	// Initial state: view, active effects, pending server calls.
	select {
	case u, ok := <-sub.C():
		if !ok || !write(updateMessage(u)) {
			return
		}
	case <-readDone:
		return
	case <-s.closing.Watch():
		return
	}
	for _, cmd := range replay {
		if !write(types.StreamMessage{Type: types.StreamEffect, Effect: &cmd}) {
			return
		}
	}
	for _, c := range s.views.ServerCalls() {
		sc := toServerCall(c)
		if !write(types.StreamMessage{Type: types.StreamServerCall, ServerCall: &sc}) {
			return
		}
	}

	ping := time.NewTicker(s.opts.PingInterval)
	defer ping.Stop()
	for {
		select {
		case <-readDone:
			slog.Info("[API] Stream disconnected", "remote", r.RemoteAddr)
			return
		case <-s.closing.Watch():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
				time.Now().Add(streamWriteWait))
			return
		case u, ok := <-sub.C():
			if !ok || !write(updateMessage(u)) {
				return
			}
		case cmd := <-client.ch:
			if !write(types.StreamMessage{Type: types.StreamEffect, Effect: &cmd}) {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteWait)); err != nil {
				return
			}
		}
	}
}

func updateMessage(u reconcile.Update) types.StreamMessage {
	if u.Kind == reconcile.UpdateServerCall {
		sc := toServerCall(u.Server)
		return types.StreamMessage{Type: types.StreamServerCall, ServerCall: &sc}
	}
	v := toCallView(u.View)
	return types.StreamMessage{Type: types.StreamView, View: &v}
}
