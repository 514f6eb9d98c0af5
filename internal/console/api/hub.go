package api

import (
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	types "github.com/sebas/callconsole/api/types/v1"
	"github.com/sebas/callconsole/internal/console/effects"
)

const hubClientBuffer = 64

// EffectHub carries ringtone and audio-route commands from the effects
// coordinator to the UI streams. It keeps the currently active commands so
// a UI that connects mid-call starts in the right state.
type EffectHub struct {
	mu      sync.Mutex
	clients map[*hubClient]struct{}
	active  map[string]types.EffectCommand
	dropped atomic.Int64
}

type hubClient struct {
	ch chan types.EffectCommand
}

// NewEffectHub creates an empty hub.
func NewEffectHub() *EffectHub {
	return &EffectHub{
		clients: make(map[*hubClient]struct{}),
		active:  make(map[string]types.EffectCommand),
	}
}

func (h *EffectHub) StartRing(sessionID string) {
	h.broadcast("ring:"+sessionID, true, types.EffectCommand{
		Effect: effects.EffectRingtone, Action: "start", SessionID: sessionID,
	})
}

func (h *EffectHub) StopRing(sessionID string) {
	h.broadcast("ring:"+sessionID, false, types.EffectCommand{
		Effect: effects.EffectRingtone, Action: "stop", SessionID: sessionID,
	})
}

func (h *EffectHub) RouteAudio(sessionID, deviceID string) {
	h.broadcast("route", true, types.EffectCommand{
		Effect: effects.EffectAudioRoute, Action: "apply", SessionID: sessionID, DeviceID: deviceID,
	})
}

func (h *EffectHub) ReleaseAudio(sessionID string) {
	h.broadcast("route", false, types.EffectCommand{
		Effect: effects.EffectAudioRoute, Action: "release", SessionID: sessionID,
	})
}

// Dropped returns how many commands were dropped on full client buffers.
func (h *EffectHub) Dropped() int64 {
	return h.dropped.Load()
}

func (h *EffectHub) broadcast(key string, active bool, cmd types.EffectCommand) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if active {
		h.active[key] = cmd
	} else {
		delete(h.active, key)
	}
	for c := range h.clients {
		select {
		case c.ch <- cmd:
		default:
			h.dropped.Add(1)
			slog.Warn("[API] Stream buffer full, dropping effect command",
				"effect", cmd.Effect, "action", cmd.Action, "session", cmd.SessionID)
		}
	}
}

// attach registers a stream and returns the commands it must replay.
func (h *EffectHub) attach() (*hubClient, []types.EffectCommand) {
	h.mu.Lock()
	defer h.mu.Unlock()

	c := &hubClient{ch: make(chan types.EffectCommand, hubClientBuffer)}
	h.clients[c] = struct{}{}

	keys := make([]string, 0, len(h.active))
	for k := range h.active {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	replay := make([]types.EffectCommand, 0, len(keys))
	for _, k := range keys {
		replay = append(replay, h.active[k])
	}
	return c, replay
}

func (h *EffectHub) detach(c *hubClient) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

var (
	_ effects.Ringer      = (*EffectHub)(nil)
	_ effects.AudioRouter = (*EffectHub)(nil)
)
