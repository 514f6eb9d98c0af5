// Package effects drives the device-side consequences of call view
// transitions: ringtone, push notification and audio output routing.
package effects

import (
	"context"
	"time"
)

// Ringer plays the ringtone on the owning device.
type Ringer interface {
	StartRing(sessionID string)
	StopRing(sessionID string)
}

// AudioRouter points call audio at an output device and releases it.
type AudioRouter interface {
	RouteAudio(sessionID, deviceID string)
	ReleaseAudio(sessionID string)
}

// Notification describes a push notification for a ringing call.
type Notification struct {
	SessionID     string    `json:"session_id"`
	ClientName    string    `json:"client_name,omitempty"`
	ClientNumber  string    `json:"client_number,omitempty"`
	BranchName    string    `json:"branch_name,omitempty"`
	DealerChannel string    `json:"dealer_channel,omitempty"`
	At            time.Time `json:"at"`
}

// Notifier dispatches and retracts push notifications. Notify reports
// false when another device or tab already claimed the notification.
type Notifier interface {
	Notify(ctx context.Context, n Notification) (bool, error)
	Retract(ctx context.Context, sessionID string) error
}

// Metrics counts fired side effects.
type Metrics interface {
	EffectFired(effect, action string)
}

// Effect names used in metrics and logs.
const (
	EffectRingtone     = "ringtone"
	EffectNotification = "notification"
	EffectAudioRoute   = "audio_route"
)

type noopRinger struct{}

func (noopRinger) StartRing(string) {}
func (noopRinger) StopRing(string)  {}

type noopRouter struct{}

func (noopRouter) RouteAudio(string, string) {}
func (noopRouter) ReleaseAudio(string)       {}

type noopMetrics struct{}

func (noopMetrics) EffectFired(string, string) {}
