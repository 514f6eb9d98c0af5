// Package metrics exposes console instrumentation as Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sebas/callconsole/internal/console/effects"
	"github.com/sebas/callconsole/internal/console/feed"
	"github.com/sebas/callconsole/internal/console/reconcile"
	"github.com/sebas/callconsole/internal/console/registry"
	"github.com/sebas/callconsole/internal/console/session"
)

const namespace = "callconsole"

// Collector implements the registry, reconciler and effects metric hooks.
type Collector struct {
	reg *prometheus.Registry

	callsStarted *prometheus.CounterVec
	callsEnded   *prometheus.CounterVec
	commands     *prometheus.CounterVec
	transport    *prometheus.GaugeVec
	feedEvents   *prometheus.CounterVec
	freshness    *prometheus.GaugeVec
	serverCalls  *prometheus.CounterVec
	effects      *prometheus.CounterVec
}

// New creates a collector on its own registry, including Go runtime and
// process collectors.
func New() *Collector {
	c := &Collector{
		reg: prometheus.NewRegistry(),
		callsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "calls_started_total",
			Help: "Calls created, by direction.",
		}, []string{"direction"}),
		callsEnded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "calls_ended_total",
			Help: "Calls terminated, by direction and cause.",
		}, []string{"direction", "cause"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "commands_total",
			Help: "Registry commands, by command and result code.",
		}, []string{"command", "result"}),
		transport: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "transport_state",
			Help: "1 for the current signaling transport state.",
		}, []string{"state"}),
		feedEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "feed_events_total",
			Help: "Call event feed events, by kind.",
		}, []string{"kind"}),
		freshness: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "feed_freshness",
			Help: "1 for the current call's feed freshness.",
		}, []string{"freshness"}),
		serverCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "server_calls_total",
			Help: "Switch records surfaced without a local call, by reason.",
		}, []string{"reason"}),
		effects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "side_effects_total",
			Help: "Side effects fired, by effect and action.",
		}, []string{"effect", "action"}),
	}
	c.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.callsStarted, c.callsEnded, c.commands, c.transport,
		c.feedEvents, c.freshness, c.serverCalls, c.effects,
	)
	c.TransportChanged(registry.TransportUnregistered)
	c.FreshnessChanged(reconcile.FreshnessUnavailable)
	return c
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry { return c.reg }

// Handler serves the collector in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{Registry: c.reg})
}

func (c *Collector) CallStarted(dir session.Direction) {
	c.callsStarted.WithLabelValues(dir.String()).Inc()
}

func (c *Collector) CallEnded(dir session.Direction, cause session.Cause) {
	c.callsEnded.WithLabelValues(dir.String(), cause.String()).Inc()
}

func (c *Collector) CommandResult(cmd string, err error) {
	c.commands.WithLabelValues(cmd, registry.ErrorCode(err)).Inc()
}

func (c *Collector) TransportChanged(state registry.TransportState) {
	for _, s := range []registry.TransportState{
		registry.TransportUnregistered, registry.TransportRegistering,
		registry.TransportRegistered, registry.TransportDisconnected,
	} {
		v := 0.0
		if s == state {
			v = 1
		}
		c.transport.WithLabelValues(s.String()).Set(v)
	}
}

func (c *Collector) FeedEvent(kind feed.EventKind) {
	c.feedEvents.WithLabelValues(kind.String()).Inc()
}

func (c *Collector) FreshnessChanged(f reconcile.Freshness) {
	for _, s := range []reconcile.Freshness{
		reconcile.FreshnessUnavailable, reconcile.FreshnessLive, reconcile.FreshnessStale,
	} {
		v := 0.0
		if s == f {
			v = 1
		}
		c.freshness.WithLabelValues(s.String()).Set(v)
	}
}

func (c *Collector) ServerCall(reason string) {
	c.serverCalls.WithLabelValues(reason).Inc()
}

func (c *Collector) EffectFired(effect, action string) {
	c.effects.WithLabelValues(effect, action).Inc()
}

var (
	_ registry.Metrics  = (*Collector)(nil)
	_ reconcile.Metrics = (*Collector)(nil)
	_ effects.Metrics   = (*Collector)(nil)
)
