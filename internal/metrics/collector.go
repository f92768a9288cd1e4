// Package metrics exposes Prometheus instrumentation for the Stargate core:
// device counts, gateway connectivity, event throughput, cache refresh
// activity, and watchdog reconnect attempts.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "stargate"
)

// Label names shared across metrics.
const (
	labelGateway = "gateway"
	labelDevtype = "devtype"
	labelKind    = "kind"
)

// Collector holds all Stargate Prometheus metrics.
type Collector struct {
	// DevicesRegistered tracks the number of devices known to each gateway.
	DevicesRegistered *prometheus.GaugeVec

	// GatewayConnected is 1 when a gateway's session is up, 0 otherwise.
	GatewayConnected *prometheus.GaugeVec

	// GatewayReconnects counts Watchdog-driven reconnect attempts per gateway.
	GatewayReconnects *prometheus.CounterVec

	// EventsPublished counts EventBus publications, labeled by kind: the
	// daemon uses "changed" for user-originated changes and "synthetic" for
	// cache refills.
	EventsPublished *prometheus.CounterVec

	// CacheRefreshesInFlight tracks outstanding refresh requests per gateway,
	// mirroring the per-iid refresh counters of spec.md §4.7/§4.8.
	CacheRefreshesInFlight *prometheus.GaugeVec

	// PersistenceOps counts persistence log operations by kind. The daemon
	// counts only "checkpoint" operations; individual record_change and
	// record_startup writes are not counted.
	PersistenceOps *prometheus.CounterVec

	// SynthRuleActions counts actions taken by Synthesizer rules.
	SynthRuleActions *prometheus.CounterVec
}

// NewCollector creates a Collector with all metrics registered against reg.
// If reg is nil, prometheus.DefaultRegisterer is used.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.DevicesRegistered,
		c.GatewayConnected,
		c.GatewayReconnects,
		c.EventsPublished,
		c.CacheRefreshesInFlight,
		c.PersistenceOps,
		c.SynthRuleActions,
	)

	return c
}

func newMetrics() *Collector {
	return &Collector{
		DevicesRegistered: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "devices_registered",
			Help:      "Number of devices currently registered per gateway.",
		}, []string{labelGateway}),

		GatewayConnected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "gateway_connected",
			Help:      "1 if the gateway's session is currently connected, 0 otherwise.",
		}, []string{labelGateway}),

		GatewayReconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_reconnects_total",
			Help:      "Total Watchdog-driven reconnect attempts per gateway.",
		}, []string{labelGateway}),

		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Total EventBus publications by event kind.",
		}, []string{labelKind}),

		CacheRefreshesInFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_refreshes_in_flight",
			Help:      "Outstanding cache refresh requests per gateway.",
		}, []string{labelGateway}),

		PersistenceOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persistence_ops_total",
			Help:      "Total persistence log operations by kind.",
		}, []string{labelKind}),

		SynthRuleActions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "synth_rule_actions_total",
			Help:      "Total actions taken by Synthesizer rules, by devtype of the acted-upon device.",
		}, []string{labelDevtype}),
	}
}

// RegisterDevice increments the registered-device gauge for a gateway.
func (c *Collector) RegisterDevice(gateway string) {
	c.DevicesRegistered.WithLabelValues(gateway).Inc()
}

// SetGatewayConnected sets the connectivity gauge for a gateway.
func (c *Collector) SetGatewayConnected(gateway string, connected bool) {
	v := 0.0
	if connected {
		v = 1.0
	}
	c.GatewayConnected.WithLabelValues(gateway).Set(v)
}

// IncReconnect increments the reconnect counter for a gateway.
func (c *Collector) IncReconnect(gateway string) {
	c.GatewayReconnects.WithLabelValues(gateway).Inc()
}

// IncEventPublished increments the event counter for a kind.
func (c *Collector) IncEventPublished(kind string) {
	c.EventsPublished.WithLabelValues(kind).Inc()
}

// SetRefreshesInFlight sets the in-flight refresh gauge for a gateway.
func (c *Collector) SetRefreshesInFlight(gateway string, n int) {
	c.CacheRefreshesInFlight.WithLabelValues(gateway).Set(float64(n))
}

// IncPersistenceOp increments the persistence operation counter for a kind.
func (c *Collector) IncPersistenceOp(kind string) {
	c.PersistenceOps.WithLabelValues(kind).Inc()
}

// IncSynthAction increments the Synthesizer action counter for a devtype.
func (c *Collector) IncSynthAction(devtype string) {
	c.SynthRuleActions.WithLabelValues(devtype).Inc()
}
