package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Packet results reported by the net channel.
const (
	PacketAccepted  = "accepted"
	PacketPartial   = "partial"
	PacketStale     = "stale"
	PacketDuplicate = "duplicate"
	PacketMalformed = "malformed"
	PacketLimited   = "limited"
)

// Metrics groups the collectors shared by the core. A nil *Metrics is valid
// and records nothing, which keeps tests free of registry plumbing.
type Metrics struct {
	packets   *prometheus.CounterVec
	events    *prometheus.CounterVec
	cache     *prometheus.CounterVec
	resources *prometheus.GaugeVec
	peers     prometheus.Gauge
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		packets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fxcore",
			Name:      "netchan_packets_total",
			Help:      "Datagrams processed by net channels, by result.",
		}, []string{"result"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fxcore",
			Name:      "events_dispatched_total",
			Help:      "Events dispatched by the event bus, by mode.",
		}, []string{"mode"}),
		cache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fxcore",
			Name:      "cache_fetch_total",
			Help:      "Resource cache fetches, by result.",
		}, []string{"result"}),
		resources: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "fxcore",
			Name:      "resources",
			Help:      "Resources known to the manager, by state.",
		}, []string{"state"}),
		peers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fxcore",
			Name:      "peers",
			Help:      "Connected endpoint peers.",
		}),
	}
	reg.MustRegister(m.packets, m.events, m.cache, m.resources, m.peers)
	return m
}

func (m *Metrics) Packet(result string) {
	if m == nil {
		return
	}
	m.packets.WithLabelValues(result).Inc()
}

func (m *Metrics) Event(mode string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(mode).Inc()
}

func (m *Metrics) CacheFetch(result string) {
	if m == nil {
		return
	}
	m.cache.WithLabelValues(result).Inc()
}

// SetResourceStates replaces the per-state resource gauge.
func (m *Metrics) SetResourceStates(counts map[string]int) {
	if m == nil {
		return
	}
	m.resources.Reset()
	for state, n := range counts {
		m.resources.WithLabelValues(state).Set(float64(n))
	}
}

func (m *Metrics) SetPeers(n int) {
	if m == nil {
		return
	}
	m.peers.Set(float64(n))
}
