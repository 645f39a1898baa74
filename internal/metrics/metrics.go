package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	dto "github.com/prometheus/client_model/go"
)

// Event names.
const (
	EventUnknownPeer       = "envelope_unknown_peer"
	EventWrongRoom         = "envelope_wrong_room"
	EventMisaddressed      = "envelope_misaddressed"
	EventProtocolViolation = "envelope_protocol_violation"
	EventNegotiationFailed = "negotiation_failed"
	EventPeerAdded         = "peer_added"
	EventPeerRemoved       = "peer_removed"
	EventPeerConnected     = "peer_connected"
	EventChatSent          = "chat_sent"
	EventChatReceived      = "chat_received"

	EventRelayJoin          = "relay_join"
	EventRelayLeave         = "relay_leave"
	EventRelayRouted        = "relay_routed"
	EventRelayTargetMissing = "relay_target_missing"
	EventRelayRateLimited   = "relay_rate_limited"
	EventRelayQueueDropped  = "relay_queue_dropped"
	EventRelayAuthRejected  = "relay_auth_rejected"
	EventRelayInvalid       = "relay_invalid_envelope"
)

// Gauge names.
const (
	GaugePeers       = "peers"
	GaugeRooms       = "relay_rooms"
	GaugeConnections = "relay_connections"
)

// Metrics is a per-process prometheus registry holding one labelled event
// counter and a few gauges. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry
	events   *prometheus.CounterVec
	gauges   *prometheus.GaugeVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "webrtc_mesh",
			Name:      "events_total",
			Help:      "Internal event counters.",
		}, []string{"event"}),
		gauges: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "webrtc_mesh",
			Name:      "current",
			Help:      "Current sizes of peer, room and connection sets.",
		}, []string{"name"}),
	}
	reg.MustRegister(m.events, m.gauges)
	reg.MustRegister(collectors.NewGoCollector())
	return m
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, n uint64) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(name).Add(float64(n))
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	var out dto.Metric
	if err := m.events.WithLabelValues(name).Write(&out); err != nil {
		return 0
	}
	return uint64(out.GetCounter().GetValue())
}

func (m *Metrics) SetGauge(name string, v int) {
	if m == nil {
		return
	}
	m.gauges.WithLabelValues(name).Set(float64(v))
}

func (m *Metrics) Gauge(name string) float64 {
	if m == nil {
		return 0
	}
	var out dto.Metric
	if err := m.gauges.WithLabelValues(name).Write(&out); err != nil {
		return 0
	}
	return out.GetGauge().GetValue()
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}
