package chatsync

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	transportState *prometheus.GaugeVec
	reconnects     prometheus.Counter
	frames         *prometheus.CounterVec
	sends          *prometheus.CounterVec
	fetches        *prometheus.CounterVec
	notifications  *prometheus.CounterVec
	unread         prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg. Pass
// prometheus.DefaultRegisterer to expose them on promhttp.Handler().
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		transportState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "chatsync",
			Name:      "transport_state",
			Help:      "1 for the transport's current state, 0 otherwise.",
		}, []string{"state"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "reconnect_attempts_total",
			Help:      "Live transport reconnection attempts.",
		}),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "inbound_frames_total",
			Help:      "Inbound frames by routing outcome.",
		}, []string{"outcome"}),
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "sends_total",
			Help:      "Optimistic sends by final delivery state.",
		}, []string{"result"}),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "history_fetches_total",
			Help:      "History fetches by result.",
		}, []string{"result"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "notifications_total",
			Help:      "Desktop notifications by result.",
		}, []string{"result"}),
		unread: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatsync",
			Name:      "unread_messages",
			Help:      "Unread messages across all conversations.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.transportState, m.reconnects, m.frames, m.sends, m.fetches, m.notifications, m.unread)
	}
	return m
}

var allTransportStates = []TransportState{
	StateDisconnected, StateConnecting, StateConnected, StateReconnecting, StatePollingFallback,
}

func (m *Metrics) setTransportState(s TransportState) {
	if m == nil {
		return
	}
	for _, st := range allTransportStates {
		v := 0.0
		if st == s {
			v = 1
		}
		m.transportState.WithLabelValues(string(st)).Set(v)
	}
}

func (m *Metrics) reconnect() {
	if m != nil {
		m.reconnects.Inc()
	}
}

func (m *Metrics) frame(outcome string) {
	if m != nil {
		m.frames.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) send(result string) {
	if m != nil {
		m.sends.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) fetch(result string) {
	if m != nil {
		m.fetches.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) notification(result string) {
	if m != nil {
		m.notifications.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) setUnread(total int) {
	if m != nil {
		m.unread.Set(float64(total))
	}
}
