// Package metrics holds the Prometheus collectors of one sync session.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the collectors the engine components update.
// The zero registry mode (New(nil)) builds unregistered collectors so tests
// and embedded sessions never touch a global registry.
type Metrics struct {
	ConnectionState *prometheus.GaugeVec
	DialAttempts    *prometheus.CounterVec
	EventsPublished *prometheus.CounterVec
	HandlerFailures *prometheus.CounterVec
	OutboundSignals *prometheus.CounterVec
	InboundDropped  *prometheus.CounterVec
	WriteFailures   *prometheus.CounterVec
	UnreadMessages  prometheus.Gauge
}

// New builds the collectors and registers them on reg when reg is non-nil.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ConnectionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "chatsync",
			Name:      "connection_state",
			Help:      "1 for the current connection state, 0 otherwise.",
		}, []string{"state"}),
		DialAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "dial_attempts_total",
			Help:      "Channel dial attempts by result.",
		}, []string{"result"}),
		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "events_published_total",
			Help:      "Events published on the dispatcher by kind.",
		}, []string{"kind"}),
		HandlerFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "handler_failures_total",
			Help:      "Subscriber errors and panics isolated by the dispatcher.",
		}, []string{"kind"}),
		OutboundSignals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "outbound_signals_total",
			Help:      "Client to server signals by type and result.",
		}, []string{"type", "result"}),
		InboundDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "inbound_dropped_total",
			Help:      "Inbound envelopes dropped before dispatch by reason.",
		}, []string{"reason"}),
		WriteFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "write_failures_total",
			Help:      "Durable writes rejected and rolled back by operation.",
		}, []string{"op"}),
		UnreadMessages: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatsync",
			Name:      "unread_messages",
			Help:      "Unread messages in the open conversation.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.ConnectionState,
			m.DialAttempts,
			m.EventsPublished,
			m.HandlerFailures,
			m.OutboundSignals,
			m.InboundDropped,
			m.WriteFailures,
			m.UnreadMessages,
		)
	}
	return m
}

// SetConnectionState flips the state gauge to the given state.
func (m *Metrics) SetConnectionState(current string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == current {
			v = 1
		}
		m.ConnectionState.WithLabelValues(s).Set(v)
	}
}
