// Package metrics holds Prometheus collectors of the relay.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "socketchat"

type Metrics struct {
	Connections    prometheus.Gauge
	Rooms          prometheus.Gauge
	Rejected       prometheus.Counter
	FramesRelayed  prometheus.Counter
	BytesRelayed   prometheus.Counter
	Announcements  *prometheus.CounterVec
	DeliveryFailed prometheus.Counter
}

// New creates relay collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Number of open relay connections.",
		}),
		Rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rooms",
			Help:      "Number of rooms with at least one subscriber.",
		}),
		Rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upgrades_rejected_total",
			Help:      "Upgrade requests rejected for missing identity.",
		}),
		FramesRelayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_relayed_total",
			Help:      "Inbound frames stamped and published to a room.",
		}),
		BytesRelayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_relayed_bytes_total",
			Help:      "Size of published frames including trailer.",
		}),
		Announcements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "announcements_total",
			Help:      "Lifecycle announcements published.",
		}, []string{"event"}),
		DeliveryFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_failed_total",
			Help:      "Messages not delivered to a subscriber within the forward timeout.",
		}),
	}
	reg.MustRegister(
		m.Connections,
		m.Rooms,
		m.Rejected,
		m.FramesRelayed,
		m.BytesRelayed,
		m.Announcements,
		m.DeliveryFailed,
	)
	return m
}
