// Package metrics exposes per-node Prometheus counters.
//
// Each node owns its own registry, so several nodes can run in one process.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "carrier"

// Metrics holds the counters a node updates.
type Metrics struct {
	registry *prometheus.Registry

	PacketsReceived  *prometheus.CounterVec
	PacketsSent      *prometheus.CounterVec
	PacketsDropped   *prometheus.CounterVec
	MessagesSent     prometheus.Counter
	MessagesReceived prometheus.Counter
	FriendRequests   *prometheus.CounterVec
	Invites          *prometheus.CounterVec
	FileBytes        *prometheus.CounterVec
	FriendsOnline    prometheus.Gauge
	RoutingNodes     prometheus.Gauge
}

// New creates the counters and registers them on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		PacketsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_received_total",
			Help:      "Packets received, by packet type.",
		}, []string{"type"}),
		PacketsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_sent_total",
			Help:      "Packets sent, by packet type.",
		}, []string{"type"}),
		PacketsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_dropped_total",
			Help:      "Inbound packets discarded, by reason.",
		}, []string{"reason"}),
		MessagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Friend messages sent.",
		}),
		MessagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Friend messages delivered to the handler.",
		}),
		FriendRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "friend_requests_total",
			Help:      "Friend requests, by direction and outcome.",
		}, []string{"direction", "outcome"}),
		Invites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invites_total",
			Help:      "Invites, by direction.",
		}, []string{"direction"}),
		FileBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "file_bytes_total",
			Help:      "File payload bytes put on or taken off the wire, by direction.",
		}, []string{"direction"}),
		FriendsOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "friends_online",
			Help:      "Friends currently connected.",
		}),
		RoutingNodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "routing_nodes",
			Help:      "Nodes in the routing table.",
		}),
	}

	m.registry.MustRegister(
		m.PacketsReceived,
		m.PacketsSent,
		m.PacketsDropped,
		m.MessagesSent,
		m.MessagesReceived,
		m.FriendRequests,
		m.Invites,
		m.FileBytes,
		m.FriendsOnline,
		m.RoutingNodes,
	)
	return m
}

// Registry returns the registry the counters live on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
