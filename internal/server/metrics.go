// Package server exposes Prometheus instrumentation for sessions, rooms,
// message delivery, and the file transfer pipeline.
package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the server's Prometheus collectors, registered on a private
// registry so tests can construct servers without collector name collisions.
type Metrics struct {
	registry *prometheus.Registry

	ActiveSessions      prometheus.Gauge
	SessionsTotal       prometheus.Counter
	RejectedConnections prometheus.Counter
	ActiveRooms         prometheus.Gauge
	CommandsTotal       *prometheus.CounterVec
	MessagesDelivered   prometheus.Counter
	ActiveTransfers     prometheus.Gauge
	QueuedTransfers     prometheus.Gauge
	TransfersTotal      *prometheus.CounterVec
	RelayedBytes        prometheus.Counter
}

// NewMetrics creates and registers all collectors under the chatwire
// namespace.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,

		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatwire",
			Name:      "active_sessions",
			Help:      "Number of currently connected sessions",
		}),
		SessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "chatwire",
			Name:      "sessions_total",
			Help:      "Total number of accepted connections",
		}),
		RejectedConnections: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "chatwire",
			Name:      "rejected_connections_total",
			Help:      "Connections rejected because every slot was occupied",
		}),
		ActiveRooms: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatwire",
			Name:      "active_rooms",
			Help:      "Number of rooms with at least one member",
		}),
		CommandsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatwire",
			Name:      "commands_total",
			Help:      "Commands processed, by command name",
		}, []string{"command"}),
		MessagesDelivered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "chatwire",
			Name:      "messages_delivered_total",
			Help:      "Broadcast, whisper, and notice pushes delivered to clients",
		}),
		ActiveTransfers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatwire",
			Name:      "active_transfers",
			Help:      "File relays currently running",
		}),
		QueuedTransfers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatwire",
			Name:      "queued_transfers",
			Help:      "File transfer requests waiting in the backlog",
		}),
		TransfersTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatwire",
			Name:      "transfers_total",
			Help:      "Completed file relays, by outcome",
		}, []string{"status"}),
		RelayedBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "chatwire",
			Name:      "relayed_bytes_total",
			Help:      "Raw file payload bytes forwarded between clients",
		}),
	}
}

// Handler returns the HTTP handler serving this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
