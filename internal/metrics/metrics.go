// Package metrics provides Prometheus instrumentation for the HomeChat
// server: connection and presence gauges, message throughput counters, and
// a latency histogram for assistant API calls.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of live WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "homechat_connections_total",
		Help: "Current number of live WebSocket connections",
	})

	// OnlineUsers tracks the current number of distinct online display names.
	OnlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "homechat_online_users",
		Help: "Current number of distinct online users",
	})

	// MessagesTotal counts persisted messages by kind: "room", "dm" or
	// "collaborator" (bot and assistant posts).
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "homechat_messages_total",
		Help: "Total number of messages persisted",
	}, []string{"kind"})

	// DeliveriesTotal counts outbound frames delivered to connections.
	DeliveriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "homechat_deliveries_total",
		Help: "Total number of frames delivered to client connections",
	})

	// AssistantDuration records assistant API round-trip time in seconds.
	AssistantDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "homechat_assistant_request_seconds",
		Help:    "Assistant API round-trip time in seconds",
		Buckets: []float64{.25, .5, 1, 2, 5, 10, 20, 30, 60},
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		OnlineUsers,
		MessagesTotal,
		DeliveriesTotal,
		AssistantDuration,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
