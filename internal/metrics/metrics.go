// Package metrics provides Prometheus instrumentation for the rooms gateway.
// It exposes gauges for connections and online users, counters for client
// events, drops and failures, and a histogram for message pipeline latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of authenticated WebSocket
	// connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rooms_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// OnlineUsers tracks the number of users with at least one connection.
	OnlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rooms_online_users",
		Help: "Current number of users with at least one open connection",
	})

	// EventsTotal counts client events received, labeled by event type.
	EventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rooms_client_events_total",
		Help: "Total number of client events received",
	}, []string{"type"})

	// DroppedTotal counts client events dropped without a reply.
	DroppedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rooms_dropped_events_total",
		Help: "Total number of client events silently dropped",
	}, []string{"reason"}) // reason = "not_member", "invalid", "rate_limited", "oracle_error"

	// PipelineLatency records end-to-end message send latency in seconds.
	PipelineLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "rooms_message_pipeline_seconds",
		Help:    "Message pipeline latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// PipelineErrors counts store failures surfaced to clients, by error code.
	PipelineErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rooms_pipeline_errors_total",
		Help: "Total number of store failures reported to clients",
	}, []string{"code"})

	// AuthFailures counts refused WebSocket handshakes.
	AuthFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rooms_auth_failures_total",
		Help: "Total number of refused WebSocket handshakes",
	}, []string{"reason"}) // reason = "missing_token", "unauthenticated", "unavailable"
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		OnlineUsers,
		EventsTotal,
		DroppedTotal,
		PipelineLatency,
		PipelineErrors,
		AuthFailures,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
