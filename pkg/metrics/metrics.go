// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// ConnectionsActive tracks open websocket connections by role.
	ConnectionsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ws_connections_active",
			Help: "Number of active websocket connections",
		},
		[]string{"role"},
	)

	// HandshakeFailures counts rejected websocket handshakes.
	HandshakeFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ws_handshake_failures_total",
			Help: "Websocket handshakes rejected by the identity verifier",
		},
	)

	// SSEConnectionsActive tracks active SSE connections.
	SSEConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sse_connections_active",
			Help: "Number of active SSE connections",
		},
	)

	// MessagesTotal tracks total messages appended.
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_total",
			Help: "Total messages accepted and persisted",
		},
		[]string{"role"},
	)

	// RejectionsTotal tracks requests rejected back to their sender.
	RejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rejections_total",
			Help: "Client events rejected, by error code",
		},
		[]string{"code"},
	)

	// FanoutDeliveries tracks events enqueued to room members.
	FanoutDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fanout_deliveries_total",
			Help: "Events delivered to room members",
		},
		[]string{"event"},
	)

	// FanoutDropped tracks members skipped because they were closed or too slow.
	FanoutDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fanout_dropped_total",
			Help: "Room members skipped during fan-out",
		},
	)

	// RoomsActive tracks rooms with at least one member.
	RoomsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rooms_active",
			Help: "Rooms with at least one connected member",
		},
	)

	// StoreAppendDuration tracks conversation store append latency.
	StoreAppendDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "store_append_duration_seconds",
			Help:    "Conversation store append latency",
			Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"backend", "status"},
	)

	// InboxEntries tracks conversations present in the agent inbox.
	InboxEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "inbox_entries",
			Help: "Conversations present in the agent inbox",
		},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordAppend records metrics for a store append.
func RecordAppend(backend string, err error, duration float64) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	StoreAppendDuration.WithLabelValues(backend, status).Observe(duration)
}

// IncrementConnections increments the active websocket connection count.
func IncrementConnections(role string) {
	ConnectionsActive.WithLabelValues(role).Inc()
}

// DecrementConnections decrements the active websocket connection count.
func DecrementConnections(role string) {
	ConnectionsActive.WithLabelValues(role).Dec()
}

// IncrementSSEConnections increments the active SSE connection count.
func IncrementSSEConnections() {
	SSEConnectionsActive.Inc()
}

// DecrementSSEConnections decrements the active SSE connection count.
func DecrementSSEConnections() {
	SSEConnectionsActive.Dec()
}
