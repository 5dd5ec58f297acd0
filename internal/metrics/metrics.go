// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks local API request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "convsync_api_request_duration_seconds",
			Help:    "Local API request duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total local API requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convsync_api_requests_total",
			Help: "Total local API requests",
		},
		[]string{"method", "path", "status"},
	)

	// CacheReads counts read-through cache results by outcome
	// (fresh, stale, miss).
	CacheReads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convsync_cache_reads_total",
			Help: "Read-through cache results by outcome",
		},
		[]string{"outcome"},
	)

	ConversationsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "convsync_conversations_created_total",
			Help: "Conversations created by the resolver",
		},
	)

	// MessagesSent counts send attempts by result (delivered, failed).
	MessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convsync_messages_sent_total",
			Help: "Optimistic sends by result",
		},
		[]string{"result"},
	)

	// RealtimeEvents counts realtime envelopes by direction and kind.
	RealtimeEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convsync_realtime_events_total",
			Help: "Realtime envelopes by direction and kind",
		},
		[]string{"direction", "kind"},
	)

	// BusDropped counts bus deliveries skipped because a subscriber's buffer
	// was full, by the first segment of the event kind.
	BusDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convsync_bus_dropped_total",
			Help: "In-process bus deliveries dropped on full subscriber buffers",
		},
		[]string{"namespace"},
	)

	// RealtimeConnected is 1 while the realtime transport is connected.
	RealtimeConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "convsync_realtime_connected",
			Help: "Whether the realtime transport is connected",
		},
	)

	HandlesOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "convsync_handles_open",
			Help: "Number of open conversation handles",
		},
	)

	// StreamsActive tracks connected SSE and websocket event streams.
	StreamsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "convsync_event_streams_active",
			Help: "Connected handle event streams",
		},
		[]string{"kind"},
	)
)

// RecordRequest records metrics for a local API request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}
