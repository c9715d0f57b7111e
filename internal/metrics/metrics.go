package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rooms_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rooms_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Sessions and rooms
	SessionsConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rooms_sessions_connected",
			Help: "Live websocket sessions",
		},
	)

	RoomsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rooms_active",
			Help: "Rooms with at least one subscribed session",
		},
	)

	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rooms_events_total",
			Help: "Events fanned out to sessions",
		},
		[]string{"event"},
	)

	EventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rooms_events_dropped_total",
			Help: "Events dropped because a session buffer was full",
		},
	)

	Moves = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rooms_moves_total",
			Help: "Submitted moves by result",
		},
		[]string{"result"}, // accepted, illegal_turn, illegal_move, error
	)

	// Persistence
	OutboxPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rooms_outbox_pending",
			Help: "Durable writes waiting in the outbox",
		},
	)

	OutboxFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rooms_outbox_failures_total",
			Help: "Outbox attempts that failed",
		},
		[]string{"kind", "final"},
	)

	CacheFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rooms_cache_fallbacks_total",
			Help: "Reads served from the durable store after a cache miss or error",
		},
		[]string{"kind"},
	)

	StoreOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rooms_store_op_duration_seconds",
			Help:    "Durable store call latency",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"op"},
	)
)
