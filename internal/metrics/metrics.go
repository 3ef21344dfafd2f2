package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayclaw_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relayclaw_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Pipeline metrics
	CyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayclaw_cycles_total",
			Help: "Processing cycles by outcome",
		},
		[]string{"outcome"}, // "success", "failure", "skipped"
	)

	MessagesProcessed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relayclaw_messages_processed_total",
			Help: "Messages passed downstream of the dedup filter",
		},
	)

	ResponsesDelivered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relayclaw_responses_delivered_total",
			Help: "Replies confirmed delivered",
		},
	)

	CooldownDenials = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relayclaw_cooldown_denials_total",
			Help: "Triggers denied by the cooldown gate",
		},
	)

	// Generation metrics
	GenerationAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayclaw_generation_attempts_total",
			Help: "Completion attempts by model and result",
		},
		[]string{"model", "result"}, // "ok", "error", "invalid"
	)

	GenerationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relayclaw_generation_duration_seconds",
			Help:    "Completion call latency",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"model"},
	)

	// Delivery metrics
	DeliveryRateLimited = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relayclaw_delivery_rate_limited_total",
			Help: "Deliveries that hit a platform rate limit",
		},
	)

	DeliveryAbandoned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relayclaw_delivery_abandoned_total",
			Help: "Deliveries given up after errors or exhausted retries",
		},
	)

	// Relay metrics
	RelayPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relayclaw_relay_pending",
			Help: "Forwarded messages awaiting a correlated response",
		},
	)

	RelayTimeouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relayclaw_relay_timeouts_total",
			Help: "Correlations evicted by timeout",
		},
	)

	RelayUnmatched = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relayclaw_relay_unmatched_total",
			Help: "Responses ignored because their correlation id was not pending",
		},
	)

	// Gateway metrics
	GatewayReconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayclaw_gateway_reconnects_total",
			Help: "Gateway reconnects by mode",
		},
		[]string{"mode"}, // "resume", "identify"
	)

	IngestDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relayclaw_ingest_dropped_total",
			Help: "Pushed messages dropped because a scope buffer was full",
		},
	)
)
