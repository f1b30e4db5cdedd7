package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	UpsertedValuesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "facet_upserted_values_total",
			Help: "Total number of values written to master relations (count)",
		},
		[]string{"dimension"},
	)

	PrunedValuesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "facet_pruned_values_total",
			Help: "Total number of orphaned values removed from master relations (count)",
		},
		[]string{"dimension"},
	)

	PruneDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "facet_prune_duration_ms",
			Help:    "Duration of one reconciliation pass in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		},
		[]string{"dimension", "status"},
	)

	SyncDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "facet_sync_duration_ms",
			Help:    "Duration of one full dimension sync in milliseconds",
			Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		},
		[]string{"dimension", "status"},
	)

	ChangeEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "facet_change_events_total",
			Help: "Total number of change-feed events processed (count)",
		},
		[]string{"dimension", "op"},
	)

	ListenerReconnectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "facet_listener_reconnects_total",
			Help: "Total number of change-feed resubscriptions (count)",
		},
		[]string{"source"},
	)

	EventsBroadcastTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "facet_events_broadcast_total",
			Help: "Total number of filter update events broadcast to observers (count)",
		},
		[]string{"action"},
	)

	EventsDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "facet_events_dropped_total",
			Help: "Total number of events dropped for slow observers (count)",
		},
		[]string{"sink"},
	)

	ConnectedObservers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "facet_connected_observers",
			Help: "Number of currently connected WebSocket observers (count)",
		},
	)

	ActiveDimensions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "facet_active_dimensions",
			Help: "Number of enabled dimensions with a live listener (count)",
		},
	)

	CacheRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "facet_cache_requests_total",
			Help: "Filter option cache lookups by outcome (count)",
		},
		[]string{"outcome"},
	)

	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open) (state code)",
		},
		[]string{"name"},
	)

	CircuitBreakerRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_requests_total",
			Help: "Total number of requests through circuit breaker (count)",
		},
		[]string{"name", "state"},
	)

	RetryAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retry_attempts_total",
			Help: "Total number of retry attempts (count)",
		},
		[]string{"service", "topic"},
	)

	RateLimitRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limit_requests_total",
			Help: "Total number of requests through the rate limiter (count)",
		},
		[]string{"status"},
	)
)

var registered = false

func RegisterAgentMetrics() {
	if registered {
		return
	}
	registered = true

	prometheus.MustRegister(
		UpsertedValuesTotal,
		PrunedValuesTotal,
		PruneDuration,
		SyncDuration,
		ChangeEventsTotal,
		ListenerReconnectsTotal,
		EventsBroadcastTotal,
		EventsDroppedTotal,
		ConnectedObservers,
		ActiveDimensions,
		CacheRequestsTotal,
		RetryAttemptsTotal,
		RateLimitRequestsTotal,
	)
}

func RegisterCircuitBreakerMetrics() {
	prometheus.MustRegister(
		CircuitBreakerState,
		CircuitBreakerRequests,
	)
}

func ObservePruneDuration(dimension string, d time.Duration, status string) {
	PruneDuration.WithLabelValues(dimension, status).Observe(float64(d.Milliseconds()))
}

func ObserveSyncDuration(dimension string, d time.Duration, status string) {
	SyncDuration.WithLabelValues(dimension, status).Observe(float64(d.Milliseconds()))
}
