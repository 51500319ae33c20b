// Package metrics declares the Prometheus instrumentation shared by
// the server's components.
//
// Naming convention: namespace_subsystem_name
//   - namespace: tinchat (application-level grouping)
//   - subsystem: socket, room, match, cache, presence, friends, kv, http
//   - name: specific metric (connections_active, pairs_total, etc.)
//
// Metric Types:
//   - Gauge: Current state (connections, rooms, queue depth)
//   - Counter: Cumulative events (events processed, cache hits, errors)
//   - Histogram: Distributions (processing time, match scores, wait times)
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActiveConnections tracks the current number of open event sockets.
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "tinchat",
		Subsystem: "socket",
		Name:      "connections_active",
		Help:      "Current number of active event socket connections",
	})

	// SocketEvents counts inbound socket events by type and outcome.
	SocketEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tinchat",
		Subsystem: "socket",
		Name:      "events_total",
		Help:      "Total socket events processed",
	}, []string{"event_type", "status"})

	// EventProcessingDuration tracks time spent handling socket events.
	EventProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "tinchat",
		Subsystem: "socket",
		Name:      "event_processing_seconds",
		Help:      "Time spent processing socket events",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"event_type"})

	// ActiveRooms tracks the current number of live paired sessions.
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "tinchat",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of active rooms",
	})

	// MessagesRelayed counts peer-to-peer relayed payloads by kind.
	MessagesRelayed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tinchat",
		Subsystem: "room",
		Name:      "relayed_total",
		Help:      "Total payloads relayed between room peers",
	}, []string{"kind"})

	// QueueDepth tracks matchmaker queue length per chat type.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "tinchat",
		Subsystem: "match",
		Name:      "queue_depth",
		Help:      "Current number of users waiting per chat type",
	}, []string{"chat_type"})

	// MatchesTotal counts successful pairings per chat type.
	MatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tinchat",
		Subsystem: "match",
		Name:      "pairs_total",
		Help:      "Total successful pairings",
	}, []string{"chat_type"})

	// MatchScore tracks the score distribution of successful pairings.
	MatchScore = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "tinchat",
		Subsystem: "match",
		Name:      "score",
		Help:      "Score distribution of successful pairings",
		Buckets:   []float64{.1, .2, .3, .4, .5, .6, .7, .8, .9, 1},
	})

	// MatchWaitSeconds tracks how long the winning candidate waited.
	MatchWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "tinchat",
		Subsystem: "match",
		Name:      "wait_seconds",
		Help:      "Queue wait time of the selected candidate",
		Buckets:   []float64{1, 2, 5, 10, 30, 60, 120, 300},
	})

	// CacheRequests counts cache lookups by cache name and outcome.
	CacheRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tinchat",
		Subsystem: "cache",
		Name:      "requests_total",
		Help:      "Cache lookups by cache and outcome (hit/miss)",
	}, []string{"cache", "outcome"})

	// PresenceFlushes counts presence batch flushes by outcome.
	PresenceFlushes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tinchat",
		Subsystem: "presence",
		Name:      "flushes_total",
		Help:      "Presence batch flushes by outcome",
	}, []string{"status"})

	// PresenceQueueDepth tracks pending presence updates awaiting flush.
	PresenceQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "tinchat",
		Subsystem: "presence",
		Name:      "queue_depth",
		Help:      "Pending presence updates awaiting flush",
	})

	// FriendOperations counts friends-graph mutations by operation and outcome.
	FriendOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tinchat",
		Subsystem: "friends",
		Name:      "operations_total",
		Help:      "Friend graph operations by type and outcome",
	}, []string{"operation", "status"})

	// KVOperationsTotal counts remote key-value operations by op and outcome.
	KVOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tinchat",
		Subsystem: "kv",
		Name:      "operations_total",
		Help:      "Remote key-value operations by op and outcome",
	}, []string{"op", "status"})

	// KVOperationDuration tracks remote key-value operation latency.
	KVOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "tinchat",
		Subsystem: "kv",
		Name:      "operation_seconds",
		Help:      "Remote key-value operation latency",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"op"})

	// CircuitBreakerState reports the breaker state per backend (0=closed, 1=open, 2=half-open).
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "tinchat",
		Subsystem: "kv",
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state per backend (0=closed, 1=open, 2=half-open)",
	}, []string{"backend"})

	// CircuitBreakerFailures counts operations rejected by an open breaker.
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tinchat",
		Subsystem: "kv",
		Name:      "circuit_breaker_failures_total",
		Help:      "Operations rejected by an open circuit breaker",
	}, []string{"backend"})

	// HTTPRequestDuration tracks REST handler latency by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "tinchat",
		Subsystem: "http",
		Name:      "request_seconds",
		Help:      "HTTP request latency by method and route",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	}, []string{"method", "route", "status"})

	// RateLimitRequests counts requests that passed the rate limiter.
	RateLimitRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tinchat",
		Subsystem: "http",
		Name:      "rate_limit_requests_total",
		Help:      "Requests checked by the rate limiter",
	}, []string{"path"})

	// RateLimitExceeded counts requests rejected by the rate limiter.
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tinchat",
		Subsystem: "http",
		Name:      "rate_limit_exceeded_total",
		Help:      "Requests rejected by the rate limiter",
	}, []string{"path", "limit_type"})
)

func IncConnection() {
	ActiveConnections.Inc()
}

func DecConnection() {
	ActiveConnections.Dec()
}

// RecordCache records one cache lookup outcome for the named cache.
func RecordCache(cache string, hit bool) {
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	CacheRequests.WithLabelValues(cache, outcome).Inc()
}

// RecordMatch records a successful pairing with its score and the
// winning candidate's wait time in seconds.
func RecordMatch(chatType string, score float64, waitSeconds float64) {
	MatchesTotal.WithLabelValues(chatType).Inc()
	MatchScore.Observe(score)
	MatchWaitSeconds.Observe(waitSeconds)
}
