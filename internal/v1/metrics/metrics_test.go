package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

// The collectors are promauto-registered against the global registry,
// so these tests exercise increments and reads rather than
// registration itself. A panic here means a duplicate or malformed
// declaration.

func TestConnectionGauge(t *testing.T) {
	before := testutil.ToFloat64(ActiveConnections)
	IncConnection()
	IncConnection()
	DecConnection()
	after := testutil.ToFloat64(ActiveConnections)
	assert.Equal(t, before+1, after)
}

func TestKVOperationMetrics(t *testing.T) {
	KVOperationsTotal.WithLabelValues("get", "success").Inc()
	val := testutil.ToFloat64(KVOperationsTotal.WithLabelValues("get", "success"))
	assert.GreaterOrEqual(t, val, float64(1))

	// Observing must not panic; histogram values are not asserted.
	KVOperationDuration.WithLabelValues("get").Observe(0.1)
}

func TestRecordCache(t *testing.T) {
	RecordCache("profile_lru", true)
	RecordCache("profile_lru", false)

	hits := testutil.ToFloat64(CacheRequests.WithLabelValues("profile_lru", "hit"))
	misses := testutil.ToFloat64(CacheRequests.WithLabelValues("profile_lru", "miss"))
	assert.GreaterOrEqual(t, hits, float64(1))
	assert.GreaterOrEqual(t, misses, float64(1))
}

func TestRecordMatch(t *testing.T) {
	before := testutil.ToFloat64(MatchesTotal.WithLabelValues("text"))
	RecordMatch("text", 0.75, 4.2)
	after := testutil.ToFloat64(MatchesTotal.WithLabelValues("text"))
	assert.Equal(t, before+1, after)
}

func TestCircuitBreakerMetrics(t *testing.T) {
	CircuitBreakerState.WithLabelValues("redis").Set(1)
	assert.Equal(t, float64(1), testutil.ToFloat64(CircuitBreakerState.WithLabelValues("redis")))

	CircuitBreakerFailures.WithLabelValues("redis").Inc()
	assert.GreaterOrEqual(t, testutil.ToFloat64(CircuitBreakerFailures.WithLabelValues("redis")), float64(1))
}

func TestQueueDepthGauge(t *testing.T) {
	QueueDepth.WithLabelValues("video").Set(7)
	assert.Equal(t, float64(7), testutil.ToFloat64(QueueDepth.WithLabelValues("video")))
}
