package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/tinchat/server/internal/v1/logging"
	"github.com/tinchat/server/internal/v1/metrics"
)

// slowRequestThreshold is how long a request may run before it is
// worth a warning. Store retries alone can take ~4s, so the threshold
// sits above a single attempt but below the full retry budget.
const slowRequestThreshold = 1 * time.Second

// RequestTiming observes request latency per route and warns on slow
// requests. Mounted only when performance monitoring is enabled.
func RequestTiming() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		took := time.Since(start)

		route := c.FullPath()
		if route == "" {
			// Unmatched routes would explode label cardinality.
			route = "unmatched"
		}
		metrics.HTTPRequestDuration.
			WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).
			Observe(took.Seconds())

		if took > slowRequestThreshold {
			logging.Warn(c.Request.Context(), "Slow HTTP request",
				zap.String("method", c.Request.Method),
				zap.String("route", route),
				zap.Int("status", c.Writer.Status()),
				zap.Duration("took", took))
		}
	}
}
