// Package ratelimit enforces the per-address HTTP budget and the
// socket connect budget. Counters live in the shared key-value tier
// when it is reachable and in process memory otherwise; a store error
// at request time fails open.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"

	"github.com/tinchat/server/internal/v1/config"
	"github.com/tinchat/server/internal/v1/kv"
	"github.com/tinchat/server/internal/v1/logging"
	"github.com/tinchat/server/internal/v1/metrics"
)

const storePrefix = "limiter:v1:"

// Limiter owns the two budgets: general HTTP traffic and socket
// upgrades, both keyed by remote address.
type Limiter struct {
	api *limiter.Limiter
	ws  *limiter.Limiter
}

// New parses the configured "<count>-<S|M|H>" rates and picks the
// backing store. A nil or disconnected key-value client means each
// instance counts alone in memory.
func New(cfg *config.Config, kvc *kv.Client) (*Limiter, error) {
	apiRate, err := limiter.NewRateFromFormatted(cfg.RateLimitAPI)
	if err != nil {
		return nil, fmt.Errorf("invalid API rate %q: %w", cfg.RateLimitAPI, err)
	}
	wsRate, err := limiter.NewRateFromFormatted(cfg.RateLimitWsConn)
	if err != nil {
		return nil, fmt.Errorf("invalid socket connect rate %q: %w", cfg.RateLimitWsConn, err)
	}

	var st limiter.Store
	if rdb := kvc.Underlying(); rdb != nil {
		st, err = sredis.NewStoreWithOptions(rdb, limiter.StoreOptions{Prefix: storePrefix})
		if err != nil {
			return nil, fmt.Errorf("rate limit store: %w", err)
		}
	} else {
		st = memory.NewStore()
		logging.Warn(context.Background(), "Rate limiter using in-memory store")
	}

	return &Limiter{
		api: limiter.New(st, apiRate),
		ws:  limiter.New(st, wsRate),
	}, nil
}

// Middleware enforces the HTTP budget per remote address.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return l.enforce(l.api, "ip")
}

// ConnectMiddleware guards the socket upgrade endpoint with its own,
// tighter budget so a reconnect loop cannot starve the HTTP plane.
func (l *Limiter) ConnectMiddleware() gin.HandlerFunc {
	return l.enforce(l.ws, "ws_ip")
}

func (l *Limiter) enforce(lim *limiter.Limiter, limitType string) gin.HandlerFunc {
	return func(c *gin.Context) {
		lctx, err := lim.Get(c.Request.Context(), c.ClientIP())
		if err != nil {
			// Protection, not correctness: a broken store admits.
			logging.Warn(c.Request.Context(), "Rate limit store failed, admitting request",
				zap.Error(err))
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.FormatInt(lctx.Limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(lctx.Remaining, 10))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(lctx.Reset, 10))

		if lctx.Reached {
			metrics.RateLimitExceeded.WithLabelValues(c.FullPath(), limitType).Inc()
			retryAfter := lctx.Reset - time.Now().Unix()
			if retryAfter < 1 {
				retryAfter = 1
			}
			c.Header("Retry-After", strconv.FormatInt(retryAfter, 10))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"success":   false,
				"error":     "too many requests",
				"timestamp": time.Now().UTC().Format(time.RFC3339),
			})
			return
		}

		metrics.RateLimitRequests.WithLabelValues(c.FullPath()).Inc()
		c.Next()
	}
}
