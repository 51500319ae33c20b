// Package kv wraps the remote key-value store behind a fail-soft API.
//
// Every operation runs through a circuit breaker with a hard 1s budget.
// On transport failure the operation logs at warn and reports a miss
// (or false) instead of returning an error: callers on the hot path
// fall through to the system of record rather than failing the request.
// A background probe pings the store every 30 seconds and flips the
// connected flag that the cache layer consults to skip the remote tier
// entirely while the store is down.
package kv

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/tinchat/server/internal/v1/logging"
	"github.com/tinchat/server/internal/v1/metrics"
)

const (
	// opTimeout is the hard per-operation budget. A remote read slower
	// than this counts as a miss.
	opTimeout = 1 * time.Second

	// probeInterval is how often the background health probe pings.
	probeInterval = 30 * time.Second

	// probeFailureThreshold is how many consecutive probe failures flip
	// the connected flag to false. One success flips it back.
	probeFailureThreshold = 2
)

// Entry is one key/value pair for pipelined multi-set, with its own TTL.
type Entry struct {
	Key   string
	Value string
	TTL   time.Duration
}

// Client is the shared remote key-value client. A nil *Client is valid
// and behaves as a permanently-missing tier, so callers never need to
// branch on whether the remote store is configured.
type Client struct {
	rdb *redis.Client
	cb  *gobreaker.CircuitBreaker

	connected     atomic.Bool
	probeFailures atomic.Int32

	stopProbe chan struct{}
	probeDone chan struct{}
	closeOnce sync.Once
}

// NewClient connects to the remote store and starts the health probe.
// The initial ping must succeed; a store that is down at startup is
// treated as not configured by the caller.
func NewClient(addr, password string) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           0,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to key-value store: %w", err)
	}

	st := gobreaker.Settings{
		Name:        "kv",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("kv").Set(stateVal)
		},
	}

	c := &Client{
		rdb:       rdb,
		cb:        gobreaker.NewCircuitBreaker(st),
		stopProbe: make(chan struct{}),
		probeDone: make(chan struct{}),
	}
	c.connected.Store(true)

	go c.probeLoop()

	logging.Info(context.Background(), "Connected to key-value store", zap.String("addr", addr))
	return c, nil
}

// IsConnected reports the health probe's current view. The cache layer
// skips the remote tier entirely while this is false.
func (c *Client) IsConnected() bool {
	if c == nil || c.rdb == nil {
		return false
	}
	return c.connected.Load()
}

// Underlying exposes the raw client for collaborators that need it
// directly (the rate limiter store). Nil when not configured.
func (c *Client) Underlying() *redis.Client {
	if c == nil {
		return nil
	}
	return c.rdb
}

// Ping checks connectivity. Used by health checks and the probe.
func (c *Client) Ping(ctx context.Context) error {
	if c == nil || c.rdb == nil {
		return errors.New("key-value store not configured")
	}
	_, err := c.cb.Execute(func() (interface{}, error) {
		pingCtx, cancel := context.WithTimeout(ctx, opTimeout)
		defer cancel()
		return nil, c.rdb.Ping(pingCtx).Err()
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) {
			metrics.CircuitBreakerFailures.WithLabelValues("kv").Inc()
		}
		return err
	}
	return nil
}

// Close stops the probe and releases the connection pool.
func (c *Client) Close() error {
	if c == nil || c.rdb == nil {
		return nil
	}
	var err error
	c.closeOnce.Do(func() {
		close(c.stopProbe)
		<-c.probeDone
		err = c.rdb.Close()
	})
	return err
}

// probeLoop pings every probeInterval and maintains the connected flag.
func (c *Client) probeLoop() {
	defer close(c.probeDone)

	ticker := time.NewTicker(probeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopProbe:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
			err := c.rdb.Ping(ctx).Err()
			cancel()

			if err != nil {
				failures := c.probeFailures.Add(1)
				if failures >= probeFailureThreshold && c.connected.CompareAndSwap(true, false) {
					logging.Warn(context.Background(), "Key-value store unreachable, failing open to system of record",
						zap.Int32("consecutive_failures", failures), zap.Error(err))
				}
				continue
			}

			c.probeFailures.Store(0)
			if c.connected.CompareAndSwap(false, true) {
				logging.Info(context.Background(), "Key-value store reachable again")
			}
		}
	}
}

// execute runs fn through the breaker with the per-op budget and
// records metrics. Transport errors are logged at warn and returned so
// the typed wrappers can degrade to a miss.
func (c *Client) execute(ctx context.Context, op string, fn func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	start := time.Now()
	res, err := c.cb.Execute(func() (interface{}, error) {
		opCtx, cancel := context.WithTimeout(ctx, opTimeout)
		defer cancel()
		return fn(opCtx)
	})
	metrics.KVOperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) {
			metrics.CircuitBreakerFailures.WithLabelValues("kv").Inc()
		} else {
			logging.Warn(ctx, "Key-value operation failed", zap.String("op", op), zap.Error(err))
		}
		metrics.KVOperationsTotal.WithLabelValues(op, "error").Inc()
		return nil, err
	}

	metrics.KVOperationsTotal.WithLabelValues(op, "ok").Inc()
	return res, nil
}

// Set stores value under key with the given expiry. Reports success.
func (c *Client) Set(ctx context.Context, key, value string, ttl time.Duration) bool {
	if c == nil || c.rdb == nil {
		return false
	}
	_, err := c.execute(ctx, "set", func(ctx context.Context) (interface{}, error) {
		return nil, c.rdb.Set(ctx, key, value, ttl).Err()
	})
	return err == nil
}

// Get returns the value for key. Missing keys and transport failures
// both report a miss.
func (c *Client) Get(ctx context.Context, key string) (string, bool) {
	if c == nil || c.rdb == nil {
		return "", false
	}
	res, err := c.execute(ctx, "get", func(ctx context.Context) (interface{}, error) {
		val, err := c.rdb.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return val, nil
	})
	if err != nil || res == nil {
		return "", false
	}
	return res.(string), true
}

// Del removes the given keys in one round trip.
func (c *Client) Del(ctx context.Context, keys ...string) bool {
	if c == nil || c.rdb == nil || len(keys) == 0 {
		return false
	}
	_, err := c.execute(ctx, "del", func(ctx context.Context) (interface{}, error) {
		return nil, c.rdb.Del(ctx, keys...).Err()
	})
	return err == nil
}

// Exists reports whether key is present.
func (c *Client) Exists(ctx context.Context, key string) bool {
	if c == nil || c.rdb == nil {
		return false
	}
	res, err := c.execute(ctx, "exists", func(ctx context.Context) (interface{}, error) {
		return c.rdb.Exists(ctx, key).Result()
	})
	if err != nil {
		return false
	}
	return res.(int64) > 0
}

// Incr increments the counter at key and returns the new value. When
// the increment creates the counter and ttl is positive, the expiry is
// set so abandoned counters age out. The rate limiter and queue stats
// ride on this.
func (c *Client) Incr(ctx context.Context, key string, ttl time.Duration) (int64, bool) {
	if c == nil || c.rdb == nil {
		return 0, false
	}
	res, err := c.execute(ctx, "incr", func(ctx context.Context) (interface{}, error) {
		val, err := c.rdb.Incr(ctx, key).Result()
		if err != nil {
			return nil, err
		}
		if val == 1 && ttl > 0 {
			if err := c.rdb.Expire(ctx, key, ttl).Err(); err != nil {
				return nil, err
			}
		}
		return val, nil
	})
	if err != nil {
		return 0, false
	}
	return res.(int64), true
}

// Expire resets the TTL on key.
func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) bool {
	if c == nil || c.rdb == nil {
		return false
	}
	_, err := c.execute(ctx, "expire", func(ctx context.Context) (interface{}, error) {
		return nil, c.rdb.Expire(ctx, key, ttl).Err()
	})
	return err == nil
}

// MGet fetches several keys in one round trip. Only present keys
// appear in the result; a transport failure returns an empty map.
func (c *Client) MGet(ctx context.Context, keys ...string) map[string]string {
	out := make(map[string]string)
	if c == nil || c.rdb == nil || len(keys) == 0 {
		return out
	}
	res, err := c.execute(ctx, "mget", func(ctx context.Context) (interface{}, error) {
		return c.rdb.MGet(ctx, keys...).Result()
	})
	if err != nil {
		return out
	}
	values := res.([]interface{})
	for i, v := range values {
		if i >= len(keys) {
			break
		}
		if s, ok := v.(string); ok {
			out[keys[i]] = s
		}
	}
	return out
}

// MSet writes several entries in one pipeline, each with its own TTL.
func (c *Client) MSet(ctx context.Context, entries []Entry) bool {
	if c == nil || c.rdb == nil || len(entries) == 0 {
		return false
	}
	_, err := c.execute(ctx, "mset", func(ctx context.Context) (interface{}, error) {
		pipe := c.rdb.Pipeline()
		for _, e := range entries {
			pipe.Set(ctx, e.Key, e.Value, e.TTL)
		}
		_, err := pipe.Exec(ctx)
		return nil, err
	})
	return err == nil
}

// ScanPrefix returns every key starting with prefix. Used by the
// invalidation sweeps; bounded by the scan cursor, not loaded at once.
func (c *Client) ScanPrefix(ctx context.Context, prefix string) []string {
	if c == nil || c.rdb == nil {
		return nil
	}
	res, err := c.execute(ctx, "scan", func(ctx context.Context) (interface{}, error) {
		var keys []string
		var cursor uint64
		for {
			batch, next, err := c.rdb.Scan(ctx, cursor, prefix+"*", 100).Result()
			if err != nil {
				return nil, err
			}
			keys = append(keys, batch...)
			cursor = next
			if cursor == 0 {
				return keys, nil
			}
		}
	})
	if err != nil {
		return nil
	}
	return res.([]string)
}

// ListPush appends values to the tail of the list at key.
func (c *Client) ListPush(ctx context.Context, key string, values ...string) bool {
	if c == nil || c.rdb == nil || len(values) == 0 {
		return false
	}
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	_, err := c.execute(ctx, "lpush", func(ctx context.Context) (interface{}, error) {
		return nil, c.rdb.RPush(ctx, key, args...).Err()
	})
	return err == nil
}

// ListPop removes and returns the head of the list at key.
func (c *Client) ListPop(ctx context.Context, key string) (string, bool) {
	if c == nil || c.rdb == nil {
		return "", false
	}
	res, err := c.execute(ctx, "lpop", func(ctx context.Context) (interface{}, error) {
		val, err := c.rdb.LPop(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return val, nil
	})
	if err != nil || res == nil {
		return "", false
	}
	return res.(string), true
}

// ListRemove deletes every occurrence of value from the list at key.
func (c *Client) ListRemove(ctx context.Context, key, value string) bool {
	if c == nil || c.rdb == nil {
		return false
	}
	_, err := c.execute(ctx, "lrem", func(ctx context.Context) (interface{}, error) {
		return nil, c.rdb.LRem(ctx, key, 0, value).Err()
	})
	return err == nil
}

// ListRange returns the elements between start and stop inclusive,
// with redis semantics for negative indexes.
func (c *Client) ListRange(ctx context.Context, key string, start, stop int64) []string {
	if c == nil || c.rdb == nil {
		return nil
	}
	res, err := c.execute(ctx, "lrange", func(ctx context.Context) (interface{}, error) {
		return c.rdb.LRange(ctx, key, start, stop).Result()
	})
	if err != nil {
		return nil
	}
	return res.([]string)
}

// ListLen returns the length of the list at key.
func (c *Client) ListLen(ctx context.Context, key string) int64 {
	if c == nil || c.rdb == nil {
		return 0
	}
	res, err := c.execute(ctx, "llen", func(ctx context.Context) (interface{}, error) {
		return c.rdb.LLen(ctx, key).Result()
	})
	if err != nil {
		return 0
	}
	return res.(int64)
}

// ListTrim keeps only the elements between start and stop inclusive.
func (c *Client) ListTrim(ctx context.Context, key string, start, stop int64) bool {
	if c == nil || c.rdb == nil {
		return false
	}
	_, err := c.execute(ctx, "ltrim", func(ctx context.Context) (interface{}, error) {
		return nil, c.rdb.LTrim(ctx, key, start, stop).Err()
	})
	return err == nil
}
