package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinchat/server/internal/v1/config"
	"github.com/tinchat/server/internal/v1/kv"
)

func testConfig(api, ws string) *config.Config {
	return &config.Config{RateLimitAPI: api, RateLimitWsConn: ws}
}

func newRouter(l *Limiter) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/api/ping", l.Middleware(), func(c *gin.Context) {
		c.String(http.StatusOK, "pong")
	})
	r.GET("/ws/text", l.ConnectMiddleware(), func(c *gin.Context) {
		c.String(http.StatusOK, "upgraded")
	})
	return r
}

func get(r *gin.Engine, path, addr string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.RemoteAddr = addr
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestNewRejectsBadRates(t *testing.T) {
	_, err := New(testConfig("a-lot", "60-M"), nil)
	assert.Error(t, err)

	_, err = New(testConfig("100-M", "sixty"), nil)
	assert.Error(t, err)
}

func TestMiddlewareEnforcesBudget(t *testing.T) {
	l, err := New(testConfig("2-M", "60-M"), nil)
	require.NoError(t, err)
	r := newRouter(l)

	for i := 0; i < 2; i++ {
		w := get(r, "/api/ping", "10.0.0.1:1000")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "2", w.Header().Get("X-RateLimit-Limit"))
	}

	w := get(r, "/api/ping", "10.0.0.1:1000")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.Contains(t, w.Body.String(), `"success":false`)

	// Another address still has its own budget.
	w = get(r, "/api/ping", "10.0.0.2:1000")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestConnectBudgetIsSeparate(t *testing.T) {
	l, err := New(testConfig("100-M", "1-M"), nil)
	require.NoError(t, err)
	r := newRouter(l)

	require.Equal(t, http.StatusOK, get(r, "/ws/text", "10.0.0.1:1000").Code)
	assert.Equal(t, http.StatusTooManyRequests, get(r, "/ws/text", "10.0.0.1:1000").Code)

	// The HTTP budget is untouched by socket connect attempts.
	assert.Equal(t, http.StatusOK, get(r, "/api/ping", "10.0.0.1:1000").Code)
}

func TestSharedStoreUsesKeyValueTier(t *testing.T) {
	mr := miniredis.RunT(t)
	kvc, err := kv.NewClient(mr.Addr(), "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = kvc.Close() })

	l, err := New(testConfig("5-M", "60-M"), kvc)
	require.NoError(t, err)
	r := newRouter(l)

	require.Equal(t, http.StatusOK, get(r, "/api/ping", "10.0.0.1:1000").Code)

	keys := mr.Keys()
	require.NotEmpty(t, keys)
	assert.Contains(t, keys[0], storePrefix)
}

func TestStoreFailureFailsOpen(t *testing.T) {
	mr := miniredis.RunT(t)
	kvc, err := kv.NewClient(mr.Addr(), "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = kvc.Close() })

	l, err := New(testConfig("1-M", "60-M"), kvc)
	require.NoError(t, err)
	r := newRouter(l)

	mr.Close()

	// The store is gone; every request is admitted.
	for i := 0; i < 5; i++ {
		assert.Equal(t, http.StatusOK, get(r, "/api/ping", "10.0.0.1:1000").Code)
	}
}
