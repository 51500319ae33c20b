package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinchat/server/internal/v1/metrics"
)

func TestRequestTiming_ObservesRoute(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestTiming())
	r.GET("/timed/:id", func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})

	before := testutil.CollectAndCount(metrics.HTTPRequestDuration)

	req, _ := http.NewRequest("GET", "/timed/42", nil)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	require.Equal(t, http.StatusNoContent, resp.Code)
	// One new series for the (GET, /timed/:id, 204) label set.
	assert.Greater(t, testutil.CollectAndCount(metrics.HTTPRequestDuration), before)
}

func TestRequestTiming_UnmatchedRouteCollapses(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestTiming())

	req, _ := http.NewRequest("GET", "/no/such/route", nil)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	assert.Equal(t, http.StatusNotFound, resp.Code)
	count := testutil.CollectAndCount(metrics.HTTPRequestDuration, "tinchat_http_request_seconds")
	assert.Greater(t, count, 0)
}
