package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinchat/server/internal/v1/kv"
	"github.com/tinchat/server/internal/v1/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func newTestKV(t *testing.T) (*kv.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := kv.NewClient(mr.Addr(), "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client, mr
}

func record(t *testing.T, handle gin.HandlerFunc, path string) *httptest.ResponseRecorder {
	t.Helper()
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("GET", path, nil)
	handle(c)
	return w
}

func TestLiveness(t *testing.T) {
	handler := NewHandler(nil, nil)

	w := record(t, handler.Liveness, "/health/live")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "alive")
	assert.Contains(t, w.Body.String(), "timestamp")
}

func TestLivenessIgnoresDependencies(t *testing.T) {
	client, mr := newTestKV(t)
	mr.Close()
	handler := NewHandler(nil, client)

	w := record(t, handler.Liveness, "/health/live")

	// A live process with a dead KV tier is still live.
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "alive")
}

func TestReadinessAllConfigured(t *testing.T) {
	client, _ := newTestKV(t)
	handler := NewHandler(newTestStore(t), client)

	w := record(t, handler.Readiness, "/health/ready")

	require.Equal(t, http.StatusOK, w.Code)

	var resp ReadinessResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ready", resp.Status)
	assert.Equal(t, "healthy", resp.Checks["database"])
	assert.Equal(t, "healthy", resp.Checks["redis"])
	assert.NotEmpty(t, resp.Timestamp)
}

func TestReadinessNilDependencies(t *testing.T) {
	handler := NewHandler(nil, nil)

	w := record(t, handler.Readiness, "/health/ready")

	require.Equal(t, http.StatusOK, w.Code)

	var resp ReadinessResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ready", resp.Status)
	assert.Equal(t, "disabled", resp.Checks["database"])
	assert.Equal(t, "disabled", resp.Checks["redis"])
}

func TestReadinessDatabaseOnly(t *testing.T) {
	handler := NewHandler(newTestStore(t), nil)

	w := record(t, handler.Readiness, "/health/ready")

	require.Equal(t, http.StatusOK, w.Code)

	var resp ReadinessResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Checks["database"])
	assert.Equal(t, "disabled", resp.Checks["redis"])
}

func TestReadinessUnhealthyRedis(t *testing.T) {
	client, mr := newTestKV(t)
	mr.Close()
	handler := NewHandler(newTestStore(t), client)

	w := record(t, handler.Readiness, "/health/ready")

	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	var resp ReadinessResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "unavailable", resp.Status)
	assert.Equal(t, "unhealthy", resp.Checks["redis"])
	assert.Equal(t, "healthy", resp.Checks["database"])
}

func TestReadinessUnhealthyDatabase(t *testing.T) {
	st, err := store.New(":memory:")
	require.NoError(t, err)
	require.NoError(t, st.Close())
	handler := NewHandler(st, nil)

	w := record(t, handler.Readiness, "/health/ready")

	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	var resp ReadinessResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "unavailable", resp.Status)
	assert.Equal(t, "unhealthy", resp.Checks["database"])
}

func TestFriendsHealthReport(t *testing.T) {
	client, _ := newTestKV(t)
	handler := NewHandler(newTestStore(t), client)

	w := record(t, handler.Friends, "/api/friends/health")

	require.Equal(t, http.StatusOK, w.Code)

	var resp FriendsHealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Database)
	assert.Equal(t, "healthy", resp.Redis)
	assert.Equal(t, "healthy", resp.Overall)

	// Timings are reported as parseable durations.
	for _, key := range []string{"database", "redis"} {
		took, err := time.ParseDuration(resp.Performance[key])
		require.NoError(t, err, "performance[%s]", key)
		assert.GreaterOrEqual(t, took, time.Duration(0))
	}
}

func TestFriendsHealthDegraded(t *testing.T) {
	client, mr := newTestKV(t)
	mr.Close()
	handler := NewHandler(newTestStore(t), client)

	w := record(t, handler.Friends, "/api/friends/health")

	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	var resp FriendsHealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "degraded", resp.Overall)
	assert.Equal(t, "unhealthy", resp.Redis)
	assert.Equal(t, "healthy", resp.Database)
}

func TestFriendsHealthDisabledTiers(t *testing.T) {
	handler := NewHandler(nil, nil)

	w := record(t, handler.Friends, "/api/friends/health")

	require.Equal(t, http.StatusOK, w.Code)

	var resp FriendsHealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "disabled", resp.Database)
	assert.Equal(t, "disabled", resp.Redis)
	assert.Equal(t, "healthy", resp.Overall)
}
