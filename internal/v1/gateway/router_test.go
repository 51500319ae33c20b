package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinchat/server/internal/v1/config"
	"github.com/tinchat/server/internal/v1/friends"
	"github.com/tinchat/server/internal/v1/health"
	"github.com/tinchat/server/internal/v1/kv"
	"github.com/tinchat/server/internal/v1/match"
	"github.com/tinchat/server/internal/v1/profiles"
	"github.com/tinchat/server/internal/v1/ratelimit"
	"github.com/tinchat/server/internal/v1/session"
	"github.com/tinchat/server/internal/v1/store"
	"github.com/tinchat/server/internal/v1/types"
)

// testStack bundles the wired services behind a router so handler
// tests can reach both the HTTP surface and the backing state.
type testStack struct {
	router *gin.Engine
	store  *store.Store
	mr     *miniredis.Miniredis
}

func testConfig(apiRate string) *config.Config {
	return &config.Config{
		Port:            "8080",
		LogLevel:        "debug",
		PerfMonitoring:  true,
		RateLimitAPI:    apiRate,
		RateLimitWsConn: "60-M",
	}
}

func newTestStack(t *testing.T, apiRate string) *testStack {
	t.Helper()
	gin.SetMode(gin.TestMode)

	st, err := store.New(":memory:")
	require.NoError(t, err)
	require.NoError(t, st.ApplySchema(context.Background()))
	t.Cleanup(func() { _ = st.Close() })

	mr := miniredis.RunT(t)
	kvc, err := kv.NewClient(mr.Addr(), "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = kvc.Close() })

	cfg := testConfig(apiRate)
	matcher := match.New(kvc)
	pm := profiles.NewManager(st, kvc)
	t.Cleanup(func() { pm.Shutdown(context.Background()) })

	sessions := session.NewManager(session.Deps{
		Matcher:  matcher,
		Profiles: pm,
		Store:    st,
		KV:       kvc,
		Origins:  cfg.Origins(),
	})
	t.Cleanup(func() { sessions.Shutdown(context.Background()) })

	limiter, err := ratelimit.New(cfg, kvc)
	require.NoError(t, err)

	router := NewRouter(Deps{
		Config:   cfg,
		Sessions: sessions,
		Friends:  friends.NewService(st, friends.NewCache(kvc), pm.Presence),
		Profiles: pm,
		Matcher:  matcher,
		Limiter:  limiter,
		Health:   health.NewHandler(st, kvc),
	})

	return &testStack{router: router, store: st, mr: mr}
}

func (ts *testStack) seedProfile(t *testing.T, id, username string) {
	t.Helper()
	require.NoError(t, ts.store.UpsertProfile(context.Background(), &types.UserProfile{
		ID:       id,
		Username: username,
	}))
}

func jsonBody(t *testing.T, body any) *bytes.Reader {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	return bytes.NewReader(raw)
}

func (ts *testStack) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		reader = jsonBody(t, body)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

// rxEnvelope mirrors the response envelope for assertions.
type rxEnvelope struct {
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data"`
	Error     string          `json:"error"`
	Message   string          `json:"message"`
	Timestamp string          `json:"timestamp"`
	Cached    *bool           `json:"cached"`
	FetchTime string          `json:"fetchTime"`
}

func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder) rxEnvelope {
	t.Helper()
	var env rxEnvelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), "body: %s", w.Body.String())
	require.NotEmpty(t, env.Timestamp)
	return env
}

func TestUnknownRouteGetsEnvelope(t *testing.T) {
	ts := newTestStack(t, "100-M")

	w := ts.do(t, "GET", "/api/nope", nil)

	require.Equal(t, http.StatusNotFound, w.Code)
	env := decodeEnvelope(t, w)
	assert.False(t, env.Success)
	assert.Equal(t, "no such route", env.Error)
}

func TestWrongMethodGetsEnvelope(t *testing.T) {
	ts := newTestStack(t, "100-M")

	w := ts.do(t, "PUT", "/api/friends/status", nil)

	require.Equal(t, http.StatusMethodNotAllowed, w.Code)
	env := decodeEnvelope(t, w)
	assert.False(t, env.Success)
	assert.Equal(t, "method not allowed", env.Error)
}

func TestPreflightAllowed(t *testing.T) {
	ts := newTestStack(t, "100-M")

	req := httptest.NewRequest("OPTIONS", "/api/friends/u1", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", "GET")
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "http://localhost:3000", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestCorrelationIDOnResponses(t *testing.T) {
	ts := newTestStack(t, "100-M")

	w := ts.do(t, "GET", "/api/match/stats", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Correlation-ID"))
}

func TestHealthMounts(t *testing.T) {
	ts := newTestStack(t, "100-M")

	w := ts.do(t, "GET", "/health/live", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "alive")

	w = ts.do(t, "GET", "/health/ready", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ready")

	// The friends-plane report is a bare shape, not the envelope.
	w = ts.do(t, "GET", "/api/friends/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	var report health.FriendsHealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	assert.Equal(t, "healthy", report.Overall)
	assert.Equal(t, "healthy", report.Database)
	assert.Equal(t, "healthy", report.Redis)
}

func TestMatchStats(t *testing.T) {
	ts := newTestStack(t, "100-M")

	w := ts.do(t, "GET", "/api/match/stats", nil)

	require.Equal(t, http.StatusOK, w.Code)
	env := decodeEnvelope(t, w)
	require.True(t, env.Success)

	var snap match.Health
	require.NoError(t, json.Unmarshal(env.Data, &snap))
	assert.Zero(t, snap.Duplicates)
}

func TestSystemStats(t *testing.T) {
	ts := newTestStack(t, "100-M")

	w := ts.do(t, "GET", "/api/stats", nil)

	require.Equal(t, http.StatusOK, w.Code)
	env := decodeEnvelope(t, w)
	require.True(t, env.Success)

	var snap struct {
		Sessions session.Stats  `json:"sessions"`
		Queues   match.Health   `json:"queues"`
		Profiles profiles.Stats `json:"profiles"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &snap))
	assert.Zero(t, snap.Sessions.Sessions)
	assert.True(t, snap.Profiles.KVConnected)
}

func TestSchemaDocs(t *testing.T) {
	ts := newTestStack(t, "100-M")

	w := ts.do(t, "GET", "/api/schema", nil)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "findPartner")
	assert.Contains(t, w.Body.String(), "sendMessage")
}

func TestAPIRateLimitApplies(t *testing.T) {
	ts := newTestStack(t, "2-M")

	for i := 0; i < 2; i++ {
		w := ts.do(t, "GET", "/api/match/stats", nil)
		require.Equal(t, http.StatusOK, w.Code, "request %d", i)
	}

	w := ts.do(t, "GET", "/api/match/stats", nil)
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Contains(t, w.Body.String(), `"success":false`)
}
