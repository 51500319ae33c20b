package gateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinchat/server/internal/v1/friends"
	"github.com/tinchat/server/internal/v1/health"
	"github.com/tinchat/server/internal/v1/store"
	"github.com/tinchat/server/internal/v1/types"
)

func TestFriendRequestHappyPath(t *testing.T) {
	ts := newTestStack(t, "100-M")
	ts.seedProfile(t, "u1", "alice")
	ts.seedProfile(t, "u2", "bob")

	w := ts.do(t, "POST", "/api/friends/request/send", gin.H{
		"senderAuthId":   "u1",
		"receiverAuthId": "u2",
		"message":        "hey",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	env := decodeEnvelope(t, w)
	require.True(t, env.Success)

	var req store.FriendRequest
	require.NoError(t, json.Unmarshal(env.Data, &req))
	assert.Equal(t, "u1", req.SenderID)
	assert.Equal(t, "hey", req.Message)

	w = ts.do(t, "GET", "/api/friends/u2/requests?type=received", nil)
	require.Equal(t, http.StatusOK, w.Code)
	env = decodeEnvelope(t, w)
	var page struct {
		Requests []*store.FriendRequest `json:"requests"`
		Total    int                    `json:"total"`
		Type     string                 `json:"type"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &page))
	assert.Equal(t, 1, page.Total)
	require.Len(t, page.Requests, 1)
	assert.Equal(t, "u1", page.Requests[0].SenderID)
	assert.Equal(t, "received", page.Type)

	w = ts.do(t, "POST", "/api/friends/accept-request", gin.H{
		"requestId":       req.ID,
		"acceptingUserId": "u2",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	for user, friendName := range map[string]string{"u1": "bob", "u2": "alice"} {
		w = ts.do(t, "GET", "/api/friends/"+user, nil)
		require.Equal(t, http.StatusOK, w.Code)
		env = decodeEnvelope(t, w)
		var list struct {
			Friends []*types.UserProfile `json:"friends"`
			Total   int                  `json:"total"`
		}
		require.NoError(t, json.Unmarshal(env.Data, &list))
		assert.Equal(t, 1, list.Total)
		require.Len(t, list.Friends, 1)
		assert.Equal(t, friendName, list.Friends[0].Username)
	}

	w = ts.do(t, "POST", "/api/friends/status", gin.H{
		"user1AuthId": "u1",
		"user2AuthId": "u2",
	})
	require.Equal(t, http.StatusOK, w.Code)
	env = decodeEnvelope(t, w)
	var status struct {
		Status friends.Status `json:"status"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &status))
	assert.Equal(t, friends.StatusFriends, status.Status)
}

func TestDuplicateRequestConflicts(t *testing.T) {
	ts := newTestStack(t, "100-M")
	ts.seedProfile(t, "u1", "alice")
	ts.seedProfile(t, "u2", "bob")

	w := ts.do(t, "POST", "/api/friends/request/send", gin.H{
		"senderAuthId": "u1", "receiverAuthId": "u2",
	})
	require.Equal(t, http.StatusCreated, w.Code)

	w = ts.do(t, "POST", "/api/friends/request/send", gin.H{
		"senderAuthId": "u1", "receiverAuthId": "u2",
	})
	require.Equal(t, http.StatusConflict, w.Code)
	env := decodeEnvelope(t, w)
	assert.False(t, env.Success)
	assert.Contains(t, env.Message, "pending")
	assert.Empty(t, env.Error)
}

func TestSelfRequestConflicts(t *testing.T) {
	ts := newTestStack(t, "100-M")
	ts.seedProfile(t, "u1", "alice")

	w := ts.do(t, "POST", "/api/friends/request/send", gin.H{
		"senderAuthId": "u1", "receiverAuthId": "u1",
	})
	require.Equal(t, http.StatusConflict, w.Code)
	env := decodeEnvelope(t, w)
	assert.Contains(t, env.Message, "yourself")
}

func TestAcceptByWrongUserUnauthorized(t *testing.T) {
	ts := newTestStack(t, "100-M")
	ts.seedProfile(t, "u1", "alice")
	ts.seedProfile(t, "u2", "bob")

	w := ts.do(t, "POST", "/api/friends/request/send", gin.H{
		"senderAuthId": "u1", "receiverAuthId": "u2",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	env := decodeEnvelope(t, w)
	var req store.FriendRequest
	require.NoError(t, json.Unmarshal(env.Data, &req))

	w = ts.do(t, "POST", "/api/friends/accept-request", gin.H{
		"requestId": req.ID, "acceptingUserId": "u1",
	})
	require.Equal(t, http.StatusUnauthorized, w.Code)
	env = decodeEnvelope(t, w)
	assert.Contains(t, env.Error, "receiver")
}

func TestDeclineThenStatusNone(t *testing.T) {
	ts := newTestStack(t, "100-M")
	ts.seedProfile(t, "u1", "alice")
	ts.seedProfile(t, "u2", "bob")

	w := ts.do(t, "POST", "/api/friends/request/send", gin.H{
		"senderAuthId": "u1", "receiverAuthId": "u2",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	env := decodeEnvelope(t, w)
	var req store.FriendRequest
	require.NoError(t, json.Unmarshal(env.Data, &req))

	w = ts.do(t, "POST", "/api/friends/decline-request", gin.H{
		"requestId": req.ID, "decliningUserId": "u2",
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = ts.do(t, "POST", "/api/friends/status", gin.H{
		"user1AuthId": "u1", "user2AuthId": "u2",
	})
	env = decodeEnvelope(t, w)
	assert.Contains(t, string(env.Data), string(friends.StatusNone))
}

func TestRemoveFriend(t *testing.T) {
	ts := newTestStack(t, "100-M")
	ts.seedProfile(t, "u1", "alice")
	ts.seedProfile(t, "u2", "bob")
	ts.befriend(t, "u1", "u2")

	w := ts.do(t, "POST", "/api/friends/remove", gin.H{
		"user1AuthId": "u1", "user2AuthId": "u2",
	})
	require.Equal(t, http.StatusOK, w.Code)

	// Removing again finds nothing.
	w = ts.do(t, "POST", "/api/friends/remove", gin.H{
		"user1AuthId": "u1", "user2AuthId": "u2",
	})
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestBlockFlow(t *testing.T) {
	ts := newTestStack(t, "100-M")
	ts.seedProfile(t, "u1", "alice")
	ts.seedProfile(t, "u2", "bob")

	w := ts.do(t, "POST", "/api/friends/block", gin.H{
		"blockerAuthId": "u1", "blockedAuthId": "u2",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = ts.do(t, "GET", "/api/friends/u1/blocked", nil)
	require.Equal(t, http.StatusOK, w.Code)
	env := decodeEnvelope(t, w)
	var blocked struct {
		Blocked []*types.UserProfile `json:"blocked"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &blocked))
	require.Len(t, blocked.Blocked, 1)
	assert.Equal(t, "bob", blocked.Blocked[0].Username)

	// A blocked pair cannot exchange requests.
	w = ts.do(t, "POST", "/api/friends/request/send", gin.H{
		"senderAuthId": "u2", "receiverAuthId": "u1",
	})
	require.Equal(t, http.StatusConflict, w.Code)

	w = ts.do(t, "POST", "/api/friends/unblock", gin.H{
		"blockerAuthId": "u1", "blockedAuthId": "u2",
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = ts.do(t, "POST", "/api/friends/request/send", gin.H{
		"senderAuthId": "u2", "receiverAuthId": "u1",
	})
	require.Equal(t, http.StatusCreated, w.Code)
}

func TestSearchAnnotatesStatus(t *testing.T) {
	ts := newTestStack(t, "100-M")
	ts.seedProfile(t, "u1", "alice")
	ts.seedProfile(t, "u2", "bob")
	ts.seedProfile(t, "u3", "bobby")
	ts.befriend(t, "u1", "u2")

	w := ts.do(t, "POST", "/api/friends/search", gin.H{
		"currentUserAuthId": "u1", "searchTerm": "bob",
	})
	require.Equal(t, http.StatusOK, w.Code)
	env := decodeEnvelope(t, w)

	var out struct {
		Results []friends.SearchResult `json:"results"`
		Count   int                    `json:"count"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &out))
	require.Equal(t, 2, out.Count)

	byName := map[string]friends.Status{}
	for _, r := range out.Results {
		byName[r.Profile.Username] = r.Status
	}
	assert.Equal(t, friends.StatusFriends, byName["bob"])
	assert.Equal(t, friends.StatusNone, byName["bobby"])
}

func TestSearchTermTooShort(t *testing.T) {
	ts := newTestStack(t, "100-M")

	w := ts.do(t, "POST", "/api/friends/search", gin.H{
		"currentUserAuthId": "u1", "searchTerm": "b",
	})
	require.Equal(t, http.StatusBadRequest, w.Code)
	env := decodeEnvelope(t, w)
	assert.Contains(t, env.Error, "searchTerm")
}

func TestBatchStatus(t *testing.T) {
	ts := newTestStack(t, "100-M")
	ts.seedProfile(t, "u1", "alice")
	ts.seedProfile(t, "u2", "bob")

	w := ts.do(t, "POST", "/api/friends/batch-status", gin.H{
		"userIds": []string{"u1", "u2"}, "requesterId": "u1",
	})
	require.Equal(t, http.StatusOK, w.Code)
	env := decodeEnvelope(t, w)

	var statuses map[string]store.PresenceInfo
	require.NoError(t, json.Unmarshal(env.Data, &statuses))
	assert.Contains(t, statuses, "u1")
	assert.Contains(t, statuses, "u2")
}

func TestMutualFriends(t *testing.T) {
	ts := newTestStack(t, "100-M")
	ts.seedProfile(t, "u1", "alice")
	ts.seedProfile(t, "u2", "bob")
	ts.seedProfile(t, "u3", "carol")
	ts.befriend(t, "u1", "u3")
	ts.befriend(t, "u2", "u3")

	w := ts.do(t, "GET", "/api/friends/u1/mutual?otherId=u2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	env := decodeEnvelope(t, w)
	var out struct {
		Mutual []*types.UserProfile `json:"mutual"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &out))
	require.Len(t, out.Mutual, 1)
	assert.Equal(t, "carol", out.Mutual[0].Username)
}

func TestMutualRequiresOther(t *testing.T) {
	ts := newTestStack(t, "100-M")

	w := ts.do(t, "GET", "/api/friends/u1/mutual", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
	env := decodeEnvelope(t, w)
	assert.Equal(t, "otherId: required", env.Error)
}

func TestUserStatsEndpoint(t *testing.T) {
	ts := newTestStack(t, "100-M")
	ts.seedProfile(t, "u1", "alice")
	ts.seedProfile(t, "u2", "bob")
	ts.befriend(t, "u1", "u2")

	w := ts.do(t, "GET", "/api/friends/u1/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	env := decodeEnvelope(t, w)

	var stats friends.UserStats
	require.NoError(t, json.Unmarshal(env.Data, &stats))
	assert.Equal(t, 1, stats.Friends)
}

func TestListRejectsBadPagination(t *testing.T) {
	ts := newTestStack(t, "100-M")

	w := ts.do(t, "GET", "/api/friends/u1?limit=many", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
	env := decodeEnvelope(t, w)
	assert.Contains(t, env.Error, "limit")
}

func TestMalformedBodyRejected(t *testing.T) {
	ts := newTestStack(t, "100-M")

	req := httptest.NewRequest("POST", "/api/friends/status", strings.NewReader("{not json"))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
	env := decodeEnvelope(t, w)
	assert.Equal(t, "body: malformed JSON", env.Error)
}

func TestFriendsUnavailableWithoutStore(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := NewRouter(Deps{
		Config:  testConfig("100-M"),
		Friends: friends.NewService(nil, friends.NewCache(nil), nil),
		Health:  health.NewHandler(nil, nil),
	})

	req := httptest.NewRequest("GET", "/api/friends/u1", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "unavailable")
}

// befriend runs the request/accept flow through the HTTP surface.
func (ts *testStack) befriend(t *testing.T, a, b string) {
	t.Helper()
	w := ts.do(t, "POST", "/api/friends/request/send", gin.H{
		"senderAuthId": a, "receiverAuthId": b,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	env := decodeEnvelope(t, w)
	var req store.FriendRequest
	require.NoError(t, json.Unmarshal(env.Data, &req))

	w = ts.do(t, "POST", "/api/friends/accept-request", gin.H{
		"requestId": req.ID, "acceptingUserId": b,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
}
