package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/tinchat/server/internal/v1/auth"
	"github.com/tinchat/server/internal/v1/match"
	"github.com/tinchat/server/internal/v1/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// rxFrame mirrors the outbound frame with the payload held raw so tests
// can decode it into the expected shape.
type rxFrame struct {
	Event   string          `json:"event"`
	Data    json.RawMessage `json:"data"`
	Success *bool           `json:"success"`
	Error   string          `json:"error"`
}

func decodeFrame(t *testing.T, data []byte) rxFrame {
	t.Helper()
	var f rxFrame
	require.NoError(t, json.Unmarshal(data, &f))
	return f
}

// nextFrame pops the oldest queued frame without waiting.
func nextFrame(t *testing.T, c *Client) rxFrame {
	t.Helper()
	select {
	case data := <-c.send:
		return decodeFrame(t, data)
	default:
		t.Fatal("no frame queued")
		return rxFrame{}
	}
}

func requireNoFrame(t *testing.T, c *Client) {
	t.Helper()
	select {
	case data := <-c.send:
		t.Fatalf("unexpected frame: %s", data)
	default:
	}
}

type stubVerifier struct {
	identity *auth.Identity
	err      error
}

func (v *stubVerifier) Verify(ctx context.Context, credential string) (*auth.Identity, error) {
	if v.err != nil {
		return nil, v.err
	}
	return v.identity, nil
}

// newTestManager builds a manager whose housekeeping tickers never fire
// during the test.
func newTestManager(t *testing.T) *Manager {
	t.Helper()
	return newTestManagerWith(t, Deps{Matcher: match.New(nil)})
}

func newTestManagerWith(t *testing.T, d Deps) *Manager {
	t.Helper()
	if d.Matcher == nil {
		d.Matcher = match.New(nil)
	}
	m := newManager(d, time.Hour, time.Hour, time.Hour)
	t.Cleanup(func() { m.Shutdown(context.Background()) })
	return m
}

func attachSocket(t *testing.T, m *Manager, socketID string, identity *auth.Identity, ct types.ChatType) *Client {
	t.Helper()
	c := newClient(&mockConn{}, m, types.SocketID(socketID))
	m.attach(context.Background(), c, identity, ct)
	return c
}

// backdateSocket ages a session's connection so the matchmaker's young
// connection and near-simultaneous guards stay out of the way.
func backdateSocket(m *Manager, id types.SocketID, age time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		s.user.ConnectionStartTime = time.Now().Add(-age)
	}
}

func send(m *Manager, c *Client, event, payload string) {
	m.dispatch(context.Background(), c, inboundFrame{Event: event, Payload: json.RawMessage(payload)})
}

// pairSockets attaches two aged anonymous sockets and matches them,
// returning the clients and the shared room id.
func pairSockets(t *testing.T, m *Manager) (*Client, *Client, string) {
	t.Helper()
	c1 := attachSocket(t, m, "s1", nil, types.ChatTypeText)
	c2 := attachSocket(t, m, "s2", nil, types.ChatTypeText)
	backdateSocket(m, "s1", 30*time.Second)
	backdateSocket(m, "s2", 10*time.Second)

	send(m, c1, "findPartner", `{"chatType":"text","interests":["go","chess"]}`)
	requireNoFrame(t, c1)
	send(m, c2, "findPartner", `{"chatType":"text","interests":["chess"]}`)

	f1 := nextFrame(t, c1)
	require.Equal(t, EventPartnerFound, f1.Event)
	var found partnerFoundPayload
	require.NoError(t, json.Unmarshal(f1.Data, &found))
	require.NotEmpty(t, found.RoomID)

	f2 := nextFrame(t, c2)
	require.Equal(t, EventPartnerFound, f2.Event)
	return c1, c2, found.RoomID
}

func TestAttachAnonymous(t *testing.T) {
	m := newTestManager(t)

	c := attachSocket(t, m, "s1", nil, types.ChatTypeText)

	m.mu.Lock()
	s, ok := m.sessions[c.socketID]
	m.mu.Unlock()
	require.True(t, ok)
	assert.Equal(t, types.SocketID("s1"), s.user.SocketID)
	assert.Equal(t, types.ChatTypeText, s.user.ChatType)
	assert.False(t, s.user.Authenticated())
	assert.False(t, s.user.ConnectionStartTime.IsZero())
	assert.Equal(t, types.StatusOnline, s.user.Status)
	assert.Equal(t, Stats{Sessions: 1, Rooms: 0}, m.Stats())
}

func TestAttachAppliesIdentity(t *testing.T) {
	m := newTestManager(t)

	c := attachSocket(t, m, "s1", &auth.Identity{
		UserID:    "user_1",
		Username:  "gopher",
		Name:      "Go Pher",
		AvatarURL: "https://cdn.tinchat.io/a.png",
	}, types.ChatTypeText)

	m.mu.Lock()
	s := m.sessions[c.socketID]
	mapped := m.socketByAuth["user_1"]
	m.mu.Unlock()
	assert.Equal(t, types.AuthID("user_1"), s.user.AuthID)
	assert.Equal(t, "gopher", s.user.Username)
	assert.Equal(t, "Go Pher", s.user.DisplayName)
	assert.Equal(t, types.SocketID("s1"), mapped)
}

func TestAttachEvictsPriorSocketForSameAccount(t *testing.T) {
	m := newTestManager(t)
	identity := &auth.Identity{UserID: "user_1", Username: "gopher"}

	old := attachSocket(t, m, "s-old", identity, types.ChatTypeText)
	attachSocket(t, m, "s-new", identity, types.ChatTypeText)

	f := nextFrame(t, old)
	assert.Equal(t, EventReplaced, f.Event)

	// The replaced frame is the last thing the old socket hears.
	_, open := <-old.send
	assert.False(t, open)

	m.mu.Lock()
	mapped := m.socketByAuth["user_1"]
	m.mu.Unlock()
	assert.Equal(t, types.SocketID("s-new"), mapped)
}

func TestEvictedSocketDisconnectKeepsNewMapping(t *testing.T) {
	m := newTestManager(t)
	identity := &auth.Identity{UserID: "user_1"}

	attachSocket(t, m, "s-old", identity, types.ChatTypeText)
	attachSocket(t, m, "s-new", identity, types.ChatTypeText)

	// The evicted socket's read pump eventually runs the disconnect
	// path; the auth mapping must keep pointing at the newer socket.
	m.Disconnect(context.Background(), "s-old")

	m.mu.Lock()
	mapped, ok := m.socketByAuth["user_1"]
	m.mu.Unlock()
	require.True(t, ok)
	assert.Equal(t, types.SocketID("s-new"), mapped)
	assert.Equal(t, 1, m.Stats().Sessions)
}

func TestDisconnectTearsDownRoomAndQueue(t *testing.T) {
	m := newTestManager(t)
	c1, c2, roomID := pairSockets(t, m)

	m.Disconnect(context.Background(), c1.socketID)

	f := nextFrame(t, c2)
	assert.Equal(t, EventPartnerLeft, f.Event)
	var ref roomRef
	require.NoError(t, json.Unmarshal(f.Data, &ref))
	assert.Equal(t, roomID, ref.RoomID)

	assert.Equal(t, Stats{Sessions: 1, Rooms: 0}, m.Stats())
	assert.Equal(t, 0, m.matcher.Depth(types.ChatTypeText))

	m.mu.Lock()
	_, hasRoom := m.roomBySocket[c2.socketID]
	m.mu.Unlock()
	assert.False(t, hasRoom)
}

func TestDisconnectIdempotent(t *testing.T) {
	m := newTestManager(t)
	c := attachSocket(t, m, "s1", nil, types.ChatTypeText)

	m.Disconnect(context.Background(), c.socketID)
	assert.NotPanics(t, func() { m.Disconnect(context.Background(), c.socketID) })
	assert.Equal(t, 0, m.Stats().Sessions)
}

func TestQueueSweepDropsVanishedSockets(t *testing.T) {
	m := newTestManager(t)
	attachSocket(t, m, "s-live", nil, types.ChatTypeText)
	backdateSocket(m, "s-live", 30*time.Second)

	ghost := &types.User{
		SocketID:            "s-ghost",
		ChatType:            types.ChatTypeText,
		ConnectionStartTime: time.Now().Add(-time.Minute),
	}
	require.NoError(t, m.matcher.Enqueue(context.Background(), ghost))

	m.mu.Lock()
	live := m.sessions["s-live"].user
	m.mu.Unlock()
	require.NoError(t, m.matcher.Enqueue(context.Background(), live))
	require.Equal(t, 2, m.matcher.Depth(types.ChatTypeText))

	m.sweepQueues(context.Background())

	assert.Equal(t, 1, m.matcher.Depth(types.ChatTypeText))
}

func TestTickSurvivesPanic(t *testing.T) {
	m := newTestManager(t)
	assert.NotPanics(t, func() {
		m.tick("explode", func(ctx context.Context) { panic("boom") })
	})
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"https://tinchat.io", "http://localhost:3000"})

	cases := []struct {
		name   string
		origin string
		host   string
		want   bool
	}{
		{"no origin header", "", "api.tinchat.io", true},
		{"same host", "https://api.tinchat.io", "api.tinchat.io", true},
		{"allow-listed", "https://tinchat.io", "api.tinchat.io", true},
		{"allow-listed dev", "http://localhost:3000", "api.tinchat.io", true},
		{"scheme mismatch", "http://tinchat.io", "api.tinchat.io", false},
		{"stranger", "https://evil.example", "api.tinchat.io", false},
		{"garbage origin", "::not a url", "api.tinchat.io", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/ws/text", nil)
			r.Host = tc.host
			if tc.origin != "" {
				r.Header.Set("Origin", tc.origin)
			}
			assert.Equal(t, tc.want, check(r))
		})
	}
}

func newWsTestServer(t *testing.T, m *Manager) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/ws/:chatType", m.ServeWs)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

func TestServeWsRejectsBadChatType(t *testing.T) {
	m := newTestManager(t)
	srv := newWsTestServer(t, m)

	resp, err := http.Get(srv.URL + "/ws/carrier-pigeon")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServeWsRejectsInvalidCredential(t *testing.T) {
	m := newTestManagerWith(t, Deps{
		Verifier: &stubVerifier{err: auth.ErrInvalidCredential},
	})
	srv := newWsTestServer(t, m)

	resp, err := http.Get(srv.URL + "/ws/text?token=bad")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestServeWsVerifierOutageAsksForRetry(t *testing.T) {
	m := newTestManagerWith(t, Deps{
		Verifier: &stubVerifier{err: auth.ErrTryAgain},
	})
	srv := newWsTestServer(t, m)

	resp, err := http.Get(srv.URL + "/ws/text?token=whatever")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestServeWsEndToEnd(t *testing.T) {
	m := newTestManager(t)
	srv := newWsTestServer(t, m)

	dial := func() *websocket.Conn {
		conn, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, "/ws/text"), nil)
		require.NoError(t, err)
		if resp != nil {
			resp.Body.Close()
		}
		return conn
	}

	alice := dial()
	defer alice.Close()
	bob := dial()
	defer bob.Close()

	require.Eventually(t, func() bool {
		return m.Stats().Sessions == 2
	}, time.Second, 10*time.Millisecond)

	// Age both connections past the matchmaker's pacing guards.
	m.mu.Lock()
	offset := 30 * time.Second
	for _, s := range m.sessions {
		s.user.ConnectionStartTime = time.Now().Add(-offset)
		offset += 10 * time.Second
	}
	m.mu.Unlock()

	require.NoError(t, alice.WriteJSON(inboundFrame{
		Event:   "findPartner",
		Payload: json.RawMessage(`{"chatType":"text","interests":["go"]}`),
	}))
	require.NoError(t, bob.WriteJSON(inboundFrame{
		Event:   "findPartner",
		Payload: json.RawMessage(`{"chatType":"text","interests":["go","jazz"]}`),
	}))

	readFrame := func(conn *websocket.Conn) rxFrame {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var f rxFrame
		require.NoError(t, conn.ReadJSON(&f))
		return f
	}

	fa := readFrame(alice)
	require.Equal(t, EventPartnerFound, fa.Event)
	var found partnerFoundPayload
	require.NoError(t, json.Unmarshal(fa.Data, &found))
	assert.Equal(t, []string{"go"}, found.Partner.CommonInterests)

	fb := readFrame(bob)
	require.Equal(t, EventPartnerFound, fb.Event)

	require.NoError(t, alice.WriteJSON(inboundFrame{
		Event:   "sendMessage",
		Payload: json.RawMessage(`{"roomId":"` + found.RoomID + `","message":"hello bob"}`),
	}))
	fm := readFrame(bob)
	require.Equal(t, EventMessage, fm.Event)
	var msg messagePayload
	require.NoError(t, json.Unmarshal(fm.Data, &msg))
	assert.Equal(t, "hello bob", msg.Message)

	alice.Close()
	fl := readFrame(bob)
	assert.Equal(t, EventPartnerLeft, fl.Event)

	bob.Close()
	require.Eventually(t, func() bool {
		return m.Stats().Sessions == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestShutdownClosesEverything(t *testing.T) {
	m := newManager(Deps{Matcher: match.New(nil)}, time.Hour, time.Hour, time.Hour)
	c := attachSocket(t, m, "s1", nil, types.ChatTypeText)

	m.Shutdown(context.Background())

	_, open := <-c.send
	assert.False(t, open)
	assert.True(t, m.isClosed())

	// A second shutdown is harmless.
	assert.NotPanics(t, func() { m.Shutdown(context.Background()) })
}
