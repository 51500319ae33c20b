// Package session owns the live side of the server: socket attachment,
// the rooms produced by the matchmaker, and the relay between room
// peers. One manager serializes all registry access behind a single
// mutex; methods named *Locked expect it held.
package session

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/tinchat/server/internal/v1/auth"
	"github.com/tinchat/server/internal/v1/kv"
	"github.com/tinchat/server/internal/v1/logging"
	"github.com/tinchat/server/internal/v1/match"
	"github.com/tinchat/server/internal/v1/metrics"
	"github.com/tinchat/server/internal/v1/profiles"
	"github.com/tinchat/server/internal/v1/store"
	"github.com/tinchat/server/internal/v1/types"
)

const (
	queueSweepInterval   = 30 * time.Second
	profileSweepInterval = 2 * time.Minute
	remoteSweepInterval  = 5 * time.Minute

	// profileMaxAge is how long a locally cached profile may sit
	// untouched before the periodic sweep evicts it.
	profileMaxAge = 60 * time.Second
)

// Deps wires the manager's collaborators. Optional planes degrade
// rather than disable the session layer: without a verifier every
// session is anonymous, without a store nothing is retained, without
// profiles the display shapes stay minimal.
type Deps struct {
	Verifier auth.Verifier
	Matcher  *match.Matchmaker
	Profiles *profiles.Manager
	Store    *store.Store
	KV       *kv.Client
	Origins  []string
}

// session is one attached socket: its user state and its transport.
type session struct {
	user   *types.User
	client *Client
	ctx    context.Context // carries the socket's correlation id
}

// Manager keeps the four live registries: socket to user, socket to
// room, room to members, and auth id to its latest socket. Lookup and
// the mutation that depends on it always happen under the same hold of
// mu, so a disconnect can never interleave with pairing or relay.
type Manager struct {
	mu           sync.Mutex
	sessions     map[types.SocketID]*session
	roomBySocket map[types.SocketID]string
	rooms        map[string]*Room
	socketByAuth map[types.AuthID]types.SocketID
	closed       bool

	verifier auth.Verifier
	matcher  *match.Matchmaker
	profiles *profiles.Manager
	store    *store.Store
	kv       *kv.Client

	upgrader  websocket.Upgrader
	retention *retention

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewManager builds the manager and starts its housekeeping loop.
func NewManager(d Deps) *Manager {
	return newManager(d, queueSweepInterval, profileSweepInterval, remoteSweepInterval)
}

func newManager(d Deps, queueEvery, profileEvery, remoteEvery time.Duration) *Manager {
	m := &Manager{
		sessions:     make(map[types.SocketID]*session),
		roomBySocket: make(map[types.SocketID]string),
		rooms:        make(map[string]*Room),
		socketByAuth: make(map[types.AuthID]types.SocketID),
		verifier:     d.Verifier,
		matcher:      d.Matcher,
		profiles:     d.Profiles,
		store:        d.Store,
		kv:           d.KV,
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
	m.upgrader = websocket.Upgrader{
		CheckOrigin: originChecker(d.Origins),
		WriteBufferPool: &sync.Pool{
			New: func() any { return make([]byte, 4096) },
		},
	}
	if d.Store != nil {
		m.retention = newRetention(d.Store)
	}
	go m.housekeeping(queueEvery, profileEvery, remoteEvery)
	return m
}

// originChecker admits non-browser clients, same-host upgrades, and the
// configured allow-list. Scheme and host must both match.
func originChecker(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		originURL, err := url.Parse(origin)
		if err != nil {
			return false
		}
		if originURL.Host == r.Host {
			return true
		}
		for _, a := range allowed {
			allowedURL, err := url.Parse(a)
			if err != nil {
				continue
			}
			if originURL.Scheme == allowedURL.Scheme && originURL.Host == allowedURL.Host {
				return true
			}
		}
		return false
	}
}

// ServeWs upgrades an HTTP request into an event socket. The credential
// is optional: a missing one attaches an anonymous session, an invalid
// one is rejected before the upgrade, and a transient verifier outage
// asks the client to retry rather than demoting it to anonymous.
func (m *Manager) ServeWs(c *gin.Context) {
	chatType := types.ChatType(c.Param("chatType"))
	if !types.ValidChatType(chatType) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "chatType: must be one of text, video"})
		return
	}
	if m.isClosed() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "server is shutting down"})
		return
	}

	var identity *auth.Identity
	if credential := auth.ExtractCredential(c.Request); credential != "" && m.verifier != nil {
		var err error
		identity, err = m.verifier.Verify(c.Request.Context(), credential)
		if err != nil {
			if errors.Is(err, auth.ErrTryAgain) {
				c.JSON(http.StatusServiceUnavailable, gin.H{"error": "identity provider unavailable"})
				return
			}
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credential"})
			return
		}
	}

	conn, err := m.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Error(c.Request.Context(), "Failed to upgrade connection", zap.Error(err))
		return
	}

	socketID := types.SocketID(uuid.NewString())
	client := newClient(conn, m, socketID)
	ctx := context.WithValue(context.Background(), logging.CorrelationIDKey, string(socketID))

	m.attach(ctx, client, identity, chatType)
	metrics.IncConnection()

	go client.writePump()
	go client.readPump(ctx)
}

// attach registers a fresh socket. An authenticated user holding an
// older socket has it evicted first: the old socket hears replaced,
// then its close runs the normal disconnect path.
func (m *Manager) attach(ctx context.Context, client *Client, identity *auth.Identity, chatType types.ChatType) *types.User {
	user := &types.User{
		SocketID:            client.socketID,
		ChatType:            chatType,
		ConnectionStartTime: time.Now(),
		Status:              types.StatusOnline,
	}
	if identity != nil {
		user.AuthID = types.AuthID(identity.UserID)
		m.applyProfile(ctx, user, identity)
	}

	m.mu.Lock()
	if user.AuthID != "" {
		if prior, ok := m.socketByAuth[user.AuthID]; ok && prior != user.SocketID {
			m.evictLocked(ctx, prior)
		}
		m.socketByAuth[user.AuthID] = user.SocketID
	}
	m.sessions[user.SocketID] = &session{user: user, client: client, ctx: ctx}
	m.mu.Unlock()

	if user.AuthID != "" {
		m.profiles.SetStatus(ctx, user.AuthID, types.StatusOnline)
	}

	logging.Info(ctx, "Socket attached",
		zap.String("socket_id", string(user.SocketID)),
		zap.String("chat_type", string(chatType)),
		zap.Bool("authenticated", user.Authenticated()))
	return user
}

// applyProfile copies the durable display fields onto the session user.
// An absent or failing profile plane leaves the identity's basics in
// place; the session still works.
func (m *Manager) applyProfile(ctx context.Context, user *types.User, identity *auth.Identity) {
	user.Username = identity.Username
	user.DisplayName = identity.Name
	user.AvatarURL = identity.AvatarURL

	if m.profiles == nil {
		return
	}
	p, err := m.profiles.Ensure(ctx, identity.UserID, identity.Username, identity.Name, identity.AvatarURL)
	if err != nil {
		logging.Warn(ctx, "Profile unavailable at attach",
			zap.String("auth_id", identity.UserID), zap.Error(err))
		return
	}
	user.Username = p.Username
	if p.DisplayName != "" {
		user.DisplayName = p.DisplayName
	}
	if p.AvatarURL != "" {
		user.AvatarURL = p.AvatarURL
	}
	user.Pronouns = p.Pronouns
	user.Badges = p.Badges
	user.DisplayNameColor = p.DisplayNameColor
	user.DisplayNameAnimation = p.DisplayNameAnimation
	user.RainbowSpeed = p.RainbowSpeed
}

// evictLocked forces out a prior socket whose account opened a newer
// one. The replaced frame is queued ahead of the close, so the write
// pump flushes it before the close frame lands.
func (m *Manager) evictLocked(ctx context.Context, prior types.SocketID) {
	s, ok := m.sessions[prior]
	if !ok {
		return
	}
	s.client.deliver(frame{Event: EventReplaced})
	s.client.close()
	logging.Info(ctx, "Evicted prior socket for account",
		zap.String("socket_id", string(prior)))
}

// Disconnect tears down everything bound to a socket: its queue
// entries, its room, the registries, and presence. Idempotent; the
// read pump calls it on every exit path.
func (m *Manager) Disconnect(ctx context.Context, socketID types.SocketID) {
	m.mu.Lock()
	s, ok := m.sessions[socketID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.sessions, socketID)

	user := s.user
	ownedAuth := false
	if user.AuthID != "" {
		if cur, live := m.socketByAuth[user.AuthID]; live && cur == socketID {
			delete(m.socketByAuth, user.AuthID)
			ownedAuth = true
		}
	}

	m.matcher.Dequeue(ctx, socketID)
	m.matcher.RecordDisconnect(user)
	m.teardownRoomLocked(ctx, socketID)
	m.mu.Unlock()

	// A socket replaced by a newer one for the same account must not
	// flip that account offline.
	if ownedAuth {
		m.profiles.SetStatus(ctx, user.AuthID, types.StatusOffline)
	}

	logging.Info(ctx, "Socket detached", zap.String("socket_id", string(socketID)))
}

// teardownRoomLocked dissolves the leaver's room, if any. The surviving
// peer hears partner-left, keeps its socket, and may find again.
func (m *Manager) teardownRoomLocked(ctx context.Context, leaver types.SocketID) {
	roomID, ok := m.roomBySocket[leaver]
	if !ok {
		return
	}
	room := m.rooms[roomID]
	delete(m.rooms, roomID)
	delete(m.roomBySocket, leaver)
	metrics.ActiveRooms.Dec()

	if room == nil {
		logging.Error(ctx, "Room index out of sync", zap.String("room_id", roomID))
		return
	}
	peerID, ok := room.Peer(leaver)
	if !ok {
		return
	}
	delete(m.roomBySocket, peerID)
	if peer, live := m.sessions[peerID]; live {
		peer.client.deliver(eventFrame(EventPartnerLeft, roomRef{RoomID: roomID}))
	}
	logging.Info(ctx, "Room dissolved",
		zap.String("room_id", roomID),
		zap.String("leaver", string(leaver)))
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Stats is the session plane's health snapshot.
type Stats struct {
	Sessions int `json:"sessions"`
	Rooms    int `json:"rooms"`
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{Sessions: len(m.sessions), Rooms: len(m.rooms)}
}

func (m *Manager) housekeeping(queueEvery, profileEvery, remoteEvery time.Duration) {
	defer close(m.done)

	queueTick := time.NewTicker(queueEvery)
	profileTick := time.NewTicker(profileEvery)
	remoteTick := time.NewTicker(remoteEvery)
	defer queueTick.Stop()
	defer profileTick.Stop()
	defer remoteTick.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-queueTick.C:
			m.tick("queue_sweep", m.sweepQueues)
		case <-profileTick.C:
			m.tick("profile_sweep", m.sweepProfiles)
		case <-remoteTick.C:
			m.tick("remote_sweep", m.sweepRemote)
		}
	}
}

// tick runs one housekeeping body; a panic is logged and the loop keeps
// running. Background work never takes the server down.
func (m *Manager) tick(name string, fn func(ctx context.Context)) {
	ctx := context.Background()
	defer func() {
		if r := recover(); r != nil {
			logging.Error(ctx, "Housekeeping tick panicked",
				zap.String("tick", name), zap.Any("panic", r))
		}
	}()
	fn(ctx)
}

// sweepQueues runs the matchmaker sweep against the live socket set.
// The set is snapshotted first so the oracle never reaches back for the
// manager's lock from inside the matchmaker's.
func (m *Manager) sweepQueues(ctx context.Context) {
	m.mu.Lock()
	connected := make(map[types.SocketID]bool, len(m.sessions))
	for id := range m.sessions {
		connected[id] = true
	}
	m.mu.Unlock()

	m.matcher.StaleSweep(ctx, func(id types.SocketID) bool {
		return connected[id]
	})
}

func (m *Manager) sweepProfiles(ctx context.Context) {
	if m.profiles == nil {
		return
	}
	if n := m.profiles.Cache.SweepOlderThan(profileMaxAge); n > 0 {
		logging.Debug(ctx, "Swept idle profiles", zap.Int("evicted", n))
	}
}

// sweepRemote is the slow housekeeping pass: purge messages past the
// retention window, self-heal the room gauge, and leave a heartbeat
// key so operators can see the sweep is alive.
func (m *Manager) sweepRemote(ctx context.Context) {
	if m.store != nil {
		purged, err := m.store.PurgeMessagesBefore(ctx, time.Now().Add(-messageRetention))
		if err != nil {
			logging.Warn(ctx, "Message retention purge failed", zap.Error(err))
		} else if purged > 0 {
			logging.Info(ctx, "Purged retained messages", zap.Int64("purged", purged))
		}
	}

	m.mu.Lock()
	rooms := len(m.rooms)
	m.mu.Unlock()
	metrics.ActiveRooms.Set(float64(rooms))

	m.kv.Set(ctx, "session:sweep:last", time.Now().UTC().Format(time.RFC3339), 3*remoteSweepInterval)
}

// Shutdown stops housekeeping, closes every socket, and drains the
// retention pool. There is no session resumption; reconnecting clients
// start a fresh find.
func (m *Manager) Shutdown(ctx context.Context) {
	m.stopOnce.Do(func() { close(m.stop) })
	<-m.done

	m.mu.Lock()
	m.closed = true
	clients := make([]*Client, 0, len(m.sessions))
	for _, s := range m.sessions {
		clients = append(clients, s.client)
	}
	m.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
	if m.retention != nil {
		m.retention.stop()
	}
	logging.Info(ctx, "Session manager stopped", zap.Int("sockets_closed", len(clients)))
}
