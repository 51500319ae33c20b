package session

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tinchat/server/internal/v1/logging"
	"github.com/tinchat/server/internal/v1/match"
	"github.com/tinchat/server/internal/v1/metrics"
	"github.com/tinchat/server/internal/v1/schema"
	"github.com/tinchat/server/internal/v1/store"
	"github.com/tinchat/server/internal/v1/types"
)

// typingTTL is how long a mirrored typing indicator survives in the
// remote tier without a refresh.
const typingTTL = 5 * time.Second

// dispatch validates one inbound event and routes it. Any rejection,
// from the schema or from the handler, is echoed on the event's own
// channel as {success:false, error:"<field>: <reason>"} and mutates
// nothing.
func (m *Manager) dispatch(ctx context.Context, c *Client, in inboundFrame) {
	eventLabel := in.Event
	if _, known := schema.Lookup(in.Event); !known {
		eventLabel = "unknown"
	}
	start := time.Now()
	defer func() {
		metrics.EventProcessingDuration.WithLabelValues(eventLabel).Observe(time.Since(start).Seconds())
	}()

	if err := schema.Validate(in.Event, in.Payload); err != nil {
		metrics.SocketEvents.WithLabelValues(eventLabel, "rejected").Inc()
		logging.Debug(ctx, "Rejected socket event",
			zap.String("event", in.Event), zap.Error(err))
		c.deliver(rejectFrame(in.Event, err))
		return
	}

	var err error
	switch in.Event {
	case schema.EventFindPartner:
		err = m.handleFindPartner(ctx, c, in.Payload)
	case schema.EventLeaveChat:
		err = m.handleLeaveChat(ctx, c, in.Payload)
	case schema.EventSendMessage:
		err = m.handleSendMessage(ctx, c, in.Payload)
	case schema.EventWebRTCSignal:
		err = m.handleSignal(ctx, c, in.Payload)
	case schema.EventTypingStart, schema.EventTypingStop:
		err = m.handleTyping(ctx, c, in.Event, in.Payload)
	case schema.EventStatusUpdate:
		err = m.handleStatusUpdate(ctx, c, in.Payload)
	default:
		// The registry accepted an event this switch does not know.
		logging.Error(ctx, "No handler for schema event", zap.String("event", in.Event))
		err = errors.New("event: not handled")
	}

	if err != nil {
		metrics.SocketEvents.WithLabelValues(eventLabel, "rejected").Inc()
		logging.Debug(ctx, "Rejected socket event",
			zap.String("event", in.Event), zap.Error(err))
		c.deliver(rejectFrame(in.Event, err))
		return
	}
	metrics.SocketEvents.WithLabelValues(eventLabel, "ok").Inc()
}

// handleFindPartner enqueues the seeker and tries to complete a pair
// immediately. The whole flow holds the registry lock, so a concurrent
// disconnect or second find cannot interleave between the match
// decision and the room write.
func (m *Manager) handleFindPartner(ctx context.Context, c *Client, payload json.RawMessage) error {
	var p findPartnerPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return errors.New("payload: malformed JSON")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[c.socketID]
	if !ok {
		return errors.New("socket: not attached")
	}

	// A fresh search abandons the current room first.
	m.teardownRoomLocked(ctx, c.socketID)

	user := s.user
	user.ChatType = types.ChatType(p.ChatType)
	user.Interests = schema.SanitizeInterests(p.Interests)

	if err := m.matcher.Enqueue(ctx, user); err != nil {
		logging.Error(ctx, "Enqueue rejected a validated session user",
			zap.String("socket_id", string(c.socketID)), zap.Error(err))
		return errors.New("internal: could not join queue")
	}

	partner, score, found := m.matcher.Match(ctx, user)
	if !found {
		// Queued; a later seeker completes the pair.
		return nil
	}
	m.createRoomLocked(ctx, user, partner, score)
	return nil
}

// createRoomLocked pairs two live sessions into a fresh room and tells
// both sides. The matchmaker removed both users from the queue under
// this same critical section, so neither can be paired twice.
func (m *Manager) createRoomLocked(ctx context.Context, user, partner *types.User, score float64) {
	us := m.sessions[user.SocketID]
	ps, ok := m.sessions[partner.SocketID]
	if us == nil || !ok {
		// Disconnect dequeues under the registry lock, so a matched
		// side without a session is a broken invariant. Requeue the
		// survivor rather than stranding it.
		logging.Error(ctx, "Matched socket has no session",
			zap.String("socket_id", string(partner.SocketID)))
		if us != nil {
			m.matcher.Enqueue(ctx, user)
		} else if ok {
			m.matcher.Enqueue(ctx, partner)
		}
		return
	}

	room := newRoom(user.ChatType, user.SocketID, partner.SocketID)
	m.rooms[room.ID] = room
	m.roomBySocket[user.SocketID] = room.ID
	m.roomBySocket[partner.SocketID] = room.ID
	metrics.ActiveRooms.Inc()

	common := match.CommonInterests(user.Interests, partner.Interests)

	toUser := shapeOf(partner)
	toUser.Interests = partner.Interests
	toUser.CommonInterests = common
	us.client.deliver(eventFrame(EventPartnerFound, partnerFoundPayload{
		RoomID:   room.ID,
		ChatType: room.ChatType,
		Partner:  toUser,
	}))

	toPartner := shapeOf(user)
	toPartner.Interests = user.Interests
	toPartner.CommonInterests = common
	ps.client.deliver(eventFrame(EventPartnerFound, partnerFoundPayload{
		RoomID:   room.ID,
		ChatType: room.ChatType,
		Partner:  toPartner,
	}))

	logging.Info(ctx, "Paired sockets",
		zap.String("room_id", room.ID),
		zap.String("chat_type", string(room.ChatType)),
		zap.Float64("score", score))
}

// handleLeaveChat cancels the caller's search and dissolves its room.
// Leaving with no room is not an error; the queue entry still goes.
func (m *Manager) handleLeaveChat(ctx context.Context, c *Client, payload json.RawMessage) error {
	var p roomRef
	if err := json.Unmarshal(payload, &p); err != nil {
		return errors.New("payload: malformed JSON")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.matcher.Dequeue(ctx, c.socketID)

	roomID, ok := m.roomBySocket[c.socketID]
	if !ok {
		return nil
	}
	if p.RoomID != roomID {
		return errors.New("roomId: not a member of this room")
	}
	m.teardownRoomLocked(ctx, c.socketID)
	return nil
}

func (m *Manager) handleSendMessage(ctx context.Context, c *Client, payload json.RawMessage) error {
	var p sendMessagePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return errors.New("payload: malformed JSON")
	}
	text := schema.SanitizeMessage(p.Message)
	if text == "" {
		return errors.New("message: must be between 1 and 2000 characters")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s, roomID, peer, err := m.roomPeerLocked(ctx, c.socketID, p.RoomID)
	if err != nil {
		return err
	}

	msg := messagePayload{
		ID:        uuid.NewString(),
		RoomID:    roomID,
		Message:   text,
		Timestamp: time.Now().UnixMilli(),
		Sender:    shapeOf(s.user),
	}
	peer.client.deliver(eventFrame(EventMessage, msg))
	metrics.MessagesRelayed.WithLabelValues("message").Inc()

	if m.retention != nil {
		m.retention.enqueue(&store.Message{
			ID:             msg.ID,
			RoomID:         roomID,
			SenderSocketID: string(c.socketID),
			SenderAuthID:   string(s.user.AuthID),
			Text:           text,
			CreatedAt:      time.UnixMilli(msg.Timestamp),
		})
	}
	return nil
}

// handleSignal forwards the opaque signalData to the peer untouched.
func (m *Manager) handleSignal(ctx context.Context, c *Client, payload json.RawMessage) error {
	var p signalPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return errors.New("payload: malformed JSON")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	_, roomID, peer, err := m.roomPeerLocked(ctx, c.socketID, p.RoomID)
	if err != nil {
		return err
	}
	peer.client.deliver(eventFrame(EventWebRTCSignal, signalPayload{
		RoomID:     roomID,
		SignalData: p.SignalData,
	}))
	metrics.MessagesRelayed.WithLabelValues("signal").Inc()
	return nil
}

func (m *Manager) handleTyping(ctx context.Context, c *Client, event string, payload json.RawMessage) error {
	var p roomRef
	if err := json.Unmarshal(payload, &p); err != nil {
		return errors.New("payload: malformed JSON")
	}

	m.mu.Lock()
	_, roomID, peer, err := m.roomPeerLocked(ctx, c.socketID, p.RoomID)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	peer.client.deliver(eventFrame(event, roomRef{RoomID: roomID}))
	m.mu.Unlock()
	metrics.MessagesRelayed.WithLabelValues("typing").Inc()

	// Mirror the indicator with a short TTL so another instance can
	// answer "is the peer typing" after a reconnect.
	if event == schema.EventTypingStart {
		m.kv.Set(ctx, typingKey(roomID, c.socketID), "1", typingTTL)
	} else {
		m.kv.Del(ctx, typingKey(roomID, c.socketID))
	}
	return nil
}

func (m *Manager) handleStatusUpdate(ctx context.Context, c *Client, payload json.RawMessage) error {
	var p statusPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return errors.New("payload: malformed JSON")
	}
	status := types.Status(p.Status)

	m.mu.Lock()
	s, ok := m.sessions[c.socketID]
	if !ok {
		m.mu.Unlock()
		return errors.New("socket: not attached")
	}
	s.user.Status = status
	authID := s.user.AuthID
	m.mu.Unlock()

	if authID != "" {
		m.profiles.SetStatus(ctx, authID, status)
	}
	return nil
}

// roomPeerLocked resolves the caller's room and the peer's live
// session. A claimed room id, when present, must match the registry;
// the registry is authoritative either way.
func (m *Manager) roomPeerLocked(ctx context.Context, socketID types.SocketID, claimed string) (*session, string, *session, error) {
	s, ok := m.sessions[socketID]
	if !ok {
		return nil, "", nil, errors.New("socket: not attached")
	}
	roomID, ok := m.roomBySocket[socketID]
	if !ok {
		return nil, "", nil, errors.New("roomId: no active room")
	}
	if claimed != "" && claimed != roomID {
		return nil, "", nil, errors.New("roomId: not a member of this room")
	}
	room := m.rooms[roomID]
	if room == nil {
		logging.Error(ctx, "Room index out of sync", zap.String("room_id", roomID))
		return nil, "", nil, errors.New("roomId: no active room")
	}
	peerID, _ := room.Peer(socketID)
	peer, ok := m.sessions[peerID]
	if !ok {
		// Teardown on the peer's disconnect should have dissolved the
		// room before its session vanished.
		logging.Error(ctx, "Room peer has no session",
			zap.String("room_id", roomID), zap.String("peer", string(peerID)))
		return nil, "", nil, errors.New("roomId: partner no longer connected")
	}
	return s, roomID, peer, nil
}

func typingKey(roomID string, socketID types.SocketID) string {
	return "typing:" + roomID + ":" + string(socketID)
}
