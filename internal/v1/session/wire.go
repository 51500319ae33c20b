package session

import (
	"encoding/json"

	"github.com/tinchat/server/internal/v1/schema"
	"github.com/tinchat/server/internal/v1/types"
)

// Outbound wire events. Inbound events and their payload schemas live
// in the schema package; relayed signal and typing events keep their
// inbound names on the way out.
const (
	EventPartnerFound = "partner-found"
	EventPartnerLeft  = "partner-left"
	EventMessage      = "message"
	EventWebRTCSignal = schema.EventWebRTCSignal
	EventTypingStart  = schema.EventTypingStart
	EventTypingStop   = schema.EventTypingStop
	EventReplaced     = "replaced"
	EventError        = "error"
)

// inboundFrame is the envelope every socket message arrives in. The
// payload is held raw until the event's schema has accepted it.
type inboundFrame struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// frame is the outbound wire shape. Delivery events carry their body in
// Data; rejections echo the offending event name with Success false and
// a "<field>: <reason>" error, so the client hears the verdict on the
// same channel it sent on.
type frame struct {
	Event   string `json:"event"`
	Data    any    `json:"data,omitempty"`
	Success *bool  `json:"success,omitempty"`
	Error   string `json:"error,omitempty"`
}

func eventFrame(event string, data any) frame {
	return frame{Event: event, Data: data}
}

func rejectFrame(event string, err error) frame {
	no := false
	return frame{Event: event, Success: &no, Error: err.Error()}
}

func errorFrame(reason string) frame {
	no := false
	return frame{Event: EventError, Success: &no, Error: reason}
}

func (f frame) encode() []byte {
	data, err := json.Marshal(f)
	if err != nil {
		return nil
	}
	return data
}

// Decoded payload shapes. These are unmarshalled only after
// schema.Validate has accepted the raw payload, so field types are
// already known to be right; authId arriving as JSON null stays "".

type findPartnerPayload struct {
	ChatType  string   `json:"chatType"`
	Interests []string `json:"interests"`
	AuthID    string   `json:"authId"`
}

type sendMessagePayload struct {
	RoomID   string `json:"roomId"`
	Message  string `json:"message"`
	Username string `json:"username"`
	AuthID   string `json:"authId"`
}

type signalPayload struct {
	RoomID     string          `json:"roomId"`
	SignalData json.RawMessage `json:"signalData"`
}

// roomRef is the shared {roomId} shape: leaveChat and typing events
// inbound, partner-left and typing relays outbound.
type roomRef struct {
	RoomID string `json:"roomId"`
}

type statusPayload struct {
	Status string `json:"status"`
}

// displayShape is the peer-visible slice of a session user: what a
// client needs to render the person on the other side of the room.
// Interests and CommonInterests are filled on partner-found and left
// empty on message relays.
type displayShape struct {
	Username             string        `json:"username,omitempty"`
	DisplayName          string        `json:"displayName,omitempty"`
	DisplayNameColor     string        `json:"displayNameColor,omitempty"`
	DisplayNameAnimation string        `json:"displayNameAnimation,omitempty"`
	RainbowSpeed         int           `json:"rainbowSpeed,omitempty"`
	Badges               []types.Badge `json:"badges,omitempty"`
	Pronouns             string        `json:"pronouns,omitempty"`
	AuthID               string        `json:"authId,omitempty"`
	Interests            []string      `json:"interests,omitempty"`
	CommonInterests      []string      `json:"commonInterests,omitempty"`
}

func shapeOf(u *types.User) displayShape {
	if u == nil {
		return displayShape{}
	}
	return displayShape{
		Username:             u.Username,
		DisplayName:          u.DisplayName,
		DisplayNameColor:     u.DisplayNameColor,
		DisplayNameAnimation: u.DisplayNameAnimation,
		RainbowSpeed:         u.RainbowSpeed,
		Badges:               u.Badges,
		Pronouns:             u.Pronouns,
		AuthID:               string(u.AuthID),
	}
}

type partnerFoundPayload struct {
	RoomID   string         `json:"roomId"`
	ChatType types.ChatType `json:"chatType"`
	Partner  displayShape   `json:"partner"`
}

type messagePayload struct {
	ID        string       `json:"id"`
	RoomID    string       `json:"roomId"`
	Message   string       `json:"message"`
	Timestamp int64        `json:"timestamp"`
	Sender    displayShape `json:"sender"`
}
