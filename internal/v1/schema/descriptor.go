// Package schema declares the inbound socket event payloads as typed
// descriptors. A descriptor is plain data (field list plus per-field
// constraints) so the validator, the rendered documentation, and tests
// all consume the same source of truth.
package schema

// Inbound socket event names. Outbound names live with the wire codec.
const (
	EventFindPartner  = "findPartner"
	EventLeaveChat    = "leaveChat"
	EventSendMessage  = "sendMessage"
	EventWebRTCSignal = "webrtcSignal"
	EventTypingStart  = "typing_start"
	EventTypingStop   = "typing_stop"
	EventStatusUpdate = "statusUpdate"
)

// Payload bounds shared by the validator and the sanitizers.
const (
	MaxMessageLen  = 2000
	MaxInterests   = 10
	MaxInterestLen = 50
	MaxRoomIDLen   = 200
	MaxUsernameLen = 30
	MaxAuthIDLen   = 128
)

// Kind is the JSON shape a field must have.
type Kind int

const (
	KindString Kind = iota
	KindStringArray
	KindEnum
	KindAny
)

// Sanitizer names the normalization applied before length checks.
type Sanitizer int

const (
	SanitizeNone Sanitizer = iota
	// SanitizeText trims, strips control characters and collapses
	// whitespace runs before the length bounds are measured.
	SanitizeText
	// SanitizeInterestList strips disallowed characters per entry and
	// deduplicates, preserving order.
	SanitizeInterestList
)

// Field is one payload field and its constraints.
type Field struct {
	Name       string
	Kind       Kind
	Required   bool
	Nullable   bool
	MinLen     int
	MaxLen     int
	MaxItems   int
	MaxItemLen int
	Enum       []string
	Sanitize   Sanitizer
	Doc        string
}

// Descriptor is the full payload shape for one inbound event.
type Descriptor struct {
	Event  string
	Doc    string
	Fields []Field
}

// eventOrder fixes the render order for documentation.
var eventOrder = []string{
	EventFindPartner,
	EventLeaveChat,
	EventSendMessage,
	EventWebRTCSignal,
	EventTypingStart,
	EventTypingStop,
	EventStatusUpdate,
}

var registry = map[string]Descriptor{
	EventFindPartner: {
		Event: EventFindPartner,
		Doc:   "Enqueue for matchmaking and attempt an immediate pair.",
		Fields: []Field{
			{Name: "chatType", Kind: KindEnum, Required: true, Enum: []string{"text", "video"}, Doc: "Queue to join."},
			{Name: "interests", Kind: KindStringArray, MaxItems: MaxInterests, MaxItemLen: MaxInterestLen, Sanitize: SanitizeInterestList, Doc: "Topics used for candidate scoring."},
			{Name: "authId", Kind: KindString, Nullable: true, MaxLen: MaxAuthIDLen, Doc: "Client hint only; the verified identity wins."},
		},
	},
	EventLeaveChat: {
		Event: EventLeaveChat,
		Doc:   "Tear down the caller's current room.",
		Fields: []Field{
			{Name: "roomId", Kind: KindString, Required: true, MinLen: 1, MaxLen: MaxRoomIDLen},
		},
	},
	EventSendMessage: {
		Event: EventSendMessage,
		Doc:   "Relay a chat message to the room peer.",
		Fields: []Field{
			{Name: "roomId", Kind: KindString, MinLen: 1, MaxLen: MaxRoomIDLen, Doc: "Optional; the server resolves the room from the socket."},
			{Name: "message", Kind: KindString, Required: true, MinLen: 1, MaxLen: MaxMessageLen, Sanitize: SanitizeText},
			{Name: "username", Kind: KindString, Nullable: true, MaxLen: MaxUsernameLen},
			{Name: "authId", Kind: KindString, Nullable: true, MaxLen: MaxAuthIDLen},
		},
	},
	EventWebRTCSignal: {
		Event: EventWebRTCSignal,
		Doc:   "Relay an opaque signaling blob to the room peer.",
		Fields: []Field{
			{Name: "roomId", Kind: KindString, Required: true, MinLen: 1, MaxLen: MaxRoomIDLen},
			{Name: "signalData", Kind: KindAny, Required: true, Doc: "Forwarded verbatim, never inspected."},
		},
	},
	EventTypingStart: {
		Event: EventTypingStart,
		Doc:   "Notify the peer that the caller started typing.",
		Fields: []Field{
			{Name: "roomId", Kind: KindString, MinLen: 1, MaxLen: MaxRoomIDLen},
		},
	},
	EventTypingStop: {
		Event: EventTypingStop,
		Doc:   "Notify the peer that the caller stopped typing.",
		Fields: []Field{
			{Name: "roomId", Kind: KindString, MinLen: 1, MaxLen: MaxRoomIDLen},
		},
	},
	EventStatusUpdate: {
		Event: EventStatusUpdate,
		Doc:   "Queue a presence status change for the caller.",
		Fields: []Field{
			{Name: "status", Kind: KindEnum, Required: true, Enum: []string{"online", "idle", "dnd", "offline"}},
		},
	},
}

// Lookup returns the descriptor for an inbound event name.
func Lookup(event string) (Descriptor, bool) {
	d, ok := registry[event]
	return d, ok
}

// Events lists the inbound event names in documentation order.
func Events() []string {
	out := make([]string, len(eventOrder))
	copy(out, eventOrder)
	return out
}
