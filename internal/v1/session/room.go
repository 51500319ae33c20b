package session

import (
	"time"

	"github.com/google/uuid"

	"github.com/tinchat/server/internal/v1/types"
)

// Room pairs exactly two sockets produced by one match. Membership is
// fixed at creation and the manager's registries hold all mutable
// state, so a Room can be read without locking.
type Room struct {
	ID        string
	ChatType  types.ChatType
	Members   [2]types.SocketID
	CreatedAt time.Time
}

func newRoom(chatType types.ChatType, a, b types.SocketID) *Room {
	return &Room{
		ID:        uuid.NewString(),
		ChatType:  chatType,
		Members:   [2]types.SocketID{a, b},
		CreatedAt: time.Now(),
	}
}

// Peer returns the other member of the room.
func (r *Room) Peer(of types.SocketID) (types.SocketID, bool) {
	switch of {
	case r.Members[0]:
		return r.Members[1], true
	case r.Members[1]:
		return r.Members[0], true
	}
	return "", false
}

// Has reports whether the socket is one of the room's two members.
func (r *Room) Has(id types.SocketID) bool {
	return id == r.Members[0] || id == r.Members[1]
}
