package friends

import "github.com/tinchat/server/internal/v1/store"

// Status is the friendship-status vocabulary, always phrased from the
// viewer's side of the pair.
type Status string

const (
	StatusNone            Status = "none"
	StatusFriends         Status = "friends"
	StatusPendingSent     Status = "pending_sent"
	StatusPendingReceived Status = "pending_received"
	StatusBlocked         Status = "blocked"
	StatusBlockedBy       Status = "blocked_by"
	StatusSelf            Status = "self"
)

// FromFlags collapses the relation edges between viewer and other into
// one status. Precedence: accepted friendship, then outgoing pending,
// incoming pending, outgoing block, incoming block.
func FromFlags(f store.RelationFlags) Status {
	switch {
	case f.Accepted:
		return StatusFriends
	case f.PendingOut:
		return StatusPendingSent
	case f.PendingIn:
		return StatusPendingReceived
	case f.BlockedOut:
		return StatusBlocked
	case f.BlockedIn:
		return StatusBlockedBy
	}
	return StatusNone
}

// Flip rephrases the status from the other user's side. Symmetric
// states map to themselves.
func (s Status) Flip() Status {
	switch s {
	case StatusPendingSent:
		return StatusPendingReceived
	case StatusPendingReceived:
		return StatusPendingSent
	case StatusBlocked:
		return StatusBlockedBy
	case StatusBlockedBy:
		return StatusBlocked
	}
	return s
}
