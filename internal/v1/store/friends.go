package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/tinchat/server/internal/v1/types"
)

// Friend request lifecycle states.
const (
	RequestPending  = "pending"
	RequestAccepted = "accepted"
	RequestDeclined = "declined"
)

// FriendRequest is one row of the friend_requests table.
type FriendRequest struct {
	ID         int64     `json:"id"`
	SenderID   string    `json:"senderId"`
	ReceiverID string    `json:"receiverId"`
	Message    string    `json:"message,omitempty"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// RelationFlags captures every edge between a user and one other user.
// The friends service folds these into a single relationship status.
type RelationFlags struct {
	Accepted   bool
	PendingOut bool
	PendingIn  bool
	BlockedOut bool
	BlockedIn  bool
}

// CreateFriendship writes the accepted pair in both directions inside
// one transaction. An existing row returns ErrDuplicate.
func (s *Store) CreateFriendship(ctx context.Context, a, b, initiator string) error {
	now := time.Now().UTC().Unix()
	return s.withRetry(ctx, "create_friendship", func(ctx context.Context) error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		for _, pair := range [][2]string{{a, b}, {b, a}} {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO friendships (user_id, friend_id, status, initiator_id, created_at, updated_at)
				VALUES (?, ?, 'accepted', ?, ?, ?)`,
				pair[0], pair[1], initiator, now, now)
			if isConstraint(err) {
				return fmt.Errorf("friendship %s-%s: %w", a, b, ErrDuplicate)
			}
			if err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

// RemoveFriendship deletes both directions of the pair and reports
// whether anything existed.
func (s *Store) RemoveFriendship(ctx context.Context, a, b string) (bool, error) {
	var removed bool
	err := s.withRetry(ctx, "remove_friendship", func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM friendships
			WHERE (user_id = ? AND friend_id = ?) OR (user_id = ? AND friend_id = ?)`,
			a, b, b, a)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		removed = n > 0
		return nil
	})
	return removed, err
}

// AreFriends reports whether an accepted friendship row exists.
func (s *Store) AreFriends(ctx context.Context, a, b string) (bool, error) {
	var friends bool
	err := s.withRetry(ctx, "are_friends", func(ctx context.Context) error {
		var one int
		err := s.db.QueryRowContext(ctx, `
			SELECT 1 FROM friendships
			WHERE user_id = ? AND friend_id = ? AND status = 'accepted'`, a, b).Scan(&one)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return err
		}
		friends = true
		return nil
	})
	return friends, err
}

// FriendIDs returns the ids of every accepted friend of userID.
func (s *Store) FriendIDs(ctx context.Context, userID string) ([]string, error) {
	var out []string
	err := s.withRetry(ctx, "friend_ids", func(ctx context.Context) error {
		rows, err := s.db.QueryContext(ctx, `
			SELECT friend_id FROM friendships
			WHERE user_id = ? AND status = 'accepted'
			ORDER BY friend_id`, userID)
		if err != nil {
			return err
		}
		defer rows.Close()
		out, err = collectStrings(rows)
		return err
	})
	return out, err
}

// FriendProfiles returns the profiles of userID's accepted friends,
// online friends first.
func (s *Store) FriendProfiles(ctx context.Context, userID string, limit, offset int) ([]*types.UserProfile, error) {
	var out []*types.UserProfile
	err := s.withRetry(ctx, "friend_profiles", func(ctx context.Context) error {
		rows, err := s.db.QueryContext(ctx, `
			SELECT `+profileColumnsQualified+` FROM profiles
			JOIN friendships f ON f.friend_id = profiles.id
			WHERE f.user_id = ? AND f.status = 'accepted'
			ORDER BY profiles.is_online DESC, profiles.username
			LIMIT ? OFFSET ?`, userID, limit, offset)
		if err != nil {
			return err
		}
		defer rows.Close()
		out, err = collectProfiles(rows)
		return err
	})
	return out, err
}

// CountFriends returns the accepted-friend count for userID.
func (s *Store) CountFriends(ctx context.Context, userID string) (int, error) {
	return s.countQuery(ctx, "count_friends", `
		SELECT COUNT(*) FROM friendships
		WHERE user_id = ? AND status = 'accepted'`, userID)
}

// OnlineFriendCount returns how many accepted friends are online now.
func (s *Store) OnlineFriendCount(ctx context.Context, userID string) (int, error) {
	return s.countQuery(ctx, "online_friend_count", `
		SELECT COUNT(*) FROM friendships f
		JOIN profiles p ON p.id = f.friend_id
		WHERE f.user_id = ? AND f.status = 'accepted' AND p.is_online = 1`, userID)
}

// MutualFriendIDs returns ids friended by both a and b.
func (s *Store) MutualFriendIDs(ctx context.Context, a, b string) ([]string, error) {
	var out []string
	err := s.withRetry(ctx, "mutual_friend_ids", func(ctx context.Context) error {
		rows, err := s.db.QueryContext(ctx, `
			SELECT f1.friend_id FROM friendships f1
			JOIN friendships f2 ON f2.friend_id = f1.friend_id
			WHERE f1.user_id = ? AND f1.status = 'accepted'
			  AND f2.user_id = ? AND f2.status = 'accepted'
			ORDER BY f1.friend_id`, a, b)
		if err != nil {
			return err
		}
		defer rows.Close()
		out, err = collectStrings(rows)
		return err
	})
	return out, err
}

// CreateFriendRequest inserts a pending request. A second pending
// request for the same ordered pair returns ErrDuplicate.
func (s *Store) CreateFriendRequest(ctx context.Context, sender, receiver, message string) (*FriendRequest, error) {
	now := time.Now().UTC().Truncate(time.Second)
	req := &FriendRequest{
		SenderID:   sender,
		ReceiverID: receiver,
		Message:    message,
		Status:     RequestPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	err := s.withRetry(ctx, "create_friend_request", func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO friend_requests (sender_id, receiver_id, message, status, created_at, updated_at)
			VALUES (?, ?, ?, 'pending', ?, ?)`,
			sender, receiver, nullable(message), now.Unix(), now.Unix())
		if isConstraint(err) {
			return fmt.Errorf("request %s->%s: %w", sender, receiver, ErrDuplicate)
		}
		if err != nil {
			return err
		}
		req.ID, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return nil, err
	}
	return req, nil
}

// GetFriendRequest fetches one request by id.
func (s *Store) GetFriendRequest(ctx context.Context, id int64) (*FriendRequest, error) {
	var out *FriendRequest
	err := s.withRetry(ctx, "get_friend_request", func(ctx context.Context) error {
		req, err := scanFriendRequest(s.db.QueryRowContext(ctx, `
			SELECT id, sender_id, receiver_id, message, status, created_at, updated_at
			FROM friend_requests WHERE id = ?`, id))
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		out = req
		return nil
	})
	return out, err
}

// PendingRequestsFor lists the pending requests addressed to receiver,
// oldest first.
func (s *Store) PendingRequestsFor(ctx context.Context, receiver string, limit, offset int) ([]*FriendRequest, error) {
	var out []*FriendRequest
	err := s.withRetry(ctx, "pending_requests", func(ctx context.Context) error {
		rows, err := s.db.QueryContext(ctx, `
			SELECT id, sender_id, receiver_id, message, status, created_at, updated_at
			FROM friend_requests
			WHERE receiver_id = ? AND status = 'pending'
			ORDER BY created_at, id
			LIMIT ? OFFSET ?`, receiver, limit, offset)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			req, err := scanFriendRequest(rows)
			if err != nil {
				return err
			}
			out = append(out, req)
		}
		return rows.Err()
	})
	return out, err
}

// CountPendingRequests returns how many pending requests await receiver.
func (s *Store) CountPendingRequests(ctx context.Context, receiver string) (int, error) {
	return s.countQuery(ctx, "count_pending_requests", `
		SELECT COUNT(*) FROM friend_requests
		WHERE receiver_id = ? AND status = 'pending'`, receiver)
}

// SentRequestsBy lists the pending requests sender has outstanding,
// oldest first.
func (s *Store) SentRequestsBy(ctx context.Context, sender string, limit, offset int) ([]*FriendRequest, error) {
	var out []*FriendRequest
	err := s.withRetry(ctx, "sent_requests", func(ctx context.Context) error {
		rows, err := s.db.QueryContext(ctx, `
			SELECT id, sender_id, receiver_id, message, status, created_at, updated_at
			FROM friend_requests
			WHERE sender_id = ? AND status = 'pending'
			ORDER BY created_at, id
			LIMIT ? OFFSET ?`, sender, limit, offset)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			req, err := scanFriendRequest(rows)
			if err != nil {
				return err
			}
			out = append(out, req)
		}
		return rows.Err()
	})
	return out, err
}

// CountSentRequests returns how many pending requests sender has out.
func (s *Store) CountSentRequests(ctx context.Context, sender string) (int, error) {
	return s.countQuery(ctx, "count_sent_requests", `
		SELECT COUNT(*) FROM friend_requests
		WHERE sender_id = ? AND status = 'pending'`, sender)
}

// PendingRequestBetween returns the pending request from sender to
// receiver, or ErrNotFound.
func (s *Store) PendingRequestBetween(ctx context.Context, sender, receiver string) (*FriendRequest, error) {
	var out *FriendRequest
	err := s.withRetry(ctx, "pending_request_between", func(ctx context.Context) error {
		req, err := scanFriendRequest(s.db.QueryRowContext(ctx, `
			SELECT id, sender_id, receiver_id, message, status, created_at, updated_at
			FROM friend_requests
			WHERE sender_id = ? AND receiver_id = ? AND status = 'pending'`, sender, receiver))
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		out = req
		return nil
	})
	return out, err
}

// AcceptFriendRequest marks the pending request accepted and writes the
// friendship pair, all in one transaction. A request that is missing or
// no longer pending returns ErrNotFound.
func (s *Store) AcceptFriendRequest(ctx context.Context, id int64) (*FriendRequest, error) {
	var out *FriendRequest
	now := time.Now().UTC().Unix()

	err := s.withRetry(ctx, "accept_friend_request", func(ctx context.Context) error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		req, err := scanFriendRequest(tx.QueryRowContext(ctx, `
			SELECT id, sender_id, receiver_id, message, status, created_at, updated_at
			FROM friend_requests WHERE id = ? AND status = 'pending'`, id))
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE friend_requests SET status = 'accepted', updated_at = ? WHERE id = ?`,
			now, id); err != nil {
			return err
		}

		for _, pair := range [][2]string{{req.SenderID, req.ReceiverID}, {req.ReceiverID, req.SenderID}} {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO friendships (user_id, friend_id, status, initiator_id, created_at, updated_at)
				VALUES (?, ?, 'accepted', ?, ?, ?)`,
				pair[0], pair[1], req.SenderID, now, now)
			if isConstraint(err) {
				return fmt.Errorf("friendship %s-%s: %w", req.SenderID, req.ReceiverID, ErrDuplicate)
			}
			if err != nil {
				return err
			}
		}

		if err := tx.Commit(); err != nil {
			return err
		}
		req.Status = RequestAccepted
		req.UpdatedAt = time.Unix(now, 0).UTC()
		out = req
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DeclineFriendRequest marks a pending request declined. Missing or
// already-resolved requests return ErrNotFound.
func (s *Store) DeclineFriendRequest(ctx context.Context, id int64) error {
	return s.withRetry(ctx, "decline_friend_request", func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE friend_requests SET status = 'declined', updated_at = ?
			WHERE id = ? AND status = 'pending'`,
			time.Now().UTC().Unix(), id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// CreateBlock inserts the block and, in the same transaction, removes
// any friendship and declines any pending requests between the pair.
func (s *Store) CreateBlock(ctx context.Context, blocker, blocked, reason string) error {
	now := time.Now().UTC().Unix()
	return s.withRetry(ctx, "create_block", func(ctx context.Context) error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		_, err = tx.ExecContext(ctx, `
			INSERT INTO blocks (blocker_id, blocked_id, reason, created_at)
			VALUES (?, ?, ?, ?)`,
			blocker, blocked, nullable(reason), now)
		if isConstraint(err) {
			return fmt.Errorf("block %s->%s: %w", blocker, blocked, ErrDuplicate)
		}
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `
			DELETE FROM friendships
			WHERE (user_id = ? AND friend_id = ?) OR (user_id = ? AND friend_id = ?)`,
			blocker, blocked, blocked, blocker); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE friend_requests SET status = 'declined', updated_at = ?
			WHERE status = 'pending'
			  AND ((sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?))`,
			now, blocker, blocked, blocked, blocker); err != nil {
			return err
		}

		return tx.Commit()
	})
}

// RemoveBlock deletes a block and reports whether it existed.
func (s *Store) RemoveBlock(ctx context.Context, blocker, blocked string) (bool, error) {
	var removed bool
	err := s.withRetry(ctx, "remove_block", func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM blocks WHERE blocker_id = ? AND blocked_id = ?`, blocker, blocked)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		removed = n > 0
		return nil
	})
	return removed, err
}

// BlockedIDs returns every id the user has blocked.
func (s *Store) BlockedIDs(ctx context.Context, blocker string) ([]string, error) {
	var out []string
	err := s.withRetry(ctx, "blocked_ids", func(ctx context.Context) error {
		rows, err := s.db.QueryContext(ctx, `
			SELECT blocked_id FROM blocks WHERE blocker_id = ? ORDER BY blocked_id`, blocker)
		if err != nil {
			return err
		}
		defer rows.Close()
		out, err = collectStrings(rows)
		return err
	})
	return out, err
}

// BlockedProfiles returns the profiles the user has blocked, newest
// block first.
func (s *Store) BlockedProfiles(ctx context.Context, blocker string) ([]*types.UserProfile, error) {
	var out []*types.UserProfile
	err := s.withRetry(ctx, "blocked_profiles", func(ctx context.Context) error {
		rows, err := s.db.QueryContext(ctx, `
			SELECT `+profileColumnsQualified+` FROM profiles
			JOIN blocks b ON b.blocked_id = profiles.id
			WHERE b.blocker_id = ?
			ORDER BY b.created_at DESC`, blocker)
		if err != nil {
			return err
		}
		defer rows.Close()
		out, err = collectProfiles(rows)
		return err
	})
	return out, err
}

// Relations resolves the edges between user and one other user.
func (s *Store) Relations(ctx context.Context, user, other string) (RelationFlags, error) {
	batch, err := s.BatchRelations(ctx, user, []string{other})
	if err != nil {
		return RelationFlags{}, err
	}
	return batch[other], nil
}

// BatchRelations resolves the edges between user and each of others in
// a handful of set queries instead of one round trip per pair.
func (s *Store) BatchRelations(ctx context.Context, user string, others []string) (map[string]RelationFlags, error) {
	out := make(map[string]RelationFlags, len(others))
	if len(others) == 0 {
		return out, nil
	}
	for _, other := range others {
		out[other] = RelationFlags{}
	}

	mark := func(ids []string, apply func(*RelationFlags)) {
		for _, id := range ids {
			flags := out[id]
			apply(&flags)
			out[id] = flags
		}
	}

	in := placeholders(len(others))
	idArgs := toArgs(others)

	queries := []struct {
		sql   string
		apply func(*RelationFlags)
	}{
		{`SELECT friend_id FROM friendships WHERE user_id = ? AND status = 'accepted' AND friend_id IN (` + in + `)`,
			func(f *RelationFlags) { f.Accepted = true }},
		{`SELECT receiver_id FROM friend_requests WHERE sender_id = ? AND status = 'pending' AND receiver_id IN (` + in + `)`,
			func(f *RelationFlags) { f.PendingOut = true }},
		{`SELECT sender_id FROM friend_requests WHERE receiver_id = ? AND status = 'pending' AND sender_id IN (` + in + `)`,
			func(f *RelationFlags) { f.PendingIn = true }},
		{`SELECT blocked_id FROM blocks WHERE blocker_id = ? AND blocked_id IN (` + in + `)`,
			func(f *RelationFlags) { f.BlockedOut = true }},
		{`SELECT blocker_id FROM blocks WHERE blocked_id = ? AND blocker_id IN (` + in + `)`,
			func(f *RelationFlags) { f.BlockedIn = true }},
	}

	err := s.withRetry(ctx, "batch_relations", func(ctx context.Context) error {
		for _, q := range queries {
			rows, err := s.db.QueryContext(ctx, q.sql, append([]interface{}{user}, idArgs...)...)
			if err != nil {
				return err
			}
			ids, err := collectStrings(rows)
			rows.Close()
			if err != nil {
				return err
			}
			mark(ids, q.apply)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Suggestions returns friends-of-friends the user is not already
// related to, ordered by how many mutual friends they share.
func (s *Store) Suggestions(ctx context.Context, userID string, limit int) ([]*types.UserProfile, error) {
	var out []*types.UserProfile
	err := s.withRetry(ctx, "suggestions", func(ctx context.Context) error {
		rows, err := s.db.QueryContext(ctx, `
			SELECT `+profileColumns+` FROM profiles
			JOIN (
				SELECT f2.friend_id AS candidate, COUNT(*) AS mutuals
				FROM friendships f1
				JOIN friendships f2 ON f2.user_id = f1.friend_id AND f2.status = 'accepted'
				WHERE f1.user_id = ? AND f1.status = 'accepted'
				  AND f2.friend_id <> ?
				  AND f2.friend_id NOT IN (SELECT friend_id FROM friendships WHERE user_id = ?)
				  AND f2.friend_id NOT IN (SELECT blocked_id FROM blocks WHERE blocker_id = ?)
				  AND f2.friend_id NOT IN (SELECT blocker_id FROM blocks WHERE blocked_id = ?)
				GROUP BY f2.friend_id
			) c ON c.candidate = profiles.id
			ORDER BY c.mutuals DESC, profiles.username
			LIMIT ?`, userID, userID, userID, userID, userID, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		out, err = collectProfiles(rows)
		return err
	})
	return out, err
}

func (s *Store) countQuery(ctx context.Context, op, query string, args ...interface{}) (int, error) {
	var count int
	err := s.withRetry(ctx, op, func(ctx context.Context) error {
		return s.db.QueryRowContext(ctx, query, args...).Scan(&count)
	})
	return count, err
}

func scanFriendRequest(row rowScanner) (*FriendRequest, error) {
	var (
		req                  FriendRequest
		message              sql.NullString
		createdAt, updatedAt int64
	)
	err := row.Scan(&req.ID, &req.SenderID, &req.ReceiverID, &message, &req.Status, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	req.Message = message.String
	req.CreatedAt = time.Unix(createdAt, 0).UTC()
	req.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &req, nil
}

func collectStrings(rows *sql.Rows) ([]string, error) {
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
