package store

import (
	"context"
	"database/sql"
	"time"
)

// Message is one relayed chat message kept for the retention window.
type Message struct {
	ID             string
	RoomID         string
	SenderSocketID string
	SenderAuthID   string
	Text           string
	Metadata       string
	CreatedAt      time.Time
}

// InsertMessage persists a relayed message. Called off the hot path by
// the retention worker pool.
func (s *Store) InsertMessage(ctx context.Context, m *Message) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	return s.withRetry(ctx, "insert_message", func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO messages (id, room_id, sender_socket_id, sender_auth_id, text, metadata, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			m.ID, m.RoomID, m.SenderSocketID, nullable(m.SenderAuthID),
			m.Text, nullable(m.Metadata), m.CreatedAt.Unix())
		return err
	})
}

// PurgeMessagesBefore deletes messages older than the cutoff and
// returns how many were removed.
func (s *Store) PurgeMessagesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var purged int64
	err := s.withRetry(ctx, "purge_messages", func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE created_at < ?`, cutoff.Unix())
		if err != nil {
			return err
		}
		purged, err = res.RowsAffected()
		return err
	})
	return purged, err
}

// CountMessages returns the number of retained messages.
func (s *Store) CountMessages(ctx context.Context) (int64, error) {
	var count int64
	err := s.withRetry(ctx, "count_messages", func(ctx context.Context) error {
		return s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&count)
	})
	return count, err
}

// RoomMessages returns up to limit messages for a room, oldest first.
func (s *Store) RoomMessages(ctx context.Context, roomID string, limit int) ([]*Message, error) {
	var out []*Message
	err := s.withRetry(ctx, "room_messages", func(ctx context.Context) error {
		rows, err := s.db.QueryContext(ctx, `
			SELECT id, room_id, sender_socket_id, sender_auth_id, text, metadata, created_at
			FROM messages WHERE room_id = ?
			ORDER BY created_at, id
			LIMIT ?`, roomID, limit)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var (
				m                    Message
				senderAuth, metadata sql.NullString
				createdAt            int64
			)
			if err := rows.Scan(&m.ID, &m.RoomID, &m.SenderSocketID, &senderAuth, &m.Text, &metadata, &createdAt); err != nil {
				return err
			}
			m.SenderAuthID = senderAuth.String
			m.Metadata = metadata.String
			m.CreatedAt = time.Unix(createdAt, 0).UTC()
			out = append(out, &m)
		}
		return rows.Err()
	})
	return out, err
}
