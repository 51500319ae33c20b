package store

import "context"

// Schema is the logical shape of the durable tables. Production
// databases are bootstrapped by the one-shot initializer that owns
// migrations; ApplySchema exists for tests and for in-memory
// development databases. Timestamps are unix seconds.
const Schema = `
CREATE TABLE IF NOT EXISTS profiles (
    id                     TEXT PRIMARY KEY,
    username               TEXT NOT NULL UNIQUE,
    display_name           TEXT,
    avatar_url             TEXT,
    banner_url             TEXT,
    pronouns               TEXT,
    bio                    TEXT,
    display_name_color     TEXT,
    display_name_animation TEXT,
    rainbow_speed          INTEGER NOT NULL DEFAULT 0,
    badges                 TEXT,
    profile_card_css       TEXT,
    customization          TEXT,
    status                 TEXT,
    is_online              INTEGER NOT NULL DEFAULT 0,
    last_seen              INTEGER,
    created_at             INTEGER NOT NULL,
    updated_at             INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS friendships (
    user_id      TEXT NOT NULL,
    friend_id    TEXT NOT NULL,
    status       TEXT NOT NULL DEFAULT 'pending',
    initiator_id TEXT,
    created_at   INTEGER NOT NULL,
    updated_at   INTEGER NOT NULL,
    PRIMARY KEY (user_id, friend_id),
    CHECK (user_id <> friend_id)
);
CREATE INDEX IF NOT EXISTS idx_friendships_user ON friendships (user_id, status);

CREATE TABLE IF NOT EXISTS friend_requests (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    sender_id   TEXT NOT NULL,
    receiver_id TEXT NOT NULL,
    message     TEXT,
    status      TEXT NOT NULL DEFAULT 'pending',
    created_at  INTEGER NOT NULL,
    updated_at  INTEGER NOT NULL,
    CHECK (sender_id <> receiver_id)
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_friend_requests_pending
    ON friend_requests (sender_id, receiver_id) WHERE status = 'pending';
CREATE INDEX IF NOT EXISTS idx_friend_requests_receiver
    ON friend_requests (receiver_id, status);

CREATE TABLE IF NOT EXISTS blocks (
    blocker_id TEXT NOT NULL,
    blocked_id TEXT NOT NULL,
    reason     TEXT,
    created_at INTEGER NOT NULL,
    PRIMARY KEY (blocker_id, blocked_id),
    CHECK (blocker_id <> blocked_id)
);

CREATE TABLE IF NOT EXISTS messages (
    id               TEXT PRIMARY KEY,
    room_id          TEXT NOT NULL,
    sender_socket_id TEXT NOT NULL,
    sender_auth_id   TEXT,
    text             TEXT NOT NULL,
    metadata         TEXT,
    created_at       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_room ON messages (room_id, created_at);
CREATE INDEX IF NOT EXISTS idx_messages_created ON messages (created_at);
`

// ApplySchema creates the tables if they do not exist.
func (s *Store) ApplySchema(ctx context.Context) error {
	return s.withRetry(ctx, "apply_schema", func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, Schema)
		return err
	})
}
