package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tinchat/server/internal/v1/types"
)

const profileColumns = `id, username, display_name, avatar_url, banner_url, pronouns, bio,
	display_name_color, display_name_animation, rainbow_speed, badges, profile_card_css,
	customization, status, is_online, last_seen, created_at, updated_at`

// profileColumnsQualified prefixes each profile column with its table
// name for queries that join tables sharing column names such as
// status and created_at.
var profileColumnsQualified = func() string {
	cols := strings.Split(profileColumns, ",")
	for i, c := range cols {
		cols[i] = "profiles." + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}()

// ProfilePatch is a partial profile update. Nil fields are unchanged.
type ProfilePatch struct {
	Username             *string
	DisplayName          *string
	AvatarURL            *string
	BannerURL            *string
	Pronouns             *string
	Bio                  *string
	DisplayNameColor     *string
	DisplayNameAnimation *string
	RainbowSpeed         *int
	Badges               []types.Badge
	ProfileCardCSS       *string
	Customization        map[string]any
}

// TouchesDisplayShape reports whether the patch changes fields mirrored
// into friends-list caches, which must then be invalidated.
func (p *ProfilePatch) TouchesDisplayShape() bool {
	return p != nil && (p.DisplayName != nil || p.AvatarURL != nil)
}

// Empty reports whether the patch changes nothing.
func (p *ProfilePatch) Empty() bool {
	return p == nil || (p.Username == nil && p.DisplayName == nil && p.AvatarURL == nil &&
		p.BannerURL == nil && p.Pronouns == nil && p.Bio == nil && p.DisplayNameColor == nil &&
		p.DisplayNameAnimation == nil && p.RainbowSpeed == nil && p.Badges == nil &&
		p.ProfileCardCSS == nil && p.Customization == nil)
}

// GetProfile fetches one profile by id.
func (s *Store) GetProfile(ctx context.Context, id string) (*types.UserProfile, error) {
	var out *types.UserProfile
	err := s.withRetry(ctx, "get_profile", func(ctx context.Context) error {
		row := s.db.QueryRowContext(ctx,
			`SELECT `+profileColumns+` FROM profiles WHERE id = ?`, id)
		p, err := scanProfile(row)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		out = p
		return nil
	})
	return out, err
}

// GetProfileByUsername fetches one profile by its unique username.
func (s *Store) GetProfileByUsername(ctx context.Context, username string) (*types.UserProfile, error) {
	var out *types.UserProfile
	err := s.withRetry(ctx, "get_profile_by_username", func(ctx context.Context) error {
		row := s.db.QueryRowContext(ctx,
			`SELECT `+profileColumns+` FROM profiles WHERE username = ?`, username)
		p, err := scanProfile(row)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		out = p
		return nil
	})
	return out, err
}

// UpsertProfile inserts or fully replaces a profile row. CreatedAt is
// preserved on conflict; UpdatedAt is stamped with the current time and
// written back into p. A username collision returns ErrDuplicate.
func (s *Store) UpsertProfile(ctx context.Context, p *types.UserProfile) error {
	now := time.Now().UTC().Truncate(time.Second)
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	badges, err := marshalJSON(p.Badges)
	if err != nil {
		return fmt.Errorf("failed to encode badges: %w", err)
	}
	customization, err := marshalJSON(p.Customization)
	if err != nil {
		return fmt.Errorf("failed to encode customization: %w", err)
	}

	return s.withRetry(ctx, "upsert_profile", func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO profiles (`+profileColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				username = excluded.username,
				display_name = excluded.display_name,
				avatar_url = excluded.avatar_url,
				banner_url = excluded.banner_url,
				pronouns = excluded.pronouns,
				bio = excluded.bio,
				display_name_color = excluded.display_name_color,
				display_name_animation = excluded.display_name_animation,
				rainbow_speed = excluded.rainbow_speed,
				badges = excluded.badges,
				profile_card_css = excluded.profile_card_css,
				customization = excluded.customization,
				status = excluded.status,
				is_online = excluded.is_online,
				last_seen = excluded.last_seen,
				updated_at = excluded.updated_at`,
			p.ID, p.Username, nullable(p.DisplayName), nullable(p.AvatarURL),
			nullable(p.BannerURL), nullable(p.Pronouns), nullable(p.Bio),
			nullable(p.DisplayNameColor), nullable(p.DisplayNameAnimation), p.RainbowSpeed,
			badges, nullable(p.ProfileCardCSS), customization, nullable(string(p.Status)),
			boolToInt(p.IsOnline), unixOrNull(p.LastSeen), p.CreatedAt.Unix(), p.UpdatedAt.Unix())
		if isConstraint(err) {
			return fmt.Errorf("username %q: %w", p.Username, ErrDuplicate)
		}
		return err
	})
}

// ApplyProfilePatch updates only the fields the patch names. Returns
// ErrNotFound when the profile does not exist and ErrDuplicate when a
// username change collides.
func (s *Store) ApplyProfilePatch(ctx context.Context, id string, patch *ProfilePatch) error {
	if patch.Empty() {
		return nil
	}

	var (
		sets []string
		args []interface{}
	)
	add := func(column string, value interface{}) {
		sets = append(sets, column+" = ?")
		args = append(args, value)
	}

	if patch.Username != nil {
		add("username", *patch.Username)
	}
	if patch.DisplayName != nil {
		add("display_name", nullable(*patch.DisplayName))
	}
	if patch.AvatarURL != nil {
		add("avatar_url", nullable(*patch.AvatarURL))
	}
	if patch.BannerURL != nil {
		add("banner_url", nullable(*patch.BannerURL))
	}
	if patch.Pronouns != nil {
		add("pronouns", nullable(*patch.Pronouns))
	}
	if patch.Bio != nil {
		add("bio", nullable(*patch.Bio))
	}
	if patch.DisplayNameColor != nil {
		add("display_name_color", nullable(*patch.DisplayNameColor))
	}
	if patch.DisplayNameAnimation != nil {
		add("display_name_animation", nullable(*patch.DisplayNameAnimation))
	}
	if patch.RainbowSpeed != nil {
		add("rainbow_speed", *patch.RainbowSpeed)
	}
	if patch.Badges != nil {
		badges, err := marshalJSON(patch.Badges)
		if err != nil {
			return fmt.Errorf("failed to encode badges: %w", err)
		}
		add("badges", badges)
	}
	if patch.ProfileCardCSS != nil {
		add("profile_card_css", nullable(*patch.ProfileCardCSS))
	}
	if patch.Customization != nil {
		customization, err := marshalJSON(patch.Customization)
		if err != nil {
			return fmt.Errorf("failed to encode customization: %w", err)
		}
		add("customization", customization)
	}
	add("updated_at", time.Now().UTC().Unix())

	query := "UPDATE profiles SET " + strings.Join(sets, ", ") + " WHERE id = ?"
	args = append(args, id)

	return s.withRetry(ctx, "patch_profile", func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx, query, args...)
		if isConstraint(err) {
			return fmt.Errorf("username: %w", ErrDuplicate)
		}
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

// SearchProfiles matches the query against usernames and display names.
func (s *Store) SearchProfiles(ctx context.Context, query string, limit, offset int) ([]*types.UserProfile, error) {
	pattern := "%" + escapeLike(query) + "%"

	var out []*types.UserProfile
	err := s.withRetry(ctx, "search_profiles", func(ctx context.Context) error {
		rows, err := s.db.QueryContext(ctx, `
			SELECT `+profileColumns+` FROM profiles
			WHERE username LIKE ? ESCAPE '\' OR display_name LIKE ? ESCAPE '\'
			ORDER BY username
			LIMIT ? OFFSET ?`, pattern, pattern, limit, offset)
		if err != nil {
			return err
		}
		defer rows.Close()
		out, err = collectProfiles(rows)
		return err
	})
	return out, err
}

// ProfilesByIDs fetches a batch of profiles in one query. Missing ids
// are simply absent from the result.
func (s *Store) ProfilesByIDs(ctx context.Context, ids []string) ([]*types.UserProfile, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var out []*types.UserProfile
	err := s.withRetry(ctx, "profiles_by_ids", func(ctx context.Context) error {
		rows, err := s.db.QueryContext(ctx, `
			SELECT `+profileColumns+` FROM profiles
			WHERE id IN (`+placeholders(len(ids))+`)
			ORDER BY username`, toArgs(ids)...)
		if err != nil {
			return err
		}
		defer rows.Close()
		out, err = collectProfiles(rows)
		return err
	})
	return out, err
}

// PresenceInfo is the slimmed presence view of a profile row.
type PresenceInfo struct {
	IsOnline bool         `json:"isOnline"`
	LastSeen time.Time    `json:"lastSeen,omitempty"`
	Status   types.Status `json:"status,omitempty"`
}

// PresenceInfoByIDs returns presence state for a batch of users keyed
// by id. Unknown ids are absent from the map.
func (s *Store) PresenceInfoByIDs(ctx context.Context, ids []string) (map[string]PresenceInfo, error) {
	out := make(map[string]PresenceInfo, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	err := s.withRetry(ctx, "presence_by_ids", func(ctx context.Context) error {
		rows, err := s.db.QueryContext(ctx, `
			SELECT id, is_online, status, last_seen FROM profiles
			WHERE id IN (`+placeholders(len(ids))+`)`, toArgs(ids)...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var (
				id       string
				online   int
				status   sql.NullString
				lastSeen sql.NullInt64
			)
			if err := rows.Scan(&id, &online, &status, &lastSeen); err != nil {
				return err
			}
			out[id] = PresenceInfo{
				IsOnline: online != 0,
				LastSeen: unixOrZero(lastSeen),
				Status:   types.Status(status.String),
			}
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// UpdatePresence applies one status to a batch of users in a single
// statement. The presence flusher groups queued updates by status so
// each flush issues one UpdatePresence per distinct status.
func (s *Store) UpdatePresence(ctx context.Context, ids []string, status types.Status, online bool, seen time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	var affected int64
	err := s.withRetry(ctx, "update_presence", func(ctx context.Context) error {
		args := append([]interface{}{string(status), boolToInt(online), seen.Unix(), time.Now().UTC().Unix()}, toArgs(ids)...)
		res, err := s.db.ExecContext(ctx, `
			UPDATE profiles SET status = ?, is_online = ?, last_seen = ?, updated_at = ?
			WHERE id IN (`+placeholders(len(ids))+`)`, args...)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	return affected, err
}

// MarkStaleOffline flips users still flagged online whose last-seen is
// older than the cutoff. Returns how many rows changed.
func (s *Store) MarkStaleOffline(ctx context.Context, cutoff time.Time) (int64, error) {
	var affected int64
	err := s.withRetry(ctx, "mark_stale_offline", func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE profiles SET is_online = 0, status = 'offline', updated_at = ?
			WHERE is_online = 1 AND (last_seen IS NULL OR last_seen < ?)`,
			time.Now().UTC().Unix(), cutoff.Unix())
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	return affected, err
}

// RecentOnlineProfiles returns online profiles last seen since the
// given time, newest first. The cache warmer seeds the LRU from this.
func (s *Store) RecentOnlineProfiles(ctx context.Context, limit int, seenSince time.Time) ([]*types.UserProfile, error) {
	var out []*types.UserProfile
	err := s.withRetry(ctx, "recent_online_profiles", func(ctx context.Context) error {
		rows, err := s.db.QueryContext(ctx, `
			SELECT `+profileColumns+` FROM profiles
			WHERE is_online = 1 AND last_seen >= ?
			ORDER BY last_seen DESC
			LIMIT ?`, seenSince.Unix(), limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		out, err = collectProfiles(rows)
		return err
	})
	return out, err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanProfile(row rowScanner) (*types.UserProfile, error) {
	var (
		p                                      types.UserProfile
		displayName, avatarURL, bannerURL      sql.NullString
		pronouns, bio, color, animation        sql.NullString
		badges, cardCSS, customization, status sql.NullString
		online                                 int64
		lastSeen                               sql.NullInt64
		createdAt, updatedAt                   int64
	)

	err := row.Scan(&p.ID, &p.Username, &displayName, &avatarURL, &bannerURL,
		&pronouns, &bio, &color, &animation, &p.RainbowSpeed, &badges, &cardCSS,
		&customization, &status, &online, &lastSeen, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	p.DisplayName = displayName.String
	p.AvatarURL = avatarURL.String
	p.BannerURL = bannerURL.String
	p.Pronouns = pronouns.String
	p.Bio = bio.String
	p.DisplayNameColor = color.String
	p.DisplayNameAnimation = animation.String
	p.ProfileCardCSS = cardCSS.String
	p.Status = types.Status(status.String)
	p.IsOnline = online != 0
	p.LastSeen = unixOrZero(lastSeen)
	p.CreatedAt = time.Unix(createdAt, 0).UTC()
	p.UpdatedAt = time.Unix(updatedAt, 0).UTC()

	if badges.Valid && badges.String != "" {
		if err := json.Unmarshal([]byte(badges.String), &p.Badges); err != nil {
			return nil, fmt.Errorf("failed to decode badges for %s: %w", p.ID, err)
		}
	}
	if customization.Valid && customization.String != "" {
		if err := json.Unmarshal([]byte(customization.String), &p.Customization); err != nil {
			return nil, fmt.Errorf("failed to decode customization for %s: %w", p.ID, err)
		}
	}
	return &p, nil
}

func collectProfiles(rows *sql.Rows) ([]*types.UserProfile, error) {
	var out []*types.UserProfile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func marshalJSON(v interface{}) (sql.NullString, error) {
	switch t := v.(type) {
	case []types.Badge:
		if len(t) == 0 {
			return sql.NullString{}, nil
		}
	case map[string]any:
		if len(t) == 0 {
			return sql.NullString{}, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func boolToInt(v bool) int64 {
	if v {
		return 1
	}
	return 0
}

func unixOrNull(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.Unix(), Valid: true}
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}
