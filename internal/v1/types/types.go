package types

import (
	"errors"
	"time"
)

// --- Core Domain Types ---

// SocketID is the transient per-connection identifier assigned by the
// event-socket transport. It lives exactly as long as the TCP session.
type SocketID string

// AuthID is the stable identifier of an authenticated user from the
// external identity provider. Empty for anonymous users.
type AuthID string

// RoomID is the server-generated opaque identifier for a paired session.
type RoomID string

// ChatType selects which matchmaking queue a user waits in.
type ChatType string

// Status is a user's presence state.
type Status string

const (
	ChatTypeText  ChatType = "text"
	ChatTypeVideo ChatType = "video"
)

const (
	StatusOnline  Status = "online"
	StatusIdle    Status = "idle"
	StatusDnd     Status = "dnd"
	StatusOffline Status = "offline"
)

// ValidChatType reports whether t is one of the two queue types.
func ValidChatType(t ChatType) bool {
	return t == ChatTypeText || t == ChatTypeVideo
}

// ValidStatus reports whether s is a recognized presence state.
func ValidStatus(s Status) bool {
	switch s {
	case StatusOnline, StatusIdle, StatusDnd, StatusOffline:
		return true
	}
	return false
}

// --- Session-Scoped User ---

// User is the session-scoped view of a connected socket. It is created
// when the socket opens and destroyed when it closes; the gateway
// attaches the auth identity, the presence module mutates the status,
// and the matchmaker reads everything else.
type User struct {
	SocketID            SocketID  `json:"socketId"`
	AuthID              AuthID    `json:"authId,omitempty"`
	ChatType            ChatType  `json:"chatType"`
	Interests           []string  `json:"interests,omitempty"`
	ConnectionStartTime time.Time `json:"connectionStartTime"`
	Status              Status    `json:"status,omitempty"`

	DisplayName string  `json:"displayName,omitempty"`
	Username    string  `json:"username,omitempty"`
	AvatarURL   string  `json:"avatarUrl,omitempty"`
	Pronouns    string  `json:"pronouns,omitempty"`
	Badges      []Badge `json:"badges,omitempty"`

	// Display metadata snapshotted into relayed messages.
	DisplayNameColor     string `json:"displayNameColor,omitempty"`
	DisplayNameAnimation string `json:"displayNameAnimation,omitempty"`
	RainbowSpeed         int    `json:"rainbowSpeed,omitempty"`
}

// Authenticated reports whether the session carries a verified identity.
func (u *User) Authenticated() bool {
	return u != nil && u.AuthID != ""
}

// Completeness scores how filled-out the user's display profile is, in
// [0,1]. The matchmaker feeds this into candidate scoring. Weights:
// display name 0.2, avatar 0.2, pronouns 0.1, badges 0.2,
// authenticated 0.3.
func (u *User) Completeness() float64 {
	if u == nil {
		return 0
	}
	var score float64
	if u.Authenticated() {
		score += 0.3
	}
	if u.DisplayName != "" {
		score += 0.2
	}
	if u.AvatarURL != "" {
		score += 0.2
	}
	if u.Pronouns != "" {
		score += 0.1
	}
	if len(u.Badges) > 0 {
		score += 0.2
	}
	return score
}

// Validate checks the fields the matchmaker depends on. Entries failing
// this are rejected at enqueue time.
func (u *User) Validate() error {
	if u == nil {
		return errors.New("user is nil")
	}
	if u.SocketID == "" {
		return errors.New("socket id is required")
	}
	if !ValidChatType(u.ChatType) {
		return errors.New("chat type must be text or video")
	}
	return nil
}

// --- Durable Profile ---

// Badge is a structured decoration on a profile. At most ten per user.
type Badge struct {
	ID    string `json:"id"`
	Label string `json:"label,omitempty"`
	Icon  string `json:"icon,omitempty"`
	Color string `json:"color,omitempty"`
}

// UserProfile is the durable profile record kept in the system of
// record and cached by the profile cache. The serialized form is kept
// under 30KB by shaping (see the profiles package); offenders are
// rewritten to a lightweight form with inline media stripped and the
// bio and card style truncated.
type UserProfile struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName,omitempty"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
	BannerURL   string `json:"bannerUrl,omitempty"`
	Pronouns    string `json:"pronouns,omitempty"`
	Bio         string `json:"bio,omitempty"`

	DisplayNameColor     string `json:"displayNameColor,omitempty"`
	DisplayNameAnimation string `json:"displayNameAnimation,omitempty"`
	RainbowSpeed         int    `json:"rainbowSpeed,omitempty"`

	Badges         []Badge        `json:"badges,omitempty"`
	ProfileCardCSS string         `json:"profileCardCss,omitempty"`
	Customization  map[string]any `json:"customization,omitempty"`
	BlockedUserIDs []string       `json:"blockedUsers,omitempty"`

	Status   Status    `json:"status,omitempty"`
	IsOnline bool      `json:"isOnline"`
	LastSeen time.Time `json:"lastSeen,omitempty"`

	CreatedAt time.Time `json:"createdAt,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

// HasDynamicAnimation reports whether the display name uses an
// animation that repaints over time. Profiles with one get the short
// cache TTL while online.
func (p *UserProfile) HasDynamicAnimation() bool {
	return p != nil && p.DisplayNameAnimation != "" && p.DisplayNameAnimation != "none"
}

// DisplayNameAnimation vocabulary accepted on profile writes.
const (
	AnimationNone     = "none"
	AnimationRainbow  = "rainbow"
	AnimationGradient = "gradient"
	AnimationPulse    = "pulse"
	AnimationGlow     = "glow"
)

// ValidAnimation reports whether a is in the accepted vocabulary.
// The empty string means "unset" and is allowed.
func ValidAnimation(a string) bool {
	switch a {
	case "", AnimationNone, AnimationRainbow, AnimationGradient, AnimationPulse, AnimationGlow:
		return true
	}
	return false
}
