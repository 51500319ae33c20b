package profiles

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/tinchat/server/internal/v1/store"
	"github.com/tinchat/server/internal/v1/types"
)

// Profile field bounds enforced on ingest. Bio and the card style blob
// are truncated rather than rejected; everything else is validated.
const (
	MaxDisplayNameLen = 32
	MaxPronounsLen    = 20
	MaxBioLen         = 1000
	MaxCardCSSBytes   = 10 * 1024
	MaxBadges         = 10

	// MaxShapedBytes caps the serialized profile. Records over it are
	// rewritten to a lightweight form on read.
	MaxShapedBytes = 30 * 1024

	lightBioLen      = 200
	lightCardCSSByte = 1024
)

var (
	usernameRE = regexp.MustCompile(`^[A-Za-z0-9_]{3,20}$`)
	colorRE    = regexp.MustCompile(`^#[0-9A-Fa-f]{6}$`)
)

// SerializedSize returns the JSON-encoded size of the profile in bytes.
func SerializedSize(p *types.UserProfile) int {
	if p == nil {
		return 0
	}
	data, err := json.Marshal(p)
	if err != nil {
		return 0
	}
	return len(data)
}

// Shape enforces the serialized size budget. Profiles within it are
// returned as-is; offenders are rewritten to a lightweight copy with
// inline media stripped, the card style and bio truncated, and the
// customization blob dropped. The input is never mutated.
func Shape(p *types.UserProfile) *types.UserProfile {
	if p == nil {
		return nil
	}
	if SerializedSize(p) <= MaxShapedBytes {
		return p
	}

	light := *p
	light.AvatarURL = stripInlineMedia(light.AvatarURL)
	light.BannerURL = stripInlineMedia(light.BannerURL)
	light.Bio = truncateRunes(light.Bio, lightBioLen)
	light.ProfileCardCSS = truncateBytes(light.ProfileCardCSS, lightCardCSSByte)
	light.Customization = nil

	if len(light.Badges) > 0 {
		badges := make([]types.Badge, len(light.Badges))
		copy(badges, light.Badges)
		for i := range badges {
			badges[i].Icon = stripInlineMedia(badges[i].Icon)
		}
		light.Badges = badges
	}
	return &light
}

// SanitizePatch normalizes a profile patch in place and validates the
// fields that cannot be repaired by truncation. Errors read
// "<field>: <reason>" and are safe to echo to clients.
func SanitizePatch(patch *store.ProfilePatch) error {
	if patch == nil {
		return nil
	}
	if patch.Username != nil {
		u := strings.TrimSpace(*patch.Username)
		if !usernameRE.MatchString(u) {
			return fmt.Errorf("username: must be 3-20 characters of letters, digits, or underscore")
		}
		patch.Username = &u
	}
	if patch.DisplayName != nil {
		d := truncateRunes(strings.TrimSpace(*patch.DisplayName), MaxDisplayNameLen)
		patch.DisplayName = &d
	}
	if patch.Pronouns != nil {
		pr := truncateRunes(strings.TrimSpace(*patch.Pronouns), MaxPronounsLen)
		patch.Pronouns = &pr
	}
	if patch.Bio != nil {
		b := truncateRunes(*patch.Bio, MaxBioLen)
		patch.Bio = &b
	}
	if patch.ProfileCardCSS != nil {
		css := truncateBytes(*patch.ProfileCardCSS, MaxCardCSSBytes)
		patch.ProfileCardCSS = &css
	}
	if patch.DisplayNameColor != nil && *patch.DisplayNameColor != "" {
		if !colorRE.MatchString(*patch.DisplayNameColor) {
			return fmt.Errorf("displayNameColor: must be a #RRGGBB hex color")
		}
	}
	if patch.DisplayNameAnimation != nil {
		if !types.ValidAnimation(*patch.DisplayNameAnimation) {
			return fmt.Errorf("displayNameAnimation: must be one of none, rainbow, gradient, pulse, glow")
		}
	}
	if patch.RainbowSpeed != nil {
		speed := *patch.RainbowSpeed
		if speed < 1 {
			speed = 1
		}
		if speed > 10 {
			speed = 10
		}
		patch.RainbowSpeed = &speed
	}
	if len(patch.Badges) > MaxBadges {
		patch.Badges = patch.Badges[:MaxBadges]
	}
	return nil
}

// stripInlineMedia drops base64 data URIs; real URLs pass through.
func stripInlineMedia(ref string) string {
	if strings.HasPrefix(ref, "data:") {
		return ""
	}
	return ref
}

func truncateRunes(s string, max int) string {
	if max <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}

func truncateBytes(s string, max int) string {
	if len(s) <= max {
		return s
	}
	// Back up to a rune boundary so the cut never splits a character.
	cut := max
	for cut > 0 && !isRuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
