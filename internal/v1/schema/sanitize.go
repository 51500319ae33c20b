package schema

import (
	"strings"
	"unicode"
)

// SanitizeMessage normalizes chat text: leading and trailing whitespace
// is trimmed, interior whitespace runs collapse to a single space, and
// non-whitespace control characters are stripped. Length bounds apply
// to the result, not the raw input.
func SanitizeMessage(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	pendingSpace := false
	for _, r := range s {
		switch {
		case unicode.IsSpace(r):
			pendingSpace = true
		case unicode.IsControl(r):
			// dropped
		default:
			if pendingSpace && b.Len() > 0 {
				b.WriteByte(' ')
			}
			pendingSpace = false
			b.WriteRune(r)
		}
	}
	return b.String()
}

// SanitizeInterests normalizes an interest list on entry: each entry is
// reduced to ASCII letters, digits, spaces, '-' and '_', trimmed and
// truncated, then empties are dropped and duplicates removed with the
// first occurrence winning. The result is capped at MaxInterests.
func SanitizeInterests(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, raw := range in {
		cleaned := sanitizeInterest(raw)
		if cleaned == "" {
			continue
		}
		if _, dup := seen[cleaned]; dup {
			continue
		}
		seen[cleaned] = struct{}{}
		out = append(out, cleaned)
		if len(out) == MaxInterests {
			break
		}
	}
	return out
}

func sanitizeInterest(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	pendingSpace := false
	for _, r := range s {
		switch {
		case r == ' ':
			pendingSpace = true
		case allowedInterestRune(r):
			if pendingSpace && b.Len() > 0 {
				b.WriteByte(' ')
			}
			pendingSpace = false
			b.WriteRune(r)
		}
	}
	cleaned := b.String()
	if len(cleaned) > MaxInterestLen {
		cleaned = strings.TrimRight(cleaned[:MaxInterestLen], " ")
	}
	return cleaned
}

func allowedInterestRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z':
		return true
	case r >= 'A' && r <= 'Z':
		return true
	case r >= '0' && r <= '9':
		return true
	case r == '-' || r == '_':
		return true
	}
	return false
}
