package match

import (
	"strings"
	"time"

	"github.com/tinchat/server/internal/v1/types"
)

const (
	// maxDisconnects bounds the disconnect events kept per user.
	maxDisconnects = 10

	// maxOutcomes bounds the match outcomes kept per user.
	maxOutcomes = 20

	// avoidRecentDepth is how far back the avoid-recent-matches
	// preference looks in the outcome history.
	avoidRecentDepth = 10

	// maxPreferredInterests caps the merged preferred-interests list.
	maxPreferredInterests = 20

	// historyTTL is how long an untouched history entry survives.
	historyTTL = 30 * 24 * time.Hour

	// reconnectWindow is how recent a disconnect has to be to make a
	// pairing look like the same person reconnecting.
	reconnectWindow = 30 * time.Second
)

// Outcome is one completed pairing as seen from one side.
type Outcome struct {
	Counterparty string    `json:"counterparty"`
	Score        float64   `json:"score"`
	At           time.Time `json:"at"`
}

// Preferences are the per-user matching knobs. MaxWait of zero means
// the default; PreferredInterests accumulates counterparty interests
// from successful pairings.
type Preferences struct {
	AvoidRecent        bool          `json:"avoidRecent"`
	MaxWait            time.Duration `json:"-"`
	PreferredInterests []string      `json:"preferredInterests,omitempty"`
}

// historyEntry is one user's session history. Guarded by the owning
// matchmaker's mutex.
type historyEntry struct {
	disconnects []time.Time
	outcomes    []Outcome
	prefs       Preferences
	touched     time.Time
}

// historyBook holds per-user session history keyed by auth id when the
// user is authenticated, socket id otherwise. Guarded by the owning
// matchmaker's mutex.
type historyBook struct {
	entries map[string]*historyEntry
}

func newHistoryBook() *historyBook {
	return &historyBook{entries: make(map[string]*historyEntry)}
}

// historyKey picks the identity a user's history hangs off. Auth id
// survives reconnects, so it wins when present.
func historyKey(u *types.User) string {
	if u == nil {
		return ""
	}
	if u.AuthID != "" {
		return string(u.AuthID)
	}
	return string(u.SocketID)
}

func (b *historyBook) entry(key string, now time.Time) *historyEntry {
	e, ok := b.entries[key]
	if !ok {
		e = &historyEntry{}
		b.entries[key] = e
	}
	e.touched = now
	return e
}

func (b *historyBook) recordDisconnect(key string, at time.Time) {
	if key == "" {
		return
	}
	e := b.entry(key, at)
	e.disconnects = append(e.disconnects, at)
	if n := len(e.disconnects); n > maxDisconnects {
		e.disconnects = e.disconnects[n-maxDisconnects:]
	}
}

func (b *historyBook) recordOutcome(key string, o Outcome, counterpartyInterests []string) {
	if key == "" {
		return
	}
	e := b.entry(key, o.At)
	e.outcomes = append(e.outcomes, o)
	if n := len(e.outcomes); n > maxOutcomes {
		e.outcomes = e.outcomes[n-maxOutcomes:]
	}
	e.prefs.PreferredInterests = mergeInterests(e.prefs.PreferredInterests, counterpartyInterests)
}

// disconnectedSince reports whether the user has a disconnect recorded
// at or after cutoff. Disconnects are appended in time order, so only
// the newest needs checking.
func (b *historyBook) disconnectedSince(key string, cutoff time.Time) bool {
	e, ok := b.entries[key]
	if !ok || len(e.disconnects) == 0 {
		return false
	}
	return !e.disconnects[len(e.disconnects)-1].Before(cutoff)
}

// recentlyMatched reports whether counterparty appears in the user's
// last avoidRecentDepth outcomes.
func (b *historyBook) recentlyMatched(key, counterparty string) bool {
	e, ok := b.entries[key]
	if !ok {
		return false
	}
	start := len(e.outcomes) - avoidRecentDepth
	if start < 0 {
		start = 0
	}
	for _, o := range e.outcomes[start:] {
		if o.Counterparty == counterparty {
			return true
		}
	}
	return false
}

// preferences returns the user's stored preferences without creating
// an entry. The zero value applies when nothing is stored.
func (b *historyBook) preferences(key string) Preferences {
	if e, ok := b.entries[key]; ok {
		return e.prefs
	}
	return Preferences{}
}

func (b *historyBook) setPreferences(key string, avoidRecent bool, maxWait time.Duration, now time.Time) {
	if key == "" {
		return
	}
	e := b.entry(key, now)
	e.prefs.AvoidRecent = avoidRecent
	if maxWait < 0 {
		maxWait = 0
	}
	e.prefs.MaxWait = maxWait
}

// prune drops entries untouched for longer than historyTTL and
// returns how many were removed.
func (b *historyBook) prune(now time.Time) int {
	cutoff := now.Add(-historyTTL)
	removed := 0
	for key, e := range b.entries {
		if e.touched.Before(cutoff) {
			delete(b.entries, key)
			removed++
		}
	}
	return removed
}

func (b *historyBook) len() int {
	return len(b.entries)
}

// mergeInterests folds additions into have, lowercased and deduped,
// keeping earlier entries first and capping the result.
func mergeInterests(have, additions []string) []string {
	if len(additions) == 0 {
		return have
	}
	seen := make(map[string]bool, len(have))
	for _, v := range have {
		seen[v] = true
	}
	for _, v := range additions {
		v = strings.ToLower(strings.TrimSpace(v))
		if v == "" || seen[v] {
			continue
		}
		if len(have) >= maxPreferredInterests {
			break
		}
		have = append(have, v)
		seen[v] = true
	}
	return have
}
