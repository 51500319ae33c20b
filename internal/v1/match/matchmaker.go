// Package match implements the pairing engine: one ordered waiting
// queue per chat type, a candidate filter and scorer, and per-user
// session history that feeds reconnect suppression and preferences.
//
// All state lives behind a single mutex; methods suffixed Locked
// assume it is held. The queues are optionally mirrored into the
// remote key-value store so a restart can restore waiting users.
package match

import (
	"context"
	"encoding/json"
	"math/rand/v2"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tinchat/server/internal/v1/kv"
	"github.com/tinchat/server/internal/v1/logging"
	"github.com/tinchat/server/internal/v1/metrics"
	"github.com/tinchat/server/internal/v1/types"
)

const (
	// maxQueueDepth caps each queue; beyond it the oldest entry is
	// evicted and counted as a disconnect.
	maxQueueDepth = 50

	// defaultMaxWait is the default max_wait preference, the wait-score
	// saturation point, and the stale-sweep cutoff.
	defaultMaxWait = 5 * time.Minute

	// Minimum connection age before a user may be paired at all.
	minConnAgeAuth = 2 * time.Second
	minConnAgeAnon = 1 * time.Second

	// Minimum difference between the two connection ages. Two sockets
	// born almost together are suspected to be the same person.
	minAgeGapBothAuth = 1 * time.Second
	minAgeGapAnon     = 500 * time.Millisecond

	// mirrorKeyPrefix namespaces the per-chat-type queue lists in the
	// remote store.
	mirrorKeyPrefix = "match:queue:"

	// restoreMaxAge discards mirror entries older than this on startup;
	// their sockets cannot have survived the restart that long.
	restoreMaxAge = 5 * time.Minute
)

// entry is one queued user plus bookkeeping for the remote mirror.
// mirror holds the exact string pushed to the list so removal can use
// value-equality.
type entry struct {
	user       *types.User
	enqueuedAt time.Time
	mirror     string
}

// mirrorEntry is the wire form of a queue entry in the remote list.
type mirrorEntry struct {
	User       *types.User `json:"user"`
	EnqueuedAt time.Time   `json:"enqueuedAt"`
}

// Matchmaker pairs waiting users of the same chat type.
type Matchmaker struct {
	mu      sync.Mutex
	queues  map[types.ChatType][]*entry
	history *historyBook

	kv *kv.Client

	// rand supplies the per-candidate random score share. Tests pin it.
	rand func() float64
}

// New returns an empty matchmaker. kvc may be nil; the queues then
// live in memory only.
func New(kvc *kv.Client) *Matchmaker {
	return &Matchmaker{
		queues: map[types.ChatType][]*entry{
			types.ChatTypeText:  nil,
			types.ChatTypeVideo: nil,
		},
		history: newHistoryBook(),
		kv:      kvc,
		rand:    rand.Float64,
	}
}

// Enqueue adds u to the tail of its chat-type queue. Any entries the
// same person already holds, in either queue, by socket id or auth id,
// are removed first, so one user never occupies two slots. The
// connection start time is stamped when absent.
func (m *Matchmaker) Enqueue(ctx context.Context, u *types.User) error {
	if err := u.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if u.ConnectionStartTime.IsZero() {
		u.ConnectionStartTime = now
	}

	m.removeUserLocked(ctx, u.SocketID, u.AuthID)

	e := &entry{user: u, enqueuedAt: now, mirror: marshalMirror(u, now)}
	m.queues[u.ChatType] = append(m.queues[u.ChatType], e)
	if e.mirror != "" {
		m.kv.ListPush(ctx, mirrorKey(u.ChatType), e.mirror)
	}

	for len(m.queues[u.ChatType]) > maxQueueDepth {
		oldest := m.queues[u.ChatType][0]
		m.queues[u.ChatType] = m.queues[u.ChatType][1:]
		m.history.recordDisconnect(historyKey(oldest.user), now)
		m.removeMirrorLocked(ctx, u.ChatType, oldest)
		logging.Warn(ctx, "Queue full, evicted oldest entry",
			zap.String("chat_type", string(u.ChatType)),
			zap.String("socket_id", string(oldest.user.SocketID)))
	}

	m.publishDepthLocked(u.ChatType)
	logging.Debug(ctx, "User enqueued",
		zap.String("chat_type", string(u.ChatType)),
		zap.String("socket_id", string(u.SocketID)),
		zap.Bool("authenticated", u.Authenticated()))
	return nil
}

// Match finds the best partner for u among queued users of the same
// chat type. On success both sides leave the queues, the outcome lands
// in both histories, and the partner plus the pair score are returned.
// Without an eligible candidate it returns false and leaves the queues
// unchanged.
func (m *Matchmaker) Match(ctx context.Context, u *types.User) (*types.User, float64, bool) {
	if u == nil || !types.ValidChatType(u.ChatType) {
		return nil, 0, false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	uKey := historyKey(u)

	// A requester that is itself too fresh, or that just dropped a
	// connection, pairs with nobody this round.
	if connAge(u, now) < minConnAge(u) {
		return nil, 0, false
	}
	if m.history.disconnectedSince(uKey, now.Add(-reconnectWindow)) {
		return nil, 0, false
	}

	prefs := m.history.preferences(uKey)
	maxWait := prefs.MaxWait
	if maxWait <= 0 {
		maxWait = defaultMaxWait
	}

	q := m.queues[u.ChatType]
	bestIdx := -1
	var bestScore float64
	var bestWait time.Duration
	for i, e := range q {
		if !m.eligibleLocked(u, uKey, prefs, maxWait, e, now) {
			continue
		}
		wait := now.Sub(e.enqueuedAt)
		s := score(u, e.user, wait, m.rand())
		if bestIdx == -1 || s > bestScore || (s == bestScore && wait > bestWait) {
			bestIdx, bestScore, bestWait = i, s, wait
		}
	}
	if bestIdx == -1 {
		return nil, 0, false
	}

	winner := q[bestIdx]
	m.queues[u.ChatType] = append(q[:bestIdx], q[bestIdx+1:]...)
	m.removeMirrorLocked(ctx, u.ChatType, winner)

	// Final identity check on the pair.
	if winner.user.SocketID == u.SocketID ||
		(u.AuthID != "" && winner.user.AuthID == u.AuthID) {
		m.requeueTailLocked(ctx, u.ChatType, winner)
		m.publishDepthLocked(u.ChatType)
		logging.Warn(ctx, "Pair failed re-validation, candidate requeued",
			zap.String("chat_type", string(u.ChatType)),
			zap.String("socket_id", string(u.SocketID)),
			zap.String("candidate_socket_id", string(winner.user.SocketID)))
		return nil, 0, false
	}

	// The requester leaves the queue too, wherever it was waiting.
	m.removeUserLocked(ctx, u.SocketID, u.AuthID)
	m.publishDepthLocked(u.ChatType)

	wKey := historyKey(winner.user)
	m.history.recordOutcome(uKey, Outcome{Counterparty: wKey, Score: bestScore, At: now}, winner.user.Interests)
	m.history.recordOutcome(wKey, Outcome{Counterparty: uKey, Score: bestScore, At: now}, u.Interests)

	metrics.RecordMatch(string(u.ChatType), bestScore, bestWait.Seconds())
	logging.Info(ctx, "Matched pair",
		zap.String("chat_type", string(u.ChatType)),
		zap.String("socket_id", string(u.SocketID)),
		zap.String("partner_socket_id", string(winner.user.SocketID)),
		zap.Float64("score", bestScore),
		zap.Duration("partner_wait", bestWait))
	return winner.user, bestScore, true
}

// eligibleLocked applies the candidate filter for requester u against
// queued entry e.
func (m *Matchmaker) eligibleLocked(u *types.User, uKey string, prefs Preferences, maxWait time.Duration, e *entry, now time.Time) bool {
	c := e.user
	if c.SocketID == u.SocketID {
		return false
	}
	if u.AuthID != "" && c.AuthID == u.AuthID {
		return false
	}
	if connAge(c, now) < minConnAge(c) {
		return false
	}

	// Connection ages born almost together suggest one person on two
	// sockets. The gap is constant over time, so this pair stays
	// excluded for the life of both connections.
	gap := connAge(u, now) - connAge(c, now)
	if gap < 0 {
		gap = -gap
	}
	minGap := minAgeGapAnon
	if u.Authenticated() && c.Authenticated() {
		minGap = minAgeGapBothAuth
	}
	if gap < minGap {
		return false
	}

	cKey := historyKey(c)
	if m.history.disconnectedSince(cKey, now.Add(-reconnectWindow)) {
		return false
	}
	if prefs.AvoidRecent && m.history.recentlyMatched(uKey, cKey) {
		return false
	}
	if now.Sub(e.enqueuedAt) > maxWait {
		return false
	}
	return true
}

// Dequeue removes the entry with the given socket id from whichever
// queue holds it and returns its user, or nil.
func (m *Matchmaker) Dequeue(ctx context.Context, socketID types.SocketID) *types.User {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := m.removeUserLocked(ctx, socketID, "")
	if len(removed) == 0 {
		return nil
	}
	return removed[0].user
}

// RecordDisconnect notes that u's socket dropped. Pairings involving
// either side of a fresh disconnect are suppressed for a short window.
func (m *Matchmaker) RecordDisconnect(u *types.User) {
	if u == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history.recordDisconnect(historyKey(u), time.Now())
}

// SetPreferences stores the matching knobs for u's identity. maxWait
// of zero or below selects the default.
func (m *Matchmaker) SetPreferences(u *types.User, avoidRecent bool, maxWait time.Duration) {
	if u == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history.setPreferences(historyKey(u), avoidRecent, maxWait, time.Now())
}

// PreferencesFor returns the stored preferences for u's identity,
// zero-valued when nothing was stored.
func (m *Matchmaker) PreferencesFor(u *types.User) Preferences {
	if u == nil {
		return Preferences{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.history.preferences(historyKey(u))
}

// Restore rebuilds the in-memory queues from the remote mirror after a
// restart. Entries that are malformed, too old, in the wrong list, or
// that would break queue uniqueness are discarded, and the mirror is
// rewritten to what survived.
func (m *Matchmaker) Restore(ctx context.Context) {
	if !m.kv.IsConnected() {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	seenSocket := make(map[types.SocketID]bool)
	seenAuth := make(map[types.AuthID]bool)

	for _, ct := range []types.ChatType{types.ChatTypeText, types.ChatTypeVideo} {
		key := mirrorKey(ct)
		raw := m.kv.ListRange(ctx, key, 0, -1)
		if len(raw) == 0 {
			continue
		}

		var restored []*entry
		for _, item := range raw {
			var me mirrorEntry
			if err := json.Unmarshal([]byte(item), &me); err != nil {
				continue
			}
			u := me.User
			if u == nil || u.Validate() != nil || u.ChatType != ct {
				continue
			}
			if me.EnqueuedAt.IsZero() || now.Sub(me.EnqueuedAt) > restoreMaxAge {
				continue
			}
			if seenSocket[u.SocketID] || (u.AuthID != "" && seenAuth[u.AuthID]) {
				continue
			}
			seenSocket[u.SocketID] = true
			if u.AuthID != "" {
				seenAuth[u.AuthID] = true
			}
			restored = append(restored, &entry{user: u, enqueuedAt: me.EnqueuedAt, mirror: item})
		}
		if len(restored) > maxQueueDepth {
			restored = restored[len(restored)-maxQueueDepth:]
		}

		m.queues[ct] = restored
		m.kv.Del(ctx, key)
		if len(restored) > 0 {
			vals := make([]string, len(restored))
			for i, e := range restored {
				vals[i] = e.mirror
			}
			m.kv.ListPush(ctx, key, vals...)
		}
		m.publishDepthLocked(ct)

		logging.Info(ctx, "Restored queue from mirror",
			zap.String("chat_type", string(ct)),
			zap.Int("restored", len(restored)),
			zap.Int("discarded", len(raw)-len(restored)))
	}
}

// StaleSweep drops entries whose socket is no longer in the connected
// set, or whose wait exceeds the stale cutoff, and prunes expired
// history. Vanished sockets are recorded as disconnects. The removed
// users are returned so the caller can notify them. A nil oracle skips
// the connectivity rule.
func (m *Matchmaker) StaleSweep(ctx context.Context, connected func(types.SocketID) bool) []*types.User {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	var removed []*types.User
	for ct, q := range m.queues {
		kept := q[:0]
		for _, e := range q {
			gone := connected != nil && !connected(e.user.SocketID)
			overdue := now.Sub(e.enqueuedAt) > defaultMaxWait
			if !gone && !overdue {
				kept = append(kept, e)
				continue
			}
			if gone {
				m.history.recordDisconnect(historyKey(e.user), now)
			}
			m.removeMirrorLocked(ctx, ct, e)
			removed = append(removed, e.user)
		}
		if len(kept) != len(q) {
			m.queues[ct] = kept
			m.publishDepthLocked(ct)
		}
	}

	if pruned := m.history.prune(now); pruned > 0 {
		logging.Debug(ctx, "Pruned expired session history", zap.Int("entries", pruned))
	}
	if len(removed) > 0 {
		logging.Info(ctx, "Stale sweep removed queue entries", zap.Int("removed", len(removed)))
	}
	return removed
}

// Depth returns the current queue length for one chat type.
func (m *Matchmaker) Depth(ct types.ChatType) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queues[ct])
}

// QueueHealth describes one waiting queue for diagnostics.
type QueueHealth struct {
	Depth             int     `json:"depth"`
	OldestWaitSeconds float64 `json:"oldestWaitSeconds"`
	Authenticated     int     `json:"authenticated"`
	Anonymous         int     `json:"anonymous"`
	Stale             int     `json:"stale"`
}

// Health is the matchmaker diagnostics snapshot. Duplicates counts
// queue entries sharing a socket id or auth id with an earlier entry;
// the enqueue path keeps it at zero.
type Health struct {
	Queues         map[string]QueueHealth `json:"queues"`
	Duplicates     int                    `json:"duplicates"`
	HistoryEntries int                    `json:"historyEntries"`
}

// Snapshot reports queue health across both chat types.
func (m *Matchmaker) Snapshot() Health {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	h := Health{Queues: make(map[string]QueueHealth, len(m.queues))}
	seenSocket := make(map[types.SocketID]bool)
	seenAuth := make(map[types.AuthID]bool)

	for ct, q := range m.queues {
		qh := QueueHealth{Depth: len(q)}
		for _, e := range q {
			wait := now.Sub(e.enqueuedAt)
			if ws := wait.Seconds(); ws > qh.OldestWaitSeconds {
				qh.OldestWaitSeconds = ws
			}
			if e.user.Authenticated() {
				qh.Authenticated++
			} else {
				qh.Anonymous++
			}
			if wait > defaultMaxWait {
				qh.Stale++
			}
			if seenSocket[e.user.SocketID] {
				h.Duplicates++
			}
			seenSocket[e.user.SocketID] = true
			if e.user.AuthID != "" {
				if seenAuth[e.user.AuthID] {
					h.Duplicates++
				}
				seenAuth[e.user.AuthID] = true
			}
		}
		h.Queues[string(ct)] = qh
	}
	h.HistoryEntries = m.history.len()
	return h
}

// removeUserLocked drops every entry matching the socket id, or the
// auth id when non-empty, from both queues and the mirror.
func (m *Matchmaker) removeUserLocked(ctx context.Context, socket types.SocketID, auth types.AuthID) []*entry {
	var removed []*entry
	for ct, q := range m.queues {
		kept := q[:0]
		for _, e := range q {
			if e.user.SocketID == socket || (auth != "" && e.user.AuthID == auth) {
				removed = append(removed, e)
				m.removeMirrorLocked(ctx, ct, e)
				continue
			}
			kept = append(kept, e)
		}
		if len(kept) != len(q) {
			m.queues[ct] = kept
			m.publishDepthLocked(ct)
		}
	}
	return removed
}

// requeueTailLocked puts a removed entry back at the tail, keeping its
// original enqueue time so its wait-time priority survives.
func (m *Matchmaker) requeueTailLocked(ctx context.Context, ct types.ChatType, e *entry) {
	m.queues[ct] = append(m.queues[ct], e)
	if e.mirror != "" {
		m.kv.ListPush(ctx, mirrorKey(ct), e.mirror)
	}
}

func (m *Matchmaker) removeMirrorLocked(ctx context.Context, ct types.ChatType, e *entry) {
	if e.mirror == "" {
		return
	}
	m.kv.ListRemove(ctx, mirrorKey(ct), e.mirror)
}

func (m *Matchmaker) publishDepthLocked(ct types.ChatType) {
	metrics.QueueDepth.WithLabelValues(string(ct)).Set(float64(len(m.queues[ct])))
}

func mirrorKey(ct types.ChatType) string {
	return mirrorKeyPrefix + string(ct)
}

func marshalMirror(u *types.User, enqueuedAt time.Time) string {
	data, err := json.Marshal(mirrorEntry{User: u, EnqueuedAt: enqueuedAt})
	if err != nil {
		return ""
	}
	return string(data)
}

func connAge(u *types.User, now time.Time) time.Duration {
	if u.ConnectionStartTime.IsZero() {
		return defaultMaxWait
	}
	return now.Sub(u.ConnectionStartTime)
}

func minConnAge(u *types.User) time.Duration {
	if u.Authenticated() {
		return minConnAgeAuth
	}
	return minConnAgeAnon
}
