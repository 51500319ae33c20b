package profiles

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tinchat/server/internal/v1/kv"
	"github.com/tinchat/server/internal/v1/logging"
	"github.com/tinchat/server/internal/v1/presence"
	"github.com/tinchat/server/internal/v1/store"
	"github.com/tinchat/server/internal/v1/types"
)

const (
	warmLimit  = 50
	warmWindow = 24 * time.Hour
)

// Manager orchestrates the profile cache and the presence batcher and
// owns their shared shutdown. It is the single entry point the session
// layer uses for durable profile state.
type Manager struct {
	Cache    *Cache
	Presence *presence.Batcher

	st *store.Store
	kv *kv.Client
}

// NewManager wires the profile plane together. Backends may be nil in
// reduced deployments; the manager degrades the same way its parts do.
func NewManager(st *store.Store, kvc *kv.Client) *Manager {
	return &Manager{
		Cache:    NewCache(st, kvc),
		Presence: presence.NewBatcher(st, kvc),
		st:       st,
		kv:       kvc,
	}
}

// Warm seeds the local cache with recently-seen online profiles so the
// first wave of lookups after a restart avoids the backends.
func (m *Manager) Warm(ctx context.Context) {
	if m == nil || m.st == nil {
		return
	}
	seen, err := m.st.RecentOnlineProfiles(ctx, warmLimit, time.Now().Add(-warmWindow))
	if err != nil {
		logging.Warn(ctx, "Profile cache warmup failed", zap.Error(err))
		return
	}
	for _, p := range seen {
		m.Cache.Warm(p)
	}
	if len(seen) > 0 {
		logging.Info(ctx, "Warmed profile cache", zap.Int("profiles", len(seen)))
	}
}

// Ensure returns the profile for an authenticated user, provisioning a
// minimal record on first sight. The identity's username is used when
// it fits the vocabulary; collisions and misfits fall back to a name
// derived from the auth id.
func (m *Manager) Ensure(ctx context.Context, authID, username, displayName, avatarURL string) (*types.UserProfile, error) {
	if m == nil {
		return nil, ErrDisabled
	}
	p, _, err := m.Cache.Get(ctx, authID)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	now := time.Now()
	fresh := &types.UserProfile{
		ID:          authID,
		Username:    pickUsername(username, authID),
		DisplayName: truncateRunes(displayName, MaxDisplayNameLen),
		AvatarURL:   avatarURL,
		Status:      types.StatusOnline,
		IsOnline:    true,
		LastSeen:    now,
	}
	if err := m.Cache.Put(ctx, fresh); err != nil {
		if !errors.Is(err, store.ErrDuplicate) {
			return nil, err
		}
		// Username taken by another account; derive one instead.
		fresh.Username = deriveUsername(authID)
		if err := m.Cache.Put(ctx, fresh); err != nil {
			return nil, err
		}
	}
	logging.Info(ctx, "Provisioned profile",
		zap.String("auth_id", authID),
		zap.String("username", fresh.Username))
	return fresh, nil
}

// SetStatus queues a presence change for the batched flush.
func (m *Manager) SetStatus(ctx context.Context, authID types.AuthID, status types.Status) {
	if m == nil {
		return
	}
	m.Presence.Enqueue(ctx, authID, status)
}

// Stats is the profile plane's health snapshot.
type Stats struct {
	CacheSize    int     `json:"cacheSize"`
	CacheHitRate float64 `json:"cacheHitRate"`
	QueueDepth   int     `json:"presenceQueueDepth"`
	KVConnected  bool    `json:"kvConnected"`
}

// Snapshot reports cache and queue state for the health surface.
func (m *Manager) Snapshot() Stats {
	if m == nil {
		return Stats{}
	}
	return Stats{
		CacheSize:    m.Cache.Len(),
		CacheHitRate: m.Cache.HitRate(),
		QueueDepth:   m.Presence.QueueDepth(),
		KVConnected:  m.kv.IsConnected(),
	}
}

// Shutdown tears the profile plane down in dependency order: tickers
// first, then the presence drain, then the local tier, then the KV
// client everything above was writing through.
func (m *Manager) Shutdown(ctx context.Context) {
	if m == nil {
		return
	}
	m.Presence.Stop()
	if err := m.Presence.Drain(ctx); err != nil {
		logging.Warn(ctx, "Presence drain failed during shutdown", zap.Error(err))
	}
	m.Cache.Close(ctx)
	m.Cache.ClearLocal()
	if err := m.kv.Close(); err != nil {
		logging.Warn(ctx, "KV close failed during shutdown", zap.Error(err))
	}
	logging.Info(ctx, "Profile manager stopped")
}

// pickUsername prefers the identity's handle when it fits the
// username vocabulary.
func pickUsername(candidate, authID string) string {
	candidate = strings.TrimSpace(candidate)
	if usernameRE.MatchString(candidate) {
		return candidate
	}
	return deriveUsername(authID)
}

// deriveUsername builds a deterministic handle from the auth id.
func deriveUsername(authID string) string {
	var b strings.Builder
	b.WriteString("user_")
	for _, r := range authID {
		if b.Len() >= 20 {
			break
		}
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}
