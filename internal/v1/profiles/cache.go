// Package profiles implements the durable profile plane: a two-tier
// read cache (in-process LRU in front of the remote KV tier), size
// shaping for oversized records, and the manager that orchestrates
// warming, presence batching, and graceful shutdown.
package profiles

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tinchat/server/internal/v1/cache"
	"github.com/tinchat/server/internal/v1/kv"
	"github.com/tinchat/server/internal/v1/logging"
	"github.com/tinchat/server/internal/v1/metrics"
	"github.com/tinchat/server/internal/v1/store"
	"github.com/tinchat/server/internal/v1/types"
)

const (
	lruCapacity = 1000
	kvKeyPrefix = "profile:"

	// Closely-spaced writes coalesce into one remote invalidation.
	invalidateDelay = 2 * time.Second

	// Online profiles with a dynamic animation or a recent update churn
	// fast enough to deserve the short TTL.
	frequentTTL = 60 * time.Second
	standardTTL = 5 * time.Minute

	maxKVEntryBytes = 50 * 1024
)

// ErrDisabled is returned when no profile backend is configured, for
// example in an anonymous-only deployment.
var ErrDisabled = errors.New("profile backend disabled")

// Cache is the two-tier profile cache. Reads go LRU, then KV, then the
// system of record; writes go to the system of record first, update
// the LRU in place, and schedule a delayed KV invalidation.
type Cache struct {
	lru *cache.LRU[*types.UserProfile]
	kv  *kv.Client
	st  *store.Store

	mu      sync.Mutex
	pending map[string]*time.Timer

	// onDisplayChange fires after a write that altered the display name
	// or avatar, so friends-list caches naming this user can be purged.
	onDisplayChange func(ctx context.Context, authID string)
}

// NewCache builds a profile cache over the given backends. Either
// backend may be nil: a nil KV client skips the remote tier, a nil
// store makes reads fail with ErrDisabled.
func NewCache(st *store.Store, kvc *kv.Client) *Cache {
	return &Cache{
		lru:     cache.NewLRU[*types.UserProfile](lruCapacity),
		kv:      kvc,
		st:      st,
		pending: make(map[string]*time.Timer),
	}
}

// OnDisplayChange registers the hook invoked when a profile write
// touches the display name or avatar.
func (c *Cache) OnDisplayChange(fn func(ctx context.Context, authID string)) {
	if c == nil {
		return
	}
	c.onDisplayChange = fn
}

// Get resolves a profile through the tiers. The boolean reports
// whether the result came from a cache tier rather than the system of
// record. Missing profiles return store.ErrNotFound.
func (c *Cache) Get(ctx context.Context, authID string) (*types.UserProfile, bool, error) {
	if c == nil || c.st == nil {
		return nil, false, ErrDisabled
	}
	if authID == "" {
		return nil, false, errors.New("auth id is required")
	}

	if p, ok := c.lru.Get(authID); ok {
		metrics.RecordCache("profile_lru", true)
		return p, true, nil
	}
	metrics.RecordCache("profile_lru", false)

	if p, ok := c.readKV(ctx, authID); ok {
		metrics.RecordCache("profile_kv", true)
		c.lru.Set(authID, p)
		return p, true, nil
	}
	metrics.RecordCache("profile_kv", false)

	p, err := c.st.GetProfile(ctx, authID)
	if err != nil {
		return nil, false, err
	}

	shaped := Shape(p)
	c.lru.Set(authID, shaped)
	c.writeKV(ctx, shaped)
	return shaped, false, nil
}

// Update applies a patch: system of record first, then the LRU entry
// in place, then a coalesced KV invalidation two seconds out. Display
// shape changes additionally fire the registered hook.
func (c *Cache) Update(ctx context.Context, authID string, patch *store.ProfilePatch) (*types.UserProfile, error) {
	if c == nil || c.st == nil {
		return nil, ErrDisabled
	}
	if err := SanitizePatch(patch); err != nil {
		return nil, err
	}
	if err := c.st.ApplyProfilePatch(ctx, authID, patch); err != nil {
		return nil, err
	}

	fresh, err := c.st.GetProfile(ctx, authID)
	if err != nil {
		return nil, err
	}
	shaped := Shape(fresh)
	c.lru.Set(authID, shaped)
	c.scheduleInvalidate(authID)

	if patch.TouchesDisplayShape() && c.onDisplayChange != nil {
		c.onDisplayChange(ctx, authID)
	}
	return shaped, nil
}

// Put writes a full profile record, seeding both the system of record
// and the local tier. Used for first-time provisioning and warming.
func (c *Cache) Put(ctx context.Context, p *types.UserProfile) error {
	if c == nil || c.st == nil {
		return ErrDisabled
	}
	if err := c.st.UpsertProfile(ctx, p); err != nil {
		return err
	}
	shaped := Shape(p)
	c.lru.Set(p.ID, shaped)
	c.scheduleInvalidate(p.ID)
	return nil
}

// Invalidate drops a profile from both tiers immediately.
func (c *Cache) Invalidate(ctx context.Context, authID string) {
	if c == nil {
		return
	}
	c.cancelPending(authID)
	c.lru.Delete(authID)
	c.kv.Del(ctx, profileKey(authID))
}

// Warm seeds the LRU with a fetched profile without touching the
// backends again.
func (c *Cache) Warm(p *types.UserProfile) {
	if c == nil || p == nil || p.ID == "" {
		return
	}
	c.lru.Set(p.ID, Shape(p))
}

// SweepOlderThan drops LRU entries stored more than maxAge ago.
func (c *Cache) SweepOlderThan(maxAge time.Duration) int {
	if c == nil {
		return 0
	}
	return c.lru.SweepOlderThan(maxAge)
}

// ClearLocal empties the in-process tier. Part of shutdown.
func (c *Cache) ClearLocal() {
	if c == nil {
		return
	}
	c.lru.Clear()
}

// HitRate returns the local tier's hit rate.
func (c *Cache) HitRate() float64 {
	if c == nil {
		return 0
	}
	return c.lru.HitRate()
}

// Len returns the local tier's entry count.
func (c *Cache) Len() int {
	if c == nil {
		return 0
	}
	return c.lru.Len()
}

// Close flushes pending invalidations so a restart cannot read a KV
// entry that predates an applied write.
func (c *Cache) Close(ctx context.Context) {
	if c == nil {
		return
	}
	c.mu.Lock()
	ids := make([]string, 0, len(c.pending))
	for id, timer := range c.pending {
		timer.Stop()
		ids = append(ids, id)
	}
	c.pending = make(map[string]*time.Timer)
	c.mu.Unlock()

	for _, id := range ids {
		c.kv.Del(ctx, profileKey(id))
	}
}

// readKV resolves the remote tier: envelope decode, version check, and
// an opportunistic TTL refresh when the entry is close to expiry.
func (c *Cache) readKV(ctx context.Context, authID string) (*types.UserProfile, bool) {
	key := profileKey(authID)
	raw, ok := c.kv.Get(ctx, key)
	if !ok {
		return nil, false
	}

	var p types.UserProfile
	env, err := cache.OpenEnvelope([]byte(raw), &p)
	if err != nil {
		if errors.Is(err, cache.ErrVersionMismatch) {
			logging.Debug(ctx, "Evicting profile cached under an older schema",
				zap.String("auth_id", authID),
				zap.Int("version", env.Version))
		} else {
			logging.Warn(ctx, "Dropping undecodable cached profile",
				zap.String("auth_id", authID),
				zap.Error(err))
		}
		c.kv.Del(ctx, key)
		return nil, false
	}

	if env.NeedsRefresh(time.Now()) {
		c.writeKV(ctx, &p)
	}
	return &p, true
}

// writeKV stores the profile in the remote tier unless the envelope
// exceeds the entry size budget.
func (c *Cache) writeKV(ctx context.Context, p *types.UserProfile) {
	if p == nil || p.ID == "" {
		return
	}
	ttl := ttlFor(p)
	data, err := cache.WrapEnvelope(p, ttl)
	if err != nil {
		logging.Warn(ctx, "Failed to envelope profile for caching",
			zap.String("auth_id", p.ID),
			zap.Error(err))
		return
	}
	if len(data) > maxKVEntryBytes {
		logging.Debug(ctx, "Profile too large for the remote tier",
			zap.String("auth_id", p.ID),
			zap.Int("bytes", len(data)))
		return
	}
	c.kv.Set(ctx, profileKey(p.ID), string(data), ttl)
}

// scheduleInvalidate queues a KV delete invalidateDelay out. A second
// write inside the window rides the already-scheduled delete.
func (c *Cache) scheduleInvalidate(authID string) {
	if c.kv == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, scheduled := c.pending[authID]; scheduled {
		return
	}
	c.pending[authID] = time.AfterFunc(invalidateDelay, func() {
		c.mu.Lock()
		delete(c.pending, authID)
		c.mu.Unlock()
		c.kv.Del(context.Background(), profileKey(authID))
	})
}

func (c *Cache) cancelPending(authID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if timer, ok := c.pending[authID]; ok {
		timer.Stop()
		delete(c.pending, authID)
	}
}

// ttlFor picks the remote TTL: short for frequently-updated profiles,
// standard otherwise.
func ttlFor(p *types.UserProfile) time.Duration {
	if p.IsOnline && (p.HasDynamicAnimation() || time.Since(p.UpdatedAt) < 24*time.Hour) {
		return frequentTTL
	}
	return standardTTL
}

func profileKey(authID string) string {
	return kvKeyPrefix + authID
}
