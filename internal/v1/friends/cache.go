package friends

import (
	"context"
	"fmt"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/tinchat/server/internal/v1/cache"
	"github.com/tinchat/server/internal/v1/kv"
	"github.com/tinchat/server/internal/v1/metrics"
	"github.com/tinchat/server/internal/v1/store"
	"github.com/tinchat/server/internal/v1/types"
)

// Cache TTLs per concern. The status entries are the most volatile
// because blocks and requests change them immediately.
const (
	listTTL    = 5 * time.Minute
	onlineTTL  = 30 * time.Second
	pendingTTL = 10 * time.Minute
	mutualTTL  = 15 * time.Minute
	statusTTL  = 30 * time.Second
)

const (
	listKeyPrefix    = "friends:list:"
	onlineKeyPrefix  = "friends:online:"
	pendingKeyPrefix = "friends:pending:"
	mutualKeyPrefix  = "friends:mutual:"
	statusKeyPrefix  = "friends:status:"
)

// Cache is the two-tier cache for the friends graph: a local go-cache
// in front of the shared KV tier, both holding versioned envelopes on
// the remote side. Graph mutations call InvalidatePair, which purges
// every entry the write could have changed.
type Cache struct {
	local *gocache.Cache
	kv    *kv.Client
}

// NewCache builds the cache over an optional KV client; without one
// only the local tier is used.
func NewCache(kvc *kv.Client) *Cache {
	return &Cache{
		local: gocache.New(5*time.Minute, 10*time.Minute),
		kv:    kvc,
	}
}

type listEntry struct {
	Profiles []*types.UserProfile `json:"profiles"`
	Total    int                  `json:"total"`
}

type pendingEntry struct {
	Requests []*store.FriendRequest `json:"requests"`
	Total    int                    `json:"total"`
}

// GetList returns a cached friends-list page and total count.
func (c *Cache) GetList(ctx context.Context, userID string, limit, offset int) ([]*types.UserProfile, int, bool) {
	entry, ok := cacheGet[listEntry](c, ctx, "friends_list", listKey(userID, limit, offset))
	if !ok {
		return nil, 0, false
	}
	return entry.Profiles, entry.Total, true
}

// SetList caches one friends-list page.
func (c *Cache) SetList(ctx context.Context, userID string, limit, offset int, profiles []*types.UserProfile, total int) {
	cacheSet(c, ctx, listKey(userID, limit, offset), listEntry{Profiles: profiles, Total: total}, listTTL)
}

// GetOnlineCount returns the cached online-friend count.
func (c *Cache) GetOnlineCount(ctx context.Context, userID string) (int, bool) {
	return cacheGet[int](c, ctx, "friends_online", onlineKeyPrefix+userID)
}

// SetOnlineCount caches the online-friend count.
func (c *Cache) SetOnlineCount(ctx context.Context, userID string, n int) {
	cacheSet(c, ctx, onlineKeyPrefix+userID, n, onlineTTL)
}

// GetPending returns a cached pending-requests page for the given
// direction ("received" or "sent").
func (c *Cache) GetPending(ctx context.Context, userID, direction string, limit, offset int) ([]*store.FriendRequest, int, bool) {
	entry, ok := cacheGet[pendingEntry](c, ctx, "friends_pending", pendingKey(userID, direction, limit, offset))
	if !ok {
		return nil, 0, false
	}
	return entry.Requests, entry.Total, true
}

// SetPending caches one pending-requests page.
func (c *Cache) SetPending(ctx context.Context, userID, direction string, limit, offset int, reqs []*store.FriendRequest, total int) {
	cacheSet(c, ctx, pendingKey(userID, direction, limit, offset), pendingEntry{Requests: reqs, Total: total}, pendingTTL)
}

// GetMutual returns the cached mutual friends for an ordered pair.
func (c *Cache) GetMutual(ctx context.Context, userID, otherID string) ([]*types.UserProfile, bool) {
	return cacheGet[[]*types.UserProfile](c, ctx, "friends_mutual", mutualKey(userID, otherID))
}

// SetMutual caches the mutual friends for an ordered pair.
func (c *Cache) SetMutual(ctx context.Context, userID, otherID string, profiles []*types.UserProfile) {
	cacheSet(c, ctx, mutualKey(userID, otherID), profiles, mutualTTL)
}

// GetStatus returns the cached friendship status for one orientation.
func (c *Cache) GetStatus(ctx context.Context, userID, otherID string) (Status, bool) {
	return cacheGet[Status](c, ctx, "friends_status", statusKey(userID, otherID))
}

// SetStatus caches the status bidirectionally: the viewer's entry as
// given and the reverse orientation flipped.
func (c *Cache) SetStatus(ctx context.Context, userID, otherID string, s Status) {
	cacheSet(c, ctx, statusKey(userID, otherID), s, statusTTL)
	cacheSet(c, ctx, statusKey(otherID, userID), s.Flip(), statusTTL)
}

// InvalidatePair purges everything a graph write between a and b could
// have changed: both friends lists, both status orientations, both
// users' pending pages, both online counts, and every mutual entry
// naming either user.
func (c *Cache) InvalidatePair(ctx context.Context, a, b string) {
	if c == nil {
		return
	}
	c.dropPrefix(ctx, listKeyPrefix+a+":")
	c.dropPrefix(ctx, listKeyPrefix+b+":")
	c.dropPrefix(ctx, pendingKeyPrefix+a+":")
	c.dropPrefix(ctx, pendingKeyPrefix+b+":")
	c.drop(ctx,
		statusKey(a, b),
		statusKey(b, a),
		onlineKeyPrefix+a,
		onlineKeyPrefix+b,
	)
	c.dropMutualMentioning(ctx, a, b)
}

// InvalidateListsOf purges one user's friends-list and online-count
// entries. Fired when a friend's display name or avatar changes.
func (c *Cache) InvalidateListsOf(ctx context.Context, userID string) {
	if c == nil {
		return
	}
	c.dropPrefix(ctx, listKeyPrefix+userID+":")
	c.drop(ctx, onlineKeyPrefix+userID)
}

// Flush empties the local tier. Remote entries age out on TTL.
func (c *Cache) Flush() {
	if c == nil {
		return
	}
	c.local.Flush()
}

// cacheGet reads through the tiers: local hit, then remote envelope
// (repopulating local with the remaining TTL), else a miss.
func cacheGet[T any](c *Cache, ctx context.Context, name, key string) (T, bool) {
	var zero T
	if c == nil {
		return zero, false
	}
	if v, ok := c.local.Get(key); ok {
		if typed, ok := v.(T); ok {
			metrics.RecordCache(name, true)
			return typed, true
		}
	}

	raw, ok := c.kv.Get(ctx, key)
	if !ok {
		metrics.RecordCache(name, false)
		return zero, false
	}
	var out T
	env, err := cache.OpenEnvelope([]byte(raw), &out)
	if err != nil {
		c.kv.Del(ctx, key)
		metrics.RecordCache(name, false)
		return zero, false
	}
	if remaining := env.Remaining(time.Now()); remaining > 0 {
		c.local.Set(key, out, remaining)
	}
	metrics.RecordCache(name, true)
	return out, true
}

// cacheSet writes both tiers with the same TTL.
func cacheSet[T any](c *Cache, ctx context.Context, key string, value T, ttl time.Duration) {
	if c == nil {
		return
	}
	c.local.Set(key, value, ttl)
	if data, err := cache.WrapEnvelope(value, ttl); err == nil {
		c.kv.Set(ctx, key, string(data), ttl)
	}
}

func (c *Cache) drop(ctx context.Context, keys ...string) {
	for _, k := range keys {
		c.local.Delete(k)
	}
	c.kv.Del(ctx, keys...)
}

func (c *Cache) dropPrefix(ctx context.Context, prefix string) {
	for k := range c.local.Items() {
		if strings.HasPrefix(k, prefix) {
			c.local.Delete(k)
		}
	}
	if keys := c.kv.ScanPrefix(ctx, prefix); len(keys) > 0 {
		c.kv.Del(ctx, keys...)
	}
}

// dropMutualMentioning removes every mutual-friends entry whose pair
// names a or b, on both tiers.
func (c *Cache) dropMutualMentioning(ctx context.Context, a, b string) {
	for k := range c.local.Items() {
		if mutualKeyMentions(k, a, b) {
			c.local.Delete(k)
		}
	}
	var stale []string
	for _, k := range c.kv.ScanPrefix(ctx, mutualKeyPrefix) {
		if mutualKeyMentions(k, a, b) {
			stale = append(stale, k)
		}
	}
	if len(stale) > 0 {
		c.kv.Del(ctx, stale...)
	}
}

func mutualKeyMentions(key, a, b string) bool {
	rest, ok := strings.CutPrefix(key, mutualKeyPrefix)
	if !ok {
		return false
	}
	x, y, ok := strings.Cut(rest, ":")
	if !ok {
		return false
	}
	return x == a || x == b || y == a || y == b
}

func listKey(userID string, limit, offset int) string {
	return fmt.Sprintf("%s%s:%d:%d", listKeyPrefix, userID, limit, offset)
}

func pendingKey(userID, direction string, limit, offset int) string {
	return fmt.Sprintf("%s%s:%s:%d:%d", pendingKeyPrefix, userID, direction, limit, offset)
}

func mutualKey(userID, otherID string) string {
	return mutualKeyPrefix + userID + ":" + otherID
}

func statusKey(userID, otherID string) string {
	return statusKeyPrefix + userID + ":" + otherID
}
