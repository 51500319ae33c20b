// Package presence coalesces per-user status changes into batched
// system-of-record writes.
//
// Status updates land in an unbounded in-memory queue and a 5-second
// ticker flushes it: updates are deduplicated per user (last one wins),
// grouped by target status, and written as one UPDATE per group. The
// remote key-value entry for the user is written eagerly on enqueue
// with a short TTL, so peers polling status see changes immediately and
// a crashed batch cannot leave "online" pinned forever. A housekeeping
// sweep marks users offline once their last-seen goes stale.
package presence

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tinchat/server/internal/v1/kv"
	"github.com/tinchat/server/internal/v1/logging"
	"github.com/tinchat/server/internal/v1/metrics"
	"github.com/tinchat/server/internal/v1/store"
	"github.com/tinchat/server/internal/v1/types"
)

const (
	// flushInterval is the batch window for coalescing updates.
	flushInterval = 5 * time.Second

	// sweepInterval and staleAfter drive the housekeeping pass that
	// flips users offline when their last-seen stops moving.
	sweepInterval = 5 * time.Minute
	staleAfter    = 10 * time.Minute

	// kvTTL bounds how long an eager status key outlives its writer.
	kvTTL = 90 * time.Second

	kvKeyPrefix = "presence:"
)

// Update is one queued status change.
type Update struct {
	AuthID types.AuthID
	Status types.Status
	At     time.Time
}

// Batcher owns the presence queue and its background flusher.
type Batcher struct {
	store *store.Store
	kv    *kv.Client

	mu      sync.Mutex
	pending []Update

	flushEvery time.Duration
	sweepEvery time.Duration

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// NewBatcher creates the batcher and starts its flush loop. Either
// backend may be absent: without a store, batches only feed the
// key-value tier; without a key-value client, eager writes are skipped.
func NewBatcher(st *store.Store, kvc *kv.Client) *Batcher {
	return newBatcher(st, kvc, flushInterval, sweepInterval)
}

func newBatcher(st *store.Store, kvc *kv.Client, flushEvery, sweepEvery time.Duration) *Batcher {
	b := &Batcher{
		store:      st,
		kv:         kvc,
		flushEvery: flushEvery,
		sweepEvery: sweepEvery,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
	go b.run()
	return b
}

// Enqueue queues a status change for the next batch window and eagerly
// mirrors it to the key-value tier. Anonymous users have no durable
// presence and are ignored.
func (b *Batcher) Enqueue(ctx context.Context, id types.AuthID, status types.Status) {
	if b == nil || id == "" || !types.ValidStatus(status) {
		return
	}

	b.mu.Lock()
	b.pending = append(b.pending, Update{AuthID: id, Status: status, At: time.Now()})
	depth := len(b.pending)
	b.mu.Unlock()
	metrics.PresenceQueueDepth.Set(float64(depth))

	b.kv.Set(ctx, kvKeyPrefix+string(id), string(status), kvTTL)
}

// Lookup returns the eagerly-mirrored status for a user, if the
// key-value tier has one fresher than its TTL.
func (b *Batcher) Lookup(ctx context.Context, id types.AuthID) (types.Status, bool) {
	if b == nil || id == "" {
		return "", false
	}
	raw, ok := b.kv.Get(ctx, kvKeyPrefix+string(id))
	if !ok {
		return "", false
	}
	status := types.Status(raw)
	if !types.ValidStatus(status) {
		return "", false
	}
	return status, true
}

// QueueDepth reports how many updates await the next flush.
func (b *Batcher) QueueDepth() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Stop halts the tickers. Queued updates stay put for Drain.
func (b *Batcher) Stop() {
	if b == nil {
		return
	}
	b.stopOnce.Do(func() {
		close(b.stopCh)
		<-b.doneCh
	})
}

// Drain stops the tickers and sets every queued user offline in a
// single system-of-record update. Called on shutdown after the sockets
// have been closed.
func (b *Batcher) Drain(ctx context.Context) error {
	if b == nil {
		return nil
	}
	b.Stop()

	b.mu.Lock()
	pending := b.pending
	b.pending = nil
	b.mu.Unlock()
	metrics.PresenceQueueDepth.Set(0)

	if len(pending) == 0 {
		return nil
	}

	seen := make(map[types.AuthID]struct{}, len(pending))
	ids := make([]string, 0, len(pending))
	entries := make([]kv.Entry, 0, len(pending))
	for _, u := range pending {
		if _, dup := seen[u.AuthID]; dup {
			continue
		}
		seen[u.AuthID] = struct{}{}
		ids = append(ids, string(u.AuthID))
		entries = append(entries, kv.Entry{
			Key:   kvKeyPrefix + string(u.AuthID),
			Value: string(types.StatusOffline),
			TTL:   kvTTL,
		})
	}

	b.kv.MSet(ctx, entries)

	if b.store == nil {
		return nil
	}
	_, err := b.store.UpdatePresence(ctx, ids, types.StatusOffline, false, time.Now())
	if err != nil {
		logging.Error(ctx, "Failed to drain presence queue", zap.Int("users", len(ids)), zap.Error(err))
		return err
	}
	logging.Info(ctx, "Presence queue drained", zap.Int("users", len(ids)))
	return nil
}

func (b *Batcher) run() {
	defer close(b.doneCh)

	flush := time.NewTicker(b.flushEvery)
	defer flush.Stop()
	sweep := time.NewTicker(b.sweepEvery)
	defer sweep.Stop()

	for {
		select {
		case <-b.stopCh:
			return
		case <-flush.C:
			b.flushOnce(context.Background())
		case <-sweep.C:
			b.sweepOnce(context.Background())
		}
	}
}

// flushOnce writes the current queue out: deduplicated per user with
// the last update winning, grouped by status, one statement per group.
// A failed group is re-queued for the next window.
func (b *Batcher) flushOnce(ctx context.Context) {
	b.mu.Lock()
	pending := b.pending
	b.pending = nil
	b.mu.Unlock()

	if len(pending) == 0 {
		metrics.PresenceQueueDepth.Set(0)
		return
	}

	// Last write per user wins within the window.
	final := make(map[types.AuthID]Update, len(pending))
	for _, u := range pending {
		final[u.AuthID] = u
	}

	groups := make(map[types.Status][]Update)
	for _, u := range final {
		groups[u.Status] = append(groups[u.Status], u)
	}

	now := time.Now()
	var requeue []Update
	for status, updates := range groups {
		if b.store == nil {
			continue
		}
		ids := make([]string, len(updates))
		for i, u := range updates {
			ids[i] = string(u.AuthID)
		}

		online := status != types.StatusOffline
		if _, err := b.store.UpdatePresence(ctx, ids, status, online, now); err != nil {
			logging.Warn(ctx, "Presence batch failed, re-queueing",
				zap.String("status", string(status)), zap.Int("users", len(ids)), zap.Error(err))
			metrics.PresenceFlushes.WithLabelValues("error").Inc()
			requeue = append(requeue, updates...)
			continue
		}
		metrics.PresenceFlushes.WithLabelValues("ok").Inc()
	}

	b.mu.Lock()
	// Failed updates go back in front so a newer enqueue still wins.
	b.pending = append(requeue, b.pending...)
	depth := len(b.pending)
	b.mu.Unlock()
	metrics.PresenceQueueDepth.Set(float64(depth))
}

// sweepOnce flips users whose last-seen went stale while still flagged
// online.
func (b *Batcher) sweepOnce(ctx context.Context) {
	if b.store == nil {
		return
	}
	flipped, err := b.store.MarkStaleOffline(ctx, time.Now().Add(-staleAfter))
	if err != nil {
		logging.Warn(ctx, "Presence staleness sweep failed", zap.Error(err))
		return
	}
	if flipped > 0 {
		logging.Info(ctx, "Marked stale users offline", zap.Int64("users", flipped))
	}
}
