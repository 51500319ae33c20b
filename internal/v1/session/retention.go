package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/tinchat/server/internal/v1/logging"
	"github.com/tinchat/server/internal/v1/store"
)

const (
	retentionWorkers = 4
	retentionQueue   = 1024

	// messageRetention is how long relayed messages stay in the system
	// of record before the housekeeping sweep purges them.
	messageRetention = 24 * time.Hour
)

// retention persists relayed messages off the hot path. The relay hands
// a job over without blocking; when the queue is full the message is
// dropped from retention, never from delivery.
type retention struct {
	store    *store.Store
	jobs     chan *store.Message
	dropped  atomic.Int64
	wg       sync.WaitGroup
	stopOnce sync.Once
}

func newRetention(st *store.Store) *retention {
	r := &retention{
		store: st,
		jobs:  make(chan *store.Message, retentionQueue),
	}
	r.wg.Add(retentionWorkers)
	for i := 0; i < retentionWorkers; i++ {
		go r.worker()
	}
	return r
}

func (r *retention) worker() {
	defer r.wg.Done()
	for m := range r.jobs {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := r.store.InsertMessage(ctx, m); err != nil {
			logging.Warn(ctx, "Failed to persist relayed message",
				zap.String("room_id", m.RoomID),
				zap.Error(err))
		}
		cancel()
	}
}

func (r *retention) enqueue(m *store.Message) {
	select {
	case r.jobs <- m:
	default:
		if r.dropped.Add(1)%100 == 1 {
			logging.Warn(context.Background(), "Retention queue full, dropping message",
				zap.Int64("dropped_total", r.dropped.Load()))
		}
	}
}

// stop closes the queue and waits for in-flight inserts to finish.
func (r *retention) stop() {
	r.stopOnce.Do(func() { close(r.jobs) })
	r.wg.Wait()
}
