// Package cache provides the in-process caching primitives: a fixed
// capacity LRU and the versioned envelope used by the remote tier.
package cache

import (
	"container/list"
	"sync"
	"time"
)

// LRU is a fixed-capacity, least-recently-used cache. Get and Set both
// promote the entry to the front; when the capacity is exceeded the
// tail is evicted. Entries carry a stored-at timestamp so a periodic
// sweep can drop entries older than an age bound; the LRU itself never
// expires anything.
//
// All operations take an internal mutex, so a single LRU may be shared
// across goroutines.
type LRU[V any] struct {
	mu       sync.Mutex
	capacity int
	order    *list.List // front = most recently used
	index    map[string]*list.Element

	hits   uint64
	misses uint64
}

type lruEntry[V any] struct {
	key      string
	value    V
	storedAt time.Time
}

// NewLRU creates an LRU holding at most capacity entries. A capacity
// below 1 is treated as 1.
func NewLRU[V any](capacity int) *LRU[V] {
	if capacity < 1 {
		capacity = 1
	}
	return &LRU[V]{
		capacity: capacity,
		order:    list.New(),
		index:    make(map[string]*list.Element, capacity),
	}
}

// Get returns the value for key and promotes it. The hit/miss counters
// are updated on every call.
func (l *LRU[V]) Get(key string) (V, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	elem, ok := l.index[key]
	if !ok {
		l.misses++
		var zero V
		return zero, false
	}

	l.hits++
	l.order.MoveToFront(elem)
	return elem.Value.(*lruEntry[V]).value, true
}

// Set upserts key. Existing entries are updated in place, promoted,
// and their stored-at timestamp refreshed. On overflow the least
// recently used entry is evicted.
func (l *LRU[V]) Set(key string, value V) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if elem, ok := l.index[key]; ok {
		entry := elem.Value.(*lruEntry[V])
		entry.value = value
		entry.storedAt = time.Now()
		l.order.MoveToFront(elem)
		return
	}

	elem := l.order.PushFront(&lruEntry[V]{key: key, value: value, storedAt: time.Now()})
	l.index[key] = elem

	if l.order.Len() > l.capacity {
		l.evictOldest()
	}
}

// Delete removes key if present and reports whether it was.
func (l *LRU[V]) Delete(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	elem, ok := l.index[key]
	if !ok {
		return false
	}
	l.order.Remove(elem)
	delete(l.index, key)
	return true
}

// Clear drops every entry. The hit/miss counters are preserved.
func (l *LRU[V]) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.order.Init()
	l.index = make(map[string]*list.Element, l.capacity)
}

// Len returns the current number of entries.
func (l *LRU[V]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.order.Len()
}

// HitRate returns hits/(hits+misses), or 0 before any lookup.
func (l *LRU[V]) HitRate() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	total := l.hits + l.misses
	if total == 0 {
		return 0
	}
	return float64(l.hits) / float64(total)
}

// Counters returns the raw hit and miss counts.
func (l *LRU[V]) Counters() (hits, misses uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.hits, l.misses
}

// SweepOlderThan removes entries stored more than maxAge ago and
// returns how many were dropped. Promotion does not reset the age;
// only Set refreshes the timestamp.
func (l *LRU[V]) SweepOlderThan(maxAge time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	removed := 0

	var next *list.Element
	for elem := l.order.Front(); elem != nil; elem = next {
		next = elem.Next()
		entry := elem.Value.(*lruEntry[V])
		if entry.storedAt.Before(cutoff) {
			l.order.Remove(elem)
			delete(l.index, entry.key)
			removed++
		}
	}
	return removed
}

// evictOldest removes the tail. Caller holds the lock.
func (l *LRU[V]) evictOldest() {
	tail := l.order.Back()
	if tail == nil {
		return
	}
	entry := tail.Value.(*lruEntry[V])
	l.order.Remove(tail)
	delete(l.index, entry.key)
}
