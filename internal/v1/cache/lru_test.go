package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLRU_GetSet(t *testing.T) {
	l := NewLRU[string](3)

	_, ok := l.Get("missing")
	assert.False(t, ok)

	l.Set("a", "1")
	v, ok := l.Get("a")
	require.True(t, ok)
	assert.Equal(t, "1", v)

	l.Set("a", "2")
	v, _ = l.Get("a")
	assert.Equal(t, "2", v)
	assert.Equal(t, 1, l.Len())
}

func TestLRU_EvictsTailOnOverflow(t *testing.T) {
	l := NewLRU[int](3)
	l.Set("a", 1)
	l.Set("b", 2)
	l.Set("c", 3)

	// Touch "a" so "b" becomes the least recently used.
	_, ok := l.Get("a")
	require.True(t, ok)

	l.Set("d", 4)

	_, ok = l.Get("b")
	assert.False(t, ok, "least recently used entry should be evicted")
	for _, key := range []string{"a", "c", "d"} {
		_, ok := l.Get(key)
		assert.True(t, ok, key)
	}
	assert.Equal(t, 3, l.Len())
}

func TestLRU_Delete(t *testing.T) {
	l := NewLRU[int](2)
	l.Set("a", 1)

	assert.True(t, l.Delete("a"))
	assert.False(t, l.Delete("a"))
	assert.Equal(t, 0, l.Len())
}

func TestLRU_Clear(t *testing.T) {
	l := NewLRU[int](4)
	l.Set("a", 1)
	l.Set("b", 2)
	l.Get("a")

	l.Clear()
	assert.Equal(t, 0, l.Len())

	// Counters survive Clear.
	hits, misses := l.Counters()
	assert.Equal(t, uint64(1), hits)
	assert.Equal(t, uint64(0), misses)
}

func TestLRU_HitRate(t *testing.T) {
	l := NewLRU[int](2)
	assert.Equal(t, 0.0, l.HitRate())

	l.Set("a", 1)
	l.Get("a")
	l.Get("a")
	l.Get("b")
	l.Get("c")

	assert.InDelta(t, 0.5, l.HitRate(), 1e-9)

	hits, misses := l.Counters()
	assert.Equal(t, uint64(2), hits)
	assert.Equal(t, uint64(2), misses)
}

func TestLRU_SweepOlderThan(t *testing.T) {
	l := NewLRU[int](10)
	l.Set("old", 1)
	l.Set("older", 2)

	time.Sleep(30 * time.Millisecond)
	l.Set("fresh", 3)

	removed := l.SweepOlderThan(20 * time.Millisecond)
	assert.Equal(t, 2, removed)

	_, ok := l.Get("fresh")
	assert.True(t, ok)
	_, ok = l.Get("old")
	assert.False(t, ok)
	assert.Equal(t, 1, l.Len())
}

func TestLRU_SweepIgnoresPromotion(t *testing.T) {
	l := NewLRU[int](10)
	l.Set("a", 1)
	time.Sleep(30 * time.Millisecond)

	// Get promotes but must not refresh the stored-at timestamp.
	l.Get("a")
	removed := l.SweepOlderThan(20 * time.Millisecond)
	assert.Equal(t, 1, removed)
}

func TestLRU_MinimumCapacity(t *testing.T) {
	l := NewLRU[int](0)
	l.Set("a", 1)
	l.Set("b", 2)
	assert.Equal(t, 1, l.Len())

	_, ok := l.Get("b")
	assert.True(t, ok)
}

func TestLRU_ConcurrentAccess(t *testing.T) {
	l := NewLRU[int](64)
	var wg sync.WaitGroup

	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := fmt.Sprintf("k-%d", i%32)
				l.Set(key, g*1000+i)
				l.Get(key)
				if i%17 == 0 {
					l.Delete(key)
				}
			}
		}(g)
	}
	wg.Wait()

	assert.LessOrEqual(t, l.Len(), 64)
}
