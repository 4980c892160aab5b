package cache

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTermLookups(t *testing.T) {
	c := NewLRUCache[string, string](10, time.Minute)
	c.Set("CTTermRoot:C49488_Y", "node-1")

	id, ok := c.Get("CTTermRoot:C49488_Y")
	require.True(t, ok)
	assert.Equal(t, "node-1", id)

	id, ok = c.Get("CTTermRoot:C49487_N")
	assert.False(t, ok)
	assert.Empty(t, id)

	assert.Equal(t, Stats{Hits: 1, Misses: 1}, c.Stats())
}

func TestEntriesExpire(t *testing.T) {
	c := NewLRUCache[string, bool](10, time.Minute)
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	c.Set("ABC:study:read", true)
	_, ok := c.Get("ABC:study:read")
	require.True(t, ok)

	now = now.Add(61 * time.Second)
	_, ok = c.Get("ABC:study:read")
	assert.False(t, ok)
	assert.Zero(t, c.Size())
}

func TestSetRefreshesExpiry(t *testing.T) {
	c := NewLRUCache[string, int](1, time.Minute)
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	c.Set("Project:P-100", 1)
	now = now.Add(50 * time.Second)
	c.Set("Project:P-100", 2)
	now = now.Add(50 * time.Second)

	v, ok := c.Get("Project:P-100")
	require.True(t, ok)
	assert.Equal(t, 2, v)
	assert.Equal(t, 1, c.Size())
	assert.Zero(t, c.Stats().Evicted)
}

func TestCapacityDropsLeastRecentlyTouched(t *testing.T) {
	c := NewLRUCache[string, int](3, time.Minute)
	c.Set("a", 1)
	c.Set("b", 2)
	c.Set("c", 3)
	c.Get("a")
	c.Set("d", 4)

	assert.Equal(t, 3, c.Size())
	_, ok := c.Get("b")
	assert.False(t, ok)
	for _, k := range []string{"a", "c", "d"} {
		_, ok := c.Get(k)
		assert.True(t, ok, k)
	}
	assert.EqualValues(t, 1, c.Stats().Evicted)
}

func TestInvalidation(t *testing.T) {
	c := NewLRUCache[string, string](10, time.Minute)
	c.Set("CTTermRoot:C1", "1")
	c.Set("CTTermRoot:C2", "2")
	c.Set("Project:P-1", "3")

	c.Invalidate("CTTermRoot:C1")
	_, ok := c.Get("CTTermRoot:C1")
	assert.False(t, ok)

	n := c.InvalidateFunc(func(k string) bool { return strings.HasPrefix(k, "CTTermRoot:") })
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, c.Size())

	c.InvalidateAll()
	assert.Zero(t, c.Size())
}

func TestCapacityAndTTLFloors(t *testing.T) {
	c := NewLRUCache[int, int](0, 0)
	assert.Equal(t, 1, c.capacity)
	assert.Equal(t, 5*time.Minute, c.ttl)
}

func TestConcurrentUse(t *testing.T) {
	c := NewLRUCache[string, string](64, time.Minute)

	var wg sync.WaitGroup
	for w := 0; w < 16; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				k := fmt.Sprintf("w%d-%d", w, i%40)
				c.Set(k, k)
				c.Get(k)
				if i%25 == 0 {
					c.Invalidate(k)
				}
			}
		}(w)
	}
	wg.Wait()

	assert.LessOrEqual(t, c.Size(), 64)
}
