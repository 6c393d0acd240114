package cache

import (
	"fmt"
	"testing"
	"time"

	"github.com/kazedev/kiroku/internal/session"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func meta(id string) session.Metadata {
	return session.Metadata{ID: id, Model: "gpt-4o", LastModified: session.NowMillis()}
}

func TestGetMissThenHit(t *testing.T) {
	c := NewMetadataCache(time.Minute, 10)

	_, ok := c.GetMetadata("a")
	assert.False(t, ok)

	c.PutMetadata(meta("a"))
	got, ok := c.GetMetadata("a")
	require.True(t, ok)
	assert.Equal(t, "a", got.ID)

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.InDelta(t, 0.5, stats.HitRate(), 0.001)
}

func TestTTLExpiryCountsAsMiss(t *testing.T) {
	c := NewMetadataCache(20*time.Millisecond, 10)
	c.PutMetadata(meta("a"))

	time.Sleep(40 * time.Millisecond)

	_, ok := c.GetMetadata("a")
	assert.False(t, ok)

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, int64(1), stats.Evictions)
	assert.Equal(t, 0, stats.Entries)
}

func TestLRUEvictionAtCapacity(t *testing.T) {
	c := NewMetadataCache(time.Minute, 3)
	for i := 0; i < 3; i++ {
		c.PutMetadata(meta(fmt.Sprintf("s%d", i)))
	}

	// Touch s0 so s1 becomes the least recently used.
	_, ok := c.GetMetadata("s0")
	require.True(t, ok)

	c.PutMetadata(meta("s3"))

	_, ok = c.GetMetadata("s1")
	assert.False(t, ok)
	_, ok = c.GetMetadata("s0")
	assert.True(t, ok)
	_, ok = c.GetMetadata("s3")
	assert.True(t, ok)
	assert.Equal(t, int64(1), c.Stats().Evictions)
}

func TestIndexSlot(t *testing.T) {
	c := NewMetadataCache(time.Minute, 10)

	_, ok := c.GetIndex()
	assert.False(t, ok)

	idx := session.NewIndex()
	idx.Sessions["x"] = meta("x")
	c.PutIndex(idx)

	back, ok := c.GetIndex()
	require.True(t, ok)
	assert.Len(t, back.Sessions, 1)

	c.Invalidate(IndexKey)
	_, ok = c.GetIndex()
	assert.False(t, ok)
}

func TestMaintenanceDropsExpired(t *testing.T) {
	c := NewMetadataCache(15*time.Millisecond, 10)
	c.PutMetadata(meta("a"))
	c.PutMetadata(meta("b"))

	time.Sleep(30 * time.Millisecond)
	dropped := c.Maintenance()
	assert.Equal(t, 2, dropped)
	assert.Equal(t, 0, c.Stats().Entries)
}

func TestMemoryAccounting(t *testing.T) {
	c := NewMetadataCache(time.Minute, 10)
	c.PutMetadata(meta("a"))
	assert.Positive(t, c.Stats().MemoryBytes)

	c.InvalidateAll()
	assert.Equal(t, int64(0), c.Stats().MemoryBytes)
	assert.Equal(t, 0, c.Stats().Entries)
}
