package flowcache

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/flowreg/pkg/domain"
)

func cacheKey(i int) domain.FlowKey {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(i))
	return domain.NewFlowKey(b[:])
}

func cacheRecord(i int) domain.FlowRecord {
	return domain.FlowRecord{
		Key:       cacheKey(i),
		Component: domain.ComponentNetworking,
		Type:      domain.FlowDataTransfer,
		Timestamp: domain.MonotonicNow(),
	}
}

func TestCacheGetPut(t *testing.T) {
	c, err := New(Config{MaxEntries: 100})
	require.NoError(t, err)

	c.Put(cacheRecord(1))
	rec, ok := c.Get(cacheKey(1))
	require.True(t, ok)
	assert.Equal(t, cacheKey(1), rec.Key)

	_, ok = c.Get(cacheKey(2))
	assert.False(t, ok)

	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.InDelta(t, 0.5, stats.HitRate(), 0.001)
}

func TestCacheSizeNeverExceedsMax(t *testing.T) {
	for _, policy := range []Policy{LRU, LFU, FIFO, Random} {
		t.Run(string(policy), func(t *testing.T) {
			c, err := New(Config{MaxEntries: 100, Policy: policy})
			require.NoError(t, err)

			for i := 0; i < 1000; i++ {
				c.Put(cacheRecord(i))
			}

			assert.LessOrEqual(t, c.Len(), 100)
			stats := c.Stats()
			assert.Equal(t, uint64(900), stats.Evictions, "one eviction per displaced entry")
		})
	}
}

func TestCacheLRUKeepsRecentlyAccessed(t *testing.T) {
	c, err := New(Config{MaxEntries: 1000, Policy: LRU})
	require.NoError(t, err)

	for i := 0; i < 1500; i++ {
		c.Put(cacheRecord(i))
	}

	resident := 0
	for i := 1000; i < 1500; i++ {
		if _, ok := c.Get(cacheKey(i)); ok {
			resident++
		}
	}

	assert.LessOrEqual(t, c.Len(), 1000)
	stats := c.Stats()
	assert.GreaterOrEqual(t, stats.Evictions, uint64(500))
	assert.GreaterOrEqual(t, resident, 400, "recently inserted keys should survive LRU")
}

func TestCacheLRUEvictsColdKeys(t *testing.T) {
	c, err := New(Config{MaxEntries: 3, Policy: LRU})
	require.NoError(t, err)

	c.Put(cacheRecord(1))
	c.Put(cacheRecord(2))
	c.Put(cacheRecord(3))

	// Touch 1 so 2 becomes the eviction victim.
	_, ok := c.Get(cacheKey(1))
	require.True(t, ok)

	c.Put(cacheRecord(4))

	_, ok = c.Get(cacheKey(2))
	assert.False(t, ok, "least recently used key must be evicted")
	_, ok = c.Get(cacheKey(1))
	assert.True(t, ok)
}

func TestCacheFIFOIgnoresAccess(t *testing.T) {
	c, err := New(Config{MaxEntries: 3, Policy: FIFO})
	require.NoError(t, err)

	c.Put(cacheRecord(1))
	c.Put(cacheRecord(2))
	c.Put(cacheRecord(3))

	// Accessing 1 must not save it under FIFO.
	c.Get(cacheKey(1))
	c.Put(cacheRecord(4))

	_, ok := c.Get(cacheKey(1))
	assert.False(t, ok, "oldest insertion must be evicted regardless of access")
}

func TestCacheLFUPrefersFrequent(t *testing.T) {
	c, err := New(Config{MaxEntries: 3, Policy: LFU})
	require.NoError(t, err)

	c.Put(cacheRecord(1))
	c.Put(cacheRecord(2))
	c.Put(cacheRecord(3))

	for i := 0; i < 10; i++ {
		c.Get(cacheKey(1))
		c.Get(cacheKey(3))
	}

	c.Put(cacheRecord(4))

	_, ok := c.Get(cacheKey(2))
	assert.False(t, ok, "least frequently used key must be evicted")
}

func TestCacheTTLLazyExpiry(t *testing.T) {
	c, err := New(Config{MaxEntries: 10, TTL: 10 * time.Millisecond})
	require.NoError(t, err)

	c.Put(cacheRecord(1))
	_, ok := c.Get(cacheKey(1))
	require.True(t, ok)

	time.Sleep(20 * time.Millisecond)

	_, ok = c.Get(cacheKey(1))
	assert.False(t, ok, "expired entry treated as absent")

	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.Expired)
	assert.Equal(t, uint64(0), stats.Evictions, "expiry is not eviction")
}

func TestCacheSweep(t *testing.T) {
	c, err := New(Config{MaxEntries: 100, TTL: 5 * time.Millisecond})
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		c.Put(cacheRecord(i))
	}
	time.Sleep(15 * time.Millisecond)

	removed := c.Sweep()
	assert.Equal(t, 50, removed)
	assert.Equal(t, 0, c.Len())
}

func TestCacheMemoryBudgetCapsEntries(t *testing.T) {
	c, err := New(Config{MaxEntries: 100000, MemoryBudget: 16000})
	require.NoError(t, err)

	for i := 0; i < 1000; i++ {
		c.Put(cacheRecord(i))
	}

	// 16000 bytes / ~160 bytes per entry = 100 entries.
	assert.LessOrEqual(t, c.Len(), 100)
}

func TestCacheRemove(t *testing.T) {
	c, err := New(Config{MaxEntries: 10})
	require.NoError(t, err)

	c.Put(cacheRecord(1))
	assert.True(t, c.Remove(cacheKey(1)))
	assert.False(t, c.Remove(cacheKey(1)))
	_, ok := c.Get(cacheKey(1))
	assert.False(t, ok)
}

func TestCacheUnknownPolicy(t *testing.T) {
	_, err := New(Config{Policy: "clock"})
	assert.Error(t, err)
}
