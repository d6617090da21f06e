// Package flowcache is the bounded cache of recently resolved lookups
// sitting in front of the exact matcher. It is never the source of
// truth: every resident record also lives in the matcher, so eviction
// is always safe to perform eagerly.
package flowcache

import (
	"container/list"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/yairfalse/flowreg/pkg/domain"
)

// Policy selects the eviction strategy.
type Policy string

const (
	// LRU is the default: flow lookups are recency-biased, components
	// re-query the same key repeatedly within a short burst.
	LRU    Policy = "lru"
	LFU    Policy = "lfu"
	FIFO   Policy = "fifo"
	Random Policy = "random"
)

// Valid reports whether p names a known policy.
func (p Policy) Valid() bool {
	switch p {
	case LRU, LFU, FIFO, Random, "":
		return true
	}
	return false
}

const (
	defaultMaxEntries = 10000

	// approxEntryBytes is the rough per-entry footprint used to turn a
	// memory budget into an entry cap: key, record, map bucket and
	// bookkeeping.
	approxEntryBytes = 160

	// lfuSampleSize bounds the eviction scan: sampled LFU instead of a
	// full pass over the map.
	lfuSampleSize = 64
)

// Config controls cache sizing and behavior.
type Config struct {
	// MaxEntries caps resident entries. Default 10000.
	MaxEntries int

	// MemoryBudget caps approximate memory in bytes. Zero means only
	// MaxEntries applies. The tighter of the two caps wins.
	MemoryBudget uint64

	// Policy selects eviction. Default LRU.
	Policy Policy

	// TTL treats entries older than this as absent, checked lazily on
	// access. Zero disables expiry.
	TTL time.Duration
}

// Stats is a point-in-time view of cache behavior.
type Stats struct {
	Size      int
	MaxSize   int
	Evictions uint64
	Expired   uint64
	Hits      uint64
	Misses    uint64
}

// HitRate returns hits / (hits + misses), zero before any traffic.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

type entry struct {
	record     domain.FlowRecord
	elem       *list.Element // LRU and FIFO ordering
	keyIdx     int           // position in keys, for Random
	freq       uint64        // LFU access count
	insertedAt time.Time
}

// Cache is a bounded, evictable map of flow records. All methods are
// safe for concurrent use.
type Cache struct {
	mu      sync.Mutex
	policy  Policy
	maxSize int
	ttl     time.Duration

	entries map[domain.FlowKey]*entry
	order   *list.List        // front = most recently used / newest
	keys    []domain.FlowKey  // maintained only for Random

	hits      uint64
	misses    uint64
	evictions uint64
	expired   uint64
}

// New builds a cache from cfg.
func New(cfg Config) (*Cache, error) {
	if !cfg.Policy.Valid() {
		return nil, fmt.Errorf("flowcache: unknown eviction policy %q", cfg.Policy)
	}
	policy := cfg.Policy
	if policy == "" {
		policy = LRU
	}

	maxSize := cfg.MaxEntries
	if maxSize <= 0 {
		maxSize = defaultMaxEntries
	}
	if cfg.MemoryBudget > 0 {
		byBudget := int(cfg.MemoryBudget / approxEntryBytes)
		if byBudget < 1 {
			byBudget = 1
		}
		if byBudget < maxSize {
			maxSize = byBudget
		}
	}

	return &Cache{
		policy:  policy,
		maxSize: maxSize,
		ttl:     cfg.TTL,
		entries: make(map[domain.FlowKey]*entry, maxSize),
		order:   list.New(),
	}, nil
}

// Get returns the cached record for key, if resident and not expired.
func (c *Cache) Get(key domain.FlowKey) (domain.FlowRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		c.misses++
		return domain.FlowRecord{}, false
	}
	if c.expiredLocked(e) {
		c.deleteLocked(key, e)
		c.expired++
		c.misses++
		return domain.FlowRecord{}, false
	}

	c.hits++
	e.freq++
	if c.policy == LRU {
		c.order.MoveToFront(e.elem)
	}
	return e.record, true
}

// Put inserts or refreshes the record for its key, evicting one entry
// if the cache is full.
func (c *Cache) Put(record domain.FlowRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[record.Key]; ok {
		e.record = record
		e.insertedAt = time.Now()
		if c.policy == LRU {
			c.order.MoveToFront(e.elem)
		}
		return
	}

	if len(c.entries) >= c.maxSize {
		c.evictLocked()
	}

	e := &entry{
		record:     record,
		insertedAt: time.Now(),
		freq:       1,
	}
	switch c.policy {
	case LRU, FIFO, LFU:
		e.elem = c.order.PushFront(record.Key)
	case Random:
		e.keyIdx = len(c.keys)
		c.keys = append(c.keys, record.Key)
	}
	c.entries[record.Key] = e
}

// Remove drops the entry for key, reporting whether it was resident.
// Removal is not counted as an eviction.
func (c *Cache) Remove(key domain.FlowKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return false
	}
	c.deleteLocked(key, e)
	return true
}

// Sweep proactively reclaims expired entries. Correctness never needs
// it; Get already checks lazily.
func (c *Cache) Sweep() int {
	if c.ttl == 0 {
		return 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, e := range c.entries {
		if c.expiredLocked(e) {
			c.deleteLocked(key, e)
			c.expired++
			removed++
		}
	}
	return removed
}

// Len returns the current entry count.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns a snapshot of cache behavior.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Size:      len(c.entries),
		MaxSize:   c.maxSize,
		Evictions: c.evictions,
		Expired:   c.expired,
		Hits:      c.hits,
		Misses:    c.misses,
	}
}

func (c *Cache) expiredLocked(e *entry) bool {
	return c.ttl > 0 && time.Since(e.insertedAt) > c.ttl
}

// evictLocked displaces exactly one entry according to the policy.
func (c *Cache) evictLocked() {
	var victim domain.FlowKey

	switch c.policy {
	case LRU, FIFO:
		back := c.order.Back()
		if back == nil {
			return
		}
		victim = back.Value.(domain.FlowKey)
	case LFU:
		// Sampled LFU: scan a bounded slice of the map instead of all
		// entries. Map iteration order is already randomized.
		first := true
		var minFreq uint64
		scanned := 0
		for key, e := range c.entries {
			if first || e.freq < minFreq {
				first = false
				minFreq = e.freq
				victim = key
			}
			scanned++
			if scanned >= lfuSampleSize {
				break
			}
		}
		if first {
			return
		}
	case Random:
		if len(c.keys) == 0 {
			return
		}
		victim = c.keys[rand.IntN(len(c.keys))]
	}

	if e, ok := c.entries[victim]; ok {
		c.deleteLocked(victim, e)
		c.evictions++
	}
}

func (c *Cache) deleteLocked(key domain.FlowKey, e *entry) {
	delete(c.entries, key)
	if e.elem != nil {
		c.order.Remove(e.elem)
	}
	if c.policy == Random {
		// Swap-remove from the key slice and fix the moved entry's
		// index.
		last := len(c.keys) - 1
		moved := c.keys[last]
		c.keys[e.keyIdx] = moved
		c.keys = c.keys[:last]
		if movedEntry, ok := c.entries[moved]; ok && e.keyIdx <= last {
			movedEntry.keyIdx = e.keyIdx
		}
	}
}
