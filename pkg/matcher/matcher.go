// Package matcher implements the exact-match flow table: open
// addressing with Robin Hood displacement to bound worst-case probe
// length under high load and adversarial key distributions.
//
// The table does no locking of its own. Concurrency is the caller's
// responsibility; the registry shards tables by key hash and guards
// each shard with its own lock.
package matcher

import (
	"fmt"

	"github.com/yairfalse/flowreg/pkg/domain"
)

const (
	defaultCapacity   = 1024
	defaultLoadFactor = 0.9

	// probeLimit aborts pathological probe chains instead of looping.
	// A chain this long means the table is effectively corrupted.
	probeLimit = 4096
)

// Config controls table sizing and hashing.
type Config struct {
	// InitialCapacity is rounded up to a power of two. Default 1024.
	InitialCapacity int

	// MaxEntries is a hard entry ceiling. Zero means the table grows
	// transparently and Insert never fails.
	MaxEntries int

	// LoadFactor triggers a doubling resize when exceeded. Default 0.9.
	LoadFactor float64

	// Hash selects the hash algorithm. Default HashXX.
	Hash HashAlgorithm

	// Seed perturbs the hash function.
	Seed uint64
}

// Stats is a point-in-time view of table health.
type Stats struct {
	Entries        int
	Capacity       int
	LoadFactor     float64
	MaxProbeLength int
	Resizes        int
}

type slot struct {
	record domain.FlowRecord
	psl    uint16
	used   bool
}

// Table is a Robin Hood open-addressing hash table keyed by FlowKey.
type Table struct {
	slots      []slot
	mask       uint64
	count      int
	maxPSL     int
	resizes    int
	maxEntries int
	loadFactor float64
	hash       hashFunc
}

// New builds a table from cfg.
func New(cfg Config) (*Table, error) {
	capacity := cfg.InitialCapacity
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	capacity = nextPowerOfTwo(capacity)

	lf := cfg.LoadFactor
	if lf <= 0 || lf >= 1 {
		lf = defaultLoadFactor
	}

	hash, err := newHashFunc(cfg.Hash, cfg.Seed)
	if err != nil {
		return nil, fmt.Errorf("matcher: %w", err)
	}

	return &Table{
		slots:      make([]slot, capacity),
		mask:       uint64(capacity - 1),
		maxEntries: cfg.MaxEntries,
		loadFactor: lf,
		hash:       hash,
	}, nil
}

// Insert adds or overwrites the record for its key. Overwriting keeps
// the key's identity and slot; only attributes change. Insert returns
// domain.ErrCapacity only when a hard ceiling is configured and a new
// key would exceed it.
func (t *Table) Insert(record domain.FlowRecord) error {
	if idx, ok := t.lookup(record.Key); ok {
		t.slots[idx].record = record
		return nil
	}

	if t.maxEntries > 0 && t.count >= t.maxEntries {
		return domain.ErrCapacity
	}

	if float64(t.count+1) > t.loadFactor*float64(len(t.slots)) {
		t.grow()
	}

	t.place(record)
	t.count++
	return nil
}

// Find returns the record for key, if present.
func (t *Table) Find(key domain.FlowKey) (domain.FlowRecord, bool) {
	if idx, ok := t.lookup(key); ok {
		return t.slots[idx].record, true
	}
	return domain.FlowRecord{}, false
}

// Remove deletes the record for key, reporting whether it was present.
// Removal uses backward shifting so the table never needs tombstones.
func (t *Table) Remove(key domain.FlowKey) bool {
	idx, ok := t.lookup(key)
	if !ok {
		return false
	}

	// Shift successors back until a hole or an entry already in its
	// ideal slot.
	for {
		next := (idx + 1) & t.mask
		if !t.slots[next].used || t.slots[next].psl == 0 {
			t.slots[idx] = slot{}
			break
		}
		t.slots[idx] = t.slots[next]
		t.slots[idx].psl--
		idx = next
	}

	t.count--
	return true
}

// Len returns the number of live entries.
func (t *Table) Len() int { return t.count }

// Stats returns a snapshot of table health.
func (t *Table) Stats() Stats {
	return Stats{
		Entries:        t.count,
		Capacity:       len(t.slots),
		LoadFactor:     float64(t.count) / float64(len(t.slots)),
		MaxProbeLength: t.maxPSL,
		Resizes:        t.resizes,
	}
}

// Range calls fn for every live record until fn returns false.
func (t *Table) Range(fn func(record domain.FlowRecord) bool) {
	for i := range t.slots {
		if t.slots[i].used {
			if !fn(t.slots[i].record) {
				return
			}
		}
	}
}

// lookup probes for key and returns its slot index. Robin Hood order
// lets the probe stop as soon as the resident entry's PSL drops below
// the probe distance: the key would have displaced it.
func (t *Table) lookup(key domain.FlowKey) (uint64, bool) {
	idx := t.hash(key) & t.mask
	var psl uint16
	for {
		s := &t.slots[idx]
		if !s.used || s.psl < psl {
			return 0, false
		}
		if s.record.Key == key {
			return idx, true
		}
		idx = (idx + 1) & t.mask
		psl++
		if int(psl) > probeLimit {
			return 0, false
		}
	}
}

// place inserts a key known to be absent, displacing richer entries
// (lower PSL) as it goes.
func (t *Table) place(record domain.FlowRecord) {
	carry := slot{record: record, used: true}
	idx := t.hash(record.Key) & t.mask
	for {
		s := &t.slots[idx]
		if !s.used {
			*s = carry
			if int(carry.psl) > t.maxPSL {
				t.maxPSL = int(carry.psl)
			}
			return
		}
		if s.psl < carry.psl {
			*s, carry = carry, *s
			if int(t.slots[idx].psl) > t.maxPSL {
				t.maxPSL = int(t.slots[idx].psl)
			}
		}
		idx = (idx + 1) & t.mask
		carry.psl++
	}
}

// grow doubles the table and rehashes every live entry. Max PSL is
// recomputed from scratch for the new layout.
func (t *Table) grow() {
	old := t.slots
	t.slots = make([]slot, len(old)*2)
	t.mask = uint64(len(t.slots) - 1)
	t.maxPSL = 0
	t.resizes++

	for i := range old {
		if old[i].used {
			t.place(old[i].record)
		}
	}
}

func nextPowerOfTwo(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}
