// Package bloom implements the negative-lookup accelerator in front of
// the exact matcher: a bank of rotating bloom filter generations.
//
// A single filter saturates as short-lived flows churn through it,
// permanently raising the false-positive rate. The bank instead opens a
// fresh generation once the active one fills past a threshold and
// retires the oldest, keeping negative-lookup accuracy time-windowed
// and memory bounded.
package bloom

import (
	"math"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"

	"github.com/yairfalse/flowreg/pkg/domain"
)

const (
	defaultFalsePositiveRate = 0.01
	defaultExpectedEntries   = 100000
	defaultGenerations       = 4
	defaultRotateFillRatio   = 0.5
)

// Config sizes the bank.
type Config struct {
	// FalsePositiveRate is the per-generation target. Default 0.01.
	FalsePositiveRate float64

	// ExpectedEntries is the per-generation entry budget. Default 100000.
	ExpectedEntries int

	// HashCount overrides the derived number of hash functions.
	HashCount int

	// Generations is how many generations stay live. Default 4.
	Generations int

	// RotateFillRatio opens a new generation once the active one's
	// estimated fill crosses it. Default 0.5.
	RotateFillRatio float64
}

// Stats is a point-in-time view of the bank.
type Stats struct {
	FillRatio   float64 // estimated fill of the active generation
	MemoryBytes uint64
	Generations int
	Rotations   uint64
	HashCount   int
	BitsPerGen  uint64
}

// generation is one fixed-size bit array. Bits are set with atomic OR:
// concurrent sets can only turn bits on, so races cost at most a
// false positive, never a false negative.
type generation struct {
	words []uint64
	bits  uint64
	k     int
	adds  atomic.Uint64
}

func newGeneration(bits uint64, k int) *generation {
	return &generation{
		words: make([]uint64, (bits+63)/64),
		bits:  bits,
		k:     k,
	}
}

func (g *generation) add(h1, h2 uint64) {
	for i := 0; i < g.k; i++ {
		idx := (h1 + uint64(i)*h2) % g.bits
		atomic.OrUint64(&g.words[idx>>6], 1<<(idx&63))
	}
	g.adds.Add(1)
}

func (g *generation) contains(h1, h2 uint64) bool {
	for i := 0; i < g.k; i++ {
		idx := (h1 + uint64(i)*h2) % g.bits
		if atomic.LoadUint64(&g.words[idx>>6])&(1<<(idx&63)) == 0 {
			return false
		}
	}
	return true
}

// fillRatio estimates the fraction of set bits from the add counter:
// 1 - e^(-k*n/m). Cheaper than popcounting the whole array on every
// add.
func (g *generation) fillRatio() float64 {
	n := float64(g.adds.Load())
	return 1 - math.Exp(-float64(g.k)*n/float64(g.bits))
}

// Bank holds the live generations. Lookups read a generation slice
// published through an atomic pointer; only rotation takes the mutex.
type Bank struct {
	mu         sync.Mutex
	gens       atomic.Pointer[[]*generation]
	bitsPerGen uint64
	k          int
	maxGens    int
	rotateAt   float64
	rotations  atomic.Uint64
}

// New builds a bank from cfg, deriving the bit array size and hash
// count from the expected-entries budget and target false-positive
// rate where not overridden.
func New(cfg Config) *Bank {
	p := cfg.FalsePositiveRate
	if p <= 0 || p >= 1 {
		p = defaultFalsePositiveRate
	}
	n := cfg.ExpectedEntries
	if n <= 0 {
		n = defaultExpectedEntries
	}
	maxGens := cfg.Generations
	if maxGens <= 0 {
		maxGens = defaultGenerations
	}
	rotateAt := cfg.RotateFillRatio
	if rotateAt <= 0 || rotateAt >= 1 {
		rotateAt = defaultRotateFillRatio
	}

	ln2 := math.Ln2
	bits := uint64(math.Ceil(-float64(n) * math.Log(p) / (ln2 * ln2)))
	if bits < 64 {
		bits = 64
	}
	k := cfg.HashCount
	if k <= 0 {
		k = int(math.Round(float64(bits) / float64(n) * ln2))
	}
	if k < 1 {
		k = 1
	}

	b := &Bank{
		bitsPerGen: bits,
		k:          k,
		maxGens:    maxGens,
		rotateAt:   rotateAt,
	}
	gens := []*generation{newGeneration(bits, k)}
	b.gens.Store(&gens)
	return b
}

// Add records the key in the active generation, rotating first if the
// active generation has filled past the threshold.
func (b *Bank) Add(key domain.FlowKey) {
	h1, h2 := deriveHashes(key)

	gens := *b.gens.Load()
	active := gens[len(gens)-1]
	if active.fillRatio() >= b.rotateAt {
		active = b.rotate(active)
	}
	active.add(h1, h2)
}

// Contains reports whether the key may have been added to any live
// generation. A negative is definitive; a positive may be false with
// the configured probability.
func (b *Bank) Contains(key domain.FlowKey) bool {
	h1, h2 := deriveHashes(key)
	for _, g := range *b.gens.Load() {
		if g.contains(h1, h2) {
			return true
		}
	}
	return false
}

// Stats returns a snapshot of the bank.
func (b *Bank) Stats() Stats {
	gens := *b.gens.Load()
	active := gens[len(gens)-1]
	var mem uint64
	for _, g := range gens {
		mem += uint64(len(g.words)) * 8
	}
	return Stats{
		FillRatio:   active.fillRatio(),
		MemoryBytes: mem,
		Generations: len(gens),
		Rotations:   b.rotations.Load(),
		HashCount:   b.k,
		BitsPerGen:  b.bitsPerGen,
	}
}

// rotate opens a fresh generation and retires the oldest beyond the
// live window. The caller passes the generation it saw as active so a
// racing rotation is only performed once.
func (b *Bank) rotate(saw *generation) *generation {
	b.mu.Lock()
	defer b.mu.Unlock()

	gens := *b.gens.Load()
	active := gens[len(gens)-1]
	if active != saw {
		// Another goroutine rotated already.
		return active
	}

	next := make([]*generation, 0, len(gens)+1)
	if len(gens) >= b.maxGens {
		next = append(next, gens[len(gens)-b.maxGens+1:]...)
	} else {
		next = append(next, gens...)
	}
	fresh := newGeneration(b.bitsPerGen, b.k)
	next = append(next, fresh)
	b.gens.Store(&next)
	b.rotations.Add(1)
	return fresh
}

// deriveHashes produces the double-hashing pair from a single xxhash
// pass: index_i = h1 + i*h2. The stride is forced odd so it never
// degenerates to probing one bit.
func deriveHashes(key domain.FlowKey) (uint64, uint64) {
	h1 := xxhash.Sum64(key[:])
	h2 := (h1>>33 ^ h1*0x9e3779b97f4a7c15) | 1
	return h1, h2
}
