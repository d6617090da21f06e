package bloom

import (
	"encoding/binary"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/flowreg/pkg/domain"
)

func bloomKey(i int) domain.FlowKey {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(i))
	return domain.NewFlowKey(b[:])
}

func TestBankNoFalseNegatives(t *testing.T) {
	b := New(Config{ExpectedEntries: 10000, FalsePositiveRate: 0.01})

	for i := 0; i < 10000; i++ {
		b.Add(bloomKey(i))
	}
	for i := 0; i < 10000; i++ {
		assert.True(t, b.Contains(bloomKey(i)), "added key %d must be contained", i)
	}
}

func TestBankFalsePositiveRateBounded(t *testing.T) {
	b := New(Config{ExpectedEntries: 10000, FalsePositiveRate: 0.01})

	for i := 0; i < 10000; i++ {
		b.Add(bloomKey(i))
	}

	falsePositives := 0
	const probes = 10000
	for i := 0; i < probes; i++ {
		if b.Contains(bloomKey(1_000_000 + i)) {
			falsePositives++
		}
	}

	// Allow generous slack over the 1% target; this is a statistical
	// bound, not an exact one.
	rate := float64(falsePositives) / float64(probes)
	assert.Less(t, rate, 0.05, "false positive rate %f far above target", rate)
}

func TestBankRotationBoundsMemory(t *testing.T) {
	b := New(Config{ExpectedEntries: 100, FalsePositiveRate: 0.01, Generations: 3, RotateFillRatio: 0.3})

	for i := 0; i < 5000; i++ {
		b.Add(bloomKey(i))
	}

	stats := b.Stats()
	assert.Greater(t, stats.Rotations, uint64(0))
	assert.LessOrEqual(t, stats.Generations, 3)
	assert.LessOrEqual(t, stats.MemoryBytes, 3*((stats.BitsPerGen+63)/64)*8)
}

func TestBankRecentKeysSurviveRotation(t *testing.T) {
	b := New(Config{ExpectedEntries: 1000, Generations: 4, RotateFillRatio: 0.5})

	for i := 0; i < 2000; i++ {
		b.Add(bloomKey(i))
	}

	// The most recently added keys must still be positive regardless of
	// how many rotations happened.
	for i := 1900; i < 2000; i++ {
		assert.True(t, b.Contains(bloomKey(i)))
	}
}

func TestBankDerivedParameters(t *testing.T) {
	b := New(Config{ExpectedEntries: 10000, FalsePositiveRate: 0.01})
	stats := b.Stats()

	// m = -n ln p / ln^2 2 for n=10000, p=0.01 is roughly 95851 bits,
	// k roughly 7.
	require.InDelta(t, 95851, float64(stats.BitsPerGen), 10)
	assert.InDelta(t, 7, float64(stats.HashCount), 1)
}

func TestBankConcurrentAdds(t *testing.T) {
	b := New(Config{ExpectedEntries: 10000})

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(base int) {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				b.Add(bloomKey(base*1000 + i))
			}
		}(w)
	}
	wg.Wait()

	for i := 0; i < 8000; i++ {
		assert.True(t, b.Contains(bloomKey(i)), "concurrent add lost key %d", i)
	}
}

func BenchmarkBankContainsMiss(b *testing.B) {
	bank := New(Config{ExpectedEntries: 100000})
	for i := 0; i < 100000; i++ {
		bank.Add(bloomKey(i))
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		bank.Contains(bloomKey(10_000_000 + i))
	}
}
