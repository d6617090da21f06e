package registry

import (
	"math/bits"
	"sync/atomic"
	"time"
)

// PerformanceStats is a point-in-time snapshot of registry behavior.
// Counters are monotonically increasing and reset only on registry
// restart.
type PerformanceStats struct {
	Lookups              uint64
	Registrations        uint64
	Removals             uint64
	CoordinationMessages uint64
	CoordinationFailures uint64
	CacheHits            uint64
	CacheMisses          uint64
	CacheEvictions       uint64
	BloomRejects         uint64

	ActiveFlows       int
	HitRate           float64
	P95LookupLatency  time.Duration
	MemoryBytes       uint64
	MatcherLoadFactor float64
	MatcherMaxProbe   int
	BloomFillRatio    float64
	Uptime            time.Duration
}

// counters are independent atomics, never behind the locks of the
// structures they describe.
type counters struct {
	lookups       atomic.Uint64
	registrations atomic.Uint64
	removals      atomic.Uint64
	coordMessages atomic.Uint64
	coordFailures atomic.Uint64
	bloomRejects  atomic.Uint64
}

// latencyHistogram buckets observations by power-of-two nanoseconds.
// Cheap enough for the lookup hot path; precise enough for a p95
// gauge.
type latencyHistogram struct {
	buckets [40]atomic.Uint64
	count   atomic.Uint64
}

func (h *latencyHistogram) Observe(d time.Duration) {
	n := uint64(d)
	idx := bits.Len64(n)
	if idx >= len(h.buckets) {
		idx = len(h.buckets) - 1
	}
	h.buckets[idx].Add(1)
	h.count.Add(1)
}

// Percentile returns the upper bound of the bucket containing the
// given quantile, zero before any observation.
func (h *latencyHistogram) Percentile(q float64) time.Duration {
	total := h.count.Load()
	if total == 0 {
		return 0
	}
	target := uint64(float64(total) * q)
	if target == 0 {
		target = 1
	}
	var cum uint64
	for i := range h.buckets {
		cum += h.buckets[i].Load()
		if cum >= target {
			return time.Duration(uint64(1) << uint(i))
		}
	}
	return time.Duration(uint64(1) << uint(len(h.buckets)-1))
}
