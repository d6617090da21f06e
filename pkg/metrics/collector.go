// Package metrics exposes registry performance counters as Prometheus
// metrics. The collector reads snapshots on scrape; nothing here sits
// on the lookup hot path.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/yairfalse/flowreg/pkg/domain"
	"github.com/yairfalse/flowreg/pkg/registry"
)

const namespace = "flowreg"

// StatsProvider is the registry surface the collector scrapes.
type StatsProvider interface {
	PerformanceStats() registry.PerformanceStats
	HealthCheck() bool
	Components() []domain.ComponentInfo
}

// Collector implements prometheus.Collector over a registry snapshot.
type Collector struct {
	provider StatsProvider

	lookupsDesc       *prometheus.Desc
	registrationsDesc *prometheus.Desc
	removalsDesc      *prometheus.Desc
	coordMsgsDesc     *prometheus.Desc
	coordFailsDesc    *prometheus.Desc
	cacheHitsDesc     *prometheus.Desc
	cacheMissesDesc   *prometheus.Desc
	cacheEvictDesc    *prometheus.Desc
	bloomRejectsDesc  *prometheus.Desc

	activeFlowsDesc  *prometheus.Desc
	hitRateDesc      *prometheus.Desc
	p95LatencyDesc   *prometheus.Desc
	memoryDesc       *prometheus.Desc
	loadFactorDesc   *prometheus.Desc
	maxProbeDesc     *prometheus.Desc
	bloomFillDesc    *prometheus.Desc
	uptimeDesc       *prometheus.Desc
	healthyDesc      *prometheus.Desc
	componentUpDesc  *prometheus.Desc
}

// NewCollector builds a collector over the given provider.
func NewCollector(provider StatsProvider) *Collector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", name), help, nil, nil)
	}
	return &Collector{
		provider: provider,

		lookupsDesc:       desc("lookups_total", "Total flow lookups."),
		registrationsDesc: desc("registrations_total", "Total flow registrations."),
		removalsDesc:      desc("removals_total", "Total flow removals."),
		coordMsgsDesc:     desc("coordination_messages_total", "Coordination messages exchanged."),
		coordFailsDesc:    desc("coordination_failures_total", "Failed coordination attempts."),
		cacheHitsDesc:     desc("cache_hits_total", "Lookups served from the cache."),
		cacheMissesDesc:   desc("cache_misses_total", "Lookups missing the cache."),
		cacheEvictDesc:    desc("cache_evictions_total", "Cache entries evicted under pressure."),
		bloomRejectsDesc:  desc("bloom_rejects_total", "Lookups rejected by the filter bank."),

		activeFlowsDesc: desc("active_flows", "Currently registered flows."),
		hitRateDesc:     desc("cache_hit_rate", "Cache hit rate over all lookups."),
		p95LatencyDesc:  desc("lookup_latency_p95_seconds", "Approximate p95 lookup latency."),
		memoryDesc:      desc("memory_bytes", "Estimated memory held by internal structures."),
		loadFactorDesc:  desc("matcher_load_factor", "Mean matcher shard load factor."),
		maxProbeDesc:    desc("matcher_max_probe_length", "Worst probe chain across shards."),
		bloomFillDesc:   desc("bloom_fill_ratio", "Estimated fill of the active filter generation."),
		uptimeDesc:      desc("uptime_seconds", "Seconds since registry start."),
		healthyDesc:     desc("healthy", "1 while every internal invariant holds."),
		componentUpDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "component_up"),
			"1 while the component is in the Running state.",
			[]string{"component"}, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.lookupsDesc
	ch <- c.registrationsDesc
	ch <- c.removalsDesc
	ch <- c.coordMsgsDesc
	ch <- c.coordFailsDesc
	ch <- c.cacheHitsDesc
	ch <- c.cacheMissesDesc
	ch <- c.cacheEvictDesc
	ch <- c.bloomRejectsDesc
	ch <- c.activeFlowsDesc
	ch <- c.hitRateDesc
	ch <- c.p95LatencyDesc
	ch <- c.memoryDesc
	ch <- c.loadFactorDesc
	ch <- c.maxProbeDesc
	ch <- c.bloomFillDesc
	ch <- c.uptimeDesc
	ch <- c.healthyDesc
	ch <- c.componentUpDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	stats := c.provider.PerformanceStats()

	counter := func(desc *prometheus.Desc, v uint64) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(v))
	}
	gauge := func(desc *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, v)
	}

	counter(c.lookupsDesc, stats.Lookups)
	counter(c.registrationsDesc, stats.Registrations)
	counter(c.removalsDesc, stats.Removals)
	counter(c.coordMsgsDesc, stats.CoordinationMessages)
	counter(c.coordFailsDesc, stats.CoordinationFailures)
	counter(c.cacheHitsDesc, stats.CacheHits)
	counter(c.cacheMissesDesc, stats.CacheMisses)
	counter(c.cacheEvictDesc, stats.CacheEvictions)
	counter(c.bloomRejectsDesc, stats.BloomRejects)

	gauge(c.activeFlowsDesc, float64(stats.ActiveFlows))
	gauge(c.hitRateDesc, stats.HitRate)
	gauge(c.p95LatencyDesc, stats.P95LookupLatency.Seconds())
	gauge(c.memoryDesc, float64(stats.MemoryBytes))
	gauge(c.loadFactorDesc, stats.MatcherLoadFactor)
	gauge(c.maxProbeDesc, float64(stats.MatcherMaxProbe))
	gauge(c.bloomFillDesc, stats.BloomFillRatio)
	gauge(c.uptimeDesc, stats.Uptime.Seconds())

	healthy := 0.0
	if c.provider.HealthCheck() {
		healthy = 1
	}
	gauge(c.healthyDesc, healthy)

	for _, info := range c.provider.Components() {
		up := 0.0
		if info.Status == domain.StatusRunning {
			up = 1
		}
		ch <- prometheus.MustNewConstMetric(c.componentUpDesc,
			prometheus.GaugeValue, up, info.ID.String())
	}
}
