// Package registry composes the exact matcher, bloom filter bank, flow
// cache, component directory and local transport into the Immediate
// Flow Registry facade. The registry exclusively owns every internal
// structure; callers never see raw references.
package registry

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/yairfalse/flowreg/pkg/bloom"
	"github.com/yairfalse/flowreg/pkg/config"
	"github.com/yairfalse/flowreg/pkg/directory"
	"github.com/yairfalse/flowreg/pkg/domain"
	"github.com/yairfalse/flowreg/pkg/flowcache"
	"github.com/yairfalse/flowreg/pkg/matcher"
	"github.com/yairfalse/flowreg/pkg/transport"
)

// coordFailureThreshold marks the registry degraded after this many
// consecutive coordination failures. A single flaky send is a per-call
// error, not a health event.
const coordFailureThreshold = 5

// matcherSlotBytes approximates the per-slot footprint for the memory
// gauge.
const matcherSlotBytes = 56

// shard is one independently locked matcher partition. Registrations
// contend only within their shard, so write concurrency scales with
// the shard count.
type shard struct {
	mu    sync.RWMutex
	table *matcher.Table
}

// Registry is the process-local flow registry facade.
type Registry struct {
	config *config.Config
	logger *zap.Logger

	shards    []*shard
	shardMask uint64
	filters   *bloom.Bank
	cache     *flowcache.Cache
	dir       *directory.Directory
	server    *transport.Server
	client    *transport.Client

	counters      counters
	lookupLatency latencyHistogram

	fatal             atomic.Bool // latched invariant violation
	consecutiveCoordF atomic.Uint64

	mu        sync.Mutex
	running   bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startedAt time.Time
}

// New builds a registry from cfg. Start must be called before the
// coordination plane is usable; lookups and registrations work
// immediately.
func New(cfg *config.Config, logger *zap.Logger) (*Registry, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("registry: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	shardCount := nextPowerOfTwo(cfg.Shards)
	shards := make([]*shard, shardCount)
	perShard := cfg.Matcher.InitialCapacity / shardCount
	if perShard < 16 {
		perShard = 16
	}
	perShardMax := 0
	if cfg.Matcher.MaxEntries > 0 {
		perShardMax = cfg.Matcher.MaxEntries / shardCount
		if perShardMax < 1 {
			perShardMax = 1
		}
	}
	for i := range shards {
		table, err := matcher.New(matcher.Config{
			InitialCapacity: perShard,
			MaxEntries:      perShardMax,
			LoadFactor:      cfg.Matcher.LoadFactor,
			Hash:            matcher.HashAlgorithm(cfg.Matcher.HashAlgorithm),
			Seed:            uint64(i) + 1,
		})
		if err != nil {
			return nil, fmt.Errorf("registry: %w", err)
		}
		shards[i] = &shard{table: table}
	}

	cache, err := flowcache.New(flowcache.Config{
		MaxEntries:   cfg.Cache.MaxEntries,
		MemoryBudget: uint64(cfg.Cache.MemoryBudgetKB) * 1024,
		Policy:       flowcache.Policy(cfg.Cache.Policy),
		TTL:          time.Duration(cfg.Cache.TTLSeconds) * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("registry: %w", err)
	}

	filters := bloom.New(bloom.Config{
		FalsePositiveRate: cfg.Bloom.FalsePositiveRate,
		ExpectedEntries:   cfg.Bloom.ExpectedEntries,
		HashCount:         cfg.Bloom.HashCount,
		Generations:       cfg.Bloom.Generations,
	})

	client := transport.NewClient(cfg.MessageTimeout(), uint32(cfg.Transport.MaxPayloadKB)*1024)

	dir := directory.New(directory.Config{
		ChannelDir:        cfg.Transport.ChannelDir,
		Self:              cfg.SelfID(),
		DiscoveryInterval: time.Duration(cfg.Directory.DiscoverySeconds) * time.Second,
		HeartbeatInterval: time.Duration(cfg.Directory.HeartbeatSeconds) * time.Second,
		HeartbeatTimeout:  time.Duration(cfg.Directory.HeartbeatTimeoutSeconds) * time.Second,
		Bootstrap:         cfg.BootstrapIDs(),
	}, client, logger)

	r := &Registry{
		config:    cfg,
		logger:    logger,
		shards:    shards,
		shardMask: uint64(shardCount - 1),
		filters:   filters,
		cache:     cache,
		dir:       dir,
		client:    client,
		startedAt: time.Now(),
	}

	r.server = transport.NewServer(transport.ServerConfig{
		SocketPath:     filepath.Join(cfg.Transport.ChannelDir, cfg.Transport.Self+".sock"),
		MaxConnections: cfg.Transport.MaxConnections,
		Workers:        cfg.Transport.Workers,
		MessageTimeout: cfg.MessageTimeout(),
		MaxPayload:     uint32(cfg.Transport.MaxPayloadKB) * 1024,
	}, r.route, logger)

	return r, nil
}

// Start brings up the local endpoint and begins component discovery.
func (r *Registry) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return nil
	}

	if err := r.server.Start(ctx); err != nil {
		return err
	}
	if err := r.dir.Start(ctx); err != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		r.server.Close(closeCtx)
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.running = true
	r.startedAt = time.Now()

	if r.config.Cache.SweepSeconds > 0 {
		r.wg.Add(1)
		go r.sweepLoop(loopCtx, time.Duration(r.config.Cache.SweepSeconds)*time.Second)
	}

	r.logger.Info("flow registry started",
		zap.String("channel_dir", r.config.Transport.ChannelDir),
		zap.Int("shards", len(r.shards)))
	return nil
}

// Stop drains gracefully: in-flight coordination messages get until
// the context deadline, then the endpoint closes.
func (r *Registry) Stop(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running {
		return nil
	}
	r.running = false
	r.cancel()
	r.wg.Wait()

	err := r.server.Close(ctx)
	if dirErr := r.dir.Close(); err == nil {
		err = dirErr
	}

	r.logger.Info("flow registry stopped")
	return err
}

// Lookup reports whether key is registered. The bloom bank shortcuts
// keys never seen; the cache shortcuts keys seen recently; only then
// does the matcher shard get probed.
func (r *Registry) Lookup(key domain.FlowKey) bool {
	_, found := r.LookupRecord(key)
	return found
}

// LookupRecord is Lookup returning the record itself.
func (r *Registry) LookupRecord(key domain.FlowKey) (domain.FlowRecord, bool) {
	start := time.Now()
	r.counters.lookups.Add(1)

	if !r.filters.Contains(key) {
		r.counters.bloomRejects.Add(1)
		r.lookupLatency.Observe(time.Since(start))
		return domain.FlowRecord{}, false
	}

	if rec, ok := r.cache.Get(key); ok {
		r.lookupLatency.Observe(time.Since(start))
		return rec, true
	}

	s := r.shardFor(key)
	s.mu.RLock()
	rec, ok := s.table.Find(key)
	s.mu.RUnlock()

	if ok {
		r.cache.Put(rec)
	}
	r.lookupLatency.Observe(time.Since(start))
	return rec, ok
}

// RegisterFlow inserts or overwrites the record for its key. Ordering
// matters: the matcher insert happens before the bloom add so a
// bloom-positive key is always insertable, and before the cache put so
// the cache never fronts a record the matcher does not hold.
func (r *Registry) RegisterFlow(record domain.FlowRecord) error {
	if r.fatal.Load() {
		return domain.ErrCorrupted
	}
	if err := record.Validate(); err != nil {
		return err
	}
	if record.Timestamp == 0 {
		record.Timestamp = domain.MonotonicNow()
	}

	s := r.shardFor(record.Key)
	s.mu.Lock()
	err := s.table.Insert(record)
	s.mu.Unlock()
	if err != nil {
		return err
	}

	r.filters.Add(record.Key)
	r.cache.Put(record)
	r.counters.registrations.Add(1)
	return nil
}

// RemoveFlow deletes the record for key, keeping the cache coherent.
// The bloom bank is append-only; the key ages out with its generation.
func (r *Registry) RemoveFlow(key domain.FlowKey) bool {
	s := r.shardFor(key)
	s.mu.Lock()
	removed := s.table.Remove(key)
	s.mu.Unlock()

	if removed {
		r.cache.Remove(key)
		r.counters.removals.Add(1)
	}
	return removed
}

// CoordinateLocal relays a coordination message to a component over
// its local channel. The failure is returned to the caller and counted;
// recurring failures past the threshold degrade registry health.
func (r *Registry) CoordinateLocal(ctx context.Context, target domain.ComponentID, payload []byte) error {
	info, ok := r.dir.Status(target)
	if !ok {
		err := &domain.CoordinationError{Component: target, Op: "resolve",
			Err: fmt.Errorf("component not discovered")}
		r.recordCoordFailure()
		return err
	}

	msg := transport.NewMessage(transport.FrameRequest, r.config.SelfID(), target, payload)
	if _, err := r.client.Send(ctx, info.ChannelPath, msg); err != nil {
		r.recordCoordFailure()
		return err
	}

	r.counters.coordMessages.Add(1)
	r.consecutiveCoordF.Store(0)
	return nil
}

// Broadcast relays a message to every running component, best-effort.
func (r *Registry) Broadcast(ctx context.Context, payload []byte) (int, error) {
	sent, err := r.dir.Broadcast(ctx, payload)
	r.counters.coordMessages.Add(uint64(sent))
	return sent, err
}

// Components returns a snapshot of the component directory.
func (r *Registry) Components() []domain.ComponentInfo {
	return r.dir.Components()
}

// ComponentStatus returns one component's info.
func (r *Registry) ComponentStatus(id domain.ComponentID) (domain.ComponentInfo, bool) {
	return r.dir.Status(id)
}

// SubscribeStatus registers an observer for component status changes.
func (r *Registry) SubscribeStatus() chan domain.StatusEvent {
	return r.dir.Subscribe()
}

// UnsubscribeStatus removes a status observer.
func (r *Registry) UnsubscribeStatus(ch chan domain.StatusEvent) {
	r.dir.Unsubscribe(ch)
}

// HealthCheck is true only while internal invariants hold: no latched
// corruption, the bootstrap components are present, and coordination
// is not persistently failing.
func (r *Registry) HealthCheck() bool {
	if r.fatal.Load() {
		return false
	}
	if r.consecutiveCoordF.Load() >= coordFailureThreshold {
		return false
	}
	if !r.dir.HasBootstrap() {
		return false
	}
	for _, s := range r.shards {
		s.mu.RLock()
		stats := s.table.Stats()
		s.mu.RUnlock()
		if stats.LoadFactor > 1 || stats.Entries < 0 {
			r.fatal.Store(true)
			r.logger.Error("matcher invariant violated",
				zap.Float64("load_factor", stats.LoadFactor),
				zap.Int("entries", stats.Entries))
			return false
		}
	}
	return true
}

// PerformanceStats returns a snapshot of all counters and gauges.
func (r *Registry) PerformanceStats() PerformanceStats {
	cacheStats := r.cache.Stats()
	bloomStats := r.filters.Stats()

	activeFlows := 0
	maxProbe := 0
	var loadSum float64
	var matcherMem uint64
	for _, s := range r.shards {
		s.mu.RLock()
		st := s.table.Stats()
		s.mu.RUnlock()
		activeFlows += st.Entries
		loadSum += st.LoadFactor
		if st.MaxProbeLength > maxProbe {
			maxProbe = st.MaxProbeLength
		}
		matcherMem += uint64(st.Capacity) * matcherSlotBytes
	}

	return PerformanceStats{
		Lookups:              r.counters.lookups.Load(),
		Registrations:        r.counters.registrations.Load(),
		Removals:             r.counters.removals.Load(),
		CoordinationMessages: r.counters.coordMessages.Load(),
		CoordinationFailures: r.counters.coordFailures.Load(),
		CacheHits:            cacheStats.Hits,
		CacheMisses:          cacheStats.Misses,
		CacheEvictions:       cacheStats.Evictions,
		BloomRejects:         r.counters.bloomRejects.Load(),
		ActiveFlows:          activeFlows,
		HitRate:              cacheStats.HitRate(),
		P95LookupLatency:     r.lookupLatency.Percentile(0.95),
		MemoryBytes:          matcherMem + bloomStats.MemoryBytes + uint64(cacheStats.Size)*160,
		MatcherLoadFactor:    loadSum / float64(len(r.shards)),
		MatcherMaxProbe:      maxProbe,
		BloomFillRatio:       bloomStats.FillRatio,
		Uptime:               time.Since(r.startedAt),
	}
}

func (r *Registry) recordCoordFailure() {
	r.counters.coordFailures.Add(1)
	if r.consecutiveCoordF.Add(1) == coordFailureThreshold {
		r.logger.Warn("coordination failing persistently, registry degraded")
	}
}

// shardFor picks the partition for a key. The shard hash is
// independent of the matcher hash so a seeded matcher cannot skew the
// partition balance.
func (r *Registry) shardFor(key domain.FlowKey) *shard {
	return r.shards[xxhash.Sum64(key[:])&r.shardMask]
}

func (r *Registry) sweepLoop(ctx context.Context, interval time.Duration) {
	defer r.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.cache.Sweep(); n > 0 {
				r.logger.Debug("cache sweep reclaimed entries", zap.Int("count", n))
			}
			r.dir.Prune()
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
