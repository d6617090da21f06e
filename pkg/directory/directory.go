// Package directory discovers and health-tracks the system components
// reachable on the local host. Each component creates a
// "<name>.sock" endpoint in a well-known channel directory on startup;
// the directory scans that path, watches it for changes, and drives a
// per-component state machine off heartbeat probes.
package directory

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/yairfalse/flowreg/pkg/domain"
	"github.com/yairfalse/flowreg/pkg/transport"
)

const (
	defaultDiscoveryInterval = 10 * time.Second
	defaultHeartbeatInterval = 5 * time.Second
	defaultHeartbeatTimeout  = 30 * time.Second

	socketSuffix = ".sock"

	// eventBufferSize is the per-observer channel depth. Observers that
	// fall behind lose events rather than blocking status transitions.
	eventBufferSize = 64
)

// Config controls discovery and health tracking.
type Config struct {
	// ChannelDir is the well-known directory holding component socket
	// endpoints.
	ChannelDir string

	// Self identifies the registry in heartbeat frames.
	Self domain.ComponentID

	// DiscoveryInterval is the periodic full-rescan interval, a safety
	// net behind the filesystem watch. Default 10s.
	DiscoveryInterval time.Duration

	// HeartbeatInterval is how often live components are probed.
	// Default 5s.
	HeartbeatInterval time.Duration

	// HeartbeatTimeout demotes a component to Failed after this long
	// without a successful heartbeat. Default 30s.
	HeartbeatTimeout time.Duration

	// Bootstrap lists the components expected to be present for the
	// registry to consider itself healthy.
	Bootstrap []domain.ComponentID
}

func (c *Config) applyDefaults() {
	if c.Self == domain.ComponentUnknown {
		c.Self = domain.ComponentOrchestration
	}
	if c.DiscoveryInterval <= 0 {
		c.DiscoveryInterval = defaultDiscoveryInterval
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = defaultHeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = defaultHeartbeatTimeout
	}
}

// Directory owns all ComponentInfo state. Callers only ever receive
// copies.
type Directory struct {
	config Config
	logger *zap.Logger
	client *transport.Client

	mu         sync.RWMutex
	components map[domain.ComponentID]*domain.ComponentInfo
	observers  map[chan domain.StatusEvent]struct{}

	runMu   sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	watcher *fsnotify.Watcher
}

// New builds a directory over the given transport client.
func New(config Config, client *transport.Client, logger *zap.Logger) *Directory {
	config.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Directory{
		config:     config,
		logger:     logger,
		client:     client,
		components: make(map[domain.ComponentID]*domain.ComponentInfo),
		observers:  make(map[chan domain.StatusEvent]struct{}),
	}
}

// Start performs an initial scan, opens the filesystem watch, and
// launches the heartbeat sweep.
func (d *Directory) Start(ctx context.Context) error {
	d.runMu.Lock()
	defer d.runMu.Unlock()

	if d.running {
		return nil
	}

	if err := d.Discover(ctx); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return &domain.DiscoveryError{Path: d.config.ChannelDir, Err: err}
	}
	if err := watcher.Add(d.config.ChannelDir); err != nil {
		watcher.Close()
		return &domain.DiscoveryError{Path: d.config.ChannelDir, Err: err}
	}
	d.watcher = watcher

	loopCtx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.running = true

	d.wg.Add(2)
	go d.watchLoop(loopCtx)
	go d.sweepLoop(loopCtx)

	d.logger.Info("component directory started",
		zap.String("channel_dir", d.config.ChannelDir),
		zap.Duration("heartbeat_timeout", d.config.HeartbeatTimeout))
	return nil
}

// Close stops the watch and sweep loops.
func (d *Directory) Close() error {
	d.runMu.Lock()
	defer d.runMu.Unlock()

	if !d.running {
		return nil
	}
	d.running = false
	d.cancel()
	err := d.watcher.Close()
	d.wg.Wait()

	d.mu.Lock()
	for ch := range d.observers {
		close(ch)
	}
	d.observers = make(map[chan domain.StatusEvent]struct{})
	d.mu.Unlock()
	return err
}

// Discover scans the channel directory for component endpoints. It is
// idempotent and safe to call repeatedly; endpoints already known keep
// their state.
func (d *Directory) Discover(ctx context.Context) error {
	entries, err := os.ReadDir(d.config.ChannelDir)
	if err != nil {
		return &domain.DiscoveryError{Path: d.config.ChannelDir, Err: err}
	}

	for _, entry := range entries {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		name := entry.Name()
		if !strings.HasSuffix(name, socketSuffix) {
			continue
		}
		id, err := domain.ParseComponentID(strings.TrimSuffix(name, socketSuffix))
		if err != nil {
			d.logger.Debug("ignoring unrecognized endpoint", zap.String("name", name))
			continue
		}
		if id == d.config.Self {
			continue
		}
		d.addEndpoint(id, filepath.Join(d.config.ChannelDir, name))
	}
	return nil
}

// Status returns a copy of the component's info.
func (d *Directory) Status(id domain.ComponentID) (domain.ComponentInfo, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	info, ok := d.components[id]
	if !ok {
		return domain.ComponentInfo{}, false
	}
	return *info, true
}

// Components returns copies of every known component.
func (d *Directory) Components() []domain.ComponentInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]domain.ComponentInfo, 0, len(d.components))
	for _, info := range d.components {
		out = append(out, *info)
	}
	return out
}

// HasBootstrap reports whether every configured bootstrap component is
// present and not Failed.
func (d *Directory) HasBootstrap() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, id := range d.config.Bootstrap {
		info, ok := d.components[id]
		if !ok || info.Status == domain.StatusFailed {
			return false
		}
	}
	return true
}

// Broadcast sends payload to every component currently Running. It is
// best-effort: partial delivery returns the per-component errors
// alongside the count actually sent, never a total failure.
func (d *Directory) Broadcast(ctx context.Context, payload []byte) (int, error) {
	targets := make([]domain.ComponentInfo, 0)
	d.mu.RLock()
	for _, info := range d.components {
		if info.Status == domain.StatusRunning {
			targets = append(targets, *info)
		}
	}
	d.mu.RUnlock()

	sent := 0
	var errs error
	for _, target := range targets {
		msg := transport.NewMessage(transport.FrameOneway, d.config.Self, target.ID, payload)
		if _, err := d.client.Send(ctx, target.ChannelPath, msg); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		sent++
	}
	return sent, errs
}

// Subscribe registers an observer for status-change events. The
// channel is closed on directory shutdown.
func (d *Directory) Subscribe() chan domain.StatusEvent {
	ch := make(chan domain.StatusEvent, eventBufferSize)
	d.mu.Lock()
	d.observers[ch] = struct{}{}
	d.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes an observer channel.
func (d *Directory) Unsubscribe(ch chan domain.StatusEvent) {
	d.mu.Lock()
	if _, ok := d.observers[ch]; ok {
		delete(d.observers, ch)
		close(ch)
	}
	d.mu.Unlock()
}

// addEndpoint registers a newly seen endpoint in Starting state.
func (d *Directory) addEndpoint(id domain.ComponentID, path string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if existing, ok := d.components[id]; ok {
		if !existing.Status.Terminal() {
			existing.ChannelPath = path
			return
		}
		// A terminal component whose endpoint reappeared is a restart:
		// begin a fresh lifecycle.
		prev := existing.Status
		d.components[id] = &domain.ComponentInfo{
			ID:          id,
			ChannelPath: path,
			Status:      domain.StatusStarting,
		}
		d.notifyLocked(id, prev, domain.StatusStarting)
		return
	}

	d.components[id] = &domain.ComponentInfo{
		ID:          id,
		ChannelPath: path,
		Status:      domain.StatusStarting,
	}
	d.logger.Info("component endpoint discovered",
		zap.Stringer("component", id),
		zap.String("path", path))
	d.notifyLocked(id, domain.StatusUnknown, domain.StatusStarting)
}

// removeEndpoint handles a socket disappearing from the channel
// directory. A clean disappearance is a stop, not a failure.
func (d *Directory) removeEndpoint(path string) {
	name := strings.TrimSuffix(filepath.Base(path), socketSuffix)
	id, err := domain.ParseComponentID(name)
	if err != nil {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	info, ok := d.components[id]
	if !ok {
		return
	}
	prev := info.Status
	if info.Status == domain.StatusRunning {
		info.Status = domain.StatusStopping
		d.notifyLocked(id, prev, domain.StatusStopping)
		prev = domain.StatusStopping
	}
	if info.Status == domain.StatusStopping || info.Status == domain.StatusStarting {
		next := domain.StatusStopped
		if info.Status == domain.StatusStarting {
			// Vanished before ever answering a heartbeat.
			next = domain.StatusFailed
		}
		info.Status = next
		d.notifyLocked(id, prev, next)
	}
	d.logger.Info("component endpoint removed",
		zap.Stringer("component", id),
		zap.Stringer("status", info.Status))
}

// notifyLocked fans the event out to observers without blocking a
// transition on a slow consumer.
func (d *Directory) notifyLocked(id domain.ComponentID, prev, next domain.ComponentStatus) {
	info := d.components[id]
	event := domain.StatusEvent{
		Component: id,
		Previous:  prev,
		Current:   next,
		At:        time.Now(),
	}
	if info != nil {
		event.Info = *info
	}
	for ch := range d.observers {
		select {
		case ch <- event:
		default:
		}
	}
}

func (d *Directory) watchLoop(ctx context.Context) {
	defer d.wg.Done()

	rescan := time.NewTicker(d.config.DiscoveryInterval)
	defer rescan.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(event.Name, socketSuffix) {
				continue
			}
			switch {
			case event.Op.Has(fsnotify.Create):
				name := strings.TrimSuffix(filepath.Base(event.Name), socketSuffix)
				if id, err := domain.ParseComponentID(name); err == nil && id != d.config.Self {
					d.addEndpoint(id, event.Name)
				}
			case event.Op.Has(fsnotify.Remove), event.Op.Has(fsnotify.Rename):
				d.removeEndpoint(event.Name)
			}
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.logger.Warn("channel watch error", zap.Error(err))
		case <-rescan.C:
			if err := d.Discover(ctx); err != nil && ctx.Err() == nil {
				d.logger.Warn("periodic rescan failed", zap.Error(err))
			}
		}
	}
}

// sweepLoop probes every non-terminal component and applies the
// heartbeat state machine.
func (d *Directory) sweepLoop(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.sweep(ctx)
		}
	}
}

func (d *Directory) sweep(ctx context.Context) {
	d.mu.RLock()
	targets := make([]domain.ComponentInfo, 0, len(d.components))
	for _, info := range d.components {
		if !info.Status.Terminal() {
			targets = append(targets, *info)
		}
	}
	d.mu.RUnlock()

	for _, target := range targets {
		if ctx.Err() != nil {
			return
		}
		pid, err := d.client.Heartbeat(ctx, target.ChannelPath, d.config.Self, target.ID)
		d.applyHeartbeat(target.ID, pid, err)
	}
}

func (d *Directory) applyHeartbeat(id domain.ComponentID, pid int, probeErr error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	info, ok := d.components[id]
	if !ok || info.Status.Terminal() {
		return
	}

	if probeErr == nil {
		info.LastHeartbeat = time.Now()
		info.ProcessID = pid
		if info.Status == domain.StatusStarting {
			info.Status = domain.StatusRunning
			d.notifyLocked(id, domain.StatusStarting, domain.StatusRunning)
			d.logger.Info("component running", zap.Stringer("component", id), zap.Int("pid", pid))
		}
		return
	}

	// No heartbeat: fail the component once the timeout elapses.
	// LastHeartbeat zero means it never answered; measure from nothing
	// only after the timeout grace from discovery.
	deadline := info.LastHeartbeat.Add(d.config.HeartbeatTimeout)
	if !info.LastHeartbeat.IsZero() && time.Now().Before(deadline) {
		return
	}
	if info.LastHeartbeat.IsZero() && info.Status == domain.StatusStarting {
		// Give a starting component one full timeout before declaring
		// it failed.
		info.LastHeartbeat = time.Now()
		return
	}

	prev := info.Status
	info.Status = domain.StatusFailed
	d.notifyLocked(id, prev, domain.StatusFailed)
	d.logger.Warn("component failed heartbeat",
		zap.Stringer("component", id),
		zap.Error(probeErr))
}

// Prune removes terminal components that have been silent past the
// heartbeat timeout, bounding directory growth across restarts.
func (d *Directory) Prune() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	removed := 0
	cutoff := time.Now().Add(-d.config.HeartbeatTimeout)
	for id, info := range d.components {
		if info.Status.Terminal() && info.LastHeartbeat.Before(cutoff) {
			delete(d.components, id)
			removed++
		}
	}
	return removed
}

// String implements fmt.Stringer for debug logging.
func (d *Directory) String() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return fmt.Sprintf("directory(%d components)", len(d.components))
}
