// Package capi is the stable foreign-caller boundary of the registry.
// Callers hold opaque uint64 handles instead of Go pointers, every
// operation returns a ResultCode, and no internal type crosses the
// boundary. The surface is deliberately flat so bindings in other
// languages stay mechanical.
package capi

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yairfalse/flowreg/pkg/config"
	"github.com/yairfalse/flowreg/pkg/domain"
	"github.com/yairfalse/flowreg/pkg/logging"
	"github.com/yairfalse/flowreg/pkg/metrics"
	"github.com/yairfalse/flowreg/pkg/registry"
)

// ResultCode is the stable status vocabulary of the boundary.
type ResultCode int32

const (
	ResultOK ResultCode = iota
	ResultInvalidHandle
	ResultInitFailed
	ResultStartFailed
	ResultStopFailed
	ResultLookupFailed
	ResultRegistrationFailed
	ResultCoordinationFailed
	ResultInvalidParameter
	ResultSystemUnhealthy
)

var resultNames = map[ResultCode]string{
	ResultOK:                 "ok",
	ResultInvalidHandle:      "invalid-handle",
	ResultInitFailed:         "init-failed",
	ResultStartFailed:        "start-failed",
	ResultStopFailed:         "stop-failed",
	ResultLookupFailed:       "lookup-failed",
	ResultRegistrationFailed: "registration-failed",
	ResultCoordinationFailed: "coordination-failed",
	ResultInvalidParameter:   "invalid-parameter",
	ResultSystemUnhealthy:    "system-unhealthy",
}

func (r ResultCode) String() string {
	if name, ok := resultNames[r]; ok {
		return name
	}
	return "unknown"
}

// instance is the per-handle state.
type instance struct {
	registry *registry.Registry
	exporter *metrics.Exporter

	subMu sync.Mutex
	subs  map[uint64]chan domain.StatusEvent
	subID uint64
}

var (
	handlesMu  sync.RWMutex
	handles    = make(map[uint64]*instance)
	nextHandle atomic.Uint64
)

func get(handle uint64) (*instance, bool) {
	handlesMu.RLock()
	defer handlesMu.RUnlock()
	inst, ok := handles[handle]
	return inst, ok
}

// Create builds a registry with default configuration and returns its
// handle.
func Create() (uint64, ResultCode) {
	return CreateWithConfig(nil)
}

// CreateWithConfig builds a registry from cfg; nil means defaults.
func CreateWithConfig(cfg *config.Config) (uint64, ResultCode) {
	if cfg == nil {
		cfg = config.Default()
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return 0, ResultInitFailed
	}

	reg, err := registry.New(cfg, logger)
	if err != nil {
		return 0, ResultInitFailed
	}
	exporter, err := metrics.NewExporter(reg)
	if err != nil {
		return 0, ResultInitFailed
	}

	handle := nextHandle.Add(1)
	handlesMu.Lock()
	handles[handle] = &instance{
		registry: reg,
		exporter: exporter,
		subs:     make(map[uint64]chan domain.StatusEvent),
	}
	handlesMu.Unlock()
	return handle, ResultOK
}

// Destroy stops the registry if running and releases the handle.
// The handle is invalid afterwards regardless of the result.
func Destroy(handle uint64) ResultCode {
	handlesMu.Lock()
	inst, ok := handles[handle]
	delete(handles, handle)
	handlesMu.Unlock()
	if !ok {
		return ResultInvalidHandle
	}

	inst.subMu.Lock()
	for id, ch := range inst.subs {
		inst.registry.UnsubscribeStatus(ch)
		delete(inst.subs, id)
	}
	inst.subMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := inst.registry.Stop(ctx); err != nil {
		return ResultStopFailed
	}
	return ResultOK
}

// Start brings up the registry's endpoint and discovery.
func Start(handle uint64) ResultCode {
	inst, ok := get(handle)
	if !ok {
		return ResultInvalidHandle
	}
	if err := inst.registry.Start(context.Background()); err != nil {
		return ResultStartFailed
	}
	return ResultOK
}

// Stop drains and closes the registry's endpoint.
func Stop(handle uint64) ResultCode {
	inst, ok := get(handle)
	if !ok {
		return ResultInvalidHandle
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := inst.registry.Stop(ctx); err != nil {
		return ResultStopFailed
	}
	return ResultOK
}

// Lookup reports whether the raw key is registered. Keys longer than
// the native width are folded exactly as RegisterFlow folds them.
func Lookup(handle uint64, rawKey []byte) (bool, ResultCode) {
	inst, ok := get(handle)
	if !ok {
		return false, ResultInvalidHandle
	}
	if len(rawKey) == 0 {
		return false, ResultInvalidParameter
	}
	return inst.registry.Lookup(domain.NewFlowKey(rawKey)), ResultOK
}

// RegisterFlow registers a flow described by its raw fields.
func RegisterFlow(handle uint64, rawKey []byte, component, flowType, priority uint8, size uint32) ResultCode {
	inst, ok := get(handle)
	if !ok {
		return ResultInvalidHandle
	}
	if len(rawKey) == 0 {
		return ResultInvalidParameter
	}

	rec := domain.FlowRecord{
		Key:       domain.NewFlowKey(rawKey),
		Component: domain.ComponentID(component),
		Type:      domain.FlowType(flowType),
		Timestamp: domain.MonotonicNow(),
		Size:      size,
		Priority:  priority,
	}
	if err := inst.registry.RegisterFlow(rec); err != nil {
		if domain.IsValidation(err) {
			return ResultInvalidParameter
		}
		return ResultRegistrationFailed
	}
	return ResultOK
}

// RemoveFlow removes the flow for the raw key. Removing an absent key
// is not an error.
func RemoveFlow(handle uint64, rawKey []byte) (bool, ResultCode) {
	inst, ok := get(handle)
	if !ok {
		return false, ResultInvalidHandle
	}
	if len(rawKey) == 0 {
		return false, ResultInvalidParameter
	}
	return inst.registry.RemoveFlow(domain.NewFlowKey(rawKey)), ResultOK
}

// CoordinateLocal sends payload to the named component.
func CoordinateLocal(handle uint64, component uint8, payload []byte) ResultCode {
	inst, ok := get(handle)
	if !ok {
		return ResultInvalidHandle
	}
	target := domain.ComponentID(component)
	if !target.Valid() || target == domain.ComponentUnknown {
		return ResultInvalidParameter
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := inst.registry.CoordinateLocal(ctx, target, payload); err != nil {
		return ResultCoordinationFailed
	}
	return ResultOK
}

// HealthCheck returns ResultOK only while the registry is healthy.
func HealthCheck(handle uint64) ResultCode {
	inst, ok := get(handle)
	if !ok {
		return ResultInvalidHandle
	}
	if !inst.registry.HealthCheck() {
		return ResultSystemUnhealthy
	}
	return ResultOK
}

// GetPerformanceStats returns a stats snapshot.
func GetPerformanceStats(handle uint64) (registry.PerformanceStats, ResultCode) {
	inst, ok := get(handle)
	if !ok {
		return registry.PerformanceStats{}, ResultInvalidHandle
	}
	return inst.registry.PerformanceStats(), ResultOK
}

// GetComponents copies up to max component snapshots into out and
// returns how many were written.
func GetComponents(handle uint64, out []domain.ComponentInfo) (int, ResultCode) {
	inst, ok := get(handle)
	if !ok {
		return 0, ResultInvalidHandle
	}
	n := copy(out, inst.registry.Components())
	return n, ResultOK
}

// ExportMetrics renders Prometheus text metrics into the caller's
// buffer and returns the byte count. A buffer too small for the full
// exposition is an InvalidParameter; nothing partial is written.
func ExportMetrics(handle uint64, buf []byte) (int, ResultCode) {
	inst, ok := get(handle)
	if !ok {
		return 0, ResultInvalidHandle
	}
	if len(buf) == 0 {
		return 0, ResultInvalidParameter
	}

	var rendered bytes.Buffer
	if _, err := inst.exporter.WriteText(&rendered); err != nil {
		return 0, ResultSystemUnhealthy
	}
	if rendered.Len() > len(buf) {
		return rendered.Len(), ResultInvalidParameter
	}
	return copy(buf, rendered.Bytes()), ResultOK
}

// SubscribeStatus registers a status observer and returns its
// subscription id along with the event channel.
func SubscribeStatus(handle uint64) (uint64, <-chan domain.StatusEvent, ResultCode) {
	inst, ok := get(handle)
	if !ok {
		return 0, nil, ResultInvalidHandle
	}

	ch := inst.registry.SubscribeStatus()
	inst.subMu.Lock()
	inst.subID++
	id := inst.subID
	inst.subs[id] = ch
	inst.subMu.Unlock()
	return id, ch, ResultOK
}

// UnsubscribeStatus removes a status observer by subscription id.
func UnsubscribeStatus(handle, subscription uint64) ResultCode {
	inst, ok := get(handle)
	if !ok {
		return ResultInvalidHandle
	}

	inst.subMu.Lock()
	ch, found := inst.subs[subscription]
	delete(inst.subs, subscription)
	inst.subMu.Unlock()
	if !found {
		return ResultInvalidParameter
	}
	inst.registry.UnsubscribeStatus(ch)
	return ResultOK
}
