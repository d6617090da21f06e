package domain

import (
	"fmt"
	"time"
)

// ComponentID identifies one of the local system components that talk
// to the registry.
type ComponentID uint8

const (
	ComponentUnknown ComponentID = iota
	ComponentTransport
	ComponentConsensus
	ComponentContainer
	ComponentSecurity
	ComponentOrchestration
	ComponentNetworking
	ComponentScheduler
)

var componentNames = map[ComponentID]string{
	ComponentUnknown:       "unknown",
	ComponentTransport:     "transport",
	ComponentConsensus:     "consensus",
	ComponentContainer:     "container",
	ComponentSecurity:      "security",
	ComponentOrchestration: "orchestration",
	ComponentNetworking:    "networking",
	ComponentScheduler:     "scheduler",
}

// String returns the canonical lowercase name of the component.
func (c ComponentID) String() string {
	if name, ok := componentNames[c]; ok {
		return name
	}
	return fmt.Sprintf("component(%d)", uint8(c))
}

// Valid reports whether the component is a known, non-zero member of
// the component set.
func (c ComponentID) Valid() bool {
	return c > ComponentUnknown && c <= ComponentScheduler
}

// ParseComponentID maps a canonical name back to its ComponentID.
func ParseComponentID(s string) (ComponentID, error) {
	for id, name := range componentNames {
		if name == s && id != ComponentUnknown {
			return id, nil
		}
	}
	return ComponentUnknown, fmt.Errorf("unknown component %q", s)
}

// AllComponents lists every valid component, in enum order.
func AllComponents() []ComponentID {
	return []ComponentID{
		ComponentTransport,
		ComponentConsensus,
		ComponentContainer,
		ComponentSecurity,
		ComponentOrchestration,
		ComponentNetworking,
		ComponentScheduler,
	}
}

// FlowType classifies what a flow carries.
type FlowType uint8

const (
	FlowComponentCommand FlowType = iota
	FlowDataTransfer
	FlowEventNotification
	FlowMetricsCollection
	FlowSecurityEvent
	FlowHealthCheck
)

var flowTypeNames = map[FlowType]string{
	FlowComponentCommand:  "component-command",
	FlowDataTransfer:      "data-transfer",
	FlowEventNotification: "event-notification",
	FlowMetricsCollection: "metrics-collection",
	FlowSecurityEvent:     "security-event",
	FlowHealthCheck:       "health-check",
}

// String returns the canonical name of the flow type.
func (f FlowType) String() string {
	if name, ok := flowTypeNames[f]; ok {
		return name
	}
	return fmt.Sprintf("flow(%d)", uint8(f))
}

// Valid reports whether the flow type is a known member of the set.
func (f FlowType) Valid() bool {
	return f <= FlowHealthCheck
}

// ParseFlowType maps a canonical name back to its FlowType.
func ParseFlowType(s string) (FlowType, error) {
	for ft, name := range flowTypeNames {
		if name == s {
			return ft, nil
		}
	}
	return 0, fmt.Errorf("unknown flow type %q", s)
}

// MaxPriority is the highest (most urgent) flow priority.
const MaxPriority = 7

// FlowRecord is the fixed, small shape held per registered flow. The
// key is immutable once inserted; a re-registration with the same key
// overwrites attributes but not identity.
type FlowRecord struct {
	Key       FlowKey
	Component ComponentID
	Type      FlowType
	Timestamp int64 // monotonic nanoseconds at registration
	Size      uint32
	Priority  uint8
}

// NewFlowRecord builds a record stamped with the current monotonic
// clock reading.
func NewFlowRecord(key FlowKey, component ComponentID, flowType FlowType, size uint32, priority uint8) FlowRecord {
	return FlowRecord{
		Key:       key,
		Component: component,
		Type:      flowType,
		Timestamp: MonotonicNow(),
		Size:      size,
		Priority:  priority,
	}
}

// Validate rejects malformed records before they touch shared state.
func (r FlowRecord) Validate() error {
	if r.Key.IsZero() {
		return &ValidationError{Field: "key", Reason: "key must not be all zero"}
	}
	if !r.Component.Valid() {
		return &ValidationError{Field: "component", Reason: fmt.Sprintf("invalid component id %d", r.Component)}
	}
	if !r.Type.Valid() {
		return &ValidationError{Field: "flow_type", Reason: fmt.Sprintf("invalid flow type %d", r.Type)}
	}
	if r.Priority > MaxPriority {
		return &ValidationError{Field: "priority", Reason: fmt.Sprintf("priority %d exceeds maximum %d", r.Priority, MaxPriority)}
	}
	return nil
}

var processStart = time.Now()

// MonotonicNow returns nanoseconds elapsed on the monotonic clock since
// process start. Wall-clock jumps do not affect it.
func MonotonicNow() int64 {
	return int64(time.Since(processStart))
}
