package domain

import (
	"fmt"
	"time"
)

// ComponentStatus is the lifecycle state of a discovered component.
type ComponentStatus uint8

const (
	StatusUnknown ComponentStatus = iota
	StatusStarting
	StatusRunning
	StatusStopping
	StatusStopped
	StatusFailed
)

var statusNames = map[ComponentStatus]string{
	StatusUnknown:  "unknown",
	StatusStarting: "starting",
	StatusRunning:  "running",
	StatusStopping: "stopping",
	StatusStopped:  "stopped",
	StatusFailed:   "failed",
}

// String returns the lowercase status name.
func (s ComponentStatus) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

// Terminal reports whether no further transitions are allowed.
func (s ComponentStatus) Terminal() bool {
	return s == StatusStopped || s == StatusFailed
}

// CanTransition reports whether the state machine allows moving from s
// to next. Failed is reachable from any non-terminal state; otherwise
// states advance in order.
func (s ComponentStatus) CanTransition(next ComponentStatus) bool {
	if s.Terminal() {
		return false
	}
	if next == StatusFailed {
		return true
	}
	switch s {
	case StatusUnknown:
		return next == StatusStarting
	case StatusStarting:
		return next == StatusRunning
	case StatusRunning:
		return next == StatusStopping
	case StatusStopping:
		return next == StatusStopped
	}
	return false
}

// ComponentInfo describes one locally discovered component. The
// directory owns these exclusively; callers only ever see copies.
type ComponentInfo struct {
	ID            ComponentID
	ChannelPath   string
	ProcessID     int
	Status        ComponentStatus
	LastHeartbeat time.Time
}

// StatusEvent is delivered to directory observers whenever a component
// changes state.
type StatusEvent struct {
	Component ComponentID
	Previous  ComponentStatus
	Current   ComponentStatus
	Info      ComponentInfo
	At        time.Time
}
