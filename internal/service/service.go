// Package service defines the lifecycle contract shared by long-lived
// runtime components.
package service

import (
	"context"
	"fmt"
	"sync/atomic"
)

// Status is a component lifecycle stage.
type Status int32

const (
	StatusCreated Status = iota
	StatusStarting
	StatusRunning
	StatusStopping
	StatusStopped
)

func (s Status) String() string {
	switch s {
	case StatusCreated:
		return "created"
	case StatusStarting:
		return "starting"
	case StatusRunning:
		return "running"
	case StatusStopping:
		return "stopping"
	case StatusStopped:
		return "stopped"
	default:
		return fmt.Sprintf("status(%d)", int32(s))
	}
}

// MarshalText renders the status name in JSON and YAML output.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Startable is a component with an explicit start/stop lifecycle. Stop
// honours ctx as the drain deadline.
type Startable interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Status() Status
}

// StatisticsProvider exposes a read-only snapshot.
type StatisticsProvider[S any] interface {
	Statistics() S
}

// Lifecycle is an atomic status holder.
type Lifecycle struct {
	status atomic.Int32
}

// Load returns the current status.
func (l *Lifecycle) Load() Status {
	return Status(l.status.Load())
}

// Transition moves from -> to and reports whether it won.
func (l *Lifecycle) Transition(from, to Status) bool {
	return l.status.CompareAndSwap(int32(from), int32(to))
}

// Set forces the status.
func (l *Lifecycle) Set(s Status) {
	l.status.Store(int32(s))
}

// Running reports whether the status is StatusRunning.
func (l *Lifecycle) Running() bool {
	return l.Load() == StatusRunning
}
