package scheduler

import "time"

// State is the lifecycle state of a Handle.
type State uint8

const (
	StatePending State = iota
	StateFiring
	StateFired
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateFiring:
		return "firing"
	case StateFired:
		return "fired"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminated reports whether s is a final state (fired or cancelled).
func (s State) Terminated() bool { return s == StateFired || s == StateCancelled }

// Handle references one scheduled one-shot callback.
//
// Transitions: pending -> firing -> fired, or pending -> cancelled.
// A handle that is already firing cannot be cancelled: Cancel returns false
// and the callback runs to completion. Callers that must not race an
// in-flight callback check IsRunning first.
type Handle interface {
	// Name is advisory (logs/snapshots only).
	Name() string
	// At is the currently scheduled fire time.
	At() time.Time
	State() State

	// Cancel moves a pending handle to cancelled. It returns false if the
	// handle was not pending.
	Cancel() bool
	// Reschedule moves the fire time of a pending handle. It returns false
	// if the handle was not pending.
	Reschedule(at time.Time) bool

	// HasTerminated reports fired or cancelled.
	HasTerminated() bool
	// IsRunning reports whether the callback is executing right now.
	IsRunning() bool
}

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

// Scheduler is the single one-shot primitive everything else is built on:
// run fn at (or as soon as possible after) at.
type Scheduler interface {
	Clock
	ScheduleAt(at time.Time, fn func(), name string) Handle
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

// SystemClock is the wall clock.
var SystemClock Clock = ClockFunc(time.Now)
