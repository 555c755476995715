// Package timermgr keeps at most one scheduled timer per key.
//
// A second Check for a key whose timer has not terminated is treated as
// "flapping": depending on the Policy the timer is either moved or
// cancelled, and the caller's onAlreadyPending callback runs. A timer whose
// callback is executing has not terminated yet, so a callback that wants to
// register its own key again must Cancel it first.
package timermgr

import (
	"fmt"
	"sync"
	"time"

	"rulekit/pkg/logx"
	"rulekit/pkg/scheduler"
	"rulekit/pkg/when"
)

// Policy decides what a Check does when the key already has a pending timer.
type Policy uint8

const (
	// CancelOnRetrigger cancels the pending timer and forgets the key.
	CancelOnRetrigger Policy = iota
	// Reschedule moves the pending timer to the new time. The onExpire from
	// the original registration is kept.
	Reschedule
)

func (p Policy) String() string {
	if p == Reschedule {
		return "reschedule"
	}
	return "cancel_on_retrigger"
}

// Outcome reports what a Check did.
type Outcome uint8

const (
	Created Outcome = iota
	Rescheduled
	Cancelled
)

func (o Outcome) String() string {
	switch o {
	case Created:
		return "created"
	case Rescheduled:
		return "rescheduled"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

type Option func(*options)

type options struct {
	log  logx.Logger
	name string
}

func WithLogger(l logx.Logger) Option { return func(o *options) { o.log = l } }

// WithName prefixes generated timer names (default "timer").
func WithName(name string) Option { return func(o *options) { o.name = name } }

type entry struct {
	handle   scheduler.Handle
	onExpire func()
}

type Manager[K comparable] struct {
	sched scheduler.Scheduler
	log   logx.Logger
	name  string

	mu     sync.Mutex
	timers map[K]*entry
}

// New returns a Manager that arms timers on sched. sched must not invoke
// callbacks synchronously from ScheduleAt.
func New[K comparable](sched scheduler.Scheduler, opts ...Option) *Manager[K] {
	o := options{name: "timer"}
	for _, fn := range opts {
		fn(&o)
	}
	return &Manager[K]{
		sched:  sched,
		log:    o.log.OrNop(),
		name:   o.name,
		timers: map[K]*entry{},
	}
}

// Check creates, reschedules or cancels the timer for key.
//
// With no live timer, a timer is armed at `at` and onExpire runs when it
// fires; the key is forgotten afterwards even if onExpire panics. With a
// live timer, policy decides between moving it and cancelling it, and
// onAlreadyPending (if non-nil) is called before Check returns. A timer that
// is firing cannot be moved; it is forgotten and the outcome is Cancelled.
func (m *Manager[K]) Check(key K, at when.When, onExpire func(), policy Policy, onAlreadyPending func()) Outcome {
	target := at.Resolve(m.sched.Now())

	m.mu.Lock()
	out := Created
	if e, ok := m.timers[key]; ok && !e.handle.HasTerminated() {
		if policy == Reschedule && e.handle.Reschedule(target) {
			out = Rescheduled
		} else {
			e.handle.Cancel()
			delete(m.timers, key)
			out = Cancelled
		}
	}
	if out == Created {
		m.arm(key, target, onExpire)
	}
	m.mu.Unlock()

	m.log.Debug("timer checked",
		logx.String("timer", m.timerName(key)),
		logx.String("outcome", out.String()),
		logx.Time("at", target),
	)
	if out != Created && onAlreadyPending != nil {
		onAlreadyPending()
	}
	return out
}

// arm must be called with m.mu held.
func (m *Manager[K]) arm(key K, at time.Time, onExpire func()) {
	e := &entry{onExpire: onExpire}
	e.handle = m.sched.ScheduleAt(at, func() {
		defer m.forget(key, e)
		if e.onExpire != nil {
			e.onExpire()
		}
	}, m.timerName(key))
	m.timers[key] = e
}

// forget drops key only if it still maps to e, so a callback that registered
// the same key again keeps its new entry.
func (m *Manager[K]) forget(key K, e *entry) {
	m.mu.Lock()
	if cur, ok := m.timers[key]; ok && cur == e {
		delete(m.timers, key)
	}
	m.mu.Unlock()
}

// HasTimer reports whether key has a timer that has neither fired nor been
// cancelled. A timer whose callback is running still counts.
func (m *Manager[K]) HasTimer(key K) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.timers[key]
	return ok && !e.handle.HasTerminated()
}

// Cancel cancels and forgets the timer for key. Unknown keys are a no-op.
// It returns false if there was nothing pending to cancel.
func (m *Manager[K]) Cancel(key K) bool {
	m.mu.Lock()
	e, ok := m.timers[key]
	if ok {
		delete(m.timers, key)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	return e.handle.Cancel()
}

// CancelAll cancels every pending timer and returns how many were cancelled.
// Timers that already fired or are firing right now are left alone.
func (m *Manager[K]) CancelAll() int {
	m.mu.Lock()
	n := 0
	for key, e := range m.timers {
		if e.handle.HasTerminated() || e.handle.IsRunning() {
			continue
		}
		if e.handle.Cancel() {
			n++
		}
		delete(m.timers, key)
	}
	m.mu.Unlock()

	if n > 0 {
		m.log.Debug("timers cancelled", logx.String("manager", m.name), logx.Int("count", n))
	}
	return n
}

// Len is the number of keys with a live timer.
func (m *Manager[K]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.timers {
		if !e.handle.HasTerminated() {
			n++
		}
	}
	return n
}

func (m *Manager[K]) timerName(key K) string {
	return fmt.Sprintf("%s:%v", m.name, key)
}
