// Package looping runs a function repeatedly, each run choosing when the
// next one happens.
package looping

import (
	"errors"
	"fmt"
	"sync"

	"rulekit/pkg/logx"
	"rulekit/pkg/scheduler"
	"rulekit/pkg/when"
)

// ErrNotInFuture means a loop function asked for a next run that is not
// strictly after now. That is a bug in the loop function.
var ErrNotInFuture = errors.New("looping: next run is not in the future")

// Func is one iteration. Returning ok == false stops the loop.
type Func func() (next when.When, ok bool)

type Option func(*Timer)

func WithLogger(l logx.Logger) Option { return func(t *Timer) { t.log = l } }

// Timer drives one loop at a time. Calling Loop again restarts it.
type Timer struct {
	sched scheduler.Scheduler
	log   logx.Logger

	mu     sync.Mutex
	fn     Func
	name   string
	handle scheduler.Handle
	gen    uint64 // bumped by Loop and Cancel; stale iterations do not re-arm
}

func New(sched scheduler.Scheduler, opts ...Option) *Timer {
	t := &Timer{sched: sched}
	for _, opt := range opts {
		opt(t)
	}
	t.log = t.log.OrNop()
	return t
}

// Loop (re)starts the loop. With a zero initial the first iteration runs
// before Loop returns, and its ErrNotInFuture (if any) is returned. Later
// iterations run on the scheduler and panic with ErrNotInFuture instead.
func (t *Timer) Loop(fn Func, initial when.When, name string) error {
	if fn == nil {
		return errors.New("looping: nil func")
	}

	t.mu.Lock()
	t.gen++
	gen := t.gen
	prev := t.handle
	t.handle = nil
	t.fn = fn
	t.name = name
	t.mu.Unlock()

	if prev != nil {
		prev.Cancel()
	}
	t.log.Debug("loop started", logx.String("loop", name), logx.String("initial", initial.String()))

	if initial.IsZero() {
		return t.iterate(gen)
	}

	at := initial.Resolve(t.sched.Now())
	t.mu.Lock()
	if t.gen == gen {
		t.handle = t.sched.ScheduleAt(at, func() { t.fire(gen) }, name)
	}
	t.mu.Unlock()
	return nil
}

// Cancel stops the loop: the pending run is cancelled and a run that is
// executing right now will not schedule another. It reports whether a live
// loop was stopped.
func (t *Timer) Cancel() bool {
	t.mu.Lock()
	t.gen++
	h := t.handle
	t.handle = nil
	name := t.name
	t.mu.Unlock()

	if h == nil {
		return false
	}
	live := !h.HasTerminated()
	h.Cancel()
	if live {
		t.log.Debug("loop cancelled", logx.String("loop", name))
	}
	return live
}

// HasTerminated reports whether no run is pending: the loop was never
// started, stopped itself, or was cancelled.
func (t *Timer) HasTerminated() bool {
	t.mu.Lock()
	h := t.handle
	t.mu.Unlock()
	return h == nil || h.HasTerminated()
}

func (t *Timer) fire(gen uint64) {
	if err := t.iterate(gen); err != nil {
		panic(err)
	}
}

func (t *Timer) iterate(gen uint64) error {
	t.mu.Lock()
	if t.gen != gen {
		t.mu.Unlock()
		return nil
	}
	fn, name := t.fn, t.name
	t.mu.Unlock()

	next, ok := fn()
	now := t.sched.Now()

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.gen != gen {
		// cancelled or restarted while fn ran
		return nil
	}
	if !ok {
		t.handle = nil
		t.log.Debug("loop finished", logx.String("loop", name))
		return nil
	}
	at := next.Resolve(now)
	if !at.After(now) {
		t.handle = nil
		return fmt.Errorf("%w: loop %q asked for %s at %s", ErrNotInFuture, name, at.Format("15:04:05.000"), now.Format("15:04:05.000"))
	}
	t.handle = t.sched.ScheduleAt(at, func() { t.fire(gen) }, name)
	return nil
}
