// Package deferred sends a value to a target after a delay, keeping at most
// one pending value per target: a newer Defer replaces the older one.
package deferred

import (
	"context"
	"sync"

	"rulekit/pkg/logx"
	"rulekit/pkg/scheduler"
	"rulekit/pkg/sink"
	"rulekit/pkg/timermgr"
	"rulekit/pkg/when"
)

type Option func(*Deferred)

func WithLogger(l logx.Logger) Option { return func(d *Deferred) { d.log = l } }

// WithContext sets the context passed to the sink on delivery.
func WithContext(ctx context.Context) Option { return func(d *Deferred) { d.ctx = ctx } }

type Deferred struct {
	sched scheduler.Scheduler
	sink  sink.Sink
	log   logx.Logger
	ctx   context.Context

	mu     sync.Mutex // serializes cancel+check per call
	timers *timermgr.Manager[string]
}

func New(sched scheduler.Scheduler, s sink.Sink, opts ...Option) *Deferred {
	d := &Deferred{sched: sched, sink: s, ctx: context.Background()}
	for _, opt := range opts {
		opt(d)
	}
	d.log = d.log.OrNop()
	d.timers = timermgr.New[string](sched, timermgr.WithLogger(d.log), timermgr.WithName("deferred"))
	return d
}

// Defer delivers value to target at `at`, replacing anything already
// pending for target. A time in the past means "as soon as possible".
func (d *Deferred) Defer(target, value string, at when.When, kind sink.Kind) {
	now := d.sched.Now()
	due := at.Resolve(now)
	if due.Before(now) {
		due = now
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	replaced := d.timers.Cancel(target)
	d.timers.Check(target, when.At(due), func() { d.deliver(target, value, kind) }, timermgr.CancelOnRetrigger, nil)

	d.log.Debug("value deferred",
		logx.String("target", target),
		logx.String("value", value),
		logx.String("kind", kind.String()),
		logx.Time("due", due),
		logx.Bool("replaced", replaced),
	)
}

// Cancel drops the pending value for target, if any.
func (d *Deferred) Cancel(target string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.timers.Cancel(target)
}

// CancelAll drops every pending value and returns how many were dropped.
func (d *Deferred) CancelAll() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.timers.CancelAll()
}

// Pending reports whether target has a value waiting to be delivered.
func (d *Deferred) Pending(target string) bool {
	return d.timers.HasTimer(target)
}

// Len is the number of targets with a pending value.
func (d *Deferred) Len() int { return d.timers.Len() }

func (d *Deferred) deliver(target, value string, kind sink.Kind) {
	if err := sink.Dispatch(d.ctx, d.sink, kind, target, value); err != nil {
		d.log.Warn("deferred delivery failed",
			logx.String("target", target),
			logx.String("value", value),
			logx.Err(err),
		)
		return
	}
	d.log.Debug("deferred value delivered", logx.String("target", target), logx.String("value", value))
}
