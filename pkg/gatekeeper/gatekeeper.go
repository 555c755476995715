// Package gatekeeper runs commands one at a time, in order, with a pause
// after each one.
//
// The pause is measured from the start of a command, so the time an action
// takes is subtracted from its pause (never below zero). The pause after the
// last command is still honoured by commands added later.
package gatekeeper

import (
	"sync"

	"rulekit/pkg/logx"
	"rulekit/pkg/scheduler"
	"rulekit/pkg/when"
)

type Option func(*Gatekeeper)

func WithLogger(l logx.Logger) Option { return func(g *Gatekeeper) { g.log = l } }
func WithName(name string) Option     { return func(g *Gatekeeper) { g.name = name } }

type command struct {
	pause  when.When
	action func()
}

type Gatekeeper struct {
	sched scheduler.Scheduler
	log   logx.Logger
	name  string

	mu    sync.Mutex
	queue []command
	timer scheduler.Handle
	busy  bool // an action is executing
}

func New(sched scheduler.Scheduler, opts ...Option) *Gatekeeper {
	g := &Gatekeeper{sched: sched, name: "gatekeeper"}
	for _, opt := range opts {
		opt(g)
	}
	g.log = g.log.OrNop()
	return g
}

// AddCommand queues action. If nothing is running and no pause is in
// effect, action runs before AddCommand returns. Called from inside an
// action it only queues.
func (g *Gatekeeper) AddCommand(pause when.When, action func()) {
	if action == nil {
		action = func() {}
	}

	g.mu.Lock()
	g.queue = append(g.queue, command{pause: pause, action: action})
	idle := !g.busy && (g.timer == nil || g.timer.HasTerminated())
	if idle {
		g.busy = true
	}
	depth := len(g.queue)
	g.mu.Unlock()

	g.log.Trace("command queued", logx.String("gatekeeper", g.name), logx.Int("queued", depth), logx.Bool("immediate", idle))
	if idle {
		g.runNext()
	}
}

// CancelAll drops every queued command and the pending pause. A command
// that is executing right now finishes. It returns the number of commands
// dropped.
func (g *Gatekeeper) CancelAll() int {
	g.mu.Lock()
	n := len(g.queue)
	g.queue = nil
	if g.timer != nil {
		g.timer.Cancel()
		g.timer = nil
	}
	g.mu.Unlock()

	g.log.Debug("gatekeeper cleared", logx.String("gatekeeper", g.name), logx.Int("dropped", n))
	return n
}

// Len is the number of commands waiting to run.
func (g *Gatekeeper) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.queue)
}

func (g *Gatekeeper) runNext() {
	g.mu.Lock()
	if len(g.queue) == 0 {
		g.busy = false
		g.timer = nil
		g.mu.Unlock()
		return
	}
	cmd := g.queue[0]
	g.queue[0] = command{}
	g.queue = g.queue[1:]
	g.busy = true
	g.mu.Unlock()

	before := g.sched.Now()
	// Arm the next step even if the action panics so the queue keeps moving.
	defer func() {
		after := g.sched.Now()
		elapsed := after.Sub(before)
		next := cmd.pause.Resolve(after).Add(-elapsed)
		if next.Before(after) {
			next = after
		}

		g.mu.Lock()
		g.timer = g.sched.ScheduleAt(next, g.runNext, g.name)
		g.busy = false
		g.mu.Unlock()

		g.log.Trace("command done",
			logx.String("gatekeeper", g.name),
			logx.Duration("took", elapsed),
			logx.Time("next", next),
		)
	}()
	cmd.action()
}
