// Package countdown publishes the time left until a deadline to a target,
// once per second, and calls a function when the deadline is reached.
//
// The deadline timer and the publishing loop are independent: stopping the
// updates does not stop the deadline.
package countdown

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"rulekit/pkg/logx"
	"rulekit/pkg/looping"
	"rulekit/pkg/scheduler"
	"rulekit/pkg/sink"
	"rulekit/pkg/when"
)

// Format selects how the remaining time is rendered.
type Format uint8

const (
	// FormatSeconds publishes whole seconds, e.g. "90".
	FormatSeconds Format = iota
	// FormatClock publishes "H:MM:SS", prefixed with "D day(s), " when at
	// least one day is left.
	FormatClock
)

// ParseFormat accepts "seconds" (or empty) and "clock".
func ParseFormat(s string) (Format, error) {
	switch s {
	case "", "seconds":
		return FormatSeconds, nil
	case "clock":
		return FormatClock, nil
	default:
		return 0, fmt.Errorf("countdown: unknown format %q", s)
	}
}

type Option func(*Countdown)

func WithLogger(l logx.Logger) Option        { return func(c *Countdown) { c.log = l } }
func WithFormat(f Format) Option             { return func(c *Countdown) { c.format = f } }
func WithName(name string) Option            { return func(c *Countdown) { c.name = name } }
func WithContext(ctx context.Context) Option { return func(c *Countdown) { c.ctx = ctx } }

type Countdown struct {
	sched  scheduler.Scheduler
	sink   sink.Sink
	log    logx.Logger
	ctx    context.Context
	target string
	format Format
	name   string

	// mu is held while publishing so published values stay ordered. The
	// sink must not call back into the Countdown.
	mu        sync.Mutex
	remaining time.Duration
	cancelled bool

	deadline scheduler.Handle
	loop     *looping.Timer
}

// New starts a countdown to deadline. The first value is published before
// New returns.
func New(sched scheduler.Scheduler, s sink.Sink, deadline when.When, onDeadline func(), target string, opts ...Option) *Countdown {
	c := &Countdown{sched: sched, sink: s, target: target, ctx: context.Background()}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.OrNop()
	if c.name == "" {
		c.name = "countdown:" + target
	}

	now := sched.Now()
	at := deadline.Resolve(now)
	c.remaining = at.Sub(now)

	c.deadline = sched.ScheduleAt(at, func() {
		c.log.Debug("countdown deadline reached", logx.String("countdown", c.name))
		if onDeadline != nil {
			onDeadline()
		}
	}, c.name+":deadline")

	c.loop = looping.New(sched, looping.WithLogger(c.log))
	// iterate always asks for a run one second ahead, so ErrNotInFuture
	// cannot happen here.
	_ = c.loop.Loop(c.iterate, when.When{}, c.name)

	c.log.Debug("countdown started",
		logx.String("countdown", c.name),
		logx.String("target", target),
		logx.Time("deadline", at),
	)
	return c
}

// Cancel publishes zero once, stops the updates and cancels the deadline. It
// reports whether the deadline was still pending.
func (c *Countdown) Cancel() bool {
	c.mu.Lock()
	if c.cancelled {
		c.mu.Unlock()
		return c.deadline.Cancel()
	}
	c.cancelled = true
	c.remaining = 0
	c.publish(0)
	c.mu.Unlock()

	c.loop.Cancel()
	return c.deadline.Cancel()
}

// StopPublishing stops the updates but leaves the deadline armed.
func (c *Countdown) StopPublishing() bool {
	return c.loop.Cancel()
}

// HasTerminated reports whether the deadline fired or was cancelled.
func (c *Countdown) HasTerminated() bool { return c.deadline.HasTerminated() }

// Remaining is the time left as last accounted by the publishing loop.
func (c *Countdown) Remaining() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remaining
}

func (c *Countdown) iterate() (when.When, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancelled {
		return when.When{}, false
	}

	rem := max(c.remaining, 0)
	c.publish(rem)
	if rem == 0 {
		return when.When{}, false
	}
	c.remaining = rem - min(rem, time.Second)
	return when.In(time.Second), true
}

// publish must be called with c.mu held.
func (c *Countdown) publish(rem time.Duration) {
	value := c.render(rem)
	if err := c.sink.PostUpdate(c.ctx, c.target, value); err != nil {
		c.log.Warn("countdown publish failed",
			logx.String("countdown", c.name),
			logx.String("target", c.target),
			logx.Err(err),
		)
	}
}

func (c *Countdown) render(rem time.Duration) string {
	if c.format == FormatClock {
		return FormatRemaining(rem)
	}
	return strconv.FormatInt(int64(rem/time.Second), 10)
}

// FormatRemaining renders d as "H:MM:SS", or "D day(s), H:MM:SS" when d is
// at least a day. Fractions of a second are dropped; negative values render
// as zero.
func FormatRemaining(d time.Duration) string {
	secs := int64(max(d, 0) / time.Second)
	days := secs / 86400
	secs %= 86400
	clock := fmt.Sprintf("%d:%02d:%02d", secs/3600, secs%3600/60, secs%60)
	switch {
	case days == 1:
		return "1 day, " + clock
	case days > 1:
		return fmt.Sprintf("%d days, %s", days, clock)
	default:
		return clock
	}
}
