// Package ratelimit runs an action at most once per window, dropping calls
// that arrive while the window is open.
//
// Unlike golang.org/x/time/rate there is no bucket: each accepted call
// chooses how long the next window lasts.
package ratelimit

import (
	"sync"
	"time"

	"rulekit/pkg/scheduler"
	"rulekit/pkg/when"
)

type Limiter struct {
	clock scheduler.Clock

	mu    sync.Mutex
	until time.Time
}

// New returns a Limiter whose first Run always executes. A nil clock means
// the wall clock.
func New(clock scheduler.Clock) *Limiter {
	if clock == nil {
		clock = scheduler.SystemClock
	}
	return &Limiter{clock: clock, until: clock.Now().Add(-time.Second)}
}

// Run executes action if the previous window has closed, opening a new
// window that ends at next. It reports whether action ran. The window is
// set before action runs, so a panicking action still consumes it.
func (l *Limiter) Run(action func(), next when.When) bool {
	l.mu.Lock()
	now := l.clock.Now()
	if !now.After(l.until) {
		l.mu.Unlock()
		return false
	}
	l.until = next.Resolve(now)
	l.mu.Unlock()

	if action != nil {
		action()
	}
	return true
}

// Until is the end of the current window.
func (l *Limiter) Until() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.until
}
