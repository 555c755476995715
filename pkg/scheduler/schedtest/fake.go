// Package schedtest provides a deterministic, manually driven Scheduler for
// tests.
//
// Time only moves when the test calls Advance, AdvanceTo or Spend. Due
// handles fire synchronously inside Advance/AdvanceTo, ordered by fire time
// and then by creation order. Panics from callbacks propagate to the caller.
package schedtest

import (
	"sort"
	"sync"
	"time"

	"rulekit/pkg/scheduler"
)

// Epoch is a convenient fixed start time.
var Epoch = time.Date(2024, time.January, 1, 12, 0, 0, 0, time.UTC)

type Scheduler struct {
	mu      sync.Mutex
	now     time.Time
	seq     uint64
	pending []*Handle
	fired   []string
}

var _ scheduler.Scheduler = (*Scheduler)(nil)

// New returns a fake scheduler whose clock starts at start (Epoch if zero).
func New(start time.Time) *Scheduler {
	if start.IsZero() {
		start = Epoch
	}
	return &Scheduler{now: start}
}

func (s *Scheduler) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

func (s *Scheduler) ScheduleAt(at time.Time, fn func(), name string) scheduler.Handle {
	if fn == nil {
		fn = func() {}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	h := &Handle{s: s, seq: s.seq, name: name, fn: fn, at: at}
	s.pending = append(s.pending, h)
	return h
}

// Spend moves the clock forward without firing anything, simulating a
// callback that takes d to run.
func (s *Scheduler) Spend(d time.Duration) {
	s.mu.Lock()
	s.now = s.now.Add(d)
	s.mu.Unlock()
}

// Advance moves the clock forward by d, firing every handle that comes due
// (including handles armed by callbacks during the advance).
func (s *Scheduler) Advance(d time.Duration) {
	s.AdvanceTo(s.Now().Add(d))
}

// AdvanceTo moves the clock to t, firing due handles in order. The clock
// never moves backwards.
func (s *Scheduler) AdvanceTo(t time.Time) {
	for {
		h := s.nextDue(t)
		if h == nil {
			break
		}
		h.fire()
	}
	s.mu.Lock()
	if t.After(s.now) {
		s.now = t
	}
	s.mu.Unlock()
}

// Pending reports how many handles are waiting to fire.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Fired returns the names of fired handles, in firing order.
func (s *Scheduler) Fired() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.fired...)
}

// nextDue pops the earliest pending handle due at or before t and moves the
// clock to its fire time.
func (s *Scheduler) nextDue(t time.Time) *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return nil
	}
	sort.SliceStable(s.pending, func(i, j int) bool {
		a, b := s.pending[i], s.pending[j]
		if !a.at.Equal(b.at) {
			return a.at.Before(b.at)
		}
		return a.seq < b.seq
	})
	h := s.pending[0]
	if h.at.After(t) {
		return nil
	}
	s.pending = s.pending[1:]
	if h.at.After(s.now) {
		s.now = h.at
	}
	h.state = scheduler.StateFiring
	s.fired = append(s.fired, h.name)
	return h
}

func (s *Scheduler) remove(h *Handle) {
	for i, p := range s.pending {
		if p == h {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			return
		}
	}
}

// Handle is the fake scheduler's handle. All state is guarded by the
// owning Scheduler's mutex.
type Handle struct {
	s     *Scheduler
	seq   uint64
	name  string
	fn    func()
	at    time.Time
	state scheduler.State
}

func (h *Handle) fire() {
	defer func() {
		h.s.mu.Lock()
		h.state = scheduler.StateFired
		h.s.mu.Unlock()
	}()
	h.fn()
}

func (h *Handle) Name() string { return h.name }

func (h *Handle) At() time.Time {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	return h.at
}

func (h *Handle) State() scheduler.State {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	return h.state
}

func (h *Handle) HasTerminated() bool { return h.State().Terminated() }
func (h *Handle) IsRunning() bool     { return h.State() == scheduler.StateFiring }

func (h *Handle) Cancel() bool {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	if h.state != scheduler.StatePending {
		return false
	}
	h.state = scheduler.StateCancelled
	h.s.remove(h)
	return true
}

func (h *Handle) Reschedule(at time.Time) bool {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	if h.state != scheduler.StatePending {
		return false
	}
	h.at = at
	return true
}
