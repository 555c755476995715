package scheduler

import (
	"context"
	"errors"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	logx "rulekit/pkg/logx"
)

// ErrRunning is returned by Run when another dispatch loop is already active.
var ErrRunning = errors.New("scheduler: dispatch loop already running")

const slowCallback = 2 * time.Second

// Config controls the dispatch service.
type Config struct {
	Timezone  string // IANA TZ used by Now(), e.g. "Europe/Berlin"
	QueueSize int    // fired-but-not-dispatched buffer (default 256)
}

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	loc *time.Location

	queue    chan dispatch
	done     chan struct{}
	stopOnce sync.Once
	stopped  bool
	looping  atomic.Bool

	// idle is closed while no dispatch loop runs; deliveries arriving then
	// are parked and replayed by the next Run.
	idle   chan struct{}
	parked []dispatch

	handles map[string]*handle
	current atomic.Pointer[handle]

	fired     atomic.Uint64
	cancelled atomic.Uint64
	panics    atomic.Uint64
}

type dispatch struct {
	h   *handle
	ver uint64
}

// TimerInfo describes one pending handle.
type TimerInfo struct {
	ID    string
	Name  string
	At    time.Time
	State State
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Timezone  string
	Pending   []TimerInfo
	Running   string
	QueueLen  int
	QueueCap  int
	Fired     uint64
	Cancelled uint64
	Panics    uint64
}

func New(cfg Config, log logx.Logger) *Service {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	s := &Service{
		cfg:     cfg,
		log:     log.OrNop(),
		queue:   make(chan dispatch, cfg.QueueSize),
		done:    make(chan struct{}),
		idle:    make(chan struct{}),
		handles: map[string]*handle{},
	}
	close(s.idle)
	s.loc = s.loadLocation(cfg.Timezone)
	return s
}

// Apply updates the timezone. The queue size is fixed at construction.
func (s *Service) Apply(cfg Config) {
	loc := s.loadLocation(cfg.Timezone)
	s.mu.Lock()
	old := s.cfg
	s.cfg.Timezone = cfg.Timezone
	s.loc = loc
	s.mu.Unlock()

	if cfg.QueueSize > 0 && cfg.QueueSize != old.QueueSize {
		s.log.Warn("queue_size change requires restart", logx.Int("current", old.QueueSize), logx.Int("requested", cfg.QueueSize))
	}
	if strings.TrimSpace(old.Timezone) != strings.TrimSpace(cfg.Timezone) {
		s.log.Info("timezone changed", logx.String("tz", loc.String()))
	}
}

func (s *Service) Now() time.Time {
	s.mu.Lock()
	loc := s.loc
	s.mu.Unlock()
	return time.Now().In(loc)
}

// ScheduleAt arms a one-shot timer. A time in the past fires as soon as the
// dispatch loop gets to it. After Stop, the returned handle is already
// cancelled.
func (s *Service) ScheduleAt(at time.Time, fn func(), name string) Handle {
	if fn == nil {
		fn = func() {}
	}
	if strings.TrimSpace(name) == "" {
		name = "timer"
	}
	h := &handle{svc: s, id: uuid.NewString(), name: name, fn: fn}

	s.mu.Lock()
	stopped := s.stopped
	if !stopped {
		s.handles[h.id] = h
	}
	s.mu.Unlock()

	if stopped {
		h.state = StateCancelled
		h.at = at
		s.log.Warn("schedule after stop ignored", logx.String("timer", name))
		return h
	}
	h.arm(at)
	s.log.Trace("timer armed", logx.String("timer", name), logx.String("id", h.id), logx.Time("at", at))
	return h
}

// Run is the dispatch loop. It returns when ctx is done or Stop is called.
// Timers that fire while no loop is running are dispatched by the next Run.
func (s *Service) Run(ctx context.Context) error {
	if !s.looping.CompareAndSwap(false, true) {
		return ErrRunning
	}
	defer s.looping.Store(false)

	s.mu.Lock()
	s.idle = make(chan struct{})
	backlog := s.parked
	s.parked = nil
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		close(s.idle)
		s.mu.Unlock()
	}()

	s.log.Debug("dispatch loop started", logx.Int("backlog", len(backlog)))
	for _, d := range backlog {
		s.dispatch(d)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.done:
			return nil
		case d := <-s.queue:
			s.dispatch(d)
		}
	}
}

// Stop ends the dispatch loop and cancels every pending handle.
func (s *Service) Stop(ctx context.Context) {
	_ = ctx
	start := time.Now()
	s.stopOnce.Do(func() { close(s.done) })

	s.mu.Lock()
	s.stopped = true
	pending := make([]*handle, 0, len(s.handles))
	for _, h := range s.handles {
		pending = append(pending, h)
	}
	s.mu.Unlock()

	n := 0
	for _, h := range pending {
		if h.Cancel() {
			n++
		}
	}
	s.log.Info("scheduler stopped", logx.Int("cancelled", n), logx.Duration("took", time.Since(start)))
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	loc := s.loc
	hs := make([]*handle, 0, len(s.handles))
	for _, h := range s.handles {
		hs = append(hs, h)
	}
	s.mu.Unlock()

	items := make([]TimerInfo, 0, len(hs))
	for _, h := range hs {
		items = append(items, TimerInfo{ID: h.id, Name: h.name, At: h.At(), State: h.State()})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].At.Before(items[j].At) })

	running := ""
	if h := s.current.Load(); h != nil {
		running = h.name
	}
	return Snapshot{
		Timezone:  loc.String(),
		Pending:   items,
		Running:   running,
		QueueLen:  len(s.queue),
		QueueCap:  cap(s.queue),
		Fired:     s.fired.Load(),
		Cancelled: s.cancelled.Load(),
		Panics:    s.panics.Load(),
	}
}

func (s *Service) enqueue(d dispatch) {
	for {
		s.mu.Lock()
		idle := s.idle
		s.mu.Unlock()

		select {
		case s.queue <- d:
			return
		case <-s.done:
			return
		case <-idle:
			s.mu.Lock()
			if s.idle == idle {
				s.parked = append(s.parked, d)
				s.mu.Unlock()
				return
			}
			// a loop started meanwhile
			s.mu.Unlock()
		}
	}
}

func (s *Service) dispatch(d dispatch) {
	h := d.h
	h.mu.Lock()
	if h.state != StatePending || h.ver != d.ver {
		// cancelled or rescheduled after this delivery was armed
		h.mu.Unlock()
		return
	}
	h.state = StateFiring
	h.timer = nil
	h.mu.Unlock()

	s.current.Store(h)
	start := time.Now()
	defer func() {
		r := recover()

		h.mu.Lock()
		h.state = StateFired
		h.mu.Unlock()
		s.current.Store(nil)
		s.forget(h)
		s.fired.Add(1)

		if r != nil {
			s.panics.Add(1)
			s.log.Error("timer callback panicked",
				logx.String("timer", h.name),
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())),
			)
		}
		if took := time.Since(start); took > slowCallback {
			s.log.Warn("slow timer callback", logx.String("timer", h.name), logx.Duration("took", took))
		}
	}()
	h.fn()
}

func (s *Service) forget(h *handle) {
	s.mu.Lock()
	delete(s.handles, h.id)
	s.mu.Unlock()
}

func (s *Service) loadLocation(tz string) *time.Location {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// ---- handle ----

type handle struct {
	svc  *Service
	id   string
	name string
	fn   func()

	mu    sync.Mutex
	state State
	at    time.Time
	ver   uint64
	timer *time.Timer
}

func (h *handle) Name() string { return h.name }

func (h *handle) At() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.at
}

func (h *handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *handle) HasTerminated() bool { return h.State().Terminated() }
func (h *handle) IsRunning() bool     { return h.State() == StateFiring }

func (h *handle) Cancel() bool {
	h.mu.Lock()
	if h.state != StatePending {
		h.mu.Unlock()
		return false
	}
	h.state = StateCancelled
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
	h.mu.Unlock()

	h.svc.forget(h)
	h.svc.cancelled.Add(1)
	return true
}

func (h *handle) Reschedule(at time.Time) bool {
	return h.arm(at)
}

// arm (re)starts the underlying timer and bumps the version so a delivery
// from the previous timer is ignored.
func (h *handle) arm(at time.Time) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != StatePending {
		return false
	}
	h.ver++
	h.at = at
	if h.timer != nil {
		h.timer.Stop()
	}
	ver := h.ver
	delay := max(time.Until(at), 0)
	h.timer = time.AfterFunc(delay, func() {
		h.svc.enqueue(dispatch{h: h, ver: ver})
	})
	return true
}
