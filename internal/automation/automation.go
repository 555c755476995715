// Package automation turns the declarative rules under "automations" in the
// config into running timers. The whole rule set is replaced on every Apply.
package automation

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"rulekit/internal/config"
	"rulekit/internal/items"
	logx "rulekit/pkg/logx"
	"rulekit/pkg/countdown"
	"rulekit/pkg/deferred"
	"rulekit/pkg/gatekeeper"
	"rulekit/pkg/looping"
	"rulekit/pkg/scheduler"
	"rulekit/pkg/sink"
	"rulekit/pkg/timermgr"
	"rulekit/pkg/when"
)

// ErrRule is returned by Apply when a rule cannot be compiled. Nothing is
// changed in that case.
var ErrRule = errors.New("automation: invalid rule")

// Throttler receives the command throttle windows per target.
type Throttler interface {
	SetThrottles(windows map[string]when.When)
}

type Option func(*Engine)

func WithLogger(l logx.Logger) Option        { return func(e *Engine) { e.log = l } }
func WithThrottler(t Throttler) Option       { return func(e *Engine) { e.throttler = t } }
func WithContext(ctx context.Context) Option { return func(e *Engine) { e.ctx = ctx } }

// Stats counts the live automations.
type Stats struct {
	Deferred   int
	Countdowns int
	Sequences  int
	Heartbeats int
	Throttles  int
	Debounce   int // rules
	Expire     int // rules
	Holding    int // debounced values waiting to be forwarded
}

type Engine struct {
	sched     scheduler.Scheduler
	sink      sink.Sink
	throttler Throttler
	log       logx.Logger
	ctx       context.Context

	deferred *deferred.Deferred
	starts   *timermgr.Manager[string]
	holds    *timermgr.Manager[string] // debounce, keyed by source

	mu         sync.Mutex
	gen        uint64 // bumped by every stop; stale sequence starts do not re-arm
	countdowns map[string]*countdown.Countdown
	sequences  map[string]*gatekeeper.Gatekeeper
	heartbeats map[string]*looping.Timer
	throttles  int
	debounce   map[string]debouncePlan
	expire     map[string]expirePlan
}

func New(sched scheduler.Scheduler, s sink.Sink, opts ...Option) *Engine {
	e := &Engine{
		sched:      sched,
		sink:       s,
		ctx:        context.Background(),
		countdowns: map[string]*countdown.Countdown{},
		sequences:  map[string]*gatekeeper.Gatekeeper{},
		heartbeats: map[string]*looping.Timer{},
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = e.log.OrNop()
	e.deferred = deferred.New(sched, s,
		deferred.WithLogger(e.log),
		deferred.WithContext(items.WithSource(e.ctx, "automation:deferred")),
	)
	e.starts = timermgr.New[string](sched, timermgr.WithLogger(e.log), timermgr.WithName("sequence"))
	e.holds = timermgr.New[string](sched, timermgr.WithLogger(e.log), timermgr.WithName("debounce"))
	return e
}

// ---- compiled rules ----

type action struct {
	target, value string
	kind          sink.Kind
}

type plan struct {
	deferred   []deferredPlan
	countdowns []countdownPlan
	sequences  []sequencePlan
	heartbeats []heartbeatPlan
	throttles  map[string]when.When
	debounce   map[string]debouncePlan
	expire     map[string]expirePlan
}

type deferredPlan struct {
	action
	at when.When
}

type countdownPlan struct {
	name, target string
	deadline     when.When
	format       countdown.Format
	onDeadline   *action
}

type sequencePlan struct {
	name  string
	start when.When
	steps []stepPlan
}

type stepPlan struct {
	action
	pause when.When
}

type heartbeatPlan struct {
	name  string
	act   action
	every when.When
	start when.When
	count int
}

type debouncePlan struct {
	source, proxy string
	timeout       when.When
	states        []string
	kind          sink.Kind
}

type expirePlan struct {
	item, value string
	after       when.When
	kind        sink.Kind
}

// undefined states never start an expiry.
var undefined = []string{"UNDEF", "NULL"}

func compile(cfg config.AutomationsConfig) (*plan, error) {
	var errs []error
	bad := func(path string, err error) { errs = append(errs, fmt.Errorf("%s: %w", path, err)) }

	parseAction := func(path string, a config.Action) action {
		k, err := sink.ParseKind(a.Kind)
		if err != nil {
			bad(path+".kind", err)
		}
		return action{target: a.Target, value: a.Value, kind: k}
	}
	parseWhen := func(path, raw string, optional bool) when.When {
		if optional && strings.TrimSpace(raw) == "" {
			return when.When{}
		}
		w, err := when.Parse(raw)
		if err != nil {
			bad(path, err)
		}
		return w
	}

	positive := func(path, raw string) when.When {
		w := parseWhen(path, raw, false)
		if w.Kind() == when.KindNone {
			return w
		}
		if w.Kind() != when.KindDelay || w.Delay(time.Time{}) <= 0 {
			bad(path, errors.New("must be a positive duration"))
		}
		return w
	}
	// debounce and expire forward states, so they default to updates
	updateKind := func(path, raw string) sink.Kind {
		if strings.TrimSpace(raw) == "" {
			return sink.KindUpdate
		}
		k, err := sink.ParseKind(raw)
		if err != nil {
			bad(path, err)
		}
		return k
	}

	p := &plan{
		throttles: map[string]when.When{},
		debounce:  map[string]debouncePlan{},
		expire:    map[string]expirePlan{},
	}
	for i, r := range cfg.Deferred {
		path := fmt.Sprintf("deferred[%d]", i)
		p.deferred = append(p.deferred, deferredPlan{
			action: parseAction(path, r.Action),
			at:     parseWhen(path+".at", r.At, false),
		})
	}
	for i, r := range cfg.Countdowns {
		path := fmt.Sprintf("countdowns[%d]", i)
		f, err := countdown.ParseFormat(r.Format)
		if err != nil {
			bad(path+".format", err)
		}
		cp := countdownPlan{
			name:     r.Name,
			target:   r.Target,
			deadline: parseWhen(path+".deadline", r.Deadline, false),
			format:   f,
		}
		if r.OnDeadline != nil {
			a := parseAction(path+".on_deadline", *r.OnDeadline)
			cp.onDeadline = &a
		}
		p.countdowns = append(p.countdowns, cp)
	}
	for i, r := range cfg.Sequences {
		path := fmt.Sprintf("sequences[%d]", i)
		sp := sequencePlan{name: r.Name, start: parseWhen(path+".start", r.Start, true)}
		for j, st := range r.Steps {
			stp := fmt.Sprintf("%s.steps[%d]", path, j)
			sp.steps = append(sp.steps, stepPlan{
				action: parseAction(stp, st.Action),
				pause:  parseWhen(stp+".pause", st.Pause, true),
			})
		}
		p.sequences = append(p.sequences, sp)
	}
	for i, r := range cfg.Heartbeats {
		path := fmt.Sprintf("heartbeats[%d]", i)
		hp := heartbeatPlan{
			name:  r.Name,
			act:   parseAction(path, r.Action),
			every: parseWhen(path+".every", r.Every, false),
			start: parseWhen(path+".start", r.Start, true),
			count: r.Count,
		}
		switch hp.every.Kind() {
		case when.KindCron:
		case when.KindDelay:
			if hp.every.Delay(time.Time{}) <= 0 {
				bad(path+".every", errors.New("must be positive"))
			}
		default:
			bad(path+".every", errors.New("must be a duration or cron spec"))
		}
		p.heartbeats = append(p.heartbeats, hp)
	}
	for i, r := range cfg.Throttles {
		p.throttles[r.Target] = parseWhen(fmt.Sprintf("throttles[%d].window", i), r.Window, false)
	}

	for i, r := range cfg.Debounce {
		path := fmt.Sprintf("debounce[%d]", i)
		if _, dup := p.debounce[r.Source]; dup {
			bad(path+".source", fmt.Errorf("%q debounced twice", r.Source))
		}
		p.debounce[r.Source] = debouncePlan{
			source:  r.Source,
			proxy:   r.Proxy,
			timeout: positive(path+".timeout", r.Timeout),
			states:  r.States,
			kind:    updateKind(path+".kind", r.Kind),
		}
	}
	for i, r := range cfg.Expire {
		path := fmt.Sprintf("expire[%d]", i)
		if _, dup := p.expire[r.Item]; dup {
			bad(path+".item", fmt.Errorf("%q expires twice", r.Item))
		}
		xp := expirePlan{
			item:  r.Item,
			value: cmp.Or(r.Value, "UNDEF"),
			after: positive(path+".after", r.After),
			kind:  updateKind(path+".kind", r.Kind),
		}
		if xp.kind == sink.KindCommand && slices.Contains(undefined, xp.value) {
			bad(path+".value", fmt.Errorf("cannot command %s", xp.value))
		}
		p.expire[r.Item] = xp
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("%w: %w", ErrRule, errors.Join(errs...))
	}
	return p, nil
}

// ---- lifecycle ----

// Apply replaces every running automation with the rules in cfg.
func (e *Engine) Apply(cfg config.AutomationsConfig) error {
	p, err := compile(cfg)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	stopped := e.stopLocked()

	for _, d := range p.deferred {
		e.deferred.Defer(d.target, d.value, d.at, d.kind)
	}
	for _, c := range p.countdowns {
		e.startCountdown(c)
	}
	for _, s := range p.sequences {
		e.startSequence(s)
	}
	for _, h := range p.heartbeats {
		e.startHeartbeat(h)
	}
	if e.throttler != nil {
		e.throttler.SetThrottles(p.throttles)
	}
	e.throttles = len(p.throttles)
	e.debounce = p.debounce
	e.expire = p.expire

	e.log.Info("automations applied",
		logx.Int("replaced", stopped),
		logx.Int("deferred", len(p.deferred)),
		logx.Int("countdowns", len(p.countdowns)),
		logx.Int("sequences", len(p.sequences)),
		logx.Int("heartbeats", len(p.heartbeats)),
		logx.Int("throttles", len(p.throttles)),
		logx.Int("debounce", len(p.debounce)),
		logx.Int("expire", len(p.expire)),
	)
	return nil
}

// Stop cancels every automation and clears the throttles. It returns how
// many pending timers were cancelled.
func (e *Engine) Stop() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := e.stopLocked()
	if e.throttler != nil && e.throttles > 0 {
		e.throttler.SetThrottles(nil)
	}
	e.throttles = 0
	return n
}

func (e *Engine) stopLocked() int {
	e.gen++
	e.debounce, e.expire = nil, nil
	n := e.deferred.CancelAll() + e.starts.CancelAll() + e.holds.CancelAll()
	for name, c := range e.countdowns {
		if c.Cancel() {
			n++
		}
		delete(e.countdowns, name)
	}
	for name, g := range e.sequences {
		n += g.CancelAll()
		delete(e.sequences, name)
	}
	for name, t := range e.heartbeats {
		if t.Cancel() {
			n++
		}
		delete(e.heartbeats, name)
	}
	return n
}

func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := Stats{
		Throttles: e.throttles,
		Sequences: e.starts.Len(),
		Debounce:  len(e.debounce),
		Expire:    len(e.expire),
		Holding:   e.holds.Len(),
	}
	for _, c := range e.countdowns {
		if !c.HasTerminated() {
			st.Countdowns++
		}
	}
	for _, t := range e.heartbeats {
		if !t.HasTerminated() {
			st.Heartbeats++
		}
	}
	st.Deferred = e.deferred.Len()
	return st
}

// ---- per kind ----

func (e *Engine) deliver(ctx context.Context, a action) {
	if err := sink.Dispatch(ctx, e.sink, a.kind, a.target, a.value); err != nil {
		e.log.Warn("automation delivery failed",
			logx.String("target", a.target),
			logx.String("value", a.value),
			logx.Err(err),
		)
	}
}

func (e *Engine) startCountdown(p countdownPlan) {
	ctx := items.WithSource(e.ctx, "countdown:"+p.name)
	var onDeadline func()
	if p.onDeadline != nil {
		a := *p.onDeadline
		onDeadline = func() { e.deliver(ctx, a) }
	}
	e.countdowns[p.name] = countdown.New(e.sched, e.sink, p.deadline, onDeadline, p.target,
		countdown.WithLogger(e.log),
		countdown.WithFormat(p.format),
		countdown.WithName("countdown:"+p.name),
		countdown.WithContext(ctx),
	)
}

func (e *Engine) startSequence(p sequencePlan) {
	g := gatekeeper.New(e.sched, gatekeeper.WithLogger(e.log), gatekeeper.WithName("sequence:"+p.name))
	e.sequences[p.name] = g
	e.armSequence(p, g, e.gen)
}

// armSequence schedules the next run of p. Time-of-day and cron starts
// repeat; anything else runs once. Must be called with e.mu held.
func (e *Engine) armSequence(p sequencePlan, g *gatekeeper.Gatekeeper, gen uint64) {
	at := nextStart(p.start, e.sched.Now())
	e.starts.Cancel(p.name)
	e.starts.Check(p.name, when.At(at), func() {
		e.mu.Lock()
		live := e.gen == gen
		e.mu.Unlock()
		if !live {
			return
		}
		e.runSequence(p, g)

		e.mu.Lock()
		if repeats(p.start) && e.gen == gen {
			e.armSequence(p, g, gen)
		}
		e.mu.Unlock()
	}, timermgr.CancelOnRetrigger, nil)
}

func (e *Engine) runSequence(p sequencePlan, g *gatekeeper.Gatekeeper) {
	if n := g.Len(); n > 0 {
		e.log.Warn("sequence still running; skipping start", logx.String("sequence", p.name), logx.Int("queued", n))
		return
	}
	ctx := items.WithSource(e.ctx, "sequence:"+p.name)
	e.log.Debug("sequence started", logx.String("sequence", p.name), logx.Int("steps", len(p.steps)))
	for _, st := range p.steps {
		a := st.action
		g.AddCommand(st.pause, func() { e.deliver(ctx, a) })
	}
}

func nextStart(w when.When, now time.Time) time.Time {
	at := w.Resolve(now)
	if w.Kind() == when.KindTimeOfDay && !at.After(now) {
		at = at.AddDate(0, 0, 1)
	}
	if at.Before(now) {
		at = now
	}
	return at
}

func repeats(w when.When) bool {
	k := w.Kind()
	return k == when.KindTimeOfDay || k == when.KindCron
}

func (e *Engine) startHeartbeat(p heartbeatPlan) {
	ctx := items.WithSource(e.ctx, "heartbeat:"+p.name)
	t := looping.New(e.sched, looping.WithLogger(e.log))
	sent := 0
	iterate := func() (when.When, bool) {
		e.deliver(ctx, p.act)
		sent++
		if p.count > 0 && sent >= p.count {
			e.log.Debug("heartbeat finished", logx.String("heartbeat", p.name), logx.Int("sent", sent))
			return when.When{}, false
		}
		return p.every, true
	}
	initial := p.start
	if !initial.IsZero() {
		initial = when.At(nextStart(initial, e.sched.Now()))
	}
	// every is a positive delay or a cron spec, so the next run is always
	// in the future.
	if err := t.Loop(iterate, initial, "heartbeat:"+p.name); err != nil {
		e.log.Error("heartbeat failed to start", logx.String("heartbeat", p.name), logx.Err(err))
		return
	}
	e.heartbeats[p.name] = t
}

// ---- state-driven rules ----

// OnState feeds a state change of target to the debounce and expire rules.
func (e *Engine) OnState(target, value string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if p, ok := e.debounce[target]; ok {
		e.hold(p, value)
	}
	if p, ok := e.expire[target]; ok {
		e.armExpiry(p, value)
	}
}

// hold restarts the quiet period of p.source. Must be called with e.mu held.
func (e *Engine) hold(p debouncePlan, value string) {
	ctx := items.WithSource(e.ctx, "debounce:"+p.source)
	a := action{target: p.proxy, value: value, kind: p.kind}
	e.holds.Cancel(p.source)
	if len(p.states) > 0 && !slices.Contains(p.states, value) {
		e.deliver(ctx, a)
		return
	}
	e.holds.Check(p.source, p.timeout, func() { e.deliver(ctx, a) }, timermgr.CancelOnRetrigger, nil)
}

// armExpiry must be called with e.mu held.
func (e *Engine) armExpiry(p expirePlan, value string) {
	if value == p.value || slices.Contains(undefined, value) {
		if e.deferred.Cancel(p.item) {
			e.log.Debug("expiry cancelled", logx.String("item", p.item), logx.String("state", value))
		}
		return
	}
	e.deferred.Defer(p.item, p.value, p.after, p.kind)
}
