// Package items is rulekit's target/state sink: item state is cached,
// persisted to storage and announced on the event bus; commands are
// journaled and announced.
package items

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"rulekit/internal/eventbus"
	"rulekit/internal/storage"
	logx "rulekit/pkg/logx"
	"rulekit/pkg/ratelimit"
	"rulekit/pkg/scheduler"
	"rulekit/pkg/sink"
	"rulekit/pkg/when"
)

// storeWarnEvery bounds how often a failing store is reported.
const storeWarnEvery = 5 * time.Second

type sourceKey struct{}

// WithSource tags deliveries made with ctx (e.g. "deferred:Hall_Light").
func WithSource(ctx context.Context, source string) context.Context {
	return context.WithValue(ctx, sourceKey{}, source)
}

func sourceFrom(ctx context.Context) string {
	s, _ := ctx.Value(sourceKey{}).(string)
	return s
}

type Registry struct {
	store storage.Store // nil when persistence is disabled
	bus   eventbus.Bus
	clock scheduler.Clock
	log   logx.Logger

	warn       *ratelimit.Limiter
	suppressed atomic.Uint64

	mu        sync.RWMutex
	states    map[string]storage.ItemState
	throttles map[string]*throttle

	throttled atomic.Uint64
}

type throttle struct {
	window  when.When
	limiter *ratelimit.Limiter
}

var _ sink.Sink = (*Registry)(nil)

func New(store storage.Store, bus eventbus.Bus, clock scheduler.Clock, log logx.Logger) *Registry {
	if clock == nil {
		clock = scheduler.SystemClock
	}
	return &Registry{
		store:     store,
		bus:       bus,
		clock:     clock,
		log:       log.OrNop(),
		warn:      ratelimit.New(clock),
		states:    map[string]storage.ItemState{},
		throttles: map[string]*throttle{},
	}
}

// SetThrottles replaces the per-target command throttles. Targets whose
// window is unchanged keep their current window state.
func (r *Registry) SetThrottles(windows map[string]when.When) {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := make(map[string]*throttle, len(windows))
	for target, w := range windows {
		if cur, ok := r.throttles[target]; ok && cur.window.String() == w.String() {
			next[target] = cur
			continue
		}
		next[target] = &throttle{window: w, limiter: ratelimit.New(r.clock)}
	}
	r.throttles = next
}

// SendCommand journals and announces a command. Commands inside a
// throttle window are dropped silently.
func (r *Registry) SendCommand(ctx context.Context, target, value string) error {
	r.mu.RLock()
	th := r.throttles[target]
	r.mu.RUnlock()
	if th != nil && !th.limiter.Run(nil, th.window) {
		r.throttled.Add(1)
		r.log.Debug("command throttled", logx.String("target", target), logx.String("value", value))
		return nil
	}

	src := sourceFrom(ctx)
	rec := storage.CommandRecord{At: r.clock.Now(), Target: target, Value: value, Source: src}
	if r.store != nil {
		if err := r.store.AppendCommand(ctx, rec); err != nil {
			r.reportStoreError("append command", target, err)
		}
	}
	r.publish(eventbus.TopicItemCommand, target, value, src)
	r.log.Info("command sent", logx.String("target", target), logx.String("value", value), logx.String("source", src))
	return nil
}

// PostUpdate records the new state of target.
func (r *Registry) PostUpdate(ctx context.Context, target, value string) error {
	st := storage.ItemState{Target: target, Value: value, UpdatedAt: r.clock.Now()}
	r.mu.Lock()
	r.states[target] = st
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.PutState(ctx, st); err != nil {
			r.reportStoreError("put state", target, err)
		}
	}
	src := sourceFrom(ctx)
	r.publish(eventbus.TopicItemState, target, value, src)
	r.log.Debug("state updated", logx.String("target", target), logx.String("value", value), logx.String("source", src))
	return nil
}

// State returns the last known state of target, falling back to storage
// for targets not updated since start.
func (r *Registry) State(ctx context.Context, target string) (storage.ItemState, bool) {
	r.mu.RLock()
	st, ok := r.states[target]
	r.mu.RUnlock()
	if ok || r.store == nil {
		return st, ok
	}

	st, ok, err := r.store.GetState(ctx, target)
	if err != nil {
		r.reportStoreError("get state", target, err)
		return storage.ItemState{}, false
	}
	if ok {
		r.mu.Lock()
		if _, set := r.states[target]; !set {
			r.states[target] = st
		}
		r.mu.Unlock()
	}
	return st, ok
}

// Recent returns the latest commands for target from storage.
func (r *Registry) Recent(ctx context.Context, target string, limit int) ([]storage.CommandRecord, error) {
	if r.store == nil {
		return nil, storage.ErrDisabled
	}
	return r.store.RecentCommands(ctx, target, limit)
}

// Throttled counts commands dropped by throttles.
func (r *Registry) Throttled() uint64 { return r.throttled.Load() }

func (r *Registry) publish(topic, target, value, source string) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(eventbus.Event{
		Type: topic,
		Time: r.clock.Now(),
		Data: eventbus.ItemEvent{Target: target, Value: value, Source: source},
	})
}

func (r *Registry) reportStoreError(op, target string, err error) {
	ran := r.warn.Run(func() {
		r.log.Warn("item store failed",
			logx.String("op", op),
			logx.String("target", target),
			logx.Uint64("suppressed", r.suppressed.Swap(0)),
			logx.Err(err),
		)
	}, when.In(storeWarnEvery))
	if !ran {
		r.suppressed.Add(1)
	}
}
