package app

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"time"

	"rulekit/internal/automation"
	"rulekit/internal/config"
	"rulekit/internal/eventbus"
	"rulekit/internal/items"
	"rulekit/internal/runtime/supervisor"
	"rulekit/internal/storage"
	logx "rulekit/pkg/logx"
	"rulekit/pkg/scheduler"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	sched *scheduler.Service
	items *items.Registry
	auto  *automation.Engine
}

// Status is a point-in-time view of the running app.
type Status struct {
	Scheduler   scheduler.Snapshot
	Automations automation.Stats
	Goroutines  []supervisor.Stats
	Throttled   uint64
	BusDropped  uint64
	LogDropped  uint64 // log records rate limited away from the bus
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return config.Validate(cfg) })
	cfg, err := cfgm.Load(context.Background())
	if err != nil {
		return nil, err
	}

	bus := eventbus.New()
	logSvc, log, err := logx.New(cfg.LogOptions(), eventbus.LogSink{Bus: bus})
	if err != nil {
		return nil, err
	}
	cfgm.SetLogger(log.Named("config"))

	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.Named("storage"))
		if err != nil {
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	sched := scheduler.New(cfg.SchedulerOptions(), log.Named("scheduler"))
	reg := items.New(store, bus, sched, log.Named("items"))
	auto := automation.New(sched, reg,
		automation.WithLogger(log.Named("automation")),
		automation.WithThrottler(reg),
	)

	return &App{
		cfgm:  cfgm,
		log:   log.Named("app"),
		logs:  logSvc,
		bus:   bus,
		store: store,
		sched: sched,
		items: reg,
		auto:  auto,
	}, nil
}

// Items is the sink automations deliver to.
func (a *App) Items() *items.Registry { return a.items }

// Bus carries item and log events.
func (a *App) Bus() eventbus.Bus { return a.bus }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Status() Status {
	st := Status{
		Scheduler:   a.sched.Snapshot(),
		Automations: a.auto.Stats(),
		Throttled:   a.items.Throttled(),
		BusDropped:  a.bus.Dropped(),
		LogDropped:  a.logs.Dropped(),
	}
	if a.sup != nil {
		st.Goroutines = a.sup.Snapshot()
	}
	return st
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	a.sup.GoRestart("scheduler.dispatch", a.sched.Run,
		supervisor.WithRestartBackoff(100*time.Millisecond, 5*time.Second),
	)

	if err := a.auto.Apply(a.cfgm.Get().Automations); err != nil {
		return err
	}

	// Item traffic at debug level; log.record is left out so forwarded
	// records are not logged again.
	events, unsub := a.bus.Subscribe(128, eventbus.TopicItemState, eventbus.TopicItemCommand)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				ev, _ := e.Data.(eventbus.ItemEvent)
				a.log.Debug("event",
					logx.String("type", e.Type),
					logx.String("target", ev.Target),
					logx.String("value", ev.Value),
					logx.Time("time", e.Time),
				)
			}
		}
	})

	states, unsubStates := a.bus.Subscribe(256, eventbus.TopicItemState)
	a.sup.Go("automation.states", func(c context.Context) error {
		defer unsubStates()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-states:
				if !ok {
					return nil
				}
				if ev, ok := e.Data.(eventbus.ItemEvent); ok {
					a.auto.OnState(ev.Target, ev.Value)
				}
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case newCfg, ok := <-sub:
				if !ok {
					return nil
				}
				newCfg = latest(sub, newCfg)
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started", logx.String("config", a.cfgm.Path()))
	return nil
}

// latest drains sub so a burst of reloads is applied once.
func latest(sub <-chan *config.Config, cfg *config.Config) *config.Config {
	for {
		select {
		case newer := <-sub:
			if newer != nil {
				cfg = newer
			}
		default:
			return cfg
		}
	}
}

func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		if err := a.logs.Apply(newCfg.LogOptions()); err != nil {
			a.log.Warn("logging partially applied", logx.Err(err))
		}
	}
	a.sched.Apply(newCfg.SchedulerOptions())
	for _, s := range sections {
		if s == "storage" {
			a.log.Warn("storage config changed; restart required for changes to take effect")
		}
	}
	if !reflect.DeepEqual(oldCfg.Automations, newCfg.Automations) {
		if err := a.auto.Apply(newCfg.Automations); err != nil {
			a.log.Warn("automations rejected; keeping previous", logx.Err(err))
		}
	}

	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// step bounds one shutdown step so a stuck component cannot stall the rest.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		if dl, ok := ctx.Deadline(); ok {
			max = min(max, time.Until(dl))
		}
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	step("automations", time.Second, func(context.Context) error {
		n := a.auto.Stop()
		a.log.Debug("automations stopped", logx.Int("cancelled", n))
		return nil
	})
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("supervisor", 2*time.Second, a.sup.Stop)
	step("storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	st := a.Status()
	a.log.Info("stopped",
		logx.Uint64("timers_fired", st.Scheduler.Fired),
		logx.Uint64("timer_panics", st.Scheduler.Panics),
		logx.Uint64("throttled", st.Throttled),
	)
	return a.logs.Close()
}
