package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"rulekit/pkg/countdown"
	"rulekit/pkg/sink"
	"rulekit/pkg/when"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid config")

// Validate checks every section and returns all problems joined.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("%w: config is nil", ErrInvalid)
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add(fmt.Errorf("scheduler.timezone: %w", err))
		}
	}
	if cfg.Scheduler.QueueSize < 0 {
		add(errors.New("scheduler.queue_size: must be >= 0"))
	}
	if s := cfg.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "none", "off", "disabled", "file", "sqlite":
		default:
			add(fmt.Errorf("storage.driver: unknown driver %q", s.Driver))
		}
		if _, err := ParseDurationField("storage.busy_timeout", s.BusyTimeout); err != nil {
			add(err)
		}
	}

	a := cfg.Automations
	for i, r := range a.Deferred {
		path := fmt.Sprintf("automations.deferred[%d]", i)
		add(validateAction(path, r.Action))
		add(requireWhen(path+".at", r.At))
	}

	names := map[string]string{}
	unique := func(path, kind, name string) error {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("%s: required", path)
		}
		key := kind + "/" + name
		if prev, ok := names[key]; ok {
			return fmt.Errorf("%s: %q already used by %s", path, name, prev)
		}
		names[key] = path
		return nil
	}

	for i, r := range a.Countdowns {
		path := fmt.Sprintf("automations.countdowns[%d]", i)
		add(unique(path+".name", "countdown", r.Name))
		if strings.TrimSpace(r.Target) == "" {
			add(fmt.Errorf("%s.target: required", path))
		}
		add(requireWhen(path+".deadline", r.Deadline))
		if _, err := countdown.ParseFormat(r.Format); err != nil {
			add(fmt.Errorf("%s.format: %w", path, err))
		}
		if r.OnDeadline != nil {
			add(validateAction(path+".on_deadline", *r.OnDeadline))
		}
	}
	for i, r := range a.Sequences {
		path := fmt.Sprintf("automations.sequences[%d]", i)
		add(unique(path+".name", "sequence", r.Name))
		add(optionalWhen(path+".start", r.Start))
		if len(r.Steps) == 0 {
			add(fmt.Errorf("%s.steps: at least one step required", path))
		}
		for j, st := range r.Steps {
			sp := fmt.Sprintf("%s.steps[%d]", path, j)
			add(validateAction(sp, st.Action))
			add(optionalWhen(sp+".pause", st.Pause))
		}
	}
	for i, r := range a.Heartbeats {
		path := fmt.Sprintf("automations.heartbeats[%d]", i)
		add(unique(path+".name", "heartbeat", r.Name))
		add(validateAction(path, r.Action))
		add(optionalWhen(path+".start", r.Start))
		if r.Count < 0 {
			add(fmt.Errorf("%s.count: must be >= 0", path))
		}
		w, err := when.Parse(r.Every)
		if err != nil {
			add(fmt.Errorf("%s.every: %w", path, err))
		} else if k := w.Kind(); k != when.KindDelay && k != when.KindCron {
			add(fmt.Errorf("%s.every: must be a duration or cron spec, got %s", path, k))
		} else if k == when.KindDelay && w.Delay(time.Now()) <= 0 {
			add(fmt.Errorf("%s.every: must be > 0", path))
		}
	}
	for i, r := range a.Throttles {
		path := fmt.Sprintf("automations.throttles[%d]", i)
		if strings.TrimSpace(r.Target) == "" {
			add(fmt.Errorf("%s.target: required", path))
		}
		add(requireWhen(path+".window", r.Window))
	}

	for i, r := range a.Debounce {
		path := fmt.Sprintf("automations.debounce[%d]", i)
		add(unique(path+".source", "debounce", r.Source))
		if strings.TrimSpace(r.Proxy) == "" {
			add(fmt.Errorf("%s.proxy: required", path))
		}
		add(positiveDelay(path+".timeout", r.Timeout))
		if _, err := sink.ParseKind(r.Kind); err != nil {
			add(fmt.Errorf("%s.kind: %w", path, err))
		}
	}
	for i, r := range a.Expire {
		path := fmt.Sprintf("automations.expire[%d]", i)
		add(unique(path+".item", "expire", r.Item))
		add(positiveDelay(path+".after", r.After))
		if _, err := sink.ParseKind(r.Kind); err != nil {
			add(fmt.Errorf("%s.kind: %w", path, err))
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
}

func validateAction(path string, a Action) error {
	if strings.TrimSpace(a.Target) == "" {
		return fmt.Errorf("%s.target: required", path)
	}
	if _, err := sink.ParseKind(a.Kind); err != nil {
		return fmt.Errorf("%s.kind: %w", path, err)
	}
	return nil
}

func requireWhen(path, raw string) error {
	if _, err := when.Parse(raw); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

func optionalWhen(path, raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	return requireWhen(path, raw)
}

func positiveDelay(path, raw string) error {
	w, err := when.Parse(raw)
	switch {
	case err != nil:
		return fmt.Errorf("%s: %w", path, err)
	case w.Kind() != when.KindDelay:
		return fmt.Errorf("%s: must be a duration, got %s", path, w.Kind())
	case w.Delay(time.Now()) <= 0:
		return fmt.Errorf("%s: must be > 0", path)
	}
	return nil
}
