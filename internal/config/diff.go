package config

import (
	"reflect"
	"sort"
	"strings"

	logx "rulekit/pkg/logx"
)

// SummarizeChange returns the sorted list of changed sections and log
// fields describing the new values.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 4)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.events_enabled", newCfg.Logging.Events.Enabled),
		)
	}

	if strings.TrimSpace(oldCfg.Scheduler.Timezone) != strings.TrimSpace(newCfg.Scheduler.Timezone) ||
		oldCfg.Scheduler.QueueSize != newCfg.Scheduler.QueueSize {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
			logx.Int("scheduler.queue_size", newCfg.Scheduler.QueueSize),
			logx.Bool("scheduler.restart_required", oldCfg.Scheduler.QueueSize != newCfg.Scheduler.QueueSize),
		)
	}

	// nil means disabled
	var oS, nS StorageConfig
	if oldCfg.Storage != nil {
		oS = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		nS = *newCfg.Storage
	}
	if strings.TrimSpace(oS.Driver) != strings.TrimSpace(nS.Driver) ||
		strings.TrimSpace(oS.Path) != strings.TrimSpace(nS.Path) ||
		strings.TrimSpace(oS.BusyTimeout) != strings.TrimSpace(nS.BusyTimeout) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
			logx.Bool("storage.restart_required", true),
		)
	}

	if hashJSON(oldCfg.Automations) != hashJSON(newCfg.Automations) {
		a := newCfg.Automations
		changed = append(changed, "automations")
		attrs = append(attrs,
			logx.Int("automations.deferred", len(a.Deferred)),
			logx.Int("automations.countdowns", len(a.Countdowns)),
			logx.Int("automations.sequences", len(a.Sequences)),
			logx.Int("automations.heartbeats", len(a.Heartbeats)),
			logx.Int("automations.throttles", len(a.Throttles)),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}
