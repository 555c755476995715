package config

import (
	"strings"

	logx "rulekit/pkg/logx"
	"rulekit/pkg/scheduler"
)

// LogOptions maps the logging section onto the logging service.
func (c *Config) LogOptions() logx.Config {
	l := c.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: strings.TrimSpace(l.File.Path)},
		Events: logx.EventsConfig{
			Enabled:    l.Events.Enabled,
			MinLevel:   l.Events.MinLevel,
			RatePerSec: l.Events.RatePerSec,
		},
	}
}

func (c *Config) SchedulerOptions() scheduler.Config {
	return scheduler.Config{
		Timezone:  strings.TrimSpace(c.Scheduler.Timezone),
		QueueSize: c.Scheduler.QueueSize,
	}
}
