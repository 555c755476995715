package config

// Config is the on-disk configuration (JSON, or YAML by file extension).
//
// Example (YAML):
//
//	logging: { level: info, console: true }
//	scheduler: { timezone: Europe/Berlin }
//	storage: { driver: sqlite, path: ./rulekit.db }
//	automations:
//	  deferred:
//	    - { target: Hall_Light, value: "OFF", at: "5m" }
type Config struct {
	Logging     LoggingConfig     `json:"logging"`
	Scheduler   SchedulerConfig   `json:"scheduler"`
	Storage     *StorageConfig    `json:"storage,omitempty"`
	Automations AutomationsConfig `json:"automations"`
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	File    LoggingFile   `json:"file"`
	Events  LoggingEvents `json:"events"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingEvents forwards log records at or above MinLevel to the event bus
// (topic "log.record"), at most RatePerSec per second.
type LoggingEvents struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// SchedulerConfig controls the timer dispatch service.
type SchedulerConfig struct {
	// Timezone used for time-of-day and cron values. Empty means Local.
	Timezone string `json:"timezone,omitempty"`
	// QueueSize buffers fired timers waiting for the dispatch loop
	// (default 256). Changing it requires a restart.
	QueueSize int `json:"queue_size,omitempty"`
}

// StorageConfig controls where item state and the command journal live.
// Nil or driver "none" disables persistence.
//
//	"storage": { "driver": "file", "path": "./rulekit_store" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// AutomationsConfig holds declarative timer rules. The whole set is
// re-applied on every config reload.
//
// Every time field accepts the when-like syntax: "90s", "1h30m", "5d 2h",
// "PT1S", "1500" (ms), "13:15", "4:56 pm", RFC 3339, or "cron:0 7 * * *".
type AutomationsConfig struct {
	Deferred   []DeferredRule  `json:"deferred,omitempty"`
	Countdowns []CountdownRule `json:"countdowns,omitempty"`
	Sequences  []SequenceRule  `json:"sequences,omitempty"`
	Heartbeats []HeartbeatRule `json:"heartbeats,omitempty"`
	Throttles  []ThrottleRule  `json:"throttles,omitempty"`
	Debounce   []DebounceRule  `json:"debounce,omitempty"`
	Expire     []ExpireRule    `json:"expire,omitempty"`
}

// Action is a single delivery to a target. Kind is "command" (default) or
// "update".
type Action struct {
	Target string `json:"target"`
	Value  string `json:"value"`
	Kind   string `json:"kind,omitempty"`
}

// DeferredRule delivers Value to Target at At. A newer rule (or reload) for
// the same target replaces the pending one.
type DeferredRule struct {
	Action
	At string `json:"at"`
}

// CountdownRule publishes the time left until Deadline to Target, and runs
// OnDeadline (if set) when it is reached.
type CountdownRule struct {
	Name       string  `json:"name"`
	Target     string  `json:"target"`
	Deadline   string  `json:"deadline"`
	Format     string  `json:"format,omitempty"` // "seconds" (default) or "clock"
	OnDeadline *Action `json:"on_deadline,omitempty"`
}

// SequenceRule runs Steps in order, pausing after each one, starting at
// Start (immediately when empty).
type SequenceRule struct {
	Name  string         `json:"name"`
	Start string         `json:"start,omitempty"`
	Steps []SequenceStep `json:"steps"`
}

type SequenceStep struct {
	Action
	Pause string `json:"pause,omitempty"`
}

// HeartbeatRule delivers Value to Target every Every. Count > 0 limits the
// number of deliveries.
type HeartbeatRule struct {
	Name string `json:"name"`
	Action
	Every string `json:"every"`
	Start string `json:"start,omitempty"`
	Count int    `json:"count,omitempty"`
}

// DebounceRule forwards state changes of Source to Proxy once Source has
// been quiet for Timeout. With States set, only those values are held back;
// any other value is forwarded at once. Kind is "update" (default) or
// "command".
type DebounceRule struct {
	Source  string   `json:"source"`
	Proxy   string   `json:"proxy"`
	Timeout string   `json:"timeout"`
	States  []string `json:"states,omitempty"`
	Kind    string   `json:"kind,omitempty"`
}

// ExpireRule sets Item to Value (default "UNDEF") After its last change.
// Changing back to Value, or to UNDEF/NULL, cancels the pending expiry.
// Kind is "update" (default) or "command".
type ExpireRule struct {
	Item  string `json:"item"`
	After string `json:"after"`
	Value string `json:"value,omitempty"`
	Kind  string `json:"kind,omitempty"`
}

// ThrottleRule drops commands to Target that arrive within Window of the
// last accepted one.
type ThrottleRule struct {
	Target string `json:"target"`
	Window string `json:"window"`
}
