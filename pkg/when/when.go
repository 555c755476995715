// Package when normalizes "when-like" values (delays, instants, times of day,
// cron specs) into absolute times.
//
// A When is resolved lazily against a caller-supplied now, so the same value
// can be stored and resolved repeatedly (e.g. a gatekeeper pause resolved
// after its action completes).
package when

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Kind describes what a When was built from.
type Kind uint8

const (
	// KindNone is the zero When: resolves to now.
	KindNone Kind = iota
	KindDelay
	KindInstant
	KindTimeOfDay
	KindCron
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindDelay:
		return "delay"
	case KindInstant:
		return "instant"
	case KindTimeOfDay:
		return "time_of_day"
	case KindCron:
		return "cron"
	default:
		return "unknown"
	}
}

// When is an unresolved point in time.
//
// The zero value is valid and resolves to now; callers that treat "absent"
// specially (looping timers, loop stop signals) test IsZero.
type When struct {
	kind  Kind
	delay time.Duration
	at    time.Time
	hour  int
	min   int
	sched cron.Schedule
	src   string
}

// In returns a When d after the moment it is resolved.
func In(d time.Duration) When { return When{kind: KindDelay, delay: d} }

// At returns a fixed instant.
func At(t time.Time) When { return When{kind: KindInstant, at: t} }

// TimeOfDay returns hh:mm today (in now's location) at resolution time.
// The result may be in the past; callers decide whether to clamp.
func TimeOfDay(hour, minute int) When {
	return When{kind: KindTimeOfDay, hour: hour, min: minute}
}

// Cron returns the next occurrence of a cron expression strictly after now.
// Both 5-field and 6-field (with seconds) specs, and descriptors like
// "@daily" or "@every 5m", are accepted.
func Cron(expr string) (When, error) {
	s, err := cronParser.Parse(expr)
	if err != nil {
		return When{}, fmt.Errorf("when: invalid cron %q: %w", expr, err)
	}
	return When{kind: KindCron, sched: s, src: expr}, nil
}

// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

func (w When) Kind() Kind   { return w.kind }
func (w When) IsZero() bool { return w.kind == KindNone }

// Resolve converts w into an absolute time relative to now.
func (w When) Resolve(now time.Time) time.Time {
	switch w.kind {
	case KindDelay:
		return now.Add(w.delay)
	case KindInstant:
		return w.at
	case KindTimeOfDay:
		y, m, d := now.Date()
		return time.Date(y, m, d, w.hour, w.min, 0, 0, now.Location())
	case KindCron:
		return w.sched.Next(now)
	default:
		return now
	}
}

// Delay is Resolve expressed as an offset from now (may be negative).
func (w When) Delay(now time.Time) time.Duration {
	return w.Resolve(now).Sub(now)
}

func (w When) String() string {
	switch w.kind {
	case KindDelay:
		return w.delay.String()
	case KindInstant:
		return w.at.Format(time.RFC3339Nano)
	case KindTimeOfDay:
		return fmt.Sprintf("%02d:%02d", w.hour, w.min)
	case KindCron:
		return "cron:" + w.src
	default:
		return "now"
	}
}
