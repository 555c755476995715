package config

import (
	"fmt"
	"strings"
	"time"

	"rulekit/pkg/when"
)

// ParseDurationField parses an optional, non-negative delay. Anything
// when.Parse reads as a delay is accepted ("5s", "1m30s", "PT5S", "1500").
// path names the field in errors. Empty means zero.
func ParseDurationField(path, raw string) (time.Duration, error) {
	if strings.TrimSpace(raw) == "" {
		return 0, nil
	}
	w, err := when.Parse(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", path, err)
	}
	if w.Kind() != when.KindDelay {
		return 0, fmt.Errorf("%s: %q is a %s, not a duration", path, raw, w.Kind())
	}
	d := w.Delay(time.Time{})
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault falls back to def when raw is empty or zero.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	switch d, err := ParseDurationField(path, raw); {
	case err != nil:
		return 0, err
	case d == 0:
		return def, nil
	default:
		return d, nil
	}
}
