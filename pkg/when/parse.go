package when

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	// 1d 2h 3m 4s 5z (z = milliseconds); amounts may be fractional.
	reUnits = regexp.MustCompile(`(?i)^\s*(?:\d+(?:\.\d+)?\s*(?:d|h|m|s|z)\s*)+$`)
	rePart  = regexp.MustCompile(`(?i)(\d+(?:\.\d+)?)\s*(d|h|m|s|z)`)

	// ISO-8601 duration, e.g. PT1S, P1DT2H30M.
	reISODur = regexp.MustCompile(`(?i)^P(?:(\d+(?:\.\d+)?)D)?(?:T(?:(\d+(?:\.\d+)?)H)?(?:(\d+(?:\.\d+)?)M)?(?:(\d+(?:\.\d+)?)S)?)?$`)

	re24h = regexp.MustCompile(`^([01]?[0-9]|2[0-3]):([0-5][0-9])$`)
	re12h = regexp.MustCompile(`(?i)^(0?[1-9]|1[0-2]):([0-5][0-9])\s*([ap])\.?m\.?$`)
)

// Parse parses a when-like string.
//
// Supported forms:
//   - Go duration: "500ms", "1h30m", "-2s"
//   - Unit duration: "5d 2h 7s", "1.5h", "250z" (z = milliseconds)
//   - ISO-8601 duration: "PT1S", "P1DT2H"
//   - Integer milliseconds: "1500"
//   - RFC 3339 instant: "2024-05-01T07:00:00Z"
//   - Time of day: "13:12", "4:56 pm"
//   - Cron: "cron:0 7 * * *", "@daily", "@every 5m", or any spec with 5/6 fields
func Parse(raw string) (When, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return When{}, fmt.Errorf("when: empty value")
	}

	low := strings.ToLower(s)
	if strings.HasPrefix(low, "cron:") {
		expr := strings.TrimSpace(s[len("cron:"):])
		if expr == "" {
			return When{}, fmt.Errorf("when: cron expression required after 'cron:'")
		}
		return Cron(expr)
	}
	if strings.HasPrefix(s, "@") {
		return Cron(s)
	}

	if d, err := time.ParseDuration(s); err == nil {
		return In(d), nil
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return In(time.Duration(ms) * time.Millisecond), nil
	}
	if reUnits.MatchString(s) {
		return In(parseUnits(s)), nil
	}
	if m := reISODur.FindStringSubmatch(s); m != nil && len(s) > 1 && !strings.EqualFold(s, "PT") {
		return In(parseISODuration(m)), nil
	}
	if m := re24h.FindStringSubmatch(s); m != nil {
		h, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		return TimeOfDay(h, mm), nil
	}
	if m := re12h.FindStringSubmatch(s); m != nil {
		h, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		h %= 12
		if strings.EqualFold(m[3], "p") {
			h += 12
		}
		return TimeOfDay(h, mm), nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return At(t), nil
	}

	// Heuristic: whitespace-separated fields => cron.
	if n := len(strings.Fields(s)); n == 5 || n == 6 {
		return Cron(s)
	}

	return When{}, fmt.Errorf(
		"when: invalid value %q (use a duration like '1h30m' or '5d 2h', a time like '13:15', an RFC 3339 instant, or 'cron:...')",
		raw,
	)
}

// MustParse is Parse that panics on error. Intended for literals.
func MustParse(raw string) When {
	w, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return w
}

func parseUnits(s string) time.Duration {
	var total time.Duration
	for _, m := range rePart.FindAllStringSubmatch(s, -1) {
		v, _ := strconv.ParseFloat(m[1], 64)
		total += scale(v, unitOf(m[2]))
	}
	return total
}

func unitOf(u string) time.Duration {
	switch strings.ToLower(u) {
	case "d":
		return 24 * time.Hour
	case "h":
		return time.Hour
	case "m":
		return time.Minute
	case "s":
		return time.Second
	default:
		return time.Millisecond
	}
}

func parseISODuration(m []string) time.Duration {
	units := []time.Duration{24 * time.Hour, time.Hour, time.Minute, time.Second}
	var total time.Duration
	for i, u := range units {
		if m[i+1] == "" {
			continue
		}
		v, _ := strconv.ParseFloat(m[i+1], 64)
		total += scale(v, u)
	}
	return total
}

func scale(v float64, unit time.Duration) time.Duration {
	return time.Duration(v * float64(unit))
}
