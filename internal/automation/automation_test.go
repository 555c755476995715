package automation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rulekit/internal/config"
	"rulekit/pkg/scheduler/schedtest"
	"rulekit/pkg/sink"
	"rulekit/pkg/sink/sinktest"
	"rulekit/pkg/when"
)

func act(target, value string) config.Action { return config.Action{Target: target, Value: value} }

func newEngine(t *testing.T, opts ...Option) (*Engine, *schedtest.Scheduler, *sinktest.Recorder) {
	t.Helper()
	sched := schedtest.New(time.Time{})
	rec := &sinktest.Recorder{}
	return New(sched, rec, opts...), sched, rec
}

func TestDeferredRules(t *testing.T) {
	t.Parallel()

	e, sched, rec := newEngine(t)
	require.NoError(t, e.Apply(config.AutomationsConfig{
		Deferred: []config.DeferredRule{
			{Action: act("Hall", "ON"), At: "5s"},
			{Action: act("Hall", "OFF"), At: "8s"}, // supersedes ON
			{Action: config.Action{Target: "Temp", Value: "20", Kind: "update"}, At: "1s"},
		},
	}))
	assert.Equal(t, 2, e.Stats().Deferred)

	sched.Advance(10 * time.Second)
	assert.Equal(t, []string{"OFF"}, rec.Values("Hall"))
	assert.Equal(t, []sinktest.Delivery{
		{Kind: sink.KindUpdate, Target: "Temp", Value: "20"},
		{Kind: sink.KindCommand, Target: "Hall", Value: "OFF"},
	}, rec.Deliveries())
	assert.Zero(t, e.Stats().Deferred)
}

func TestCountdownRunsOnDeadline(t *testing.T) {
	t.Parallel()

	e, sched, rec := newEngine(t)
	require.NoError(t, e.Apply(config.AutomationsConfig{
		Countdowns: []config.CountdownRule{{
			Name:       "oven",
			Target:     "Oven_Left",
			Deadline:   "3s",
			OnDeadline: &config.Action{Target: "Oven", Value: "OFF"},
		}},
	}))
	assert.Equal(t, []string{"3"}, rec.Values("Oven_Left"))
	assert.Equal(t, 1, e.Stats().Countdowns)

	sched.Advance(5 * time.Second)
	assert.Equal(t, []string{"OFF"}, rec.Values("Oven"))
	left := rec.Values("Oven_Left")
	assert.Equal(t, "0", left[len(left)-1])
	assert.Zero(t, e.Stats().Countdowns)
}

func TestSequenceStepsArePaced(t *testing.T) {
	t.Parallel()

	e, sched, rec := newEngine(t)
	require.NoError(t, e.Apply(config.AutomationsConfig{
		Sequences: []config.SequenceRule{{
			Name:  "wake",
			Start: "10s",
			Steps: []config.SequenceStep{
				{Action: act("Blinds", "UP"), Pause: "2s"},
				{Action: act("Radio", "ON")},
			},
		}},
	}))
	assert.Equal(t, 1, e.Stats().Sequences)

	sched.Advance(10 * time.Second)
	assert.Equal(t, []string{"UP"}, rec.Values("Blinds"))
	assert.Empty(t, rec.Values("Radio"))

	sched.Advance(2 * time.Second)
	assert.Equal(t, []string{"ON"}, rec.Values("Radio"))
	assert.Zero(t, e.Stats().Sequences)
}

func TestTimeOfDaySequenceRepeatsDaily(t *testing.T) {
	t.Parallel()

	// The fake clock starts at 12:00, so 11:00 today has passed.
	e, sched, rec := newEngine(t)
	require.NoError(t, e.Apply(config.AutomationsConfig{
		Sequences: []config.SequenceRule{
			{Name: "lunch", Start: "13:00", Steps: []config.SequenceStep{{Action: act("Bell", "RING")}}},
			{Name: "late", Start: "11:00", Steps: []config.SequenceStep{{Action: act("Gong", "RING")}}},
		},
	}))

	sched.Advance(time.Hour)
	assert.Len(t, rec.Values("Bell"), 1)
	assert.Empty(t, rec.Values("Gong"))

	sched.Advance(24 * time.Hour)
	assert.Len(t, rec.Values("Bell"), 2)
	assert.Len(t, rec.Values("Gong"), 1)
	assert.Equal(t, 2, e.Stats().Sequences)
}

func TestHeartbeatCount(t *testing.T) {
	t.Parallel()

	e, sched, rec := newEngine(t)
	require.NoError(t, e.Apply(config.AutomationsConfig{
		Heartbeats: []config.HeartbeatRule{
			{Name: "ping", Action: act("Ping", "1"), Every: "1s", Count: 3},
			{Name: "slow", Action: act("Slow", "1"), Every: "1m", Start: "30s"},
		},
	}))
	// Without a start the first beat is immediate.
	assert.Len(t, rec.Values("Ping"), 1)
	assert.Empty(t, rec.Values("Slow"))

	sched.Advance(10 * time.Second)
	assert.Len(t, rec.Values("Ping"), 3)
	assert.Equal(t, 1, e.Stats().Heartbeats)

	sched.Advance(2*time.Minute + 30*time.Second)
	assert.Len(t, rec.Values("Ping"), 3)
	assert.Len(t, rec.Values("Slow"), 3) // 0:30, 1:30, 2:30
}

type throttles struct{ got map[string]when.When }

func (t *throttles) SetThrottles(w map[string]when.When) { t.got = w }

func TestApplyReplacesEverything(t *testing.T) {
	t.Parallel()

	th := &throttles{}
	e, sched, rec := newEngine(t, WithThrottler(th))
	require.NoError(t, e.Apply(config.AutomationsConfig{
		Deferred:   []config.DeferredRule{{Action: act("A", "1"), At: "5s"}},
		Heartbeats: []config.HeartbeatRule{{Name: "hb", Action: act("HB", "1"), Every: "1s", Start: "1s"}},
		Sequences:  []config.SequenceRule{{Name: "s", Start: "cron:@every 10s", Steps: []config.SequenceStep{{Action: act("S", "1")}}}},
		Throttles:  []config.ThrottleRule{{Target: "A", Window: "3s"}},
	}))
	require.Contains(t, th.got, "A")
	assert.Equal(t, 1, e.Stats().Throttles)

	sched.Advance(2 * time.Second)
	assert.Len(t, rec.Values("HB"), 2)

	require.NoError(t, e.Apply(config.AutomationsConfig{
		Deferred: []config.DeferredRule{{Action: act("B", "2"), At: "1s"}},
	}))
	assert.Empty(t, th.got)

	sched.Advance(time.Minute)
	assert.Empty(t, rec.Values("A"))
	assert.Empty(t, rec.Values("S"))
	assert.Len(t, rec.Values("HB"), 2)
	assert.Equal(t, []string{"2"}, rec.Values("B"))
	assert.Zero(t, sched.Pending())
}

func TestInvalidRulesKeepTheRunningSet(t *testing.T) {
	t.Parallel()

	e, sched, rec := newEngine(t)
	require.NoError(t, e.Apply(config.AutomationsConfig{
		Deferred: []config.DeferredRule{{Action: act("A", "1"), At: "5s"}},
	}))

	err := e.Apply(config.AutomationsConfig{
		Deferred:   []config.DeferredRule{{Action: config.Action{Target: "B", Kind: "bogus"}, At: "soon"}},
		Heartbeats: []config.HeartbeatRule{{Name: "hb", Action: act("HB", "1"), Every: "13:00"}},
	})
	require.ErrorIs(t, err, ErrRule)
	assert.Contains(t, err.Error(), "deferred[0].kind")
	assert.Contains(t, err.Error(), "deferred[0].at")
	assert.Contains(t, err.Error(), "heartbeats[0].every")

	sched.Advance(5 * time.Second)
	assert.Equal(t, []string{"1"}, rec.Values("A"))
}

func TestHeartbeatNeedsPositiveInterval(t *testing.T) {
	t.Parallel()

	e, sched, rec := newEngine(t)
	err := e.Apply(config.AutomationsConfig{
		Heartbeats: []config.HeartbeatRule{{Name: "hb", Action: act("HB", "1"), Every: "0s"}},
	})
	require.ErrorIs(t, err, ErrRule)
	assert.Contains(t, err.Error(), "heartbeats[0].every")
	assert.Zero(t, e.Stats().Heartbeats)

	sched.Advance(time.Minute)
	assert.Empty(t, rec.Values("HB"))
}

func TestStopCancelsRepeatingSequence(t *testing.T) {
	t.Parallel()

	e, sched, rec := newEngine(t)
	require.NoError(t, e.Apply(config.AutomationsConfig{
		Sequences: []config.SequenceRule{{Name: "tick", Start: "cron:@every 1m", Steps: []config.SequenceStep{{Action: act("T", "1")}}}},
	}))
	sched.Advance(time.Minute)
	require.Len(t, rec.Values("T"), 1)

	assert.Equal(t, 1, e.Stop())
	sched.Advance(time.Hour)
	assert.Len(t, rec.Values("T"), 1)
	assert.Zero(t, sched.Pending())
}

func TestDebounceForwardsAfterQuietPeriod(t *testing.T) {
	t.Parallel()

	e, sched, rec := newEngine(t)
	require.NoError(t, e.Apply(config.AutomationsConfig{
		Debounce: []config.DebounceRule{{Source: "Presence", Proxy: "Presence_Proxy", Timeout: "5s", States: []string{"OFF"}}},
	}))
	assert.Equal(t, 1, e.Stats().Debounce)

	e.OnState("Presence", "OFF")
	sched.Advance(3 * time.Second)
	e.OnState("Presence", "OFF")
	sched.Advance(3 * time.Second)
	assert.Empty(t, rec.Values("Presence_Proxy"))
	assert.Equal(t, 1, e.Stats().Holding)

	sched.Advance(2 * time.Second)
	assert.Equal(t, []string{"OFF"}, rec.Values("Presence_Proxy"))

	// ON is not debounced and also drops a held OFF
	e.OnState("Presence", "OFF")
	e.OnState("Presence", "ON")
	sched.Advance(time.Minute)
	assert.Equal(t, []sinktest.Delivery{
		{Kind: sink.KindUpdate, Target: "Presence_Proxy", Value: "OFF"},
		{Kind: sink.KindUpdate, Target: "Presence_Proxy", Value: "ON"},
	}, rec.Deliveries())

	e.OnState("Other", "OFF")
	assert.Zero(t, e.Stats().Holding)
}

func TestExpireRestartsOnEveryChange(t *testing.T) {
	t.Parallel()

	e, sched, rec := newEngine(t)
	require.NoError(t, e.Apply(config.AutomationsConfig{
		Expire: []config.ExpireRule{
			{Item: "Motion", After: "1m", Value: "OFF", Kind: "command"},
			{Item: "Note", After: "10s"},
		},
	}))
	assert.Equal(t, 2, e.Stats().Expire)

	e.OnState("Motion", "ON")
	sched.Advance(50 * time.Second)
	e.OnState("Motion", "ON")
	sched.Advance(50 * time.Second)
	assert.Empty(t, rec.Values("Motion"))
	sched.Advance(10 * time.Second)
	assert.Equal(t, []string{"OFF"}, rec.Values("Motion"))

	// returning to the expired state cancels
	e.OnState("Motion", "ON")
	e.OnState("Motion", "OFF")
	assert.Zero(t, e.Stats().Deferred)

	e.OnState("Note", "hello")
	e.OnState("Note", "NULL")
	e.OnState("Note", "again")
	sched.Advance(10 * time.Second)
	assert.Equal(t, []sinktest.Delivery{
		{Kind: sink.KindCommand, Target: "Motion", Value: "OFF"},
		{Kind: sink.KindUpdate, Target: "Note", Value: "UNDEF"},
	}, rec.Deliveries())
}

func TestStateRulesValidation(t *testing.T) {
	t.Parallel()

	e, _, _ := newEngine(t)
	err := e.Apply(config.AutomationsConfig{
		Debounce: []config.DebounceRule{
			{Source: "A", Proxy: "B", Timeout: "13:00"},
			{Source: "A", Proxy: "C", Timeout: "1s"},
		},
		Expire: []config.ExpireRule{{Item: "X", After: "5s", Kind: "command"}},
	})
	require.ErrorIs(t, err, ErrRule)
	assert.Contains(t, err.Error(), "debounce[0].timeout")
	assert.Contains(t, err.Error(), "debounce[1].source")
	assert.Contains(t, err.Error(), "expire[0].value")
}

func TestStopDropsStateRules(t *testing.T) {
	t.Parallel()

	e, sched, rec := newEngine(t)
	require.NoError(t, e.Apply(config.AutomationsConfig{
		Debounce: []config.DebounceRule{{Source: "A", Proxy: "B", Timeout: "1s"}},
		Expire:   []config.ExpireRule{{Item: "C", After: "1s"}},
	}))
	e.OnState("A", "1")
	e.OnState("C", "1")
	assert.Equal(t, 2, e.Stop())

	e.OnState("A", "2")
	e.OnState("C", "2")
	sched.Advance(time.Minute)
	assert.Empty(t, rec.Deliveries())
	assert.Equal(t, Stats{}, e.Stats())
}
