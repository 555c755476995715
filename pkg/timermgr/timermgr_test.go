package timermgr_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rulekit/pkg/scheduler/schedtest"
	"rulekit/pkg/timermgr"
	"rulekit/pkg/when"
)

func TestCheckCreatesAndExpires(t *testing.T) {
	t.Parallel()

	sched := schedtest.New(time.Time{})
	m := timermgr.New[string](sched)

	fired := 0
	out := m.Check("door", when.In(5*time.Second), func() { fired++ }, timermgr.CancelOnRetrigger, nil)
	require.Equal(t, timermgr.Created, out)
	require.True(t, m.HasTimer("door"))
	require.Equal(t, 1, m.Len())

	sched.Advance(4 * time.Second)
	assert.Equal(t, 0, fired)
	assert.True(t, m.HasTimer("door"))

	sched.Advance(time.Second)
	assert.Equal(t, 1, fired)
	assert.False(t, m.HasTimer("door"))
	assert.Equal(t, 0, m.Len())
}

func TestCheckCancelOnRetrigger(t *testing.T) {
	t.Parallel()

	sched := schedtest.New(time.Time{})
	m := timermgr.New[string](sched)

	var first, second, flapping int
	m.Check("motion", when.In(time.Minute), func() { first++ }, timermgr.CancelOnRetrigger, nil)
	out := m.Check("motion", when.In(time.Minute), func() { second++ }, timermgr.CancelOnRetrigger, func() { flapping++ })

	require.Equal(t, timermgr.Cancelled, out)
	assert.Equal(t, 1, flapping)
	assert.False(t, m.HasTimer("motion"))

	sched.Advance(2 * time.Minute)
	assert.Zero(t, first)
	assert.Zero(t, second)

	// Third check starts over.
	out = m.Check("motion", when.In(time.Minute), func() { second++ }, timermgr.CancelOnRetrigger, func() { flapping++ })
	require.Equal(t, timermgr.Created, out)
	sched.Advance(time.Minute)
	assert.Equal(t, 1, second)
	assert.Equal(t, 1, flapping)
}

func TestCheckRescheduleKeepsOriginalCallback(t *testing.T) {
	t.Parallel()

	sched := schedtest.New(time.Time{})
	m := timermgr.New[string](sched)

	var calls []string
	m.Check("lamp", when.In(10*time.Second), func() { calls = append(calls, "original") }, timermgr.Reschedule, nil)

	sched.Advance(8 * time.Second)
	flapping := 0
	out := m.Check("lamp", when.In(10*time.Second), func() { calls = append(calls, "replacement") }, timermgr.Reschedule, func() { flapping++ })
	require.Equal(t, timermgr.Rescheduled, out)
	assert.Equal(t, 1, flapping)

	// The original deadline passes without firing.
	sched.Advance(5 * time.Second)
	assert.Empty(t, calls)
	assert.True(t, m.HasTimer("lamp"))

	sched.Advance(5 * time.Second)
	assert.Equal(t, []string{"original"}, calls)
	assert.False(t, m.HasTimer("lamp"))
}

func TestNilCallbacksAreNoops(t *testing.T) {
	t.Parallel()

	sched := schedtest.New(time.Time{})
	m := timermgr.New[int](sched)

	m.Check(1, when.In(time.Second), nil, timermgr.Reschedule, nil)
	m.Check(1, when.In(time.Second), nil, timermgr.Reschedule, nil)
	sched.Advance(time.Second)
	assert.False(t, m.HasTimer(1))
}

func TestEntryRemovedEvenWhenCallbackPanics(t *testing.T) {
	t.Parallel()

	sched := schedtest.New(time.Time{})
	m := timermgr.New[string](sched)

	m.Check("boom", when.In(time.Second), func() { panic("callback failed") }, timermgr.CancelOnRetrigger, nil)
	require.Panics(t, func() { sched.Advance(time.Second) })
	assert.False(t, m.HasTimer("boom"))
	assert.Equal(t, 0, m.Len())
}

func TestCheckWhileFiringIsFlapping(t *testing.T) {
	t.Parallel()

	sched := schedtest.New(time.Time{})
	m := timermgr.New[string](sched)

	var (
		out      timermgr.Outcome
		live     bool
		flapping int
		second   int
	)
	m.Check("k", when.In(time.Second), func() {
		live = m.HasTimer("k")
		out = m.Check("k", when.In(time.Second), func() { second++ }, timermgr.CancelOnRetrigger, func() { flapping++ })
	}, timermgr.CancelOnRetrigger, nil)

	sched.Advance(time.Second)
	assert.True(t, live)
	assert.Equal(t, timermgr.Cancelled, out)
	assert.Equal(t, 1, flapping)
	assert.False(t, m.HasTimer("k"))

	sched.Advance(time.Minute)
	assert.Zero(t, second)
	assert.Zero(t, sched.Pending())
}

func TestRescheduleWhileFiringForgetsKey(t *testing.T) {
	t.Parallel()

	sched := schedtest.New(time.Time{})
	m := timermgr.New[string](sched)

	var out timermgr.Outcome
	flapping := 0
	m.Check("k", when.In(time.Second), func() {
		out = m.Check("k", when.In(time.Second), nil, timermgr.Reschedule, func() { flapping++ })
	}, timermgr.CancelOnRetrigger, nil)

	sched.Advance(time.Second)
	assert.Equal(t, timermgr.Cancelled, out)
	assert.Equal(t, 1, flapping)
	assert.False(t, m.HasTimer("k"))
}

func TestCallbackMayReRegisterItsKey(t *testing.T) {
	t.Parallel()

	sched := schedtest.New(time.Time{})
	m := timermgr.New[string](sched)

	runs := 0
	var tick func()
	tick = func() {
		runs++
		if runs < 3 {
			m.Cancel("tick")
			out := m.Check("tick", when.In(time.Second), tick, timermgr.CancelOnRetrigger, nil)
			assert.Equal(t, timermgr.Created, out)
		}
	}
	m.Check("tick", when.In(time.Second), tick, timermgr.CancelOnRetrigger, nil)

	sched.Advance(time.Second)
	assert.Equal(t, 1, runs)
	assert.True(t, m.HasTimer("tick"))

	sched.Advance(5 * time.Second)
	assert.Equal(t, 3, runs)
	assert.False(t, m.HasTimer("tick"))
}

func TestCancel(t *testing.T) {
	t.Parallel()

	sched := schedtest.New(time.Time{})
	m := timermgr.New[string](sched)

	assert.False(t, m.Cancel("missing"))

	fired := false
	m.Check("a", when.In(time.Second), func() { fired = true }, timermgr.CancelOnRetrigger, nil)
	assert.True(t, m.Cancel("a"))
	assert.False(t, m.HasTimer("a"))
	assert.False(t, m.Cancel("a"))

	sched.Advance(time.Minute)
	assert.False(t, fired)
}

func TestCancelAllSkipsFiringTimer(t *testing.T) {
	t.Parallel()

	sched := schedtest.New(time.Time{})
	m := timermgr.New[string](sched)

	var fired []string
	var cancelled int
	m.Check("a", when.In(time.Second), func() {
		fired = append(fired, "a")
		// "a" is firing; only "b" and "c" are pending.
		cancelled = m.CancelAll()
		assert.True(t, m.HasTimer("a"))
	}, timermgr.CancelOnRetrigger, nil)
	m.Check("b", when.In(2*time.Second), func() { fired = append(fired, "b") }, timermgr.CancelOnRetrigger, nil)
	m.Check("c", when.In(3*time.Second), func() { fired = append(fired, "c") }, timermgr.CancelOnRetrigger, nil)

	sched.Advance(10 * time.Second)
	assert.Equal(t, []string{"a"}, fired)
	assert.Equal(t, 2, cancelled)
	assert.Equal(t, 0, m.Len())
}

func TestHasTimerTracksLatestCall(t *testing.T) {
	t.Parallel()

	sched := schedtest.New(time.Time{})
	m := timermgr.New[string](sched)

	steps := []struct {
		name string
		do   func()
		want bool
	}{
		{"create", func() { m.Check("k", when.In(3*time.Second), nil, timermgr.CancelOnRetrigger, nil) }, true},
		{"retrigger cancels", func() { m.Check("k", when.In(3*time.Second), nil, timermgr.CancelOnRetrigger, nil) }, false},
		{"create again", func() { m.Check("k", when.In(3*time.Second), nil, timermgr.Reschedule, nil) }, true},
		{"reschedule", func() { m.Check("k", when.In(3*time.Second), nil, timermgr.Reschedule, nil) }, true},
		{"partial advance", func() { sched.Advance(2 * time.Second) }, true},
		{"fires", func() { sched.Advance(time.Second) }, false},
		{"cancel absent", func() { m.Cancel("k") }, false},
	}
	for _, st := range steps {
		st.do()
		assert.Equal(t, st.want, m.HasTimer("k"), st.name)
	}
}
