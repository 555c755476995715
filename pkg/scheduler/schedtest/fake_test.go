package schedtest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rulekit/pkg/scheduler"
)

func TestFiresInTimeThenCreationOrder(t *testing.T) {
	t.Parallel()

	s := New(time.Time{})
	var order []string
	add := func(name string, d time.Duration) {
		s.ScheduleAt(s.Now().Add(d), func() { order = append(order, name) }, name)
	}
	add("c", 3*time.Second)
	add("a1", time.Second)
	add("a2", time.Second)
	add("b", 2*time.Second)

	s.Advance(2 * time.Second)
	assert.Equal(t, []string{"a1", "a2", "b"}, order)
	assert.Equal(t, Epoch.Add(2*time.Second), s.Now())
	assert.Equal(t, 1, s.Pending())

	s.Advance(time.Second)
	assert.Equal(t, []string{"a1", "a2", "b", "c"}, s.Fired())
}

func TestCallbacksSeeTheirFireTime(t *testing.T) {
	t.Parallel()

	s := New(time.Time{})
	var seen []time.Time
	var chain func()
	chain = func() {
		seen = append(seen, s.Now())
		if len(seen) < 3 {
			s.ScheduleAt(s.Now().Add(time.Second), chain, "chain")
		}
	}
	s.ScheduleAt(s.Now().Add(time.Second), chain, "chain")

	s.Advance(10 * time.Second)
	require.Len(t, seen, 3)
	for i, at := range seen {
		assert.Equal(t, Epoch.Add(time.Duration(i+1)*time.Second), at)
	}
	assert.Equal(t, Epoch.Add(10*time.Second), s.Now())
}

func TestHandleStates(t *testing.T) {
	t.Parallel()

	s := New(time.Time{})
	var h scheduler.Handle
	var during scheduler.State
	h = s.ScheduleAt(s.Now().Add(time.Second), func() { during = h.State() }, "h")
	assert.Equal(t, scheduler.StatePending, h.State())

	require.True(t, h.Reschedule(s.Now().Add(2*time.Second)))
	s.Advance(time.Second)
	assert.Equal(t, scheduler.StatePending, h.State())

	s.Advance(time.Second)
	assert.Equal(t, scheduler.StateFiring, during)
	assert.Equal(t, scheduler.StateFired, h.State())
	assert.False(t, h.Cancel())
	assert.False(t, h.Reschedule(s.Now()))

	c := s.ScheduleAt(s.Now().Add(time.Second), nil, "c")
	assert.True(t, c.Cancel())
	assert.True(t, c.HasTerminated())
	assert.Equal(t, 0, s.Pending())
}

func TestSpendDoesNotFire(t *testing.T) {
	t.Parallel()

	s := New(time.Time{})
	fired := false
	s.ScheduleAt(s.Now().Add(time.Second), func() { fired = true }, "x")
	s.Spend(5 * time.Second)
	assert.False(t, fired)
	s.Advance(0)
	assert.True(t, fired)
}
