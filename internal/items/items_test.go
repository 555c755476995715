package items

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rulekit/internal/eventbus"
	"rulekit/internal/storage"
	logx "rulekit/pkg/logx"
	"rulekit/pkg/scheduler/schedtest"
	"rulekit/pkg/sink"
	"rulekit/pkg/when"
)

func openStore(t *testing.T) storage.Store {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "items.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestUpdatesArePersistedAndPublished(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := schedtest.New(time.Time{})
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8, eventbus.TopicItemState)
	defer unsub()
	st := openStore(t)

	r := New(st, bus, clock, logx.Nop())
	require.NoError(t, sink.Dispatch(WithSource(ctx, "test"), r, sink.KindUpdate, "Temp", "21.5"))

	got, ok := r.State(ctx, "Temp")
	require.True(t, ok)
	assert.Equal(t, "21.5", got.Value)
	assert.True(t, got.UpdatedAt.Equal(clock.Now()))

	ev := <-events
	assert.Equal(t, eventbus.ItemEvent{Target: "Temp", Value: "21.5", Source: "test"}, ev.Data)

	// A fresh registry over the same store sees the persisted state.
	r2 := New(st, nil, clock, logx.Nop())
	got, ok = r2.State(ctx, "Temp")
	require.True(t, ok)
	assert.Equal(t, "21.5", got.Value)
}

func TestCommandsAreJournaled(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := schedtest.New(time.Time{})
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8, eventbus.TopicItemCommand)
	defer unsub()

	r := New(openStore(t), bus, clock, logx.Nop())
	require.NoError(t, r.SendCommand(WithSource(ctx, "deferred:X"), "X", "ON"))
	clock.Advance(time.Second)
	require.NoError(t, r.SendCommand(ctx, "X", "OFF"))

	recent, err := r.Recent(ctx, "X", 10)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "OFF", recent[0].Value)
	assert.Equal(t, "deferred:X", recent[1].Source)
	assert.Len(t, events, 2)
}

func TestThrottle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := schedtest.New(time.Time{})
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8, eventbus.TopicItemCommand)
	defer unsub()

	r := New(nil, bus, clock, logx.Nop())
	r.SetThrottles(map[string]when.When{"Bell": when.In(10 * time.Second)})

	require.NoError(t, r.SendCommand(ctx, "Bell", "RING"))
	require.NoError(t, r.SendCommand(ctx, "Bell", "RING"))
	require.NoError(t, r.SendCommand(ctx, "Other", "X"))
	clock.Advance(11 * time.Second)
	require.NoError(t, r.SendCommand(ctx, "Bell", "RING"))

	assert.Len(t, events, 3)
	assert.EqualValues(t, 1, r.Throttled())

	// Re-applying the same window keeps the open window.
	r.SetThrottles(map[string]when.When{"Bell": when.In(10 * time.Second)})
	require.NoError(t, r.SendCommand(ctx, "Bell", "RING"))
	assert.EqualValues(t, 2, r.Throttled())

	r.SetThrottles(nil)
	require.NoError(t, r.SendCommand(ctx, "Bell", "RING"))
	assert.EqualValues(t, 2, r.Throttled())
}

type failingStore struct{ storage.Store }

func (failingStore) PutState(context.Context, storage.ItemState) error { return errors.New("disk full") }

func TestStoreErrorsAreThrottled(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := schedtest.New(time.Time{})
	var buf bytes.Buffer
	r := New(failingStore{}, nil, clock, logx.NewWriter(&buf, "warn"))

	for i := 0; i < 5; i++ {
		require.NoError(t, r.PostUpdate(ctx, "A", "1"))
	}
	assert.Equal(t, 1, strings.Count(buf.String(), "item store failed"))

	clock.Advance(6 * time.Second)
	require.NoError(t, r.PostUpdate(ctx, "A", "2"))
	assert.Equal(t, 2, strings.Count(buf.String(), "item store failed"))
	assert.Contains(t, buf.String(), `"suppressed":4`)
}

func TestRecentWithoutStore(t *testing.T) {
	t.Parallel()

	r := New(nil, nil, nil, logx.Nop())
	_, err := r.Recent(context.Background(), "", 1)
	assert.ErrorIs(t, err, storage.ErrDisabled)
	_, ok := r.State(context.Background(), "missing")
	assert.False(t, ok)
}
