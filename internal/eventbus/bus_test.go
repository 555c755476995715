package eventbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "rulekit/pkg/logx"
)

func TestTopicFiltering(t *testing.T) {
	t.Parallel()

	b := New()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()
	state, unsubState := b.Subscribe(4, TopicItemState)
	defer unsubState()

	b.Publish(Event{Type: TopicItemCommand, Data: ItemEvent{Target: "A", Value: "ON"}})
	b.Publish(Event{Type: TopicItemState, Data: ItemEvent{Target: "A", Value: "ON"}})

	require.Len(t, all, 2)
	require.Len(t, state, 1)
	ev := <-state
	assert.Equal(t, TopicItemState, ev.Type)
	assert.False(t, ev.Time.IsZero())
	assert.Equal(t, "A", ev.Data.(ItemEvent).Target)
}

func TestSlowSubscriberDrops(t *testing.T) {
	t.Parallel()

	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: "x"})
	b.Publish(Event{Type: "x"})
	b.Publish(Event{Type: "x"})

	assert.Len(t, ch, 1)
	assert.EqualValues(t, 2, b.Dropped())
}

func TestUnsubscribeClosesAndIsIdempotent(t *testing.T) {
	t.Parallel()

	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	_, open := <-ch
	assert.False(t, open)

	// publishing after unsubscribe is harmless
	b.Publish(Event{Type: "x"})
}

func TestLogSink(t *testing.T) {
	t.Parallel()

	b := New()
	ch, unsub := b.Subscribe(1, TopicLogRecord)
	defer unsub()

	LogSink{Bus: b}.Emit(logx.Record{Level: "warn", Message: "hello"})
	LogSink{}.Emit(logx.Record{Level: "warn", Message: "nowhere"})

	ev := <-ch
	assert.Equal(t, "hello", ev.Data.(logx.Record).Message)
}
