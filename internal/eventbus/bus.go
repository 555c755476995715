// Package eventbus is a small in-memory fanout used to decouple the item
// registry, logging and anything observing them.
package eventbus

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"

	logx "rulekit/pkg/logx"
)

// Topics published by rulekit.
const (
	TopicItemState   = "item.state"   // Data: ItemEvent
	TopicItemCommand = "item.command" // Data: ItemEvent
	TopicLogRecord   = "log.record"   // Data: logx.Record
)

// Event is a lightweight signal.
//
// Publish never blocks: subscribers get buffered channels and a slow
// subscriber drops events.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// ItemEvent is the payload of item.* events.
type ItemEvent struct {
	Target string
	Value  string
	Source string
}

type Bus interface {
	Publish(e Event)
	// Subscribe returns events whose Type is in topics (all events when
	// topics is empty).
	Subscribe(buffer int, topics ...string) (ch <-chan Event, unsubscribe func())
	// Dropped counts events not delivered to a full subscriber.
	Dropped() uint64
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]*subscription{}}
}

type subscription struct {
	ch     chan Event
	topics []string
}

func (s *subscription) wants(topic string) bool {
	return len(s.topics) == 0 || slices.Contains(s.topics, topic)
}

type memBus struct {
	mu      sync.RWMutex
	subs    map[uint64]*subscription
	seq     atomic.Uint64
	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	b.mu.RLock()
	targets := make([]chan Event, 0, len(b.subs))
	for _, s := range b.subs {
		if s.wants(e.Type) {
			targets = append(targets, s.ch)
		}
	}
	b.mu.RUnlock()

	for _, ch := range targets {
		b.send(ch, e)
	}
}

// send recovers from a send on a channel closed by a concurrent unsubscribe.
func (b *memBus) send(ch chan Event, e Event) {
	defer func() { _ = recover() }()
	select {
	case ch <- e:
	default:
		b.dropped.Add(1)
	}
}

func (b *memBus) Subscribe(buffer int, topics ...string) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &subscription{ch: make(chan Event, buffer), topics: slices.Clone(topics)}
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(s.ch)
		})
	}
}

func (b *memBus) Dropped() uint64 { return b.dropped.Load() }

// LogSink forwards log records to the bus as log.record events.
type LogSink struct{ Bus Bus }

var _ logx.EventSink = LogSink{}

func (s LogSink) Emit(r logx.Record) {
	if s.Bus == nil {
		return
	}
	s.Bus.Publish(Event{Type: TopicLogRecord, Data: r})
}
