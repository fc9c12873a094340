// Package event implements the in-process fanout bus that connects the
// task lifecycle manager to streaming subscribers (SSE, gRPC streams)
// and the push dispatcher.
package event

import (
	"sync"

	"github.com/parleyhq/parley/internal/domain/protocol"
)

// subscriber buffer size. A subscriber that falls this far behind is
// dropped rather than allowed to stall publishers.
const bufferSize = 64

// Bus fans out task events to subscribers keyed by topic. Publish
// never blocks: slow subscribers are disconnected.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]map[int]chan protocol.Event
	nextID int
	closed bool
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[string]map[int]chan protocol.Event)}
}

// TaskTopic is the topic carrying events for one task.
func TaskTopic(taskID string) string { return "task:" + taskID }

// TopicAllTasks carries every status update, regardless of task. The
// push dispatcher drains it.
const TopicAllTasks = "tasks:all"

// Subscribe registers a subscriber on the topic. The returned cancel
// function removes the subscription and closes the channel; it is safe
// to call more than once.
func (b *Bus) Subscribe(topic string) (<-chan protocol.Event, func()) {
	ch := make(chan protocol.Event, bufferSize)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[int]chan protocol.Event)
	}
	b.subs[topic][id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			if subs, ok := b.subs[topic]; ok {
				if _, live := subs[id]; live {
					delete(subs, id)
					close(ch)
					if len(subs) == 0 {
						delete(b.subs, topic)
					}
				}
			}
			b.mu.Unlock()
		})
	}
	return ch, cancel
}

// Publish delivers the event to every subscriber of the topic. A full
// subscriber channel is closed and removed.
func (b *Bus) Publish(topic string, ev protocol.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for id, ch := range b.subs[topic] {
		select {
		case ch <- ev:
		default:
			delete(b.subs[topic], id)
			close(ch)
		}
	}
	if len(b.subs[topic]) == 0 {
		delete(b.subs, topic)
	}
}

// Close closes every subscriber channel and rejects further use.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for topic, subs := range b.subs {
		for _, ch := range subs {
			close(ch)
		}
		delete(b.subs, topic)
	}
}
