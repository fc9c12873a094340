package event

import (
	"testing"
	"time"

	"github.com/parleyhq/parley/internal/domain/protocol"
)

func statusEvent(taskID string, state protocol.TaskState) protocol.Event {
	return protocol.NewStatusUpdate(taskID, "ctx-1", protocol.NewStatus(state, time.Now(), nil))
}

func TestPublishReachesSubscriber(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch, cancel := bus.Subscribe(TaskTopic("t1"))
	defer cancel()

	bus.Publish(TaskTopic("t1"), statusEvent("t1", protocol.TaskStateWorking))

	select {
	case ev := <-ch:
		if ev.EventTaskID() != "t1" {
			t.Errorf("unexpected task id %s", ev.EventTaskID())
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestTopicsAreIsolated(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch, cancel := bus.Subscribe(TaskTopic("t1"))
	defer cancel()

	bus.Publish(TaskTopic("t2"), statusEvent("t2", protocol.TaskStateWorking))

	select {
	case ev := <-ch:
		t.Fatalf("received event from wrong topic: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCancelClosesChannel(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch, cancel := bus.Subscribe(TaskTopic("t1"))
	cancel()
	cancel() // idempotent

	if _, ok := <-ch; ok {
		t.Error("expected closed channel after cancel")
	}

	// Publishing to a topic with no subscribers must not panic.
	bus.Publish(TaskTopic("t1"), statusEvent("t1", protocol.TaskStateCompleted))
}

func TestSlowSubscriberDropped(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch, cancel := bus.Subscribe(TaskTopic("t1"))
	defer cancel()

	// Overfill the buffer without draining.
	for i := 0; i < bufferSize+1; i++ {
		bus.Publish(TaskTopic("t1"), statusEvent("t1", protocol.TaskStateWorking))
	}

	n := 0
	for range ch {
		n++
	}
	if n != bufferSize {
		t.Errorf("expected %d buffered events then close, got %d", bufferSize, n)
	}
}

func TestCloseTerminatesSubscribers(t *testing.T) {
	bus := NewBus()
	ch, _ := bus.Subscribe(TaskTopic("t1"))
	bus.Close()

	if _, ok := <-ch; ok {
		t.Error("expected closed channel after bus close")
	}

	ch2, cancel2 := bus.Subscribe(TaskTopic("t1"))
	cancel2()
	if _, ok := <-ch2; ok {
		t.Error("subscribe after close should return a closed channel")
	}
}
