package events

import (
	"testing"
)

func TestPublish_DeliversInOrder(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe()
	defer sub.Dispose()

	bus.Publish(Event{Type: TypeRunStart, RunID: "r1"})
	bus.Publish(Event{Type: TypeChunk, RunID: "r1", Delta: "a"})
	bus.Publish(Event{Type: TypeChunk, RunID: "r1", Delta: "b"})

	want := []Event{
		{Type: TypeRunStart, RunID: "r1"},
		{Type: TypeChunk, RunID: "r1", Delta: "a"},
		{Type: TypeChunk, RunID: "r1", Delta: "b"},
	}
	for i, w := range want {
		got := <-sub.C()
		if got.Type != w.Type || got.Delta != w.Delta {
			t.Errorf("event %d: got %+v, want %+v", i, got, w)
		}
	}
}

func TestPublish_SkipsDisposedSubscription(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe()
	sub.Dispose()

	// Must not block even though nobody drains the channel.
	for i := 0; i < subscriptionBuffer+10; i++ {
		bus.Publish(Event{Type: TypeChunk, RunID: "r1", Delta: "x"})
	}
}

func TestDispose_Idempotent(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe()

	sub.Dispose()
	sub.Dispose()
	sub.Dispose()

	select {
	case <-sub.Done():
	default:
		t.Errorf("Done channel not closed after Dispose")
	}
}

func TestSubscribe_MultipleListenersEachReceive(t *testing.T) {
	bus := NewBus()
	a := bus.Subscribe()
	b := bus.Subscribe()
	defer a.Dispose()
	defer b.Dispose()

	bus.Publish(Event{Type: TypeComplete, RunID: "r9"})

	for _, sub := range []*Subscription{a, b} {
		got := <-sub.C()
		if got.Type != TypeComplete || got.RunID != "r9" {
			t.Errorf("got %+v, want complete event for r9", got)
		}
	}
}

func TestTerminal(t *testing.T) {
	cases := []struct {
		ev   Event
		want bool
	}{
		{Event{Type: TypeRunStart}, false},
		{Event{Type: TypeChunk}, false},
		{Event{Type: TypeChunk, Done: true}, true},
		{Event{Type: TypeToolStart}, false},
		{Event{Type: TypeComplete}, true},
		{Event{Type: TypeError}, true},
		{Event{Type: TypeCancelled}, true},
	}
	for _, c := range cases {
		if got := c.ev.Terminal(); got != c.want {
			t.Errorf("Terminal(%s done=%v) = %v, want %v", c.ev.Type, c.ev.Done, got, c.want)
		}
	}
}
