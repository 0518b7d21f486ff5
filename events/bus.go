package events

import (
	"sync"
)

// subscriptionBuffer bounds how many undelivered events a subscriber
// may hold before Publish blocks on it. A streaming run at full token
// rate stays far below this as long as the consumer is draining.
const subscriptionBuffer = 1024

// Bus is an in-process fan-out of run events. Publishing delivers the
// event to every live subscription in registration order; a disposed
// subscription is skipped. Subscriptions must exist before the run's
// remote request is issued, otherwise early events are lost.
type Bus struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]*Subscription
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]*Subscription)}
}

// Subscribe registers a new listener. The caller owns the returned
// Subscription and must call Dispose on every exit path.
func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++

	s := &Subscription{
		ch:   make(chan Event, subscriptionBuffer),
		done: make(chan struct{}),
	}
	s.dispose = func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		close(s.done)
	}
	b.subs[id] = s
	return s
}

// Publish delivers ev to every live subscription. Delivery blocks on a
// full subscriber until it drains or disposes, so no event is ever
// dropped for an attached listener.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	subs := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		select {
		case s.ch <- ev:
		case <-s.done:
		}
	}
}

// Subscription is one listener's handle on the bus. Events arrive on
// C in publish order. Dispose is idempotent and safe to call from any
// goroutine; after Dispose no further events are delivered.
type Subscription struct {
	ch      chan Event
	done    chan struct{}
	dispose func()
	once    sync.Once
}

// C returns the event channel. It is never closed; select against
// Done to notice disposal.
func (s *Subscription) C() <-chan Event { return s.ch }

// Done is closed when the subscription is disposed.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Dispose detaches the subscription from the bus. Calling it more
// than once is a no-op.
func (s *Subscription) Dispose() {
	s.once.Do(s.dispose)
}
