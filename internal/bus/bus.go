package bus

import "sync"

// Bus is an in-process publish/subscribe registry keyed by event name.
//
// Dispatch is synchronous: Publish invokes every handler subscribed to the
// event's name, in subscription order, before returning. Handlers that need
// to do slow work are expected to hand it off themselves.
type Bus struct {
	mu   sync.RWMutex
	subs map[string][]*subscription
	next int
}

type subscription struct {
	id int
	fn Handler
}

// New creates a new event bus.
func New() *Bus {
	return &Bus{
		subs: make(map[string][]*subscription),
	}
}

// Subscribe registers a handler for the given event name and returns an
// unsubscribe function. Calling the returned function more than once is a
// no-op; it never affects other subscriptions.
func (b *Bus) Subscribe(event string, fn Handler) func() {
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[event] = append(b.subs[event], &subscription{id: id, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.remove(event, id)
		})
	}
}

// Publish delivers an event to all handlers subscribed to its name, in
// subscription order. Handlers registered while Publish runs do not see the
// in-flight event.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	subs := b.subs[evt.Name]
	snapshot := make([]*subscription, len(subs))
	copy(snapshot, subs)
	b.mu.RUnlock()

	for _, sub := range snapshot {
		sub.fn(evt)
	}
}

func (b *Bus) remove(event string, id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[event]
	for i, sub := range subs {
		if sub.id == id {
			b.subs[event] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subs[event]) == 0 {
		delete(b.subs, event)
	}
}
