package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Name      string
	Timestamp time.Time
	Payload   any
}

// Handler receives published events. Handlers run synchronously on the
// publisher's goroutine, in subscription order.
type Handler func(Event)
