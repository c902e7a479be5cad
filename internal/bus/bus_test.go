package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	var got []Event
	unsub := b.Subscribe("conn.state_changed", func(evt Event) {
		got = append(got, evt)
	})
	defer unsub()

	b.Publish(Event{Name: "conn.state_changed", Timestamp: time.Now(), Payload: "test"})

	if len(got) != 1 {
		t.Fatalf("got %d events, want 1", len(got))
	}
	if got[0].Payload != "test" {
		t.Errorf("payload = %v, want test", got[0].Payload)
	}
}

func TestNameFiltering(t *testing.T) {
	b := New()
	var got []string
	unsub := b.Subscribe("message.updated", func(evt Event) {
		got = append(got, evt.Name)
	})
	defer unsub()

	b.Publish(Event{Name: "conn.state_changed"})
	b.Publish(Event{Name: "message.updated"})

	if len(got) != 1 || got[0] != "message.updated" {
		t.Errorf("got %v, want [message.updated]", got)
	}
}

func TestSubscriptionOrder(t *testing.T) {
	b := New()
	var order []int
	for i := 0; i < 5; i++ {
		i := i
		defer b.Subscribe("tick", func(Event) { order = append(order, i) })()
	}

	b.Publish(Event{Name: "tick"})

	for i, v := range order {
		if v != i {
			t.Fatalf("handlers ran out of subscription order: %v", order)
		}
	}
	if len(order) != 5 {
		t.Fatalf("got %d handler invocations, want 5", len(order))
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	calls := 0
	unsub := b.Subscribe("tick", func(Event) { calls++ })
	unsub()

	b.Publish(Event{Name: "tick"})

	if calls != 0 {
		t.Errorf("handler called %d times after unsubscribe, want 0", calls)
	}
}

func TestDoubleUnsubscribeIsNoOp(t *testing.T) {
	b := New()
	calls := 0
	unsubA := b.Subscribe("tick", func(Event) {})
	_ = b.Subscribe("tick", func(Event) { calls++ })

	unsubA()
	unsubA() // must not disturb the remaining subscription

	b.Publish(Event{Name: "tick"})

	if calls != 1 {
		t.Errorf("surviving handler called %d times, want 1", calls)
	}
}

func TestUnsubscribeDuringPublish(t *testing.T) {
	b := New()
	calls := 0
	var unsub func()
	unsub = b.Subscribe("tick", func(Event) {
		calls++
		unsub()
	})
	defer b.Subscribe("tick", func(Event) { calls++ })()

	b.Publish(Event{Name: "tick"})
	b.Publish(Event{Name: "tick"})

	// First publish hits both handlers, second only the surviving one.
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}
