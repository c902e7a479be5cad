package outbound

import "github.com/sparkline/courier/internal/store"

// statusRank orders the delivery lifecycle. Updates may only move a message
// forward along this order; failed sits outside it and is reachable only
// through a send failure, and leavable only through Retry.
var statusRank = map[string]int{
	store.StatusQueued:    0,
	store.StatusSending:   1,
	store.StatusSent:      2,
	store.StatusDelivered: 3,
	store.StatusRead:      4,
}

// escalate returns the forward-most of the current and proposed statuses.
// A proposal that would move the message backward, or involves failed,
// leaves the current status in place.
func escalate(current, proposed string) string {
	cr, cok := statusRank[current]
	pr, pok := statusRank[proposed]
	if !cok || !pok {
		return current
	}
	if pr > cr {
		return proposed
	}
	return current
}
