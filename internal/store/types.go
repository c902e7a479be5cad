package store

// Delivery statuses for an outbound message, in escalation order.
const (
	StatusQueued    = "queued"
	StatusSending   = "sending"
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusRead      = "read"
	StatusFailed    = "failed"
)

// Sync statuses tracking local/server consistency, independent of delivery.
const (
	SyncPending = "pending"
	SyncSynced  = "synced"
	SyncFailed  = "failed"
)

// Conversation kinds.
const (
	KindDirect = "direct"
	KindGroup  = "group"
)

// User is a cached user record.
type User struct {
	ID          string
	DisplayName string
	AvatarURL   string
}

// Conversation is a cached conversation.
type Conversation struct {
	ID             string
	Kind           string
	Name           string
	LastActivityAt int64
	CreatedAt      int64
}

// Member is a (conversation, user) membership row. LastReadAt is the sole
// basis for unread counts and read receipts; it never moves backward.
type Member struct {
	ConversationID string
	UserID         string
	JoinedAt       int64
	LastReadAt     int64
}

// Message is a cached message. While unconfirmed, ID holds the provisional
// id and TempID mirrors it; once reconciled, ID holds the canonical id and
// TempID stays behind to absorb duplicate deliveries.
type Message struct {
	ID             string
	TempID         string
	ConversationID string
	SenderID       string
	Content        string
	ContentType    string
	MediaURL       string
	Status         string
	SyncStatus     string
	CreatedAt      int64
	UpdatedAt      int64
}

// ReadReceipt records that a user read a message.
type ReadReceipt struct {
	MessageID      string
	ConversationID string
	UserID         string
	ReadAt         int64
}
