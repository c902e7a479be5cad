// Package wire defines the event protocol spoken over the server channel.
//
// Every frame is a JSON envelope {"event": <name>, "data": {...}}. Payload
// field names follow the server's camelCase convention.
package wire

// Client-to-server event names.
const (
	EventSendMessage     = "send_message"
	EventMarkMessageRead = "mark_message_read"
	EventTypingStart     = "typing_start"
	EventTypingStop      = "typing_stop"
	EventJoinRoom        = "join_room"
	EventLeaveRoom       = "leave_room"
	EventPresenceUpdate  = "presence_update"
)

// Server-to-client event names.
const (
	EventNewMessage           = "new_message"
	EventMessageSent          = "message_sent"
	EventMessageStatusUpdate  = "message_status_update"
	EventReadReceipt          = "read_receipt"
	EventUserTyping           = "user_typing"
	EventUserStoppedTyping    = "user_stopped_typing"
	EventUserJoined           = "user_joined_conversation"
	EventUserLeft             = "user_left_conversation"
	EventServerPresenceUpdate = "presence_update"
)

// SendMessage asks the server to deliver a message. TempID is the
// client-generated provisional id echoed back in the confirmation.
type SendMessage struct {
	ConversationID string `json:"conversationId"`
	Content        string `json:"content"`
	Type           string `json:"type"`
	MediaURL       string `json:"mediaUrl,omitempty"`
	TempID         string `json:"tempId"`
}

// MarkMessageRead advances the local user's read position.
type MarkMessageRead struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
}

// RoomRef addresses a conversation for join/leave and typing events.
type RoomRef struct {
	ConversationID string `json:"conversationId"`
}

// PresenceSet announces the local user's online flag.
type PresenceSet struct {
	IsOnline bool `json:"isOnline"`
}

// NewMessage is a full message broadcast. When TempID is non-empty and the
// sender is the local user, it doubles as a delivery confirmation.
type NewMessage struct {
	MessageID      string `json:"messageId"`
	TempID         string `json:"tempId,omitempty"`
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId"`
	SenderName     string `json:"senderName,omitempty"`
	Content        string `json:"content"`
	Type           string `json:"type"`
	MediaURL       string `json:"mediaUrl,omitempty"`
	CreatedAt      int64  `json:"createdAt"`
}

// MessageSent confirms a send_message, mapping the echoed provisional id to
// the server-assigned canonical id.
type MessageSent struct {
	TempID         string `json:"tempId"`
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
}

// MessageStatusUpdate escalates a message's delivery status.
type MessageStatusUpdate struct {
	MessageID      string `json:"messageId"`
	Status         string `json:"status"`
	ConversationID string `json:"conversationId"`
}

// ReadReceipt records that a peer read a message.
type ReadReceipt struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	ReadAt         int64  `json:"readAt"`
}

// Typing is the payload of user_typing and user_stopped_typing.
type Typing struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	DisplayName    string `json:"displayName,omitempty"`
}

// PresenceUpdate reports a remote user's online flag and last-seen time.
type PresenceUpdate struct {
	UserID   string `json:"userId"`
	IsOnline bool   `json:"isOnline"`
	LastSeen int64  `json:"lastSeen,omitempty"`
}

// Membership is the payload of user_joined_conversation and
// user_left_conversation.
type Membership struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	DisplayName    string `json:"displayName,omitempty"`
	JoinedAt       int64  `json:"joinedAt,omitempty"`
}
