// Package rooms handles conversation membership: announcing joins and
// leaves to the server, applying the server's membership broadcasts to the
// cache, and advancing the local user's read position.
package rooms

import (
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/sparkline/courier/internal/bus"
	"github.com/sparkline/courier/internal/conn"
	"github.com/sparkline/courier/internal/store"
	"github.com/sparkline/courier/internal/wire"
)

// Bus events published on membership changes.
const (
	EventMemberJoined = "rooms.member_joined"
	EventMemberLeft   = "rooms.member_left"
)

// Sender is the outbound side of the server channel.
type Sender interface {
	Send(event string, payload any) error
}

// Broadcaster is the engine's glue to the server's membership component.
type Broadcaster struct {
	db     *store.DB
	ch     Sender
	bus    *bus.Bus
	logger *zap.Logger
	selfID string
}

func NewBroadcaster(db *store.DB, ch Sender, b *bus.Bus, selfID string, logger *zap.Logger) *Broadcaster {
	return &Broadcaster{
		db:     db,
		ch:     ch,
		bus:    b,
		logger: logger.Named("rooms"),
		selfID: selfID,
	}
}

// Attach wires the broadcaster to the channel's membership events. The
// returned function detaches it.
func (r *Broadcaster) Attach(cm *conn.Manager) func() {
	unsubs := []func(){
		cm.Subscribe(wire.EventUserJoined, func(data json.RawMessage) {
			var ev wire.Membership
			if err := wire.Decode(data, &ev); err != nil {
				r.logger.Warn("dropping malformed user_joined_conversation", zap.Error(err))
				return
			}
			r.HandleJoined(ev)
		}),
		cm.Subscribe(wire.EventUserLeft, func(data json.RawMessage) {
			var ev wire.Membership
			if err := wire.Decode(data, &ev); err != nil {
				r.logger.Warn("dropping malformed user_left_conversation", zap.Error(err))
				return
			}
			r.HandleLeft(ev)
		}),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// Join subscribes the local user to a conversation's broadcasts.
func (r *Broadcaster) Join(conversationID string) error {
	return r.ch.Send(wire.EventJoinRoom, wire.RoomRef{ConversationID: conversationID})
}

// Leave unsubscribes the local user from a conversation's broadcasts.
func (r *Broadcaster) Leave(conversationID string) error {
	return r.ch.Send(wire.EventLeaveRoom, wire.RoomRef{ConversationID: conversationID})
}

// MarkRead advances the local user's read position to a message and tells
// the server. The position never moves backward; marking an older message
// after a newer one leaves the row untouched but still notifies the server,
// which applies the same monotonic rule.
func (r *Broadcaster) MarkRead(conversationID, messageID string) error {
	msg, err := r.db.GetMessage(messageID)
	if err != nil {
		return err
	}
	if msg != nil {
		if err := r.db.AdvanceLastRead(conversationID, r.selfID, msg.CreatedAt); err != nil {
			return err
		}
	}
	return r.ch.Send(wire.EventMarkMessageRead, wire.MarkMessageRead{
		MessageID:      messageID,
		ConversationID: conversationID,
	})
}

// HandleJoined applies a membership broadcast for a user entering a
// conversation.
func (r *Broadcaster) HandleJoined(ev wire.Membership) {
	joined := ev.JoinedAt
	if joined == 0 {
		joined = time.Now().UnixMilli()
	}
	if ev.DisplayName != "" {
		if err := r.db.UpsertUser(&store.User{ID: ev.UserID, DisplayName: ev.DisplayName}); err != nil {
			r.logger.Warn("cache user", zap.String("user_id", ev.UserID), zap.Error(err))
		}
	}
	if err := r.db.UpsertMember(&store.Member{
		ConversationID: ev.ConversationID,
		UserID:         ev.UserID,
		JoinedAt:       joined,
	}); err != nil {
		r.logger.Warn("cache membership", zap.String("conversation_id", ev.ConversationID), zap.Error(err))
		return
	}
	r.publish(EventMemberJoined, ev)
}

// HandleLeft applies a membership broadcast for a user leaving a
// conversation. Removing an already absent member is a no-op.
func (r *Broadcaster) HandleLeft(ev wire.Membership) {
	if err := r.db.RemoveMember(ev.ConversationID, ev.UserID); err != nil {
		r.logger.Warn("remove membership", zap.String("conversation_id", ev.ConversationID), zap.Error(err))
		return
	}
	r.publish(EventMemberLeft, ev)
}

func (r *Broadcaster) publish(event string, payload any) {
	r.bus.Publish(bus.Event{Name: event, Timestamp: time.Now(), Payload: payload})
}
