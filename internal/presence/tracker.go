// Package presence tracks who is online and who is composing, per
// conversation. All of its state is ephemeral: nothing here touches the
// cache, and everything is rebuilt from server events after a reconnect.
package presence

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sparkline/courier/internal/bus"
	"github.com/sparkline/courier/internal/conn"
	"github.com/sparkline/courier/internal/wire"
)

// Bus events published by the tracker.
const (
	EventTypingStarted = "presence.typing_started"
	EventTypingStopped = "presence.typing_stopped"
	EventUpdated       = "presence.updated"
)

// DefaultTypingTimeout bounds a typing record's lifetime without renewal.
const DefaultTypingTimeout = 3 * time.Second

// Sender is the outbound side of the server channel.
type Sender interface {
	Send(event string, payload any) error
}

// Typist is a live typing record, published with the typing bus events.
type Typist struct {
	ConversationID string
	UserID         string
	DisplayName    string
	StartedAt      time.Time
}

// Record is a remote user's presence as last reported by the server.
type Record struct {
	UserID   string
	Online   bool
	LastSeen int64
}

type typingKey struct {
	conversationID string
	userID         string
}

type typingRecord struct {
	typist Typist
	timer  *time.Timer
}

// Tracker owns the typing and presence maps. Presence is purely
// event-driven: the tracker never infers a remote user's state from the
// local channel's connectivity.
type Tracker struct {
	ch      Sender
	bus     *bus.Bus
	logger  *zap.Logger
	timeout time.Duration

	mu       sync.Mutex
	typing   map[typingKey]*typingRecord
	presence map[string]Record
}

func NewTracker(ch Sender, b *bus.Bus, logger *zap.Logger, timeout time.Duration) *Tracker {
	if timeout <= 0 {
		timeout = DefaultTypingTimeout
	}
	return &Tracker{
		ch:       ch,
		bus:      b,
		logger:   logger.Named("presence"),
		timeout:  timeout,
		typing:   make(map[typingKey]*typingRecord),
		presence: make(map[string]Record),
	}
}

// Attach wires the tracker to the channel's server events. The returned
// function detaches it.
func (t *Tracker) Attach(cm *conn.Manager) func() {
	unsubs := []func(){
		cm.Subscribe(wire.EventUserTyping, func(data json.RawMessage) {
			var ev wire.Typing
			if err := wire.Decode(data, &ev); err != nil {
				t.logger.Warn("dropping malformed user_typing", zap.Error(err))
				return
			}
			t.HandleTyping(ev)
		}),
		cm.Subscribe(wire.EventUserStoppedTyping, func(data json.RawMessage) {
			var ev wire.Typing
			if err := wire.Decode(data, &ev); err != nil {
				t.logger.Warn("dropping malformed user_stopped_typing", zap.Error(err))
				return
			}
			t.HandleStoppedTyping(ev)
		}),
		cm.Subscribe(wire.EventServerPresenceUpdate, func(data json.RawMessage) {
			var ev wire.PresenceUpdate
			if err := wire.Decode(data, &ev); err != nil {
				t.logger.Warn("dropping malformed presence_update", zap.Error(err))
				return
			}
			t.HandlePresence(ev)
		}),
		cm.OnStateChange(func(st conn.Status) {
			if st.State == conn.Disconnected {
				t.Clear()
			}
		}),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// HandleTyping records a remote typing start. A renewal for an already
// typing user re-arms the expiry timer instead of stacking a second one.
func (t *Tracker) HandleTyping(ev wire.Typing) {
	key := typingKey{ev.ConversationID, ev.UserID}

	t.mu.Lock()
	prev, renewing := t.typing[key]
	if renewing {
		prev.timer.Stop()
	}
	rec := &typingRecord{typist: Typist{
		ConversationID: ev.ConversationID,
		UserID:         ev.UserID,
		DisplayName:    ev.DisplayName,
		StartedAt:      time.Now(),
	}}
	if renewing {
		rec.typist.StartedAt = prev.typist.StartedAt
		if ev.DisplayName == "" {
			rec.typist.DisplayName = prev.typist.DisplayName
		}
	}
	rec.timer = time.AfterFunc(t.timeout, func() { t.expire(key, rec) })
	t.typing[key] = rec
	typist := rec.typist
	t.mu.Unlock()

	if !renewing {
		t.publish(EventTypingStarted, typist)
	}
}

// HandleStoppedTyping removes a typing record on an explicit stop. The stop
// broadcast fires exactly once per start: if the expiry timer already won
// the race this is a no-op.
func (t *Tracker) HandleStoppedTyping(ev wire.Typing) {
	key := typingKey{ev.ConversationID, ev.UserID}

	t.mu.Lock()
	rec, ok := t.typing[key]
	if ok {
		rec.timer.Stop()
		delete(t.typing, key)
	}
	t.mu.Unlock()

	if ok {
		t.publish(EventTypingStopped, rec.typist)
	}
}

// expire is the timer path for a typing record whose stop never arrived.
// The pointer comparison guards against a stale timer firing after the
// record was renewed: only the timer belonging to the current record wins.
func (t *Tracker) expire(key typingKey, rec *typingRecord) {
	t.mu.Lock()
	current, ok := t.typing[key]
	if !ok || current != rec {
		t.mu.Unlock()
		return
	}
	delete(t.typing, key)
	t.mu.Unlock()

	t.publish(EventTypingStopped, rec.typist)
}

// HandlePresence applies a server-reported presence change.
func (t *Tracker) HandlePresence(ev wire.PresenceUpdate) {
	rec := Record{UserID: ev.UserID, Online: ev.IsOnline, LastSeen: ev.LastSeen}

	t.mu.Lock()
	if prev, ok := t.presence[ev.UserID]; ok && rec.LastSeen == 0 {
		rec.LastSeen = prev.LastSeen
	}
	t.presence[ev.UserID] = rec
	t.mu.Unlock()

	t.publish(EventUpdated, rec)
}

// TypingIn returns who is currently composing in a conversation, oldest
// start first.
func (t *Tracker) TypingIn(conversationID string) []Typist {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Typist
	for key, rec := range t.typing {
		if key.conversationID == conversationID {
			out = append(out, rec.typist)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Presence looks up a remote user's last reported state.
func (t *Tracker) Presence(userID string) (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.presence[userID]
	return rec, ok
}

// StartTyping announces that the local user began composing.
func (t *Tracker) StartTyping(conversationID string) error {
	return t.ch.Send(wire.EventTypingStart, wire.RoomRef{ConversationID: conversationID})
}

// StopTyping announces that the local user stopped composing.
func (t *Tracker) StopTyping(conversationID string) error {
	return t.ch.Send(wire.EventTypingStop, wire.RoomRef{ConversationID: conversationID})
}

// SetOnline announces the local user's online flag.
func (t *Tracker) SetOnline(online bool) error {
	return t.ch.Send(wire.EventPresenceUpdate, wire.PresenceSet{IsOnline: online})
}

// Clear drops every typing record and cancels its timer. It runs on local
// disconnect and shutdown; the presence map is left alone because a local
// disconnect says nothing about remote users.
func (t *Tracker) Clear() {
	t.mu.Lock()
	for key, rec := range t.typing {
		rec.timer.Stop()
		delete(t.typing, key)
	}
	t.mu.Unlock()
}

func (t *Tracker) publish(event string, payload any) {
	t.bus.Publish(bus.Event{Name: event, Timestamp: time.Now(), Payload: payload})
}
