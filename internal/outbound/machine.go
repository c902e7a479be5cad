// Package outbound turns send intents into optimistically rendered
// messages, tracks them through the delivery lifecycle, and reconciles
// client-generated provisional ids with server-assigned canonical ones.
package outbound

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sparkline/courier/internal/bus"
	"github.com/sparkline/courier/internal/conn"
	"github.com/sparkline/courier/internal/store"
	"github.com/sparkline/courier/internal/wire"
)

// Bus event names published by the machine.
const (
	EventMessageCreated = "message.created"
	EventMessageUpdated = "message.updated"
)

// ErrNotRetryable is returned by Retry for messages that are not in the
// failed state.
var ErrNotRetryable = errors.New("message is not in failed state")

// Channel is the slice of the connection manager the machine depends on.
type Channel interface {
	Send(event string, payload any) error
	Status() conn.Status
}

// Machine owns the status transitions of every message the local user
// creates. It is the only component that moves a message through the
// delivery lifecycle.
type Machine struct {
	db     *store.DB
	ch     Channel
	bus    *bus.Bus
	logger *zap.Logger
	selfID string

	ackTimeout time.Duration
	pageSize   int

	mu        sync.Mutex
	queue     []string                    // provisional ids awaiting handover, creation order
	inQueue   map[string]bool
	byConv    map[string][]*store.Message // chronological per-conversation view
	index     map[string]*store.Message   // keyed by current id (provisional or canonical)
	tempIndex map[string]*store.Message   // keyed by provisional id, survives reconciliation
	tempRing  []string                    // bounds tempIndex to a dedup grace window
	ackTimers map[string]*time.Timer      // keyed by provisional id
}

// NewMachine creates the outbound state machine for the local user selfID.
func NewMachine(db *store.DB, ch Channel, b *bus.Bus, selfID string, logger *zap.Logger) *Machine {
	return &Machine{
		db:         db,
		ch:         ch,
		bus:        b,
		logger:     logger,
		selfID:     selfID,
		ackTimeout: 15 * time.Second,
		pageSize:   50,
		inQueue:    make(map[string]bool),
		byConv:     make(map[string][]*store.Message),
		index:      make(map[string]*store.Message),
		tempIndex:  make(map[string]*store.Message),
		ackTimers:  make(map[string]*time.Timer),
	}
}

const tempIndexCap = 256

// Attach wires the machine to the bus: the connected transition drains the
// offline queue, and inbound server events drive reconciliation and status
// escalation. The returned function detaches everything.
func (m *Machine) Attach(cm *conn.Manager) func() {
	unsubs := []func(){
		cm.OnStateChange(func(st conn.Status) {
			if st.State == conn.Connected {
				m.Drain()
			}
		}),
		cm.Subscribe(wire.EventNewMessage, func(data json.RawMessage) {
			var ev wire.NewMessage
			if err := wire.Decode(data, &ev); err != nil {
				m.logger.Warn("dropping malformed new_message", zap.Error(err))
				return
			}
			m.HandleNewMessage(ev)
		}),
		cm.Subscribe(wire.EventMessageSent, func(data json.RawMessage) {
			var ev wire.MessageSent
			if err := wire.Decode(data, &ev); err != nil {
				m.logger.Warn("dropping malformed message_sent", zap.Error(err))
				return
			}
			m.HandleMessageSent(ev)
		}),
		cm.Subscribe(wire.EventMessageStatusUpdate, func(data json.RawMessage) {
			var ev wire.MessageStatusUpdate
			if err := wire.Decode(data, &ev); err != nil {
				m.logger.Warn("dropping malformed message_status_update", zap.Error(err))
				return
			}
			m.HandleStatusUpdate(ev)
		}),
		cm.Subscribe(wire.EventReadReceipt, func(data json.RawMessage) {
			var ev wire.ReadReceipt
			if err := wire.Decode(data, &ev); err != nil {
				m.logger.Warn("dropping malformed read_receipt", zap.Error(err))
				return
			}
			m.HandleReadReceipt(ev)
		}),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// Send creates a message from user intent. The optimistic record is durably
// written and visible in the conversation view before any network round
// trip; transmission happens immediately when connected, otherwise the
// message waits in the offline queue.
func (m *Machine) Send(conversationID, content, contentType, mediaURL string) (*store.Message, error) {
	if contentType == "" {
		contentType = "text"
	}
	now := time.Now().UnixMilli()
	tempID := uuid.NewString()
	connected := m.ch.Status().State == conn.Connected

	msg := &store.Message{
		ID:             tempID,
		TempID:         tempID,
		ConversationID: conversationID,
		SenderID:       m.selfID,
		Content:        content,
		ContentType:    contentType,
		MediaURL:       mediaURL,
		Status:         store.StatusSending,
		SyncStatus:     store.SyncPending,
		CreatedAt:      now,
	}
	if !connected {
		msg.Status = store.StatusQueued
	}

	if err := m.db.UpsertMessage(msg); err != nil {
		// Storage failure: surface it on the message instead of dropping
		// the intent. The caller decides whether to retry.
		msg.Status = store.StatusFailed
		msg.SyncStatus = store.SyncFailed
		m.mu.Lock()
		m.registerLocked(msg)
		m.mu.Unlock()
		m.publish(EventMessageCreated, msg)
		return msg, fmt.Errorf("persist message: %w", err)
	}
	_ = m.db.TouchConversation(conversationID, now)

	m.mu.Lock()
	m.registerLocked(msg)
	if !connected {
		m.enqueueLocked(tempID)
	}
	m.mu.Unlock()

	m.publish(EventMessageCreated, msg)

	if connected {
		m.transmit(msg)
	}
	return msg, nil
}

// Drain submits every queued message in creation order. It runs
// automatically on the connected transition and is safe to call manually;
// an empty queue makes it a no-op. A message leaves the queue when handed
// to the channel, not when confirmed.
func (m *Machine) Drain() {
	for {
		m.mu.Lock()
		if len(m.queue) == 0 || m.ch.Status().State != conn.Connected {
			m.mu.Unlock()
			return
		}
		tempID := m.queue[0]
		m.queue = m.queue[1:]
		delete(m.inQueue, tempID)
		msg := m.tempIndex[tempID]
		m.mu.Unlock()

		if msg == nil {
			continue
		}
		m.advanceStatus(msg, store.StatusSending)
		m.transmit(msg)
	}
}

// QueuedCount returns the number of messages waiting for the channel.
func (m *Machine) QueuedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// Retry re-submits a failed message through the channel with the identity
// it already has; retry never mints a new id, so the server cannot
// double-record the send.
func (m *Machine) Retry(id string) error {
	m.mu.Lock()
	msg := m.index[id]
	m.mu.Unlock()
	if msg == nil {
		stored, err := m.db.GetMessage(id)
		if err != nil {
			return err
		}
		if stored == nil {
			return fmt.Errorf("message %s not found", id)
		}
		m.mu.Lock()
		m.registerLocked(stored)
		m.mu.Unlock()
		msg = stored
	}

	m.mu.Lock()
	if msg.Status != store.StatusFailed {
		m.mu.Unlock()
		return fmt.Errorf("retry %s: %w", id, ErrNotRetryable)
	}
	connected := m.ch.Status().State == conn.Connected
	msg.Status = store.StatusSending
	if !connected {
		msg.Status = store.StatusQueued
	}
	msg.SyncStatus = store.SyncPending
	if !connected {
		m.enqueueLocked(msg.TempID)
	}
	snapshot := *msg
	m.mu.Unlock()

	if err := m.db.UpsertMessage(&snapshot); err != nil {
		m.logger.Error("persisting retry failed", zap.Error(err), zap.String("msg_id", id))
	}
	m.publish(EventMessageUpdated, msg)

	if connected {
		m.transmit(msg)
	}
	return nil
}

// Resume reloads unsent work after a restart: every message still flagged
// sync-pending re-enters the offline queue in creation order.
func (m *Machine) Resume() error {
	pending, err := m.db.PendingSyncMessages()
	if err != nil {
		return fmt.Errorf("load pending messages: %w", err)
	}

	m.mu.Lock()
	for i := range pending {
		msg := pending[i]
		if msg.SenderID != m.selfID || msg.TempID == "" {
			continue
		}
		if msg.ID != msg.TempID {
			// Already reconciled; the pending flag is stale.
			continue
		}
		if existing := m.tempIndex[msg.TempID]; existing != nil {
			continue
		}
		msg.Status = store.StatusQueued
		m.registerLocked(&msg)
		m.enqueueLocked(msg.TempID)
	}
	count := len(m.queue)
	m.mu.Unlock()

	if count > 0 {
		m.logger.Info("resumed unsent messages", zap.Int("count", count))
	}
	return nil
}

// MessagesFor returns the conversation's messages in chronological order.
// The view is always non-decreasing by creation time regardless of network
// arrival order.
func (m *Machine) MessagesFor(conversationID string) []store.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensureConvLocked(conversationID)

	list := m.byConv[conversationID]
	out := make([]store.Message, len(list))
	for i, msg := range list {
		out[i] = *msg
	}
	return out
}

// Close cancels all pending ack timers.
func (m *Machine) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, t := range m.ackTimers {
		t.Stop()
		delete(m.ackTimers, id)
	}
}

// HandleMessageSent applies a send confirmation: the provisional id is
// rewritten in place to the canonical id, status advances to sent, and the
// sync flag advances to synced. A confirmation with no matching in-flight
// message is a silent no-op.
func (m *Machine) HandleMessageSent(ev wire.MessageSent) {
	if ev.TempID == "" || ev.MessageID == "" {
		return
	}
	if m.reconcile(ev.TempID, ev.MessageID) {
		return
	}
	// Unknown to this session: the cache may still hold the provisional id
	// from before a restart. A confirmation for a fully unknown id stays a
	// silent no-op.
	if stored, err := m.db.GetMessageByTempID(ev.TempID); err == nil && stored != nil && stored.ID != ev.MessageID {
		_ = m.db.PromoteMessageID(ev.TempID, ev.MessageID)
		_ = m.db.SetMessageStatus(ev.MessageID, escalate(stored.Status, store.StatusSent))
	}
}

// HandleNewMessage routes an inbound message broadcast. The local user's
// own echo (tempId present) reconciles the optimistic record; anything else
// is a remote message inserted at its timestamp position, with duplicate
// canonical ids dropped before insertion.
func (m *Machine) HandleNewMessage(ev wire.NewMessage) {
	if ev.MessageID == "" {
		return
	}
	if ev.TempID != "" && ev.SenderID == m.selfID {
		if m.reconcile(ev.TempID, ev.MessageID) {
			return
		}
		// Not in this session's state: either already reconciled in the
		// cache, or an echo from another device. Promote if the cache
		// still knows the provisional id, otherwise fall through and
		// store it like any other inbound message.
		if stored, err := m.db.GetMessageByTempID(ev.TempID); err == nil && stored != nil {
			if stored.ID != ev.MessageID {
				_ = m.db.PromoteMessageID(ev.TempID, ev.MessageID)
			}
			return
		}
	}

	m.mu.Lock()
	m.ensureConvLocked(ev.ConversationID)
	if m.index[ev.MessageID] != nil {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	// The in-memory view only holds recent pages; check the cache too so a
	// replay of an older message cannot duplicate it.
	if existing, err := m.db.GetMessage(ev.MessageID); err != nil {
		m.logger.Error("dedup lookup failed", zap.Error(err), zap.String("msg_id", ev.MessageID))
		return
	} else if existing != nil {
		return
	}

	createdAt := ev.CreatedAt
	if createdAt == 0 {
		createdAt = time.Now().UnixMilli()
	}
	msg := &store.Message{
		ID:             ev.MessageID,
		ConversationID: ev.ConversationID,
		SenderID:       ev.SenderID,
		Content:        ev.Content,
		ContentType:    ev.Type,
		MediaURL:       ev.MediaURL,
		Status:         store.StatusDelivered,
		SyncStatus:     store.SyncSynced,
		CreatedAt:      createdAt,
	}

	if err := m.db.UpsertMessage(msg); err != nil {
		m.logger.Error("persisting remote message failed", zap.Error(err), zap.String("msg_id", msg.ID))
		return
	}
	_ = m.db.TouchConversation(ev.ConversationID, createdAt)
	if ev.SenderName != "" {
		_ = m.db.UpsertUser(&store.User{ID: ev.SenderID, DisplayName: ev.SenderName})
	}

	m.mu.Lock()
	m.registerLocked(msg)
	m.mu.Unlock()

	m.publish(EventMessageCreated, msg)
}

// HandleStatusUpdate escalates a message's delivery status. Updates that
// would move the status backward are ignored.
func (m *Machine) HandleStatusUpdate(ev wire.MessageStatusUpdate) {
	if ev.MessageID == "" {
		return
	}
	msg := m.lookup(ev.MessageID)
	if msg == nil {
		return
	}
	m.advanceStatus(msg, ev.Status)
}

// HandleReadReceipt records a peer's read receipt and escalates the
// affected message to read.
func (m *Machine) HandleReadReceipt(ev wire.ReadReceipt) {
	if ev.MessageID == "" || ev.UserID == "" {
		return
	}
	readAt := ev.ReadAt
	if readAt == 0 {
		readAt = time.Now().UnixMilli()
	}
	if err := m.db.UpsertReadReceipt(&store.ReadReceipt{
		MessageID:      ev.MessageID,
		ConversationID: ev.ConversationID,
		UserID:         ev.UserID,
		ReadAt:         readAt,
	}); err != nil {
		m.logger.Error("persisting read receipt failed", zap.Error(err), zap.String("msg_id", ev.MessageID))
	}
	if ev.ConversationID != "" {
		_ = m.db.AdvanceLastRead(ev.ConversationID, ev.UserID, readAt)
	}

	if msg := m.lookup(ev.MessageID); msg != nil {
		m.advanceStatus(msg, store.StatusRead)
	}
}

// reconcile matches a confirmation to its optimistic record purely by
// provisional id; content heuristics are unsound under duplicate sends and
// are deliberately not used. It reports whether the id was known, with a
// duplicate confirmation counting as known (and being a silent no-op).
func (m *Machine) reconcile(tempID, canonicalID string) bool {
	m.mu.Lock()
	msg := m.tempIndex[tempID]
	if msg == nil {
		m.mu.Unlock()
		return false
	}
	if msg.ID == canonicalID {
		// Duplicate confirmation: silent no-op.
		m.mu.Unlock()
		return true
	}
	if t := m.ackTimers[tempID]; t != nil {
		t.Stop()
		delete(m.ackTimers, tempID)
	}
	delete(m.index, msg.ID)
	msg.ID = canonicalID
	msg.Status = escalate(msg.Status, store.StatusSent)
	msg.SyncStatus = store.SyncSynced
	m.index[canonicalID] = msg
	status := msg.Status
	m.mu.Unlock()

	if err := m.db.PromoteMessageID(tempID, canonicalID); err != nil {
		m.logger.Error("promoting message id failed", zap.Error(err), zap.String("temp_id", tempID))
	}
	if err := m.db.SetMessageStatus(canonicalID, status); err != nil {
		m.logger.Error("persisting status failed", zap.Error(err), zap.String("msg_id", canonicalID))
	}

	m.logger.Info("message reconciled",
		zap.String("temp_id", tempID),
		zap.String("msg_id", canonicalID))
	m.publish(EventMessageUpdated, msg)
	return true
}

// transmit hands a message to the channel and arms the ack timer. The
// message stays sync-pending until a confirmation arrives; a missing ack
// fails it so the user gets a retry affordance instead of silence.
func (m *Machine) transmit(msg *store.Message) {
	err := m.ch.Send(wire.EventSendMessage, wire.SendMessage{
		ConversationID: msg.ConversationID,
		Content:        msg.Content,
		Type:           msg.ContentType,
		MediaURL:       msg.MediaURL,
		TempID:         msg.TempID,
	})
	if err != nil {
		m.fail(msg, err)
		return
	}

	tempID := msg.TempID
	m.mu.Lock()
	if t := m.ackTimers[tempID]; t != nil {
		t.Stop()
	}
	m.ackTimers[tempID] = time.AfterFunc(m.ackTimeout, func() {
		m.ackExpired(tempID)
	})
	m.mu.Unlock()
}

func (m *Machine) ackExpired(tempID string) {
	m.mu.Lock()
	delete(m.ackTimers, tempID)
	msg := m.tempIndex[tempID]
	if msg == nil || msg.SyncStatus != store.SyncPending || msg.Status != store.StatusSending {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	m.fail(msg, errors.New("ack timeout"))
}

func (m *Machine) fail(msg *store.Message, cause error) {
	m.mu.Lock()
	msg.Status = store.StatusFailed
	msg.SyncStatus = store.SyncFailed
	snapshot := *msg
	m.mu.Unlock()

	m.logger.Warn("message send failed",
		zap.Error(cause),
		zap.String("temp_id", snapshot.TempID))
	if err := m.db.UpsertMessage(&snapshot); err != nil {
		m.logger.Error("persisting failure failed", zap.Error(err), zap.String("msg_id", snapshot.ID))
	}
	m.publish(EventMessageUpdated, msg)
}

// advanceStatus escalates both the in-memory record and the cache row,
// ignoring backward moves.
func (m *Machine) advanceStatus(msg *store.Message, proposed string) {
	m.mu.Lock()
	next := escalate(msg.Status, proposed)
	if next == msg.Status {
		m.mu.Unlock()
		return
	}
	msg.Status = next
	id := msg.ID
	m.mu.Unlock()

	if err := m.db.SetMessageStatus(id, next); err != nil {
		m.logger.Error("persisting status failed", zap.Error(err), zap.String("msg_id", id))
	}
	m.publish(EventMessageUpdated, msg)
}

func (m *Machine) lookup(id string) *store.Message {
	m.mu.Lock()
	msg := m.index[id]
	m.mu.Unlock()
	if msg != nil {
		return msg
	}

	stored, err := m.db.GetMessage(id)
	if err != nil || stored == nil {
		return nil
	}
	m.mu.Lock()
	if existing := m.index[id]; existing != nil {
		stored = existing
	} else {
		m.registerLocked(stored)
	}
	m.mu.Unlock()
	return stored
}

// registerLocked indexes a message and inserts it into the conversation
// view at its timestamp position. Callers hold m.mu.
func (m *Machine) registerLocked(msg *store.Message) {
	if m.index[msg.ID] != nil {
		return
	}
	m.index[msg.ID] = msg
	if msg.TempID != "" {
		m.rememberTempLocked(msg.TempID, msg)
	}

	list := m.byConv[msg.ConversationID]
	pos := sort.Search(len(list), func(i int) bool {
		return list[i].CreatedAt > msg.CreatedAt
	})
	list = append(list, nil)
	copy(list[pos+1:], list[pos:])
	list[pos] = msg
	m.byConv[msg.ConversationID] = list
}

func (m *Machine) rememberTempLocked(tempID string, msg *store.Message) {
	if _, ok := m.tempIndex[tempID]; !ok {
		m.tempRing = append(m.tempRing, tempID)
		if len(m.tempRing) > tempIndexCap {
			evict := m.tempRing[0]
			m.tempRing = m.tempRing[1:]
			delete(m.tempIndex, evict)
		}
	}
	m.tempIndex[tempID] = msg
}

func (m *Machine) enqueueLocked(tempID string) {
	if tempID == "" || m.inQueue[tempID] {
		return
	}
	m.queue = append(m.queue, tempID)
	m.inQueue[tempID] = true
}

// ensureConvLocked warms the in-memory view from the cache the first time a
// conversation is read. Callers hold m.mu.
func (m *Machine) ensureConvLocked(conversationID string) {
	if _, ok := m.byConv[conversationID]; ok {
		return
	}
	m.byConv[conversationID] = []*store.Message{}

	page, err := m.db.ListMessages(conversationID, 0, m.pageSize)
	if err != nil {
		m.logger.Error("loading conversation failed", zap.Error(err), zap.String("conversation_id", conversationID))
		return
	}
	// The page is reverse-chronological; register re-sorts to chronological.
	for i := range page {
		msg := page[i]
		m.registerLocked(&msg)
	}
}

func (m *Machine) publish(name string, msg *store.Message) {
	m.mu.Lock()
	snapshot := *msg
	m.mu.Unlock()
	m.bus.Publish(bus.Event{
		Name:      name,
		Timestamp: time.Now(),
		Payload:   snapshot,
	})
}
