package rooms

import (
	"path/filepath"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/sparkline/courier/internal/bus"
	"github.com/sparkline/courier/internal/store"
	"github.com/sparkline/courier/internal/wire"
)

type recordingSender struct {
	mu    sync.Mutex
	calls []struct {
		event   string
		payload any
	}
}

func (s *recordingSender) Send(event string, payload any) error {
	s.mu.Lock()
	s.calls = append(s.calls, struct {
		event   string
		payload any
	}{event, payload})
	s.mu.Unlock()
	return nil
}

func testBroadcaster(t *testing.T) (*Broadcaster, *recordingSender, *store.DB, *bus.Bus) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	sender := &recordingSender{}
	b := bus.New()
	return NewBroadcaster(db, sender, b, "me", zap.NewNop()), sender, db, b
}

func TestJoinLeaveEmitRoomEvents(t *testing.T) {
	r, sender, _, _ := testBroadcaster(t)

	if err := r.Join("c1"); err != nil {
		t.Fatal(err)
	}
	if err := r.Leave("c1"); err != nil {
		t.Fatal(err)
	}

	if len(sender.calls) != 2 {
		t.Fatalf("sent %d events, want 2", len(sender.calls))
	}
	if sender.calls[0].event != wire.EventJoinRoom || sender.calls[1].event != wire.EventLeaveRoom {
		t.Errorf("events = %s, %s", sender.calls[0].event, sender.calls[1].event)
	}
	ref := sender.calls[0].payload.(wire.RoomRef)
	if ref.ConversationID != "c1" {
		t.Errorf("join payload = %+v", ref)
	}
}

func TestHandleJoinedCachesMembership(t *testing.T) {
	r, _, db, b := testBroadcaster(t)

	var published []wire.Membership
	b.Subscribe(EventMemberJoined, func(evt bus.Event) {
		published = append(published, evt.Payload.(wire.Membership))
	})

	r.HandleJoined(wire.Membership{ConversationID: "c1", UserID: "u1", DisplayName: "Ana", JoinedAt: 1000})

	members, err := db.ListMembers("c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(members) != 1 || members[0].UserID != "u1" || members[0].JoinedAt != 1000 {
		t.Errorf("members = %+v, want u1 joined at 1000", members)
	}
	if len(published) != 1 {
		t.Errorf("got %d member_joined broadcasts, want 1", len(published))
	}
}

func TestHandleLeftRemovesMembership(t *testing.T) {
	r, _, db, b := testBroadcaster(t)

	var left int
	b.Subscribe(EventMemberLeft, func(bus.Event) { left++ })

	r.HandleJoined(wire.Membership{ConversationID: "c1", UserID: "u1"})
	r.HandleLeft(wire.Membership{ConversationID: "c1", UserID: "u1"})

	members, err := db.ListMembers("c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(members) != 0 {
		t.Errorf("members = %+v, want empty", members)
	}
	if left != 1 {
		t.Errorf("member_left broadcast %d times, want 1", left)
	}

	// Leaving twice is a no-op but still observable.
	r.HandleLeft(wire.Membership{ConversationID: "c1", UserID: "u1"})
	if left != 2 {
		t.Errorf("second leave broadcast count = %d", left)
	}
}

func TestMarkReadAdvancesMonotonically(t *testing.T) {
	r, sender, db, _ := testBroadcaster(t)

	if err := db.UpsertMember(&store.Member{ConversationID: "c1", UserID: "me"}); err != nil {
		t.Fatal(err)
	}
	for _, m := range []*store.Message{
		{ID: "m1", ConversationID: "c1", SenderID: "peer", Content: "a", ContentType: "text", Status: store.StatusDelivered, SyncStatus: store.SyncSynced, CreatedAt: 1000},
		{ID: "m2", ConversationID: "c1", SenderID: "peer", Content: "b", ContentType: "text", Status: store.StatusDelivered, SyncStatus: store.SyncSynced, CreatedAt: 2000},
	} {
		if err := db.UpsertMessage(m); err != nil {
			t.Fatal(err)
		}
	}

	if err := r.MarkRead("c1", "m2"); err != nil {
		t.Fatal(err)
	}
	members, _ := db.ListMembers("c1")
	if members[0].LastReadAt != 2000 {
		t.Fatalf("last read = %d, want 2000", members[0].LastReadAt)
	}

	// Marking the older message must not move the position backward.
	if err := r.MarkRead("c1", "m1"); err != nil {
		t.Fatal(err)
	}
	members, _ = db.ListMembers("c1")
	if members[0].LastReadAt != 2000 {
		t.Errorf("last read regressed to %d", members[0].LastReadAt)
	}

	// Both marks still reach the server.
	if len(sender.calls) != 2 || sender.calls[0].event != wire.EventMarkMessageRead {
		t.Errorf("sent = %+v, want two mark_message_read", sender.calls)
	}
}

func TestMarkReadUnknownMessageStillNotifiesServer(t *testing.T) {
	r, sender, _, _ := testBroadcaster(t)

	if err := r.MarkRead("c1", "missing"); err != nil {
		t.Fatal(err)
	}
	if len(sender.calls) != 1 {
		t.Fatalf("sent %d events, want 1", len(sender.calls))
	}
	payload := sender.calls[0].payload.(wire.MarkMessageRead)
	if payload.MessageID != "missing" {
		t.Errorf("payload = %+v", payload)
	}
}
