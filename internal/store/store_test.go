package store

import (
	"path/filepath"
	"testing"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := testDB(t)

	// testDB already ran Migrate; a second run must be a clean no-op.
	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != 1 {
		t.Errorf("version = %d, want 1", result.Version)
	}
}

func TestUpsertMessageIsIdempotent(t *testing.T) {
	db := testDB(t)

	msg := &Message{
		ID:             "tmp-1",
		TempID:         "tmp-1",
		ConversationID: "c1",
		SenderID:       "u1",
		Content:        "hello",
		ContentType:    "text",
		Status:         StatusSending,
		SyncStatus:     SyncPending,
		CreatedAt:      1000,
	}
	if err := db.UpsertMessage(msg); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertMessage(msg); err != nil {
		t.Fatal(err)
	}

	msgs, err := db.ListMessages("c1", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages after replayed upsert, want 1", len(msgs))
	}
}

func TestUpsertMessageNeverOverwritesContent(t *testing.T) {
	db := testDB(t)

	if err := db.UpsertMessage(&Message{
		ID: "m1", ConversationID: "c1", SenderID: "u1",
		Content: "original", ContentType: "text",
		Status: StatusSent, SyncStatus: SyncSynced, CreatedAt: 1000,
	}); err != nil {
		t.Fatal(err)
	}

	// Replay with different content and advanced status.
	if err := db.UpsertMessage(&Message{
		ID: "m1", ConversationID: "c1", SenderID: "u1",
		Content: "tampered", ContentType: "text",
		Status: StatusDelivered, SyncStatus: SyncSynced, CreatedAt: 1000,
	}); err != nil {
		t.Fatal(err)
	}

	got, err := db.GetMessage("m1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Content != "original" {
		t.Errorf("content = %q, want original (content is immutable after creation)", got.Content)
	}
	if got.Status != StatusDelivered {
		t.Errorf("status = %q, want delivered (status fields are last-write-wins)", got.Status)
	}
}

func TestPromoteMessageID(t *testing.T) {
	db := testDB(t)

	if err := db.UpsertMessage(&Message{
		ID: "tmp-1", TempID: "tmp-1", ConversationID: "c1", SenderID: "u1",
		Content: "hi", ContentType: "text",
		Status: StatusSending, SyncStatus: SyncPending, CreatedAt: 1000,
	}); err != nil {
		t.Fatal(err)
	}

	if err := db.PromoteMessageID("tmp-1", "m_42"); err != nil {
		t.Fatal(err)
	}

	// Canonical id resolves.
	got, err := db.GetMessage("m_42")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("message not found under canonical id")
	}
	if got.SyncStatus != SyncSynced {
		t.Errorf("sync status = %q, want synced", got.SyncStatus)
	}

	// Provisional id stays resolvable for deduplication.
	byTemp, err := db.GetMessageByTempID("tmp-1")
	if err != nil {
		t.Fatal(err)
	}
	if byTemp == nil || byTemp.ID != "m_42" {
		t.Errorf("temp id lookup = %+v, want canonical m_42", byTemp)
	}

	// Provisional id no longer resolves as a message id.
	gone, err := db.GetMessage("tmp-1")
	if err != nil {
		t.Fatal(err)
	}
	if gone != nil {
		t.Error("provisional id should be retired from the id index")
	}

	// A replayed promotion is a no-op.
	if err := db.PromoteMessageID("tmp-1", "m_42"); err != nil {
		t.Fatal(err)
	}
}

func TestListMessagesPaginatesReverseChronological(t *testing.T) {
	db := testDB(t)

	for i, ts := range []int64{1000, 2000, 3000, 4000} {
		if err := db.UpsertMessage(&Message{
			ID: string(rune('a' + i)), ConversationID: "c1", SenderID: "u1",
			Content: "m", ContentType: "text",
			Status: StatusSent, SyncStatus: SyncSynced, CreatedAt: ts,
		}); err != nil {
			t.Fatal(err)
		}
	}

	page, err := db.ListMessages("c1", 0, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 2 || page[0].CreatedAt != 4000 || page[1].CreatedAt != 3000 {
		t.Fatalf("first page = %+v, want [4000 3000]", page)
	}

	next, err := db.ListMessages("c1", page[len(page)-1].CreatedAt, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(next) != 2 || next[0].CreatedAt != 2000 || next[1].CreatedAt != 1000 {
		t.Fatalf("second page = %+v, want [2000 1000]", next)
	}
}

func TestPendingSyncMessagesInCreationOrder(t *testing.T) {
	db := testDB(t)

	rows := []struct {
		id   string
		ts   int64
		sync string
	}{
		{"t3", 3000, SyncPending},
		{"t1", 1000, SyncPending},
		{"s1", 1500, SyncSynced},
		{"t2", 2000, SyncPending},
	}
	for _, r := range rows {
		if err := db.UpsertMessage(&Message{
			ID: r.id, TempID: r.id, ConversationID: "c1", SenderID: "u1",
			Content: "m", ContentType: "text",
			Status: StatusQueued, SyncStatus: r.sync, CreatedAt: r.ts,
		}); err != nil {
			t.Fatal(err)
		}
	}

	pending, err := db.PendingSyncMessages()
	if err != nil {
		t.Fatal(err)
	}
	var ids []string
	for _, m := range pending {
		ids = append(ids, m.ID)
	}
	want := []string{"t1", "t2", "t3"}
	if len(ids) != len(want) {
		t.Fatalf("pending = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("pending = %v, want %v", ids, want)
		}
	}
}

func TestConversationLastActivityIsMonotonic(t *testing.T) {
	db := testDB(t)

	if err := db.UpsertConversation(&Conversation{ID: "c1", Kind: KindDirect, LastActivityAt: 5000}); err != nil {
		t.Fatal(err)
	}
	// A stale replay must not rewind activity.
	if err := db.UpsertConversation(&Conversation{ID: "c1", Kind: KindDirect, LastActivityAt: 2000}); err != nil {
		t.Fatal(err)
	}

	c, err := db.GetConversation("c1")
	if err != nil {
		t.Fatal(err)
	}
	if c.LastActivityAt != 5000 {
		t.Errorf("last activity = %d, want 5000", c.LastActivityAt)
	}
}

func TestAdvanceLastReadNeverMovesBackward(t *testing.T) {
	db := testDB(t)

	if err := db.UpsertMember(&Member{ConversationID: "c1", UserID: "u1", JoinedAt: 100}); err != nil {
		t.Fatal(err)
	}
	if err := db.AdvanceLastRead("c1", "u1", 5000); err != nil {
		t.Fatal(err)
	}
	if err := db.AdvanceLastRead("c1", "u1", 3000); err != nil {
		t.Fatal(err)
	}

	members, err := db.ListMembers("c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(members) != 1 || members[0].LastReadAt != 5000 {
		t.Errorf("members = %+v, want last_read_at 5000", members)
	}
}

func TestUnreadCountExcludesOwnAndReadMessages(t *testing.T) {
	db := testDB(t)

	if err := db.UpsertMember(&Member{ConversationID: "c1", UserID: "me", JoinedAt: 100, LastReadAt: 1500}); err != nil {
		t.Fatal(err)
	}
	msgs := []Message{
		{ID: "m1", SenderID: "peer", CreatedAt: 1000}, // already read
		{ID: "m2", SenderID: "peer", CreatedAt: 2000}, // unread
		{ID: "m3", SenderID: "me", CreatedAt: 2500},   // own message, never counts
		{ID: "m4", SenderID: "peer", CreatedAt: 3000}, // unread
	}
	for _, m := range msgs {
		m.ConversationID = "c1"
		m.ContentType = "text"
		m.Status = StatusSent
		m.SyncStatus = SyncSynced
		if err := db.UpsertMessage(&m); err != nil {
			t.Fatal(err)
		}
	}

	count, err := db.UnreadCount("c1", "me")
	if err != nil {
		t.Fatal(err)
	}
	if count != 2 {
		t.Errorf("unread count = %d, want 2", count)
	}
}

func TestReadReceiptIdempotentAndForwardOnly(t *testing.T) {
	db := testDB(t)

	r := &ReadReceipt{MessageID: "m1", ConversationID: "c1", UserID: "u2", ReadAt: 2000}
	if err := db.UpsertReadReceipt(r); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertReadReceipt(r); err != nil {
		t.Fatal(err)
	}
	// Stale replay with an earlier read time.
	if err := db.UpsertReadReceipt(&ReadReceipt{MessageID: "m1", ConversationID: "c1", UserID: "u2", ReadAt: 1000}); err != nil {
		t.Fatal(err)
	}

	receipts, err := db.ListReadReceipts("m1")
	if err != nil {
		t.Fatal(err)
	}
	if len(receipts) != 1 {
		t.Fatalf("got %d receipts, want 1", len(receipts))
	}
	if receipts[0].ReadAt != 2000 {
		t.Errorf("read_at = %d, want 2000", receipts[0].ReadAt)
	}
}

func TestMemberRemoveIsIdempotent(t *testing.T) {
	db := testDB(t)

	if err := db.UpsertMember(&Member{ConversationID: "c1", UserID: "u1"}); err != nil {
		t.Fatal(err)
	}
	if err := db.RemoveMember("c1", "u1"); err != nil {
		t.Fatal(err)
	}
	if err := db.RemoveMember("c1", "u1"); err != nil {
		t.Fatal(err)
	}

	members, err := db.ListMembers("c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(members) != 0 {
		t.Errorf("got %d members, want 0", len(members))
	}
}
