package store

import (
	"database/sql"
	"fmt"
	"time"
)

// UpsertMessage inserts or updates a message, idempotent on id. Replaying
// the same write never duplicates a row, and content is never overwritten
// after creation; only status fields and the update timestamp may change.
func (db *DB) UpsertMessage(m *Message) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO messages (id, temp_id, conversation_id, sender_id, content, content_type, media_url, status, sync_status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			sync_status = excluded.sync_status,
			updated_at = excluded.updated_at`,
		m.ID, nullable(m.TempID), m.ConversationID, m.SenderID, m.Content, m.ContentType, m.MediaURL, m.Status, m.SyncStatus, m.CreatedAt, now)
	return err
}

// GetMessage returns a message by id, or nil if absent.
func (db *DB) GetMessage(id string) (*Message, error) {
	return db.getMessage(`SELECT `+messageCols+` FROM messages WHERE id = ?`, id)
}

// GetMessageByTempID returns a message by its provisional id, or nil if
// absent. Reconciled messages stay resolvable here through the retained
// temp_id column.
func (db *DB) GetMessageByTempID(tempID string) (*Message, error) {
	return db.getMessage(`SELECT `+messageCols+` FROM messages WHERE temp_id = ?`, tempID)
}

// PromoteMessageID rewrites a provisional id to the server-assigned
// canonical id. The provisional id remains in temp_id for deduplication of
// replayed events. Promoting an already-promoted message is a no-op.
func (db *DB) PromoteMessageID(tempID, canonicalID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE messages SET id = ?, sync_status = ?, updated_at = ?
		WHERE temp_id = ? AND id != ?`,
		canonicalID, SyncSynced, now, tempID, canonicalID)
	return err
}

// SetMessageStatus updates the delivery status. Forward-only escalation is
// the caller's responsibility; the store records what it is told.
func (db *DB) SetMessageStatus(id, status string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE messages SET status = ?, updated_at = ? WHERE id = ?`, status, now, id)
	return err
}

// SetMessageSyncStatus updates the local/server consistency flag.
func (db *DB) SetMessageSyncStatus(id, syncStatus string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE messages SET sync_status = ?, updated_at = ? WHERE id = ?`, syncStatus, now, id)
	return err
}

// ListMessages returns a reverse-chronological page of messages for a
// conversation using keyset pagination by creation time. A beforeTs of zero
// means "newest first".
func (db *DB) ListMessages(conversationID string, beforeTs int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTs <= 0 {
		beforeTs = time.Now().UnixMilli() + 1
	}
	rows, err := db.Query(`
		SELECT `+messageCols+`
		FROM messages
		WHERE conversation_id = ? AND created_at < ?
		ORDER BY created_at DESC
		LIMIT ?`, conversationID, beforeTs, limit)
	if err != nil {
		return nil, err
	}
	return scanMessages(rows)
}

// PendingSyncMessages returns every message whose sync flag is pending, in
// creation order. Used to resume unsent work after a restart.
func (db *DB) PendingSyncMessages() ([]Message, error) {
	rows, err := db.Query(`
		SELECT ` + messageCols + `
		FROM messages
		WHERE sync_status = 'pending'
		ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	return scanMessages(rows)
}

const messageCols = `id, temp_id, conversation_id, sender_id, content, content_type, media_url, status, sync_status, created_at, updated_at`

func (db *DB) getMessage(query string, arg any) (*Message, error) {
	var m Message
	var tempID sql.NullString
	err := db.QueryRow(query, arg).Scan(
		&m.ID, &tempID, &m.ConversationID, &m.SenderID, &m.Content, &m.ContentType,
		&m.MediaURL, &m.Status, &m.SyncStatus, &m.CreatedAt, &m.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	m.TempID = tempID.String
	return &m, nil
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		var tempID sql.NullString
		if err := rows.Scan(
			&m.ID, &tempID, &m.ConversationID, &m.SenderID, &m.Content, &m.ContentType,
			&m.MediaURL, &m.Status, &m.SyncStatus, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, err
		}
		m.TempID = tempID.String
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
