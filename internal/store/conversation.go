package store

import (
	"database/sql"
	"time"
)

// UpsertConversation inserts or updates a conversation. Last activity only
// moves forward, so replayed events never rewind the conversation list.
func (db *DB) UpsertConversation(c *Conversation) error {
	now := time.Now().UnixMilli()
	createdAt := c.CreatedAt
	if createdAt == 0 {
		createdAt = now
	}
	_, err := db.Exec(`
		INSERT INTO conversations (id, kind, name, last_activity_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind = excluded.kind,
			name = excluded.name,
			last_activity_at = MAX(conversations.last_activity_at, excluded.last_activity_at),
			updated_at = excluded.updated_at`,
		c.ID, c.Kind, c.Name, c.LastActivityAt, createdAt, now)
	return err
}

// GetConversation returns a conversation by id, or nil if absent.
func (db *DB) GetConversation(id string) (*Conversation, error) {
	var c Conversation
	err := db.QueryRow(`
		SELECT id, kind, name, last_activity_at, created_at
		FROM conversations WHERE id = ?`, id).
		Scan(&c.ID, &c.Kind, &c.Name, &c.LastActivityAt, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ListConversations returns conversations ordered by last activity,
// most recent first.
func (db *DB) ListConversations(limit, offset int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT id, kind, name, last_activity_at, created_at
		FROM conversations
		ORDER BY last_activity_at DESC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convs []Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.Kind, &c.Name, &c.LastActivityAt, &c.CreatedAt); err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// TouchConversation advances a conversation's last activity timestamp.
func (db *DB) TouchConversation(id string, activityAt int64) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE conversations
		SET last_activity_at = MAX(last_activity_at, ?), updated_at = ?
		WHERE id = ?`, activityAt, now, id)
	return err
}
