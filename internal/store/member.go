package store

import "time"

// UpsertMember inserts or updates a membership row. The last-read timestamp
// never moves backward.
func (db *DB) UpsertMember(m *Member) error {
	joinedAt := m.JoinedAt
	if joinedAt == 0 {
		joinedAt = time.Now().UnixMilli()
	}
	_, err := db.Exec(`
		INSERT INTO conversation_members (conversation_id, user_id, joined_at, last_read_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(conversation_id, user_id) DO UPDATE SET
			last_read_at = MAX(conversation_members.last_read_at, excluded.last_read_at)`,
		m.ConversationID, m.UserID, joinedAt, m.LastReadAt)
	return err
}

// RemoveMember deletes a membership row. Removing an absent row is a no-op.
func (db *DB) RemoveMember(conversationID, userID string) error {
	_, err := db.Exec(`
		DELETE FROM conversation_members
		WHERE conversation_id = ? AND user_id = ?`, conversationID, userID)
	return err
}

// ListMembers returns the members of a conversation in join order.
func (db *DB) ListMembers(conversationID string) ([]Member, error) {
	rows, err := db.Query(`
		SELECT conversation_id, user_id, joined_at, last_read_at
		FROM conversation_members
		WHERE conversation_id = ?
		ORDER BY joined_at ASC`, conversationID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var members []Member
	for rows.Next() {
		var m Member
		if err := rows.Scan(&m.ConversationID, &m.UserID, &m.JoinedAt, &m.LastReadAt); err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

// AdvanceLastRead moves a member's read position forward. A readAt earlier
// than the stored position is ignored, so duplicate or stale read events
// never regress unread counts.
func (db *DB) AdvanceLastRead(conversationID, userID string, readAt int64) error {
	_, err := db.Exec(`
		UPDATE conversation_members
		SET last_read_at = MAX(last_read_at, ?)
		WHERE conversation_id = ? AND user_id = ?`, readAt, conversationID, userID)
	return err
}

// UnreadCount derives the number of messages in a conversation created
// after the member's read position, excluding the member's own messages.
func (db *DB) UnreadCount(conversationID, userID string) (int, error) {
	var count int
	err := db.QueryRow(`
		SELECT COUNT(*)
		FROM messages m
		JOIN conversation_members cm
			ON cm.conversation_id = m.conversation_id AND cm.user_id = ?
		WHERE m.conversation_id = ?
			AND m.sender_id != ?
			AND m.created_at > cm.last_read_at`,
		userID, conversationID, userID).Scan(&count)
	return count, err
}
