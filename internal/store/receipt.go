package store

// UpsertReadReceipt records that a user read a message, idempotent on
// (message, user). The read time only moves forward.
func (db *DB) UpsertReadReceipt(r *ReadReceipt) error {
	_, err := db.Exec(`
		INSERT INTO read_receipts (message_id, conversation_id, user_id, read_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(message_id, user_id) DO UPDATE SET
			read_at = MAX(read_receipts.read_at, excluded.read_at)`,
		r.MessageID, r.ConversationID, r.UserID, r.ReadAt)
	return err
}

// ListReadReceipts returns the receipts for a message.
func (db *DB) ListReadReceipts(messageID string) ([]ReadReceipt, error) {
	rows, err := db.Query(`
		SELECT message_id, conversation_id, user_id, read_at
		FROM read_receipts
		WHERE message_id = ?
		ORDER BY read_at ASC`, messageID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var receipts []ReadReceipt
	for rows.Next() {
		var r ReadReceipt
		if err := rows.Scan(&r.MessageID, &r.ConversationID, &r.UserID, &r.ReadAt); err != nil {
			return nil, err
		}
		receipts = append(receipts, r)
	}
	return receipts, rows.Err()
}
