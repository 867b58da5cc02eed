package store

import "time"

// MarkOpen remembers that the conversation is open so it can be restored.
func (db *DB) MarkOpen(conversationID string, at time.Time) error {
	_, err := db.Exec(`
		INSERT INTO open_conversations (conversation_id, opened_at)
		VALUES (?, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET opened_at = excluded.opened_at`,
		conversationID, at.UnixMilli())
	return err
}

// MarkClosed forgets an open conversation.
func (db *DB) MarkClosed(conversationID string) error {
	_, err := db.Exec(`DELETE FROM open_conversations WHERE conversation_id = ?`, conversationID)
	return err
}

// ClearOpen forgets every open conversation (logout).
func (db *DB) ClearOpen() error {
	_, err := db.Exec(`DELETE FROM open_conversations`)
	return err
}

// OpenConversations lists remembered conversations, oldest first.
func (db *DB) OpenConversations() ([]OpenConversation, error) {
	rows, err := db.Query(`SELECT conversation_id, opened_at FROM open_conversations ORDER BY opened_at ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []OpenConversation
	for rows.Next() {
		var (
			c  OpenConversation
			at int64
		)
		if err := rows.Scan(&c.ConversationID, &at); err != nil {
			return nil, err
		}
		c.OpenedAt = time.UnixMilli(at)
		out = append(out, c)
	}
	return out, rows.Err()
}
