package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/matheus3301/streakchat/internal/chat"
)

// payloadRecord is the stored JSON form of a chat.Payload.
type payloadRecord struct {
	Type  chat.MessageType `json:"type"`
	Text  string           `json:"text,omitempty"`
	Habit *chat.HabitCard  `json:"habit_card,omitempty"`
	Badge *chat.BadgeCard  `json:"badge_card,omitempty"`
	Nudge *chat.NudgeCard  `json:"nudge_card,omitempty"`
}

// SaveFailed journals a failed send, replacing any entry with the same local id.
func (db *DB) SaveFailed(f FailedSend) error {
	payload, err := json.Marshal(payloadRecord{
		Type: f.Payload.Type(), Text: f.Payload.Text,
		Habit: f.Payload.Habit, Badge: f.Payload.Badge, Nudge: f.Payload.Nudge,
	})
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	_, err = db.Exec(`
		INSERT INTO failed_sends (local_id, conversation_id, message_id, payload, error_message, created_at, failed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(local_id) DO UPDATE SET
			message_id = excluded.message_id,
			payload = excluded.payload,
			error_message = excluded.error_message,
			failed_at = excluded.failed_at`,
		f.LocalID, f.ConversationID, f.MessageID, string(payload), f.Error,
		f.CreatedAt.UnixMilli(), f.FailedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("save failed send: %w", err)
	}
	return nil
}

// DeleteFailed removes a journaled send. Unknown ids are not an error.
func (db *DB) DeleteFailed(localID string) error {
	if _, err := db.Exec(`DELETE FROM failed_sends WHERE local_id = ?`, localID); err != nil {
		return fmt.Errorf("delete failed send: %w", err)
	}
	return nil
}

// ListFailed returns journaled sends, oldest failure first. An empty
// conversationID lists every conversation.
func (db *DB) ListFailed(conversationID string) ([]FailedSend, error) {
	q := `
		SELECT local_id, conversation_id, message_id, payload, error_message, created_at, failed_at
		FROM failed_sends`
	var args []any
	if conversationID != "" {
		q += " WHERE conversation_id = ?"
		args = append(args, conversationID)
	}
	q += " ORDER BY failed_at ASC, local_id ASC"

	rows, err := db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("list failed sends: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []FailedSend
	for rows.Next() {
		var (
			f                 FailedSend
			payload           string
			created, failedAt int64
		)
		if err := rows.Scan(&f.LocalID, &f.ConversationID, &f.MessageID, &payload, &f.Error, &created, &failedAt); err != nil {
			return nil, err
		}
		var rec payloadRecord
		if err := json.Unmarshal([]byte(payload), &rec); err != nil {
			return nil, fmt.Errorf("decode payload of %s: %w", f.LocalID, err)
		}
		f.Payload = chat.Payload{Text: rec.Text, Habit: rec.Habit, Badge: rec.Badge, Nudge: rec.Nudge}
		f.CreatedAt = time.UnixMilli(created)
		f.FailedAt = time.UnixMilli(failedAt)
		out = append(out, f)
	}
	return out, rows.Err()
}
