package chat

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// WireRow is a message row as delivered by the transport's row events.
type WireRow struct {
	ID              string         `json:"id"`
	ConversationID  string         `json:"conversation_id"`
	SenderID        string         `json:"sender_id"`
	SenderName      string         `json:"sender_name,omitempty"`
	SenderAvatarURL string         `json:"sender_avatar_url,omitempty"`
	Type            string         `json:"type,omitempty"`
	Text            string         `json:"text,omitempty"`
	HabitCard       *HabitCard     `json:"habit_card,omitempty"`
	BadgeCard       *BadgeCard     `json:"badge_card,omitempty"`
	NudgeCard       *NudgeCard     `json:"nudge_card,omitempty"`
	Reactions       []WireReaction `json:"reactions,omitempty"`
	DeliveryStatus  string         `json:"delivery_status,omitempty"`
	DeliveredAt     *time.Time     `json:"delivered_at,omitempty"`
	ReadAt          *time.Time     `json:"read_at,omitempty"`
	CreatedAt       *time.Time     `json:"created_at,omitempty"`
	IsDeleted       bool           `json:"is_deleted,omitempty"`
}

// WireReaction is the row encoding of a reaction. Count is informational;
// the user set is authoritative.
type WireReaction struct {
	Emoji   string   `json:"emoji"`
	UserIDs []string `json:"user_ids"`
	Count   int      `json:"count,omitempty"`
}

// DecodeRow parses a row payload. id and conversation_id are required.
func DecodeRow(data []byte) (WireRow, error) {
	var row WireRow
	if err := json.Unmarshal(data, &row); err != nil {
		return WireRow{}, fmt.Errorf("decode row: %w", err)
	}
	if row.ID == "" || row.ConversationID == "" {
		return WireRow{}, errors.New("decode row: missing id or conversation_id")
	}
	return row, nil
}

// TimestampStatus derives a status from the row's receipt timestamps:
// read_at wins over delivered_at. ok is false when neither is set.
func (r WireRow) TimestampStatus() (status DeliveryStatus, ok bool) {
	switch {
	case r.ReadAt != nil:
		return StatusRead, true
	case r.DeliveredAt != nil:
		return StatusDelivered, true
	default:
		return "", false
	}
}

// Message maps the row to a domain message.
func (r WireRow) Message() Message {
	status, ok := r.TimestampStatus()
	if !ok {
		status = ParseStatus(r.DeliveryStatus)
	}

	payload := Payload{Text: r.Text}
	switch ParseType(r.Type) {
	case TypeHabitCard:
		payload.Habit = r.HabitCard
	case TypeBadgeCard:
		payload.Badge = r.BadgeCard
	case TypeNudgeCard:
		payload.Nudge = r.NudgeCard
	}
	payload = payload.Clone()

	reactions := make([]Reaction, 0, len(r.Reactions))
	for _, wr := range r.Reactions {
		reactions = append(reactions, Reaction{Emoji: wr.Emoji, UserIDs: wr.UserIDs})
	}

	var createdAt time.Time
	if r.CreatedAt != nil {
		createdAt = *r.CreatedAt
	}

	return Message{
		ID:              r.ID,
		ConversationID:  r.ConversationID,
		SenderID:        r.SenderID,
		SenderName:      r.SenderName,
		SenderAvatarURL: r.SenderAvatarURL,
		Type:            payload.Type(),
		Payload:         payload,
		Reactions:       NormalizeReactions(reactions),
		Status:          status,
		CreatedAt:       createdAt,
		IsDeleted:       r.IsDeleted,
	}
}

// RowOf encodes m as a wire row, as sent to the persistence backend.
func RowOf(m Message) WireRow {
	row := WireRow{
		ID:              m.ID,
		ConversationID:  m.ConversationID,
		SenderID:        m.SenderID,
		SenderName:      m.SenderName,
		SenderAvatarURL: m.SenderAvatarURL,
		Type:            string(m.Payload.Type()),
		Text:            m.Payload.Text,
		HabitCard:       m.Payload.Habit,
		BadgeCard:       m.Payload.Badge,
		NudgeCard:       m.Payload.Nudge,
		DeliveryStatus:  string(StatusSent),
		IsDeleted:       m.IsDeleted,
	}
	if !m.CreatedAt.IsZero() {
		created := m.CreatedAt
		row.CreatedAt = &created
	}
	for _, r := range m.Reactions {
		row.Reactions = append(row.Reactions, WireReaction{Emoji: r.Emoji, UserIDs: r.UserIDs, Count: r.Count()})
	}
	return row
}

// Encode marshals the row.
func (r WireRow) Encode() ([]byte, error) {
	return json.Marshal(r)
}
