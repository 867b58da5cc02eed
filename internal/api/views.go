package api

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/matheus3301/streakchat/internal/channel"
	"github.com/matheus3301/streakchat/internal/chat"
	"github.com/matheus3301/streakchat/internal/convo"
	"github.com/matheus3301/streakchat/internal/outbox"
	"github.com/matheus3301/streakchat/internal/presence"
	"github.com/matheus3301/streakchat/internal/typing"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// Request shapes.

type ConversationRequest struct {
	ConversationID string `json:"conversation_id"`
}

type SendTextRequest struct {
	ConversationID string `json:"conversation_id"`
	Text           string `json:"text"`
}

type SendCardRequest struct {
	ConversationID string          `json:"conversation_id"`
	HabitCard      *chat.HabitCard `json:"habit_card,omitempty"`
	BadgeCard      *chat.BadgeCard `json:"badge_card,omitempty"`
	NudgeCard      *chat.NudgeCard `json:"nudge_card,omitempty"`
}

type LocalIDRequest struct {
	LocalID string `json:"local_id"`
}

type ReactionRequest struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
	Emoji          string `json:"emoji"`
}

type TypingRequest struct {
	ConversationID string `json:"conversation_id"`
	IsTyping       bool   `json:"is_typing"`
}

// BackfillRequest carries rows to ingest. With ConversationID set, the
// conversation's history is also read from the transport.
type BackfillRequest struct {
	Rows           []json.RawMessage `json:"rows,omitempty"`
	ConversationID string            `json:"conversation_id,omitempty"`
}

type WatchRequest struct {
	ConversationID string `json:"conversation_id,omitempty"`
	Namespace      string `json:"namespace,omitempty"`
}

// Response shapes.

type MessageView struct {
	ID              string              `json:"id"`
	ConversationID  string              `json:"conversation_id"`
	SenderID        string              `json:"sender_id"`
	SenderName      string              `json:"sender_name,omitempty"`
	SenderAvatarURL string              `json:"sender_avatar_url,omitempty"`
	Type            string              `json:"type"`
	Text            string              `json:"text,omitempty"`
	HabitCard       *chat.HabitCard     `json:"habit_card,omitempty"`
	BadgeCard       *chat.BadgeCard     `json:"badge_card,omitempty"`
	NudgeCard       *chat.NudgeCard     `json:"nudge_card,omitempty"`
	Reactions       []chat.WireReaction `json:"reactions,omitempty"`
	Status          string              `json:"status"`
	CreatedAtUnixMs int64               `json:"created_at_unix_ms"`
	IsDeleted       bool                `json:"is_deleted,omitempty"`
}

type SummaryView struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
	SenderID       string `json:"sender_id"`
	Preview        string `json:"preview"`
	AtUnixMs       int64  `json:"at_unix_ms"`
}

type FailedView struct {
	LocalID         string `json:"local_id"`
	ConversationID  string `json:"conversation_id"`
	MessageID       string `json:"message_id"`
	Preview         string `json:"preview"`
	Error           string `json:"error"`
	FailedAtUnixMs  int64  `json:"failed_at_unix_ms"`
	CreatedAtUnixMs int64  `json:"created_at_unix_ms"`
}

type TypistView struct {
	UserID          string `json:"user_id"`
	DisplayName     string `json:"display_name"`
	AvatarURL       string `json:"avatar_url,omitempty"`
	StartedAtUnixMs int64  `json:"started_at_unix_ms"`
	ExpiresAtUnixMs int64  `json:"expires_at_unix_ms"`
}

type PresenceView struct {
	UserID         string `json:"user_id"`
	DisplayName    string `json:"display_name"`
	AvatarURL      string `json:"avatar_url,omitempty"`
	IsOnline       bool   `json:"is_online"`
	LastSeenUnixMs int64  `json:"last_seen_unix_ms"`
}

type ChannelView struct {
	Topic string `json:"topic"`
	State string `json:"state"`
}

type EventView struct {
	EventID          string `json:"event_id"`
	Profile          string `json:"profile"`
	Kind             string `json:"kind"`
	ConversationID   string `json:"conversation_id,omitempty"`
	OccurredAtUnixMs int64  `json:"occurred_at_unix_ms"`
	Payload          any    `json:"payload,omitempty"`
}

func unixMs(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func messageView(m chat.Message) MessageView {
	v := MessageView{
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
		Status:          string(m.Status),
		CreatedAtUnixMs: unixMs(m.CreatedAt),
		IsDeleted:       m.IsDeleted,
	}
	for _, r := range m.Reactions {
		v.Reactions = append(v.Reactions, chat.WireReaction{Emoji: r.Emoji, UserIDs: r.UserIDs, Count: r.Count()})
	}
	return v
}

func summaryView(s chat.Summary) SummaryView {
	return SummaryView{
		ConversationID: s.ConversationID,
		MessageID:      s.MessageID,
		SenderID:       s.SenderID,
		Preview:        s.Preview,
		AtUnixMs:       unixMs(s.At),
	}
}

func failedView(f outbox.Failed) FailedView {
	return FailedView{
		LocalID:         f.LocalID,
		ConversationID:  f.ConversationID,
		MessageID:       f.MessageID,
		Preview:         f.Payload.Preview(),
		Error:           f.Error,
		FailedAtUnixMs:  unixMs(f.FailedAt),
		CreatedAtUnixMs: unixMs(f.CreatedAt),
	}
}

func typistViews(list []chat.TypingSignal) []TypistView {
	out := make([]TypistView, 0, len(list))
	for _, s := range list {
		out = append(out, TypistView{
			UserID:          s.UserID,
			DisplayName:     s.DisplayName,
			AvatarURL:       s.AvatarURL,
			StartedAtUnixMs: unixMs(s.StartedAt),
			ExpiresAtUnixMs: unixMs(s.ExpiresAt),
		})
	}
	return out
}

func presenceViews(list []chat.PresenceRecord) []PresenceView {
	out := make([]PresenceView, 0, len(list))
	for _, r := range list {
		out = append(out, PresenceView{
			UserID:         r.UserID,
			DisplayName:    r.DisplayName,
			AvatarURL:      r.AvatarURL,
			IsOnline:       r.IsOnline,
			LastSeenUnixMs: unixMs(r.LastSeen),
		})
	}
	return out
}

// eventPayload maps a bus payload to its wire view.
func eventPayload(payload any) any {
	switch p := payload.(type) {
	case nil:
		return nil
	case string:
		return map[string]string{"message_id": p}
	case chat.Summary:
		return summaryView(p)
	case convo.StatusChange:
		return map[string]string{"message_id": p.MessageID, "from": string(p.From), "to": string(p.To)}
	case outbox.Ack:
		return map[string]any{"message_id": p.MessageID, "applied": p.Applied}
	case outbox.Failed:
		return failedView(p)
	case typing.Change:
		return map[string]any{"typists": typistViews(p.Typists)}
	case presence.Change:
		return map[string]any{"presence": presenceViews(p.Records)}
	case channel.StateChange:
		v := map[string]string{"topic": p.Handle.Key.Topic(), "from": string(p.From), "to": string(p.To)}
		if p.Err != nil {
			v["error"] = p.Err.Error()
		}
		return v
	default:
		return fmt.Sprint(p)
	}
}

// Encode converts a view to a Struct through its JSON form.
func Encode(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(data, out); err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	return out, nil
}

// Decode fills v from a Struct through its JSON form.
func Decode(in *structpb.Struct, v any) error {
	if in == nil {
		in = &structpb.Struct{}
	}
	data, err := protojson.Marshal(in)
	if err != nil {
		return fmt.Errorf("decode %T: %w", v, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %T: %w", v, err)
	}
	return nil
}
