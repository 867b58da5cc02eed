package chat

import (
	"errors"
	"strings"
	"time"
)

// ErrEmptyPayload is returned when a payload carries no content.
var ErrEmptyPayload = errors.New("chat: empty payload")

// MessageType names the payload variant carried by a message.
type MessageType string

const (
	TypeText      MessageType = "text"
	TypeHabitCard MessageType = "habit_card"
	TypeBadgeCard MessageType = "badge_card"
	TypeNudgeCard MessageType = "nudge_card"
)

// ParseType accepts both snake_case and camelCase spellings.
func ParseType(v string) MessageType {
	switch strings.ToLower(strings.ReplaceAll(v, "_", "")) {
	case "habitcard":
		return TypeHabitCard
	case "badgecard":
		return TypeBadgeCard
	case "nudgecard":
		return TypeNudgeCard
	default:
		return TypeText
	}
}

// HabitCard shares a habit and its current streak.
type HabitCard struct {
	HabitID   string `json:"habit_id"`
	Title     string `json:"title"`
	Emoji     string `json:"emoji,omitempty"`
	Streak    int    `json:"streak"`
	Completed bool   `json:"completed,omitempty"`
}

// BadgeCard shows off an earned badge.
type BadgeCard struct {
	BadgeID     string `json:"badge_id"`
	Name        string `json:"name"`
	Icon        string `json:"icon,omitempty"`
	Description string `json:"description,omitempty"`
}

// NudgeCard pokes a friend about a habit.
type NudgeCard struct {
	HabitID   string `json:"habit_id,omitempty"`
	HabitName string `json:"habit_name,omitempty"`
	Note      string `json:"note,omitempty"`
}

// Payload holds exactly one message variant.
type Payload struct {
	Text  string
	Habit *HabitCard
	Badge *BadgeCard
	Nudge *NudgeCard
}

// Type returns the variant carried by p.
func (p Payload) Type() MessageType {
	switch {
	case p.Habit != nil:
		return TypeHabitCard
	case p.Badge != nil:
		return TypeBadgeCard
	case p.Nudge != nil:
		return TypeNudgeCard
	default:
		return TypeText
	}
}

// Validate rejects empty text and payloads carrying more than one card.
func (p Payload) Validate() error {
	cards := 0
	for _, set := range []bool{p.Habit != nil, p.Badge != nil, p.Nudge != nil} {
		if set {
			cards++
		}
	}
	if cards > 1 {
		return errors.New("chat: payload carries more than one card")
	}
	if cards == 0 && strings.TrimSpace(p.Text) == "" {
		return ErrEmptyPayload
	}
	return nil
}

// Preview is the short text used for conversation summaries.
func (p Payload) Preview() string {
	switch p.Type() {
	case TypeHabitCard:
		return strings.TrimSpace(p.Habit.Emoji + " " + p.Habit.Title)
	case TypeBadgeCard:
		return "Earned " + p.Badge.Name
	case TypeNudgeCard:
		if p.Nudge.Note != "" {
			return p.Nudge.Note
		}
		return "Nudge: " + p.Nudge.HabitName
	default:
		return truncate(p.Text, 100)
	}
}

// Clone returns a deep copy.
func (p Payload) Clone() Payload {
	out := Payload{Text: p.Text}
	if p.Habit != nil {
		h := *p.Habit
		out.Habit = &h
	}
	if p.Badge != nil {
		b := *p.Badge
		out.Badge = &b
	}
	if p.Nudge != nil {
		n := *p.Nudge
		out.Nudge = &n
	}
	return out
}

// Message is the in-memory representation of one conversation message.
type Message struct {
	ID              string
	ConversationID  string
	SenderID        string
	SenderName      string
	SenderAvatarURL string
	Type            MessageType
	Payload         Payload
	Reactions       []Reaction
	Status          DeliveryStatus
	CreatedAt       time.Time
	IsDeleted       bool
}

// Clone returns a deep copy so callers never alias store-owned slices.
func (m Message) Clone() Message {
	out := m
	out.Payload = m.Payload.Clone()
	out.Reactions = cloneReactions(m.Reactions)
	return out
}

// Summary is a conversation's "last message" line.
type Summary struct {
	ConversationID string
	MessageID      string
	SenderID       string
	Preview        string
	At             time.Time
}

// SummaryOf builds the summary line for m.
func SummaryOf(m Message) Summary {
	return Summary{
		ConversationID: m.ConversationID,
		MessageID:      m.ID,
		SenderID:       m.SenderID,
		Preview:        m.Payload.Preview(),
		At:             m.CreatedAt,
	}
}

// Identity is the locally signed-in user.
type Identity struct {
	UserID      string
	DisplayName string
	AvatarURL   string
}

func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen])
}
