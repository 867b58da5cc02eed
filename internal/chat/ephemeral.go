package chat

import "time"

// TypingSignal says a remote user is composing in a conversation. It only
// lives in memory until it expires or is stopped.
type TypingSignal struct {
	ConversationID string
	UserID         string
	DisplayName    string
	AvatarURL      string
	StartedAt      time.Time
	ExpiresAt      time.Time
}

// TypingPayload is the broadcast body exchanged on typing channels.
type TypingPayload struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
	IsTyping    bool   `json:"isTyping"`
}

// PresenceRecord is one user's presence in a conversation, derived from the
// transport's aggregate state. Only users in the aggregate have a record, so
// IsOnline is always true; LastSeen is the newest online_at across devices.
type PresenceRecord struct {
	ConversationID string
	UserID         string
	DisplayName    string
	AvatarURL      string
	IsOnline       bool
	LastSeen       time.Time
}
