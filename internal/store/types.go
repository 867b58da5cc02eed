package store

import (
	"time"

	"github.com/matheus3301/streakchat/internal/chat"
)

// FailedSend is a journaled send that the backend rejected. LocalID is the
// pipeline-local key; MessageID is the id the failed attempt used.
type FailedSend struct {
	LocalID        string
	ConversationID string
	MessageID      string
	SenderID       string
	Payload        chat.Payload
	Error          string
	CreatedAt      time.Time
	FailedAt       time.Time
}

// OpenConversation records a conversation the session had open.
type OpenConversation struct {
	ConversationID string
	OpenedAt       time.Time
}
