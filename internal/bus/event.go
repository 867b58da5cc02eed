package bus

import "time"

// Event kinds published by the conversation core.
const (
	KindChannelState      = "channel.state_changed"
	KindMessageUpserted   = "message.upserted"
	KindMessageStatus     = "message.status_changed"
	KindMessageReactions  = "message.reactions_changed"
	KindSendAck           = "message.send_ack"
	KindSendFailed        = "message.send_failed"
	KindSummaryChanged    = "conversation.summary_changed"
	KindTypingChanged     = "typing.changed"
	KindPresenceChanged   = "presence.changed"
	KindConversationClose = "conversation.closed"
)

// Event is a domain event scoped to one conversation (empty for session-wide events).
type Event struct {
	Kind           string
	ConversationID string
	Timestamp      time.Time
	Payload        any
}
