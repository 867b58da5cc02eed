// Package transport defines the realtime transport the conversation core
// consumes. Implementations own reconnection; the core never retries.
package transport

import (
	"context"
	"errors"
	"time"
)

// Kind is the class of events a channel carries.
type Kind string

const (
	KindMessages Kind = "messages"
	KindTyping   Kind = "typing"
	KindPresence Kind = "presence"
)

// Kinds lists every channel kind.
var Kinds = []Kind{KindMessages, KindTyping, KindPresence}

// Key identifies one channel: a kind of events for one conversation.
type Key struct {
	ConversationID string
	Kind           Kind
}

// Topic is the transport-level channel name.
func (k Key) Topic() string {
	return string(k.Kind) + ":" + k.ConversationID
}

func (k Key) String() string { return k.Topic() }

// State is a subscription's connectivity as reported by the transport.
type State string

const (
	StateConnecting State = "connecting"
	StateJoined     State = "joined"
	StateErrored    State = "errored"
	StateClosed     State = "closed"
)

// PresenceEventType is the kind of presence notification.
type PresenceEventType string

const (
	PresenceSync  PresenceEventType = "sync"
	PresenceJoin  PresenceEventType = "join"
	PresenceLeave PresenceEventType = "leave"
)

// PresenceMeta is the payload one client tracks on a presence channel.
type PresenceMeta struct {
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name,omitempty"`
	AvatarURL   string    `json:"avatar_url,omitempty"`
	OnlineAt    time.Time `json:"online_at"`
}

// PresenceEvent notifies that the presence aggregate changed.
type PresenceEvent struct {
	Type PresenceEventType
	// Metas holds the entries that joined or left; empty for sync.
	Metas []PresenceMeta
}

// Handlers receive a subscription's events. Nil handlers are skipped.
// Events for one subscription are delivered sequentially, in arrival order.
type Handlers struct {
	OnInsert    func(row []byte)
	OnUpdate    func(row []byte)
	OnBroadcast func(event string, payload []byte)
	OnPresence  func(evt PresenceEvent)
	OnState     func(state State, err error)
}

// Subscription is one channel on the transport.
type Subscription interface {
	Key() Key
	// Join connects the channel. State changes arrive through OnState.
	Join(ctx context.Context) error
	// Send broadcasts an ephemeral event to the other members of the channel.
	Send(ctx context.Context, event string, payload []byte) error
	// Track publishes this client's presence on the channel.
	Track(ctx context.Context, meta PresenceMeta) error
	// PresenceState returns the current aggregate, keyed by user id.
	PresenceState() map[string][]PresenceMeta
	Joined() bool
	// Unsubscribe tears the channel down for good.
	Unsubscribe() error
}

// Transport creates channels. Channel performs no I/O; Join does.
type Transport interface {
	Channel(key Key, h Handlers) Subscription
}

// Persister stores an outgoing message row and acknowledges persistence.
type Persister interface {
	Persist(ctx context.Context, row []byte) error
}

// History reads a conversation's persisted message log, oldest first.
type History interface {
	Rows(ctx context.Context, conversationID string) ([][]byte, error)
}

// Sentinel errors shared by implementations.
var (
	ErrNotJoined = errors.New("transport: channel not joined")
	ErrClosed    = errors.New("transport: channel closed")
)
