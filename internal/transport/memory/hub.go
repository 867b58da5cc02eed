// Package memory is an in-process transport. It backs the daemon's
// "memory" mode and the core's tests, and doubles as a development backend
// that echoes persisted rows back as row-insert events.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/matheus3301/streakchat/internal/transport"
)

// Hub routes events between the subscriptions of one process.
type Hub struct {
	mu          sync.Mutex
	subs        map[string]map[*subscription]struct{}
	presence    map[string]map[string]transport.PresenceMeta
	failPersist []error
	failJoin    map[string]error
	persisted   [][]byte
}

var _ transport.Transport = (*Hub)(nil)
var _ transport.Persister = (*Hub)(nil)

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		subs:     make(map[string]map[*subscription]struct{}),
		presence: make(map[string]map[string]transport.PresenceMeta),
		failJoin: make(map[string]error),
	}
}

// Channel creates an unjoined subscription.
func (h *Hub) Channel(key transport.Key, handlers transport.Handlers) transport.Subscription {
	return &subscription{hub: h, key: key, id: uuid.NewString(), h: handlers}
}

// Persist acknowledges a message row and echoes it to the conversation's
// message subscribers as a row-insert.
func (h *Hub) Persist(ctx context.Context, row []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.Lock()
	if len(h.failPersist) > 0 {
		err := h.failPersist[0]
		h.failPersist = h.failPersist[1:]
		h.mu.Unlock()
		return err
	}
	h.mu.Unlock()

	conv, err := conversationOf(row)
	if err != nil {
		return err
	}
	h.mu.Lock()
	h.persisted = append(h.persisted, row)
	h.mu.Unlock()
	h.Insert(conv, row)
	return nil
}

// Insert emits a row-insert on the conversation's message channel.
func (h *Hub) Insert(conversationID string, row []byte) {
	key := transport.Key{ConversationID: conversationID, Kind: transport.KindMessages}
	for _, s := range h.members(key.Topic(), nil) {
		s.deliver(func(hd transport.Handlers) {
			if hd.OnInsert != nil {
				hd.OnInsert(row)
			}
		})
	}
}

// Update emits a row-update on the conversation's message channel.
func (h *Hub) Update(conversationID string, row []byte) {
	key := transport.Key{ConversationID: conversationID, Kind: transport.KindMessages}
	for _, s := range h.members(key.Topic(), nil) {
		s.deliver(func(hd transport.Handlers) {
			if hd.OnUpdate != nil {
				hd.OnUpdate(row)
			}
		})
	}
}

// Broadcast emits an ephemeral event from outside the process (another user).
func (h *Hub) Broadcast(key transport.Key, event string, payload []byte) {
	h.broadcast(key.Topic(), nil, event, payload)
}

// TrackRemote adds a presence entry for a client outside the process.
func (h *Hub) TrackRemote(key transport.Key, memberID string, meta transport.PresenceMeta) {
	h.mu.Lock()
	h.presenceFor(key.Topic())[memberID] = meta
	h.mu.Unlock()
	h.notifyPresence(key.Topic(), transport.PresenceJoin, meta)
}

// UntrackRemote removes a presence entry added with TrackRemote.
func (h *Hub) UntrackRemote(key transport.Key, memberID string) {
	h.mu.Lock()
	meta, ok := h.presenceFor(key.Topic())[memberID]
	delete(h.presenceFor(key.Topic()), memberID)
	h.mu.Unlock()
	if ok {
		h.notifyPresence(key.Topic(), transport.PresenceLeave, meta)
	}
}

// Drop simulates a transport failure on every subscription of key.
func (h *Hub) Drop(key transport.Key, cause error) {
	for _, s := range h.members(key.Topic(), nil) {
		s.setJoined(false)
		s.deliver(func(hd transport.Handlers) {
			if hd.OnState != nil {
				hd.OnState(transport.StateErrored, cause)
			}
		})
	}
}

// Recover simulates the transport reconnecting subscriptions of key.
func (h *Hub) Recover(key transport.Key) {
	h.mu.Lock()
	var subs []*subscription
	for s := range h.subs[key.Topic()] {
		subs = append(subs, s)
	}
	h.mu.Unlock()
	for _, s := range subs {
		s.setJoined(true)
		s.deliver(func(hd transport.Handlers) {
			if hd.OnState != nil {
				hd.OnState(transport.StateJoined, nil)
			}
		})
	}
}

// FailNextPersist makes the next Persist call return err.
func (h *Hub) FailNextPersist(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failPersist = append(h.failPersist, err)
}

// FailJoin makes every Join on key fail with err until cleared with nil.
func (h *Hub) FailJoin(key transport.Key, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err == nil {
		delete(h.failJoin, key.Topic())
		return
	}
	h.failJoin[key.Topic()] = err
}

// Persisted returns every row acknowledged by Persist.
func (h *Hub) Persisted() [][]byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([][]byte, len(h.persisted))
	copy(out, h.persisted)
	return out
}

// Rows returns the rows persisted for one conversation, oldest first.
func (h *Hub) Rows(ctx context.Context, conversationID string) ([][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out [][]byte
	for _, row := range h.Persisted() {
		if conv, err := conversationOf(row); err == nil && conv == conversationID {
			out = append(out, row)
		}
	}
	return out, nil
}

// Subscribers returns the number of live subscriptions on key.
func (h *Hub) Subscribers(key transport.Key) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[key.Topic()])
}

func (h *Hub) members(topic string, except *subscription) []*subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []*subscription
	for s := range h.subs[topic] {
		if s != except && s.isJoined() {
			out = append(out, s)
		}
	}
	return out
}

func (h *Hub) broadcast(topic string, from *subscription, event string, payload []byte) {
	for _, s := range h.members(topic, from) {
		s.deliver(func(hd transport.Handlers) {
			if hd.OnBroadcast != nil {
				hd.OnBroadcast(event, payload)
			}
		})
	}
}

func (h *Hub) notifyPresence(topic string, typ transport.PresenceEventType, meta transport.PresenceMeta) {
	for _, s := range h.members(topic, nil) {
		s.deliver(func(hd transport.Handlers) {
			if hd.OnPresence == nil {
				return
			}
			hd.OnPresence(transport.PresenceEvent{Type: typ, Metas: []transport.PresenceMeta{meta}})
			hd.OnPresence(transport.PresenceEvent{Type: transport.PresenceSync})
		})
	}
}

// presenceFor must be called with h.mu held.
func (h *Hub) presenceFor(topic string) map[string]transport.PresenceMeta {
	p, ok := h.presence[topic]
	if !ok {
		p = make(map[string]transport.PresenceMeta)
		h.presence[topic] = p
	}
	return p
}

func (h *Hub) aggregate(topic string) map[string][]transport.PresenceMeta {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string][]transport.PresenceMeta)
	for _, meta := range h.presence[topic] {
		out[meta.UserID] = append(out[meta.UserID], meta)
	}
	return out
}

func conversationOf(row []byte) (string, error) {
	var head struct {
		ConversationID string `json:"conversation_id"`
	}
	if err := json.Unmarshal(row, &head); err != nil {
		return "", fmt.Errorf("persist: %w", err)
	}
	if head.ConversationID == "" {
		return "", errors.New("persist: row has no conversation_id")
	}
	return head.ConversationID, nil
}
