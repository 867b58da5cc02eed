// Package convo holds the in-memory message list and summary line of every
// conversation. Each conversation has its own lock and every mutation
// replaces the list (copy-on-write), so readers never see a half-applied
// update and two writers can never lose each other's change.
package convo

import (
	"errors"
	"slices"
	"sort"
	"sync"

	"github.com/matheus3301/streakchat/internal/bus"
	"github.com/matheus3301/streakchat/internal/chat"
)

// ErrNoMessage is returned when a message id is unknown in a conversation.
var ErrNoMessage = errors.New("convo: no such message")

// Store owns all conversations' message lists.
type Store struct {
	bus *bus.Bus

	mu      sync.RWMutex
	threads map[string]*thread
}

type thread struct {
	mu       sync.Mutex
	messages []chat.Message
	index    map[string]int
	summary  chat.Summary
}

// StatusChange is the payload for message.status_changed events.
type StatusChange struct {
	MessageID string
	From      chat.DeliveryStatus
	To        chat.DeliveryStatus
}

// NewStore creates an empty store.
func NewStore(b *bus.Bus) *Store {
	return &Store{bus: b, threads: make(map[string]*thread)}
}

// Insert appends m unless a message with the same id already exists.
// It reports whether the message was added. The summary line moves forward
// when m is not older than the current last message.
func (s *Store) Insert(m chat.Message) bool {
	t := s.thread(m.ConversationID, true)

	t.mu.Lock()
	if _, exists := t.index[m.ID]; exists {
		t.mu.Unlock()
		return false
	}
	m = m.Clone()
	next := append(slices.Clip(t.messages), m)
	t.replace(next)
	summaryMoved := false
	if t.summary.MessageID == "" || !m.CreatedAt.Before(t.summary.At) {
		t.summary = chat.SummaryOf(m)
		summaryMoved = true
	}
	summary := t.summary
	t.mu.Unlock()

	s.bus.Publish(bus.Event{Kind: bus.KindMessageUpserted, ConversationID: m.ConversationID, Payload: m.ID})
	if summaryMoved {
		s.bus.Publish(bus.Event{Kind: bus.KindSummaryChanged, ConversationID: m.ConversationID, Payload: summary})
	}
	return true
}

// Advance moves a message's status to `to` if the transition is allowed by
// chat.DeliveryStatus.CanAdvanceTo. It returns the previous status and
// whether the change was applied; regressions are reported as not applied.
func (s *Store) Advance(conversationID, messageID string, to chat.DeliveryStatus) (chat.DeliveryStatus, bool, error) {
	t := s.thread(conversationID, false)
	if t == nil {
		return "", false, ErrNoMessage
	}

	t.mu.Lock()
	i, ok := t.index[messageID]
	if !ok {
		t.mu.Unlock()
		return "", false, ErrNoMessage
	}
	from := t.messages[i].Status
	if !from.CanAdvanceTo(to) {
		t.mu.Unlock()
		return from, false, nil
	}
	next := slices.Clone(t.messages)
	next[i].Status = to
	t.replace(next)
	t.mu.Unlock()

	s.bus.Publish(bus.Event{
		Kind:           bus.KindMessageStatus,
		ConversationID: conversationID,
		Payload:        StatusChange{MessageID: messageID, From: from, To: to},
	})
	return from, true, nil
}

// Remove deletes the message from its conversation. It is only used to
// demote a failed send; messages are otherwise never removed.
func (s *Store) Remove(conversationID, messageID string) (chat.Message, bool) {
	t := s.thread(conversationID, false)
	if t == nil {
		return chat.Message{}, false
	}
	t.mu.Lock()
	i, ok := t.index[messageID]
	if !ok {
		t.mu.Unlock()
		return chat.Message{}, false
	}
	removed, summary, moved := t.removeLocked(conversationID, i)
	t.mu.Unlock()

	s.publishSummary(conversationID, summary, moved)
	return removed, true
}

// RemoveIfStatus removes the message only while its status is still want,
// checking and removing under one lock. It returns the status the message
// had and whether it was removed.
func (s *Store) RemoveIfStatus(conversationID, messageID string, want chat.DeliveryStatus) (chat.DeliveryStatus, bool, error) {
	t := s.thread(conversationID, false)
	if t == nil {
		return "", false, ErrNoMessage
	}
	t.mu.Lock()
	i, ok := t.index[messageID]
	if !ok {
		t.mu.Unlock()
		return "", false, ErrNoMessage
	}
	current := t.messages[i].Status
	if current != want {
		t.mu.Unlock()
		return current, false, nil
	}
	_, summary, moved := t.removeLocked(conversationID, i)
	t.mu.Unlock()

	s.publishSummary(conversationID, summary, moved)
	return current, true, nil
}

func (s *Store) publishSummary(conversationID string, summary chat.Summary, moved bool) {
	if moved {
		s.bus.Publish(bus.Event{Kind: bus.KindSummaryChanged, ConversationID: conversationID, Payload: summary})
	}
}

// UpdateReactions applies fn to a message's reactions as one atomic
// read-modify-write. fn reports whether it changed anything.
func (s *Store) UpdateReactions(conversationID, messageID string, fn func([]chat.Reaction) ([]chat.Reaction, bool)) (chat.Message, bool, error) {
	t := s.thread(conversationID, false)
	if t == nil {
		return chat.Message{}, false, ErrNoMessage
	}

	t.mu.Lock()
	i, ok := t.index[messageID]
	if !ok {
		t.mu.Unlock()
		return chat.Message{}, false, ErrNoMessage
	}
	reactions, changed := fn(t.messages[i].Reactions)
	if !changed {
		m := t.messages[i].Clone()
		t.mu.Unlock()
		return m, false, nil
	}
	next := slices.Clone(t.messages)
	next[i].Reactions = reactions
	t.replace(next)
	m := next[i].Clone()
	t.mu.Unlock()

	s.bus.Publish(bus.Event{Kind: bus.KindMessageReactions, ConversationID: conversationID, Payload: messageID})
	return m, true, nil
}

// MarkDeleted sets the soft-delete flag. Deletion is one-way; it reports
// whether the flag changed.
func (s *Store) MarkDeleted(conversationID, messageID string) (bool, error) {
	t := s.thread(conversationID, false)
	if t == nil {
		return false, ErrNoMessage
	}

	t.mu.Lock()
	i, ok := t.index[messageID]
	if !ok {
		t.mu.Unlock()
		return false, ErrNoMessage
	}
	if t.messages[i].IsDeleted {
		t.mu.Unlock()
		return false, nil
	}
	next := slices.Clone(t.messages)
	next[i].IsDeleted = true
	t.replace(next)
	t.mu.Unlock()

	s.bus.Publish(bus.Event{Kind: bus.KindMessageUpserted, ConversationID: conversationID, Payload: messageID})
	return true, nil
}

// Messages returns a copy of the conversation's list in insertion order.
func (s *Store) Messages(conversationID string) []chat.Message {
	t := s.thread(conversationID, false)
	if t == nil {
		return nil
	}
	t.mu.Lock()
	list := t.messages
	t.mu.Unlock()

	out := make([]chat.Message, len(list))
	for i, m := range list {
		out[i] = m.Clone()
	}
	return out
}

// Message returns one message by id.
func (s *Store) Message(conversationID, messageID string) (chat.Message, bool) {
	t := s.thread(conversationID, false)
	if t == nil {
		return chat.Message{}, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	i, ok := t.index[messageID]
	if !ok {
		return chat.Message{}, false
	}
	return t.messages[i].Clone(), true
}

// Summary returns the conversation's last-message line.
func (s *Store) Summary(conversationID string) (chat.Summary, bool) {
	t := s.thread(conversationID, false)
	if t == nil {
		return chat.Summary{}, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.summary, t.summary.MessageID != ""
}

// Conversations lists every conversation with at least one message, most
// recently active first.
func (s *Store) Conversations() []chat.Summary {
	s.mu.RLock()
	threads := make([]*thread, 0, len(s.threads))
	for _, t := range s.threads {
		threads = append(threads, t)
	}
	s.mu.RUnlock()

	var out []chat.Summary
	for _, t := range threads {
		t.mu.Lock()
		if t.summary.MessageID != "" {
			out = append(out, t.summary)
		}
		t.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].At.After(out[j].At) })
	return out
}

func (s *Store) thread(conversationID string, create bool) *thread {
	s.mu.RLock()
	t, ok := s.threads[conversationID]
	s.mu.RUnlock()
	if ok || !create {
		return t
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok = s.threads[conversationID]; ok {
		return t
	}
	t = &thread{index: make(map[string]int)}
	s.threads[conversationID] = t
	return t
}

// replace swaps in a new list and rebuilds the id index. Must hold t.mu.
func (t *thread) replace(next []chat.Message) {
	index := make(map[string]int, len(next))
	for i, m := range next {
		index[m.ID] = i
	}
	t.messages = next
	t.index = index
}

// removeLocked drops the message at i. Must hold t.mu.
func (t *thread) removeLocked(conversationID string, i int) (chat.Message, chat.Summary, bool) {
	removed := t.messages[i]
	next := slices.Delete(slices.Clone(t.messages), i, i+1)
	t.replace(next)
	moved := false
	if t.summary.MessageID == removed.ID {
		t.summary = newestSummary(conversationID, next)
		moved = true
	}
	return removed, t.summary, moved
}

func newestSummary(conversationID string, list []chat.Message) chat.Summary {
	if len(list) == 0 {
		return chat.Summary{ConversationID: conversationID}
	}
	newest := list[0]
	for _, m := range list[1:] {
		if !m.CreatedAt.Before(newest.CreatedAt) {
			newest = m
		}
	}
	return chat.SummaryOf(newest)
}
