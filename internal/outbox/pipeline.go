// Package outbox implements optimistic sending: a message is shown as
// sending before any network I/O, then confirmed as sent or demoted to the
// failed collection for an explicit retry.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/matheus3301/streakchat/internal/bus"
	"github.com/matheus3301/streakchat/internal/chat"
	"github.com/matheus3301/streakchat/internal/convo"
	"github.com/matheus3301/streakchat/internal/metrics"
	"github.com/matheus3301/streakchat/internal/store"
	"github.com/matheus3301/streakchat/internal/timer"
	"github.com/matheus3301/streakchat/internal/transport"
	"go.uber.org/zap"
)

// ErrUnknownFailed is returned by Retry for a local id not in the failed collection.
var ErrUnknownFailed = errors.New("outbox: unknown failed send")

// ErrStopped is returned by Send once the pipeline has been stopped.
var ErrStopped = errors.New("outbox: pipeline stopped")

// Journal persists the failed collection across restarts. *store.DB implements it.
type Journal interface {
	SaveFailed(f store.FailedSend) error
	DeleteFailed(localID string) error
	ListFailed(conversationID string) ([]store.FailedSend, error)
}

// Failed is one entry of the failed collection.
type Failed = store.FailedSend

// Ack is the payload of message.send_ack events.
type Ack struct {
	ConversationID string
	MessageID      string
	Applied        bool
}

// Pipeline sends messages optimistically.
type Pipeline struct {
	store     *convo.Store
	persister transport.Persister
	journal   Journal
	self      chat.Identity
	clock     timer.Clock
	bus       *bus.Bus
	metrics   *metrics.Metrics
	logger    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	// stopMu orders inflight.Add in Send against Stop's Wait.
	stopMu   sync.Mutex
	stopped  bool
	inflight sync.WaitGroup

	mu     sync.Mutex
	failed map[string]map[string]Failed
}

// NewPipeline creates a pipeline. journal may be nil, in which case failed
// sends only live in memory.
func NewPipeline(s *convo.Store, p transport.Persister, journal Journal, self chat.Identity, clock timer.Clock, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger) *Pipeline {
	if clock == nil {
		clock = timer.Real()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pipeline{
		store:     s,
		persister: p,
		journal:   journal,
		self:      self,
		clock:     clock,
		bus:       b,
		metrics:   m,
		logger:    logger.Named("outbox"),
		ctx:       ctx,
		cancel:    cancel,
		failed:    make(map[string]map[string]Failed),
	}
}

// Restore loads the journaled failed collection. Call once at startup.
func (p *Pipeline) Restore() (int, error) {
	if p.journal == nil {
		return 0, nil
	}
	entries, err := p.journal.ListFailed("")
	if err != nil {
		return 0, fmt.Errorf("restore failed sends: %w", err)
	}
	p.mu.Lock()
	for _, f := range entries {
		p.putLocked(f)
	}
	p.mu.Unlock()
	p.logger.Info("failed sends restored", zap.Int("count", len(entries)))
	return len(entries), nil
}

// Stop cancels in-flight persistence and waits for it to settle.
func (p *Pipeline) Stop() {
	p.stopMu.Lock()
	p.stopped = true
	p.cancel()
	p.stopMu.Unlock()
	p.inflight.Wait()
}

// Flush waits until every in-flight send has been acknowledged or failed.
func (p *Pipeline) Flush() {
	p.inflight.Wait()
}

// Send appends a sending message to the conversation, moves the summary
// line, and only then hands the row to the persister in the background.
func (p *Pipeline) Send(ctx context.Context, conversationID string, payload chat.Payload) (chat.Message, error) {
	if conversationID == "" {
		return chat.Message{}, errors.New("outbox: empty conversation id")
	}
	if err := payload.Validate(); err != nil {
		return chat.Message{}, err
	}
	if err := ctx.Err(); err != nil {
		return chat.Message{}, err
	}

	payload = payload.Clone()
	m := chat.Message{
		ID:              uuid.NewString(),
		ConversationID:  conversationID,
		SenderID:        p.self.UserID,
		SenderName:      p.self.DisplayName,
		SenderAvatarURL: p.self.AvatarURL,
		Type:            payload.Type(),
		Payload:         payload,
		Status:          chat.StatusSending,
		CreatedAt:       p.clock.Now(),
	}
	row, err := chat.RowOf(m).Encode()
	if err != nil {
		return chat.Message{}, fmt.Errorf("encode row: %w", err)
	}

	p.stopMu.Lock()
	if p.stopped {
		p.stopMu.Unlock()
		return chat.Message{}, ErrStopped
	}
	p.store.Insert(m)
	p.inflight.Add(1)
	p.stopMu.Unlock()

	go func() {
		defer p.inflight.Done()
		p.deliver(m, row)
	}()
	return m.Clone(), nil
}

// Retry resubmits a failed send as a brand-new message with a new id.
func (p *Pipeline) Retry(ctx context.Context, localID string) (chat.Message, error) {
	p.mu.Lock()
	f, ok := p.lookupLocked(localID)
	if ok {
		p.deleteLocked(f)
	}
	p.mu.Unlock()
	if !ok {
		return chat.Message{}, ErrUnknownFailed
	}

	if p.journal != nil {
		if err := p.journal.DeleteFailed(localID); err != nil {
			p.logger.Warn("failed to drop journaled send", zap.String("local_id", localID), zap.Error(err))
		}
	}
	p.logger.Info("retrying send", zap.String("local_id", localID), zap.String("conversation", f.ConversationID))

	m, err := p.Send(ctx, f.ConversationID, f.Payload)
	if err != nil {
		// Keep the entry so the user does not lose the payload.
		p.mu.Lock()
		p.putLocked(f)
		p.mu.Unlock()
		p.journalSave(f)
		return chat.Message{}, err
	}
	return m, nil
}

// Discard drops a failed send without retrying it.
func (p *Pipeline) Discard(localID string) error {
	p.mu.Lock()
	f, ok := p.lookupLocked(localID)
	if ok {
		p.deleteLocked(f)
	}
	p.mu.Unlock()
	if !ok {
		return ErrUnknownFailed
	}
	if p.journal != nil {
		if err := p.journal.DeleteFailed(localID); err != nil {
			return fmt.Errorf("discard: %w", err)
		}
	}
	return nil
}

// Failed lists the conversation's failed sends, oldest failure first. An
// empty conversationID lists every conversation.
func (p *Pipeline) Failed(conversationID string) []Failed {
	p.mu.Lock()
	var out []Failed
	for conv, entries := range p.failed {
		if conversationID != "" && conv != conversationID {
			continue
		}
		for _, f := range entries {
			out = append(out, f)
		}
	}
	p.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].FailedAt.Equal(out[j].FailedAt) {
			return out[i].LocalID < out[j].LocalID
		}
		return out[i].FailedAt.Before(out[j].FailedAt)
	})
	return out
}

// AddReaction adds the local user to the emoji's reaction. Adding twice is a no-op.
func (p *Pipeline) AddReaction(conversationID, messageID, emoji string) (chat.Message, error) {
	return p.react(conversationID, messageID, func(rs []chat.Reaction) ([]chat.Reaction, bool) {
		return chat.AddReaction(rs, emoji, p.self.UserID)
	})
}

// RemoveReaction removes the local user from the emoji's reaction, dropping
// the entry once nobody is left.
func (p *Pipeline) RemoveReaction(conversationID, messageID, emoji string) (chat.Message, error) {
	return p.react(conversationID, messageID, func(rs []chat.Reaction) ([]chat.Reaction, bool) {
		return chat.RemoveReaction(rs, emoji, p.self.UserID)
	})
}

func (p *Pipeline) react(conversationID, messageID string, fn func([]chat.Reaction) ([]chat.Reaction, bool)) (chat.Message, error) {
	if p.self.UserID == "" {
		return chat.Message{}, errors.New("outbox: no local user configured")
	}
	m, _, err := p.store.UpdateReactions(conversationID, messageID, fn)
	if err != nil {
		return chat.Message{}, fmt.Errorf("react: %w", err)
	}
	return m, nil
}

func (p *Pipeline) deliver(m chat.Message, row []byte) {
	err := p.persister.Persist(p.ctx, row)
	if err != nil {
		p.fail(m, err)
		return
	}

	_, applied, advErr := p.store.Advance(m.ConversationID, m.ID, chat.StatusSent)
	if advErr != nil {
		p.logger.Debug("ack for message no longer listed", zap.String("msg_id", m.ID), zap.Error(advErr))
	}
	p.metrics.SendAcked()
	p.logger.Info("message sent", zap.String("conversation", m.ConversationID), zap.String("msg_id", m.ID))
	p.bus.Publish(bus.Event{
		Kind:           bus.KindSendAck,
		ConversationID: m.ConversationID,
		Payload:        Ack{ConversationID: m.ConversationID, MessageID: m.ID, Applied: applied},
	})
}

// fail demotes a message that is still sending. A message that has already
// advanced was accepted by the backend through another path and stays put.
func (p *Pipeline) fail(m chat.Message, cause error) {
	// A message no longer listed still lands in the failed set so its
	// payload can be retried.
	current, removed, err := p.store.RemoveIfStatus(m.ConversationID, m.ID, chat.StatusSending)
	if err == nil && !removed {
		p.logger.Info("send error after confirmation ignored",
			zap.String("msg_id", m.ID), zap.String("status", string(current)), zap.Error(cause))
		return
	}

	f := Failed{
		LocalID:        uuid.NewString(),
		ConversationID: m.ConversationID,
		MessageID:      m.ID,
		SenderID:       m.SenderID,
		Payload:        m.Payload,
		Error:          cause.Error(),
		CreatedAt:      m.CreatedAt,
		FailedAt:       p.clock.Now(),
	}
	p.mu.Lock()
	p.putLocked(f)
	p.mu.Unlock()
	p.journalSave(f)

	p.metrics.SendFailed()
	p.logger.Warn("send failed", zap.String("conversation", m.ConversationID), zap.String("msg_id", m.ID),
		zap.String("local_id", f.LocalID), zap.Error(cause))
	p.bus.Publish(bus.Event{Kind: bus.KindSendFailed, ConversationID: m.ConversationID, Payload: f})
}

func (p *Pipeline) journalSave(f Failed) {
	if p.journal == nil {
		return
	}
	if err := p.journal.SaveFailed(f); err != nil {
		p.logger.Error("failed to journal send", zap.String("local_id", f.LocalID), zap.Error(err))
	}
}

// putLocked stores f, replacing the conversation's map. Must hold p.mu.
func (p *Pipeline) putLocked(f Failed) {
	prev := p.failed[f.ConversationID]
	next := make(map[string]Failed, len(prev)+1)
	for id, v := range prev {
		next[id] = v
	}
	next[f.LocalID] = f
	p.failed[f.ConversationID] = next
}

// deleteLocked must hold p.mu.
func (p *Pipeline) deleteLocked(f Failed) {
	prev := p.failed[f.ConversationID]
	next := make(map[string]Failed, len(prev))
	for id, v := range prev {
		if id != f.LocalID {
			next[id] = v
		}
	}
	if len(next) == 0 {
		delete(p.failed, f.ConversationID)
		return
	}
	p.failed[f.ConversationID] = next
}

// lookupLocked must hold p.mu.
func (p *Pipeline) lookupLocked(localID string) (Failed, bool) {
	for _, entries := range p.failed {
		if f, ok := entries[localID]; ok {
			return f, true
		}
	}
	return Failed{}, false
}
