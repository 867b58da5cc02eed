// Package session ties the per-conversation components of one signed-in
// app session together: opening a conversation joins all three channels,
// closing it releases everything rooted at it, logout releases everything.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/matheus3301/streakchat/internal/channel"
	"github.com/matheus3301/streakchat/internal/chat"
	"github.com/matheus3301/streakchat/internal/msgsync"
	"github.com/matheus3301/streakchat/internal/outbox"
	"github.com/matheus3301/streakchat/internal/presence"
	"github.com/matheus3301/streakchat/internal/store"
	"github.com/matheus3301/streakchat/internal/timer"
	"github.com/matheus3301/streakchat/internal/typing"
	"go.uber.org/zap"
)

// ErrNotOpen is returned for operations on a conversation that is not open.
var ErrNotOpen = errors.New("session: conversation not open")

// ErrEmptyConversation is returned by Open for an empty conversation id.
var ErrEmptyConversation = errors.New("session: empty conversation id")

// Journal remembers which conversations were open. *store.DB implements it.
type Journal interface {
	MarkOpen(conversationID string, at time.Time) error
	MarkClosed(conversationID string) error
	ClearOpen() error
	OpenConversations() ([]store.OpenConversation, error)
}

// Session is one app session's view of its open conversations.
type Session struct {
	self     chat.Identity
	registry *channel.Registry
	bridge   *msgsync.Bridge
	typing   *typing.Coordinator
	presence *presence.Tracker
	pipeline *outbox.Pipeline
	journal  Journal
	clock    timer.Clock
	logger   *zap.Logger

	mu   sync.Mutex
	open map[string]struct{}
}

// New creates a session. journal may be nil.
func New(
	self chat.Identity,
	reg *channel.Registry,
	bridge *msgsync.Bridge,
	tc *typing.Coordinator,
	pt *presence.Tracker,
	pipeline *outbox.Pipeline,
	journal Journal,
	clock timer.Clock,
	logger *zap.Logger,
) *Session {
	if clock == nil {
		clock = timer.Real()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		self:     self,
		registry: reg,
		bridge:   bridge,
		typing:   tc,
		presence: pt,
		pipeline: pipeline,
		journal:  journal,
		clock:    clock,
		logger:   logger.Named("session"),
		open:     make(map[string]struct{}),
	}
}

// Self returns the local user's identity.
func (s *Session) Self() chat.Identity { return s.self }

// Open joins the conversation's message, typing and presence channels and
// announces the local user. Join failures do not fail Open: they show up
// in the returned connectivity, and the channels stay registered so the
// transport can recover them.
func (s *Session) Open(ctx context.Context, conversationID string) (channel.Connectivity, error) {
	if conversationID == "" {
		return channel.Disconnected, ErrEmptyConversation
	}

	if _, err := s.bridge.Attach(ctx, conversationID); err != nil {
		s.logger.Warn("message channel not joined", zap.String("conversation", conversationID), zap.Error(err))
	}
	if _, err := s.typing.Attach(ctx, conversationID); err != nil {
		s.logger.Warn("typing channel not joined", zap.String("conversation", conversationID), zap.Error(err))
	}
	if err := s.presence.TrackSelf(ctx, conversationID, s.self); err != nil {
		s.logger.Warn("presence track failed", zap.String("conversation", conversationID), zap.Error(err))
	}
	if _, err := s.presence.Subscribe(ctx, conversationID, nil); err != nil {
		s.logger.Warn("presence channel not joined", zap.String("conversation", conversationID), zap.Error(err))
	}

	s.mu.Lock()
	s.open[conversationID] = struct{}{}
	s.mu.Unlock()

	if s.journal != nil {
		if err := s.journal.MarkOpen(conversationID, s.clock.Now()); err != nil {
			s.logger.Warn("failed to remember open conversation", zap.String("conversation", conversationID), zap.Error(err))
		}
	}

	status := s.registry.ConnectionStatusFor(conversationID)
	s.logger.Info("conversation opened", zap.String("conversation", conversationID), zap.String("status", string(status)))
	return status, nil
}

// Close leaves every channel of the conversation and synchronously cancels
// its typing and presence state.
func (s *Session) Close(conversationID string) error {
	s.mu.Lock()
	_, ok := s.open[conversationID]
	delete(s.open, conversationID)
	s.mu.Unlock()
	if !ok {
		return ErrNotOpen
	}

	s.registry.UnsubscribeAllFor(conversationID)
	if s.journal != nil {
		if err := s.journal.MarkClosed(conversationID); err != nil {
			s.logger.Warn("failed to forget open conversation", zap.String("conversation", conversationID), zap.Error(err))
		}
	}
	s.logger.Info("conversation closed", zap.String("conversation", conversationID))
	return nil
}

// IsOpen reports whether the conversation is open.
func (s *Session) IsOpen(conversationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.open[conversationID]
	return ok
}

// Conversations lists the open conversations.
func (s *Session) Conversations() []string {
	s.mu.Lock()
	out := make([]string, 0, len(s.open))
	for id := range s.open {
		out = append(out, id)
	}
	s.mu.Unlock()
	sort.Strings(out)
	return out
}

// Logout tears every channel down and forgets the open set.
func (s *Session) Logout() {
	s.shutdown()
	if s.journal != nil {
		if err := s.journal.ClearOpen(); err != nil {
			s.logger.Warn("failed to clear open conversations", zap.Error(err))
		}
	}
	s.logger.Info("logged out")
}

// Shutdown tears every channel down but keeps the open set for Restore.
func (s *Session) Shutdown() {
	s.shutdown()
	s.logger.Info("session shut down")
}

func (s *Session) shutdown() {
	s.mu.Lock()
	s.open = make(map[string]struct{})
	s.mu.Unlock()
	s.registry.TeardownAll()
}

// Restore reloads the failed-send journal and reopens the conversations that
// were open at the last shutdown.
func (s *Session) Restore(ctx context.Context) error {
	if _, err := s.pipeline.Restore(); err != nil {
		return err
	}
	if s.journal == nil {
		return nil
	}
	convs, err := s.journal.OpenConversations()
	if err != nil {
		return fmt.Errorf("restore open conversations: %w", err)
	}
	for _, c := range convs {
		if _, err := s.Open(ctx, c.ConversationID); err != nil {
			return err
		}
	}
	s.logger.Info("session restored", zap.Int("conversations", len(convs)))
	return nil
}
