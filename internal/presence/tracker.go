// Package presence derives who is online in a conversation from the
// transport's presence aggregate.
package presence

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/matheus3301/streakchat/internal/bus"
	"github.com/matheus3301/streakchat/internal/channel"
	"github.com/matheus3301/streakchat/internal/chat"
	"github.com/matheus3301/streakchat/internal/metrics"
	"github.com/matheus3301/streakchat/internal/timer"
	"github.com/matheus3301/streakchat/internal/transport"
	"go.uber.org/zap"
)

// Change is the payload of presence.changed events.
type Change struct {
	ConversationID string
	Records        []chat.PresenceRecord
}

// Tracker mirrors the transport's presence aggregate per conversation.
// Every presence event replaces the set with one recomputed from the
// aggregate; join and leave deltas are never applied on their own, and a
// user absent from the aggregate is offline with no record of its own.
type Tracker struct {
	registry *channel.Registry
	clock    timer.Clock
	bus      *bus.Bus
	metrics  *metrics.Metrics
	logger   *zap.Logger

	mu       sync.Mutex
	records  map[string]map[string]chat.PresenceRecord
	onChange map[string]func([]chat.PresenceRecord)
	intents  map[string]chat.Identity
	tracked  map[string]bool
}

var _ channel.Releaser = (*Tracker)(nil)

// New creates a tracker and registers it for release with reg.
func New(reg *channel.Registry, clock timer.Clock, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger) *Tracker {
	if clock == nil {
		clock = timer.Real()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Tracker{
		registry: reg,
		clock:    clock,
		bus:      b,
		metrics:  m,
		logger:   logger.Named("presence"),
		records:  make(map[string]map[string]chat.PresenceRecord),
		onChange: make(map[string]func([]chat.PresenceRecord)),
		intents:  make(map[string]chat.Identity),
		tracked:  make(map[string]bool),
	}
	reg.OnRelease(t)
	return t
}

// Subscribe opens the conversation's presence channel. onChange, if not
// nil, receives the complete record list after every presence event.
func (t *Tracker) Subscribe(ctx context.Context, conversationID string, onChange func([]chat.PresenceRecord)) (channel.Handle, error) {
	t.mu.Lock()
	if onChange != nil {
		t.onChange[conversationID] = onChange
	} else {
		delete(t.onChange, conversationID)
	}
	t.tracked[conversationID] = false
	t.mu.Unlock()

	return t.registry.Subscribe(ctx, conversationID, transport.KindPresence, channel.Handlers{
		OnPresence: func(transport.PresenceEvent) {
			t.recompute(conversationID)
		},
		OnStatus: func(_ channel.Handle, state transport.State, _ error) {
			switch state {
			case transport.StateJoined:
				t.announce(conversationID)
			case transport.StateErrored:
				t.metrics.ChannelErrored(string(transport.KindPresence))
				t.mu.Lock()
				t.tracked[conversationID] = false
				t.mu.Unlock()
			}
		},
	})
}

// TrackSelf announces the local user on the conversation's presence channel.
// If the channel has not joined yet the announcement is sent once it does.
func (t *Tracker) TrackSelf(ctx context.Context, conversationID string, self chat.Identity) error {
	t.mu.Lock()
	t.intents[conversationID] = self
	t.tracked[conversationID] = false
	t.mu.Unlock()

	state, ok := t.registry.State(transport.Key{ConversationID: conversationID, Kind: transport.KindPresence})
	if !ok || state != transport.StateJoined {
		t.logger.Debug("presence track deferred until joined", zap.String("conversation", conversationID))
		return nil
	}
	return t.track(ctx, conversationID)
}

// Records returns the users present in the latest aggregate, by user id.
func (t *Tracker) Records(conversationID string) []chat.PresenceRecord {
	t.mu.Lock()
	users := t.records[conversationID]
	t.mu.Unlock()
	return sorted(users)
}

// IsOnline reports whether the user is in the conversation's latest aggregate.
func (t *Tracker) IsOnline(conversationID, userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.records[conversationID][userID]
	return ok
}

// Release forgets everything held for the conversation.
func (t *Tracker) Release(conversationID string) {
	t.mu.Lock()
	delete(t.records, conversationID)
	delete(t.onChange, conversationID)
	delete(t.intents, conversationID)
	delete(t.tracked, conversationID)
	t.mu.Unlock()
}

// ReleaseAll forgets every conversation.
func (t *Tracker) ReleaseAll() {
	t.mu.Lock()
	t.records = make(map[string]map[string]chat.PresenceRecord)
	t.onChange = make(map[string]func([]chat.PresenceRecord))
	t.intents = make(map[string]chat.Identity)
	t.tracked = make(map[string]bool)
	t.mu.Unlock()
}

func (t *Tracker) announce(conversationID string) {
	t.mu.Lock()
	_, wanted := t.intents[conversationID]
	done := t.tracked[conversationID]
	t.mu.Unlock()
	if !wanted || done {
		return
	}
	if err := t.track(context.Background(), conversationID); err != nil {
		t.logger.Warn("presence track failed", zap.String("conversation", conversationID), zap.Error(err))
	}
}

func (t *Tracker) track(ctx context.Context, conversationID string) error {
	t.mu.Lock()
	self, ok := t.intents[conversationID]
	t.tracked[conversationID] = ok
	t.mu.Unlock()
	if !ok {
		return nil
	}
	err := t.registry.Track(ctx, conversationID, transport.PresenceMeta{
		UserID:      self.UserID,
		DisplayName: self.DisplayName,
		AvatarURL:   self.AvatarURL,
		OnlineAt:    t.clock.Now(),
	})
	if err != nil {
		t.mu.Lock()
		t.tracked[conversationID] = false
		t.mu.Unlock()
		return fmt.Errorf("track presence: %w", err)
	}
	return nil
}

func (t *Tracker) recompute(conversationID string) {
	state, err := t.registry.PresenceState(conversationID)
	if err != nil {
		t.logger.Debug("presence event without channel", zap.String("conversation", conversationID), zap.Error(err))
		return
	}
	next := make(map[string]chat.PresenceRecord, len(state))
	for userID, metas := range state {
		next[userID] = recordOf(conversationID, userID, metas)
	}

	t.mu.Lock()
	t.records[conversationID] = next
	onChange := t.onChange[conversationID]
	t.mu.Unlock()

	list := sorted(next)
	if onChange != nil {
		onChange(list)
	}
	t.bus.Publish(bus.Event{
		Kind:           bus.KindPresenceChanged,
		ConversationID: conversationID,
		Payload:        Change{ConversationID: conversationID, Records: list},
	})
}

// recordOf folds every meta a user tracks (one per device) into one record.
func recordOf(conversationID, userID string, metas []transport.PresenceMeta) chat.PresenceRecord {
	r := chat.PresenceRecord{ConversationID: conversationID, UserID: userID, IsOnline: true}
	var latest time.Time
	for _, m := range metas {
		if r.DisplayName == "" || m.OnlineAt.After(latest) {
			if m.DisplayName != "" {
				r.DisplayName = m.DisplayName
			}
			if m.AvatarURL != "" {
				r.AvatarURL = m.AvatarURL
			}
		}
		if m.OnlineAt.After(latest) {
			latest = m.OnlineAt
		}
	}
	r.LastSeen = latest
	return r
}

func sorted(users map[string]chat.PresenceRecord) []chat.PresenceRecord {
	out := make([]chat.PresenceRecord, 0, len(users))
	for _, r := range users {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}
