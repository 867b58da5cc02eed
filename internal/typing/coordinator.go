// Package typing debounces the local user's typing broadcasts and expires
// remote typing indicators that stop arriving.
package typing

import (
	"context"
	"encoding/json"
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

// Event is the broadcast event name used on typing channels.
const Event = "typing"

const (
	DefaultDebounce = 500 * time.Millisecond
	DefaultTimeout  = 3 * time.Second
)

// Config tunes the coordinator. Zero values take the defaults.
type Config struct {
	Debounce time.Duration
	Timeout  time.Duration
	Clock    timer.Clock
}

// Change is the payload of typing.changed events: the complete current set
// of remote typists in the conversation.
type Change struct {
	ConversationID string
	Typists        []chat.TypingSignal
}

type typistKey struct {
	conversationID string
	userID         string
}

type typist struct {
	signal chat.TypingSignal
	seq    uint64
}

// Coordinator owns every typing timer of an app session. Outgoing timers are
// keyed by conversation, incoming ones by (conversation, user).
type Coordinator struct {
	registry *channel.Registry
	self     chat.Identity
	cfg      Config
	bus      *bus.Bus
	metrics  *metrics.Metrics
	logger   *zap.Logger

	outgoing *timer.Group[string]
	incoming *timer.Group[typistKey]

	mu      sync.Mutex
	seq     uint64
	typists map[string]map[string]typist
	outSeq  map[string]uint64
}

var _ channel.Releaser = (*Coordinator)(nil)

// New creates a coordinator and registers it for release with reg.
func New(reg *channel.Registry, self chat.Identity, cfg Config, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger) *Coordinator {
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = timer.Real()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Coordinator{
		registry: reg,
		self:     self,
		cfg:      cfg,
		bus:      b,
		metrics:  m,
		logger:   logger.Named("typing"),
		outgoing: timer.NewGroup[string](cfg.Clock),
		incoming: timer.NewGroup[typistKey](cfg.Clock),
		typists:  make(map[string]map[string]typist),
		outSeq:   make(map[string]uint64),
	}
	reg.OnRelease(c)
	return c
}

// Attach subscribes to the conversation's typing channel.
func (c *Coordinator) Attach(ctx context.Context, conversationID string) (channel.Handle, error) {
	return c.registry.Subscribe(ctx, conversationID, transport.KindTyping, channel.Handlers{
		OnBroadcast: func(event string, payload []byte) {
			if event != Event {
				return
			}
			var p chat.TypingPayload
			if err := json.Unmarshal(payload, &p); err != nil {
				c.metrics.DecodeError("typing")
				c.logger.Error("bad typing payload", zap.String("conversation", conversationID), zap.Error(err))
				return
			}
			c.OnRemoteSignal(conversationID, p)
		},
		OnStatus: func(_ channel.Handle, state transport.State, err error) {
			if state == transport.StateErrored {
				c.metrics.ChannelErrored(string(transport.KindTyping))
			}
		},
	})
}

// SendTyping reports the local user's composing state. A true inside a
// pending debounce window is a no-op; false cancels the window and sends
// stop immediately.
func (c *Coordinator) SendTyping(ctx context.Context, conversationID string, isTyping bool) error {
	if !isTyping {
		c.mu.Lock()
		c.outSeq[conversationID]++
		c.outgoing.Cancel(conversationID)
		c.mu.Unlock()
		return c.broadcast(ctx, conversationID, false)
	}

	// The window is armed under c.mu so a concurrent stop either sees the
	// timer and cancels it or bumps outSeq before it is armed.
	c.mu.Lock()
	defer c.mu.Unlock()
	seq := c.outSeq[conversationID]
	c.outgoing.Start(conversationID, c.cfg.Debounce, func() {
		c.mu.Lock()
		current := c.outSeq[conversationID] == seq
		c.mu.Unlock()
		if !current {
			return
		}
		if err := c.broadcast(context.Background(), conversationID, true); err != nil {
			c.logger.Debug("typing broadcast dropped", zap.String("conversation", conversationID), zap.Error(err))
		}
	})
	return nil
}

// OnRemoteSignal applies a typing broadcast from another participant. Signals
// carrying the local user's id are ignored.
func (c *Coordinator) OnRemoteSignal(conversationID string, p chat.TypingPayload) {
	if p.UserID == "" || p.UserID == c.self.UserID {
		return
	}
	key := typistKey{conversationID: conversationID, userID: p.UserID}

	if !p.IsTyping {
		c.incoming.Cancel(key)
		if c.remove(key, 0) {
			c.publish(conversationID)
		}
		return
	}

	now := c.cfg.Clock.Now()
	c.mu.Lock()
	c.seq++
	seq := c.seq
	users := c.typists[conversationID]
	next := make(map[string]typist, len(users)+1)
	for id, t := range users {
		next[id] = t
	}
	signal := chat.TypingSignal{
		ConversationID: conversationID,
		UserID:         p.UserID,
		DisplayName:    p.DisplayName,
		AvatarURL:      p.AvatarURL,
		StartedAt:      now,
		ExpiresAt:      now.Add(c.cfg.Timeout),
	}
	if prev, ok := users[p.UserID]; ok {
		signal.StartedAt = prev.signal.StartedAt
	}
	next[p.UserID] = typist{signal: signal, seq: seq}
	c.typists[conversationID] = next
	c.incoming.Reset(key, c.cfg.Timeout, func() { c.expire(key, seq) })
	c.mu.Unlock()

	c.publish(conversationID)
}

// Typists returns the remote users currently typing, oldest first.
func (c *Coordinator) Typists(conversationID string) []chat.TypingSignal {
	c.mu.Lock()
	users := c.typists[conversationID]
	c.mu.Unlock()

	out := make([]chat.TypingSignal, 0, len(users))
	for _, t := range users {
		out = append(out, t.signal)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].UserID < out[j].UserID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Pending reports how many typing timers are armed, outgoing and incoming.
func (c *Coordinator) Pending() int {
	return c.outgoing.Len() + c.incoming.Len()
}

// Release cancels every timer rooted at the conversation and forgets its typists.
func (c *Coordinator) Release(conversationID string) {
	c.mu.Lock()
	c.outSeq[conversationID]++
	c.outgoing.Cancel(conversationID)
	c.incoming.CancelFunc(func(k typistKey) bool { return k.conversationID == conversationID })
	had := len(c.typists[conversationID]) > 0
	delete(c.typists, conversationID)
	c.mu.Unlock()

	if had {
		c.publish(conversationID)
	}
}

// ReleaseAll cancels every typing timer of the session.
func (c *Coordinator) ReleaseAll() {
	c.mu.Lock()
	for conv := range c.outSeq {
		c.outSeq[conv]++
	}
	out := c.outgoing.CancelAll()
	in := c.incoming.CancelAll()
	c.typists = make(map[string]map[string]typist)
	c.mu.Unlock()
	c.logger.Debug("typing released", zap.Int("outgoing", out), zap.Int("incoming", in))
}

func (c *Coordinator) expire(key typistKey, seq uint64) {
	if !c.remove(key, seq) {
		return
	}
	c.metrics.TypingExpired()
	c.logger.Debug("typing expired", zap.String("conversation", key.conversationID), zap.String("user", key.userID))
	c.publish(key.conversationID)
}

// remove drops a typist. A non-zero seq only removes the signal it armed, so
// an expiry racing a fresh signal cannot clear it.
func (c *Coordinator) remove(key typistKey, seq uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	users := c.typists[key.conversationID]
	t, ok := users[key.userID]
	if !ok || (seq != 0 && t.seq != seq) {
		return false
	}
	next := make(map[string]typist, len(users))
	for id, v := range users {
		if id != key.userID {
			next[id] = v
		}
	}
	if len(next) == 0 {
		delete(c.typists, key.conversationID)
	} else {
		c.typists[key.conversationID] = next
	}
	return true
}

func (c *Coordinator) broadcast(ctx context.Context, conversationID string, isTyping bool) error {
	payload, err := json.Marshal(chat.TypingPayload{
		UserID:      c.self.UserID,
		DisplayName: c.self.DisplayName,
		AvatarURL:   c.self.AvatarURL,
		IsTyping:    isTyping,
	})
	if err != nil {
		return fmt.Errorf("encode typing: %w", err)
	}
	if err := c.registry.Broadcast(ctx, conversationID, transport.KindTyping, Event, payload); err != nil {
		return fmt.Errorf("broadcast typing: %w", err)
	}
	return nil
}

func (c *Coordinator) publish(conversationID string) {
	c.bus.Publish(bus.Event{
		Kind:           bus.KindTypingChanged,
		ConversationID: conversationID,
		Payload:        Change{ConversationID: conversationID, Typists: c.Typists(conversationID)},
	})
}
