// Package channel owns the live transport subscriptions of an app session and
// guarantees at most one active channel per (conversation, kind).
package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/matheus3301/streakchat/internal/bus"
	"github.com/matheus3301/streakchat/internal/transport"
	"go.uber.org/zap"
)

// ErrNoChannel is returned when no live channel exists for a key.
var ErrNoChannel = errors.New("channel: no live channel")

// Handle identifies one subscription. A handle outlived by a newer
// subscription for the same key is stale; operations on it are no-ops.
type Handle struct {
	ID  string
	Key transport.Key
}

// Handlers receive events for one channel. OnStatus reports every state
// change, including errors; the registry never retries on its own.
type Handlers struct {
	OnInsert    func(row []byte)
	OnUpdate    func(row []byte)
	OnBroadcast func(event string, payload []byte)
	OnPresence  func(evt transport.PresenceEvent)
	OnStatus    func(h Handle, state transport.State, err error)
}

// Releaser is implemented by components that hold per-conversation
// resources (timers, caches) that must die with the conversation's channels.
type Releaser interface {
	Release(conversationID string)
	ReleaseAll()
}

// Info is a snapshot of one registered channel.
type Info struct {
	Handle Handle
	State  transport.State
}

// Registry is the per-session set of live channels.
type Registry struct {
	transport transport.Transport
	bus       *bus.Bus
	logger    *zap.Logger

	mu        sync.Mutex
	channels  map[transport.Key]*entry
	releasers []Releaser
}

type entry struct {
	handle Handle
	sub    transport.Subscription
	status func(Handle, transport.State, error)

	mu    sync.Mutex
	state transport.State
}

// NewRegistry creates an empty registry on top of t.
func NewRegistry(t transport.Transport, b *bus.Bus, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		transport: t,
		bus:       b,
		logger:    logger,
		channels:  make(map[transport.Key]*entry),
	}
}

// OnRelease registers r to be released by UnsubscribeAllFor and TeardownAll.
func (r *Registry) OnRelease(rel Releaser) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.releasers = append(r.releasers, rel)
}

// Subscribe opens a channel for (conversationID, kind), closing any existing
// one for the same key first. A join failure leaves the channel registered in
// the errored state and is also returned.
func (r *Registry) Subscribe(ctx context.Context, conversationID string, kind transport.Kind, h Handlers) (Handle, error) {
	key := transport.Key{ConversationID: conversationID, Kind: kind}
	e := &entry{
		handle: Handle{ID: uuid.NewString(), Key: key},
		status: h.OnStatus,
		state:  transport.StateConnecting,
	}
	e.sub = r.transport.Channel(key, r.wrap(e, h))

	r.mu.Lock()
	old := r.channels[key]
	r.channels[key] = e
	r.mu.Unlock()

	if old != nil {
		r.logger.Debug("superseding channel", zap.String("topic", key.Topic()), zap.String("old", old.handle.ID))
		r.close(old)
	}

	if err := e.sub.Join(ctx); err != nil {
		if r.isCurrent(e) {
			r.setState(e, transport.StateErrored, err)
		}
		r.logger.Warn("channel join failed", zap.String("topic", key.Topic()), zap.Error(err))
		return e.handle, fmt.Errorf("join %s: %w", key.Topic(), err)
	}
	r.logger.Debug("channel subscribed", zap.String("topic", key.Topic()), zap.String("handle", e.handle.ID))
	return e.handle, nil
}

// Unsubscribe closes the channel behind h. Stale or unknown handles are ignored.
func (r *Registry) Unsubscribe(h Handle) {
	r.mu.Lock()
	e, ok := r.channels[h.Key]
	if !ok || e.handle.ID != h.ID {
		r.mu.Unlock()
		return
	}
	delete(r.channels, h.Key)
	r.mu.Unlock()
	r.close(e)
}

// UnsubscribeAllFor closes every channel of the conversation and synchronously
// releases every resource registered components hold for it.
func (r *Registry) UnsubscribeAllFor(conversationID string) {
	r.mu.Lock()
	var closing []*entry
	for key, e := range r.channels {
		if key.ConversationID == conversationID {
			closing = append(closing, e)
			delete(r.channels, key)
		}
	}
	releasers := append([]Releaser(nil), r.releasers...)
	r.mu.Unlock()

	for _, e := range closing {
		r.close(e)
	}
	for _, rel := range releasers {
		rel.Release(conversationID)
	}
	r.bus.Publish(bus.Event{Kind: bus.KindConversationClose, ConversationID: conversationID})
}

// TeardownAll closes every channel and releases every component resource.
// This is the only complete cleanup path (logout, shutdown).
func (r *Registry) TeardownAll() {
	r.mu.Lock()
	closing := make([]*entry, 0, len(r.channels))
	for key, e := range r.channels {
		closing = append(closing, e)
		delete(r.channels, key)
	}
	releasers := append([]Releaser(nil), r.releasers...)
	r.mu.Unlock()

	for _, e := range closing {
		r.close(e)
	}
	for _, rel := range releasers {
		rel.ReleaseAll()
	}
	r.logger.Info("registry torn down", zap.Int("channels", len(closing)))
}

// Broadcast sends an ephemeral event on the conversation's channel of kind.
func (r *Registry) Broadcast(ctx context.Context, conversationID string, kind transport.Kind, event string, payload []byte) error {
	e := r.lookup(transport.Key{ConversationID: conversationID, Kind: kind})
	if e == nil {
		return ErrNoChannel
	}
	return e.sub.Send(ctx, event, payload)
}

// Track publishes the local user's presence on the conversation's presence channel.
func (r *Registry) Track(ctx context.Context, conversationID string, meta transport.PresenceMeta) error {
	e := r.lookup(transport.Key{ConversationID: conversationID, Kind: transport.KindPresence})
	if e == nil {
		return ErrNoChannel
	}
	return e.sub.Track(ctx, meta)
}

// PresenceState returns the transport's presence aggregate for the conversation.
func (r *Registry) PresenceState(conversationID string) (map[string][]transport.PresenceMeta, error) {
	e := r.lookup(transport.Key{ConversationID: conversationID, Kind: transport.KindPresence})
	if e == nil {
		return nil, ErrNoChannel
	}
	return e.sub.PresenceState(), nil
}

// State returns the state of the live channel for key.
func (r *Registry) State(key transport.Key) (transport.State, bool) {
	e := r.lookup(key)
	if e == nil {
		return transport.StateClosed, false
	}
	return e.currentState(), true
}

// Channels returns a snapshot of every registered channel.
func (r *Registry) Channels() []Info {
	r.mu.Lock()
	entries := make([]*entry, 0, len(r.channels))
	for _, e := range r.channels {
		entries = append(entries, e)
	}
	r.mu.Unlock()

	out := make([]Info, 0, len(entries))
	for _, e := range entries {
		out = append(out, Info{Handle: e.handle, State: e.currentState()})
	}
	return out
}

// ConnectionStatus aggregates every registered channel.
func (r *Registry) ConnectionStatus() Connectivity {
	return r.connectivity(func(transport.Key) bool { return true })
}

// ConnectionStatusFor aggregates the channels of one conversation.
func (r *Registry) ConnectionStatusFor(conversationID string) Connectivity {
	return r.connectivity(func(k transport.Key) bool { return k.ConversationID == conversationID })
}

func (r *Registry) connectivity(match func(transport.Key) bool) Connectivity {
	var states []transport.State
	for _, info := range r.Channels() {
		if match(info.Handle.Key) {
			states = append(states, info.State)
		}
	}
	return aggregate(states)
}

func (r *Registry) lookup(key transport.Key) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.channels[key]
}

func (r *Registry) isCurrent(e *entry) bool {
	return r.lookup(e.handle.Key) == e
}

// wrap drops events from superseded or closed channels before they reach
// the caller's handlers.
func (r *Registry) wrap(e *entry, h Handlers) transport.Handlers {
	return transport.Handlers{
		OnInsert: func(row []byte) {
			if h.OnInsert != nil && r.isCurrent(e) {
				h.OnInsert(row)
			}
		},
		OnUpdate: func(row []byte) {
			if h.OnUpdate != nil && r.isCurrent(e) {
				h.OnUpdate(row)
			}
		},
		OnBroadcast: func(event string, payload []byte) {
			if h.OnBroadcast != nil && r.isCurrent(e) {
				h.OnBroadcast(event, payload)
			}
		},
		OnPresence: func(evt transport.PresenceEvent) {
			if h.OnPresence != nil && r.isCurrent(e) {
				h.OnPresence(evt)
			}
		},
		OnState: func(s transport.State, err error) {
			if !r.isCurrent(e) {
				return
			}
			r.setState(e, s, err)
		},
	}
}

func (r *Registry) setState(e *entry, to transport.State, cause error) {
	e.mu.Lock()
	from := e.state
	if from == to {
		e.mu.Unlock()
		return
	}
	if err := checkTransition(from, to); err != nil {
		e.mu.Unlock()
		r.logger.Debug("ignoring channel state", zap.String("topic", e.handle.Key.Topic()), zap.Error(err))
		return
	}
	e.state = to
	e.mu.Unlock()

	if to == transport.StateErrored {
		r.logger.Warn("channel errored", zap.String("topic", e.handle.Key.Topic()), zap.Error(cause))
	}
	r.bus.Publish(bus.Event{
		Kind:           bus.KindChannelState,
		ConversationID: e.handle.Key.ConversationID,
		Payload:        StateChange{Handle: e.handle, From: from, To: to, Err: cause},
	})
	if e.status != nil {
		e.status(e.handle, to, cause)
	}
}

func (r *Registry) close(e *entry) {
	r.setState(e, transport.StateClosed, nil)
	if err := e.sub.Unsubscribe(); err != nil {
		r.logger.Warn("channel unsubscribe failed", zap.String("topic", e.handle.Key.Topic()), zap.Error(err))
	}
}

func (e *entry) currentState() transport.State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}
