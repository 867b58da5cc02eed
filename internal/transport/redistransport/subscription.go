package redistransport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/matheus3301/streakchat/internal/transport"
	"go.uber.org/zap"
)

type subscription struct {
	t   *Transport
	key transport.Key
	id  string
	h   transport.Handlers

	mu      sync.Mutex
	ps      *redis.PubSub
	joined  bool
	closed  bool
	tracked *transport.PresenceMeta
}

func newSubscription(t *Transport, key transport.Key, h transport.Handlers) *subscription {
	return &subscription{t: t, key: key, id: uuid.NewString(), h: h}
}

func (s *subscription) Key() transport.Key { return s.key }

func (s *subscription) Join(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return transport.ErrClosed
	}
	if s.ps != nil {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	ps := s.t.client.Subscribe(ctx, channelPrefix+s.key.Topic())
	// Receive blocks until Redis confirms the subscription.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		s.state(transport.StateErrored, err)
		return fmt.Errorf("subscribe %s: %w", s.key.Topic(), err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = ps.Close()
		return transport.ErrClosed
	}
	s.ps = ps
	s.joined = true
	s.mu.Unlock()

	s.state(transport.StateJoined, nil)
	go s.loop(ps.Channel())
	return nil
}

// loop is the only goroutine that invokes handlers after Join, so events
// for one subscription are handled in order.
func (s *subscription) loop(ch <-chan *redis.Message) {
	for m := range ch {
		if !s.Joined() {
			return
		}
		var env envelope
		if err := json.Unmarshal([]byte(m.Payload), &env); err != nil {
			s.t.logger.Error("bad envelope", zap.String("topic", s.key.Topic()), zap.Error(err))
			continue
		}
		s.dispatch(env)
	}
}

func (s *subscription) dispatch(env envelope) {
	switch env.Type {
	case envInsert:
		if s.h.OnInsert != nil {
			s.h.OnInsert(env.Payload)
		}
	case envUpdate:
		if s.h.OnUpdate != nil {
			s.h.OnUpdate(env.Payload)
		}
	case envBroadcast:
		if env.From == s.id || s.h.OnBroadcast == nil {
			return
		}
		s.h.OnBroadcast(env.Event, env.Payload)
	case envPresence:
		if s.h.OnPresence == nil {
			return
		}
		s.h.OnPresence(transport.PresenceEvent{Type: env.Presence, Metas: env.Metas})
		s.h.OnPresence(transport.PresenceEvent{Type: transport.PresenceSync})
	}
}

func (s *subscription) Send(ctx context.Context, event string, payload []byte) error {
	if !s.Joined() {
		return transport.ErrNotJoined
	}
	return s.t.publish(ctx, s.key, envelope{Type: envBroadcast, From: s.id, Event: event, Payload: payload})
}

func (s *subscription) Track(ctx context.Context, meta transport.PresenceMeta) error {
	if !s.Joined() {
		return transport.ErrNotJoined
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	if err := s.t.client.HSet(ctx, presencePrefix+s.key.ConversationID, s.id, data).Err(); err != nil {
		return fmt.Errorf("track: %w", err)
	}
	s.mu.Lock()
	s.tracked = &meta
	s.mu.Unlock()
	return s.t.publish(ctx, s.key, envelope{Type: envPresence, From: s.id, Presence: transport.PresenceJoin, Metas: []transport.PresenceMeta{meta}})
}

func (s *subscription) PresenceState() map[string][]transport.PresenceMeta {
	ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
	defer cancel()
	state, err := s.t.presenceState(ctx, s.key.ConversationID)
	if err != nil {
		s.t.logger.Warn("presence state unavailable", zap.String("topic", s.key.Topic()), zap.Error(err))
		return map[string][]transport.PresenceMeta{}
	}
	return state
}

func (s *subscription) Joined() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.joined && !s.closed
}

func (s *subscription) Unsubscribe() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.joined = false
	ps, tracked := s.ps, s.tracked
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
	defer cancel()

	var firstErr error
	if tracked != nil {
		if err := s.t.client.HDel(ctx, presencePrefix+s.key.ConversationID, s.id).Err(); err != nil {
			firstErr = fmt.Errorf("untrack: %w", err)
		}
		if err := s.t.publish(ctx, s.key, envelope{Type: envPresence, From: s.id, Presence: transport.PresenceLeave, Metas: []transport.PresenceMeta{*tracked}}); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if ps != nil {
		if err := ps.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.state(transport.StateClosed, nil)
	return firstErr
}

func (s *subscription) state(st transport.State, err error) {
	if s.h.OnState != nil {
		s.h.OnState(st, err)
	}
}
