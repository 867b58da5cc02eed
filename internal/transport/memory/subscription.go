package memory

import (
	"context"
	"sync"

	"github.com/matheus3301/streakchat/internal/transport"
)

type subscription struct {
	hub *Hub
	key transport.Key
	id  string
	h   transport.Handlers

	stateMu sync.Mutex
	joined  bool
	closed  bool

	// Deliveries are queued and drained by whichever caller is already
	// delivering, so handlers run one at a time, in order, and may call back
	// into the hub without deadlocking.
	qmu      sync.Mutex
	queue    []func(transport.Handlers)
	draining bool
}

func (s *subscription) Key() transport.Key { return s.key }

func (s *subscription) Join(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.stateMu.Lock()
	if s.closed {
		s.stateMu.Unlock()
		return transport.ErrClosed
	}
	s.stateMu.Unlock()

	topic := s.key.Topic()
	s.hub.mu.Lock()
	joinErr := s.hub.failJoin[topic]
	if joinErr == nil {
		if s.hub.subs[topic] == nil {
			s.hub.subs[topic] = make(map[*subscription]struct{})
		}
		s.hub.subs[topic][s] = struct{}{}
	}
	s.hub.mu.Unlock()

	if joinErr != nil {
		s.deliver(func(hd transport.Handlers) {
			if hd.OnState != nil {
				hd.OnState(transport.StateErrored, joinErr)
			}
		})
		return joinErr
	}

	s.setJoined(true)
	s.deliver(func(hd transport.Handlers) {
		if hd.OnState != nil {
			hd.OnState(transport.StateJoined, nil)
		}
	})
	return nil
}

func (s *subscription) Send(ctx context.Context, event string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !s.isJoined() {
		return transport.ErrNotJoined
	}
	s.hub.broadcast(s.key.Topic(), s, event, payload)
	return nil
}

func (s *subscription) Track(ctx context.Context, meta transport.PresenceMeta) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !s.isJoined() {
		return transport.ErrNotJoined
	}
	topic := s.key.Topic()
	s.hub.mu.Lock()
	s.hub.presenceFor(topic)[s.id] = meta
	s.hub.mu.Unlock()
	s.hub.notifyPresence(topic, transport.PresenceJoin, meta)
	return nil
}

func (s *subscription) PresenceState() map[string][]transport.PresenceMeta {
	return s.hub.aggregate(s.key.Topic())
}

func (s *subscription) Joined() bool { return s.isJoined() }

func (s *subscription) Unsubscribe() error {
	s.stateMu.Lock()
	if s.closed {
		s.stateMu.Unlock()
		return nil
	}
	s.closed = true
	s.joined = false
	s.stateMu.Unlock()

	topic := s.key.Topic()
	s.hub.mu.Lock()
	delete(s.hub.subs[topic], s)
	if len(s.hub.subs[topic]) == 0 {
		delete(s.hub.subs, topic)
	}
	meta, tracked := s.hub.presenceFor(topic)[s.id]
	delete(s.hub.presenceFor(topic), s.id)
	s.hub.mu.Unlock()

	if tracked {
		s.hub.notifyPresence(topic, transport.PresenceLeave, meta)
	}
	s.deliver(func(hd transport.Handlers) {
		if hd.OnState != nil {
			hd.OnState(transport.StateClosed, nil)
		}
	})
	return nil
}

func (s *subscription) isJoined() bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.joined && !s.closed
}

func (s *subscription) setJoined(v bool) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if !s.closed {
		s.joined = v
	}
}

func (s *subscription) deliver(fn func(transport.Handlers)) {
	s.qmu.Lock()
	s.queue = append(s.queue, fn)
	if s.draining {
		s.qmu.Unlock()
		return
	}
	s.draining = true
	for len(s.queue) > 0 {
		next := s.queue[0]
		s.queue = s.queue[1:]
		s.qmu.Unlock()
		next(s.h)
		s.qmu.Lock()
	}
	s.draining = false
	s.qmu.Unlock()
}
