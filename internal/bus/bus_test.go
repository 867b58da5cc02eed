package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("message.", 10)
	defer unsub()

	b.Publish(Event{Kind: KindMessageUpserted, ConversationID: "c1", Payload: "m1"})

	select {
	case evt := <-ch:
		if evt.Kind != KindMessageUpserted {
			t.Errorf("got kind %q, want %s", evt.Kind, KindMessageUpserted)
		}
		if evt.Timestamp.IsZero() {
			t.Error("timestamp not stamped on publish")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestNamespaceFiltering(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("typing.", 10)
	defer unsub()

	b.Publish(Event{Kind: KindPresenceChanged})
	b.Publish(Event{Kind: KindTypingChanged})

	select {
	case evt := <-ch:
		if evt.Kind != KindTypingChanged {
			t.Errorf("got kind %q, want %s", evt.Kind, KindTypingChanged)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	select {
	case evt := <-ch:
		t.Errorf("unexpected event: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestConversationFiltering(t *testing.T) {
	b := New()
	ch, unsub := b.SubscribeConversation("c2", "", 10)
	defer unsub()

	b.Publish(Event{Kind: KindTypingChanged, ConversationID: "c1"})
	b.Publish(Event{Kind: KindTypingChanged, ConversationID: "c2"})

	evt := <-ch
	if evt.ConversationID != "c2" {
		t.Errorf("conversation = %q, want c2", evt.ConversationID)
	}
	select {
	case evt := <-ch:
		t.Errorf("unexpected event for %q", evt.ConversationID)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("message.", 10)
	unsub()
	unsub()

	b.Publish(Event{Kind: KindMessageUpserted})

	select {
	case evt := <-ch:
		t.Errorf("received event after unsubscribe: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDropOnFullBuffer(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("message.", 1)
	defer unsub()

	b.Publish(Event{Kind: "message.one"})
	b.Publish(Event{Kind: "message.two"})

	evt := <-ch
	if evt.Kind != "message.one" {
		t.Errorf("got %q, want message.one", evt.Kind)
	}
	if b.Dropped() != 1 {
		t.Errorf("dropped = %d, want 1", b.Dropped())
	}
}

func TestNilBusPublish(t *testing.T) {
	var b *Bus
	b.Publish(Event{Kind: KindTypingChanged})
}
