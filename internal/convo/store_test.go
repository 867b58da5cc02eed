package convo

import (
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/streakchat/internal/bus"
	"github.com/matheus3301/streakchat/internal/chat"
)

var t0 = time.Date(2026, 3, 1, 7, 0, 0, 0, time.UTC)

func textMessage(id string, at time.Time) chat.Message {
	return chat.Message{
		ID: id, ConversationID: "c1", SenderID: "u1",
		Type: chat.TypeText, Payload: chat.Payload{Text: "msg " + id},
		Status: chat.StatusSending, CreatedAt: at,
	}
}

func TestInsertDeduplicatesByID(t *testing.T) {
	s := NewStore(nil)
	if !s.Insert(textMessage("m1", t0)) {
		t.Fatal("first Insert() = false")
	}
	dup := textMessage("m1", t0)
	dup.Status = chat.StatusSent
	if s.Insert(dup) {
		t.Error("duplicate Insert() = true")
	}
	msgs := s.Messages("c1")
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	if msgs[0].Status != chat.StatusSending {
		t.Errorf("duplicate overwrote status: %s", msgs[0].Status)
	}
}

func TestAdvanceNeverRegresses(t *testing.T) {
	s := NewStore(nil)
	s.Insert(textMessage("m1", t0))

	steps := []struct {
		to      chat.DeliveryStatus
		applied bool
		want    chat.DeliveryStatus
	}{
		{chat.StatusSent, true, chat.StatusSent},
		{chat.StatusRead, true, chat.StatusRead},
		{chat.StatusDelivered, false, chat.StatusRead},
		{chat.StatusSent, false, chat.StatusRead},
		{chat.StatusFailed, false, chat.StatusRead},
	}
	for _, step := range steps {
		_, applied, err := s.Advance("c1", "m1", step.to)
		if err != nil {
			t.Fatal(err)
		}
		if applied != step.applied {
			t.Errorf("Advance(%s) applied = %v, want %v", step.to, applied, step.applied)
		}
		m, _ := s.Message("c1", "m1")
		if m.Status != step.want {
			t.Errorf("after Advance(%s) status = %s, want %s", step.to, m.Status, step.want)
		}
	}

	if _, _, err := s.Advance("c1", "nope", chat.StatusRead); err != ErrNoMessage {
		t.Errorf("unknown id error = %v, want ErrNoMessage", err)
	}
}

func TestSummaryFollowsNewest(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("conversation.", 10)
	defer unsub()

	s := NewStore(b)
	s.Insert(textMessage("m1", t0))
	s.Insert(textMessage("m2", t0.Add(time.Minute)))
	s.Insert(textMessage("old", t0.Add(-time.Hour)))

	sum, ok := s.Summary("c1")
	if !ok || sum.MessageID != "m2" {
		t.Errorf("summary = %+v, want m2", sum)
	}

	removed, ok := s.Remove("c1", "m2")
	if !ok || removed.ID != "m2" {
		t.Fatalf("Remove() = %+v,%v", removed, ok)
	}
	sum, _ = s.Summary("c1")
	if sum.MessageID != "m1" {
		t.Errorf("summary after remove = %s, want m1", sum.MessageID)
	}

	// m1, m2 and the removal each moved the summary.
	for i := 0; i < 3; i++ {
		select {
		case evt := <-ch:
			if evt.Kind != bus.KindSummaryChanged {
				t.Errorf("event kind = %q", evt.Kind)
			}
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for summary event %d", i)
		}
	}
}

func TestRemoveIfStatus(t *testing.T) {
	s := NewStore(nil)
	s.Insert(textMessage("m1", t0))
	s.Insert(textMessage("m2", t0.Add(time.Minute)))
	if _, _, err := s.Advance("c1", "m2", chat.StatusDelivered); err != nil {
		t.Fatal(err)
	}

	current, removed, err := s.RemoveIfStatus("c1", "m2", chat.StatusSending)
	if err != nil || removed || current != chat.StatusDelivered {
		t.Errorf("RemoveIfStatus(advanced) = %s,%v,%v; want delivered kept", current, removed, err)
	}
	if _, ok := s.Message("c1", "m2"); !ok {
		t.Error("advanced message was removed")
	}

	current, removed, err = s.RemoveIfStatus("c1", "m1", chat.StatusSending)
	if err != nil || !removed || current != chat.StatusSending {
		t.Errorf("RemoveIfStatus(sending) = %s,%v,%v", current, removed, err)
	}
	if _, ok := s.Message("c1", "m1"); ok {
		t.Error("sending message still listed")
	}

	if _, _, err := s.RemoveIfStatus("c1", "m1", chat.StatusSending); err != ErrNoMessage {
		t.Errorf("second RemoveIfStatus() error = %v, want ErrNoMessage", err)
	}
	if _, _, err := s.RemoveIfStatus("nope", "m1", chat.StatusSending); err != ErrNoMessage {
		t.Errorf("unknown conversation error = %v, want ErrNoMessage", err)
	}
}

func TestUpdateReactionsAtomic(t *testing.T) {
	s := NewStore(nil)
	s.Insert(textMessage("m1", t0))

	var wg sync.WaitGroup
	for _, u := range []string{"a", "b", "c", "d", "e", "f", "g", "h"} {
		wg.Add(1)
		go func(user string) {
			defer wg.Done()
			_, _, _ = s.UpdateReactions("c1", "m1", func(rs []chat.Reaction) ([]chat.Reaction, bool) {
				return chat.AddReaction(rs, "🔥", user)
			})
		}(u)
	}
	wg.Wait()

	m, _ := s.Message("c1", "m1")
	if len(m.Reactions) != 1 || m.Reactions[0].Count() != 8 {
		t.Errorf("reactions = %+v, want one 🔥 with 8 users (no lost update)", m.Reactions)
	}
}

func TestMessagesReturnsCopies(t *testing.T) {
	s := NewStore(nil)
	m := textMessage("m1", t0)
	m.Reactions = []chat.Reaction{{Emoji: "👍", UserIDs: []string{"a"}}}
	s.Insert(m)

	got := s.Messages("c1")
	got[0].Reactions[0].UserIDs[0] = "mutated"
	got[0].Status = chat.StatusRead

	again, _ := s.Message("c1", "m1")
	if again.Reactions[0].UserIDs[0] != "a" || again.Status != chat.StatusSending {
		t.Errorf("store state aliased by caller: %+v", again)
	}
}

func TestConversationsOrderedByActivity(t *testing.T) {
	s := NewStore(nil)
	s.Insert(textMessage("m1", t0))
	other := textMessage("x1", t0.Add(time.Hour))
	other.ConversationID = "c2"
	s.Insert(other)

	convs := s.Conversations()
	if len(convs) != 2 || convs[0].ConversationID != "c2" {
		t.Errorf("conversations = %+v, want c2 first", convs)
	}
}

func TestMarkDeletedIsOneWay(t *testing.T) {
	s := NewStore(nil)
	s.Insert(textMessage("m1", t0))

	changed, err := s.MarkDeleted("c1", "m1")
	if err != nil || !changed {
		t.Fatalf("MarkDeleted() = %v,%v", changed, err)
	}
	if changed, _ = s.MarkDeleted("c1", "m1"); changed {
		t.Error("second MarkDeleted() reported a change")
	}
	if m, _ := s.Message("c1", "m1"); !m.IsDeleted {
		t.Error("message not flagged")
	}
	if len(s.Messages("c1")) != 1 {
		t.Error("soft delete removed the message")
	}
}
