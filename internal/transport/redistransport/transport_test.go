package redistransport

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/streakchat/internal/transport"
	"go.uber.org/zap"
)

// testTransport connects to the Redis named by STREAKCHAT_REDIS_ADDR and
// skips the test when it is unset.
func testTransport(t *testing.T) *Transport {
	t.Helper()
	addr := os.Getenv("STREAKCHAT_REDIS_ADDR")
	if addr == "" {
		t.Skip("STREAKCHAT_REDIS_ADDR not set")
	}
	logger, _ := zap.NewDevelopment()
	tr, err := Dial(context.Background(), addr, logger)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

type inbox struct {
	mu     sync.Mutex
	events []string
	signal chan struct{}
}

func newInbox() *inbox { return &inbox{signal: make(chan struct{}, 64)} }

func (in *inbox) add(e string) {
	in.mu.Lock()
	in.events = append(in.events, e)
	in.mu.Unlock()
	in.signal <- struct{}{}
}

func (in *inbox) wait(t *testing.T, n int) []string {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		in.mu.Lock()
		if len(in.events) >= n {
			out := append([]string(nil), in.events...)
			in.mu.Unlock()
			return out
		}
		in.mu.Unlock()
		select {
		case <-in.signal:
		case <-deadline:
			t.Fatalf("timeout waiting for %d events, got %v", n, in.events)
		}
	}
}

func TestBroadcastReachesPeersOnly(t *testing.T) {
	tr := testTransport(t)
	ctx := context.Background()
	key := transport.Key{ConversationID: uuid.NewString(), Kind: transport.KindTyping}

	self, peer := newInbox(), newInbox()
	a := tr.Channel(key, transport.Handlers{OnBroadcast: func(e string, _ []byte) { self.add(e) }})
	b := tr.Channel(key, transport.Handlers{OnBroadcast: func(e string, _ []byte) { peer.add(e) }})
	if err := a.Join(ctx); err != nil {
		t.Fatal(err)
	}
	if err := b.Join(ctx); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = a.Unsubscribe(); _ = b.Unsubscribe() }()

	if err := a.Send(ctx, "typing", []byte(`{"userId":"a","isTyping":true}`)); err != nil {
		t.Fatal(err)
	}
	if got := peer.wait(t, 1); got[0] != "typing" {
		t.Errorf("peer got %v", got)
	}
	time.Sleep(100 * time.Millisecond)
	self.mu.Lock()
	defer self.mu.Unlock()
	if len(self.events) != 0 {
		t.Errorf("sender heard itself: %v", self.events)
	}
}

func TestPersistEchoesInsert(t *testing.T) {
	tr := testTransport(t)
	ctx := context.Background()
	conv := uuid.NewString()
	key := transport.Key{ConversationID: conv, Kind: transport.KindMessages}

	rows := newInbox()
	sub := tr.Channel(key, transport.Handlers{OnInsert: func(row []byte) { rows.add(string(row)) }})
	if err := sub.Join(ctx); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	row := `{"id":"m1","conversation_id":"` + conv + `"}`
	if err := tr.Persist(ctx, []byte(row)); err != nil {
		t.Fatal(err)
	}
	if got := rows.wait(t, 1); got[0] != row {
		t.Errorf("insert = %s, want %s", got[0], row)
	}
	stored, err := tr.Rows(ctx, conv)
	if err != nil {
		t.Fatal(err)
	}
	if len(stored) != 1 {
		t.Errorf("stored rows = %d, want 1", len(stored))
	}
	_ = tr.client.Del(ctx, messagesPrefix+conv).Err()
}

func TestPresenceTrackAndLeave(t *testing.T) {
	tr := testTransport(t)
	ctx := context.Background()
	key := transport.Key{ConversationID: uuid.NewString(), Kind: transport.KindPresence}

	seen := newInbox()
	watcher := tr.Channel(key, transport.Handlers{OnPresence: func(e transport.PresenceEvent) { seen.add(string(e.Type)) }})
	if err := watcher.Join(ctx); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = watcher.Unsubscribe() }()

	me := tr.Channel(key, transport.Handlers{})
	if err := me.Join(ctx); err != nil {
		t.Fatal(err)
	}
	if err := me.Track(ctx, transport.PresenceMeta{UserID: "me", OnlineAt: time.Now()}); err != nil {
		t.Fatal(err)
	}
	seen.wait(t, 2)
	if _, ok := watcher.PresenceState()["me"]; !ok {
		t.Fatal("tracked user missing from aggregate")
	}

	if err := me.Unsubscribe(); err != nil {
		t.Fatal(err)
	}
	got := seen.wait(t, 4)
	if got[2] != string(transport.PresenceLeave) {
		t.Errorf("events = %v, want leave third", got)
	}
	if _, ok := watcher.PresenceState()["me"]; ok {
		t.Error("user still present after unsubscribe")
	}
}
