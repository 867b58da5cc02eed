package api_test

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/matheus3301/streakchat/internal/api"
	"github.com/matheus3301/streakchat/internal/api/client"
	"github.com/matheus3301/streakchat/internal/bus"
	"github.com/matheus3301/streakchat/internal/channel"
	"github.com/matheus3301/streakchat/internal/chat"
	"github.com/matheus3301/streakchat/internal/convo"
	"github.com/matheus3301/streakchat/internal/msgsync"
	"github.com/matheus3301/streakchat/internal/outbox"
	"github.com/matheus3301/streakchat/internal/presence"
	"github.com/matheus3301/streakchat/internal/session"
	"github.com/matheus3301/streakchat/internal/store"
	"github.com/matheus3301/streakchat/internal/timer"
	"github.com/matheus3301/streakchat/internal/transport/memory"
	"github.com/matheus3301/streakchat/internal/typing"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

var me = chat.Identity{UserID: "me", DisplayName: "Me"}

type fixture struct {
	client   *client.Client
	pipeline *outbox.Pipeline
	hub      *memory.Hub
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger, _ := zap.NewDevelopment()

	db, err := store.Open(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	hub := memory.NewHub()
	b := bus.New()
	clock := timer.Real()
	reg := channel.NewRegistry(hub, b, logger)
	s := convo.NewStore(b)
	br := msgsync.NewBridge(reg, s, nil, logger)
	tc := typing.New(reg, me, typing.Config{}, b, nil, logger)
	pt := presence.New(reg, clock, b, nil, logger)
	pipe := outbox.NewPipeline(s, hub, db, me, clock, b, nil, logger)
	sess := session.New(me, reg, br, tc, pt, pipe, db, clock, logger)

	svc := api.NewService(api.Deps{
		Session: sess, Store: s, Pipeline: pipe, Typing: tc,
		Presence: pt, Bridge: br, Registry: reg, Bus: b,
		History: hub,
	}, "test", logger)

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	api.Register(srv, svc)
	go func() { _ = srv.Serve(lis) }()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		_ = conn.Close()
		srv.Stop()
		pipe.Stop()
		reg.TeardownAll()
	})
	return &fixture{client: client.NewFromConn(conn), pipeline: pipe, hub: hub}
}

func wantCode(t *testing.T, err error, code codes.Code) {
	t.Helper()
	if got := grpcstatus.Code(err); got != code {
		t.Errorf("code = %s (%v), want %s", got, err, code)
	}
}

func TestOpenSendAndList(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	open, err := f.client.Open(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if open.Status != string(channel.Connected) {
		t.Errorf("open status = %s, want connected", open.Status)
	}

	m, err := f.client.SendText(ctx, "c1", "morning run done")
	if err != nil {
		t.Fatal(err)
	}
	if m.Status != string(chat.StatusSending) {
		t.Errorf("send returned status %s, want sending", m.Status)
	}
	f.pipeline.Flush()

	msgs, err := f.client.Messages(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].ID != m.ID {
		t.Fatalf("messages = %+v, want the sent message once", msgs)
	}
	if msgs[0].Status != string(chat.StatusSent) {
		t.Errorf("status after ack = %s, want sent", msgs[0].Status)
	}

	convs, err := f.client.Conversations(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(convs.Conversations) != 1 || convs.Conversations[0].Preview != "morning run done" {
		t.Errorf("conversations = %+v", convs.Conversations)
	}

	status, err := f.client.Status(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if status.UserID != "me" || len(status.Channels) != 3 {
		t.Errorf("status = %+v, want 3 channels for me", status)
	}
}

func TestSendCard(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	m, err := f.client.SendCard(ctx, api.SendCardRequest{
		ConversationID: "c1",
		HabitCard:      &chat.HabitCard{HabitID: "h1", Title: "Read", Emoji: "📚", Streak: 12},
	})
	if err != nil {
		t.Fatal(err)
	}
	if m.Type != string(chat.TypeHabitCard) || m.HabitCard == nil || m.HabitCard.Streak != 12 {
		t.Errorf("card message = %+v", m)
	}

	_, err = f.client.SendCard(ctx, api.SendCardRequest{ConversationID: "c1"})
	wantCode(t, err, codes.InvalidArgument)
}

func TestErrorCodes(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := f.client.SendText(ctx, "c1", "   ")
	wantCode(t, err, codes.InvalidArgument)

	_, err = f.client.Retry(ctx, "missing")
	wantCode(t, err, codes.NotFound)

	_, err = f.client.React(ctx, "c1", "missing", "🔥", true)
	wantCode(t, err, codes.NotFound)

	wantCode(t, f.client.SetTyping(ctx, "c1", true), codes.FailedPrecondition)
	wantCode(t, f.client.CloseConversation(ctx, "c1"), codes.FailedPrecondition)

	_, err = f.client.Open(ctx, "")
	wantCode(t, err, codes.InvalidArgument)
}

func TestBackfillCountsMalformed(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := f.client.Backfill(ctx, [][]byte{
		[]byte(`{"id":"m1","conversation_id":"c1","sender_id":"friend","text":"hey","read_at":"2026-05-04T09:00:00Z"}`),
		[]byte(`{"id":"m1","conversation_id":"c1","sender_id":"friend","text":"hey"}`),
		[]byte(`{"conversation_id":"c1"}`),
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Inserted != 1 || resp.Malformed != 1 {
		t.Errorf("backfill = %+v, want 1 inserted, 1 malformed", resp)
	}
	msgs, _ := f.client.Messages(ctx, "c1")
	if len(msgs) != 1 || msgs[0].Status != string(chat.StatusRead) {
		t.Errorf("messages = %+v", msgs)
	}
}

func TestBackfillFromTransport(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Nobody has c9 open, so the persisted rows only exist on the transport.
	for _, row := range []string{
		`{"id":"h1","conversation_id":"c9","sender_id":"friend","text":"day 1"}`,
		`{"id":"h2","conversation_id":"c9","sender_id":"friend","text":"day 2"}`,
		`{"id":"x1","conversation_id":"other","sender_id":"friend","text":"elsewhere"}`,
	} {
		if err := f.hub.Persist(ctx, []byte(row)); err != nil {
			t.Fatal(err)
		}
	}

	resp, err := f.client.BackfillFromTransport(ctx, "c9")
	if err != nil {
		t.Fatal(err)
	}
	if resp.Inserted != 2 || resp.Malformed != 0 {
		t.Errorf("backfill = %+v, want 2 inserted", resp)
	}
	msgs, _ := f.client.Messages(ctx, "c9")
	if len(msgs) != 2 {
		t.Errorf("messages = %+v, want the two c9 rows", msgs)
	}

	// A second load is all duplicates.
	resp, err = f.client.BackfillFromTransport(ctx, "c9")
	if err != nil || resp.Inserted != 0 {
		t.Errorf("second backfill = %+v, %v", resp, err)
	}
}

func TestBackfillWithoutHistory(t *testing.T) {
	svc := api.NewService(api.Deps{}, "test", nil)
	req, err := api.Encode(api.BackfillRequest{ConversationID: "c9"})
	if err != nil {
		t.Fatal(err)
	}
	_, err = svc.Backfill(context.Background(), req)
	wantCode(t, err, codes.FailedPrecondition)
}

func TestFailedSendListedAndDiscarded(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	f.hub.FailNextPersist(context.DeadlineExceeded)
	if _, err := f.client.SendText(ctx, "c1", "lost"); err != nil {
		t.Fatal(err)
	}
	f.pipeline.Flush()

	failed, err := f.client.Failed(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(failed) != 1 || failed[0].Preview != "lost" {
		t.Fatalf("failed = %+v", failed)
	}
	if msgs, _ := f.client.Messages(ctx, "c1"); len(msgs) != 0 {
		t.Errorf("failed send still listed as a message: %+v", msgs)
	}

	if err := f.client.Discard(ctx, failed[0].LocalID); err != nil {
		t.Fatal(err)
	}
	if failed, _ = f.client.Failed(ctx, "c1"); len(failed) != 0 {
		t.Errorf("failed after discard = %+v", failed)
	}
}

func TestWatchEvents(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := f.client.Watch(ctx, api.WatchRequest{ConversationID: "c1", Namespace: "message.upserted"})
	if err != nil {
		t.Fatal(err)
	}
	got := make(chan api.EventView, 1)
	go func() {
		evt, err := stream.Recv()
		if err == nil {
			got <- evt
		}
	}()

	// The server subscribes asynchronously; keep producing until the
	// stream reports an event.
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case evt := <-got:
			if evt.Kind != "message.upserted" || evt.ConversationID != "c1" || evt.Profile != "test" {
				t.Errorf("event = %+v", evt)
			}
			return
		case <-tick.C:
			if _, err := f.client.SendText(ctx, "c1", "ping"); err != nil {
				t.Fatal(err)
			}
		case <-ctx.Done():
			t.Fatal("timeout waiting for event")
		}
	}
}
