package daemon

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/matheus3301/streakchat/internal/api/client"
	"github.com/matheus3301/streakchat/internal/chat"
	"github.com/matheus3301/streakchat/internal/config"
	"github.com/matheus3301/streakchat/internal/lock"
	"github.com/matheus3301/streakchat/internal/metrics"
	"github.com/matheus3301/streakchat/internal/profile"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
)

// testHome points STREAKCHAT_HOME at a short path to stay under the
// 104-char Unix socket limit on macOS.
func testHome(t *testing.T) {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", "sc-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	t.Setenv("STREAKCHAT_HOME", dir)
}

func testParams() Params {
	s := config.Defaults()
	s.UserID = "me"
	s.DisplayName = "Me"
	return Params{ProfileName: "test", Settings: &s}
}

func dial(t *testing.T) *client.Client {
	t.Helper()
	c, err := client.New(profile.SocketPath("test"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestDaemonLifecycle(t *testing.T) {
	testHome(t)
	p := testParams()

	var m *metrics.Metrics
	app := fxtest.New(t, fx.NopLogger, Module(p), fx.Populate(&m))
	app.RequireStart()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c := dial(t)

	open, err := c.Open(ctx, "c1")
	if err != nil {
		t.Fatalf("Open error = %v", err)
	}
	if open.Status != "connected" {
		t.Errorf("status = %s, want connected", open.Status)
	}

	sent, err := c.SendText(ctx, "c1", "day 30!")
	if err != nil {
		t.Fatalf("SendText error = %v", err)
	}

	// The ack lands asynchronously.
	for {
		msgs, err := c.Messages(ctx, "c1")
		if err != nil {
			t.Fatalf("Messages error = %v", err)
		}
		if len(msgs) == 1 && msgs[0].ID == sent.ID && msgs[0].Status == string(chat.StatusSent) {
			break
		}
		select {
		case <-ctx.Done():
			t.Fatalf("message never acknowledged: %+v", msgs)
		case <-time.After(10 * time.Millisecond):
		}
	}

	status, err := c.Status(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if status.Profile != "test" || status.UserID != "me" || len(status.Channels) != 3 {
		t.Errorf("status = %+v", status)
	}

	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatal(err)
	}
	var observed bool
	for _, f := range families {
		if f.GetName() == "streakchat_rpc_duration_seconds" && len(f.GetMetric()) > 0 {
			observed = true
		}
	}
	if !observed {
		t.Error("API calls were not recorded in streakchat_rpc_duration_seconds")
	}

	app.RequireStop()

	if _, err := os.Stat(profile.SocketPath("test")); !os.IsNotExist(err) {
		t.Errorf("socket left behind after stop: %v", err)
	}
}

func TestRestartRestoresOpenConversations(t *testing.T) {
	testHome(t)
	p := testParams()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	first := fxtest.New(t, fx.NopLogger, Module(p))
	first.RequireStart()
	c := dial(t)
	for _, conv := range []string{"c1", "c2"} {
		if _, err := c.Open(ctx, conv); err != nil {
			t.Fatal(err)
		}
	}
	if err := c.CloseConversation(ctx, "c2"); err != nil {
		t.Fatal(err)
	}
	first.RequireStop()

	second := fxtest.New(t, fx.NopLogger, Module(p))
	second.RequireStart()
	defer second.RequireStop()

	convs, err := dial(t).Conversations(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(convs.Open) != 1 || convs.Open[0] != "c1" {
		t.Errorf("open after restart = %v, want [c1]", convs.Open)
	}
}

func TestSecondDaemonRefused(t *testing.T) {
	testHome(t)
	p := testParams()

	app := fxtest.New(t, fx.NopLogger, Module(p))
	app.RequireStart()
	defer app.RequireStop()

	second := fx.New(fx.NopLogger, Module(p))
	err := second.Err()
	if err == nil {
		t.Fatal("second daemon started while the profile lock was held")
	}
	if !strings.Contains(err.Error(), "profile lock held") {
		t.Errorf("second daemon error = %v, want lock held", err)
	}

	owner, held, err := lock.Inspect(profile.Dir("test"))
	if err != nil || !held || owner.UserID != "me" {
		t.Errorf("Inspect() = %+v held=%v err=%v, want the first daemon as me", owner, held, err)
	}
}

func TestInvalidSettingsRejected(t *testing.T) {
	testHome(t)
	p := testParams()
	p.Settings.UserID = ""

	app := fx.New(fx.NopLogger, Module(p))
	if app.Err() == nil {
		t.Fatal("expected error for settings without user_id")
	}
}
