package daemon

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/fx"

	"github.com/matheus3301/convsync/internal/client"
	"github.com/matheus3301/convsync/internal/model"
	"github.com/matheus3301/convsync/internal/paths"
)

// testHome points the data directory at a short temp path, to stay under
// the 104-char Unix socket limit on macOS.
func testHome(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", "convsync-test-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	t.Setenv(paths.HomeEnv, dir)
	return dir
}

func startApp(t *testing.T, p Params) *fx.App {
	t.Helper()
	app := fx.New(Module(p), fx.NopLogger)
	if err := app.Err(); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := app.Start(ctx); err != nil {
		t.Fatal(err)
	}
	return app
}

func stopApp(t *testing.T, app *fx.App) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := app.Stop(ctx); err != nil {
		t.Fatal(err)
	}
}

func waitHealthy(t *testing.T, c *client.Client) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		_, err := c.Health(context.Background())
		if err == nil {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("daemon not healthy: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestDaemonLifecycle(t *testing.T) {
	home := testHome(t)
	socketPath := filepath.Join(home, "d.sock")
	app := startApp(t, Params{Profile: "test", SocketPath: socketPath})

	c := client.New(socketPath)
	defer func() { _ = c.Close() }()
	waitHealthy(t, c)
	ctx := context.Background()

	v, err := c.Open(ctx, "u1", "u2")
	if err != nil {
		t.Fatalf("Open error = %v", err)
	}
	if v.Status != "LIVE" {
		t.Errorf("status = %s, want LIVE", v.Status)
	}

	sent, err := c.Send(ctx, v.ID, "hello")
	if err != nil {
		t.Fatalf("Send error = %v", err)
	}
	if sent.Message.DeliveryState != model.Delivered {
		t.Errorf("delivery state = %s", sent.Message.DeliveryState)
	}

	// A second handle from the other side resolves the same conversation and
	// sees the stored message.
	other, err := c.Open(ctx, "u2", "u1")
	if err != nil {
		t.Fatal(err)
	}
	if other.Conversation.ID != v.Conversation.ID {
		t.Errorf("conversation ids differ: %s vs %s", other.Conversation.ID, v.Conversation.ID)
	}
	if len(other.Messages) != 1 || other.Messages[0].ID != sent.Message.ID {
		t.Errorf("messages = %+v", other.Messages)
	}

	convs, err := c.Conversations(ctx, "u1", 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(convs.Conversations) != 1 {
		t.Errorf("conversations = %d, want 1", len(convs.Conversations))
	}

	// No users service is configured.
	if _, err := c.Participant(ctx, "u2"); err == nil {
		t.Error("expected participant lookup to fail without a users service")
	}

	stopApp(t, app)
	if _, err := os.Stat(socketPath); !os.IsNotExist(err) {
		t.Errorf("socket still present after stop: %v", err)
	}
	if _, err := os.Stat(paths.DBPath("test")); err != nil {
		t.Errorf("database missing: %v", err)
	}
}

func TestSecondDaemonRejectedByLock(t *testing.T) {
	home := testHome(t)
	app := startApp(t, Params{Profile: "test", SocketPath: filepath.Join(home, "a.sock")})
	defer stopApp(t, app)

	second := fx.New(Module(Params{Profile: "test", SocketPath: filepath.Join(home, "b.sock")}), fx.NopLogger)
	err := second.Err()
	if err == nil {
		t.Fatal("second daemon should fail while the profile lock is held")
	}
	if !strings.Contains(err.Error(), "lock held") {
		t.Errorf("err = %v, want lock held", err)
	}
}

func TestInvalidConfigFailsStartup(t *testing.T) {
	home := testHome(t)
	cfgPath := filepath.Join(home, "config.toml")
	if err := os.WriteFile(cfgPath, []byte("[store]\ndriver = \"oracle\"\n"), 0600); err != nil {
		t.Fatal(err)
	}
	app := fx.New(Module(Params{Profile: "test", ConfigPath: cfgPath, SocketPath: filepath.Join(home, "d.sock")}), fx.NopLogger)
	if err := app.Err(); err == nil || !strings.Contains(err.Error(), "unknown driver") {
		t.Fatalf("err = %v, want unknown driver", err)
	}
}
