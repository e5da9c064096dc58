package daemon

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/clock"
	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/conversation"
	"github.com/matheus3301/chatsync/internal/lock"
	"github.com/matheus3301/chatsync/internal/rest"
	"github.com/matheus3301/chatsync/internal/session"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/matheus3301/chatsync/internal/transport"
	"github.com/matheus3301/chatsync/internal/transport/transporttest"
)

type emptyHistory struct{}

func (emptyHistory) FetchMessages(_ context.Context, q rest.Query) (*rest.Page, error) {
	return &rest.Page{Docs: []json.RawMessage{}, Page: q.Page, TotalPages: 1}, nil
}

// shortTempDir keeps Unix socket paths under the 104-char macOS limit.
func shortTempDir(t *testing.T, pattern string) string {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", pattern)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return dir
}

func openStore(t *testing.T, dir string) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(dir, "chatsync.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestDaemonLifecycle(t *testing.T) {
	tmpDir := shortTempDir(t, "chatsync-test-*")
	sessionDir := filepath.Join(tmpDir, "test")
	socketPath := filepath.Join(sessionDir, "d.sock")

	lk, err := lock.Acquire(sessionDir, socketPath)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = lk.Release() }()

	db := openStore(t, sessionDir)
	ctx := context.Background()
	seed := transporttest.Credentialed()
	for _, key := range []string{store.KeyAccessToken, store.KeyRefreshToken, store.KeyDeviceID, store.KeyUserInfo} {
		if err := db.SetCredential(ctx, key, seed.Get(key)); err != nil {
			t.Fatal(err)
		}
	}

	// Wire the components the way the fx module does, over a fake server.
	b := bus.New()
	clk := clock.Real()
	sess := transport.NewSession(transport.DefaultConfig(), &transporttest.Server{}, db, status.NewMachine(b), b, clk, zap.NewNop())
	defer func() { _ = sess.Close() }()
	if err := sess.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	reg := conversation.NewRegistry(conversation.Deps{
		Session:     sess,
		Credentials: db,
		Cache:       db,
		Fetcher:     emptyHistory{},
		Pending:     db,
		Bus:         b,
		Clock:       clk,
		Logger:      zap.NewNop(),
	})
	reg.Start(ctx)
	defer reg.Stop()

	srv, err := NewServer(Params{SessionName: "test", SocketPath: socketPath}, zap.NewNop(), api.NewService("test", sess, reg, b, zap.NewNop()))
	if err != nil {
		t.Fatal(err)
	}
	go func() { _ = srv.Start() }()
	defer srv.Stop(ctx)

	client, err := api.Dial(socketPath)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = client.Close() }()

	callCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	st, err := client.GetStatus(callCtx)
	if err != nil {
		t.Fatalf("GetStatus error = %v", err)
	}
	if st["session"] != "test" || st["state"] != string(status.Authenticated) {
		t.Errorf("status = %v", st)
	}

	opened, err := client.OpenConversation(callCtx, "peer", "")
	if err != nil {
		t.Fatalf("OpenConversation error = %v", err)
	}
	convID, _ := opened["conversation_id"].(string)
	if convID != "u_me_peer" {
		t.Fatalf("conversation_id = %q", convID)
	}

	resp, err := client.SendText(callCtx, convID, "hello")
	if err != nil {
		t.Fatalf("SendText error = %v", err)
	}
	if msg, _ := resp["message"].(map[string]any); msg["status"] != "sent" {
		t.Errorf("sent message = %v", resp["message"])
	}

	// The sent message reaches the persisted cache.
	transporttest.WaitFor(t, "cached message", func() bool {
		msgs, err := db.LoadConversation(ctx, convID)
		return err == nil && len(msgs) == 1
	})

	if err := reg.CloseAll(ctx); err != nil {
		t.Fatal(err)
	}
	st, err = client.GetStatus(callCtx)
	if err != nil {
		t.Fatal(err)
	}
	if convs, _ := st["conversations"].([]any); len(convs) != 0 {
		t.Errorf("conversations after CloseAll = %v", st["conversations"])
	}
}

// TestFxModuleWiring verifies the fx dependency graph resolves without errors.
func TestFxModuleWiring(t *testing.T) {
	p := Params{SessionName: "fxtest", SocketPath: filepath.Join(shortTempDir(t, "chatsync-fx-*"), "d.sock")}
	if err := fx.ValidateApp(Module(p)); err != nil {
		t.Fatalf("fx graph invalid: %v", err)
	}
}

func TestNewServerReplacesStaleSocket(t *testing.T) {
	socketPath := filepath.Join(shortTempDir(t, "chatsync-sock-*"), "d.sock")
	if err := os.WriteFile(socketPath, []byte("stale"), 0600); err != nil {
		t.Fatal(err)
	}

	srv, err := NewServer(Params{SessionName: "x", SocketPath: socketPath}, zap.NewNop(), api.NewService("x", nil, nil, nil, nil))
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	info, err := os.Stat(socketPath)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode()&os.ModeSocket == 0 {
		t.Error("stale file was not replaced by a socket")
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("socket mode = %v, want 0600", perm)
	}

	srv.Stop(context.Background())
	if _, err := os.Stat(socketPath); !os.IsNotExist(err) {
		t.Error("socket not removed on stop")
	}
}

func TestProvideCacheSelectsBackend(t *testing.T) {
	t.Setenv("CHATSYNC_HOME", t.TempDir())
	p := Params{SessionName: "cache"}
	if err := session.EnsureDir(p.SessionName); err != nil {
		t.Fatal(err)
	}
	db := openStore(t, session.Dir(p.SessionName))

	cfg := config.Default()
	lc := fxtest.NewLifecycle(t)
	cache, err := provideCache(lc, p, cfg, db, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if cache != store.Cache(db) {
		t.Errorf("sqlite backend cache = %T, want the store", cache)
	}

	cfg.StoreBackend = config.StoreBolt
	cache, err = provideCache(lc, p, cfg, db, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := cache.(*store.BoltCache); !ok {
		t.Errorf("bolt backend cache = %T", cache)
	}
	if _, err := os.Stat(session.BoltPath(p.SessionName)); err != nil {
		t.Errorf("bolt file missing: %v", err)
	}
	lc.RequireStart().RequireStop()
}
