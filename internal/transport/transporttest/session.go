package transporttest

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/clock"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/matheus3301/chatsync/internal/transport"
)

// SelfID is the account id stored in the userInfo credential by Connect.
const SelfID = "me"

// Credentialed returns credentials for a signed-in account.
func Credentialed() *Credentials {
	return NewCredentials(map[string]string{
		store.KeyAccessToken:  "access-1",
		store.KeyRefreshToken: "refresh-1",
		store.KeyDeviceID:     "device-1",
		store.KeyUserInfo:     `{"_id":"` + SelfID + `","name":"Me"}`,
	})
}

// Connect returns an authenticated session against srv. The session is
// closed when the test ends.
func Connect(tb testing.TB, srv *Server, clk clock.Clock, b *bus.Bus) *transport.Session {
	tb.Helper()
	s := transport.NewSession(transport.DefaultConfig(), srv, Credentialed(), status.NewMachine(b), b, clk, zap.NewNop())
	tb.Cleanup(func() { _ = s.Close() })
	if err := s.Connect(context.Background()); err != nil {
		tb.Fatalf("Connect() error = %v", err)
	}
	return s
}

// WaitFor polls cond until it holds or two seconds pass.
func WaitFor(tb testing.TB, what string, cond func() bool) {
	tb.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			tb.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
