package session

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDir(t *testing.T) {
	t.Setenv("CHATSYNC_HOME", "")
	home, _ := os.UserHomeDir()
	got := Dir("main")
	want := filepath.Join(home, ".chatsync", "sessions", "main")
	if got != want {
		t.Errorf("Dir(main) = %q, want %q", got, want)
	}
}

func TestBaseDirOverride(t *testing.T) {
	t.Setenv("CHATSYNC_HOME", "/tmp/cs")
	if got := Dir("x"); got != filepath.Join("/tmp/cs", "sessions", "x") {
		t.Errorf("Dir(x) = %q", got)
	}
}

func TestSessionFiles(t *testing.T) {
	tests := []struct {
		name string
		got  string
		want string
	}{
		{"socket", SocketPath("test"), filepath.Join("sessions", "test", "daemon.sock")},
		{"db", AppDBPath("test"), filepath.Join("sessions", "test", "chatsync.db")},
		{"bolt", BoltPath("test"), filepath.Join("sessions", "test", "cache.bolt")},
		{"log", LogPath("test"), filepath.Join("sessions", "test", "logs", "chatsyncd.log")},
		{"sent", SentDir("test"), filepath.Join("sessions", "test", "media", "Sent")},
		{"received", ReceivedDir("test"), filepath.Join("sessions", "test", "media", "Received")},
	}
	for _, tt := range tests {
		if !strings.HasSuffix(tt.got, tt.want) {
			t.Errorf("%s = %q, want suffix %q", tt.name, tt.got, tt.want)
		}
	}
}

func TestEnsureDir(t *testing.T) {
	t.Setenv("CHATSYNC_HOME", t.TempDir())

	if err := EnsureDir("test"); err != nil {
		t.Fatalf("EnsureDir() error = %v", err)
	}
	for _, d := range []string{Dir("test"), LogDir("test"), SentDir("test"), ReceivedDir("test")} {
		info, err := os.Stat(d)
		if err != nil {
			t.Fatalf("%s not created: %v", d, err)
		}
		if !info.IsDir() {
			t.Errorf("%s is not a directory", d)
		}
	}
}
