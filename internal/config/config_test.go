package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSaveAndLoad(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	cfg := Default()
	cfg.DefaultSession = "work"
	cfg.StoreBackend = StoreBolt
	cfg.Transport.AckTimeout = Duration{5 * time.Second}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.DefaultSession != "work" {
		t.Errorf("DefaultSession = %q, want %q", loaded.DefaultSession, "work")
	}
	if loaded.StoreBackend != StoreBolt {
		t.Errorf("StoreBackend = %q, want bolt", loaded.StoreBackend)
	}
	if loaded.Transport.AckTimeout.Duration != 5*time.Second {
		t.Errorf("AckTimeout = %v, want 5s", loaded.Transport.AckTimeout)
	}
}

func TestLoadFillsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := "default_session = \"main\"\n\n[transport]\nmax_delay = \"20s\"\n"
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Transport.MaxDelay.Duration != 20*time.Second {
		t.Errorf("MaxDelay = %v, want 20s", cfg.Transport.MaxDelay)
	}
	if cfg.Transport.HandshakeTimeout.Duration != 10*time.Second {
		t.Errorf("HandshakeTimeout = %v, want default 10s", cfg.Transport.HandshakeTimeout)
	}
	if cfg.Timeline.CacheLimit != 300 || cfg.Media.TransferTimeout.Duration != 30*time.Second {
		t.Errorf("defaults lost: %+v %+v", cfg.Timeline, cfg.Media)
	}
}

func TestLoadRejectsBadBackend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(`store_backend = "redis"`), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("Load() expected error for unknown store backend")
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.toml")
	if err == nil {
		t.Error("Load() expected error for missing file")
	}
}

func TestLoadOrDefaultAppliesEnvFile(t *testing.T) {
	t.Setenv("BACKEND_URL", "")
	t.Setenv("SOCKET_URL", "wss://env.example/ws")
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	if err := os.WriteFile(envPath, []byte("BACKEND_URL=https://file.example/api\nSOCKET_URL=wss://file.example/ws\n"), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadOrDefault(filepath.Join(dir, "missing.toml"), envPath)
	if err != nil {
		t.Fatalf("LoadOrDefault() error = %v", err)
	}
	if cfg.BackendURL != "https://file.example/api" {
		t.Errorf("BackendURL = %q", cfg.BackendURL)
	}
	// The process environment wins over the file.
	if cfg.SocketURL != "wss://env.example/ws" {
		t.Errorf("SocketURL = %q", cfg.SocketURL)
	}
}

func TestSavePermissions(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	if err := Save(path, &Config{DefaultSession: "main"}); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	perm := info.Mode().Perm()
	if perm != 0600 {
		t.Errorf("file permission = %o, want 0600", perm)
	}
}
