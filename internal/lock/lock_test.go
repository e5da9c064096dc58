package lock

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestAcquireRecordsHolder(t *testing.T) {
	tmpDir := t.TempDir()

	l, err := Acquire(tmpDir, "/run/d.sock")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	defer func() { _ = l.Release() }()

	data, err := os.ReadFile(filepath.Join(tmpDir, FileName))
	if err != nil {
		t.Fatalf("read lock file: %v", err)
	}
	got := decode(string(data))
	if got.PID != os.Getpid() || got.Socket != "/run/d.sock" || !got.Started.Equal(l.Info().Started) {
		t.Errorf("recorded %+v, lock info %+v", got, l.Info())
	}
}

func TestDoubleAcquireFails(t *testing.T) {
	tmpDir := t.TempDir()

	l1, err := Acquire(tmpDir, "")
	if err != nil {
		t.Fatalf("first Acquire() error = %v", err)
	}
	defer func() { _ = l1.Release() }()

	_, err = Acquire(tmpDir, "")
	var lockErr *LockHeldError
	if !errors.As(err, &lockErr) {
		t.Fatalf("expected LockHeldError, got %T: %v", err, err)
	}
	if lockErr.Holder.PID != os.Getpid() {
		t.Errorf("holder pid = %d, want %d", lockErr.Holder.PID, os.Getpid())
	}
}

func TestProbe(t *testing.T) {
	tmpDir := t.TempDir()

	if _, held, err := Probe(tmpDir); err != nil || held {
		t.Fatalf("Probe() on empty dir = held %v, err %v", held, err)
	}

	l, err := Acquire(tmpDir, "/run/d.sock")
	if err != nil {
		t.Fatal(err)
	}
	info, held, err := Probe(tmpDir)
	if err != nil || !held {
		t.Fatalf("Probe() while held = held %v, err %v", held, err)
	}
	if info.Socket != "/run/d.sock" {
		t.Errorf("probe socket = %q", info.Socket)
	}

	if err := l.Release(); err != nil {
		t.Fatal(err)
	}
	if _, held, _ := Probe(tmpDir); held {
		t.Error("Probe() after Release reports held")
	}
}

func TestProbeIgnoresStaleFile(t *testing.T) {
	tmpDir := t.TempDir()
	stale := Info{PID: 999999}.encode()
	if err := os.WriteFile(filepath.Join(tmpDir, FileName), []byte(stale), 0600); err != nil {
		t.Fatal(err)
	}
	if _, held, err := Probe(tmpDir); err != nil || held {
		t.Errorf("Probe() on stale file = held %v, err %v", held, err)
	}
}

func TestReleaseNilAndTwice(t *testing.T) {
	var nilLock *Lock
	if err := nilLock.Release(); err != nil {
		t.Errorf("nil Release() error = %v", err)
	}

	l, err := Acquire(t.TempDir(), "")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if err := l.Release(); err != nil {
		t.Errorf("first Release() error = %v", err)
	}
	if err := l.Release(); err != nil {
		t.Errorf("second Release() error = %v", err)
	}
}
