// Package lock guards a session directory so only one daemon serves it.
package lock

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// FileName is the lock file inside a session directory.
const FileName = "LOCK"

// LockHeldError is returned when another process holds the session lock.
type LockHeldError struct {
	Holder Info
	Path   string
}

func (e *LockHeldError) Error() string {
	return fmt.Sprintf("session lock held by PID %d since %s (%s)",
		e.Holder.PID, e.Holder.Started.Format(time.RFC3339), e.Path)
}

// Info is what the holder records in the lock file.
type Info struct {
	PID     int
	Started time.Time
	// Socket is where the holder serves its API. Empty when unknown.
	Socket string
}

func (i Info) encode() string {
	var b strings.Builder
	fmt.Fprintf(&b, "pid=%d\n", i.PID)
	fmt.Fprintf(&b, "time=%s\n", i.Started.UTC().Format(time.RFC3339))
	if i.Socket != "" {
		fmt.Fprintf(&b, "socket=%s\n", i.Socket)
	}
	return b.String()
}

func decode(content string) Info {
	var info Info
	for _, line := range strings.Split(content, "\n") {
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		switch key {
		case "pid":
			info.PID, _ = strconv.Atoi(value)
		case "time":
			info.Started, _ = time.Parse(time.RFC3339, value)
		case "socket":
			info.Socket = value
		}
	}
	return info
}

// Lock represents an acquired session lock file.
type Lock struct {
	file *os.File
	path string
	info Info
}

// Acquire takes an exclusive lock on the session directory and records the
// caller's PID and socket in it. Returns *LockHeldError if another process
// already holds it.
func Acquire(sessionDir, socket string) (*Lock, error) {
	lockPath := filepath.Join(sessionDir, FileName)

	if err := os.MkdirAll(sessionDir, 0700); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}

	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		data, _ := os.ReadFile(lockPath)
		_ = f.Close()
		return nil, &LockHeldError{Holder: decode(string(data)), Path: lockPath}
	}

	info := Info{PID: os.Getpid(), Started: time.Now().Truncate(time.Second), Socket: socket}
	if err := rewrite(f, info.encode()); err != nil {
		_ = f.Close()
		return nil, err
	}
	return &Lock{file: f, path: lockPath, info: info}, nil
}

func rewrite(f *os.File, content string) error {
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.Seek(0, 0); err != nil {
		return err
	}
	_, err := f.WriteString(content)
	return err
}

// Info returns what this lock recorded.
func (l *Lock) Info() Info { return l.info }

// Probe reports whether a live process holds the session lock, and what it
// recorded. A leftover file from a crashed daemon is not held.
func Probe(sessionDir string) (Info, bool, error) {
	lockPath := filepath.Join(sessionDir, FileName)
	f, err := os.Open(lockPath)
	if errors.Is(err, fs.ErrNotExist) {
		return Info{}, false, nil
	}
	if err != nil {
		return Info{}, false, fmt.Errorf("open lock file: %w", err)
	}
	defer func() { _ = f.Close() }()

	err = syscall.Flock(int(f.Fd()), syscall.LOCK_SH|syscall.LOCK_NB)
	if err == nil {
		_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		return Info{}, false, nil
	}
	if !errors.Is(err, syscall.EWOULDBLOCK) {
		return Info{}, false, fmt.Errorf("probe lock: %w", err)
	}
	data, err := os.ReadFile(lockPath)
	if err != nil {
		return Info{}, true, fmt.Errorf("read lock file: %w", err)
	}
	return decode(string(data)), true, nil
}

// Release releases the lock. Safe to call on nil receiver.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	// Remove lock file before closing to avoid stale files.
	_ = os.Remove(l.path)
	err := l.file.Close()
	l.file = nil
	return err
}
