package media

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

func sanitize(name string) string {
	s := unsafeName.ReplaceAllString(name, "_")
	s = strings.Trim(s, ".")
	if s == "" {
		return "file"
	}
	return s
}

// LocalPath turns a picked source (plain path or file:// URI) into a path.
func LocalPath(src string) string {
	if strings.HasPrefix(src, "file://") {
		if u, err := url.Parse(src); err == nil {
			return u.Path
		}
	}
	return src
}

// Persist copies a picked file into the Sent directory as
// sent_<conversation>_<ms>_<name> before any network call, so the send can be
// retried after a restart. A source already inside Sent is returned as is.
func (m *Manager) Persist(ctx context.Context, src, conversationID string) (string, error) {
	path := LocalPath(src)
	if path == "" {
		return "", &TransferError{Op: "persist", ID: conversationID, Err: fmt.Errorf("empty source")}
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", &TransferError{Op: "persist", ID: conversationID, Err: err}
	}
	if sent, err := filepath.Abs(m.dirs.Sent); err == nil && filepath.Dir(abs) == sent {
		if _, err := os.Stat(abs); err != nil {
			return "", &TransferError{Op: "persist", ID: conversationID, Err: err}
		}
		return abs, nil
	}

	f, err := os.Open(abs)
	if err != nil {
		return "", &TransferError{Op: "persist", ID: conversationID, Err: err}
	}
	defer func() { _ = f.Close() }()

	name := fmt.Sprintf("sent_%s_%d_%s", sanitize(conversationID), m.clock.Now().UnixMilli(), sanitize(filepath.Base(abs)))
	dst := filepath.Join(m.dirs.Sent, name)
	if _, err := os.Stat(dst); err == nil {
		return dst, nil
	}
	if err := writeAtomic(ctx, dst, f, -1, nil); err != nil {
		return "", &TransferError{Op: "persist", ID: conversationID, Err: err}
	}
	return dst, nil
}

// writeAtomic streams src into a temporary file next to dst and renames it
// into place, so dst either is complete or does not exist.
func writeAtomic(ctx context.Context, dst string, src io.Reader, size int64, progress func(float64)) error {
	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".partial-*")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	w := &progressWriter{ctx: ctx, w: tmp, total: size, fn: progress}
	if _, err := io.Copy(w, src); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dst)
}

type progressWriter struct {
	ctx     context.Context
	w       io.Writer
	total   int64
	written int64
	fn      func(float64)
}

func (p *progressWriter) Write(b []byte) (int, error) {
	if err := p.ctx.Err(); err != nil {
		return 0, err
	}
	n, err := p.w.Write(b)
	p.written += int64(n)
	if p.fn != nil && p.total > 0 {
		p.fn(min(float64(p.written)/float64(p.total), 1))
	}
	return n, err
}

func copyFile(dst, src string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()
	return writeAtomic(context.Background(), dst, in, -1, nil)
}
