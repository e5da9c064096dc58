package media

import (
	"context"
	"errors"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/message"
)

// Download returns a local path for msg's attachment, fetching it when no
// local copy exists. Concurrent calls for the same message share one
// transfer; progress is reported to the caller that started it.
func (m *Manager) Download(ctx context.Context, msg message.Message, progress func(float64)) (string, error) {
	if p := msg.LocalURI(); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	id := sanitize(msg.Key())
	if existing := m.received(id); existing != "" {
		return existing, nil
	}

	ch := m.downloads.DoChan(id, func() (any, error) {
		// The transfer outlives a cancelled first caller; later callers
		// still wait on it.
		tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.timeout)
		defer cancel()
		return m.fetch(tctx, msg, id, progress)
	})
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

func (m *Manager) fetch(ctx context.Context, msg message.Message, id string, progress func(float64)) (string, error) {
	if existing := m.received(id); existing != "" {
		return existing, nil
	}
	src, err := m.resolve(ctx, msg)
	if err != nil {
		terr := &TransferError{Op: "download", ID: id, Err: err}
		m.finished(id, DirectionDownload, terr)
		return "", terr
	}

	body, size, err := m.fetcher.Open(ctx, src)
	if err != nil {
		terr := &TransferError{Op: "download", ID: id, Err: err}
		m.logger.Warn("download failed", zap.String("message_id", id), zap.Error(err))
		m.finished(id, DirectionDownload, terr)
		return "", terr
	}
	defer func() { _ = body.Close() }()

	staged := filepath.Join(m.dirs.Received, id+".download")
	err = writeAtomic(ctx, staged, body, size, func(p float64) {
		m.progress(id, DirectionDownload, p, progress)
	})
	if err != nil {
		terr := &TransferError{Op: "download", ID: id, Err: err}
		m.finished(id, DirectionDownload, terr)
		return "", terr
	}

	ext := urlExt(src)
	if ext == "" {
		if mt, err := mimetype.DetectFile(staged); err == nil {
			ext = mt.Extension()
		}
	}
	dst := filepath.Join(m.dirs.Received, id+ext)
	if err := os.Rename(staged, dst); err != nil {
		_ = os.Remove(staged)
		terr := &TransferError{Op: "download", ID: id, Err: err}
		m.finished(id, DirectionDownload, terr)
		return "", terr
	}

	m.progress(id, DirectionDownload, 1, progress)
	m.saveToLibrary(dst)
	m.finished(id, DirectionDownload, nil)
	m.logger.Info("media downloaded", zap.String("message_id", id), zap.String("path", dst))
	return dst, nil
}

// resolve prefers a fresh URL from the server and falls back to the one
// carried by the message.
func (m *Manager) resolve(ctx context.Context, msg message.Message) (string, error) {
	if m.fetcher == nil {
		return "", errors.New("no fetcher configured")
	}
	if msg.ServerID != "" {
		u, err := m.fetcher.ResolveDownload(ctx, msg.ServerID)
		if err == nil && u != "" {
			return u, nil
		}
		if err != nil {
			m.logger.Debug("resolve download url", zap.String("message_id", msg.ServerID), zap.Error(err))
		}
	}
	if u := msg.RemoteURL(); u != "" {
		return u, nil
	}
	return "", errors.New("no remote url")
}

// received finds a completed download for id.
func (m *Manager) received(id string) string {
	entries, err := os.ReadDir(m.dirs.Received)
	if err != nil {
		return ""
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || filepath.Ext(name) == ".download" {
			continue
		}
		if name == id || name[:len(name)-len(filepath.Ext(name))] == id {
			return filepath.Join(m.dirs.Received, name)
		}
	}
	return ""
}

// saveToLibrary copies a download into the shared media library. Failures
// are logged only.
func (m *Manager) saveToLibrary(src string) {
	if m.dirs.Library == "" {
		return
	}
	dst := filepath.Join(m.dirs.Library, filepath.Base(src))
	if _, err := os.Stat(dst); err == nil {
		return
	}
	if err := copyFile(dst, src); err != nil {
		m.logger.Warn("save to media library", zap.String("path", src), zap.Error(err))
	}
}

func urlExt(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	ext := path.Ext(u.Path)
	if len(ext) < 2 || len(ext) > 6 {
		return ""
	}
	return "." + sanitize(strings.TrimPrefix(ext, "."))
}
