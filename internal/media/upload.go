package media

import (
	"context"
	"errors"
	"os"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/message"
	"github.com/matheus3301/chatsync/internal/rest"
	"github.com/matheus3301/chatsync/internal/store"
)

// Result is the server's view of an uploaded attachment. LocalURI is the
// durable copy that was uploaded.
type Result struct {
	ServerID   string
	RemoteURL  string
	PreviewURL string
	LocalURI   string
}

// Upload sends the durable local copy of msg's attachment. The message must
// already carry a LocalURI produced by Persist.
func (m *Manager) Upload(ctx context.Context, msg message.Message, progress func(float64)) (Result, error) {
	id := msg.TempID
	if id == "" {
		id = msg.Key()
	}
	path := msg.LocalURI()
	if path == "" {
		return Result{}, &TransferError{Op: "upload", ID: id, Err: errors.New("no local copy")}
	}
	if _, err := os.Stat(path); err != nil {
		return Result{}, &TransferError{Op: "upload", ID: id, Err: err}
	}
	if m.uploader == nil {
		return Result{}, &TransferError{Op: "upload", ID: id, Err: errors.New("no uploader configured")}
	}

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	contentType := "application/octet-stream"
	if mt, err := mimetype.DetectFile(path); err == nil {
		contentType = mt.String()
	}
	category := string(msg.Kind)
	if !msg.Kind.IsMedia() {
		category = string(kindFromMIME(contentType))
	}

	m.track(ctx, msg, id, path)
	defer m.untrack(id)

	m.logger.Info("upload started",
		zap.String("temp_id", id),
		zap.String("conversation_id", msg.ConversationID),
		zap.String("content_type", contentType))

	up, err := m.uploader.UploadMedia(ctx, rest.UploadRequest{
		Path:           path,
		ConversationID: msg.ConversationID,
		TempID:         id,
		ContentType:    contentType,
		Category:       category,
	}, func(p float64) { m.progress(id, DirectionUpload, p, progress) })
	if err != nil {
		terr := &TransferError{Op: "upload", ID: id, Err: err}
		m.logger.Warn("upload failed", zap.String("temp_id", id), zap.Error(err))
		m.finished(id, DirectionUpload, terr)
		return Result{}, terr
	}

	m.progress(id, DirectionUpload, 1, progress)
	m.finished(id, DirectionUpload, nil)
	return Result{
		ServerID:   up.MessageID,
		RemoteURL:  up.URL,
		PreviewURL: up.PreviewURL,
		LocalURI:   path,
	}, nil
}

func (m *Manager) track(ctx context.Context, msg message.Message, id, path string) {
	m.mu.Lock()
	m.inflight[id] = &Pending{TempID: id, ConversationID: msg.ConversationID, LocalPath: path}
	m.mu.Unlock()
	if m.pending == nil {
		return
	}
	err := m.pending.AddPendingUpload(ctx, store.PendingUpload{
		TempID:         id,
		ConversationID: msg.ConversationID,
		LocalPath:      path,
		CreatedAt:      m.clock.Now().UnixMilli(),
	})
	if err != nil {
		m.logger.Warn("record pending upload", zap.String("temp_id", id), zap.Error(err))
	}
}

func (m *Manager) untrack(id string) {
	m.mu.Lock()
	delete(m.inflight, id)
	m.mu.Unlock()
	if m.pending == nil {
		return
	}
	// The upload context may already be done; the row must still go.
	if err := m.pending.RemovePendingUpload(context.Background(), id); err != nil {
		m.logger.Warn("clear pending upload", zap.String("temp_id", id), zap.Error(err))
	}
}

func kindFromMIME(contentType string) message.Kind {
	switch {
	case strings.HasPrefix(contentType, "image/"):
		return message.KindImage
	case strings.HasPrefix(contentType, "video/"):
		return message.KindVideo
	default:
		return message.KindFile
	}
}

// KindOf sniffs a local file and reports the message kind it should be sent as.
func KindOf(path string) message.Kind {
	mt, err := mimetype.DetectFile(path)
	if err != nil {
		return message.KindFile
	}
	return kindFromMIME(mt.String())
}
