package store

import (
	"context"
	"time"
)

// PendingUpload is an outbound media file whose upload has not completed.
type PendingUpload struct {
	TempID         string
	ConversationID string
	LocalPath      string
	CreatedAt      int64
}

// AddPendingUpload records an upload before it starts.
func (db *DB) AddPendingUpload(ctx context.Context, p PendingUpload) error {
	if p.CreatedAt == 0 {
		p.CreatedAt = time.Now().UnixMilli()
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO pending_uploads (temp_id, conversation_id, local_path, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(temp_id) DO UPDATE SET local_path = excluded.local_path`,
		p.TempID, p.ConversationID, p.LocalPath, p.CreatedAt)
	if err != nil {
		return &PersistenceError{Op: "add pending upload", Key: p.TempID, Err: err}
	}
	return nil
}

// RemovePendingUpload forgets an upload once it completed or failed.
func (db *DB) RemovePendingUpload(ctx context.Context, tempID string) error {
	if _, err := db.ExecContext(ctx, `DELETE FROM pending_uploads WHERE temp_id = ?`, tempID); err != nil {
		return &PersistenceError{Op: "remove pending upload", Key: tempID, Err: err}
	}
	return nil
}

// PendingUploads lists uploads left over for a conversation, oldest first.
// Rows surviving a restart belong to sends that were interrupted.
func (db *DB) PendingUploads(ctx context.Context, conversationID string) ([]PendingUpload, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT temp_id, conversation_id, local_path, created_at
		FROM pending_uploads WHERE conversation_id = ? ORDER BY created_at ASC`, conversationID)
	if err != nil {
		return nil, &PersistenceError{Op: "list pending uploads", Key: conversationID, Err: err}
	}
	defer func() { _ = rows.Close() }()

	var out []PendingUpload
	for rows.Next() {
		var p PendingUpload
		if err := rows.Scan(&p.TempID, &p.ConversationID, &p.LocalPath, &p.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
