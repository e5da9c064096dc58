package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/matheus3301/chatsync/internal/message"
)

// Cache persists the most recent messages of each conversation so the
// timeline can paint before the network answers.
type Cache interface {
	LoadConversation(ctx context.Context, conversationID string) ([]message.Message, error)
	SaveConversation(ctx context.Context, conversationID string, msgs []message.Message) error
	RemoveConversation(ctx context.Context, conversationID string) error
}

// LoadConversation returns the cached messages of a conversation, or nil when
// nothing has been cached yet.
func (db *DB) LoadConversation(ctx context.Context, conversationID string) ([]message.Message, error) {
	var payload string
	err := db.QueryRowContext(ctx,
		`SELECT payload FROM conversation_cache WHERE conversation_id = ?`, conversationID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, &PersistenceError{Op: "load", Key: conversationID, Err: err}
	}
	return decodeMessages(conversationID, []byte(payload))
}

// SaveConversation replaces the cached messages of a conversation.
func (db *DB) SaveConversation(ctx context.Context, conversationID string, msgs []message.Message) error {
	payload, err := json.Marshal(msgs)
	if err != nil {
		return &PersistenceError{Op: "encode", Key: conversationID, Err: err}
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO conversation_cache (conversation_id, payload, message_count, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET
			payload = excluded.payload,
			message_count = excluded.message_count,
			updated_at = excluded.updated_at`,
		conversationID, string(payload), len(msgs), time.Now().UnixMilli())
	if err != nil {
		return &PersistenceError{Op: "save", Key: conversationID, Err: err}
	}
	return nil
}

// RemoveConversation drops a conversation from the cache.
func (db *DB) RemoveConversation(ctx context.Context, conversationID string) error {
	if _, err := db.ExecContext(ctx, `DELETE FROM conversation_cache WHERE conversation_id = ?`, conversationID); err != nil {
		return &PersistenceError{Op: "remove", Key: conversationID, Err: err}
	}
	return nil
}

func decodeMessages(key string, payload []byte) ([]message.Message, error) {
	var msgs []message.Message
	if err := json.Unmarshal(payload, &msgs); err != nil {
		return nil, &PersistenceError{Op: "decode", Key: key, Err: err}
	}
	return msgs, nil
}
