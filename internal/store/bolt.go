package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/matheus3301/chatsync/internal/message"
)

var conversationsBucket = []byte("conversations")

// BoltCache is a Cache backed by a bbolt file. It trades SQL queryability for a
// single-file key/value layout and is selected with store.backend = "bolt".
type BoltCache struct {
	db *bbolt.DB
}

// OpenBolt opens (or creates) the bbolt cache file at path.
func OpenBolt(path string) (*BoltCache, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(conversationsBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create bucket: %w", err)
	}
	return &BoltCache{db: db}, nil
}

// Close closes the underlying file.
func (c *BoltCache) Close() error {
	return c.db.Close()
}

func (c *BoltCache) LoadConversation(_ context.Context, conversationID string) ([]message.Message, error) {
	var payload []byte
	err := c.db.View(func(tx *bbolt.Tx) error {
		if v := tx.Bucket(conversationsBucket).Get([]byte(conversationID)); v != nil {
			// Values are only valid for the life of the transaction.
			payload = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, &PersistenceError{Op: "load", Key: conversationID, Err: err}
	}
	if payload == nil {
		return nil, nil
	}
	return decodeMessages(conversationID, payload)
}

func (c *BoltCache) SaveConversation(_ context.Context, conversationID string, msgs []message.Message) error {
	payload, err := json.Marshal(msgs)
	if err != nil {
		return &PersistenceError{Op: "encode", Key: conversationID, Err: err}
	}
	err = c.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(conversationsBucket).Put([]byte(conversationID), payload)
	})
	if err != nil {
		return &PersistenceError{Op: "save", Key: conversationID, Err: err}
	}
	return nil
}

func (c *BoltCache) RemoveConversation(_ context.Context, conversationID string) error {
	err := c.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(conversationsBucket).Delete([]byte(conversationID))
	})
	if err != nil {
		return &PersistenceError{Op: "remove", Key: conversationID, Err: err}
	}
	return nil
}
