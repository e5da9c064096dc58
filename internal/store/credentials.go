package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Credential keys shared with the authentication flow that issues them.
const (
	KeyAccessToken  = "accessToken"
	KeyRefreshToken = "refreshToken"
	KeyDeviceID     = "deviceId"
	KeyUserInfo     = "userInfo"
	KeySessionID    = "sessionId"
)

// GetCredential returns the stored value for key, or "" when absent.
func (db *DB) GetCredential(ctx context.Context, key string) (string, error) {
	var value string
	err := db.QueryRowContext(ctx, `SELECT value FROM credentials WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", &PersistenceError{Op: "get credential", Key: key, Err: err}
	}
	return value, nil
}

// SetCredential stores value under key, replacing any previous value.
func (db *DB) SetCredential(ctx context.Context, key, value string) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO credentials (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UnixMilli())
	if err != nil {
		return &PersistenceError{Op: "set credential", Key: key, Err: err}
	}
	return nil
}

// RemoveCredentials deletes the given keys in one transaction.
func (db *DB) RemoveCredentials(ctx context.Context, keys ...string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return &PersistenceError{Op: "remove credentials", Err: err}
	}
	defer func() { _ = tx.Rollback() }()

	for _, k := range keys {
		if _, err := tx.ExecContext(ctx, `DELETE FROM credentials WHERE key = ?`, k); err != nil {
			return &PersistenceError{Op: "remove credential", Key: k, Err: err}
		}
	}
	if err := tx.Commit(); err != nil {
		return &PersistenceError{Op: "remove credentials", Err: err}
	}
	return nil
}
