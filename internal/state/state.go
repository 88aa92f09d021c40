// Package state keeps small per-connection key/value bookkeeping: the
// incremental sync cursor and scheduler heartbeats.
package state

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const (
	KeyCursor        = "cursor"
	KeyLastSuccessAt = "last_success_at"
	KeyLastAttemptAt = "last_attempt_at"
)

func ensureTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS adapter_state (
			adapter TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (adapter, key)
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to ensure adapter_state table: %w", err)
	}
	return nil
}

func Get(db *sql.DB, connection string, key string) (string, bool, error) {
	if err := ensureTable(db); err != nil {
		return "", false, err
	}
	var v string
	err := db.QueryRow(`SELECT value FROM adapter_state WHERE adapter = ? AND key = ?`, connection, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get connection state: %w", err)
	}
	return v, true, nil
}

func Set(db *sql.DB, connection string, key string, value string) error {
	if err := ensureTable(db); err != nil {
		return err
	}
	now := time.Now().Unix()
	_, err := db.Exec(`
		INSERT INTO adapter_state (adapter, key, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(adapter, key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`, connection, key, value, now)
	if err != nil {
		return fmt.Errorf("failed to set connection state: %w", err)
	}
	return nil
}

// Delete removes one key. Used by `chms sync --full` to forget the cursor.
func Delete(db *sql.DB, connection string, key string) error {
	if err := ensureTable(db); err != nil {
		return err
	}
	if _, err := db.Exec(`DELETE FROM adapter_state WHERE adapter = ? AND key = ?`, connection, key); err != nil {
		return fmt.Errorf("failed to delete connection state: %w", err)
	}
	return nil
}

// GetTime reads a timestamp key. Unparseable values are treated as unset.
func GetTime(db *sql.DB, connection string, key string) (*time.Time, error) {
	v, ok, err := Get(db, connection, key)
	if err != nil || !ok {
		return nil, err
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return nil, nil
	}
	return &t, nil
}

// SetTime stores a timestamp key in UTC.
func SetTime(db *sql.DB, connection string, key string, t time.Time) error {
	return Set(db, connection, key, t.UTC().Format(time.RFC3339Nano))
}

// Cursor returns the modified-since cursor of the last successful pull.
func Cursor(db *sql.DB, connection string) (*time.Time, error) {
	return GetTime(db, connection, KeyCursor)
}

// AdvanceCursor records a successful pull that started at t.
func AdvanceCursor(db *sql.DB, connection string, t time.Time) error {
	if err := SetTime(db, connection, KeyCursor, t); err != nil {
		return err
	}
	return SetTime(db, connection, KeyLastSuccessAt, time.Now())
}
