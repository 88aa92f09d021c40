// Package bus is an append-only event log that other processes tail with
// `chms events --after <seq>`. Every event type has one payload shape.
package bus

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	TypeSyncCompleted = "sync.completed"
	TypeSyncFailed    = "sync.failed"
	TypeSyncCancelled = "sync.cancelled"
	TypeWebhook       = "webhook.received"
)

// ErrPayloadType is returned when decoding an event as the wrong payload.
var ErrPayloadType = errors.New("event has a different payload type")

// IsSyncType reports whether typ is one of the terminal sync events.
func IsSyncType(typ string) bool {
	switch typ {
	case TypeSyncCompleted, TypeSyncFailed, TypeSyncCancelled:
		return true
	}
	return false
}

// SyncPayload is the outcome of one run. Counts are as of the moment the
// run stopped, so a failed run reports the work it got through.
type SyncPayload struct {
	Status               string `json:"status"`
	Phase                string `json:"phase"`
	Provider             string `json:"provider"`
	Trigger              string `json:"trigger"`
	PeopleImported       int    `json:"people_imported"`
	ProfilesCreated      int    `json:"profiles_created"`
	ProfilesLinked       int    `json:"profiles_linked"`
	ProfilesUpdated      int    `json:"profiles_updated"`
	FamiliesSynced       int    `json:"families_synced"`
	RelationshipsCreated int    `json:"relationships_created"`
	ActivityWritten      int    `json:"activity_written"`
	ActivityFailed       int    `json:"activity_failed"`
	Errors               int    `json:"errors"`
	APICalls             int64  `json:"api_calls"`
	Message              string `json:"message,omitempty"`
}

// WebhookPayload describes one accepted delivery.
type WebhookPayload struct {
	Bytes int `json:"bytes"`
	// Queued is false when the delivery folded into an already pending pull.
	Queued bool `json:"queued"`
}

type Event struct {
	Seq        int64   `json:"seq"`
	ID         string  `json:"id"`
	Type       string  `json:"type"`
	Connection *string `json:"connection,omitempty"`
	SyncLogID  *string `json:"sync_log_id,omitempty"`
	CreatedAt  int64   `json:"created_at"`
	Payload    *string `json:"payload_json,omitempty"`
}

// Sync decodes the payload of a sync event.
func (e Event) Sync() (SyncPayload, error) {
	var p SyncPayload
	if !IsSyncType(e.Type) {
		return p, fmt.Errorf("%s: %w", e.Type, ErrPayloadType)
	}
	return p, e.decode(&p)
}

// Webhook decodes the payload of a webhook event.
func (e Event) Webhook() (WebhookPayload, error) {
	var p WebhookPayload
	if e.Type != TypeWebhook {
		return p, fmt.Errorf("%s: %w", e.Type, ErrPayloadType)
	}
	return p, e.decode(&p)
}

func (e Event) decode(v any) error {
	if e.Payload == nil {
		return nil
	}
	if err := json.Unmarshal([]byte(*e.Payload), v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", e.Type, err)
	}
	return nil
}

func ensureTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS bus_events (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			type TEXT NOT NULL,
			connection TEXT,
			sync_log_id TEXT,
			created_at INTEGER NOT NULL,
			payload_json TEXT
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to ensure bus_events table: %w", err)
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// EmitSync records the end of a run.
func EmitSync(db *sql.DB, typ, connection, syncLogID string, p SyncPayload) error {
	if !IsSyncType(typ) {
		return fmt.Errorf("%q is not a sync event type", typ)
	}
	return emit(db, typ, connection, syncLogID, p)
}

// EmitWebhook records an accepted webhook delivery.
func EmitWebhook(db *sql.DB, connection string, p WebhookPayload) error {
	return emit(db, TypeWebhook, connection, "", p)
}

func emit(db *sql.DB, typ string, connection string, syncLogID string, payload any) error {
	if err := ensureTable(db); err != nil {
		return err
	}
	now := time.Now().Unix()
	id := uuid.New().String()

	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	_, err = db.Exec(`
		INSERT INTO bus_events (id, type, connection, sync_log_id, created_at, payload_json)
		VALUES (?, ?, ?, ?, ?, ?)
	`, id, typ, nullable(connection), nullable(syncLogID), now, string(b))
	if err != nil {
		return fmt.Errorf("failed to insert bus event: %w", err)
	}
	return nil
}

// List returns events after afterSeq in order. types, when given, keeps only
// events of those types.
func List(db *sql.DB, afterSeq int64, limit int, types ...string) ([]Event, error) {
	if err := ensureTable(db); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT seq, id, type, connection, sync_log_id, created_at, payload_json
		FROM bus_events
		WHERE seq > ?`
	args := []any{afterSeq}
	if len(types) > 0 {
		query += ` AND type IN (?` + strings.Repeat(", ?", len(types)-1) + `)`
		for _, t := range types {
			args = append(args, t)
		}
	}
	query += ` ORDER BY seq ASC LIMIT ?`
	args = append(args, limit)
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query bus events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var connection sql.NullString
		var syncLog sql.NullString
		var payload sql.NullString
		if err := rows.Scan(&e.Seq, &e.ID, &e.Type, &connection, &syncLog, &e.CreatedAt, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan bus event: %w", err)
		}
		if connection.Valid {
			e.Connection = &connection.String
		}
		if syncLog.Valid {
			e.SyncLogID = &syncLog.String
		}
		if payload.Valid {
			e.Payload = &payload.String
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed iterating bus events: %w", err)
	}
	return out, nil
}
