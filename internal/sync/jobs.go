package sync

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// JobStatus is the live view of a connection's most recent run.
type JobStatus struct {
	Connection  string                 `json:"connection"`
	Status      string                 `json:"status"`
	Phase       string                 `json:"phase"`
	Trigger     string                 `json:"trigger,omitempty"`
	StartedAt   *int64                 `json:"started_at,omitempty"`
	UpdatedAt   int64                  `json:"updated_at"`
	LastError   *string                `json:"last_error,omitempty"`
	Progress    map[string]interface{} `json:"progress,omitempty"`
	ProgressRaw *string                `json:"-"`
}

func ensureSyncJobsTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS sync_jobs (
			connection TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			phase TEXT NOT NULL,
			trigger_source TEXT NOT NULL DEFAULT '',
			started_at INTEGER,
			updated_at INTEGER NOT NULL,
			last_error TEXT,
			progress_json TEXT
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to ensure sync_jobs table: %w", err)
	}
	return nil
}

func marshalProgress(progress any) (*string, error) {
	if progress == nil {
		return nil, nil
	}
	b, err := json.Marshal(progress)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal progress json: %w", err)
	}
	s := string(b)
	return &s, nil
}

// StartJob marks a connection as running from the first phase.
func StartJob(db *sql.DB, connection string, trigger Trigger) error {
	if err := ensureSyncJobsTable(db); err != nil {
		return err
	}
	now := time.Now().Unix()
	_, err := db.Exec(`
		INSERT INTO sync_jobs (connection, status, phase, trigger_source, started_at, updated_at, last_error, progress_json)
		VALUES (?, 'running', ?, ?, ?, ?, NULL, NULL)
		ON CONFLICT(connection) DO UPDATE SET
			status = 'running',
			phase = excluded.phase,
			trigger_source = excluded.trigger_source,
			started_at = excluded.started_at,
			updated_at = excluded.updated_at,
			last_error = NULL,
			progress_json = NULL
	`, connection, string(PhaseAuthenticating), string(trigger), now, now)
	if err != nil {
		return fmt.Errorf("failed to start job: %w", err)
	}
	return nil
}

// UpdateJob records a phase transition and the counts so far.
func UpdateJob(db *sql.DB, connection string, phase Phase, progress any) error {
	if err := ensureSyncJobsTable(db); err != nil {
		return err
	}
	progressJSON, err := marshalProgress(progress)
	if err != nil {
		return err
	}
	_, err = db.Exec(`
		UPDATE sync_jobs SET phase = ?, updated_at = ?, progress_json = ?
		WHERE connection = ?
	`, string(phase), time.Now().Unix(), progressJSON, connection)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	return nil
}

// FinishJob records the terminal status of a run. errMsg is empty unless the
// run failed or was cancelled.
func FinishJob(db *sql.DB, connection string, status string, phase Phase, errMsg string, progress any) error {
	if err := ensureSyncJobsTable(db); err != nil {
		return err
	}
	progressJSON, err := marshalProgress(progress)
	if err != nil {
		return err
	}
	var lastErr any
	if errMsg != "" {
		lastErr = errMsg
	}
	_, err = db.Exec(`
		UPDATE sync_jobs SET status = ?, phase = ?, updated_at = ?, last_error = ?, progress_json = ?
		WHERE connection = ?
	`, status, string(phase), time.Now().Unix(), lastErr, progressJSON, connection)
	if err != nil {
		return fmt.Errorf("failed to finish job: %w", err)
	}
	return nil
}

func ListJobs(db *sql.DB) ([]JobStatus, error) {
	if err := ensureSyncJobsTable(db); err != nil {
		return nil, err
	}
	rows, err := db.Query(`
		SELECT connection, status, phase, trigger_source, started_at, updated_at, last_error, progress_json
		FROM sync_jobs
		ORDER BY updated_at DESC, connection ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	var out []JobStatus
	for rows.Next() {
		var js JobStatus
		var startedAt sql.NullInt64
		var lastErr sql.NullString
		var progressJSON sql.NullString
		if err := rows.Scan(&js.Connection, &js.Status, &js.Phase, &js.Trigger, &startedAt, &js.UpdatedAt, &lastErr, &progressJSON); err != nil {
			return nil, fmt.Errorf("failed to scan job row: %w", err)
		}
		if startedAt.Valid {
			v := startedAt.Int64
			js.StartedAt = &v
		}
		if lastErr.Valid {
			js.LastError = &lastErr.String
		}
		if progressJSON.Valid && progressJSON.String != "" {
			raw := progressJSON.String
			js.ProgressRaw = &raw
			var m map[string]interface{}
			if err := json.Unmarshal([]byte(raw), &m); err == nil {
				js.Progress = m
			}
		}
		out = append(out, js)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed iterating job rows: %w", err)
	}
	return out, nil
}
