package live

import (
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/Napageneral/chms/internal/state"
)

const (
	keyLiveStatus        = "live_status"
	keyLiveLastHeartbeat = "live_last_heartbeat"
	keyLiveLastError     = "live_last_error"
	keyLiveRestarts      = "live_restarts"
	keyLiveNextRun       = "live_next_run"
)

func setLiveStatus(db *sql.DB, connection string, status string) {
	_ = state.Set(db, connection, keyLiveStatus, status)
}

func setLiveHeartbeat(db *sql.DB, connection string, t time.Time) {
	_ = state.Set(db, connection, keyLiveLastHeartbeat, fmt.Sprintf("%d", t.Unix()))
}

func setNextRun(db *sql.DB, connection string, t time.Time) {
	_ = state.Set(db, connection, keyLiveNextRun, fmt.Sprintf("%d", t.Unix()))
}

func setLiveError(db *sql.DB, connection string, err error) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	_ = state.Set(db, connection, keyLiveLastError, msg)
}

func incrementLiveRestarts(db *sql.DB, connection string) {
	v, ok, err := state.Get(db, connection, keyLiveRestarts)
	if err != nil {
		return
	}
	cur := 0
	if ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cur = n
		}
	}
	_ = state.Set(db, connection, keyLiveRestarts, fmt.Sprintf("%d", cur+1))
}

func readUnix(db *sql.DB, connection, key string) *int64 {
	v, ok, _ := state.Get(db, connection, key)
	if !ok || v == "" {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return nil
	}
	return &n
}

func readLiveStatus(db *sql.DB, connection string) (status string, lastHeartbeat *int64, nextRun *int64, lastError string, restarts int) {
	if v, ok, _ := state.Get(db, connection, keyLiveStatus); ok {
		status = v
	}
	lastHeartbeat = readUnix(db, connection, keyLiveLastHeartbeat)
	nextRun = readUnix(db, connection, keyLiveNextRun)
	if v, ok, _ := state.Get(db, connection, keyLiveLastError); ok {
		lastError = v
	}
	if v, ok, _ := state.Get(db, connection, keyLiveRestarts); ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			restarts = n
		}
	}
	return status, lastHeartbeat, nextRun, lastError, restarts
}
