package live

import (
	"database/sql"
	"fmt"

	"github.com/Napageneral/chms/internal/config"
	"github.com/Napageneral/chms/internal/state"
)

type ConnectionLiveStatus struct {
	Connection    string `json:"connection"`
	Provider      string `json:"provider"`
	Enabled       bool   `json:"enabled"`
	Schedule      string `json:"schedule"`
	Status        string `json:"status,omitempty"`
	LastHeartbeat *int64 `json:"last_heartbeat,omitempty"`
	NextRun       *int64 `json:"next_run,omitempty"`
	LastSuccessAt *int64 `json:"last_success_at,omitempty"`
	LastError     string `json:"last_error,omitempty"`
	Restarts      int    `json:"restarts,omitempty"`
}

func GetStatuses(db *sql.DB, cfg *config.Config) ([]ConnectionLiveStatus, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	var out []ConnectionLiveStatus
	for _, name := range cfg.ConnectionNames() {
		cc := cfg.Connections[name]
		schedule := "off"
		if d, err := cc.ScheduleInterval(); err != nil {
			schedule = "invalid"
		} else if d > 0 {
			schedule = d.String()
		}
		status, lastHeartbeat, nextRun, lastError, restarts := readLiveStatus(db, name)
		s := ConnectionLiveStatus{
			Connection:    name,
			Provider:      cc.Provider,
			Enabled:       cc.Enabled,
			Schedule:      schedule,
			Status:        status,
			LastHeartbeat: lastHeartbeat,
			NextRun:       nextRun,
			LastError:     lastError,
			Restarts:      restarts,
		}
		if t, err := state.GetTime(db, name, state.KeyLastSuccessAt); err == nil && t != nil {
			v := t.Unix()
			s.LastSuccessAt = &v
		}
		out = append(out, s)
	}
	return out, nil
}
