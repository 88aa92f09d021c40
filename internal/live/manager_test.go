package live

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Napageneral/chms/internal/config"
	"github.com/Napageneral/chms/internal/state"
)

func newTestManager(t *testing.T, cfg *config.Config, fn SyncFunc) *Manager {
	t.Helper()
	d, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	d.SetMaxOpenConns(1)
	t.Cleanup(func() { d.Close() })

	m := NewManager(d, cfg, fn)
	m.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	m.HeartbeatInterval = 0
	m.RestartBackoff = 10 * time.Millisecond
	m.MaxBackoff = 50 * time.Millisecond
	m.ReloadDebounce = 20 * time.Millisecond
	return m
}

func TestUntilDue(t *testing.T) {
	now := time.Date(2026, time.October, 16, 12, 0, 0, 0, time.UTC)
	assert.Zero(t, untilDue(nil, time.Hour, now))

	last := now.Add(-2 * time.Hour)
	assert.Zero(t, untilDue(&last, time.Hour, now))

	last = now.Add(-15 * time.Minute)
	assert.Equal(t, 45*time.Minute, untilDue(&last, time.Hour, now))
}

func TestBuildSpecs(t *testing.T) {
	cfg := &config.Config{Connections: map[string]config.ConnectionConfig{
		"a-default":  {Provider: "rock", OrganizationID: "o", Enabled: true},
		"b-hourly":   {Provider: "ccb", OrganizationID: "o", Enabled: true, Schedule: "1h"},
		"c-off":      {Provider: "rock", OrganizationID: "o", Enabled: true, Schedule: "off"},
		"d-disabled": {Provider: "rock", OrganizationID: "o", Schedule: "1h"},
		"e-bad":      {Provider: "rock", OrganizationID: "o", Enabled: true, Schedule: "5s"},
	}}
	m := newTestManager(t, cfg, func(context.Context, string, config.ConnectionConfig) error { return nil })

	specs, err := m.BuildSpecs(cfg)
	require.NoError(t, err)
	require.Len(t, specs, 2)
	assert.Equal(t, "a-default", specs[0].Name)
	assert.Equal(t, config.DefaultSchedule, specs[0].Interval)
	assert.Equal(t, "b-hourly", specs[1].Name)
	assert.Equal(t, time.Hour, specs[1].Interval)

	_, err = m.BuildSpecs(nil)
	assert.Error(t, err)
}

func TestRunRequiresScheduledConnections(t *testing.T) {
	m := newTestManager(t, &config.Config{}, func(context.Context, string, config.ConnectionConfig) error { return nil })
	assert.Error(t, m.Run(context.Background()))
}

func TestScheduledWatcherPullsWhenDue(t *testing.T) {
	called := make(chan string, 4)
	cfg := &config.Config{Connections: map[string]config.ConnectionConfig{
		"grace": {Provider: "rock", OrganizationID: "o", Enabled: true, Schedule: "1h"},
	}}
	m := newTestManager(t, cfg, func(_ context.Context, name string, _ config.ConnectionConfig) error {
		called <- name
		return nil
	})

	specs, err := m.BuildSpecs(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- specs[0].Run(ctx, func() {}) }()

	select {
	case name := <-called:
		assert.Equal(t, "grace", name)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduled pull did not run")
	}

	// The next pull is an hour away.
	select {
	case <-called:
		t.Fatal("pulled twice within the interval")
	case <-time.After(50 * time.Millisecond):
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop")
	}
}

func TestScheduledWatcherWaitsForRecentSuccess(t *testing.T) {
	var calls atomic.Int32
	cfg := &config.Config{Connections: map[string]config.ConnectionConfig{
		"grace": {Provider: "rock", OrganizationID: "o", Enabled: true, Schedule: "1h"},
	}}
	m := newTestManager(t, cfg, func(context.Context, string, config.ConnectionConfig) error {
		calls.Add(1)
		return nil
	})
	require.NoError(t, state.SetTime(m.DB, "grace", state.KeyLastSuccessAt, time.Now().Add(-10*time.Minute)))

	specs, err := m.BuildSpecs(cfg)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	require.NoError(t, specs[0].Run(ctx, func() {}))
	assert.Zero(t, calls.Load())

	_, _, next, _, _ := readLiveStatus(m.DB, "grace")
	require.NotNil(t, next)
}

func TestRunWatcherRestartsAfterFailure(t *testing.T) {
	var calls atomic.Int32
	succeeded := make(chan struct{}, 1)
	cfg := &config.Config{Connections: map[string]config.ConnectionConfig{
		"grace": {Provider: "rock", OrganizationID: "o", Enabled: true, Schedule: "1h"},
	}}
	m := newTestManager(t, cfg, func(context.Context, string, config.ConnectionConfig) error {
		if calls.Add(1) == 1 {
			return errors.New("Rock authentication failed: credentials rejected")
		}
		succeeded <- struct{}{}
		return nil
	})
	specs, err := m.BuildSpecs(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.runWatcher(ctx, specs[0])
		close(done)
	}()

	select {
	case <-succeeded:
	case <-time.After(2 * time.Second):
		t.Fatal("watcher was not restarted")
	}
	cancel()
	<-done

	status, _, _, lastErr, restarts := readLiveStatus(m.DB, "grace")
	assert.Equal(t, "stopped", status)
	assert.Equal(t, 1, restarts)
	assert.Empty(t, lastErr, "a restart clears the previous error")
}

func TestWatchConfigReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("connections: {}\n"), 0600))

	m := newTestManager(t, &config.Config{}, func(context.Context, string, config.ConnectionConfig) error { return nil })
	m.ConfigPath = path

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reloads := make(chan *config.Config, 1)
	go m.watchConfig(ctx, reloads)

	updated := []byte(`connections:
  grace:
    provider: rock
    organization_id: org-1
    base_url: https://rock.example.org
    schedule: 2h
    enabled: true
`)
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case cfg := <-reloads:
			require.Contains(t, cfg.Connections, "grace")
			assert.Equal(t, "2h", cfg.Connections["grace"].Schedule)
			return
		case <-tick.C:
			// The watcher may not be registered yet; keep touching the file.
			require.NoError(t, os.WriteFile(path, updated, 0600))
		case <-deadline:
			t.Fatal("config change was not picked up")
		}
	}
}

func TestGetStatuses(t *testing.T) {
	cfg := &config.Config{Connections: map[string]config.ConnectionConfig{
		"grace": {Provider: "rock", OrganizationID: "o", Enabled: true, Schedule: "2h"},
		"hope":  {Provider: "ccb", OrganizationID: "o", Schedule: "off"},
	}}
	m := newTestManager(t, cfg, nil)
	setLiveStatus(m.DB, "grace", "running")
	incrementLiveRestarts(m.DB, "grace")
	require.NoError(t, state.AdvanceCursor(m.DB, "grace", time.Now()))

	statuses, err := GetStatuses(m.DB, cfg)
	require.NoError(t, err)
	require.Len(t, statuses, 2)
	assert.Equal(t, "running", statuses[0].Status)
	assert.Equal(t, "2h0m0s", statuses[0].Schedule)
	assert.Equal(t, 1, statuses[0].Restarts)
	assert.NotNil(t, statuses[0].LastSuccessAt)
	assert.Equal(t, "off", statuses[1].Schedule)
	assert.False(t, statuses[1].Enabled)
}
