package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Napageneral/chms/internal/chms"
)

const sample = `
logging:
  level: debug
connections:
  grace-rock:
    provider: rock
    organization_id: org-1
    base_url: https://rock.grace.org
    credentials:
      api_key: ${ROCK_KEY}
    sync_config:
      page_size: 250
      attribute_prefix: Youth
    schedule: 2h
    enabled: true
  grace-pco:
    provider: planning_center
    organization_id: org-1
    credentials:
      secret_ref: aws-secretsmanager:chms/pco
    schedule: "off"
    enabled: true
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("CHMS_CONFIG_DIR", dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(body), 0600))
	return dir
}

func TestLoad(t *testing.T) {
	writeConfig(t, sample)
	t.Setenv("CHMS_LOG_FORMAT", "json")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format, "env override")
	assert.Equal(t, DefaultListenAddr, cfg.Server.ListenAddr)
	assert.Equal(t, []string{"grace-pco", "grace-rock"}, cfg.ConnectionNames())

	rock := cfg.Connections["grace-rock"]
	d, err := rock.ScheduleInterval()
	require.NoError(t, err)
	assert.Equal(t, 2*time.Hour, d)

	conn := rock.Connection("grace-rock")
	assert.Equal(t, chms.ProviderRock, conn.Provider)
	assert.Equal(t, 250, conn.SyncInt("page_size", 500))
	assert.Equal(t, "Youth", conn.SyncString("attribute_prefix", "Ministry"))

	d, err = cfg.Connections["grace-pco"].ScheduleInterval()
	require.NoError(t, err)
	assert.Zero(t, d)
}

func TestLoadMissingFileGivesDefaults(t *testing.T) {
	t.Setenv("CHMS_CONFIG_DIR", t.TempDir())
	cfg, err := Load()
	require.NoError(t, err)
	assert.Empty(t, cfg.Connections)
	assert.Equal(t, 30*time.Second, cfg.Server.Coalesce())
}

func TestValidateRejectsUnknownProvider(t *testing.T) {
	writeConfig(t, "connections:\n  x:\n    provider: breeze\n    organization_id: o\n")
	_, err := Load()
	require.ErrorIs(t, err, chms.ErrUnknownProvider)
}

func TestValidateRejectsBadSchedule(t *testing.T) {
	writeConfig(t, "connections:\n  x:\n    provider: ccb\n    organization_id: o\n    schedule: 10s\n")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "minimum")
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("CHMS_CONFIG_DIR", dir)
	cfg := &Config{Connections: map[string]ConnectionConfig{
		"main": {Provider: "ccb", OrganizationID: "org", Enabled: true, SyncConfig: map[string]any{"subdomain": "grace"}},
	}}
	require.NoError(t, cfg.Save())

	info, err := os.Stat(filepath.Join(dir, "config.yaml"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	loaded, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "grace", loaded.Connections["main"].Connection("main").SyncString("subdomain", ""))
}
