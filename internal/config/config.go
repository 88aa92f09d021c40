package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Napageneral/chms/internal/chms"
)

const (
	fileName          = "config.yaml"
	DefaultListenAddr = "127.0.0.1:8787"
	DefaultSchedule   = 6 * time.Hour
)

// Config represents the chms configuration
type Config struct {
	Logging     LoggingConfig               `yaml:"logging"`
	Server      ServerConfig                `yaml:"server"`
	Connections map[string]ConnectionConfig `yaml:"connections"`
}

// LoggingConfig controls the slog handler.
type LoggingConfig struct {
	Level         string `yaml:"level,omitempty"`
	Format        string `yaml:"format,omitempty"` // text | json
	IncludeCaller bool   `yaml:"include_caller,omitempty"`
}

// ServerConfig controls the webhook receiver started by `chms serve`.
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr,omitempty"`
	// CoalesceWindow groups bursts of webhook deliveries into one pull.
	CoalesceWindow string `yaml:"coalesce_window,omitempty"`
}

// ConnectionConfig is one organization's link to a church management system.
type ConnectionConfig struct {
	Provider       string            `yaml:"provider"`
	OrganizationID string            `yaml:"organization_id"`
	BaseURL        string            `yaml:"base_url,omitempty"`
	Credentials    map[string]string `yaml:"credentials,omitempty"`
	SyncConfig     map[string]any    `yaml:"sync_config,omitempty"`
	// Schedule is a Go duration ("6h"). Empty uses DefaultSchedule; "off"
	// disables scheduled pulls for the connection.
	Schedule string `yaml:"schedule,omitempty"`
	Enabled  bool   `yaml:"enabled"`
}

// GetConfigDir returns the XDG-compliant config directory
func GetConfigDir() (string, error) {
	// Explicit override (useful for tests and portable installs)
	if override := os.Getenv("CHMS_CONFIG_DIR"); override != "" {
		return override, nil
	}

	var base string
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		base = xdg
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "chms"), nil
}

// GetDataDir returns the platform-specific data directory
func GetDataDir() (string, error) {
	if override := os.Getenv("CHMS_DATA_DIR"); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}

	if runtime.GOOS == "darwin" {
		return filepath.Join(home, "Library", "Application Support", "chms"), nil
	}

	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "chms"), nil
	}

	return filepath.Join(home, ".local", "share", "chms"), nil
}

// Path returns the config file location.
func Path() (string, error) {
	dir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, fileName), nil
}

// Load loads config from the config file
func Load() (*Config, error) {
	path, err := Path()
	if err != nil {
		return nil, err
	}
	return LoadFile(path)
}

// LoadFile loads config from path. A missing file yields the defaults.
func LoadFile(path string) (*Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("failed to read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if cfg.Connections == nil {
		cfg.Connections = make(map[string]ConnectionConfig)
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("CHMS_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("CHMS_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("CHMS_LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = DefaultListenAddr
	}
}

// Validate checks every connection for a known provider, an organization
// and a parseable schedule.
func (c *Config) Validate() error {
	for _, name := range c.ConnectionNames() {
		cc := c.Connections[name]
		switch chms.ProviderName(cc.Provider) {
		case chms.ProviderRock, chms.ProviderPlanningCenter, chms.ProviderCCB:
		default:
			return fmt.Errorf("connection %q: %w: %q", name, chms.ErrUnknownProvider, cc.Provider)
		}
		if strings.TrimSpace(cc.OrganizationID) == "" {
			return fmt.Errorf("connection %q: organization_id is required", name)
		}
		if _, err := cc.ScheduleInterval(); err != nil {
			return fmt.Errorf("connection %q: %w", name, err)
		}
	}
	if c.Server.CoalesceWindow != "" {
		if _, err := time.ParseDuration(c.Server.CoalesceWindow); err != nil {
			return fmt.Errorf("server.coalesce_window: %w", err)
		}
	}
	return nil
}

// ConnectionNames returns connection names in sorted order.
func (c *Config) ConnectionNames() []string {
	names := make([]string, 0, len(c.Connections))
	for name := range c.Connections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Coalesce returns the webhook coalescing window, 30s by default.
func (s ServerConfig) Coalesce() time.Duration {
	if d, err := time.ParseDuration(s.CoalesceWindow); err == nil && d > 0 {
		return d
	}
	return 30 * time.Second
}

// ScheduleInterval returns the pull interval; zero means scheduling is off.
func (cc ConnectionConfig) ScheduleInterval() (time.Duration, error) {
	s := strings.TrimSpace(cc.Schedule)
	switch strings.ToLower(s) {
	case "":
		return DefaultSchedule, nil
	case "off", "none", "manual":
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid schedule %q: %w", s, err)
	}
	if d < time.Minute {
		return 0, fmt.Errorf("schedule %q is below the 1m minimum", s)
	}
	return d, nil
}

// Connection converts the config entry into the adapter-facing record.
func (cc ConnectionConfig) Connection(name string) chms.Connection {
	creds := make(map[string]string, len(cc.Credentials))
	for k, v := range cc.Credentials {
		creds[k] = v
	}
	return chms.Connection{
		Name:           name,
		OrganizationID: cc.OrganizationID,
		Provider:       chms.ProviderName(cc.Provider),
		BaseURL:        cc.BaseURL,
		Credentials:    creds,
		SyncConfig:     cc.SyncConfig,
	}
}

// Save saves the config to the config file
func (c *Config) Save() error {
	configDir, err := GetConfigDir()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// Credentials live in this file, keep it private.
	if err := os.WriteFile(filepath.Join(configDir, fileName), data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}
