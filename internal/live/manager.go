// Package live keeps connections in sync while `chms serve` runs: one
// scheduled watcher per connection, restarted with backoff when a pull fails,
// and rebuilt when the config file changes.
package live

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Napageneral/chms/internal/config"
	"github.com/Napageneral/chms/internal/state"
)

// SyncFunc runs one scheduled pull for a connection.
type SyncFunc func(ctx context.Context, name string, cc config.ConnectionConfig) error

type WatcherSpec struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context, beat func()) error
}

type Manager struct {
	DB     *sql.DB
	Config *config.Config
	// ConfigPath, when set, is watched and the schedule rebuilt on change.
	ConfigPath        string
	Sync              SyncFunc
	HeartbeatInterval time.Duration
	RestartBackoff    time.Duration
	MaxBackoff        time.Duration
	ReloadDebounce    time.Duration
	Logger            *slog.Logger
	// OnReload is called with each accepted config change.
	OnReload func(*config.Config)

	now func() time.Time
}

func NewManager(db *sql.DB, cfg *config.Config, syncFn SyncFunc) *Manager {
	return &Manager{
		DB:                db,
		Config:            cfg,
		Sync:              syncFn,
		HeartbeatInterval: 10 * time.Second,
		RestartBackoff:    30 * time.Second,
		MaxBackoff:        15 * time.Minute,
		ReloadDebounce:    500 * time.Millisecond,
		Logger:            slog.Default(),
		now:               time.Now,
	}
}

// Run blocks until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	if m.Sync == nil {
		return fmt.Errorf("sync function is required")
	}
	if m.ConfigPath == "" {
		specs, err := m.BuildSpecs(m.Config)
		if err != nil {
			return err
		}
		if len(specs) == 0 {
			return fmt.Errorf("no scheduled connections enabled")
		}
		m.runSpecs(ctx, specs)
		return nil
	}

	reloads := make(chan *config.Config, 1)
	go m.watchConfig(ctx, reloads)

	cfg := m.Config
	for {
		specs, err := m.BuildSpecs(cfg)
		if err != nil {
			return err
		}
		if len(specs) == 0 {
			m.Logger.Warn("no scheduled connections enabled; waiting for config changes")
		}

		runCtx, cancel := context.WithCancel(ctx)
		done := make(chan struct{})
		go func() {
			m.runSpecs(runCtx, specs)
			close(done)
		}()

		select {
		case <-ctx.Done():
			cancel()
			<-done
			return nil
		case next := <-reloads:
			cancel()
			<-done
			cfg = next
			m.Config = next
			if m.OnReload != nil {
				m.OnReload(next)
			}
			m.Logger.Info("config changed; schedule rebuilt", "connections", len(cfg.Connections))
		}
	}
}

func (m *Manager) runSpecs(ctx context.Context, specs []WatcherSpec) {
	var wg sync.WaitGroup
	for _, spec := range specs {
		wg.Add(1)
		go func(spec WatcherSpec) {
			defer wg.Done()
			m.runWatcher(ctx, spec)
		}(spec)
	}
	<-ctx.Done()
	wg.Wait()
}

func (m *Manager) runWatcher(ctx context.Context, spec WatcherSpec) {
	backoff := m.RestartBackoff
	if backoff <= 0 {
		backoff = 2 * time.Second
	}
	maxBackoff := m.MaxBackoff
	if maxBackoff < backoff {
		maxBackoff = backoff
	}

	for {
		if ctx.Err() != nil {
			setLiveStatus(m.DB, spec.Name, "stopped")
			return
		}

		setLiveStatus(m.DB, spec.Name, "running")
		setLiveError(m.DB, spec.Name, nil)
		setLiveHeartbeat(m.DB, spec.Name, m.now())

		beat := func() { setLiveHeartbeat(m.DB, spec.Name, m.now()) }

		started := m.now()
		err := spec.Run(ctx, beat)
		if ctx.Err() != nil {
			setLiveStatus(m.DB, spec.Name, "stopped")
			return
		}

		setLiveStatus(m.DB, spec.Name, "error")
		setLiveError(m.DB, spec.Name, err)
		incrementLiveRestarts(m.DB, spec.Name)

		// A watcher that ran cleanly for a while earns a fresh backoff.
		if m.now().Sub(started) > maxBackoff {
			backoff = m.RestartBackoff
		}
		m.Logger.Warn("scheduled watcher stopped", "connection", spec.Name, "error", err, "restart_in", backoff)

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			setLiveStatus(m.DB, spec.Name, "stopped")
			return
		}

		backoff = backoff * 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// BuildSpecs returns one watcher per enabled connection with a schedule.
func (m *Manager) BuildSpecs(cfg *config.Config) ([]WatcherSpec, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	var specs []WatcherSpec
	for _, name := range cfg.ConnectionNames() {
		cc := cfg.Connections[name]
		if !cc.Enabled {
			continue
		}
		interval, err := cc.ScheduleInterval()
		if err != nil {
			m.Logger.Warn("skipping connection with bad schedule", "connection", name, "error", err)
			continue
		}
		if interval == 0 {
			continue
		}
		specs = append(specs, m.scheduledWatcher(name, cc, interval))
	}
	return specs, nil
}

func (m *Manager) scheduledWatcher(name string, cc config.ConnectionConfig, interval time.Duration) WatcherSpec {
	return WatcherSpec{
		Name:     name,
		Interval: interval,
		Run: func(ctx context.Context, beat func()) error {
			stopHeartbeat := startHeartbeat(m.HeartbeatInterval, beat)
			defer stopHeartbeat()

			last, err := state.GetTime(m.DB, name, state.KeyLastSuccessAt)
			if err != nil {
				return err
			}
			for {
				wait := untilDue(last, interval, m.now())
				if wait > 0 {
					setNextRun(m.DB, name, m.now().Add(wait))
					select {
					case <-ctx.Done():
						return nil
					case <-time.After(wait):
					}
				}

				beat()
				m.Logger.Debug("scheduled pull", "connection", name)
				if err := m.Sync(ctx, name, cc); err != nil {
					if ctx.Err() != nil {
						return nil
					}
					return fmt.Errorf("scheduled sync: %w", err)
				}
				now := m.now()
				last = &now
			}
		},
	}
}

// untilDue is how long to wait before the next pull; zero means now.
func untilDue(last *time.Time, interval time.Duration, now time.Time) time.Duration {
	if last == nil {
		return 0
	}
	wait := last.Add(interval).Sub(now)
	if wait < 0 {
		return 0
	}
	return wait
}
