package live

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/Napageneral/chms/internal/config"
)

// watchConfig sends a freshly loaded config after each burst of changes to
// ConfigPath. Invalid configs are logged and skipped.
func (m *Manager) watchConfig(ctx context.Context, out chan<- *config.Config) {
	path := filepath.Clean(m.ConfigPath)
	dir := filepath.Dir(path)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		m.Logger.Error("config watcher unavailable", "error", err)
		return
	}
	defer watcher.Close()

	// Editors often replace the file, so watch the directory.
	if err := watcher.Add(dir); err != nil {
		m.Logger.Error("config watcher unavailable", "dir", dir, "error", err)
		return
	}
	m.Logger.Info("watching config", "path", path)

	debounce := m.ReloadDebounce
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			fire = time.After(debounce)
		case <-fire:
			fire = nil
			cfg, err := config.LoadFile(path)
			if err == nil {
				err = cfg.Validate()
			}
			if err != nil {
				m.Logger.Warn("ignoring invalid config change", "path", path, "error", err)
				continue
			}
			select {
			case out <- cfg:
			case <-ctx.Done():
				return
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			m.Logger.Warn("config watch error", "error", err)
		}
	}
}
