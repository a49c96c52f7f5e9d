// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package config

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/ManuGH/clipd/internal/log"
)

// Manager holds the current configuration snapshot and hot-reloads it when
// the config file changes on disk. Only reload-safe fields take effect at
// runtime (log level, janitor policy, costs, timeouts); structural fields
// such as listen address or worker concurrency require a restart.
type Manager struct {
	path    string
	current atomic.Pointer[Config]
}

// NewManager wraps an already-loaded configuration.
func NewManager(path string, cfg Config) *Manager {
	m := &Manager{path: path}
	m.current.Store(&cfg)
	return m
}

// Snapshot returns the current configuration. The returned value must not
// be mutated.
func (m *Manager) Snapshot() Config {
	return *m.current.Load()
}

// Watch blocks until ctx is done, reloading the config file on write events.
// It is a no-op when the manager was constructed without a file path.
func (m *Manager) Watch(ctx context.Context) error {
	if m.path == "" {
		<-ctx.Done()
		return ctx.Err()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(m.path); err != nil {
		return err
	}

	logger := log.WithComponent("config")

	// Editors often replace files instead of writing in place, which fires
	// several events in quick succession. Debounce before reloading.
	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			pending = time.After(250 * time.Millisecond)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Error().Err(err).Msg("config watcher error")
		case <-pending:
			pending = nil
			m.reload(logger)
			// Re-add in case the file was replaced by rename.
			_ = watcher.Add(m.path)
		}
	}
}

func (m *Manager) reload(logger zerolog.Logger) {
	cfg, err := Load(m.path)
	if err != nil {
		logger.Error().Err(err).Str("path", m.path).Msg("config reload rejected, keeping previous snapshot")
		return
	}
	prev := m.Snapshot()
	m.current.Store(&cfg)
	if cfg.LogLevel != prev.LogLevel {
		log.SetLevel(cfg.LogLevel)
	}
	logger.Info().Str("path", m.path).Msg("config reloaded")
}
