// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ManuGH/clipd/internal/log"
)

func TestLoadMergesFileOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen: ":9999"
workers:
  concurrency: 2
janitor:
  onSuspicious: capture
costs:
  gif: 5
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":9999", cfg.Listen)
	require.Equal(t, 2, cfg.Workers.Concurrency)
	require.Equal(t, "capture", cfg.Janitor.OnSuspicious)
	require.Equal(t, int64(5), cfg.Cost("gif"))

	// untouched fields keep defaults
	require.Equal(t, 3, cfg.Workers.MaxAttempts)
	require.Equal(t, 500*time.Millisecond, cfg.Relay.Tick)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen: \":9999\"\n"), 0o644))
	t.Setenv("CLIPD_LISTEN", ":7777")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":7777", cfg.Listen)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Default()
	cfg.Workers.Concurrency = 0
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Janitor.OnSuspicious = "shrug"
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Costs = map[string]int64{"trim": -1}
	require.Error(t, cfg.Validate())
}

func TestCostAndTimeoutDefaults(t *testing.T) {
	cfg := Default()
	require.Equal(t, int64(1), cfg.Cost("trim"), "unlisted kinds cost one credit")
	require.Equal(t, int64(2), cfg.Cost("convert"))
	require.Equal(t, 5*time.Minute, cfg.Timeout("unknown-kind"))
}

func TestManagerReloadKeepsSnapshotOnBadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen: \":9999\"\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	m := NewManager(path, cfg)
	require.Equal(t, ":9999", m.Snapshot().Listen)

	// an invalid rewrite must not clobber the running snapshot
	require.NoError(t, os.WriteFile(path, []byte("workers:\n  concurrency: 0\n"), 0o644))
	m.reload(log.WithComponent("config"))
	require.Equal(t, ":9999", m.Snapshot().Listen)

	require.NoError(t, os.WriteFile(path, []byte("listen: \":8888\"\n"), 0o644))
	m.reload(log.WithComponent("config"))
	require.Equal(t, ":8888", m.Snapshot().Listen)
}
