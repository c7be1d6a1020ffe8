package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Database.Type)
	assert.Equal(t, "unified", cfg.Scanner.DefaultScanType)
	assert.Equal(t, 3, cfg.Scanner.MaxConcurrentFlushes)
	assert.Equal(t, int64(512*1024*1024), cfg.Scanner.MemoryThresholdBytes)
	assert.Equal(t, 2*time.Second, cfg.Monitor.SampleInterval)
	assert.Equal(t, 5*time.Second, cfg.Monitor.BlockingThreshold)
}

func TestLoadConfig_FromYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "galleria.yaml")
	content := `
server:
  port: 9090
scanner:
  batch_size: 25
  default_scan_type: metadata
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cm := NewConfigManager()
	require.NoError(t, cm.LoadConfig(path))

	cfg := cm.GetConfig()
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 25, cfg.Scanner.BatchSize)
	assert.Equal(t, "metadata", cfg.Scanner.DefaultScanType)
	// Untouched values keep defaults.
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
}

func TestLoadConfig_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "galleria.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9090\n"), 0o644))

	t.Setenv("GALLERIA_PORT", "7070")
	t.Setenv("GALLERIA_DB_TIMEOUT", "45s")
	t.Setenv("GALLERIA_WATCH_LIBRARIES", "false")

	cm := NewConfigManager()
	require.NoError(t, cm.LoadConfig(path))

	cfg := cm.GetConfig()
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, 45*time.Second, cfg.Scanner.DBTimeout)
	assert.False(t, cfg.Scanner.WatchLibraries)
}

func TestLoadConfig_ValidationFailures(t *testing.T) {
	cm := NewConfigManager()

	t.Setenv("GALLERIA_PORT", "99999")
	require.Error(t, cm.LoadConfig(""))

	t.Setenv("GALLERIA_PORT", "8080")
	t.Setenv("DATABASE_TYPE", "oracle")
	require.Error(t, cm.LoadConfig(""))

	t.Setenv("DATABASE_TYPE", "sqlite")
	t.Setenv("GALLERIA_BATCH_SIZE", "0")
	require.Error(t, cm.LoadConfig(""))
}

func TestLoadConfig_DerivedConcurrency(t *testing.T) {
	cm := NewConfigManager()
	require.NoError(t, cm.LoadConfig(""))
	assert.Greater(t, cm.GetConfig().Scanner.MaxConcurrency, 0)
}

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	cm := NewConfigManager()
	require.NoError(t, cm.LoadConfig("/nonexistent/path.yaml"))
	assert.Equal(t, 8080, cm.GetConfig().Server.Port)
}
