package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Address)
	assert.Equal(t, ":2112", cfg.Server.MetricsAddress)
	assert.Equal(t, 100, cfg.Ingest.BufferCapacity)
	assert.Equal(t, 30*time.Second, cfg.Ingest.FlushInterval)
	assert.Equal(t, time.Hour, cfg.Insights.Interval)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.False(t, cfg.Cache.Enabled)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "analytics.yaml")
	data := []byte(`
server:
  address: ":9090"
store:
  path: /tmp/test.db
ingest:
  bufferCapacity: 250
  flushInterval: 10s
logging:
  level: debug
  json: true
`)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Address)
	assert.Equal(t, "/tmp/test.db", cfg.Store.Path)
	assert.Equal(t, 250, cfg.Ingest.BufferCapacity)
	assert.Equal(t, 10*time.Second, cfg.Ingest.FlushInterval)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.Logging.JSON)

	// Unspecified sections keep their defaults.
	assert.Equal(t, ":2112", cfg.Server.MetricsAddress)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("APPLYFLOW_SERVER_ADDRESS", ":7070")
	t.Setenv("APPLYFLOW_INGEST_BUFFER_CAPACITY", "42")
	t.Setenv("APPLYFLOW_INSIGHTS_INTERVAL", "30m")
	t.Setenv("APPLYFLOW_LOG_FORMAT", "json")
	t.Setenv("APPLYFLOW_CACHE_ENABLED", "true")
	t.Setenv("APPLYFLOW_CACHE_ADDR", "redis:6379")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":7070", cfg.Server.Address)
	assert.Equal(t, 42, cfg.Ingest.BufferCapacity)
	assert.Equal(t, 30*time.Minute, cfg.Insights.Interval)
	assert.True(t, cfg.Logging.JSON)
	assert.True(t, cfg.Cache.Enabled)
	assert.Equal(t, "redis:6379", cfg.Cache.Addr)
}
