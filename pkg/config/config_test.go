package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := []byte(`
environment: production
log_level: debug
node:
  data_dir: /var/lib/compute
transport:
  port: 9001
discovery:
  min_peers: 5
  max_peers: 100
execution:
  max_concurrent_jobs: 4
heartbeat:
  interval: 1m
`)

	err := os.WriteFile(configPath, configContent, 0644)
	require.NoError(t, err)

	t.Run("LoadValidConfig", func(t *testing.T) {
		cfg, err := Load(configPath)
		require.NoError(t, err)
		require.NotNil(t, cfg)

		assert.Equal(t, "production", cfg.Environment)
		assert.Equal(t, "debug", cfg.LogLevel)
		assert.Equal(t, "/var/lib/compute", cfg.Node.DataDir)
		assert.Equal(t, 9001, cfg.Transport.Port)
		assert.Equal(t, 5, cfg.Discovery.MinPeers)
		assert.Equal(t, 100, cfg.Discovery.MaxPeers)
		assert.Equal(t, 4, cfg.Execution.MaxConcurrentJobs)
		assert.Equal(t, time.Minute, cfg.Heartbeat.Interval)
	})

	t.Run("DefaultsApply", func(t *testing.T) {
		cfg, err := Load(configPath)
		require.NoError(t, err)

		assert.True(t, cfg.Discovery.EnableMdns)
		assert.True(t, cfg.Discovery.EnableDht)
		assert.True(t, cfg.Transport.EnableTCP)
		assert.Equal(t, 30*time.Second, cfg.Content.ChunkTimeout)
		assert.Equal(t, 5, cfg.Content.MaxProviders)
		assert.True(t, cfg.Heartbeat.SignTelemetry)
		assert.True(t, cfg.Database.Embedded)
	})

	t.Run("MissingFileUsesDefaults", func(t *testing.T) {
		cfg, err := Load(filepath.Join(tmpDir, "missing.yaml"))
		require.NoError(t, err)
		assert.Equal(t, 9000, cfg.Transport.Port)
		assert.Equal(t, 2, cfg.Execution.MaxConcurrentJobs)
	})
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg, err := Load(filepath.Join(t.TempDir(), "none.yaml"))
		require.NoError(t, err)
		return cfg
	}

	t.Run("InvalidPort", func(t *testing.T) {
		cfg := base()
		cfg.Transport.Port = 0
		assert.Error(t, cfg.Validate())
	})

	t.Run("MaxPeersBelowMin", func(t *testing.T) {
		cfg := base()
		cfg.Discovery.MinPeers = 10
		cfg.Discovery.MaxPeers = 5
		assert.Error(t, cfg.Validate())
	})

	t.Run("AutoAcceptNeedsEngine", func(t *testing.T) {
		cfg := base()
		cfg.Execution.AutoAcceptJobs = true
		cfg.Execution.EnginePath = ""
		assert.Error(t, cfg.Validate())

		cfg.Execution.EnginePath = "/usr/bin/true"
		assert.NoError(t, cfg.Validate())
	})

	t.Run("NonPositiveHeartbeat", func(t *testing.T) {
		cfg := base()
		cfg.Heartbeat.Interval = 0
		assert.Error(t, cfg.Validate())
	})

	t.Run("EmptyCacheDir", func(t *testing.T) {
		cfg := base()
		cfg.Content.CacheDir = ""
		assert.Error(t, cfg.Validate())
	})
}

func TestGetLogLevel(t *testing.T) {
	cfg := &Config{LogLevel: "warn"}
	assert.Equal(t, "warn", cfg.GetLogLevel().String())

	cfg.LogLevel = "nonsense"
	assert.Equal(t, "info", cfg.GetLogLevel().String())
}

func TestIsDevelopment(t *testing.T) {
	assert.True(t, (&Config{Environment: "Development"}).IsDevelopment())
	assert.False(t, (&Config{Environment: "production"}).IsDevelopment())
}
