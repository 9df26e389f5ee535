package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, RepositoryPath, cfg.Repository.Type)
	assert.Equal(t, 10, cfg.Repository.ShardCount)
	assert.Equal(t, Duration(30*time.Second), cfg.Poller.Interval)
	require.NoError(t, cfg.Validate())
}

func TestLoadFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hotload.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log_level: debug
repository:
  type: sql
  id: remote
  driver: postgres
  dsn: postgres://localhost/hotload?sslmode=disable
  shard_count: 16
poller:
  interval: 10s
  wait_for_initial_poll: false
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, RepositorySQL, cfg.Repository.Type)
	assert.Equal(t, "remote", cfg.Repository.ID)
	assert.Equal(t, 16, cfg.Repository.ShardCount)
	assert.Equal(t, Duration(10*time.Second), cfg.Poller.Interval)
	assert.False(t, cfg.Poller.WaitForInitialPoll)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("HOTLOAD_LOG_LEVEL", "warn")
	t.Setenv("HOTLOAD_REPOSITORY_ROOT", "/srv/archives")
	t.Setenv("HOTLOAD_POLL_INTERVAL", "5s")
	t.Setenv("HOTLOAD_REDIS_URL", "redis://localhost:6379")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, "/srv/archives", cfg.Repository.Root)
	assert.Equal(t, Duration(5*time.Second), cfg.Poller.Interval)
	assert.True(t, cfg.Repository.Cache.Enabled)
}

func TestValidate(t *testing.T) {
	t.Run("sql requires dsn", func(t *testing.T) {
		cfg := Default()
		cfg.Repository.Type = RepositorySQL
		assert.Error(t, cfg.Validate())
	})

	t.Run("s3 requires bucket", func(t *testing.T) {
		cfg := Default()
		cfg.Repository.Type = RepositoryS3
		assert.Error(t, cfg.Validate())
	})

	t.Run("unknown type", func(t *testing.T) {
		cfg := Default()
		cfg.Repository.Type = "carrier-pigeon"
		assert.Error(t, cfg.Validate())
	})

	t.Run("bad file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
		assert.Error(t, err)
	})
}
