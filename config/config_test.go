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
	assert.Equal(t, "monolog.db", cfg.Database.Path)
	assert.Equal(t, ":5100", cfg.Server.Addr)
	assert.True(t, cfg.Embedding.Enabled)
	assert.Equal(t, 30*time.Second, cfg.Embedding.Interval())
	assert.Equal(t, 10, cfg.Embedding.BatchSize)
	assert.Equal(t, "text-embedding-3-small", cfg.Embedding.Model)
	assert.Equal(t, int64(1536), cfg.Embedding.Dimensions)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
database:
  path: /var/lib/monolog/data.db
server:
  addr: ":8088"
embedding:
  interval_seconds: 60
  batch_size: 5
logging:
  level: debug
  format: text
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/monolog/data.db", cfg.Database.Path)
	assert.Equal(t, ":8088", cfg.Server.Addr)
	assert.Equal(t, time.Minute, cfg.Embedding.Interval())
	assert.Equal(t, 5, cfg.Embedding.BatchSize)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	// Unset fields keep their defaults.
	assert.Equal(t, "text-embedding-3-small", cfg.Embedding.Model)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("database:\n  path: from-file.db\n"), 0o644))

	t.Setenv("MONOLOG_DB_PATH", "from-env.db")
	t.Setenv("MONOLOG_EMBEDDING_ENABLED", "false")
	t.Setenv("MONOLOG_EMBEDDING_BATCH_SIZE", "3")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env.db", cfg.Database.Path)
	assert.False(t, cfg.Embedding.Enabled)
	assert.Equal(t, 3, cfg.Embedding.BatchSize)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadSanityFloors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("embedding:\n  interval_seconds: -5\n  batch_size: 0\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 30, cfg.Embedding.IntervalSeconds)
	assert.Equal(t, 10, cfg.Embedding.BatchSize)
}
