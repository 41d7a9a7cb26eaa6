package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsWhenFileAbsent(t *testing.T) {
	cfg, err := NewLoader().WithConfigPath("/nonexistent/agenthub.yaml").Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.HTTPPort)
	assert.Equal(t, "memory", cfg.Storage.Primary)
	assert.Equal(t, 2, cfg.Consensus.DefaultQuorum)
	assert.Equal(t, int64(100000), cfg.Scheduler.DefaultBudget)
	require.Len(t, cfg.AI.Providers, 1)
	assert.Equal(t, "echo", cfg.AI.Providers[0].Kind)
}

func TestLoad_YAMLOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agenthub.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  http_port: 9000
storage:
  primary: sqlite
  sqlite_path: /tmp/hub.db
  redis:
    enabled: true
    addr: redis:6379
hub:
  retention: 48h
ai:
  providers:
    - name: main
      kind: openai
      base_url: https://api.example.com/v1
      model: gpt-4o
`), 0o644))

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.HTTPPort)
	assert.Equal(t, "sqlite", cfg.Storage.Primary)
	assert.Equal(t, "/tmp/hub.db", cfg.Storage.SQLitePath)
	assert.True(t, cfg.Storage.Redis.Enabled)
	assert.Equal(t, 48*time.Hour, cfg.Hub.Retention)
	require.Len(t, cfg.AI.Providers, 1)
	assert.Equal(t, "main", cfg.AI.Providers[0].Name)
}

func TestLoad_EnvOverridesYAML(t *testing.T) {
	t.Setenv("AGENTHUB_SERVER_HTTP_PORT", "7070")
	t.Setenv("AGENTHUB_STORAGE_PRIMARY", "sqlite")
	t.Setenv("AGENTHUB_SCHEDULER_DEFAULT_BUDGET", "500")
	t.Setenv("AGENTHUB_HUB_RETENTION", "12h")

	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Server.HTTPPort)
	assert.Equal(t, "sqlite", cfg.Storage.Primary)
	assert.Equal(t, int64(500), cfg.Scheduler.DefaultBudget)
	assert.Equal(t, 12*time.Hour, cfg.Hub.Retention)
}

func TestValidate_RejectsBadConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Storage.Primary = "cassandra"
	require.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Storage.Primary = "mongo"
	cfg.Storage.MongoURI = ""
	require.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.AI.Providers = []AIProviderConfig{{Name: "broken", Kind: "openai"}}
	require.Error(t, cfg.Validate())
}

func TestLoad_CustomValidator(t *testing.T) {
	_, err := NewLoader().
		WithValidator(func(c *Config) error {
			if c.Server.HTTPPort == 8080 {
				return assert.AnError
			}
			return nil
		}).
		Load()
	require.Error(t, err)
}
