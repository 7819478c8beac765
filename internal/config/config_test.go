package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("BRIDGECORE_CREDENTIAL_KEY", "seal-key")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "development", cfg.Server.Env)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 30, cfg.Auth.AccessTTLMinutes)
	assert.Equal(t, 7, cfg.Auth.RefreshTTLDays)
	assert.Equal(t, 30, cfg.Upstream.DefaultTimeoutS)
	assert.Equal(t, 300, cfg.Cache.DefaultTTLS)
	assert.Equal(t, int64(1000), cfg.RateLimit.DefaultHourly)
	assert.Equal(t, int64(10000), cfg.RateLimit.DefaultDaily)
	assert.Equal(t, 90, cfg.Usage.RetentionDays)
	assert.Equal(t, 100, cfg.Sync.DefaultLimit)
	assert.Equal(t, 1000, cfg.Sync.MaxLimit)
	assert.Equal(t, int64(1000), cfg.Sync.EventGraceCount)
	assert.Equal(t, 60, cfg.Sync.PullIntervalS)
	assert.Equal(t, 500, cfg.Sync.PullBatchSize)
	assert.Equal(t, "seal-key", cfg.Credential.Key)
}

func TestLoadRequiresCredentialKey(t *testing.T) {
	t.Setenv("BRIDGECORE_CREDENTIAL_KEY", "")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "credential.key")
}

func TestLoadYAMLFile(t *testing.T) {
	t.Setenv("BRIDGECORE_CREDENTIAL_KEY", "")
	t.Setenv("PORT", "")

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: "9090"
  env: production
credential:
  key: from-file
upstream:
  default_timeout_s: 45
  timeouts:
    search_read: 60
    unlink: 15
ratelimit:
  default_hourly: 500
sync:
  max_limit: 250
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, "production", cfg.Server.Env)
	assert.Equal(t, "from-file", cfg.Credential.Key)
	assert.Equal(t, 45, cfg.Upstream.DefaultTimeoutS)
	assert.Equal(t, 60, cfg.Upstream.Timeouts["search_read"])
	assert.Equal(t, 15, cfg.Upstream.Timeouts["unlink"])
	assert.Equal(t, int64(500), cfg.RateLimit.DefaultHourly)

	// Untouched sections still get their defaults.
	assert.Equal(t, int64(10000), cfg.RateLimit.DefaultDaily)
	assert.Equal(t, 250, cfg.Sync.MaxLimit)
	assert.Equal(t, 100, cfg.Sync.DefaultLimit)
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("PORT", "7070")
	t.Setenv("REDIS_ADDR", "redis.internal:6380")
	t.Setenv("REDIS_DB", "3")
	t.Setenv("BRIDGECORE_CREDENTIAL_KEY", "from-env")

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: "9090"
credential:
  key: from-file
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "7070", cfg.Server.Port)
	assert.Equal(t, "redis.internal:6380", cfg.Redis.Addr)
	assert.Equal(t, 3, cfg.Redis.DB)
	assert.Equal(t, "from-env", cfg.Credential.Key)
}

func TestLoadBadFile(t *testing.T) {
	t.Setenv("BRIDGECORE_CREDENTIAL_KEY", "k")

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [not a map"), 0o600))
	_, err = Load(path)
	assert.Error(t, err)
}
