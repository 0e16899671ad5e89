package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `{
  "basic_config": {"server_address": ":9000", "database": "sqlite3"},
  "databases": {"sqlite3": {"dsn": "data/chat.db"}},
  "providers": {
    "openai": {"model": "gpt-4o-mini", "api_key": "sk-test"},
    "local": {"kind": "ollama", "base_url": "http://localhost:11434/v1", "model": "llama3"}
  },
  "relay": {"poll_block": "500ms"}
}`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadAppliesDefaultsAndResolvesPaths(t *testing.T) {
	path := writeConfig(t, sampleConfig)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.BasicConfig.ServerAddress)
	assert.Equal(t, filepath.Join(filepath.Dir(path), "data/chat.db"), cfg.Databases["sqlite3"].DSN)
	assert.Equal(t, "openai", cfg.Providers["openai"].Kind, "kind defaults to the provider name")
	assert.Equal(t, "ollama", cfg.Providers["local"].Kind)

	assert.Equal(t, int64(1000), cfg.Relay.LogMaxLen)
	assert.Equal(t, time.Hour, cfg.Relay.SessionTTL)
	assert.Equal(t, time.Hour, cfg.Relay.LogTTL)
	assert.Equal(t, 500*time.Millisecond, cfg.Relay.PollBlock)
	assert.Equal(t, int64(10), cfg.Relay.PollBatch)
	assert.Equal(t, 6379, cfg.Redis.Port)
	assert.Equal(t, AuthConfig{CookieName: "auth_token", CSRFCookieName: "csrf_token", CSRFHeaderName: "X-CSRF-Token"}, cfg.Auth)
}

func TestLoadEnvOverride(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	t.Setenv("CHATRELAY_REDIS_HOST", "redis.internal")
	t.Setenv("CHATRELAY_RELAY_MAX_IDLE", "90s")
	t.Setenv("CHATRELAY_AUTH_CSRF_HEADER_NAME", "X-XSRF-Token")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "redis.internal", cfg.Redis.Host)
	assert.Equal(t, 90*time.Second, cfg.Relay.MaxIdle)
	assert.Equal(t, "X-XSRF-Token", cfg.Auth.CSRFHeaderName)
}

func TestLoadRejectsMissingProviders(t *testing.T) {
	path := writeConfig(t, `{"databases": {"sqlite3": {"dsn": "x.db"}}}`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsUnknownDatabase(t *testing.T) {
	path := writeConfig(t, `{
  "basic_config": {"database": "mysql"},
  "providers": {"openai": {"model": "m"}}
}`)
	_, err := Load(path)
	require.ErrorContains(t, err, "database config for mysql not found")
}
