package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultValues(t *testing.T) {
	os.Clearenv()

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "localhost", cfg.Database.Host)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, "postpart", cfg.Database.Database)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, "postgres", cfg.Backend.Kind)
	assert.Equal(t, "postgres", cfg.Feed.Kind)
	assert.Equal(t, 30*time.Second, cfg.Sync.PollInterval)
	assert.Equal(t, 5*time.Minute, cfg.Sync.CacheTTL)
	assert.Equal(t, "postpart:cache:", cfg.Sync.CacheNamespace)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoad_EnvironmentVariables(t *testing.T) {
	os.Clearenv()
	t.Setenv("DB_HOST", "pg.internal")
	t.Setenv("BACKEND_KIND", "rest")
	t.Setenv("BACKEND_REST_URL", "https://api.example.test")
	t.Setenv("FEED_KIND", "redis")
	t.Setenv("SYNC_POLL_INTERVAL", "45s")
	t.Setenv("SYNC_CACHE_BACKEND", "memory")
	t.Setenv("AUTH_ACCESS_TOKEN", "tok")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "pg.internal", cfg.Database.Host)
	assert.Equal(t, "rest", cfg.Backend.Kind)
	assert.Equal(t, "redis", cfg.Feed.Kind)
	assert.Equal(t, 45*time.Second, cfg.Sync.PollInterval)
	assert.Equal(t, "memory", cfg.Sync.CacheBackend)
	assert.Equal(t, "tok", cfg.Auth.AccessToken)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoad_ConfigFileThenEnv(t *testing.T) {
	os.Clearenv()
	dir := t.TempDir()
	path := filepath.Join(dir, "postpart.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
redis:
  addr: cache:6379
feed:
  kind: mqtt
  topic_prefix: daycare
sync:
  poll_interval: 1m
  recent_checkins_limit: 25
`), 0o600))
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("REDIS_ADDR", "override:6379")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "override:6379", cfg.Redis.Addr, "env wins over file")
	assert.Equal(t, "mqtt", cfg.Feed.Kind)
	assert.Equal(t, "daycare", cfg.Feed.TopicPrefix)
	assert.Equal(t, time.Minute, cfg.Sync.PollInterval)
	assert.Equal(t, 25, cfg.Sync.RecentCheckInsLimit)
	assert.Equal(t, 5, cfg.Sync.CentresLimit, "unset file keys keep defaults")
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"rest without url", func(c *Config) { c.Backend.Kind = "rest" }, "BACKEND_REST_URL"},
		{"unknown backend", func(c *Config) { c.Backend.Kind = "sqlite" }, "unsupported backend"},
		{"postgres feed on rest", func(c *Config) {
			c.Backend.Kind = "rest"
			c.Backend.RESTURL = "http://x"
		}, "requires the postgres backend"},
		{"websocket without url", func(c *Config) { c.Feed.Kind = "websocket" }, "FEED_WEBSOCKET_URL"},
		{"bad cache backend", func(c *Config) { c.Sync.CacheBackend = "disk" }, "cache backend"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := defaults()
			tc.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.errMsg)
		})
	}

	require.NoError(t, defaults().Validate())
}
