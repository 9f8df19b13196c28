package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"postpart-sync/common/config"

	"gopkg.in/yaml.v3"
)

// Config is the postpart-sync client configuration.
type Config struct {
	Database config.DatabaseConfig `yaml:"database"`
	Redis    config.RedisConfig    `yaml:"redis"`
	MQTT     config.MQTTConfig     `yaml:"mqtt"`

	// Backend selects the data service adapter.
	Backend struct {
		Kind    string        `yaml:"kind"` // "postgres" or "rest"
		RESTURL string        `yaml:"rest_url"`
		APIKey  string        `yaml:"api_key"`
		Timeout time.Duration `yaml:"timeout"`
		Migrate bool          `yaml:"migrate"` // run embedded migrations on start (postgres only)
	} `yaml:"backend"`

	// Feed selects the change-feed transport.
	Feed struct {
		Kind         string        `yaml:"kind"` // "postgres", "redis", "mqtt", "websocket" or "none"
		StreamPrefix string        `yaml:"stream_prefix"`
		TopicPrefix  string        `yaml:"topic_prefix"`
		WebsocketURL string        `yaml:"websocket_url"`
		Block        time.Duration `yaml:"block"`
	} `yaml:"feed"`

	// Auth points at the identity service.
	Auth struct {
		URL          string `yaml:"url"`
		AccessToken  string `yaml:"-"`
		RefreshToken string `yaml:"-"`
	} `yaml:"auth"`

	// Sync tunes the refresh scheduler and cache.
	Sync struct {
		PollInterval        time.Duration `yaml:"poll_interval"`
		CacheTTL            time.Duration `yaml:"cache_ttl"`
		CacheNamespace      string        `yaml:"cache_namespace"`
		CacheBackend        string        `yaml:"cache_backend"` // "redis" or "memory"
		RecentCheckInsLimit int           `yaml:"recent_checkins_limit"`
		CentresLimit        int           `yaml:"centres_limit"`
	} `yaml:"sync"`

	UI struct {
		Addr string `yaml:"addr"`
	} `yaml:"ui"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// Load builds a Config from defaults, the optional YAML file named by
// CONFIG_FILE, and finally environment variables.
func Load() (*Config, error) {
	cfg := defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.Database.LoadFromEnv("DB")
	cfg.Redis.LoadFromEnv("REDIS")
	cfg.MQTT.LoadFromEnv("MQTT")

	cfg.Backend.Kind = getEnv("BACKEND_KIND", cfg.Backend.Kind)
	cfg.Backend.RESTURL = getEnv("BACKEND_REST_URL", cfg.Backend.RESTURL)
	cfg.Backend.APIKey = getEnv("BACKEND_API_KEY", cfg.Backend.APIKey)
	cfg.Backend.Timeout = getDuration("BACKEND_TIMEOUT", cfg.Backend.Timeout)
	cfg.Backend.Migrate = getBool("BACKEND_MIGRATE", cfg.Backend.Migrate)

	cfg.Feed.Kind = getEnv("FEED_KIND", cfg.Feed.Kind)
	cfg.Feed.StreamPrefix = getEnv("FEED_STREAM_PREFIX", cfg.Feed.StreamPrefix)
	cfg.Feed.TopicPrefix = getEnv("FEED_TOPIC_PREFIX", cfg.Feed.TopicPrefix)
	cfg.Feed.WebsocketURL = getEnv("FEED_WEBSOCKET_URL", cfg.Feed.WebsocketURL)
	cfg.Feed.Block = getDuration("FEED_BLOCK", cfg.Feed.Block)

	cfg.Auth.URL = getEnv("AUTH_URL", cfg.Auth.URL)
	cfg.Auth.AccessToken = os.Getenv("AUTH_ACCESS_TOKEN")
	cfg.Auth.RefreshToken = os.Getenv("AUTH_REFRESH_TOKEN")

	cfg.Sync.PollInterval = getDuration("SYNC_POLL_INTERVAL", cfg.Sync.PollInterval)
	cfg.Sync.CacheTTL = getDuration("SYNC_CACHE_TTL", cfg.Sync.CacheTTL)
	cfg.Sync.CacheNamespace = getEnv("SYNC_CACHE_NAMESPACE", cfg.Sync.CacheNamespace)
	cfg.Sync.CacheBackend = getEnv("SYNC_CACHE_BACKEND", cfg.Sync.CacheBackend)
	cfg.Sync.RecentCheckInsLimit = getInt("SYNC_RECENT_CHECKINS_LIMIT", cfg.Sync.RecentCheckInsLimit)
	cfg.Sync.CentresLimit = getInt("SYNC_CENTRES_LIMIT", cfg.Sync.CentresLimit)

	cfg.UI.Addr = getEnv("UI_ADDR", cfg.UI.Addr)

	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = getEnv("LOG_FORMAT", cfg.Log.Format)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	cfg := &Config{}

	cfg.Database.Host = "localhost"
	cfg.Database.Port = 5432
	cfg.Database.User = "postgres"
	cfg.Database.Password = "postgres"
	cfg.Database.Database = "postpart"
	cfg.Database.SSLMode = "disable"

	cfg.Redis.Addr = "localhost:6379"

	cfg.MQTT.Broker = "tcp://localhost:1883"
	cfg.MQTT.ClientID = "postpart-sync"
	cfg.MQTT.QoS = 1

	cfg.Backend.Kind = "postgres"
	cfg.Backend.Timeout = 15 * time.Second

	cfg.Feed.Kind = "postgres"
	cfg.Feed.StreamPrefix = "postpart:changes:"
	cfg.Feed.TopicPrefix = "postpart"
	cfg.Feed.Block = 5 * time.Second

	cfg.Sync.PollInterval = 30 * time.Second
	cfg.Sync.CacheTTL = 5 * time.Minute
	cfg.Sync.CacheNamespace = "postpart:cache:"
	cfg.Sync.CacheBackend = "redis"
	cfg.Sync.RecentCheckInsLimit = 10
	cfg.Sync.CentresLimit = 5

	cfg.UI.Addr = "127.0.0.1:8787"

	cfg.Log.Level = "info"
	cfg.Log.Format = "json"
	return cfg
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// Validate rejects combinations the client cannot run with.
func (c *Config) Validate() error {
	switch c.Backend.Kind {
	case "postgres":
	case "rest":
		if c.Backend.RESTURL == "" {
			return fmt.Errorf("BACKEND_REST_URL is required for the rest backend")
		}
	default:
		return fmt.Errorf("unsupported backend kind: %s", c.Backend.Kind)
	}

	switch c.Feed.Kind {
	case "postgres":
		if c.Backend.Kind != "postgres" {
			return fmt.Errorf("postgres feed requires the postgres backend")
		}
	case "redis", "mqtt", "none":
	case "websocket":
		if c.Feed.WebsocketURL == "" {
			return fmt.Errorf("FEED_WEBSOCKET_URL is required for the websocket feed")
		}
	default:
		return fmt.Errorf("unsupported feed kind: %s", c.Feed.Kind)
	}

	switch c.Sync.CacheBackend {
	case "redis", "memory":
	default:
		return fmt.Errorf("unsupported cache backend: %s", c.Sync.CacheBackend)
	}

	if c.Sync.PollInterval <= 0 {
		return fmt.Errorf("sync poll interval must be positive")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil && v > 0 {
		return v
	}
	return defaultValue
}

func getBool(key string, defaultValue bool) bool {
	if v, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return v
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if v, err := time.ParseDuration(os.Getenv(key)); err == nil && v > 0 {
		return v
	}
	return defaultValue
}
