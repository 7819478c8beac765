package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v2"
)

// Config is loaded once at process start and never mutated afterwards.
// Every component receives the slice of it that it needs.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Auth       AuthConfig       `yaml:"auth"`
	Credential CredentialConfig `yaml:"credential"`
	Upstream   UpstreamConfig   `yaml:"upstream"`
	Cache      CacheConfig      `yaml:"cache"`
	RateLimit  RateLimitConfig  `yaml:"ratelimit"`
	Usage      UsageConfig      `yaml:"usage"`
	Session    SessionConfig    `yaml:"session"`
	Sync       SyncConfig       `yaml:"sync"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	Env  string `yaml:"env"`
}

type DatabaseConfig struct {
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type AuthConfig struct {
	TenantSigningKey string `yaml:"tenant_signing_key"`
	AdminSigningKey  string `yaml:"admin_signing_key"`
	AccessTTLMinutes int    `yaml:"access_ttl_minutes"`
	RefreshTTLDays   int    `yaml:"refresh_ttl_days"`
	AdminTTLHours    int    `yaml:"admin_ttl_hours"`
}

type CredentialConfig struct {
	Key string `yaml:"key"`
}

type UpstreamConfig struct {
	DefaultTimeoutS int `yaml:"default_timeout_s"`
	// Per-operation timeout overrides, keyed by operation name.
	Timeouts map[string]int `yaml:"timeouts"`
}

type CacheConfig struct {
	DefaultTTLS int `yaml:"default_ttl_s"`
}

type RateLimitConfig struct {
	DefaultHourly int64 `yaml:"default_hourly"`
	DefaultDaily  int64 `yaml:"default_daily"`
}

type UsageConfig struct {
	RetentionDays int `yaml:"retention_days"`
	QueueDepth    int `yaml:"queue_depth"`
	Writers       int `yaml:"writers"`
}

type SessionConfig struct {
	IdleTTLS int `yaml:"idle_ttl_s"`
}

type SyncConfig struct {
	DefaultLimit    int   `yaml:"default_limit"`
	MaxLimit        int   `yaml:"max_limit"`
	EventGraceCount int64 `yaml:"event_grace_count"`
	PullIntervalS   int   `yaml:"pull_interval_s"`
	PullBatchSize   int   `yaml:"pull_batch_size"`
}

// Load reads the yaml file at path (optional; an empty path yields pure
// defaults), applies environment overrides, then fills defaults.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()

		if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if cfg.Credential.Key == "" {
		return nil, fmt.Errorf("credential.key (or BRIDGECORE_CREDENTIAL_KEY) must be set")
	}

	return &cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("PORT"); v != "" {
		c.Server.Port = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Database.URL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Redis.DB = n
		}
	}
	if v := os.Getenv("BRIDGECORE_TENANT_SIGNING_KEY"); v != "" {
		c.Auth.TenantSigningKey = v
	}
	if v := os.Getenv("BRIDGECORE_ADMIN_SIGNING_KEY"); v != "" {
		c.Auth.AdminSigningKey = v
	}
	if v := os.Getenv("BRIDGECORE_CREDENTIAL_KEY"); v != "" {
		c.Credential.Key = v
	}
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Server.Env == "" {
		c.Server.Env = "development"
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 25
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 5
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Auth.AccessTTLMinutes == 0 {
		c.Auth.AccessTTLMinutes = 30
	}
	if c.Auth.RefreshTTLDays == 0 {
		c.Auth.RefreshTTLDays = 7
	}
	if c.Auth.AdminTTLHours == 0 {
		c.Auth.AdminTTLHours = 24
	}
	if c.Upstream.DefaultTimeoutS == 0 {
		c.Upstream.DefaultTimeoutS = 30
	}
	if c.Cache.DefaultTTLS == 0 {
		c.Cache.DefaultTTLS = 300
	}
	if c.RateLimit.DefaultHourly == 0 {
		c.RateLimit.DefaultHourly = 1000
	}
	if c.RateLimit.DefaultDaily == 0 {
		c.RateLimit.DefaultDaily = 10000
	}
	if c.Usage.RetentionDays == 0 {
		c.Usage.RetentionDays = 90
	}
	if c.Usage.QueueDepth == 0 {
		c.Usage.QueueDepth = 16384
	}
	if c.Usage.Writers == 0 {
		c.Usage.Writers = 4
	}
	if c.Session.IdleTTLS == 0 {
		c.Session.IdleTTLS = 1800
	}
	if c.Sync.DefaultLimit == 0 {
		c.Sync.DefaultLimit = 100
	}
	if c.Sync.MaxLimit == 0 {
		c.Sync.MaxLimit = 1000
	}
	if c.Sync.EventGraceCount == 0 {
		c.Sync.EventGraceCount = 1000
	}
	if c.Sync.PullIntervalS == 0 {
		c.Sync.PullIntervalS = 60
	}
	if c.Sync.PullBatchSize == 0 {
		c.Sync.PullBatchSize = 500
	}
}
