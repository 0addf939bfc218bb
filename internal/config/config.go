package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config top-level struct
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	Feed      FeedConfig      `yaml:"feed"`
	Sync      SyncConfig      `yaml:"sync"`
	Reports   ReportsConfig   `yaml:"reports"`
	Outbox    OutboxConfig    `yaml:"outbox"`
	Log       LogConfig       `yaml:"log"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
}

// DatabaseConfig selects the gorm dialector. Driver is one of postgres, mysql, sqlite.
type DatabaseConfig struct {
	Driver          string        `yaml:"driver"`
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type RateLimitConfig struct {
	RPS   int `yaml:"rps"`
	Burst int `yaml:"burst"`
}

// FeedConfig points at the upstream GraphQL orders endpoint.
type FeedConfig struct {
	Endpoint    string        `yaml:"endpoint"`
	AccessToken string        `yaml:"access_token"`
	Timeout     time.Duration `yaml:"timeout"`
}

// SyncConfig tunes the orders synchronization run.
type SyncConfig struct {
	PageSize     int           `yaml:"page_size"`
	PageDelay    time.Duration `yaml:"page_delay"`
	FetchTimeout time.Duration `yaml:"fetch_timeout"`
	// BackfillWindow is how far back an initial sync reaches.
	BackfillWindow  time.Duration `yaml:"backfill_window"`
	LeaseTTL        time.Duration `yaml:"lease_ttl"`
	DefaultCurrency string        `yaml:"default_currency"`
}

type ReportsConfig struct {
	PageSize int           `yaml:"page_size"`
	Timezone string        `yaml:"timezone"`
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

type OutboxConfig struct {
	Interval  time.Duration `yaml:"interval"`
	BatchSize int           `yaml:"batch_size"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// Load reads yaml file, then applies env overrides and defaults.
// A .env file next to the process is loaded first when present.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if dsn := os.Getenv("DATABASE_DSN"); dsn != "" {
		c.Database.DSN = dsn
	}
	// password is appended after the DSN override so both can be set
	if pw := os.Getenv("DATABASE_PASSWORD"); pw != "" && c.Database.Driver == "postgres" {
		c.Database.DSN = c.Database.DSN + " password=" + pw
	}
	if tok := os.Getenv("FEED_ACCESS_TOKEN"); tok != "" {
		c.Feed.AccessToken = tok
	}
	if pw := os.Getenv("REDIS_PASSWORD"); pw != "" {
		c.Redis.Password = pw
	}
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "postgres"
	}
	if c.Kafka.Topic == "" {
		c.Kafka.Topic = "order-sync-events"
	}
	if c.Feed.Timeout == 0 {
		c.Feed.Timeout = 30 * time.Second
	}
	c.Sync = c.Sync.WithDefaults()
	if c.Reports.PageSize <= 0 {
		c.Reports.PageSize = 1000
	}
	if c.Reports.Timezone == "" {
		c.Reports.Timezone = "UTC"
	}
	if c.Reports.CacheTTL == 0 {
		c.Reports.CacheTTL = 5 * time.Minute
	}
	if c.Outbox.Interval == 0 {
		c.Outbox.Interval = time.Second
	}
	if c.Outbox.BatchSize <= 0 {
		c.Outbox.BatchSize = 100
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// WithDefaults fills unset sync knobs.
func (s SyncConfig) WithDefaults() SyncConfig {
	if s.PageSize <= 0 || s.PageSize > 250 {
		s.PageSize = 250
	}
	if s.PageDelay == 0 {
		s.PageDelay = 100 * time.Millisecond
	}
	if s.FetchTimeout == 0 {
		s.FetchTimeout = 30 * time.Second
	}
	if s.BackfillWindow == 0 {
		s.BackfillWindow = 365 * 24 * time.Hour
	}
	if s.LeaseTTL == 0 {
		s.LeaseTTL = 15 * time.Minute
	}
	if s.DefaultCurrency == "" {
		s.DefaultCurrency = "USD"
	}
	return s
}

// Validate rejects configurations the services cannot start with.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "mysql", "sqlite":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.Feed.Endpoint == "" {
		return fmt.Errorf("feed.endpoint is required")
	}
	if _, err := time.LoadLocation(c.Reports.Timezone); err != nil {
		return fmt.Errorf("reports.timezone: %w", err)
	}
	return nil
}
