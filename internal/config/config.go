// Package config provides configuration management using viper.
// It supports loading from YAML files and environment variable overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Store drivers.
const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

// Cache drivers.
const (
	CacheDriverSQLite = "sqlite"
	CacheDriverRedis  = "redis"
	CacheDriverMemory = "memory"
)

// Config holds all application configuration.
type Config struct {
	Log      LogConfig      `mapstructure:"log"`
	Database DatabaseConfig `mapstructure:"database"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Store    StoreConfig    `mapstructure:"store"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Game     GameConfig     `mapstructure:"game"`
	Player   PlayerConfig   `mapstructure:"player"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// DatabaseConfig holds PostgreSQL connection configuration.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	PoolSize        int           `mapstructure:"pool_size"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
}

// NATSConfig holds change feed configuration.
// With Embedded set, an in-process server is started and URL is ignored.
type NATSConfig struct {
	URL      string `mapstructure:"url"`
	Embedded bool   `mapstructure:"embedded"`
	Subject  string `mapstructure:"subject"`
}

// StoreConfig selects the remote document store backend.
type StoreConfig struct {
	Driver      string        `mapstructure:"driver"`
	SyncTimeout time.Duration `mapstructure:"sync_timeout"`
}

// CacheConfig selects the local durable cache backend.
type CacheConfig struct {
	Driver string `mapstructure:"driver"`
	Path   string `mapstructure:"path"`
}

// RedisConfig holds Redis connection configuration for the redis cache driver.
type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// GameConfig holds game pacing and leaderboard configuration.
type GameConfig struct {
	AnimationDelay time.Duration `mapstructure:"animation_delay"`
	SeedDemoUsers  bool          `mapstructure:"seed_demo_users"`
}

// PlayerConfig identifies the local player for the terminal driver.
type PlayerConfig struct {
	Nickname    string `mapstructure:"nickname"`
	AuthID      string `mapstructure:"auth_id"`
	DisplayName string `mapstructure:"display_name"`
	Email       string `mapstructure:"email"`
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=disable",
		d.User, d.Password, d.Host, d.Port, d.Name,
	)
}

// Load reads configuration from file and environment variables.
// It looks for config.yaml in the config directory.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	// e.g. DATABASE_HOST, NATS_URL, GAME_ANIMATION_DELAY
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found is OK - we can use env vars
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks driver names and durations.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case StoreDriverPostgres, StoreDriverMemory:
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}

	switch c.Cache.Driver {
	case CacheDriverSQLite, CacheDriverRedis, CacheDriverMemory:
	default:
		return fmt.Errorf("unknown cache driver %q", c.Cache.Driver)
	}

	if c.Game.AnimationDelay < 0 {
		return fmt.Errorf("game.animation_delay must not be negative")
	}
	return nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "luck")
	v.SetDefault("database.name", "luck")
	v.SetDefault("database.pool_size", 10)
	v.SetDefault("database.connect_timeout", "10s")
	v.SetDefault("database.max_conn_lifetime", "1h")
	v.SetDefault("database.max_conn_idle_time", "30m")

	// Change feed defaults
	v.SetDefault("nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("nats.embedded", true)
	v.SetDefault("nats.subject", "luck.users.changed")

	v.SetDefault("store.driver", StoreDriverMemory)
	v.SetDefault("store.sync_timeout", "10s")

	v.SetDefault("cache.driver", CacheDriverSQLite)
	v.SetDefault("cache.path", "test-your-luck.db")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "")

	v.SetDefault("game.animation_delay", "2500ms")
	v.SetDefault("game.seed_demo_users", false)

	v.SetDefault("player.nickname", "")
}
