package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the complete application configuration
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Stats    StatsConfig    `mapstructure:"stats"`
	Identity IdentityConfig `mapstructure:"identity"`
	Events   EventsConfig   `mapstructure:"events"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig defines the HTTP listener for metrics and stats
type ServerConfig struct {
	BindAddress string `mapstructure:"bind_address"`
	MetricsPort int    `mapstructure:"metrics_port"`
}

// StatsConfig defines aggregation and persistence cadence
type StatsConfig struct {
	Namespace       string `mapstructure:"namespace"`
	Key             string `mapstructure:"key"`
	FlushInterval   string `mapstructure:"flush_interval"`
	TickInterval    string `mapstructure:"tick_interval"`
	CacheTTL        string `mapstructure:"cache_ttl"`
	CacheSize       int    `mapstructure:"cache_size"`
	MessageDebounce string `mapstructure:"message_debounce"` // "0s" disables
}

// IdentityConfig identifies the local user whose messages are counted
type IdentityConfig struct {
	UserID string `mapstructure:"user_id"`
}

// EventsConfig defines where activity events are received
type EventsConfig struct {
	SocketPath string `mapstructure:"socket_path"`
}

// StorageConfig defines storage backend settings
type StorageConfig struct {
	Type  string      `mapstructure:"type"` // bolt, redis or sqlite
	Path  string      `mapstructure:"path"`
	Redis RedisConfig `mapstructure:"redis"`
}

// RedisConfig defines Redis connection settings
type RedisConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
	DialTimeout  string `mapstructure:"dial_timeout"`
	ReadTimeout  string `mapstructure:"read_timeout"`
	WriteTimeout string `mapstructure:"write_timeout"`
}

// LoggingConfig defines logging behavior
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Flush interval bounds
const (
	MinFlushInterval = time.Second
	MaxFlushInterval = 5 * time.Minute
)

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	v.SetConfigFile(configPath)
	v.SetEnvPrefix("KSTATS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// A missing file means defaults plus environment
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// Defaults returns a configuration holding only default values.
func Defaults() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// SetDefaults sets default configuration values
func SetDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.bind_address", "127.0.0.1")
	v.SetDefault("server.metrics_port", 9191)

	// Stats defaults
	v.SetDefault("stats.namespace", "kstats")
	v.SetDefault("stats.key", "stats")
	v.SetDefault("stats.flush_interval", "10s")
	v.SetDefault("stats.tick_interval", "1s")
	v.SetDefault("stats.cache_ttl", "30s")
	v.SetDefault("stats.cache_size", 16)
	v.SetDefault("stats.message_debounce", "500ms")

	// Identity defaults
	v.SetDefault("identity.user_id", "")

	// Events defaults
	v.SetDefault("events.socket_path", "/run/kstats/events.sock")

	// Storage defaults
	v.SetDefault("storage.type", "bolt")
	v.SetDefault("storage.path", "/var/lib/kstats/kstats.bolt")
	v.SetDefault("storage.redis.host", "localhost")
	v.SetDefault("storage.redis.port", 6379)
	v.SetDefault("storage.redis.password", "")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.pool_size", 4)
	v.SetDefault("storage.redis.min_idle_conns", 1)
	v.SetDefault("storage.redis.dial_timeout", "5s")
	v.SetDefault("storage.redis.read_timeout", "3s")
	v.SetDefault("storage.redis.write_timeout", "3s")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Durations holds the parsed duration settings of StatsConfig
type Durations struct {
	FlushInterval   time.Duration
	TickInterval    time.Duration
	CacheTTL        time.Duration
	MessageDebounce time.Duration
}

// Durations parses the duration strings of the stats section
func (c StatsConfig) Durations() (Durations, error) {
	var d Durations
	var err error

	if d.FlushInterval, err = time.ParseDuration(c.FlushInterval); err != nil {
		return d, fmt.Errorf("invalid flush_interval: %w", err)
	}
	if d.TickInterval, err = time.ParseDuration(c.TickInterval); err != nil {
		return d, fmt.Errorf("invalid tick_interval: %w", err)
	}
	if d.CacheTTL, err = time.ParseDuration(c.CacheTTL); err != nil {
		return d, fmt.Errorf("invalid cache_ttl: %w", err)
	}
	if d.MessageDebounce, err = time.ParseDuration(c.MessageDebounce); err != nil {
		return d, fmt.Errorf("invalid message_debounce: %w", err)
	}

	return d, nil
}

// validate validates the configuration
func validate(cfg *Config) error {
	if cfg.Server.MetricsPort <= 0 || cfg.Server.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d", cfg.Server.MetricsPort)
	}

	if cfg.Stats.Namespace == "" || cfg.Stats.Key == "" {
		return fmt.Errorf("stats namespace and key are required")
	}

	d, err := cfg.Stats.Durations()
	if err != nil {
		return err
	}
	if d.FlushInterval < MinFlushInterval || d.FlushInterval > MaxFlushInterval {
		return fmt.Errorf("flush_interval must be between %s and %s, got %s", MinFlushInterval, MaxFlushInterval, d.FlushInterval)
	}
	if d.TickInterval <= 0 {
		return fmt.Errorf("tick_interval must be positive, got %s", d.TickInterval)
	}
	if d.CacheTTL <= 0 {
		return fmt.Errorf("cache_ttl must be positive, got %s", d.CacheTTL)
	}
	if d.MessageDebounce < 0 {
		return fmt.Errorf("message_debounce must not be negative, got %s", d.MessageDebounce)
	}

	if cfg.Storage.Type == "" {
		cfg.Storage.Type = "bolt"
	}

	switch cfg.Storage.Type {
	case "bolt", "sqlite":
		if cfg.Storage.Path == "" {
			return fmt.Errorf("storage path is required for %s storage", cfg.Storage.Type)
		}
		// Ensure storage directory exists
		storageDir := filepath.Dir(cfg.Storage.Path)
		if err := os.MkdirAll(storageDir, 0755); err != nil {
			return fmt.Errorf("failed to create storage directory: %w", err)
		}
	case "redis":
		if cfg.Storage.Redis.Host == "" {
			return fmt.Errorf("storage.redis.host is required for redis storage")
		}
	default:
		return fmt.Errorf("unsupported storage type: %s (bolt, redis or sqlite)", cfg.Storage.Type)
	}

	return nil
}
