// Package config loads orchestrator configuration from a yaml file with
// RELAY_-prefixed environment overrides.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DatabaseConfig selects and tunes the record store backend.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxConnections  int           `mapstructure:"max_connections"`
	IdleConnections int           `mapstructure:"idle_connections"`
	MaxLifetime     time.Duration `mapstructure:"max_lifetime"`
}

// RedisConfig points at the event stream backend.
type RedisConfig struct {
	Addr         string `mapstructure:"addr"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	StreamMaxLen int64  `mapstructure:"stream_max_len"`
}

// EngineConfig points at the conversation engine.
type EngineConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// ChainingConfig tunes the implement/review loop. These knobs are hot
// reloadable; see Watch.
type ChainingConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	SettleDelay time.Duration `mapstructure:"settle_delay"`
	OpTimeout   time.Duration `mapstructure:"op_timeout"`
}

// SchedulesConfig tunes the scheduled-trigger lane.
type SchedulesConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	TickInterval time.Duration `mapstructure:"tick_interval"`
}

// NotificationsConfig tunes the outbound push sink.
type NotificationsConfig struct {
	WebhookURL    string `mapstructure:"webhook_url"`
	RatePerMinute int    `mapstructure:"rate_per_minute"`
	Burst         int    `mapstructure:"burst"`
}

// ObservabilityConfig tunes logging and the metrics endpoint.
type ObservabilityConfig struct {
	LogLevel    string `mapstructure:"log_level"`
	MetricsPort int    `mapstructure:"metrics_port"`
}

// Config is the full orchestrator configuration.
type Config struct {
	Database      DatabaseConfig      `mapstructure:"database"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Engine        EngineConfig        `mapstructure:"engine"`
	Chaining      ChainingConfig      `mapstructure:"chaining"`
	Schedules     SchedulesConfig     `mapstructure:"schedules"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
	Observability ObservabilityConfig `mapstructure:"observability"`
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	v.SetConfigFile(path)

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.stream_max_len", 1024)
	v.SetDefault("engine.base_url", "http://localhost:8090")
	v.SetDefault("engine.request_timeout", 30*time.Second)
	v.SetDefault("chaining.enabled", true)
	v.SetDefault("chaining.settle_delay", time.Second)
	v.SetDefault("chaining.op_timeout", 30*time.Second)
	v.SetDefault("schedules.enabled", true)
	v.SetDefault("schedules.tick_interval", time.Minute)
	v.SetDefault("notifications.rate_per_minute", 60)
	v.SetDefault("notifications.burst", 10)
	v.SetDefault("observability.log_level", "info")
	v.SetDefault("observability.metrics_port", 2112)

	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return v
}

// Load reads configuration from path. A missing file is not an error;
// defaults and environment overrides still apply.
func Load(path string) (*Config, error) {
	v := newViper(path)
	if _, statErr := os.Stat(path); statErr == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}
