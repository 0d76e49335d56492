// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Stream    StreamConfig    `mapstructure:"stream"`
	Registry  RegistryConfig  `mapstructure:"registry"`
	Redis     RedisConfig     `mapstructure:"redis"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Storage   StorageConfig   `mapstructure:"storage"`
	DB        DBConfig        `mapstructure:"db"`
	Poll      PollConfig      `mapstructure:"poll"`
	Reconnect ReconnectConfig `mapstructure:"reconnect"`
	Watch     WatchConfig     `mapstructure:"watch"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port           int `mapstructure:"port"`
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// EngineConfig governs stage engine behavior. Terminal job records older
// than the retention period are swept; zero disables the sweep.
type EngineConfig struct {
	InlineResultLimit int `mapstructure:"inline_result_limit"`
	RetentionSeconds  int `mapstructure:"retention_seconds"`
}

// StreamConfig sizes the per-job push stream buffer.
type StreamConfig struct {
	FrameBuffer int `mapstructure:"frame_buffer"`
}

// RegistryConfig sizes the per-subscriber broadcast buffer.
type RegistryConfig struct {
	SubscriberBuffer int `mapstructure:"subscriber_buffer"`
}

// RedisConfig enables cross-process broadcast via Redis.
type RedisConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
	Channel string `mapstructure:"channel"`
}

// PubSubConfig holds metadata for the event mirror topics.
type PubSubConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
}

// StorageConfig sets the bucket for offloaded result payloads.
type StorageConfig struct {
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// DBConfig controls access to the snapshot database. An empty DSN selects
// the in-memory store.
type DBConfig struct {
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

// PollConfig schedules the snapshot/probe fallback reads.
type PollConfig struct {
	IntervalSeconds int    `mapstructure:"interval_seconds"`
	ProbeURL        string `mapstructure:"probe_url"`
}

// ReconnectConfig bounds broadcast subscriber retry.
type ReconnectConfig struct {
	DelaySeconds int `mapstructure:"delay_seconds"`
	MaxAttempts  int `mapstructure:"max_attempts"`
}

// WatchConfig names the subjects kept merged by the in-process reconcilers.
type WatchConfig struct {
	Subjects []string `mapstructure:"subjects"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PROVISIONER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.timeout_seconds", 60)
	v.SetDefault("engine.inline_result_limit", 8192)
	v.SetDefault("engine.retention_seconds", 3600)
	v.SetDefault("stream.frame_buffer", 64)
	v.SetDefault("registry.subscriber_buffer", 64)
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.channel", "provisioner-events")
	v.SetDefault("pubsub.enabled", false)
	v.SetDefault("storage.prefix", "results")
	v.SetDefault("db.max_open_conns", 8)
	v.SetDefault("poll.interval_seconds", 30)
	v.SetDefault("reconnect.delay_seconds", 2)
	v.SetDefault("reconnect.max_attempts", 5)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Server.TimeoutSeconds <= 0 {
		return fmt.Errorf("server.timeout_seconds must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr must be set when redis is enabled")
	}
	if c.PubSub.Enabled && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub is enabled")
	}
	if c.Engine.RetentionSeconds < 0 {
		return fmt.Errorf("engine.retention_seconds must be >= 0")
	}
	if c.Poll.IntervalSeconds <= 0 {
		return fmt.Errorf("poll.interval_seconds must be > 0")
	}
	if c.Reconnect.MaxAttempts <= 0 {
		return fmt.Errorf("reconnect.max_attempts must be > 0")
	}
	return nil
}

// ServerTimeout converts the request timeout into a duration.
func (c Config) ServerTimeout() time.Duration {
	return time.Duration(c.Server.TimeoutSeconds) * time.Second
}

// PollInterval converts the poll schedule into a duration.
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.Poll.IntervalSeconds) * time.Second
}

// JobRetention converts the terminal-job retention period into a duration.
func (c Config) JobRetention() time.Duration {
	return time.Duration(c.Engine.RetentionSeconds) * time.Second
}

// ReconnectDelay converts the reconnect delay into a duration.
func (c Config) ReconnectDelay() time.Duration {
	return time.Duration(c.Reconnect.DelaySeconds) * time.Second
}
