// Package config loads the server's configuration surface from a file,
// environment variables, or built-in defaults via viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full set of tunables the server reads at startup.
type Config struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`

	MaxConnections   int   `mapstructure:"max_connections"`
	MaxFileSize      int64 `mapstructure:"max_file_size"`
	ChunkSizeDefault int   `mapstructure:"chunk_size_default"`

	AIEnabled        bool   `mapstructure:"ai_enabled"`
	AIAPIKey         string `mapstructure:"ai_api_key"`
	AIModel          string `mapstructure:"ai_model"`
	AIDeadlineSecs   int    `mapstructure:"ai_deadline_seconds"`
	AIContextWindow  int    `mapstructure:"ai_context_window"`
	OfflineRetention int    `mapstructure:"offline_retention_days"`

	PingIntervalSecs      int `mapstructure:"ping_interval_seconds"`
	IdleAwayMinutes       int `mapstructure:"idle_away_minutes"`
	SessionTimeoutMinutes int `mapstructure:"session_timeout_minutes"`

	StorageRoot  string `mapstructure:"storage_root"`
	DatabasePath string `mapstructure:"database_path"`

	HTTPAddr    string `mapstructure:"http_addr"`
	MetricsAddr string `mapstructure:"metrics_addr"`
	LogLevel    string `mapstructure:"log_level"`
}

// Addr is the host:port the TCP listener binds.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func (c Config) PingInterval() time.Duration {
	return time.Duration(c.PingIntervalSecs) * time.Second
}

func (c Config) IdleAway() time.Duration {
	return time.Duration(c.IdleAwayMinutes) * time.Minute
}

func (c Config) SessionTimeout() time.Duration {
	return time.Duration(c.SessionTimeoutMinutes) * time.Minute
}

func (c Config) AIDeadline() time.Duration {
	return time.Duration(c.AIDeadlineSecs) * time.Second
}

func (c Config) OfflineRetentionDuration() time.Duration {
	return time.Duration(c.OfflineRetention) * 24 * time.Hour
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("host", "0.0.0.0")
	v.SetDefault("port", 9000)
	v.SetDefault("max_connections", 10000)
	v.SetDefault("max_file_size", 100*1024*1024)
	v.SetDefault("chunk_size_default", 64*1024)
	v.SetDefault("ai_enabled", false)
	v.SetDefault("ai_api_key", "")
	v.SetDefault("ai_model", "gpt-4o-mini")
	v.SetDefault("ai_deadline_seconds", 30)
	v.SetDefault("ai_context_window", 10)
	v.SetDefault("offline_retention_days", 30)
	v.SetDefault("ping_interval_seconds", 30)
	v.SetDefault("idle_away_minutes", 10)
	v.SetDefault("session_timeout_minutes", 5)
	v.SetDefault("storage_root", "./data/files")
	v.SetDefault("database_path", "./data/chatcore.db")
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("metrics_addr", ":9090")
	v.SetDefault("log_level", "info")
}

// Load reads configuration from the defaults above, the file at path (if
// non-empty), and environment variables prefixed CHATCORE_. Env overrides
// file, and explicit file values override defaults.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("chatcore")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	return cfg, nil
}
