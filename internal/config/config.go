// Package config loads gofastkv's server configuration from flags,
// environment variables, and an optional config file, layered with
// spf13/viper the same way the teacher's config.go does.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the server settings the event loop actually consults.
// Fields describing Non-goal features (persistence, auth, TLS) from the
// teacher's original Config are deliberately not carried forward.
type Config struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	PollTimeout time.Duration `mapstructure:"poll_timeout"`
	MaxConns    int           `mapstructure:"max_conns"`

	// MetricsAddr, when non-empty, is the host:port the Prometheus
	// /metrics endpoint listens on. Empty disables it.
	MetricsAddr string `mapstructure:"metrics_addr"`
}

// DefaultConfig returns the configuration a fresh server starts with when
// nothing else is specified.
func DefaultConfig() *Config {
	return &Config{
		Host:        "127.0.0.1",
		Port:        8080,
		LogLevel:    "info",
		LogFormat:   "text",
		PollTimeout: time.Second,
		MaxConns:    10000,
		MetricsAddr: "",
	}
}

// Load reads configuration from environment variables, an optional config
// file, and command-line flags (bound by the caller via viper.BindPFlag
// before calling Load), the same layering the teacher's LoadConfig uses.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	viper.SetConfigName("gofastkv")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("/etc/gofastkv/")
	viper.AddConfigPath("$HOME/.gofastkv")

	viper.SetEnvPrefix("GOFASTKV")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("host", cfg.Host)
	viper.SetDefault("port", cfg.Port)
	viper.SetDefault("log_level", cfg.LogLevel)
	viper.SetDefault("log_format", cfg.LogFormat)
	viper.SetDefault("poll_timeout", cfg.PollTimeout)
	viper.SetDefault("max_conns", cfg.MaxConns)
	viper.SetDefault("metrics_addr", cfg.MetricsAddr)

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("config: read config file: %w", err)
		}
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	return cfg, nil
}

// Validate rejects configurations the server cannot start with.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("config: invalid port %d (must be 1-65535)", c.Port)
	}
	if c.MaxConns < 1 {
		return fmt.Errorf("config: max_conns must be at least 1")
	}
	if c.PollTimeout <= 0 {
		return fmt.Errorf("config: poll_timeout must be positive")
	}

	validLevels := []string{"trace", "debug", "info", "warn", "error", "fatal"}
	ok := false
	for _, lvl := range validLevels {
		if c.LogLevel == lvl {
			ok = true
			break
		}
	}
	if !ok {
		return fmt.Errorf("config: invalid log_level %q (must be one of: %s)",
			c.LogLevel, strings.Join(validLevels, ", "))
	}

	return nil
}

// Addr returns the host:port the server should listen on.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
