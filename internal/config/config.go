package config

import (
	"fmt"
	"strings"

	"errors"
	"os"

	"github.com/spf13/viper"
)

// Config holds all application settings loaded from file and environment variables.
// Struct tags are used by the Viper mapstructure decoder.
type Config struct {
	Store       Store       `mapstructure:"store"`
	Terminal    Terminal    `mapstructure:"terminal"`
	Auth        Auth        `mapstructure:"auth"`
	Reconnect   Reconnect   `mapstructure:"reconnect"`
	Idle        Idle        `mapstructure:"idle"`
	Credentials Credentials `mapstructure:"credentials"`
}

type Store struct {
	// DSN is a postgres connection string. Empty selects the
	// in-memory store.
	DSN string `mapstructure:"dsn"`
}

type Terminal struct {
	Type       string `mapstructure:"type"`
	Encoding   string `mapstructure:"encoding"`
	Cols       int    `mapstructure:"cols"`
	Rows       int    `mapstructure:"rows"`
	Scrollback int    `mapstructure:"scrollback"`
}

// Auth controls the authentication retry loop.
type Auth struct {
	MaxTries          int `mapstructure:"max_tries"`
	RetryDelaySeconds int `mapstructure:"retry_delay_seconds"`
}

type Reconnect struct {
	BackoffSeconds int `mapstructure:"backoff_seconds"`
}

type Idle struct {
	ShutdownTimeoutSeconds int `mapstructure:"shutdown_timeout_seconds"`
}

// Credentials controls the in-memory decrypted key cache.
type Credentials struct {
	Retain     bool `mapstructure:"retain"`
	TTLSeconds int  `mapstructure:"ttl_seconds"` // 0 keeps keys until shutdown
}

// Load reads configuration from a file and allows environment variables to override any value.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.BindEnv("store.dsn", "TETHER_STORE_DSN")
	v.BindEnv("terminal.type", "TETHER_TERM")
	v.BindEnv("terminal.encoding", "TETHER_ENCODING")
	v.BindEnv("auth.max_tries", "TETHER_AUTH_TRIES")
	v.BindEnv("reconnect.backoff_seconds", "TETHER_RECONNECT_BACKOFF")
	v.BindEnv("idle.shutdown_timeout_seconds", "TETHER_IDLE_TIMEOUT")
	v.BindEnv("credentials.retain", "TETHER_RETAIN_KEYS")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if !isNotFound(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// isNotFound returns true when err indicates the config file does not exist.
func isNotFound(err error) bool {
	if _, ok := err.(viper.ConfigFileNotFoundError); ok {
		return true
	}
	var pathErr *os.PathError
	return errors.As(err, &pathErr) && os.IsNotExist(pathErr)
}

// setDefaults defines baseline values for all configuration parameters.
func setDefaults(v *viper.Viper) {
	v.SetDefault("store.dsn", "")
	v.SetDefault("terminal.type", "xterm-256color")
	v.SetDefault("terminal.encoding", "UTF-8")
	v.SetDefault("terminal.cols", 80)
	v.SetDefault("terminal.rows", 24)
	v.SetDefault("terminal.scrollback", 140)
	v.SetDefault("auth.max_tries", 10)
	v.SetDefault("auth.retry_delay_seconds", 1)
	v.SetDefault("reconnect.backoff_seconds", 5)
	v.SetDefault("idle.shutdown_timeout_seconds", 300)
	v.SetDefault("credentials.retain", true)
	v.SetDefault("credentials.ttl_seconds", 0)
}
