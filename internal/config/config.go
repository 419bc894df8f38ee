// Package config provides Viper-based configuration loading for the VTT server.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// NetworkConfig holds WebSocket acceptor settings.
type NetworkConfig struct {
	// Host is the bind address for the HTTP listener.
	Host string `mapstructure:"host"`
	// Port is the TCP port for the HTTP listener.
	Port int `mapstructure:"port"`
	// Path is the URL path serving the WebSocket upgrade.
	Path string `mapstructure:"path"`
	// WriteTimeout bounds each outbound frame write.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// AllowedOrigins lists Origin header values accepted during the
	// upgrade handshake. Empty means any origin is accepted.
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// Addr returns the "host:port" listen address.
func (n NetworkConfig) Addr() string {
	return fmt.Sprintf("%s:%d", n.Host, n.Port)
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// DSN returns the PostgreSQL connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode,
	)
}

// AssetsConfig holds asset store settings.
type AssetsConfig struct {
	// Dir is the root directory assets are loaded from.
	Dir string `mapstructure:"dir"`
	// DefaultBackground is the asset served for a scene request that
	// names no background.
	DefaultBackground string `mapstructure:"default_background"`
}

// LimitsConfig holds per-connection rate limit settings.
type LimitsConfig struct {
	// MessagesPerSecond is the sustained inbound frame rate per connection.
	MessagesPerSecond float64 `mapstructure:"messages_per_second"`
	// Burst is the token bucket capacity.
	Burst int `mapstructure:"burst"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `mapstructure:"level"`
	// Format is the log output format: "json" or "console".
	Format string `mapstructure:"format"`
}

// Config is the top-level application configuration.
type Config struct {
	Network  NetworkConfig  `mapstructure:"network"`
	Database DatabaseConfig `mapstructure:"database"`
	Assets   AssetsConfig   `mapstructure:"assets"`
	Limits   LimitsConfig   `mapstructure:"limits"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// Validate checks all configuration invariants.
//
// Postcondition: Returns nil if configuration is valid, or an error describing all violations.
func (c Config) Validate() error {
	var errs []string

	if err := validateNetwork(c.Network); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateDatabase(c.Database); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateAssets(c.Assets); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateLimits(c.Limits); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateLogging(c.Logging); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validateNetwork(n NetworkConfig) error {
	var errs []string
	if n.Port < 1 || n.Port > 65535 {
		errs = append(errs, fmt.Sprintf("network.port must be 1-65535, got %d", n.Port))
	}
	if !strings.HasPrefix(n.Path, "/") {
		errs = append(errs, fmt.Sprintf("network.path must start with '/', got %q", n.Path))
	}
	if n.WriteTimeout < 0 {
		errs = append(errs, "network.write_timeout must not be negative")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateDatabase(d DatabaseConfig) error {
	var errs []string
	if d.Host == "" {
		errs = append(errs, "database.host must not be empty")
	}
	if d.Port < 1 || d.Port > 65535 {
		errs = append(errs, fmt.Sprintf("database.port must be 1-65535, got %d", d.Port))
	}
	if d.User == "" {
		errs = append(errs, "database.user must not be empty")
	}
	if d.Name == "" {
		errs = append(errs, "database.name must not be empty")
	}
	validSSL := map[string]bool{"disable": true, "require": true, "verify-ca": true, "verify-full": true}
	if !validSSL[d.SSLMode] {
		errs = append(errs, fmt.Sprintf("database.sslmode must be one of [disable, require, verify-ca, verify-full], got %q", d.SSLMode))
	}
	if d.MaxConns < 1 {
		errs = append(errs, fmt.Sprintf("database.max_conns must be >= 1, got %d", d.MaxConns))
	}
	if d.MinConns < 0 {
		errs = append(errs, fmt.Sprintf("database.min_conns must be >= 0, got %d", d.MinConns))
	}
	if d.MinConns > d.MaxConns {
		errs = append(errs, "database.min_conns must not exceed database.max_conns")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateAssets(a AssetsConfig) error {
	if a.Dir == "" {
		return fmt.Errorf("assets.dir must not be empty")
	}
	return nil
}

func validateLimits(l LimitsConfig) error {
	var errs []string
	if l.MessagesPerSecond <= 0 {
		errs = append(errs, fmt.Sprintf("limits.messages_per_second must be > 0, got %g", l.MessagesPerSecond))
	}
	if l.Burst < 1 {
		errs = append(errs, fmt.Sprintf("limits.burst must be >= 1, got %d", l.Burst))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateLogging(l LoggingConfig) error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[l.Level] {
		return fmt.Errorf("logging.level must be one of [debug, info, warn, error], got %q", l.Level)
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("logging.format must be one of [json, console], got %q", l.Format)
	}
	return nil
}

// Load reads configuration from the given file path, applies environment
// variable overrides, and validates the result.
//
// Precondition: path must be a valid file path to a YAML configuration file.
// Postcondition: Returns a valid Config or a non-nil error.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	// Environment variable overrides with VTT_ prefix
	v.SetEnvPrefix("VTT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("network.host", "0.0.0.0")
	v.SetDefault("network.port", 7890)
	v.SetDefault("network.path", "/ws")
	v.SetDefault("network.write_timeout", "30s")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "vtt")
	v.SetDefault("database.password", "vtt")
	v.SetDefault("database.name", "vtt")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_lifetime", "1h")

	v.SetDefault("assets.dir", "assets")
	v.SetDefault("assets.default_background", "backgrounds/default.png")

	v.SetDefault("limits.messages_per_second", 50)
	v.SetDefault("limits.burst", 100)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}
