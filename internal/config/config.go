// Package config handles YAML configuration loading with environment variable expansion.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"go.yaml.in/yaml/v3"
)

// Config is the top-level gateway configuration.
type Config struct {
	Server     Server      `yaml:"server"`
	Database   Database    `yaml:"database"`
	RateLimits RateLimits  `yaml:"rate_limits"`
	Retention  Retention   `yaml:"retention"`
	Telemetry  Telemetry   `yaml:"telemetry"`
	Proxies    Proxies     `yaml:"proxies"`
	Users      []UserSeed  `yaml:"users"`
	Keys       []KeySeed   `yaml:"keys"`
	Accounts   []AcctSeed  `yaml:"accounts"`
}

// Server holds HTTP server settings.
type Server struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Database holds SQLite settings.
type Database struct {
	DSN string `yaml:"dsn"` // file path or ":memory:"
}

// RateLimits holds default request limits applied to keys without their own.
type RateLimits struct {
	DefaultPerMinute int64 `yaml:"default_per_minute"` // 0 = unlimited
	DefaultPerDay    int64 `yaml:"default_per_day"`    // 0 = unlimited
}

// Retention controls usage ledger pruning.
type Retention struct {
	UsageWindow time.Duration `yaml:"usage_window"` // 0 = keep forever
}

// Telemetry holds observability settings.
type Telemetry struct {
	Metrics Metrics `yaml:"metrics"`
	Tracing Tracing `yaml:"tracing"`
}

// Metrics controls Prometheus metrics.
type Metrics struct {
	Enabled bool `yaml:"enabled"`
}

// Tracing controls OpenTelemetry tracing.
type Tracing struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`    // OTLP gRPC endpoint
	SampleRate float64 `yaml:"sample_rate"` // 0.0 to 1.0
}

// Proxies seeds the egress proxy table.
type Proxies struct {
	Default string       `yaml:"default"` // id of the default proxy
	Entries []ProxyEntry `yaml:"entries"`
}

// ProxyEntry is one egress proxy definition.
type ProxyEntry struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Type     string `yaml:"type"` // "http", "https", "socks5"
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Enabled  *bool  `yaml:"enabled"`
}

// UserSeed creates a user on first run.
type UserSeed struct {
	ID    int64  `yaml:"id"`
	Login string `yaml:"login"`
}

// KeySeed creates a gateway key on first run.
type KeySeed struct {
	Name      string `yaml:"name"`
	Key       string `yaml:"key"` // plaintext, hashed on bootstrap
	UserID    int64  `yaml:"user_id"`
	PerMinute *int64 `yaml:"per_minute"`
	PerDay    *int64 `yaml:"per_day"`
}

// AcctSeed creates an upstream account on first run.
type AcctSeed struct {
	ID           string `yaml:"id"`
	UserID       int64  `yaml:"user_id"`
	Name         string `yaml:"name"`
	Provider     string `yaml:"provider"` // anthropic, openai, gemini, qwen
	Auth         string `yaml:"auth"`     // api_key, oauth
	APIKey       string `yaml:"api_key"`
	AccessToken  string `yaml:"access_token"`
	RefreshToken string `yaml:"refresh_token"`
	BaseURL      string `yaml:"base_url"`
	ProxyEnabled bool   `yaml:"proxy_enabled"`
	ProxyID      string `yaml:"proxy_id"`
}

// IsEnabled reports whether the proxy is enabled (defaults to true when nil).
func (p ProxyEntry) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file, expanding environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	data = expandEnv(data)

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Default returns the configuration used when no file overrides it.
func Default() *Config {
	return &Config{
		Server: Server{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    320 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: Database{
			DSN: "lockgate.db",
		},
		RateLimits: RateLimits{
			DefaultPerMinute: 60,
			DefaultPerDay:    10_000,
		},
	}
}
