// Package config provides configuration management for buddyd.
// It defines the structure of the YAML configuration file and handles
// loading, validation, and default value application.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration structure for buddyd.
type Config struct {
	// Version is the configuration file format version
	Version string `yaml:"version"`
	// Homeserver defines the Matrix connection settings
	Homeserver HomeserverConfig `yaml:"homeserver"`
	// Session defines where credentials are persisted
	Session SessionConfig `yaml:"session"`
	// Gateway defines the local websocket endpoint windows connect to
	Gateway GatewayConfig `yaml:"gateway"`
	// Metrics defines the prometheus endpoint
	Metrics MetricsConfig `yaml:"metrics"`
	// Console defines the terminal event echo
	Console ConsoleConfig `yaml:"console"`
	// Verification defines SAS verification behavior
	Verification VerificationConfig `yaml:"verification"`
	// Logging defines log output behavior
	Logging LoggingConfig `yaml:"logging"`
}

// HomeserverConfig defines the connection to the Matrix homeserver.
type HomeserverConfig struct {
	// URL is the homeserver base URL (e.g. https://matrix.example.org)
	URL string `yaml:"url"`
	// DeviceName shows up in the account's device list (default: "buddyd")
	DeviceName string `yaml:"device_name"`
	// SyncTimeoutMs is the long-poll timeout for sync in milliseconds (default: 30000)
	SyncTimeoutMs int `yaml:"sync_timeout_ms"`
	// RequestTimeoutMs bounds ordinary API calls in milliseconds (default: 15000)
	RequestTimeoutMs int `yaml:"request_timeout_ms"`
	// RateLimit is the client-side request pacing (requests per second, 0 disables)
	RateLimit float64 `yaml:"rate_limit"`
	// RateBurst is the pacing burst size (default: 20)
	RateBurst int `yaml:"rate_burst"`
}

// SessionConfig defines credential persistence.
type SessionConfig struct {
	// Path is the bbolt session database file (default: ~/.buddyd/session.db)
	Path string `yaml:"path"`
}

// GatewayConfig defines the local websocket gateway.
type GatewayConfig struct {
	// Enabled determines if the gateway listens (default: true)
	Enabled *bool `yaml:"enabled"`
	// Addr is the listen address (default: 127.0.0.1:7667)
	Addr string `yaml:"addr"`
}

// MetricsConfig defines the prometheus endpoint.
type MetricsConfig struct {
	// Enabled determines if the metrics server listens (disabled by default)
	Enabled bool `yaml:"enabled"`
	// Addr is the listen address (default: 127.0.0.1:9667)
	Addr string `yaml:"addr"`
}

// ConsoleConfig defines the terminal event echo.
type ConsoleConfig struct {
	// Enabled determines if bus events are echoed to the terminal
	Enabled bool `yaml:"enabled"`
}

// VerificationConfig defines SAS verification behavior.
type VerificationConfig struct {
	// DisplayDelayMs is how long finished verifications stay visible
	// before the next queued request is shown (default: 3000)
	DisplayDelayMs int `yaml:"display_delay_ms"`
}

// LoggingConfig defines log output behavior.
type LoggingConfig struct {
	// Level is "debug", "info", "warn" or "error" (default: "info")
	Level string `yaml:"level"`
	// Pretty forces the human console writer even without a TTY
	Pretty bool `yaml:"pretty"`
}

// NewDefaultConfig creates a configuration with sensible defaults.
// The default session path is ~/.buddyd/session.db.
func NewDefaultConfig() *Config {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = "."
	}

	return &Config{
		Version: "1.0",
		Homeserver: HomeserverConfig{
			DeviceName:       "buddyd",
			SyncTimeoutMs:    30000,
			RequestTimeoutMs: 15000,
			RateLimit:        10,
			RateBurst:        20,
		},
		Session: SessionConfig{
			Path: filepath.Join(homeDir, ".buddyd", "session.db"),
		},
		Gateway: GatewayConfig{
			Enabled: boolPtr(true),
			Addr:    "127.0.0.1:7667",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    "127.0.0.1:9667",
		},
		Verification: VerificationConfig{
			DisplayDelayMs: 3000,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadConfig loads and validates a configuration from a YAML file.
// It applies default values for any missing optional fields.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// SaveConfig writes the configuration to a YAML file with 0600
// permissions.
func (c *Config) SaveConfig(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Homeserver.URL != "" &&
		!strings.HasPrefix(c.Homeserver.URL, "http://") &&
		!strings.HasPrefix(c.Homeserver.URL, "https://") {
		return fmt.Errorf("homeserver url must start with http:// or https://, got %s", c.Homeserver.URL)
	}
	if c.Homeserver.SyncTimeoutMs <= 0 {
		return fmt.Errorf("sync_timeout_ms must be positive, got %d", c.Homeserver.SyncTimeoutMs)
	}
	if c.Homeserver.RequestTimeoutMs <= 0 {
		return fmt.Errorf("request_timeout_ms must be positive, got %d", c.Homeserver.RequestTimeoutMs)
	}
	if c.Homeserver.RateLimit < 0 {
		return fmt.Errorf("rate_limit cannot be negative, got %f", c.Homeserver.RateLimit)
	}
	if c.Gateway.Addr == "" {
		return fmt.Errorf("gateway addr cannot be empty")
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return fmt.Errorf("metrics addr cannot be empty when metrics are enabled")
	}
	if c.Verification.DisplayDelayMs < 0 {
		return fmt.Errorf("display_delay_ms cannot be negative, got %d", c.Verification.DisplayDelayMs)
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}
	return nil
}

// applyDefaults fills in zero-valued optional fields.
func (c *Config) applyDefaults() {
	defaults := NewDefaultConfig()

	if c.Version == "" {
		c.Version = defaults.Version
	}
	if c.Homeserver.DeviceName == "" {
		c.Homeserver.DeviceName = defaults.Homeserver.DeviceName
	}
	if c.Homeserver.SyncTimeoutMs == 0 {
		c.Homeserver.SyncTimeoutMs = defaults.Homeserver.SyncTimeoutMs
	}
	if c.Homeserver.RequestTimeoutMs == 0 {
		c.Homeserver.RequestTimeoutMs = defaults.Homeserver.RequestTimeoutMs
	}
	if c.Homeserver.RateBurst == 0 {
		c.Homeserver.RateBurst = defaults.Homeserver.RateBurst
	}
	if c.Session.Path == "" {
		c.Session.Path = defaults.Session.Path
	}
	if c.Gateway.Enabled == nil {
		c.Gateway.Enabled = defaults.Gateway.Enabled
	}
	if c.Gateway.Addr == "" {
		c.Gateway.Addr = defaults.Gateway.Addr
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = defaults.Metrics.Addr
	}
	if c.Verification.DisplayDelayMs == 0 {
		c.Verification.DisplayDelayMs = defaults.Verification.DisplayDelayMs
	}
	if c.Logging.Level == "" {
		c.Logging.Level = defaults.Logging.Level
	}
}

func boolPtr(b bool) *bool {
	return &b
}
