// Package config handles TOML configuration parsing for WireChat. It loads
// configuration from wirechat.toml, applies sane defaults for all settings,
// and validates enumerated fields. The listen port and peers file stay on the
// command line; the config file only carries ambient settings. There are no
// environment variable overrides.
package config

import (
	"fmt"
	"os"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// Config is the top-level configuration for a WireChat instance.
type Config struct {
	Listen     ListenConfig     `toml:"listen"`
	Federation FederationConfig `toml:"federation"`
	Gateway    GatewayConfig    `toml:"gateway"`
	Status     StatusConfig     `toml:"status"`
	Logging    LoggingConfig    `toml:"logging"`
}

// ListenConfig defines where the TCP listener binds. The port always comes
// from the command line.
type ListenConfig struct {
	Host string `toml:"host"`
}

// FederationConfig defines outbound federation link settings.
type FederationConfig struct {
	DialTimeout string `toml:"dial_timeout"`
}

// DialTimeoutParsed returns the dial timeout as a time.Duration.
func (f FederationConfig) DialTimeoutParsed() (time.Duration, error) {
	d, err := time.ParseDuration(f.DialTimeout)
	if err != nil {
		return 0, fmt.Errorf("parsing dial_timeout %q: %w", f.DialTimeout, err)
	}
	return d, nil
}

// GatewayConfig defines the optional WebSocket front door. Browser clients
// speak the same line protocol over text messages.
type GatewayConfig struct {
	Enabled bool   `toml:"enabled"`
	Listen  string `toml:"listen"`
}

// StatusConfig defines the optional HTTP status endpoint.
type StatusConfig struct {
	Enabled bool   `toml:"enabled"`
	Listen  string `toml:"listen"`
}

// LoggingConfig defines structured logging settings.
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// defaults returns a Config with sane default values for all fields.
func defaults() Config {
	return Config{
		Listen: ListenConfig{
			Host: "127.0.0.1",
		},
		Federation: FederationConfig{
			DialTimeout: "10s",
		},
		Gateway: GatewayConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8081",
		},
		Status: StatusConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8080",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads the configuration from the given TOML file path, applying
// defaults for missing values. A missing file is not an error; the defaults
// are used as-is.
func Load(path string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &cfg, nil
		}
		return nil, fmt.Errorf("reading config file %q: %w", path, err)
	}

	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %q: %w", path, err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// validate checks that configuration fields are present and valid.
func validate(cfg *Config) error {
	if cfg.Listen.Host == "" {
		return fmt.Errorf("config: listen.host is required")
	}

	if _, err := cfg.Federation.DialTimeoutParsed(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Logging.Level] {
		return fmt.Errorf("config: logging.level must be one of: debug, info, warn, error (got %q)", cfg.Logging.Level)
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[cfg.Logging.Format] {
		return fmt.Errorf("config: logging.format must be one of: json, text (got %q)", cfg.Logging.Format)
	}

	if cfg.Gateway.Enabled && cfg.Gateway.Listen == "" {
		return fmt.Errorf("config: gateway.listen is required when the gateway is enabled")
	}

	if cfg.Status.Enabled && cfg.Status.Listen == "" {
		return fmt.Errorf("config: status.listen is required when the status endpoint is enabled")
	}

	return nil
}
