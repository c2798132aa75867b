// Package config provides configuration loading and defaults for the
// imesignals daemon.
//
// Configuration is loaded from a TOML file in the data directory. It covers
// the broadcast bus, the optional webhook notifier and logging.
package config

//go:generate go run ../../cmd/genconfig

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/bmatcuk/doublestar/v4"

	"tools.zach/dev/imesignals/internal/logger"
	"tools.zach/dev/imesignals/internal/paths"
)

// CurrentVersion is the config schema version this build writes.
const CurrentVersion = 1

// ///////////////////////////////////////////////
// Configuration Types
// ///////////////////////////////////////////////

// Config represents the top-level application configuration.
type Config struct {
	// Version is the config schema version.
	Version int `toml:"version"`
	// Bus holds broadcast bus settings.
	Bus BusConfig `toml:"bus"`
	// Webhook holds the optional HTTP notifier settings.
	Webhook WebhookConfig `toml:"webhook"`
	// Log holds logging settings.
	Log LogConfig `toml:"log"`
}

// BusConfig holds broadcast bus settings.
type BusConfig struct {
	// Name is the socket or pipe base name used for slot discovery.
	Name string `toml:"name"`
	// Socket is an explicit socket or pipe path that overrides discovery.
	Socket string `toml:"socket"`
	// QueueSize bounds each subscriber's outbound queue.
	QueueSize int `toml:"queue_size"`
	// PublishAllow lists doublestar patterns of actions remote publishers may
	// broadcast. An empty list denies them all.
	PublishAllow []string `toml:"publish_allow"`
}

// WebhookConfig holds settings for posting log events to an HTTP endpoint.
type WebhookConfig struct {
	// Enabled turns the webhook notifier on.
	Enabled bool `toml:"enabled"`
	// URL receives a JSON POST per event.
	URL string `toml:"url"`
	// RetryMax is the number of retries after the first attempt.
	RetryMax int `toml:"retry_max"`
	// TimeoutSeconds bounds each HTTP attempt.
	TimeoutSeconds int `toml:"timeout_seconds"`
	// QueueSize bounds events waiting to be posted.
	QueueSize int `toml:"queue_size"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	// Level is the minimum log level (trace, debug, info, warn, error).
	Level string `toml:"level"`
	// MaxSizeMB is the maximum log file size in megabytes before rotation.
	MaxSizeMB int `toml:"max_size_mb"`
}

// ///////////////////////////////////////////////
// Default Configuration
// ///////////////////////////////////////////////

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Version: CurrentVersion,
		Bus: BusConfig{
			Name:         "imesignals-bus",
			QueueSize:    64,
			PublishAllow: []string{"**"},
		},
		Webhook: WebhookConfig{
			Enabled:        false,
			RetryMax:       2,
			TimeoutSeconds: 10,
			QueueSize:      32,
		},
		Log: LogConfig{
			Level:     "info",
			MaxSizeMB: 10,
		},
	}
}

// ///////////////////////////////////////////////
// PeekVersion
// ///////////////////////////////////////////////

// PeekVersion reads just the version field from raw TOML bytes.
// Returns 1 if the version field is missing or zero.
func PeekVersion(data []byte) int {
	var v struct {
		Version int `toml:"version"`
	}
	if err := toml.Unmarshal(data, &v); err != nil {
		return 1
	}
	if v.Version == 0 {
		return 1
	}
	return v.Version
}

// ///////////////////////////////////////////////
// Loading and Saving
// ///////////////////////////////////////////////

// Load reads and parses the configuration file from dataDir/config.toml.
// If the file doesn't exist, returns DefaultConfig.
func Load(dataDir string) (*Config, error) {
	return LoadFile(filepath.Join(dataDir, paths.ConfigFile))
}

// LoadFile reads and parses the configuration file at path. Keys absent from
// the file keep their defaults.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes TOML data over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	if v := PeekVersion(data); v > CurrentVersion {
		return nil, fmt.Errorf("config version %d is newer than supported version %d", v, CurrentVersion)
	}

	cfg := DefaultConfig()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.Version = CurrentVersion
	// An explicit empty list denies every remote broadcast; keep it
	// distinct from nil, which the bus server reads as unrestricted.
	if cfg.Bus.PublishAllow == nil {
		cfg.Bus.PublishAllow = []string{}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// ///////////////////////////////////////////////
// Validation
// ///////////////////////////////////////////////

// Validate checks that all configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	if c.Bus.Name == "" && c.Bus.Socket == "" {
		return fmt.Errorf("bus.name must be set when bus.socket is empty")
	}

	if c.Bus.QueueSize <= 0 {
		return fmt.Errorf("bus.queue_size must be > 0, got %d", c.Bus.QueueSize)
	}

	for _, pattern := range c.Bus.PublishAllow {
		if !doublestar.ValidatePattern(pattern) {
			return fmt.Errorf("invalid bus.publish_allow pattern %q", pattern)
		}
	}

	if c.Webhook.RetryMax < 0 {
		return fmt.Errorf("webhook.retry_max must be >= 0, got %d", c.Webhook.RetryMax)
	}

	if c.Webhook.TimeoutSeconds <= 0 {
		return fmt.Errorf("webhook.timeout_seconds must be > 0, got %d", c.Webhook.TimeoutSeconds)
	}

	if c.Webhook.QueueSize <= 0 {
		return fmt.Errorf("webhook.queue_size must be > 0, got %d", c.Webhook.QueueSize)
	}

	if c.Webhook.Enabled {
		u, err := url.Parse(c.Webhook.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("invalid webhook.url %q: must be an http or https URL", c.Webhook.URL)
		}
	}

	if !logger.ValidLevel(c.Log.Level) {
		return fmt.Errorf("invalid log.level %q: must be trace, debug, info, warn, error, or fail", c.Log.Level)
	}

	if c.Log.MaxSizeMB <= 0 {
		return fmt.Errorf("log.max_size_mb must be > 0, got %d", c.Log.MaxSizeMB)
	}

	return nil
}

// ///////////////////////////////////////////////
// Reload Helpers
// ///////////////////////////////////////////////

// RestartRequired reports whether moving from c to next changes settings the
// daemon only reads at startup. Log level and the publish allow list apply
// live; everything else needs a restart.
func (c *Config) RestartRequired(next *Config) bool {
	if c.Bus.Name != next.Bus.Name || c.Bus.Socket != next.Bus.Socket || c.Bus.QueueSize != next.Bus.QueueSize {
		return true
	}
	if c.Webhook != next.Webhook {
		return true
	}
	return c.Log.MaxSizeMB != next.Log.MaxSizeMB
}
