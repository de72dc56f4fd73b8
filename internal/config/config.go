// ABOUTME: Configuration loading and parsing for the chatkit clients.
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing.

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete client configuration.
type Config struct {
	API     APIConfig     `yaml:"api"`
	Channel ChannelConfig `yaml:"channel"`
	Session SessionConfig `yaml:"session"`
	Logging LoggingConfig `yaml:"logging"`
}

// APIConfig holds REST backend configuration.
type APIConfig struct {
	BaseURL string `yaml:"base_url"`
	Token   string `yaml:"token"`
	APIKey  string `yaml:"api_key"`
}

// ChannelConfig holds the channel endpoint and its timing knobs.
type ChannelConfig struct {
	URL string `yaml:"url"`

	HeartbeatInterval    time.Duration `yaml:"-"`
	ReconnectDelay       time.Duration `yaml:"-"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	TypingWindow         time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	HeartbeatIntervalRaw string `yaml:"heartbeat_interval"`
	ReconnectDelayRaw    string `yaml:"reconnect_delay"`
	TypingWindowRaw      string `yaml:"typing_window"`
}

// SessionConfig holds the identity this client connects as.
type SessionConfig struct {
	Role      string `yaml:"role"` // "agent" or "visitor"
	Identity  string `yaml:"identity"`
	WebsiteID string `yaml:"website_id"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed
// Config. Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// applyDefaults fills the timing knobs the file left unset.
func (c *Config) applyDefaults() {
	if c.Channel.HeartbeatInterval == 0 {
		c.Channel.HeartbeatInterval = 30 * time.Second
	}
	if c.Channel.ReconnectDelay == 0 {
		c.Channel.ReconnectDelay = 3 * time.Second
	}
	if c.Channel.MaxReconnectAttempts == 0 {
		c.Channel.MaxReconnectAttempts = 5
	}
	if c.Channel.TypingWindow == 0 {
		c.Channel.TypingWindow = 3 * time.Second
	}
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding
// environment variable values. Unset variables become empty strings.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and
// valid. Returns an error describing the first validation failure.
func (c *Config) Validate() error {
	if c.API.BaseURL == "" {
		return fmt.Errorf("api.base_url is required")
	}
	if c.Channel.URL == "" {
		return fmt.Errorf("channel.url is required")
	}
	if c.Session.WebsiteID == "" {
		return fmt.Errorf("session.website_id is required")
	}
	switch c.Session.Role {
	case "agent", "visitor":
	case "":
		return fmt.Errorf("session.role is required")
	default:
		return fmt.Errorf("session.role must be \"agent\" or \"visitor\", got %q", c.Session.Role)
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values.
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Channel.HeartbeatIntervalRaw != "" {
		cfg.Channel.HeartbeatInterval, err = time.ParseDuration(cfg.Channel.HeartbeatIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing heartbeat_interval %q: %w", cfg.Channel.HeartbeatIntervalRaw, err)
		}
	}

	if cfg.Channel.ReconnectDelayRaw != "" {
		cfg.Channel.ReconnectDelay, err = time.ParseDuration(cfg.Channel.ReconnectDelayRaw)
		if err != nil {
			return fmt.Errorf("parsing reconnect_delay %q: %w", cfg.Channel.ReconnectDelayRaw, err)
		}
	}

	if cfg.Channel.TypingWindowRaw != "" {
		cfg.Channel.TypingWindow, err = time.ParseDuration(cfg.Channel.TypingWindowRaw)
		if err != nil {
			return fmt.Errorf("parsing typing_window %q: %w", cfg.Channel.TypingWindowRaw, err)
		}
	}

	return nil
}
