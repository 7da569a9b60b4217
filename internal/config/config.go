// Package config provides configuration loading and validation for gemini-relay.
package config

import (
	"time"

	"github.com/rs/zerolog"
)

// Default values applied by ApplyDefaults.
const (
	DefaultPort               = 5000
	DefaultCooldownSeconds    = 300
	DefaultRequestsPerMinute  = 5
	DefaultRequestsPerDay     = 100
	DefaultMaxFreeKeyFailures = 6
	DefaultThresholdKB        = 3600
	DefaultRequestTimeout     = 5 * time.Minute
	DefaultFreeKeyFile        = "freekey.txt"
	DefaultPaidKeyFile        = "paidkey.txt"
	DefaultDatabasePath       = "api_keys.db"
)

// Config is the top-level configuration for gemini-relay.
type Config struct {
	// BaseURL is the prefix used to build the upstream streaming URL.
	// Required. The final URL is <base_url><model>:streamGenerateContent?alt=sse&key=<key>.
	BaseURL string `yaml:"base_url"`

	// Models is the ordered list of selectable model names. Required, non-empty.
	Models []string `yaml:"models"`

	// BasePrompt is prepended as a text part to the first user turn.
	BasePrompt string `yaml:"base_prompt"`

	// Port is the HTTP listen port.
	Port int `yaml:"port"`

	// CooldownSeconds is the default suspension duration for a key.
	CooldownSeconds int `yaml:"cooldown_seconds"`

	// RequestsPerMinute is the per-key minute cap.
	RequestsPerMinute int `yaml:"requests_per_minute"`

	// RequestsPerDay is the per-key day cap.
	RequestsPerDay int `yaml:"requests_per_day"`

	// MaxFreeKeyFailures is the free->paid tier switch threshold.
	MaxFreeKeyFailures int `yaml:"max_free_key_failures"`

	// ThresholdKB is the image compression threshold. The compressor lives
	// client-side; the option is parsed here so one config file serves both.
	ThresholdKB int `yaml:"threshold_kb"`

	// RequestTimeoutSeconds is the upstream request deadline in seconds.
	RequestTimeoutSeconds int `yaml:"request_timeout_seconds"`

	// FreeKeyFile and PaidKeyFile are the tier key list files.
	FreeKeyFile string `yaml:"free_key_file"`
	PaidKeyFile string `yaml:"paid_key_file"`

	// DatabasePath is the SQLite database file.
	DatabasePath string `yaml:"database_path"`

	// EnableHTTP2 enables HTTP/2 cleartext (h2c) serving.
	EnableHTTP2 bool `yaml:"enable_http2"`

	// IngressRPS caps accepted requests per second across the whole surface.
	// 0 disables the ingress limiter.
	IngressRPS int `yaml:"ingress_rps"`

	Logging LoggingConfig `yaml:"logging"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	// Level is one of trace, debug, info, warn, error. Default info.
	Level string `yaml:"level"`

	// Format is one of json, console, pretty. Default console (autodetect).
	Format string `yaml:"format"`

	// Output is stdout, stderr, or a file path. Default stdout.
	Output string `yaml:"output"`

	// Pretty forces pretty console output regardless of terminal detection.
	Pretty bool `yaml:"pretty"`
}

// ParseLevel converts the configured level string to a zerolog level.
// Unknown values fall back to info.
func (c LoggingConfig) ParseLevel() zerolog.Level {
	level, err := zerolog.ParseLevel(c.Level)
	if err != nil || c.Level == "" {
		return zerolog.InfoLevel
	}
	return level
}

// ApplyDefaults fills zero-valued fields with their documented defaults.
func (c *Config) ApplyDefaults() {
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.CooldownSeconds == 0 {
		c.CooldownSeconds = DefaultCooldownSeconds
	}
	if c.RequestsPerMinute == 0 {
		c.RequestsPerMinute = DefaultRequestsPerMinute
	}
	if c.RequestsPerDay == 0 {
		c.RequestsPerDay = DefaultRequestsPerDay
	}
	if c.MaxFreeKeyFailures == 0 {
		c.MaxFreeKeyFailures = DefaultMaxFreeKeyFailures
	}
	if c.ThresholdKB == 0 {
		c.ThresholdKB = DefaultThresholdKB
	}
	if c.RequestTimeoutSeconds == 0 {
		c.RequestTimeoutSeconds = int(DefaultRequestTimeout.Seconds())
	}
	if c.FreeKeyFile == "" {
		c.FreeKeyFile = DefaultFreeKeyFile
	}
	if c.PaidKeyFile == "" {
		c.PaidKeyFile = DefaultPaidKeyFile
	}
	if c.DatabasePath == "" {
		c.DatabasePath = DefaultDatabasePath
	}
}

// RequestTimeout returns the upstream deadline as a duration.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// Cooldown returns the default suspension duration.
func (c *Config) Cooldown() time.Duration {
	return time.Duration(c.CooldownSeconds) * time.Second
}
