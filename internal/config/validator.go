package config

import (
	"errors"
	"fmt"
)

// Validation errors.
var (
	ErrMissingBaseURL = errors.New("config: base_url is required")
	ErrNoModels       = errors.New("config: models must list at least one model")
)

// Validate checks that required fields are present and numeric options are sane.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return ErrMissingBaseURL
	}
	if len(c.Models) == 0 {
		return ErrNoModels
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("config: invalid port %d", c.Port)
	}
	if c.RequestsPerMinute < 1 {
		return fmt.Errorf("config: requests_per_minute must be positive, got %d", c.RequestsPerMinute)
	}
	if c.RequestsPerDay < 1 {
		return fmt.Errorf("config: requests_per_day must be positive, got %d", c.RequestsPerDay)
	}
	if c.MaxFreeKeyFailures < 1 {
		return fmt.Errorf("config: max_free_key_failures must be positive, got %d", c.MaxFreeKeyFailures)
	}
	if c.CooldownSeconds < 1 {
		return fmt.Errorf("config: cooldown_seconds must be positive, got %d", c.CooldownSeconds)
	}
	return nil
}
