package rulestore

import (
	"errors"
	"time"
)

// DefaultPath is the default rules file location.
const DefaultPath = "/etc/tunguard/rules.yaml"

// DefaultDebounce is how long file events are coalesced before a reload.
const DefaultDebounce = 200 * time.Millisecond

// Config holds the configuration for the rule store.
type Config struct {
	// Path is the YAML rules file.
	// Default: /etc/tunguard/rules.yaml
	Path string `yaml:"path"`

	// DisableWatch turns off reloading on file changes.
	DisableWatch bool `yaml:"disable_watch"`

	// DisablePersist keeps apps registered at runtime in memory only.
	DisablePersist bool `yaml:"disable_persist"`

	// Debounce coalesces bursts of file events.
	// Default: 200ms
	Debounce time.Duration `yaml:"debounce"`
}

// ApplyDefaults sets default values for zero-valued fields.
func (c *Config) ApplyDefaults() {
	if c.Path == "" {
		c.Path = DefaultPath
	}
	if c.Debounce == 0 {
		c.Debounce = DefaultDebounce
	}
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	if c.Path == "" {
		return errors.New("rulestore: config: Path is required")
	}
	if c.Debounce < 0 {
		return errors.New("rulestore: config: Debounce must not be negative")
	}
	return nil
}
