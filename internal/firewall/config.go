package firewall

import (
	"errors"
	"time"
)

// DefaultWaitBudget is the longest an evaluation may suspend waiting for an
// app to be classified or brought to the foreground.
const DefaultWaitBudget = 10 * time.Second

// DefaultWaitBase is the first backoff step of a bounded wait.
const DefaultWaitBase = 50 * time.Millisecond

// DefaultWaitJitter is the fraction of each backoff step randomized.
const DefaultWaitJitter = 0.25

// Config holds the configuration for the firewall evaluator.
// Config is passed as a constructor argument, no file I/O in this package.
type Config struct {
	// WaitBudget caps the new-app and background-data waits.
	// Default: 10s
	WaitBudget time.Duration `yaml:"wait_budget"`

	// WaitBase is the initial backoff interval, doubled per attempt.
	// Default: 50ms
	WaitBase time.Duration `yaml:"wait_base"`

	// WaitJitter is the +/- fraction applied to each backoff interval.
	// Default: 0.25
	WaitJitter float64 `yaml:"wait_jitter"`
}

// ApplyDefaults sets default values for zero-valued fields.
func (c *Config) ApplyDefaults() {
	if c.WaitBudget == 0 {
		c.WaitBudget = DefaultWaitBudget
	}
	if c.WaitBase == 0 {
		c.WaitBase = DefaultWaitBase
	}
	if c.WaitJitter == 0 {
		c.WaitJitter = DefaultWaitJitter
	}
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	if c.WaitBudget <= 0 || c.WaitBudget > DefaultWaitBudget {
		return errors.New("firewall: config: WaitBudget must be in (0, 10s]")
	}
	if c.WaitBase <= 0 {
		return errors.New("firewall: config: WaitBase must be positive")
	}
	if c.WaitBase > c.WaitBudget {
		return errors.New("firewall: config: WaitBase must not exceed WaitBudget")
	}
	if c.WaitJitter < 0 || c.WaitJitter >= 1 {
		return errors.New("firewall: config: WaitJitter must be in [0, 1)")
	}
	return nil
}
