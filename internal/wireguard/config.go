package wireguard

import (
	"errors"
	"time"
)

// Config holds the configuration for the WireGuard hop probe.
// Config is passed as a constructor argument. It does no file I/O.
type Config struct {
	// Interfaces maps a hop proxy id to its WireGuard interface name.
	// Ids without an entry are probed under their own name.
	Interfaces map[string]string `yaml:"interfaces"`

	// HandshakeTimeout is how old the newest peer handshake may be for a
	// hop to count as active.
	// Default: 3m
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`

	// ProbeInterval is the interval between probes of the watched hops.
	// Default: 10s
	ProbeInterval time.Duration `yaml:"probe_interval"`
}

// DefaultHandshakeTimeout is the default handshake age limit. WireGuard
// re-keys every two minutes on an active session.
const DefaultHandshakeTimeout = 3 * time.Minute

// DefaultProbeInterval is the default probe interval.
const DefaultProbeInterval = 10 * time.Second

// ApplyDefaults sets default values for zero-valued fields.
func (c *Config) ApplyDefaults() {
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.ProbeInterval == 0 {
		c.ProbeInterval = DefaultProbeInterval
	}
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	if c.HandshakeTimeout <= 0 {
		return errors.New("wireguard: config: HandshakeTimeout must be positive")
	}
	if c.ProbeInterval <= 0 {
		return errors.New("wireguard: config: ProbeInterval must be positive")
	}
	for id, iface := range c.Interfaces {
		if id == "" || iface == "" {
			return errors.New("wireguard: config: Interfaces entries must not be empty")
		}
	}
	return nil
}

func (c *Config) interfaceFor(id string) string {
	if iface, ok := c.Interfaces[id]; ok {
		return iface
	}
	return id
}
