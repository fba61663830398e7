package binding

import (
	"errors"
	"fmt"
	"net/netip"
)

// DefaultProtectMark is the fwmark set on protected sockets. The kill switch
// lets packets carrying it leave the host outside the tunnel.
const DefaultProtectMark = 0x7467

// Config holds the configuration for the binding coordinator.
// Config is passed as a constructor argument, no file I/O in this package.
type Config struct {
	// ProtectMark is the SO_MARK value applied by Protect.
	// Default: 0x7467
	ProtectMark uint32 `yaml:"protect_mark"`

	// ExcludedPrefixes are destinations that never need an underlying
	// network, e.g. the tunnel's own address range.
	ExcludedPrefixes []string `yaml:"excluded_prefixes"`
}

// ApplyDefaults sets default values for zero-valued fields.
func (c *Config) ApplyDefaults() {
	if c.ProtectMark == 0 {
		c.ProtectMark = DefaultProtectMark
	}
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	if c.ProtectMark == 0 {
		return errors.New("binding: config: ProtectMark must be non-zero")
	}
	if _, err := c.excluded(); err != nil {
		return err
	}
	return nil
}

func (c *Config) excluded() ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(c.ExcludedPrefixes))
	for _, s := range c.ExcludedPrefixes {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return nil, fmt.Errorf("binding: config: invalid excluded prefix %q: %w", s, err)
		}
		out = append(out, p.Masked())
	}
	return out, nil
}
