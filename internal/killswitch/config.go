package killswitch

import "errors"

// Config holds the configuration for the lockdown kill switch.
type Config struct {
	// Disabled turns the kill switch off; lockdown is then enforced by
	// the socket binding layer only.
	Disabled bool `yaml:"disabled"`

	// TunnelInterface is the tunnel device whose traffic stays allowed.
	// Default: tunguard0
	TunnelInterface string `yaml:"tunnel_interface"`

	// Table is the nftables table owned by the kill switch.
	// Default: tunguard
	Table string `yaml:"table"`

	// ProtectMark is the socket mark of protected sockets. It is set from
	// the binding configuration when zero.
	ProtectMark uint32 `yaml:"protect_mark"`
}

// DefaultTunnelInterface is the default tunnel device name.
const DefaultTunnelInterface = "tunguard0"

// DefaultTable is the default nftables table name.
const DefaultTable = "tunguard"

// ApplyDefaults sets default values for zero-valued fields.
func (c *Config) ApplyDefaults() {
	if c.TunnelInterface == "" {
		c.TunnelInterface = DefaultTunnelInterface
	}
	if c.Table == "" {
		c.Table = DefaultTable
	}
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	if len(c.TunnelInterface) >= 16 {
		return errors.New("killswitch: config: TunnelInterface must be shorter than 16 bytes")
	}
	if c.Table == "" {
		return errors.New("killswitch: config: Table is required")
	}
	return nil
}
