package netmon

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"
)

// DefaultResolvConf is the resolver configuration read for DNS servers.
const DefaultResolvConf = "/etc/resolv.conf"

// DefaultRefreshInterval is the periodic refresh interval used in addition
// to netlink change notifications.
const DefaultRefreshInterval = 30 * time.Second

// DefaultMeteredInterfaces matches cellular and dial-up links.
var DefaultMeteredInterfaces = []string{"wwan*", "rmnet*", "ppp*"}

// DefaultIgnoreInterfaces matches tunnel links that are never underlying
// networks.
var DefaultIgnoreInterfaces = []string{"tun*", "wg*", "tunguard*"}

// Config holds the configuration for the network monitor.
// Config is passed as a constructor argument, no file I/O in this package
// beyond reading ResolvConf.
type Config struct {
	// MeteredInterfaces are glob patterns of metered link names.
	// Default: wwan*, rmnet*, ppp*
	MeteredInterfaces []string `yaml:"metered_interfaces"`

	// IgnoreInterfaces are glob patterns of links that are never
	// candidates for binding.
	// Default: tun*, wg*, tunguard*
	IgnoreInterfaces []string `yaml:"ignore_interfaces"`

	// ResolvConf is the path of the resolver configuration.
	// Default: /etc/resolv.conf
	ResolvConf string `yaml:"resolv_conf"`

	// RefreshInterval is the periodic refresh interval.
	// Default: 30s
	RefreshInterval time.Duration `yaml:"refresh_interval"`

	// UseActive binds every socket to the default-route network.
	UseActive bool `yaml:"use_active"`

	// VPNLockdown forbids traffic outside the tunnel.
	VPNLockdown bool `yaml:"vpn_lockdown"`
}

// ApplyDefaults sets default values for zero-valued fields.
func (c *Config) ApplyDefaults() {
	if c.MeteredInterfaces == nil {
		c.MeteredInterfaces = DefaultMeteredInterfaces
	}
	if c.IgnoreInterfaces == nil {
		c.IgnoreInterfaces = DefaultIgnoreInterfaces
	}
	if c.ResolvConf == "" {
		c.ResolvConf = DefaultResolvConf
	}
	if c.RefreshInterval == 0 {
		c.RefreshInterval = DefaultRefreshInterval
	}
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	if c.RefreshInterval < time.Second {
		return errors.New("netmon: config: RefreshInterval must be at least 1s")
	}
	for _, p := range append(append([]string(nil), c.MeteredInterfaces...), c.IgnoreInterfaces...) {
		if _, err := filepath.Match(p, ""); err != nil {
			return fmt.Errorf("netmon: config: invalid interface pattern %q: %w", p, err)
		}
	}
	return nil
}
