package agent

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tunguard/tunguard/internal/binding"
	"github.com/tunguard/tunguard/internal/ctlapi"
	"github.com/tunguard/tunguard/internal/firewall"
	"github.com/tunguard/tunguard/internal/killswitch"
	"github.com/tunguard/tunguard/internal/netmon"
	"github.com/tunguard/tunguard/internal/rulestore"
	"github.com/tunguard/tunguard/internal/wireguard"
)

// DefaultLogLevel is the default log level.
const DefaultLogLevel = "info"

// AgentConfig is the top-level configuration for the tunguard agent.
// It aggregates all subsystem configurations and is populated from
// a YAML configuration file via ParseConfig.
type AgentConfig struct {
	// LogLevel is the log level: "debug", "info", "warn", "error".
	// Default: "info"
	LogLevel string `yaml:"log_level"`

	Firewall   firewall.Config   `yaml:"firewall"`
	Rules      rulestore.Config  `yaml:"rules"`
	Binding    binding.Config    `yaml:"binding"`
	NetMon     netmon.Config     `yaml:"netmon"`
	WireGuard  wireguard.Config  `yaml:"wireguard"`
	KillSwitch killswitch.Config `yaml:"kill_switch"`
	CtlAPI     ctlapi.Config     `yaml:"ctl_api"`
	Stats      StatsConfig       `yaml:"stats"`
}

// ApplyDefaults sets default values for zero-valued fields.
func (c *AgentConfig) ApplyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	c.Firewall.ApplyDefaults()
	c.Rules.ApplyDefaults()
	c.Binding.ApplyDefaults()
	c.NetMon.ApplyDefaults()
	c.WireGuard.ApplyDefaults()
	c.KillSwitch.ApplyDefaults()
	if c.KillSwitch.ProtectMark == 0 {
		c.KillSwitch.ProtectMark = c.Binding.ProtectMark
	}
	c.CtlAPI.ApplyDefaults()
	c.Stats.ApplyDefaults()
}

// Validate checks that required fields are set and values are acceptable.
func (c *AgentConfig) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("agent: config: invalid log level %q", c.LogLevel)
	}
	if c.KillSwitch.ProtectMark != c.Binding.ProtectMark {
		return fmt.Errorf("agent: config: kill_switch.protect_mark %#x differs from binding.protect_mark %#x",
			c.KillSwitch.ProtectMark, c.Binding.ProtectMark)
	}
	for _, v := range []interface{ Validate() error }{
		&c.Firewall,
		&c.Rules,
		&c.Binding,
		&c.NetMon,
		&c.WireGuard,
		&c.KillSwitch,
		&c.CtlAPI,
		&c.Stats,
	} {
		if err := v.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// ParseConfig reads a YAML configuration file and returns an AgentConfig.
// It applies defaults and validates the configuration.
func ParseConfig(path string) (*AgentConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("agent: config: read %s: %w", path, err)
	}
	var cfg AgentConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("agent: config: parse %s: %w", path, err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
