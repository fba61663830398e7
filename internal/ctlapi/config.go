package ctlapi

import (
	"errors"
	"time"
)

// Config holds the configuration for the local control API server.
// Config is passed as a constructor argument. It does no file I/O.
type Config struct {
	// SocketPath is the path to the Unix domain socket.
	// Default: /var/run/tunguard/ctl.sock
	SocketPath string `yaml:"socket_path"`

	// ProtectSocketPath is the SOCK_SEQPACKET socket on which tunnel
	// processes hand over sockets to protect or bind.
	// Default: /var/run/tunguard/protect.sock
	ProtectSocketPath string `yaml:"protect_socket_path"`

	// HTTPEnabled enables the optional TCP listener with bearer token auth.
	// Default: false
	HTTPEnabled bool `yaml:"http_enabled"`

	// HTTPListen is the TCP listen address.
	// Default: 127.0.0.1:9110
	HTTPListen string `yaml:"http_listen"`

	// HTTPTokenFile is the path to the bearer token file.
	HTTPTokenFile string `yaml:"http_token_file"`

	// ControlGroup is the group whose members may change state over the
	// Unix socket. Root is always allowed.
	// Default: tunguard
	ControlGroup string `yaml:"control_group"`

	// ShutdownTimeout is the maximum time to wait for a graceful shutdown.
	// Default: 5s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DefaultSocketPath is the default Unix domain socket path.
const DefaultSocketPath = "/var/run/tunguard/ctl.sock"

// DefaultProtectSocketPath is the default socket handover path.
const DefaultProtectSocketPath = "/var/run/tunguard/protect.sock"

// DefaultHTTPListen is the default TCP listen address.
const DefaultHTTPListen = "127.0.0.1:9110"

// DefaultControlGroup is the default control group name.
const DefaultControlGroup = "tunguard"

// DefaultShutdownTimeout is the default graceful shutdown timeout.
const DefaultShutdownTimeout = 5 * time.Second

// ApplyDefaults sets default values for zero-valued fields.
func (c *Config) ApplyDefaults() {
	if c.SocketPath == "" {
		c.SocketPath = DefaultSocketPath
	}
	if c.ProtectSocketPath == "" {
		c.ProtectSocketPath = DefaultProtectSocketPath
	}
	if c.HTTPListen == "" {
		c.HTTPListen = DefaultHTTPListen
	}
	if c.ControlGroup == "" {
		c.ControlGroup = DefaultControlGroup
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
}

// Validate checks that required fields are set and values are acceptable.
func (c *Config) Validate() error {
	if c.SocketPath == "" {
		return errors.New("ctlapi: config: SocketPath is required")
	}
	if c.ProtectSocketPath == c.SocketPath {
		return errors.New("ctlapi: config: ProtectSocketPath must differ from SocketPath")
	}
	if c.HTTPEnabled && c.HTTPTokenFile == "" {
		return errors.New("ctlapi: config: HTTPTokenFile is required when HTTPEnabled is set")
	}
	if c.ShutdownTimeout <= 0 {
		return errors.New("ctlapi: config: ShutdownTimeout must be positive")
	}
	return nil
}
