// Package killswitch blocks all host traffic that bypasses the tunnel while
// lockdown is active. Loopback, the tunnel device and sockets carrying the
// protect mark stay allowed.
package killswitch

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/tunguard/tunguard/internal/binding"
)

// Rules describes what the lockdown chain lets through.
type Rules struct {
	TunnelInterface string
	ProtectMark     uint32
}

// Firewall abstracts the OS packet filter for testability.
type Firewall interface {
	// Install creates or replaces the lockdown chain.
	Install(table string, rules Rules) error
	// Remove deletes the lockdown table.
	// Implementations must be idempotent: removing a missing table must return nil.
	Remove(table string) error
}

// Switch engages the lockdown chain when either the network snapshot
// requests VPN lockdown or lockdown is set by hand.
type Switch struct {
	fw     Firewall
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	network bool
	manual  bool
	engaged bool
	lastErr error
}

// NewSwitch creates a new Switch. Config defaults are applied automatically.
func NewSwitch(fw Firewall, cfg Config, logger *slog.Logger) *Switch {
	cfg.ApplyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Switch{
		fw:     fw,
		cfg:    cfg,
		logger: logger,
	}
}

// HandleNetworks is a netmon change handler.
func (s *Switch) HandleNetworks(n *binding.UnderlyingNetworks) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.network = n != nil && n.VPNLockdown
	s.applyLocked()
}

// SetLockdown sets the manual lockdown request.
func (s *Switch) SetLockdown(active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.manual = active
	s.applyLocked()
}

// Engaged reports whether the lockdown chain is installed.
func (s *Switch) Engaged() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engaged
}

// Err returns the error of the last failed install or removal, if any.
func (s *Switch) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Close removes the lockdown chain if installed.
func (s *Switch) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.engaged {
		return nil
	}
	if err := s.fw.Remove(s.cfg.Table); err != nil {
		return fmt.Errorf("killswitch: close: %w", err)
	}
	s.engaged = false
	return nil
}

func (s *Switch) applyLocked() {
	if s.cfg.Disabled {
		return
	}
	want := s.network || s.manual
	if want == s.engaged && s.lastErr == nil {
		return
	}

	var err error
	if want {
		err = s.fw.Install(s.cfg.Table, Rules{
			TunnelInterface: s.cfg.TunnelInterface,
			ProtectMark:     s.cfg.ProtectMark,
		})
	} else {
		err = s.fw.Remove(s.cfg.Table)
	}
	s.lastErr = err
	if err != nil {
		s.logger.Error("kill switch update failed",
			"component", "killswitch",
			"engage", want,
			"error", err,
		)
		return
	}
	s.engaged = want
	s.logger.Info("kill switch updated",
		"component", "killswitch",
		"engaged", want,
		"tunnel", s.cfg.TunnelInterface,
	)
}
