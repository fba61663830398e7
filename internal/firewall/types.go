// Package firewall implements the ordered firewall rule evaluator that turns
// per-app state, domain and IP rules and global toggles into a single
// terminal Ruleset for every outbound connection attempt.
package firewall

import (
	"fmt"
	"net/netip"
	"strings"
)

const (
	// InvalidAppID marks a connection whose owner could not be resolved.
	InvalidAppID = -1

	// EverybodyAppID is the scope used for global (all apps) rules.
	EverybodyAppID = -1000
)

// ValidAppID reports whether id identifies a real app.
func ValidAppID(id int) bool {
	return id >= 0
}

// Transport protocol numbers as carried in ConnectionAttempt.Protocol.
const (
	ProtoTCP = 6
	ProtoUDP = 17
)

// ConnectionAttempt describes one new flow intercepted by the tunnel.
// Everything except QueryDomain is immutable once created.
type ConnectionAttempt struct {
	ID          string
	OwnerAppID  int
	DestIP      netip.Addr
	DestPort    uint16
	Protocol    int
	QueryDomain string
	IsTCP       bool
}

// IsUDP reports whether the attempt is a UDP flow.
func (c *ConnectionAttempt) IsUDP() bool {
	return !c.IsTCP && c.Protocol == ProtoUDP
}

// AppFirewallStatus is the per-app firewall mode.
type AppFirewallStatus int

const (
	StatusNone AppFirewallStatus = iota
	StatusIsolate
	StatusBypassUniversal
	StatusBypassDNSFirewall
	StatusExclude
	StatusUntracked
)

func (s AppFirewallStatus) String() string {
	switch s {
	case StatusNone:
		return "none"
	case StatusIsolate:
		return "isolate"
	case StatusBypassUniversal:
		return "bypass_universal"
	case StatusBypassDNSFirewall:
		return "bypass_dns_firewall"
	case StatusExclude:
		return "exclude"
	case StatusUntracked:
		return "untracked"
	default:
		return "unknown"
	}
}

// ParseAppFirewallStatus parses the YAML/CLI form of an AppFirewallStatus.
func ParseAppFirewallStatus(s string) (AppFirewallStatus, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return StatusNone, nil
	case "isolate":
		return StatusIsolate, nil
	case "bypass_universal", "bypass":
		return StatusBypassUniversal, nil
	case "bypass_dns_firewall":
		return StatusBypassDNSFirewall, nil
	case "exclude":
		return StatusExclude, nil
	case "untracked":
		return StatusUntracked, nil
	default:
		return StatusNone, fmt.Errorf("firewall: unknown app firewall status %q", s)
	}
}

// AppConnectionStatus selects which network classes an app is blocked on.
type AppConnectionStatus int

const (
	// ConnAllow blocks nothing.
	ConnAllow AppConnectionStatus = iota
	// ConnMetered blocks metered destinations.
	ConnMetered
	// ConnUnmetered blocks unmetered (wifi) destinations.
	ConnUnmetered
	// ConnBoth blocks every destination.
	ConnBoth
)

func (s AppConnectionStatus) String() string {
	switch s {
	case ConnAllow:
		return "allow"
	case ConnMetered:
		return "metered"
	case ConnUnmetered:
		return "unmetered"
	case ConnBoth:
		return "both"
	default:
		return "unknown"
	}
}

// ParseAppConnectionStatus parses the YAML/CLI form of an AppConnectionStatus.
func ParseAppConnectionStatus(s string) (AppConnectionStatus, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "allow":
		return ConnAllow, nil
	case "metered":
		return ConnMetered, nil
	case "unmetered", "wifi":
		return ConnUnmetered, nil
	case "both", "block":
		return ConnBoth, nil
	default:
		return ConnAllow, fmt.Errorf("firewall: unknown app connection status %q", s)
	}
}

// RuleStatus is the status of a domain or IP rule.
type RuleStatus int

const (
	RuleNone RuleStatus = iota
	RuleTrust
	RuleBlock
	RuleBypassUniversal
)

func (s RuleStatus) String() string {
	switch s {
	case RuleNone:
		return "none"
	case RuleTrust:
		return "trust"
	case RuleBlock:
		return "block"
	case RuleBypassUniversal:
		return "bypass_universal"
	default:
		return "unknown"
	}
}

// ParseRuleStatus parses the YAML/CLI form of a RuleStatus.
func ParseRuleStatus(s string) (RuleStatus, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return RuleNone, nil
	case "trust", "allow":
		return RuleTrust, nil
	case "block", "deny":
		return RuleBlock, nil
	case "bypass_universal", "bypass":
		return RuleBypassUniversal, nil
	default:
		return RuleNone, fmt.Errorf("firewall: unknown rule status %q", s)
	}
}
