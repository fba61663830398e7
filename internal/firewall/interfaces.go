package firewall

import "net/netip"

// RuleStore is the read side of the rule and app state store. Lookups may
// fail when the store is unavailable; the evaluator treats a failed lookup
// as "no rule" at that gate.
type RuleStore interface {
	AppFirewallStatus(appID int) (AppFirewallStatus, error)
	AppConnectionStatus(appID int) (AppConnectionStatus, error)
	IsTempAllowed(appID int) (bool, error)
	IsKnownApp(appID int) (bool, error)
	// DomainRuleStatus returns the rule for a lower-cased domain in scope,
	// where scope is an app id or EverybodyAppID.
	DomainRuleStatus(scope int, domain string) (RuleStatus, error)
	// IPRuleStatus returns the rule for ip:port in scope. Port 0 rules
	// match every port.
	IPRuleStatus(scope int, ip netip.Addr, port uint16) (RuleStatus, error)
	// RegisterNewApp records a newly seen app. It must not block.
	RegisterNewApp(appID int)
}

// DeviceState exposes the live device and network signals the evaluator
// consults.
type DeviceState interface {
	IsLockdownActive() (bool, error)
	IsAppPaused(appID int) (bool, error)
	IsDestinationMetered(ip netip.Addr) (bool, error)
	IsAppForeground(appID int) (bool, error)
	IsDeviceLocked() (bool, error)
}
