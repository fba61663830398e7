package firewall

// Ruleset names the gate that produced a verdict. It is used for telemetry
// and debugging; callers must branch on Blocked, not on individual tags.
type Ruleset string

const (
	RuleAllow               Ruleset = "RULE0"  // no rule matched, allowed
	RuleAppBlocked          Ruleset = "RULE1"  // app blocked on every network
	RuleNewAppBlocked       Ruleset = "RULE1B" // newly installed app not yet allowed
	RuleUnmeteredBlocked    Ruleset = "RULE1D" // app blocked on unmetered networks
	RuleMeteredBlocked      Ruleset = "RULE1E" // app blocked on metered networks
	RuleUniversalMetered    Ruleset = "RULE1F" // metered networks blocked for all apps
	RuleIsolate             Ruleset = "RULE1G" // app isolated, only trusted rules pass
	RuleBypassDNSFirewall   Ruleset = "RULE1H" // app bypasses DNS and firewall
	RuleAppIPBlocked        Ruleset = "RULE2"  // per-app IP rule blocks
	RuleAppIPTrusted        Ruleset = "RULE2B" // per-app IP rule trusts
	RuleUniversalIPBypass   Ruleset = "RULE2C" // global IP rule bypasses universal rules
	RuleUniversalIPBlocked  Ruleset = "RULE2D" // global IP rule blocks
	RuleAppDomainBlocked    Ruleset = "RULE2E" // per-app domain rule blocks
	RuleAppDomainTrusted    Ruleset = "RULE2F" // per-app domain rule trusts
	RuleDNSIPBlocked        Ruleset = "RULE2G" // resolved IP of the query was blocked
	RuleUniversalDomainBlk  Ruleset = "RULE2H" // global domain rule blocks
	RuleUniversalDomainTrst Ruleset = "RULE2I" // global domain rule trusts
	RuleDeviceLocked        Ruleset = "RULE3"  // blocked while device is locked
	RuleBackground          Ruleset = "RULE4"  // background data blocked
	RuleUnknownApp          Ruleset = "RULE5"  // owner app could not be resolved
	RuleUDPBlocked          Ruleset = "RULE6"  // UDP blocked except DNS and NTP
	RuleDNSBypass           Ruleset = "RULE7"  // connection skipped the DNS resolver
	RuleAppBypassUniversal  Ruleset = "RULE8"  // app bypasses universal rules
	RuleDNSProxied          Ruleset = "RULE9"  // DNS sent to the DNS proxy
	RuleOrbotSetup          Ruleset = "RULE9B" // Orbot driver app allowed
	RuleHTTPBlocked         Ruleset = "RULE10" // plain HTTP blocked
	RuleUniversalLockdown   Ruleset = "RULE11" // lockdown blocks all untrusted traffic
	RuleProxied             Ruleset = "RULE12" // allowed, routed through a proxy
	RuleLoopbackExit        Ruleset = "RULE14" // allowed, exits via the loopback base proxy
	RuleExcludedFromProxy   Ruleset = "RULE15" // allowed, app excluded from proxies
	RuleLockdownPaused      Ruleset = "RULE16" // app paused while lockdown is active
	RuleWireGuardBlocked    Ruleset = "RULE17" // WireGuard hop chain contains the block hop
	RuleFailClosed          Ruleset = "RULE18" // evaluation fault, failed closed
	RuleTempAllowed         Ruleset = "RULE19" // app temporarily allowed
)

var blockedRulesets = map[Ruleset]bool{
	RuleAppBlocked:         true,
	RuleNewAppBlocked:      true,
	RuleUnmeteredBlocked:   true,
	RuleMeteredBlocked:     true,
	RuleUniversalMetered:   true,
	RuleIsolate:            true,
	RuleAppIPBlocked:       true,
	RuleUniversalIPBlocked: true,
	RuleAppDomainBlocked:   true,
	RuleDNSIPBlocked:       true,
	RuleUniversalDomainBlk: true,
	RuleDeviceLocked:       true,
	RuleBackground:         true,
	RuleUnknownApp:         true,
	RuleUDPBlocked:         true,
	RuleDNSBypass:          true,
	RuleHTTPBlocked:        true,
	RuleUniversalLockdown:  true,
	RuleLockdownPaused:     true,
	RuleWireGuardBlocked:   true,
	RuleFailClosed:         true,
}

// Blocked reports whether the ruleset is a block verdict.
func (r Ruleset) Blocked() bool {
	return blockedRulesets[r]
}

func (r Ruleset) String() string {
	return string(r)
}

// AllRulesets lists every tag in declaration order.
func AllRulesets() []Ruleset {
	return []Ruleset{
		RuleAllow, RuleAppBlocked, RuleNewAppBlocked, RuleUnmeteredBlocked,
		RuleMeteredBlocked, RuleUniversalMetered, RuleIsolate, RuleBypassDNSFirewall,
		RuleAppIPBlocked, RuleAppIPTrusted, RuleUniversalIPBypass, RuleUniversalIPBlocked,
		RuleAppDomainBlocked, RuleAppDomainTrusted, RuleDNSIPBlocked, RuleUniversalDomainBlk,
		RuleUniversalDomainTrst, RuleDeviceLocked, RuleBackground, RuleUnknownApp,
		RuleUDPBlocked, RuleDNSBypass, RuleAppBypassUniversal, RuleDNSProxied,
		RuleOrbotSetup, RuleHTTPBlocked, RuleUniversalLockdown, RuleProxied,
		RuleLoopbackExit, RuleExcludedFromProxy, RuleLockdownPaused, RuleWireGuardBlocked,
		RuleFailClosed, RuleTempAllowed,
	}
}
