// Package routing maps a firewall verdict and the proxy configuration to
// the upstream a connection should use. Everything here is a pure function
// of its inputs.
package routing

import (
	"slices"
	"strings"

	"github.com/tunguard/tunguard/internal/firewall"
)

// Proxy ids understood by the tunnel engine.
const (
	// ProxyBase loops back through the local virtual interface.
	ProxyBase = "Base"
	// ProxyExit sends traffic directly to the internet.
	ProxyExit = "Exit"
	// ProxyAuto lets the proxy layer pick an upstream.
	ProxyAuto = "Auto"
	// ProxyBlock is the WireGuard hop that drops everything.
	ProxyBlock = "Block"

	ProxyOrbot  = "ORBOT"
	ProxySOCKS5 = "S5"
	ProxyHTTP   = "HTTP"
	ProxyDNS    = "DNS"
)

// Reason names the step of the resolver that chose the upstream.
type Reason string

const (
	ReasonRethinkDirect    Reason = "RETHINK_DIRECT"
	ReasonExcluded         Reason = "EXCLUDED"
	ReasonWireGuardHops    Reason = "WIREGUARD_HOPS"
	ReasonNoProxyActive    Reason = "NO_PROXY_ACTIVE"
	ReasonSpecialAppDirect Reason = "SPECIAL_APP_DIRECT"
	ReasonOrbot            Reason = "ORBOT"
	ReasonSOCKS5           Reason = "SOCKS5"
	ReasonHTTP             Reason = "HTTP"
	ReasonDNSProxy         Reason = "DNS_PROXY"
	ReasonFallback         Reason = "FALLBACK_BASE_OR_EXIT"
)

func (r Reason) String() string {
	return string(r)
}

// Request carries everything the resolver looks at.
type Request struct {
	AppID     int
	SelfAppID int

	// Ruleset is the firewall verdict for the connection.
	Ruleset firewall.Ruleset

	RouteSelfThroughProxy bool
	ExcludedFromProxy     bool

	// HopChain is the ordered WireGuard proxy ids configured for the app.
	HopChain []string

	Proxy firewall.ProxySettings
}

// Decision is the upstream selected for a connection.
type Decision struct {
	ProxyIDs []string
	Reason   Reason

	// MarkBlocked is set when the chosen upstream drops traffic.
	MarkBlocked bool

	// BlockedByRuleOverride replaces the firewall ruleset when non-empty.
	BlockedByRuleOverride firewall.Ruleset

	// OrbotExcludedApp is set when Orbot is on but does not carry this app.
	OrbotExcludedApp bool
}

// ProxyIDString joins the proxy ids the way the tunnel engine expects them.
func (d Decision) ProxyIDString() string {
	return strings.Join(d.ProxyIDs, ",")
}

// Equal reports whether two decisions are identical.
func (d Decision) Equal(o Decision) bool {
	return slices.Equal(d.ProxyIDs, o.ProxyIDs) &&
		d.Reason == o.Reason &&
		d.MarkBlocked == o.MarkBlocked &&
		d.BlockedByRuleOverride == o.BlockedByRuleOverride &&
		d.OrbotExcludedApp == o.OrbotExcludedApp
}

type specialRoute struct {
	proxy  firewall.SpecialProxy
	id     string
	reason Reason
}

// Route selects the upstream for a connection.
func Route(req Request) Decision {
	isSelf := req.AppID == req.SelfAppID

	if isSelf && !req.RouteSelfThroughProxy {
		return Decision{ProxyIDs: []string{AutoOrExit(req.Proxy)}, Reason: ReasonRethinkDirect}
	}

	baseOrExit := ResolveBaseOrExit(req)

	if req.ExcludedFromProxy {
		d := Decision{ProxyIDs: []string{baseOrExit}, Reason: ReasonExcluded}
		if req.Ruleset == firewall.RuleAllow {
			d.BlockedByRuleOverride = firewall.RuleExcludedFromProxy
		}
		return d
	}

	if len(req.HopChain) > 0 && strings.Join(req.HopChain, ",") != baseOrExit {
		d := Decision{ProxyIDs: slices.Clone(req.HopChain), Reason: ReasonWireGuardHops}
		if slices.Contains(req.HopChain, ProxyBlock) {
			d.MarkBlocked = true
			d.BlockedByRuleOverride = firewall.RuleWireGuardBlocked
		}
		return d
	}

	p := req.Proxy
	if !p.AnyProxyEnabled() && !p.DNSProxy.Enabled && len(req.HopChain) == 0 {
		return Decision{ProxyIDs: []string{baseOrExit}, Reason: ReasonNoProxyActive}
	}

	for _, sr := range []specialRoute{
		{p.Orbot, ProxyOrbot, ReasonOrbot},
		{p.SOCKS5, ProxySOCKS5, ReasonSOCKS5},
		{p.HTTP, ProxyHTTP, ReasonHTTP},
		{p.DNSProxy, ProxyDNS, ReasonDNSProxy},
	} {
		if !sr.proxy.Enabled {
			continue
		}
		if sr.proxy.IsDriver(req.AppID) {
			return Decision{ProxyIDs: []string{AutoOrExit(p)}, Reason: ReasonSpecialAppDirect}
		}
		if sr.proxy.Includes(req.AppID) {
			return Decision{ProxyIDs: []string{sr.id}, Reason: sr.reason}
		}
	}

	return Decision{
		ProxyIDs:         []string{baseOrExit},
		Reason:           ReasonFallback,
		OrbotExcludedApp: p.Orbot.Enabled && !p.Orbot.Includes(req.AppID),
	}
}

// ResolveBaseOrExit picks between the loopback Base id and the Auto/Exit
// id. The app's own traffic never goes to Base while self-routing is on,
// otherwise it would loop back into itself.
func ResolveBaseOrExit(req Request) string {
	isSelf := req.AppID == req.SelfAppID
	if isSelf && req.RouteSelfThroughProxy {
		return AutoOrExit(req.Proxy)
	}
	doubleLoopback := req.RouteSelfThroughProxy && !isSelf
	if doubleLoopback || req.Ruleset == firewall.RuleLoopbackExit {
		return ProxyBase
	}
	return AutoOrExit(req.Proxy)
}

// AutoOrExit returns Auto when automatic proxy selection is on, else Exit.
func AutoOrExit(p firewall.ProxySettings) string {
	if p.AutoProxyEnabled {
		return ProxyAuto
	}
	return ProxyExit
}
