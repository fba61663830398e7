package firewall

import (
	"context"
	"log/slog"
	"net/netip"
	"strings"
)

// Well-known ports consulted by the universal gates.
const (
	portDNS    = 53
	portNTP    = 123
	portHTTP   = 80
	portDNSTLS = 853
)

// nat64Prefix is the well-known NAT64 prefix (RFC 6052).
var nat64Prefix = netip.MustParsePrefix("64:ff9b::/96")

// Input carries the per-connection facts the tunnel engine knows alongside
// the current global settings snapshot.
type Input struct {
	Settings Settings

	// DomainsCSV is the comma-separated list of query names that resolved
	// to the destination IP.
	DomainsCSV string

	// AnyRealIPBlocked is set when any IP in the DNS answer for the query
	// was itself blocked by the resolver.
	AnyRealIPBlocked bool

	// IsSpecialProxyApp is set when the owner drives an active special proxy.
	IsSpecialProxyApp bool

	// RouteSelfThroughProxy enables firewalling and proxying of own traffic.
	RouteSelfThroughProxy bool

	SelfAppID int
}

// Evaluator runs the ordered gate chain for a connection attempt. It holds
// no per-connection state and is safe for concurrent use.
type Evaluator struct {
	store  RuleStore
	device DeviceState
	cfg    Config
	clock  Clock
	logger *slog.Logger
}

// NewEvaluator creates an Evaluator. Config defaults are applied automatically.
func NewEvaluator(store RuleStore, device DeviceState, cfg Config, logger *slog.Logger) *Evaluator {
	cfg.ApplyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{
		store:  store,
		device: device,
		cfg:    cfg,
		clock:  realClock{},
		logger: logger.With("component", "firewall"),
	}
}

// SetClock sets a custom clock implementation for testing.
func (e *Evaluator) SetClock(c Clock) {
	e.clock = c
}

// Evaluate returns the terminal Ruleset for conn. It never panics: a fault
// anywhere in the chain yields RuleFailClosed. It may suspend for up to the
// configured wait budget when new apps or background data are blocked.
func (e *Evaluator) Evaluate(ctx context.Context, conn *ConnectionAttempt, in Input) (rs Ruleset) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("evaluation fault, failing closed",
				"conn_id", connID(conn),
				"panic", r,
			)
			rs = RuleFailClosed
		}
	}()

	rs = e.evaluate(ctx, conn, in)

	e.logger.Debug("connection evaluated",
		"conn_id", conn.ID,
		"app_id", conn.OwnerAppID,
		"dst", netip.AddrPortFrom(conn.DestIP, conn.DestPort).String(),
		"ruleset", rs,
		"blocked", rs.Blocked(),
	)
	return rs
}

func (e *Evaluator) evaluate(ctx context.Context, conn *ConnectionAttempt, in Input) Ruleset {
	uid := conn.OwnerAppID
	s := in.Settings

	if uid == in.SelfAppID && !in.RouteSelfThroughProxy {
		return RuleAllow
	}

	if s.Proxy.Orbot.IsDriver(uid) {
		return RuleOrbotSetup
	}

	if s.BlockUnknownConnections && !ValidAppID(uid) {
		return RuleUnknownApp
	}

	if ValidAppID(uid) && !e.isKnownApp(conn) {
		e.store.RegisterNewApp(uid)
		if s.BlockNewApps {
			allowed := e.waitUntil(ctx, func() bool {
				return e.isKnownApp(conn) && e.connectionStatus(conn) != ConnBoth
			})
			if !allowed {
				return RuleNewAppBlocked
			}
		}
	}

	if e.isTempAllowed(conn) {
		return RuleTempAllowed
	}

	metered := newLazyBool(func() bool { return e.isMetered(conn) })

	switch e.connectionStatus(conn) {
	case ConnBoth:
		return RuleAppBlocked
	case ConnUnmetered:
		if !metered.get() {
			return RuleUnmeteredBlocked
		}
	case ConnMetered:
		if metered.get() {
			return RuleMeteredBlocked
		}
	}

	if e.isLockdownActive(conn) && e.isAppPaused(conn) {
		return RuleLockdownPaused
	}

	candidates := domainCandidates(in.DomainsCSV, s.MultiValueDNSAnswers)
	appStatus := e.appFirewallStatus(conn)

	switch domain, st := e.domainRule(conn, uid, candidates); st {
	case RuleBlock:
		conn.QueryDomain = domain
		return RuleAppDomainBlocked
	case RuleTrust:
		conn.QueryDomain = domain
		return RuleAppDomainTrusted
	}

	switch e.ipRule(conn, uid, s.FilterIPv4InIPv6) {
	case RuleBlock:
		return RuleAppIPBlocked
	case RuleTrust:
		return RuleAppIPTrusted
	}

	switch appStatus {
	case StatusBypassDNSFirewall:
		return RuleBypassDNSFirewall
	case StatusIsolate:
		return RuleIsolate
	}

	globalDomain, globalStatus := e.domainRule(conn, EverybodyAppID, candidates)

	if appStatus == StatusBypassUniversal {
		// A blocked DNS answer still wins over bypass unless the domain
		// is globally trusted; a global domain block does not.
		if in.AnyRealIPBlocked && globalStatus != RuleTrust {
			return RuleDNSIPBlocked
		}
		if dnsProxied(conn, s) {
			return RuleDNSProxied
		}
		return RuleAppBypassUniversal
	}

	switch globalStatus {
	case RuleTrust:
		conn.QueryDomain = globalDomain
		return RuleUniversalDomainTrst
	case RuleBlock:
		conn.QueryDomain = globalDomain
		return RuleUniversalDomainBlk
	}

	switch e.ipRule(conn, EverybodyAppID, s.FilterIPv4InIPv6) {
	case RuleBlock:
		return RuleUniversalIPBlocked
	case RuleBypassUniversal:
		return RuleUniversalIPBypass
	}

	if in.AnyRealIPBlocked {
		return RuleDNSIPBlocked
	}

	if in.IsSpecialProxyApp {
		return RuleAllow
	}

	return e.universalRules(ctx, conn, s, candidates, metered)
}

// universalRules applies the global toggles, in order, to a connection no
// app-specific rule has decided.
func (e *Evaluator) universalRules(ctx context.Context, conn *ConnectionAttempt, s Settings, candidates []string, metered *lazyBool) Ruleset {
	if s.BlockMetered && metered.get() {
		return RuleUniversalMetered
	}

	if s.UniversalLockdown {
		return RuleUniversalLockdown
	}

	if s.BlockHTTP && conn.IsTCP && conn.DestPort == portHTTP {
		return RuleHTTPBlocked
	}

	if s.BlockWhenDeviceLocked && e.isDeviceLocked(conn) {
		return RuleDeviceLocked
	}

	if s.BlockUDP && conn.IsUDP() && conn.DestPort != portDNS && conn.DestPort != portNTP {
		return RuleUDPBlocked
	}

	if s.BlockBackgroundData {
		foreground := e.waitUntil(ctx, func() bool { return e.isAppForeground(conn) })
		if !foreground {
			return RuleBackground
		}
	}

	if dnsProxied(conn, s) {
		return RuleDNSProxied
	}

	if s.DisallowDNSBypass && dnsBypassed(conn, candidates) {
		return RuleDNSBypass
	}

	return RuleAllow
}

// domainRule returns the first candidate with a non-None rule in scope.
func (e *Evaluator) domainRule(conn *ConnectionAttempt, scope int, candidates []string) (string, RuleStatus) {
	for _, d := range candidates {
		st, err := e.store.DomainRuleStatus(scope, d)
		if err != nil {
			e.lookupFailed(conn, "domain_rule", err)
			continue
		}
		if st != RuleNone {
			return d, st
		}
	}
	return "", RuleNone
}

// ipRule returns the IP rule for the destination in scope. With filter4in6
// set, an IPv6 destination embedding an IPv4 address falls back to the
// IPv4 rule when the IPv6 address itself has none.
func (e *Evaluator) ipRule(conn *ConnectionAttempt, scope int, filter4in6 bool) RuleStatus {
	ip := conn.DestIP
	if !ip.IsValid() {
		return RuleNone
	}
	st, err := e.store.IPRuleStatus(scope, ip, conn.DestPort)
	if err != nil {
		e.lookupFailed(conn, "ip_rule", err)
		st = RuleNone
	}
	if st != RuleNone || !filter4in6 {
		return st
	}
	v4, ok := embeddedIPv4(ip)
	if !ok {
		return RuleNone
	}
	st, err = e.store.IPRuleStatus(scope, v4, conn.DestPort)
	if err != nil {
		e.lookupFailed(conn, "ip_rule_4in6", err)
		return RuleNone
	}
	return st
}

func (e *Evaluator) isKnownApp(conn *ConnectionAttempt) bool {
	known, err := e.store.IsKnownApp(conn.OwnerAppID)
	if err != nil {
		e.lookupFailed(conn, "known_app", err)
		return true
	}
	return known
}

func (e *Evaluator) connectionStatus(conn *ConnectionAttempt) AppConnectionStatus {
	st, err := e.store.AppConnectionStatus(conn.OwnerAppID)
	if err != nil {
		e.lookupFailed(conn, "connection_status", err)
		return ConnAllow
	}
	return st
}

func (e *Evaluator) appFirewallStatus(conn *ConnectionAttempt) AppFirewallStatus {
	st, err := e.store.AppFirewallStatus(conn.OwnerAppID)
	if err != nil {
		e.lookupFailed(conn, "firewall_status", err)
		return StatusNone
	}
	return st
}

func (e *Evaluator) isTempAllowed(conn *ConnectionAttempt) bool {
	ok, err := e.store.IsTempAllowed(conn.OwnerAppID)
	if err != nil {
		e.lookupFailed(conn, "temp_allowed", err)
		return false
	}
	return ok
}

func (e *Evaluator) isMetered(conn *ConnectionAttempt) bool {
	if !conn.DestIP.IsValid() {
		return false
	}
	ok, err := e.device.IsDestinationMetered(conn.DestIP)
	if err != nil {
		e.lookupFailed(conn, "metered", err)
		return false
	}
	return ok
}

func (e *Evaluator) isLockdownActive(conn *ConnectionAttempt) bool {
	ok, err := e.device.IsLockdownActive()
	if err != nil {
		e.lookupFailed(conn, "lockdown", err)
		return false
	}
	return ok
}

func (e *Evaluator) isAppPaused(conn *ConnectionAttempt) bool {
	ok, err := e.device.IsAppPaused(conn.OwnerAppID)
	if err != nil {
		e.lookupFailed(conn, "paused", err)
		return false
	}
	return ok
}

func (e *Evaluator) isDeviceLocked(conn *ConnectionAttempt) bool {
	ok, err := e.device.IsDeviceLocked()
	if err != nil {
		e.lookupFailed(conn, "device_locked", err)
		return false
	}
	return ok
}

func (e *Evaluator) isAppForeground(conn *ConnectionAttempt) bool {
	ok, err := e.device.IsAppForeground(conn.OwnerAppID)
	if err != nil {
		e.lookupFailed(conn, "foreground", err)
		return true
	}
	return ok
}

func (e *Evaluator) lookupFailed(conn *ConnectionAttempt, what string, err error) {
	e.logger.Debug("lookup failed, rule does not apply",
		"conn_id", conn.ID,
		"app_id", conn.OwnerAppID,
		"lookup", what,
		"error", err,
	)
}

// domainCandidates splits a comma-separated query list into lower-cased,
// non-empty names. With firstOnly set only the first token is considered.
func domainCandidates(csv string, firstOnly bool) []string {
	if csv == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	if firstOnly {
		parts = parts[:1]
	}
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(p)), ".")
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// embeddedIPv4 extracts the IPv4 address from an IPv4-mapped or NAT64
// IPv6 address.
func embeddedIPv4(ip netip.Addr) (netip.Addr, bool) {
	if !ip.Is6() {
		return netip.Addr{}, false
	}
	if ip.Is4In6() {
		return ip.Unmap(), true
	}
	if nat64Prefix.Contains(ip) {
		b := ip.As16()
		return netip.AddrFrom4([4]byte{b[12], b[13], b[14], b[15]}), true
	}
	return netip.Addr{}, false
}

// dnsProxied reports whether the connection is DNS traffic handed to the
// DNS proxy.
func dnsProxied(conn *ConnectionAttempt, s Settings) bool {
	return s.Proxy.DNSProxy.Enabled && conn.DestPort == portDNS
}

// dnsBypassed reports whether a connection reached a public address without
// any name having been resolved for it.
func dnsBypassed(conn *ConnectionAttempt, candidates []string) bool {
	if len(candidates) > 0 || conn.QueryDomain != "" {
		return false
	}
	if conn.DestPort == portDNS || conn.DestPort == portDNSTLS {
		return false
	}
	ip := conn.DestIP
	if !ip.IsValid() {
		return false
	}
	ip = ip.Unmap()
	return !(ip.IsPrivate() || ip.IsLoopback() || ip.IsLinkLocalUnicast() ||
		ip.IsUnspecified() || ip.IsMulticast())
}

func connID(conn *ConnectionAttempt) string {
	if conn == nil {
		return ""
	}
	return conn.ID
}

// lazyBool evaluates fn at most once.
type lazyBool struct {
	fn   func() bool
	done bool
	val  bool
}

func newLazyBool(fn func() bool) *lazyBool {
	return &lazyBool{fn: fn}
}

func (l *lazyBool) get() bool {
	if !l.done {
		l.val = l.fn()
		l.done = true
	}
	return l.val
}
