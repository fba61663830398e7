package rulestore

import (
	"maps"
	"net/netip"
	"slices"
	"strings"
	"time"

	"github.com/tunguard/tunguard/internal/firewall"
)

// App is the stored state of one app.
type App struct {
	ID                int
	Name              string
	Firewall          firewall.AppFirewallStatus
	Connection        firewall.AppConnectionStatus
	TempAllowedUntil  time.Time
	ExcludedFromProxy bool
	HopChain          []string
}

// DomainRule is one domain rule. A Domain starting with "*." matches every
// subdomain of the rest.
type DomainRule struct {
	Scope  int
	Domain string
	Status firewall.RuleStatus
}

// IPRule is one IP rule. Port 0 matches every port.
type IPRule struct {
	Scope  int
	Prefix netip.Prefix
	Port   uint16
	Status firewall.RuleStatus
}

// state is one immutable generation of the store. Writers copy it, modify
// the copy and publish it; readers never lock.
type state struct {
	settings  firewall.Settings
	selfAppID int
	routeSelf bool
	apps      map[int]App
	domains   []DomainRule
	ips       []IPRule

	domainIdx map[int]map[string]firewall.RuleStatus
	ipIdx     map[int][]IPRule
}

func newState() *state {
	return &state{
		settings:  firewall.DefaultSettings(),
		selfAppID: firewall.InvalidAppID,
		apps:      make(map[int]App),
	}
}

// index builds the lookup tables. Later rules for the same key win.
func (s *state) index() {
	s.domainIdx = make(map[int]map[string]firewall.RuleStatus)
	for _, d := range s.domains {
		m := s.domainIdx[d.Scope]
		if m == nil {
			m = make(map[string]firewall.RuleStatus)
			s.domainIdx[d.Scope] = m
		}
		m[d.Domain] = d.Status
	}
	s.ipIdx = make(map[int][]IPRule)
	for _, r := range s.ips {
		s.ipIdx[r.Scope] = append(s.ipIdx[r.Scope], r)
	}
}

// withApps returns a copy sharing everything but the app table, which the
// caller may modify.
func (s *state) withApps() *state {
	out := *s
	out.apps = maps.Clone(s.apps)
	if out.apps == nil {
		out.apps = make(map[int]App)
	}
	return &out
}

// domainStatus returns the exact rule for domain, else the nearest
// wildcard rule covering it.
func (s *state) domainStatus(scope int, domain string) firewall.RuleStatus {
	m := s.domainIdx[scope]
	if len(m) == 0 {
		return firewall.RuleNone
	}
	domain = normalizeDomain(domain)
	if st, ok := m[domain]; ok {
		return st
	}
	for rest := domain; ; {
		i := strings.IndexByte(rest, '.')
		if i < 0 {
			return firewall.RuleNone
		}
		rest = rest[i+1:]
		if st, ok := m["*."+rest]; ok {
			return st
		}
	}
}

// ipStatus returns the most specific rule covering ip:port. A longer
// prefix wins; at equal length a rule for the exact port beats port 0.
func (s *state) ipStatus(scope int, ip netip.Addr, port uint16) firewall.RuleStatus {
	best := firewall.RuleNone
	bestBits, bestExact := -1, false
	for _, r := range s.ipIdx[scope] {
		if r.Port != 0 && r.Port != port {
			continue
		}
		if !r.Prefix.Contains(ip) {
			continue
		}
		bits, exact := r.Prefix.Bits(), r.Port != 0
		if bits > bestBits || (bits == bestBits && exact && !bestExact) {
			best, bestBits, bestExact = r.Status, bits, exact
		}
	}
	return best
}

// Snapshot is a point-in-time copy of the store contents.
type Snapshot struct {
	Settings              firewall.Settings
	SelfAppID             int
	RouteSelfThroughProxy bool
	Apps                  []App
	DomainRules           []DomainRule
	IPRules               []IPRule
	LoadedAt              time.Time
}

func (s *state) snapshot(loadedAt time.Time) Snapshot {
	snap := Snapshot{
		Settings:              s.settings,
		SelfAppID:             s.selfAppID,
		RouteSelfThroughProxy: s.routeSelf,
		DomainRules:           slices.Clone(s.domains),
		IPRules:               slices.Clone(s.ips),
		LoadedAt:              loadedAt,
	}
	snap.Settings.Proxy = cloneProxy(s.settings.Proxy)
	for _, a := range s.apps {
		a.HopChain = slices.Clone(a.HopChain)
		snap.Apps = append(snap.Apps, a)
	}
	slices.SortFunc(snap.Apps, func(a, b App) int { return a.ID - b.ID })
	return snap
}

func cloneProxy(p firewall.ProxySettings) firewall.ProxySettings {
	p.Orbot.IncludedApps = slices.Clone(p.Orbot.IncludedApps)
	p.SOCKS5.IncludedApps = slices.Clone(p.SOCKS5.IncludedApps)
	p.HTTP.IncludedApps = slices.Clone(p.HTTP.IncludedApps)
	p.DNSProxy.IncludedApps = slices.Clone(p.DNSProxy.IncludedApps)
	return p
}
