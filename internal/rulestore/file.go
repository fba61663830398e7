package rulestore

import (
	"fmt"
	"net/netip"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tunguard/tunguard/internal/firewall"
)

// fileRules is the on-disk layout of the rules file.
type fileRules struct {
	SelfAppID             int               `yaml:"self_app_id"`
	RouteSelfThroughProxy bool              `yaml:"route_self_through_proxy,omitempty"`
	Settings              firewall.Settings `yaml:"settings"`
	Apps                  []fileApp         `yaml:"apps,omitempty"`
	DomainRules           []fileDomainRule  `yaml:"domain_rules,omitempty"`
	IPRules               []fileIPRule      `yaml:"ip_rules,omitempty"`
}

type fileApp struct {
	ID                int        `yaml:"id"`
	Name              string     `yaml:"name,omitempty"`
	Firewall          string     `yaml:"firewall,omitempty"`
	Connection        string     `yaml:"connection,omitempty"`
	TempAllowedUntil  *time.Time `yaml:"temp_allowed_until,omitempty"`
	ExcludedFromProxy bool       `yaml:"excluded_from_proxy,omitempty"`
	HopChain          []string   `yaml:"hop_chain,omitempty,flow"`
}

// fileDomainRule applies to every app when App is omitted.
type fileDomainRule struct {
	App    *int   `yaml:"app,omitempty"`
	Domain string `yaml:"domain"`
	Status string `yaml:"status"`
}

// fileIPRule applies to every app when App is omitted. IP is an address or
// a CIDR prefix; Port 0 matches every port.
type fileIPRule struct {
	App    *int   `yaml:"app,omitempty"`
	IP     string `yaml:"ip"`
	Port   uint16 `yaml:"port,omitempty"`
	Status string `yaml:"status"`
}

// parseRules decodes and validates a rules file into a state.
func parseRules(data []byte) (*state, error) {
	fr := fileRules{
		SelfAppID: firewall.InvalidAppID,
		Settings:  firewall.DefaultSettings(),
	}
	if err := yaml.Unmarshal(data, &fr); err != nil {
		return nil, fmt.Errorf("rulestore: parse: %w", err)
	}

	st := newState()
	st.selfAppID = fr.SelfAppID
	st.routeSelf = fr.RouteSelfThroughProxy
	st.settings = fr.Settings

	for i, fa := range fr.Apps {
		if !firewall.ValidAppID(fa.ID) {
			return nil, fmt.Errorf("rulestore: parse: apps[%d]: invalid id %d", i, fa.ID)
		}
		if _, dup := st.apps[fa.ID]; dup {
			return nil, fmt.Errorf("rulestore: parse: apps[%d]: duplicate id %d", i, fa.ID)
		}
		fw, err := firewall.ParseAppFirewallStatus(fa.Firewall)
		if err != nil {
			return nil, fmt.Errorf("rulestore: parse: apps[%d]: %w", i, err)
		}
		conn, err := firewall.ParseAppConnectionStatus(fa.Connection)
		if err != nil {
			return nil, fmt.Errorf("rulestore: parse: apps[%d]: %w", i, err)
		}
		app := App{
			ID:                fa.ID,
			Name:              fa.Name,
			Firewall:          fw,
			Connection:        conn,
			ExcludedFromProxy: fa.ExcludedFromProxy,
			HopChain:          fa.HopChain,
		}
		if fa.TempAllowedUntil != nil {
			app.TempAllowedUntil = *fa.TempAllowedUntil
		}
		st.apps[fa.ID] = app
	}

	for i, fd := range fr.DomainRules {
		status, err := firewall.ParseRuleStatus(fd.Status)
		if err != nil {
			return nil, fmt.Errorf("rulestore: parse: domain_rules[%d]: %w", i, err)
		}
		domain := normalizeDomain(fd.Domain)
		if domain == "" || domain == "*." {
			return nil, fmt.Errorf("rulestore: parse: domain_rules[%d]: empty domain", i)
		}
		if !validScope(fd.App) {
			return nil, fmt.Errorf("rulestore: parse: domain_rules[%d]: invalid app %d", i, *fd.App)
		}
		st.domains = append(st.domains, DomainRule{Scope: scopeOf(fd.App), Domain: domain, Status: status})
	}

	for i, fi := range fr.IPRules {
		status, err := firewall.ParseRuleStatus(fi.Status)
		if err != nil {
			return nil, fmt.Errorf("rulestore: parse: ip_rules[%d]: %w", i, err)
		}
		prefix, err := parsePrefix(fi.IP)
		if err != nil {
			return nil, fmt.Errorf("rulestore: parse: ip_rules[%d]: %w", i, err)
		}
		if !validScope(fi.App) {
			return nil, fmt.Errorf("rulestore: parse: ip_rules[%d]: invalid app %d", i, *fi.App)
		}
		st.ips = append(st.ips, IPRule{Scope: scopeOf(fi.App), Prefix: prefix, Port: fi.Port, Status: status})
	}

	st.index()
	return st, nil
}

// marshalRules encodes a state back into the rules file layout.
func marshalRules(st *state) ([]byte, error) {
	fr := fileRules{
		SelfAppID:             st.selfAppID,
		RouteSelfThroughProxy: st.routeSelf,
		Settings:              st.settings,
	}

	ids := make([]int, 0, len(st.apps))
	for id := range st.apps {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		a := st.apps[id]
		fa := fileApp{
			ID:                a.ID,
			Name:              a.Name,
			ExcludedFromProxy: a.ExcludedFromProxy,
			HopChain:          a.HopChain,
		}
		if a.Firewall != firewall.StatusNone {
			fa.Firewall = a.Firewall.String()
		}
		if a.Connection != firewall.ConnAllow {
			fa.Connection = a.Connection.String()
		}
		if !a.TempAllowedUntil.IsZero() {
			t := a.TempAllowedUntil
			fa.TempAllowedUntil = &t
		}
		fr.Apps = append(fr.Apps, fa)
	}

	for _, d := range st.domains {
		fr.DomainRules = append(fr.DomainRules, fileDomainRule{App: appOf(d.Scope), Domain: d.Domain, Status: d.Status.String()})
	}
	for _, r := range st.ips {
		ip := r.Prefix.String()
		if r.Prefix.IsSingleIP() {
			ip = r.Prefix.Addr().String()
		}
		fr.IPRules = append(fr.IPRules, fileIPRule{App: appOf(r.Scope), IP: ip, Port: r.Port, Status: r.Status.String()})
	}

	data, err := yaml.Marshal(&fr)
	if err != nil {
		return nil, fmt.Errorf("rulestore: marshal: %w", err)
	}
	return data, nil
}

func scopeOf(app *int) int {
	if app == nil {
		return firewall.EverybodyAppID
	}
	return *app
}

func validScope(app *int) bool {
	return app == nil || firewall.ValidAppID(*app) || *app == firewall.EverybodyAppID
}

func appOf(scope int) *int {
	if scope == firewall.EverybodyAppID {
		return nil
	}
	s := scope
	return &s
}

func normalizeDomain(d string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(d)), ".")
}

func parsePrefix(s string) (netip.Prefix, error) {
	s = strings.TrimSpace(s)
	if strings.Contains(s, "/") {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return netip.Prefix{}, err
		}
		return p.Masked(), nil
	}
	ip, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, err
	}
	return netip.PrefixFrom(ip, ip.BitLen()), nil
}
