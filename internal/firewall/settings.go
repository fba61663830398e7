package firewall

// SpecialProxy describes one single-app proxy (Orbot, SOCKS5, HTTP or the
// DNS proxy). AppID is the app that drives the proxy; its own traffic must
// never be sent back into it.
type SpecialProxy struct {
	Enabled bool `yaml:"enabled" json:"enabled"`

	// AppID is the driver app, InvalidAppID when none is assigned.
	AppID int `yaml:"app_id" json:"app_id"`

	// IncludedApps restricts which apps are routed through the proxy.
	// Empty means every app.
	IncludedApps []int `yaml:"included_apps,omitempty" json:"included_apps,omitempty"`
}

// Assigned reports whether the proxy has a driver app.
func (p SpecialProxy) Assigned() bool {
	return ValidAppID(p.AppID)
}

// IsDriver reports whether appID drives this proxy.
func (p SpecialProxy) IsDriver(appID int) bool {
	return p.Assigned() && p.AppID == appID
}

// Includes reports whether appID is routed through this proxy.
func (p SpecialProxy) Includes(appID int) bool {
	if len(p.IncludedApps) == 0 {
		return true
	}
	for _, id := range p.IncludedApps {
		if id == appID {
			return true
		}
	}
	return false
}

// ProxySettings is the proxy configuration consulted by both the evaluator
// and the routing resolver.
type ProxySettings struct {
	// AutoProxyEnabled selects the "Auto" exit instead of "Exit".
	AutoProxyEnabled bool `yaml:"auto_proxy" json:"auto_proxy"`

	Orbot    SpecialProxy `yaml:"orbot" json:"orbot"`
	SOCKS5   SpecialProxy `yaml:"socks5" json:"socks5"`
	HTTP     SpecialProxy `yaml:"http" json:"http"`
	DNSProxy SpecialProxy `yaml:"dns_proxy" json:"dns_proxy"`
}

// AnyProxyEnabled reports whether Orbot, SOCKS5 or HTTP proxying is on.
func (p ProxySettings) AnyProxyEnabled() bool {
	return p.Orbot.Enabled || p.SOCKS5.Enabled || p.HTTP.Enabled
}

// IsSpecialProxyApp reports whether appID drives any enabled special proxy.
func (p ProxySettings) IsSpecialProxyApp(appID int) bool {
	for _, sp := range []SpecialProxy{p.DNSProxy, p.SOCKS5, p.HTTP, p.Orbot} {
		if sp.Enabled && sp.IsDriver(appID) {
			return true
		}
	}
	return false
}

// Settings is a read-only snapshot of the global toggles. It is passed by
// value into every evaluation.
type Settings struct {
	BlockUnknownConnections bool `yaml:"block_unknown_connections" json:"block_unknown_connections"`
	BlockNewApps            bool `yaml:"block_new_apps" json:"block_new_apps"`
	BlockMetered            bool `yaml:"block_metered" json:"block_metered"`
	BlockHTTP               bool `yaml:"block_http" json:"block_http"`
	BlockUDP                bool `yaml:"block_udp" json:"block_udp"`
	BlockBackgroundData     bool `yaml:"block_background_data" json:"block_background_data"`
	BlockWhenDeviceLocked   bool `yaml:"block_when_device_locked" json:"block_when_device_locked"`
	DisallowDNSBypass       bool `yaml:"disallow_dns_bypass" json:"disallow_dns_bypass"`
	UniversalLockdown       bool `yaml:"universal_lockdown" json:"universal_lockdown"`
	FilterIPv4InIPv6        bool `yaml:"filter_ipv4_in_ipv6" json:"filter_ipv4_in_ipv6"`

	// MultiValueDNSAnswers limits domain rule lookups to the first
	// candidate of the comma-separated query list.
	MultiValueDNSAnswers bool `yaml:"multi_value_dns_answers" json:"multi_value_dns_answers"`

	Proxy ProxySettings `yaml:"proxy" json:"proxy"`
}

// DefaultSettings returns Settings with every toggle off and no proxy
// driver apps assigned.
func DefaultSettings() Settings {
	none := SpecialProxy{AppID: InvalidAppID}
	return Settings{
		Proxy: ProxySettings{
			Orbot:    none,
			SOCKS5:   none,
			HTTP:     none,
			DNSProxy: none,
		},
	}
}
