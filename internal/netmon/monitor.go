// Package netmon keeps an UnderlyingNetworks snapshot current by watching
// the host's links, addresses and routes.
package netmon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"path/filepath"
	"runtime/debug"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tunguard/tunguard/internal/binding"
)

// ChangeHandler is invoked with every newly built snapshot.
type ChangeHandler func(*binding.UnderlyingNetworks)

// Monitor builds UnderlyingNetworks snapshots from a Source and hands them
// to registered handlers.
type Monitor struct {
	src       Source
	cfg       Config
	logger    *slog.Logger
	handlers  []ChangeHandler
	current   atomic.Pointer[binding.UnderlyingNetworks]
	triggerCh chan struct{}

	mu          sync.Mutex
	lastRefresh time.Time
}

// NewMonitor creates a new Monitor. Config defaults are applied automatically.
func NewMonitor(src Source, cfg Config, logger *slog.Logger) *Monitor {
	cfg.ApplyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		src:       src,
		cfg:       cfg,
		logger:    logger,
		triggerCh: make(chan struct{}, 1),
	}
}

// RegisterHandler adds a handler invoked after each refresh.
// RegisterHandler must be called before Run; it is not safe for concurrent use.
func (m *Monitor) RegisterHandler(h ChangeHandler) {
	m.handlers = append(m.handlers, h)
}

// Current returns the latest snapshot, or nil before the first refresh.
func (m *Monitor) Current() *binding.UnderlyingNetworks {
	return m.current.Load()
}

// LastRefresh returns the time of the last successful refresh.
func (m *Monitor) LastRefresh() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastRefresh
}

// TriggerRefresh requests an immediate refresh.
// Multiple rapid calls are coalesced.
func (m *Monitor) TriggerRefresh() {
	select {
	case m.triggerCh <- struct{}{}:
	default:
	}
}

// Run refreshes immediately, then on every change notification and every
// RefreshInterval. It blocks until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	if m.src == nil {
		return errors.New("netmon: source is nil")
	}

	m.logger.Info("network monitor started",
		"component", "netmon",
		"interval", m.cfg.RefreshInterval,
	)

	var wg sync.WaitGroup
	if w, ok := m.src.(Watcher); ok {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := w.Watch(ctx, m.TriggerRefresh); err != nil {
				m.logger.Warn("netlink watch stopped, falling back to polling",
					"component", "netmon",
					"error", err,
				)
			}
		}()
	}
	defer wg.Wait()

	m.refreshAndLog()

	ticker := time.NewTicker(m.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("network monitor stopped", "component", "netmon")
			return ctx.Err()
		case <-ticker.C:
			m.refreshAndLog()
		case <-m.triggerCh:
			m.refreshAndLog()
			ticker.Reset(m.cfg.RefreshInterval)
		}
	}
}

func (m *Monitor) refreshAndLog() {
	if _, err := m.Refresh(); err != nil {
		m.logger.Warn("network refresh failed",
			"component", "netmon",
			"error", err,
		)
	}
}

// Refresh builds and publishes a new snapshot.
func (m *Monitor) Refresh() (*binding.UnderlyingNetworks, error) {
	links, err := m.src.Links()
	if err != nil {
		return nil, err
	}

	byIndex := make(map[int]string, len(links))
	var v4, v6 []binding.Network
	for _, l := range links {
		if !l.Up || l.Loopback || m.ignored(l.Name) {
			continue
		}
		byIndex[l.Index] = l.Name
		var a4, a6 []netip.Prefix
		for _, p := range l.Addrs {
			if !p.Addr().IsGlobalUnicast() {
				continue
			}
			if p.Addr().Is4() {
				a4 = append(a4, p)
			} else {
				a6 = append(a6, p)
			}
		}
		n := binding.Network{Name: l.Name, Index: l.Index, MTU: l.MTU, Metered: m.metered(l.Name)}
		if len(a4) > 0 {
			n4 := n
			n4.Addrs = a4
			v4 = append(v4, n4)
		}
		if len(a6) > 0 {
			n6 := n
			n6.Addrs = a6
			v6 = append(v6, n6)
		}
	}

	def4 := m.defaultLink(false)
	def6 := m.defaultLink(true)
	v4 = preferLink(v4, def4)
	v6 = preferLink(v6, def6)

	snap := &binding.UnderlyingNetworks{
		IPv4Nets:           v4,
		IPv6Nets:           v6,
		DNSServerToNetwork: m.dnsServerMap(byIndex),
		UseActive:          m.cfg.UseActive,
		VPNLockdown:        m.cfg.VPNLockdown,
		MinMTU:             minMTU(v4, v6),
	}
	if name, ok := byIndex[def4]; ok {
		snap.Active = name
	} else if name, ok := byIndex[def6]; ok {
		snap.Active = name
	}

	m.current.Store(snap)
	m.mu.Lock()
	m.lastRefresh = time.Now()
	m.mu.Unlock()

	m.logger.Debug("networks refreshed",
		"component", "netmon",
		"ipv4", len(v4),
		"ipv6", len(v6),
		"active", snap.Active,
		"dns_servers", len(snap.DNSServerToNetwork),
	)

	for i, h := range m.handlers {
		if err := safeInvoke(h, snap); err != nil {
			m.logger.Error("change handler failed",
				"component", "netmon",
				"handler_index", i,
				"error", err,
			)
		}
	}
	return snap, nil
}

// IsMetered reports whether traffic to ip leaves through a metered link.
// Destinations on no known link are unmetered.
func (m *Monitor) IsMetered(ip netip.Addr) (bool, error) {
	snap := m.current.Load()
	if snap == nil {
		return false, nil
	}
	idx, err := m.src.RouteLink(ip)
	if err != nil {
		metered, _ := snap.MeteredFor(ip)
		return metered, err
	}
	for _, nets := range [][]binding.Network{snap.IPv4Nets, snap.IPv6Nets} {
		for _, n := range nets {
			if n.Index == idx {
				return n.Metered, nil
			}
		}
	}
	return false, nil
}

func (m *Monitor) defaultLink(v6 bool) int {
	idx, err := m.src.DefaultRouteLink(v6)
	if err != nil {
		m.logger.Debug("default route lookup failed",
			"component", "netmon",
			"ipv6", v6,
			"error", err,
		)
		return 0
	}
	return idx
}

func (m *Monitor) dnsServerMap(byIndex map[int]string) map[netip.Addr]string {
	servers, err := dnsServers(m.cfg.ResolvConf)
	if err != nil {
		m.logger.Debug("resolver config unavailable",
			"component", "netmon",
			"error", err,
		)
		return nil
	}
	out := make(map[netip.Addr]string, len(servers))
	for _, ip := range servers {
		if ip.IsLoopback() {
			continue
		}
		idx, err := m.src.RouteLink(ip)
		if err != nil {
			continue
		}
		if name, ok := byIndex[idx]; ok {
			out[ip] = name
		}
	}
	return out
}

func (m *Monitor) ignored(name string) bool {
	return matchAny(m.cfg.IgnoreInterfaces, name)
}

func (m *Monitor) metered(name string) bool {
	return matchAny(m.cfg.MeteredInterfaces, name)
}

func matchAny(patterns []string, name string) bool {
	for _, p := range patterns {
		if ok, _ := filepath.Match(p, name); ok {
			return true
		}
	}
	return false
}

// preferLink moves the network with the given index to the front.
func preferLink(nets []binding.Network, index int) []binding.Network {
	i := slices.IndexFunc(nets, func(n binding.Network) bool { return n.Index == index })
	if i <= 0 {
		return nets
	}
	out := make([]binding.Network, 0, len(nets))
	out = append(out, nets[i])
	out = append(out, nets[:i]...)
	return append(out, nets[i+1:]...)
}

func minMTU(groups ...[]binding.Network) int {
	lowest := 0
	for _, nets := range groups {
		for _, n := range nets {
			if n.MTU > 0 && (lowest == 0 || n.MTU < lowest) {
				lowest = n.MTU
			}
		}
	}
	return lowest
}

func safeInvoke(h ChangeHandler, snap *binding.UnderlyingNetworks) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = fmt.Errorf("handler panicked: %v\n%s", v, debug.Stack())
		}
	}()
	h(snap)
	return nil
}
