// Package binding protects sockets from the tunnel and pins them to an
// underlying physical network.
package binding

import (
	"log/slog"
	"net/netip"
	"sync/atomic"
)

const (
	portDNS    = 53
	portDNSTLS = 853
)

// Coordinator answers the tunnel engine's per-socket bind and protect
// requests against the latest UnderlyingNetworks snapshot. It is safe for
// concurrent use; SetNetworks never blocks binders.
type Coordinator struct {
	ops      SocketOps
	mark     uint32
	excluded []netip.Prefix
	snap     atomic.Pointer[UnderlyingNetworks]
	logger   *slog.Logger
}

// NewCoordinator creates a Coordinator. Config defaults are applied
// automatically.
func NewCoordinator(ops SocketOps, cfg Config, logger *slog.Logger) (*Coordinator, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	excluded, err := cfg.excluded()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		ops:      ops,
		mark:     cfg.ProtectMark,
		excluded: excluded,
		logger:   logger.With("component", "binding"),
	}, nil
}

// SetNetworks publishes a new snapshot. The coordinator keeps its own copy.
func (c *Coordinator) SetNetworks(n *UnderlyingNetworks) {
	c.snap.Store(n.Clone())
}

// Networks returns the current snapshot, or nil when none was published.
// Callers must not modify it.
func (c *Coordinator) Networks() *UnderlyingNetworks {
	return c.snap.Load()
}

// Protect marks fd so the tunnel does not capture its traffic.
func (c *Coordinator) Protect(who string, fd int) {
	c.protect(who, fd)
}

// Bind4 protects fd and binds it to an IPv4-capable underlying network.
func (c *Coordinator) Bind4(who, addrPort string, fd int) bool {
	return c.bind(who, addrPort, fd, false)
}

// Bind6 protects fd and binds it to an IPv6-capable underlying network.
func (c *Coordinator) Bind6(who, addrPort string, fd int) bool {
	return c.bind(who, addrPort, fd, true)
}

func (c *Coordinator) protect(who string, fd int) bool {
	if err := c.ops.Mark(fd, c.mark); err != nil {
		c.logger.Warn("protect failed",
			"who", who,
			"fd", fd,
			"error", err,
		)
		return false
	}
	return true
}

func (c *Coordinator) bind(who, addrPort string, fd int, v6 bool) bool {
	dst, err := netip.ParseAddrPort(addrPort)
	if err != nil {
		// Keep the socket out of the tunnel even though it stays unbound.
		c.protect(who, fd)
		c.logger.Warn("bind: invalid destination",
			"who", who,
			"dst", addrPort,
			"error", err,
		)
		return false
	}
	if c.skipBind(dst.Addr()) {
		return true
	}

	if !c.protect(who, fd) {
		return false
	}

	snap := c.snap.Load()

	if p := dst.Port(); p == portDNS || p == portDNSTLS {
		if name, ok := snap.dnsNetwork(dst.Addr()); ok {
			if c.bindTo(who, fd, name) {
				return true
			}
		}
	}

	if snap != nil && snap.UseActive {
		if snap.Active == "" {
			// No active network known; leave the socket on the default route.
			return true
		}
		return c.bindTo(who, fd, snap.Active)
	}

	if snap.Empty() {
		c.logger.Warn("bind: no underlying networks",
			"who", who,
			"dst", addrPort,
		)
		return false
	}

	nets := snap.IPv4Nets
	if v6 {
		nets = snap.IPv6Nets
	}
	for _, n := range nets {
		if c.bindTo(who, fd, n.Name) {
			return true
		}
	}

	c.logger.Warn("bind: no network accepted the socket",
		"who", who,
		"dst", addrPort,
		"candidates", len(nets),
	)
	return false
}

func (c *Coordinator) bindTo(who string, fd int, name string) bool {
	if err := c.ops.BindToDevice(fd, name); err != nil {
		c.logger.Debug("bind attempt failed",
			"who", who,
			"network", name,
			"error", err,
		)
		return false
	}
	c.logger.Debug("socket bound",
		"who", who,
		"fd", fd,
		"network", name,
	)
	return true
}

// skipBind reports whether dst needs no underlying network at all.
func (c *Coordinator) skipBind(ip netip.Addr) bool {
	ip = ip.Unmap()
	if ip.IsUnspecified() || ip.IsLoopback() {
		return true
	}
	for _, p := range c.excluded {
		if p.Contains(ip) {
			return true
		}
	}
	return false
}

func (u *UnderlyingNetworks) dnsNetwork(ip netip.Addr) (string, bool) {
	if u == nil || len(u.DNSServerToNetwork) == 0 {
		return "", false
	}
	name, ok := u.DNSServerToNetwork[ip.Unmap()]
	return name, ok && name != ""
}
