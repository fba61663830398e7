//go:build linux

package netmon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"

	"github.com/vishvananda/netlink"
)

// NetlinkSource implements Source and Watcher using Linux netlink.
type NetlinkSource struct{}

// NewNetlinkSource returns a new NetlinkSource.
func NewNetlinkSource() *NetlinkSource {
	return &NetlinkSource{}
}

// Links lists every link with its addresses.
func (s *NetlinkSource) Links() ([]LinkInfo, error) {
	links, err := netlink.LinkList()
	if err != nil {
		return nil, fmt.Errorf("netmon: list links: %w", err)
	}
	out := make([]LinkInfo, 0, len(links))
	for _, l := range links {
		attrs := l.Attrs()
		info := LinkInfo{
			Name:     attrs.Name,
			Index:    attrs.Index,
			MTU:      attrs.MTU,
			Up:       attrs.Flags&net.FlagUp != 0,
			Loopback: attrs.Flags&net.FlagLoopback != 0,
		}
		addrs, err := netlink.AddrList(l, netlink.FAMILY_ALL)
		if err != nil {
			return nil, fmt.Errorf("netmon: list addrs for %s: %w", attrs.Name, err)
		}
		for _, a := range addrs {
			if a.IPNet == nil {
				continue
			}
			ip, ok := netip.AddrFromSlice(a.IP)
			if !ok {
				continue
			}
			ones, _ := a.Mask.Size()
			info.Addrs = append(info.Addrs, netip.PrefixFrom(ip.Unmap(), ones))
		}
		out = append(out, info)
	}
	return out, nil
}

// DefaultRouteLink returns the link of the lowest-metric default route.
func (s *NetlinkSource) DefaultRouteLink(v6 bool) (int, error) {
	family := netlink.FAMILY_V4
	if v6 {
		family = netlink.FAMILY_V6
	}
	routes, err := netlink.RouteList(nil, family)
	if err != nil {
		return 0, fmt.Errorf("netmon: list routes: %w", err)
	}
	best, bestPrio := 0, -1
	for _, r := range routes {
		if r.Dst != nil {
			if ones, _ := r.Dst.Mask.Size(); ones != 0 {
				continue
			}
		}
		if r.LinkIndex == 0 {
			continue
		}
		if bestPrio < 0 || r.Priority < bestPrio {
			best, bestPrio = r.LinkIndex, r.Priority
		}
	}
	return best, nil
}

// RouteLink asks the kernel which link ip is routed through.
func (s *NetlinkSource) RouteLink(ip netip.Addr) (int, error) {
	routes, err := netlink.RouteGet(net.IP(ip.Unmap().AsSlice()))
	if err != nil {
		return 0, fmt.Errorf("netmon: route get %s: %w", ip, err)
	}
	if len(routes) == 0 {
		return 0, nil
	}
	return routes[0].LinkIndex, nil
}

// Watch subscribes to link, address and route updates.
func (s *NetlinkSource) Watch(ctx context.Context, notify func()) error {
	done := make(chan struct{})
	defer close(done)

	linkCh := make(chan netlink.LinkUpdate, 16)
	addrCh := make(chan netlink.AddrUpdate, 16)
	routeCh := make(chan netlink.RouteUpdate, 16)

	if err := netlink.LinkSubscribe(linkCh, done); err != nil {
		return fmt.Errorf("netmon: subscribe links: %w", err)
	}
	if err := netlink.AddrSubscribe(addrCh, done); err != nil {
		return fmt.Errorf("netmon: subscribe addrs: %w", err)
	}
	if err := netlink.RouteSubscribe(routeCh, done); err != nil {
		return fmt.Errorf("netmon: subscribe routes: %w", err)
	}

	errClosed := errors.New("netmon: netlink subscription closed")
	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-linkCh:
			if !ok {
				return errClosed
			}
		case _, ok := <-addrCh:
			if !ok {
				return errClosed
			}
		case _, ok := <-routeCh:
			if !ok {
				return errClosed
			}
		}
		notify()
	}
}
