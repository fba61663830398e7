package binding

import (
	"maps"
	"net/netip"
	"slices"
)

// Network is one underlying physical network the host can reach the
// internet through.
type Network struct {
	Name    string
	Index   int
	MTU     int
	Metered bool
	Addrs   []netip.Prefix
}

// UnderlyingNetworks is a point-in-time view of the physical networks.
// A snapshot is never modified once published; refreshers build a new one.
type UnderlyingNetworks struct {
	IPv4Nets []Network
	IPv6Nets []Network

	// DNSServerToNetwork maps a resolver address to the name of the
	// network it was learned on.
	DNSServerToNetwork map[netip.Addr]string

	// UseActive binds every socket to Active instead of probing candidates.
	UseActive bool
	Active    string

	// VPNLockdown is set when traffic must never leave outside the tunnel.
	VPNLockdown bool

	MinMTU int
}

// Empty reports whether the snapshot has no network to bind to.
func (u *UnderlyingNetworks) Empty() bool {
	return u == nil || (len(u.IPv4Nets) == 0 && len(u.IPv6Nets) == 0 && u.Active == "")
}

// Clone returns a deep copy of the snapshot.
func (u *UnderlyingNetworks) Clone() *UnderlyingNetworks {
	if u == nil {
		return nil
	}
	out := *u
	out.IPv4Nets = cloneNetworks(u.IPv4Nets)
	out.IPv6Nets = cloneNetworks(u.IPv6Nets)
	out.DNSServerToNetwork = maps.Clone(u.DNSServerToNetwork)
	return &out
}

// Lookup returns the network with the given name from either family.
func (u *UnderlyingNetworks) Lookup(name string) (Network, bool) {
	if u == nil {
		return Network{}, false
	}
	for _, nets := range [][]Network{u.IPv4Nets, u.IPv6Nets} {
		for _, n := range nets {
			if n.Name == name {
				return n, true
			}
		}
	}
	return Network{}, false
}

// MeteredFor reports whether the network carrying ip is metered. The
// network is matched by the prefixes of its own addresses.
func (u *UnderlyingNetworks) MeteredFor(ip netip.Addr) (metered, found bool) {
	if u == nil {
		return false, false
	}
	ip = ip.Unmap()
	for _, nets := range [][]Network{u.IPv4Nets, u.IPv6Nets} {
		for _, n := range nets {
			for _, p := range n.Addrs {
				if p.Masked().Contains(ip) {
					return n.Metered, true
				}
			}
		}
	}
	return false, false
}

func cloneNetworks(in []Network) []Network {
	if in == nil {
		return nil
	}
	out := make([]Network, len(in))
	for i, n := range in {
		n.Addrs = slices.Clone(n.Addrs)
		out[i] = n
	}
	return out
}
