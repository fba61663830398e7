package netmon

import (
	"context"
	"net/netip"
)

// LinkInfo is the subset of link state the monitor needs.
type LinkInfo struct {
	Name     string
	Index    int
	MTU      int
	Up       bool
	Loopback bool
	Addrs    []netip.Prefix
}

// Source abstracts the OS routing state for testability.
type Source interface {
	Links() ([]LinkInfo, error)
	// DefaultRouteLink returns the index of the link carrying the default
	// route for the family, or 0 when there is none.
	DefaultRouteLink(v6 bool) (int, error)
	// RouteLink returns the index of the link traffic to ip leaves through.
	RouteLink(ip netip.Addr) (int, error)
}

// Watcher is implemented by sources that can report routing changes.
// Watch calls notify on every change until ctx is done.
type Watcher interface {
	Watch(ctx context.Context, notify func()) error
}
