//go:build !linux

package netmon

import (
	"errors"
	"net/netip"
)

var errUnsupported = errors.New("netmon: routing state not supported on this platform")

// NetlinkSource is a stand-in that reports no routing state on platforms
// without netlink.
type NetlinkSource struct{}

// NewNetlinkSource returns a new NetlinkSource.
func NewNetlinkSource() *NetlinkSource {
	return &NetlinkSource{}
}

func (s *NetlinkSource) Links() ([]LinkInfo, error)         { return nil, errUnsupported }
func (s *NetlinkSource) DefaultRouteLink(bool) (int, error) { return 0, errUnsupported }
func (s *NetlinkSource) RouteLink(netip.Addr) (int, error)  { return 0, errUnsupported }
