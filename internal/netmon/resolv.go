package netmon

import (
	"fmt"
	"net/netip"

	"github.com/miekg/dns"
)

// dnsServers returns the nameserver addresses listed in a resolv.conf file.
func dnsServers(path string) ([]netip.Addr, error) {
	cc, err := dns.ClientConfigFromFile(path)
	if err != nil {
		return nil, fmt.Errorf("netmon: read %s: %w", path, err)
	}
	out := make([]netip.Addr, 0, len(cc.Servers))
	for _, s := range cc.Servers {
		ip, err := netip.ParseAddr(s)
		if err != nil {
			continue
		}
		out = append(out, ip.WithZone("").Unmap())
	}
	return out, nil
}
