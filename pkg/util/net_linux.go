package util

import (
	"fmt"
	"net"

	"github.com/vishvananda/netlink"
)

// ValidateLocalTunnelEndpoint verifies that the configured tunnel endpoint
// address is assigned to some local interface. Tunnels originated from an
// address the host does not own silently blackhole traffic, so this is
// checked once at agent startup.
func ValidateLocalTunnelEndpoint(ip net.IP) error {
	links, err := netlink.LinkList()
	if err != nil {
		return fmt.Errorf("failed to list network interfaces: %v", err)
	}
	for _, link := range links {
		addrs, err := netlink.AddrList(link, netlink.FAMILY_ALL)
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			if addr.IP.Equal(ip) {
				return nil
			}
		}
	}
	return fmt.Errorf("tunnel endpoint %s is not assigned to any local interface", ip)
}
