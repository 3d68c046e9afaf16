//go:build !linux

package util

import "net"

// ValidateLocalTunnelEndpoint is a no-op on platforms without netlink
// support; the check only applies to production Linux hosts.
func ValidateLocalTunnelEndpoint(ip net.IP) error {
	return nil
}
