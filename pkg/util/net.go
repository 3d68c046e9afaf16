package util

import (
	"fmt"
	"net"

	"github.com/rossella/neutron-dvr/pkg/cryptorand"
)

// GenerateDVRMACAddress returns a MAC address composed of the base OUI
// (first three octets of base) followed by three random octets. The base
// must be distinct from the range used for regular port MACs so that
// per-host router identities never collide with tenant addresses.
func GenerateDVRMACAddress(base net.HardwareAddr) (net.HardwareAddr, error) {
	if len(base) != 6 {
		return nil, fmt.Errorf("invalid DVR base MAC %q: must be 6 octets", base.String())
	}
	mac := make(net.HardwareAddr, 6)
	copy(mac, base[:3])
	if cryptorand.Read(mac[3:]) == nil {
		return nil, fmt.Errorf("failed to read random bytes for MAC generation")
	}
	return mac, nil
}
