package testing

import (
	"fmt"
	"net"
)

// MustParseMAC is like net.ParseMAC but panics on error; use it for
// converting compile-time constant strings to net.HardwareAddr.
func MustParseMAC(macStr string) net.HardwareAddr {
	mac, err := net.ParseMAC(macStr)
	if err != nil {
		panic(fmt.Sprintf("Could not parse %q as a MAC: %v", macStr, err))
	}
	return mac
}
