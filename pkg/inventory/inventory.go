// Package inventory models the controller's authoritative view of ports,
// subnets, network segments and agents, and provides the in-memory store
// the other control-plane packages query.
package inventory

import (
	"time"

	"github.com/rossella/neutron-dvr/pkg/types"
)

// FixedIP is a single address assignment of a port.
type FixedIP struct {
	SubnetID  string `json:"subnet_id"`
	IPAddress string `json:"ip_address"`
}

// DVRBinding is the per-host binding of a distributed router interface.
// Regular ports bind to one host; DVR interfaces carry one binding per
// host serving the subnet, each with its own status.
type DVRBinding struct {
	Host     string `json:"host"`
	RouterID string `json:"router_id,omitempty"`
	Status   string `json:"status"`
}

// Port is the control-plane record of a switch port.
type Port struct {
	ID           string    `json:"id"`
	NetworkID    string    `json:"network_id"`
	MACAddress   string    `json:"mac_address"`
	DeviceOwner  string    `json:"device_owner"`
	DeviceID     string    `json:"device_id,omitempty"`
	Status       string    `json:"status"`
	AdminStateUp bool      `json:"admin_state_up"`
	HostID       string    `json:"binding:host_id,omitempty"`
	FixedIPs     []FixedIP `json:"fixed_ips"`

	// DVRBindings is populated only for distributed router interfaces.
	DVRBindings []DVRBinding `json:"dvr_bindings,omitempty"`
}

// OwnerKind classifies the port's device owner.
func (p *Port) OwnerKind() types.OwnerKind {
	return types.ClassifyDeviceOwner(p.DeviceOwner)
}

// DVRBindingForHost returns the distributed binding on the given host, or
// nil when the port is not bound there.
func (p *Port) DVRBindingForHost(host string) *DVRBinding {
	for i := range p.DVRBindings {
		if p.DVRBindings[i].Host == host {
			return &p.DVRBindings[i]
		}
	}
	return nil
}

// DerivedDVRStatus folds the per-host binding statuses of a distributed
// port into one parent status: ACTIVE wins over DOWN, DOWN over BUILD.
func (p *Port) DerivedDVRStatus() string {
	for i := range p.DVRBindings {
		if p.DVRBindings[i].Status == types.PortStatusActive {
			return types.PortStatusActive
		}
	}
	for i := range p.DVRBindings {
		if p.DVRBindings[i].Status == types.PortStatusDown {
			return types.PortStatusDown
		}
	}
	return types.PortStatusBuild
}

// HasIPOnSubnet reports whether any of the port's addresses belongs to the
// subnet.
func (p *Port) HasIPOnSubnet(subnetID string) bool {
	for _, ip := range p.FixedIPs {
		if ip.SubnetID == subnetID {
			return true
		}
	}
	return false
}

// HasIP reports whether the port owns the given address on the subnet.
func (p *Port) HasIP(subnetID, ipAddress string) bool {
	for _, ip := range p.FixedIPs {
		if ip.SubnetID == subnetID && ip.IPAddress == ipAddress {
			return true
		}
	}
	return false
}

// Subnet is the control-plane record of an IP subnet.
type Subnet struct {
	ID        string `json:"id"`
	NetworkID string `json:"network_id"`
	CIDR      string `json:"cidr"`
	GatewayIP string `json:"gateway_ip"`
}

// SubnetGatewayInfo is the resolved view served to agents: the subnet plus
// the MAC of the port holding the gateway address.
type SubnetGatewayInfo struct {
	Subnet
	GatewayMAC string `json:"gateway_mac"`
}

// Segment is the physical realization of a network.
type Segment struct {
	NetworkID      string `json:"network_id"`
	NetworkType    string `json:"network_type"`
	SegmentationID uint32 `json:"segmentation_id"`
}

// Agent is a per-node agent registration.
type Agent struct {
	Host        string    `json:"host"`
	TunnelIP    string    `json:"tunnel_ip"`
	TunnelTypes []string  `json:"tunnel_types"`
	StartedAt   time.Time `json:"started_at"`
	HeartbeatAt time.Time `json:"heartbeat_at"`
}

// Uptime is how long the agent has been running as witnessed by its last
// heartbeat.
func (a *Agent) Uptime() time.Duration {
	return a.HeartbeatAt.Sub(a.StartedAt)
}

// ServesTunnelType reports whether the agent terminates the overlay type.
func (a *Agent) ServesTunnelType(networkType string) bool {
	for _, t := range a.TunnelTypes {
		if t == networkType {
			return true
		}
	}
	return false
}

// HostedPort pairs a port with the agent of the host it is bound on. For
// distributed ports one HostedPort exists per live binding.
type HostedPort struct {
	Port  *Port
	Agent *Agent
}
