package types

import "time"

const (
	// DeviceOwnerDVRInterface marks a router interface that is replicated
	// on every host participating in distributed routing.
	DeviceOwnerDVRInterface = "network:router_interface_distributed"
	// DeviceOwnerRouterSNAT marks the centralized-SNAT port of a
	// distributed router. It stays on a single designated host.
	DeviceOwnerRouterSNAT = "network:router_centralized_snat"
	// DeviceOwnerComputePrefix prefixes ports bound to hypervisor-hosted
	// instances, e.g. "compute:nova".
	DeviceOwnerComputePrefix = "compute:"
	DeviceOwnerDHCP          = "network:dhcp"

	PortStatusActive = "ACTIVE"
	PortStatusDown   = "DOWN"
	PortStatusBuild  = "BUILD"

	NetworkTypeGRE   = "gre"
	NetworkTypeVXLAN = "vxlan"

	// OfportInvalid is the placeholder for a subnet mapping whose csnat
	// port has not been bound locally (or was unbound).
	OfportInvalid = -1

	// DefaultDVRBaseMAC supplies the OUI for per-host DVR MAC generation.
	// It must not collide with the base used for regular port MACs.
	DefaultDVRBaseMAC = "fa:16:3f:00:00:00"
	// DefaultMACGenerationRetries bounds the allocator's retry loop on
	// store-level uniqueness violations.
	DefaultMACGenerationRetries = 6

	// DefaultAgentBootTime is the grace window after agent startup during
	// which a port activation is treated as the agent's first on the
	// network, forcing a full FDB bootstrap.
	DefaultAgentBootTime = 180 * time.Second

	// OVSDBTimeout bounds individual control database operations.
	OVSDBTimeout = 10 * time.Second

	DefaultIntegrationBridge = "br-int"
	DefaultTunnelBridge      = "br-tun"
	// Patch ports linking the two bridges, named from each bridge's
	// point of view.
	DefaultPatchTunPort = "patch-tun"
	DefaultPatchIntPort = "patch-int"
)

// Integration bridge tables.
const (
	LocalSwitching = 0
	// DvrToSrcMac rewrites the source MAC of routed traffic arriving from
	// a remote DVR host back to the subnet gateway MAC before local
	// delivery.
	DvrToSrcMac = 1
	CanaryTable = 23
)

// Tunnel bridge tables.
const (
	DvrProcess   = 1
	PatchLvToTun = 2
	GreTunToLv   = 3
	VxlanTunToLv = 4
	// DvrNotLearn keeps the learning path from installing entries for
	// MACs that are centrally routed per host.
	DvrNotLearn  = 9
	LearnFromTun = 10
)

// TunTableByNetworkType routes tunneled traffic into the per-type
// translation table.
var TunTableByNetworkType = map[string]int{
	NetworkTypeGRE:   GreTunToLv,
	NetworkTypeVXLAN: VxlanTunToLv,
}
