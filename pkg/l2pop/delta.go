package l2pop

import (
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/klog/v2"

	"github.com/rossella/neutron-dvr/pkg/inventory"
	"github.com/rossella/neutron-dvr/pkg/types"
)

// Flooding teardown thresholds. A removal payload carries the flooding
// sentinel only when the source host's active port count on the network
// equals the threshold: a payload computed before a delete is stored
// still counts the disappearing port, while payloads computed after a
// status flip see it already inactive.
const (
	TeardownThresholdPreCommit  = 1
	TeardownThresholdPostCommit = 0
)

// PortFdbEntries returns one forwarding entry per fixed IP of the port.
func PortFdbEntries(port *inventory.Port) []FdbEntry {
	entries := make([]FdbEntry, 0, len(port.FixedIPs))
	for _, ip := range port.FixedIPs {
		entries = append(entries, FdbEntry{
			MACAddress:  port.MACAddress,
			IPAddress:   ip.IPAddress,
			DeviceOwner: port.DeviceOwner,
		})
	}
	return entries
}

// EntriesForIPs builds entries carrying the port's MAC and owner for the
// given addresses, in address order. Nil when the set is empty.
func EntriesForIPs(port *inventory.Port, ips sets.Set[string]) []FdbEntry {
	if ips.Len() == 0 {
		return nil
	}
	entries := make([]FdbEntry, 0, ips.Len())
	for _, ip := range sets.List(ips) {
		entries = append(entries, FdbEntry{
			MACAddress:  port.MACAddress,
			IPAddress:   ip,
			DeviceOwner: port.DeviceOwner,
		})
	}
	return entries
}

// DiffFixedIPs returns the addresses removed from and added to the port.
// Both sets are nil when the address set did not change.
func DiffFixedIPs(orig, port *inventory.Port) (removed, added sets.Set[string]) {
	origIPs := sets.New[string]()
	for _, ip := range orig.FixedIPs {
		origIPs.Insert(ip.IPAddress)
	}
	currIPs := sets.New[string]()
	for _, ip := range port.FixedIPs {
		currIPs.Insert(ip.IPAddress)
	}
	removed = origIPs.Difference(currIPs)
	added = currIPs.Difference(origIPs)
	if removed.Len() == 0 && added.Len() == 0 {
		return nil, nil
	}
	return removed, added
}

// networkPayload returns a single-network payload shell with an empty
// entry list for tunnelIP.
func networkPayload(segment *inventory.Segment, tunnelIP string) FdbPayload {
	return FdbPayload{
		segment.NetworkID: &NetworkFdb{
			SegmentationID: segment.SegmentationID,
			NetworkType:    segment.NetworkType,
			Ports:          map[string][]FdbEntry{tunnelIP: {}},
		},
	}
}

// DeltaComputer derives forwarding-table payloads from the shared
// inventory. It holds no state: every payload is a function of its
// arguments and the store contents.
type DeltaComputer struct {
	agents AgentView
}

func NewDeltaComputer(agents AgentView) *DeltaComputer {
	return &DeltaComputer{agents: agents}
}

// BootstrapPayload assembles the complete forwarding view of a network
// for an agent on selfHost: the concrete entries of every other
// endpoint's regular ports prefixed by that endpoint's flooding
// sentinel, and a bare flooding sentinel for endpoints that only hold
// distributed router interfaces.
func (d *DeltaComputer) BootstrapPayload(segment *inventory.Segment, selfHost string) FdbPayload {
	ports := map[string][]FdbEntry{}
	for _, hosted := range d.agents.NondvrNetworkPorts(segment.NetworkID) {
		if hosted.Agent.Host == selfHost {
			continue
		}
		ip := hosted.Agent.TunnelIP
		if ip == "" {
			klog.V(5).Infof("Unable to retrieve the tunnel IP of agent on host %s, check the agent configuration",
				hosted.Agent.Host)
			continue
		}
		agentPorts, ok := ports[ip]
		if !ok {
			agentPorts = []FdbEntry{FloodingEntry}
		}
		agentPorts = append(agentPorts, PortFdbEntries(hosted.Port)...)
		ports[ip] = agentPorts
	}
	for _, hosted := range d.agents.DvrNetworkPorts(segment.NetworkID) {
		if hosted.Agent.Host == selfHost {
			continue
		}
		ip := hosted.Agent.TunnelIP
		if ip == "" {
			klog.V(5).Infof("Unable to retrieve the tunnel IP of agent on host %s, check the agent configuration",
				hosted.Agent.Host)
			continue
		}
		if _, ok := ports[ip]; !ok {
			ports[ip] = []FdbEntry{FloodingEntry}
		}
	}
	return FdbPayload{
		segment.NetworkID: &NetworkFdb{
			SegmentationID: segment.SegmentationID,
			NetworkType:    segment.NetworkType,
			Ports:          ports,
		},
	}
}

// IncrementalPayload builds the single-port broadcast for every other
// agent once the network is already live on the port's host. Distributed
// router interfaces are announced with an empty entry list: their traffic
// sources from the per-host DVR MAC, never their own.
func (d *DeltaComputer) IncrementalPayload(segment *inventory.Segment, tunnelIP string, port *inventory.Port) FdbPayload {
	payload := networkPayload(segment, tunnelIP)
	if port.OwnerKind() != types.OwnerKindDVRInterface {
		payload[segment.NetworkID].Ports[tunnelIP] = append(
			payload[segment.NetworkID].Ports[tunnelIP], PortFdbEntries(port)...)
	}
	return payload
}

// TeardownPayload builds the removal payload for port going away on
// agent: the port's own entries, unless it is a distributed router
// interface whose MAC never appears in remote tables, plus the flooding
// sentinel when the host's active port count says the endpoint is
// draining out of the network.
func (d *DeltaComputer) TeardownPayload(segment *inventory.Segment, agent *inventory.Agent, port *inventory.Port, floodThreshold int) FdbPayload {
	payload := networkPayload(segment, agent.TunnelIP)
	entries := payload[segment.NetworkID].Ports[agent.TunnelIP]
	if d.agents.AgentNetworkActivePortCount(agent.Host, segment.NetworkID) == floodThreshold {
		entries = append(entries, FloodingEntry)
	}
	if port.OwnerKind() != types.OwnerKindDVRInterface {
		entries = append(entries, PortFdbEntries(port)...)
	}
	payload[segment.NetworkID].Ports[agent.TunnelIP] = entries
	return payload
}
