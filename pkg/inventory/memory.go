package inventory

import (
	"sort"
	"sync"

	"github.com/mitchellh/copystructure"

	"github.com/rossella/neutron-dvr/pkg/types"
)

// MemoryStore is a concurrency-safe in-memory inventory. Reads hand out
// deep copies so callers can never mutate shared records in place.
type MemoryStore struct {
	mutex    sync.RWMutex
	ports    map[string]*Port
	subnets  map[string]*Subnet
	segments map[string]*Segment // keyed by network ID
	agents   map[string]*Agent   // keyed by host
}

// NewMemoryStore returns an empty inventory.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		ports:    make(map[string]*Port),
		subnets:  make(map[string]*Subnet),
		segments: make(map[string]*Segment),
		agents:   make(map[string]*Agent),
	}
}

func copyPort(p *Port) *Port {
	if p == nil {
		return nil
	}
	return copystructure.Must(copystructure.Copy(p)).(*Port)
}

func copyAgent(a *Agent) *Agent {
	if a == nil {
		return nil
	}
	return copystructure.Must(copystructure.Copy(a)).(*Agent)
}

// PutPort inserts or replaces a port record.
func (s *MemoryStore) PutPort(p *Port) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.ports[p.ID] = copyPort(p)
}

// DeletePort removes and returns the port record, or nil when absent.
func (s *MemoryStore) DeletePort(id string) *Port {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	p := s.ports[id]
	delete(s.ports, id)
	return p
}

// GetPort returns a copy of the port, or nil when absent.
func (s *MemoryStore) GetPort(id string) *Port {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return copyPort(s.ports[id])
}

// PutSubnet inserts or replaces a subnet record.
func (s *MemoryStore) PutSubnet(sn *Subnet) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	cp := *sn
	s.subnets[sn.ID] = &cp
}

// GetSubnet returns a copy of the subnet, or nil when absent.
func (s *MemoryStore) GetSubnet(id string) *Subnet {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	sn, ok := s.subnets[id]
	if !ok {
		return nil
	}
	cp := *sn
	return &cp
}

// PutSegment inserts or replaces the segment of a network.
func (s *MemoryStore) PutSegment(seg *Segment) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	cp := *seg
	s.segments[seg.NetworkID] = &cp
}

// GetNetworkSegment returns a copy of the network's bound segment, or nil.
func (s *MemoryStore) GetNetworkSegment(networkID string) *Segment {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	seg, ok := s.segments[networkID]
	if !ok {
		return nil
	}
	cp := *seg
	return &cp
}

// PutAgent inserts or replaces an agent registration.
func (s *MemoryStore) PutAgent(a *Agent) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.agents[a.Host] = copyAgent(a)
}

// GetAgentByHost returns a copy of the agent registered for the host, or
// nil when the host runs no agent.
func (s *MemoryStore) GetAgentByHost(host string) *Agent {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return copyAgent(s.agents[host])
}

// GetSubnetPorts returns every port holding an address on the subnet,
// ordered by port ID.
func (s *MemoryStore) GetSubnetPorts(subnetID string) []*Port {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	var out []*Port
	for _, p := range s.ports {
		if p.HasIPOnSubnet(subnetID) {
			out = append(out, copyPort(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AgentNetworkActivePortCount counts the ports on the network that are
// ACTIVE on the given host. Distributed router interfaces count through
// their per-host binding status, everything else through the port status
// plus its binding host.
func (s *MemoryStore) AgentNetworkActivePortCount(host, networkID string) int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	count := 0
	for _, p := range s.ports {
		if p.NetworkID != networkID {
			continue
		}
		if p.OwnerKind() == types.OwnerKindDVRInterface {
			if b := p.DVRBindingForHost(host); b != nil && b.Status == types.PortStatusActive {
				count++
			}
		} else if p.HostID == host && p.Status == types.PortStatusActive {
			count++
		}
	}
	return count
}

// NondvrNetworkPorts returns the admin-up, non-distributed ports of the
// network paired with the agent of their binding host. Ports bound to a
// host with no registered agent are skipped.
func (s *MemoryStore) NondvrNetworkPorts(networkID string) []HostedPort {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	var out []HostedPort
	for _, p := range s.ports {
		if p.NetworkID != networkID || !p.AdminStateUp {
			continue
		}
		if p.OwnerKind() == types.OwnerKindDVRInterface {
			continue
		}
		agent, ok := s.agents[p.HostID]
		if !ok {
			continue
		}
		out = append(out, HostedPort{Port: copyPort(p), Agent: copyAgent(agent)})
	}
	sortHostedPorts(out)
	return out
}

// DvrNetworkPorts returns one entry per host binding of each admin-up
// distributed router interface on the network, paired with that host's
// agent.
func (s *MemoryStore) DvrNetworkPorts(networkID string) []HostedPort {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	var out []HostedPort
	for _, p := range s.ports {
		if p.NetworkID != networkID || !p.AdminStateUp {
			continue
		}
		if p.OwnerKind() != types.OwnerKindDVRInterface {
			continue
		}
		for _, b := range p.DVRBindings {
			agent, ok := s.agents[b.Host]
			if !ok {
				continue
			}
			out = append(out, HostedPort{Port: copyPort(p), Agent: copyAgent(agent)})
		}
	}
	sortHostedPorts(out)
	return out
}

func sortHostedPorts(hps []HostedPort) {
	sort.Slice(hps, func(i, j int) bool {
		if hps[i].Agent.Host != hps[j].Agent.Host {
			return hps[i].Agent.Host < hps[j].Agent.Host
		}
		return hps[i].Port.ID < hps[j].Port.ID
	})
}
