package agent

import (
	"sort"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/rossella/neutron-dvr/pkg/inventory"
	"github.com/rossella/neutron-dvr/pkg/types"
)

// SubnetMapping tracks one subnet the local integration bridge routes for:
// the resolved subnet details, the ofports of local workload vifs, whether
// a distributed router interface owns the subnet here, and the ofport of a
// centralized SNAT port when one is plugged locally.
type SubnetMapping struct {
	subnet       *inventory.SubnetGatewayInfo
	csnatOfport  int
	dvrOwned     bool
	computePorts map[string]int
}

func NewSubnetMapping(subnet *inventory.SubnetGatewayInfo, csnatOfport int) *SubnetMapping {
	return &SubnetMapping{
		subnet:       subnet,
		csnatOfport:  csnatOfport,
		computePorts: map[string]int{},
	}
}

func (m *SubnetMapping) SubnetInfo() *inventory.SubnetGatewayInfo {
	return m.subnet
}

func (m *SubnetMapping) DVROwned() bool {
	return m.dvrOwned
}

func (m *SubnetMapping) SetDVROwned(owned bool) {
	m.dvrOwned = owned
}

func (m *SubnetMapping) CsnatOfport() int {
	return m.csnatOfport
}

func (m *SubnetMapping) SetCsnatOfport(ofport int) {
	m.csnatOfport = ofport
}

func (m *SubnetMapping) AddComputeOfport(vifID string, ofport int) {
	m.computePorts[vifID] = ofport
}

func (m *SubnetMapping) RemoveComputeOfport(vifID string) {
	delete(m.computePorts, vifID)
}

func (m *SubnetMapping) RemoveAllComputeOfports() {
	m.computePorts = map[string]int{}
}

// ComputeVifIDs returns the ids of the workload vifs plumbed on the
// subnet, sorted so flow output lists come out deterministic.
func (m *SubnetMapping) ComputeVifIDs() []string {
	ids := make([]string, 0, len(m.computePorts))
	for id := range m.computePorts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ComputeOfports returns the ofports of the workload vifs, ordered by
// vif id.
func (m *SubnetMapping) ComputeOfports() []int {
	ofports := make([]int, 0, len(m.computePorts))
	for _, id := range m.ComputeVifIDs() {
		ofports = append(ofports, m.computePorts[id])
	}
	return ofports
}

// OVSPortRecord remembers a local vif that was wired into the distributed
// routing flows, and the subnets it was wired for.
type OVSPortRecord struct {
	ID          string
	Ofport      int
	MAC         string
	DeviceOwner string

	subnets sets.Set[string]
}

func NewOVSPortRecord(id string, ofport int, mac, deviceOwner string) *OVSPortRecord {
	return &OVSPortRecord{
		ID:          id,
		Ofport:      ofport,
		MAC:         mac,
		DeviceOwner: deviceOwner,
		subnets:     sets.New[string](),
	}
}

func (r *OVSPortRecord) AddSubnet(id string) {
	r.subnets.Insert(id)
}

func (r *OVSPortRecord) RemoveSubnet(id string) {
	r.subnets.Delete(id)
}

// Subnets returns the subnets the vif is wired for, sorted.
func (r *OVSPortRecord) Subnets() []string {
	return sets.List(r.subnets)
}

func (r *OVSPortRecord) OwnerKind() types.OwnerKind {
	return types.ClassifyDeviceOwner(r.DeviceOwner)
}

// BindingTable is the agent's record of which subnets and local vifs
// participate in distributed routing. It is owned by the binder and only
// touched from the agent's control loop, so it carries no locking.
type BindingTable struct {
	subnets map[string]*SubnetMapping
	ports   map[string]*OVSPortRecord
}

func NewBindingTable() *BindingTable {
	return &BindingTable{
		subnets: map[string]*SubnetMapping{},
		ports:   map[string]*OVSPortRecord{},
	}
}

func (t *BindingTable) Subnet(id string) *SubnetMapping {
	return t.subnets[id]
}

func (t *BindingTable) PutSubnet(id string, m *SubnetMapping) {
	t.subnets[id] = m
}

// PruneSubnet drops the mapping once nothing references it anymore:
// no owning router interface and no centralized SNAT port.
func (t *BindingTable) PruneSubnet(id string) {
	m := t.subnets[id]
	if m == nil {
		return
	}
	if !m.dvrOwned && m.csnatOfport == types.OfportInvalid {
		delete(t.subnets, id)
	}
}

func (t *BindingTable) Port(id string) *OVSPortRecord {
	return t.ports[id]
}

func (t *BindingTable) PutPort(r *OVSPortRecord) {
	t.ports[r.ID] = r
}

// PrunePort drops the record once it is wired for no subnet.
func (t *BindingTable) PrunePort(id string) {
	r := t.ports[id]
	if r == nil {
		return
	}
	if r.subnets.Len() == 0 {
		delete(t.ports, id)
	}
}

func (t *BindingTable) SubnetCount() int {
	return len(t.subnets)
}

func (t *BindingTable) PortCount() int {
	return len(t.ports)
}
