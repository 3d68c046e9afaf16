package agent

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/klog/v2"

	"github.com/rossella/neutron-dvr/pkg/dvr"
	"github.com/rossella/neutron-dvr/pkg/inventory"
	"github.com/rossella/neutron-dvr/pkg/metrics"
	"github.com/rossella/neutron-dvr/pkg/types"
	"github.com/rossella/neutron-dvr/pkg/util"
)

// macFetchRetries bounds how often Setup retries fetching the local DVR
// MAC before falling back to plain L2 learning.
const macFetchRetries = 4

// ControllerClient is the slice of the controller RPC surface the binder
// drives.
type ControllerClient interface {
	GetDVRMACAddressByHost() (*dvr.HostMAC, error)
	GetDVRMACAddressList() ([]dvr.HostMAC, error)
	GetSubnetForDVR(subnetID string) (*inventory.SubnetGatewayInfo, error)
	GetComputePortsOnHostBySubnet(subnetID string) ([]*inventory.Port, error)
}

type binderState int

const (
	stateDisabled binderState = iota
	stateInitializing
	stateReady
)

func (s binderState) String() string {
	switch s {
	case stateInitializing:
		return "initializing"
	case stateReady:
		return "ready"
	default:
		return "disabled"
	}
}

// Binder wires local vifs into the distributed-routing flow tables of the
// integration and tunnel bridges. It is driven from the agent's control
// loop only and keeps no locks of its own.
type Binder struct {
	rpc            ControllerClient
	intBr          *OVSBridge
	tunBr          *OVSBridge
	patchIntOfport int
	patchTunOfport int
	host           string
	enabled        bool

	state          binderState
	dvrMacAddress  string
	registeredMacs sets.Set[string]
	table          *BindingTable
}

func NewBinder(rpcClient ControllerClient, intBr, tunBr *OVSBridge,
	patchIntOfport, patchTunOfport int, host string, enabled bool) *Binder {
	return &Binder{
		rpc:            rpcClient,
		intBr:          intBr,
		tunBr:          tunBr,
		patchIntOfport: patchIntOfport,
		patchTunOfport: patchTunOfport,
		host:           host,
		enabled:        enabled,
		state:          stateDisabled,
		registeredMacs: sets.New[string](),
		table:          NewBindingTable(),
	}
}

func (b *Binder) setState(state binderState) {
	b.state = state
	metrics.MetricDvrState.Set(float64(state))
}

// Ready reports whether distributed routing is active on this agent.
func (b *Binder) Ready() bool {
	return b.state == stateReady
}

// DVRMacAddress returns the per-host MAC granted by the controller; empty
// until Setup succeeds.
func (b *Binder) DVRMacAddress() string {
	return b.dvrMacAddress
}

// ResetOVSParameters refreshes the patch port numbers after the switch
// restarted and renumbered its ports. Call before re-running Setup.
func (b *Binder) ResetOVSParameters(patchIntOfport, patchTunOfport int) {
	if !b.enabled {
		return
	}
	b.patchIntOfport = patchIntOfport
	b.patchTunOfport = patchTunOfport
}

// installFallbackFlows leaves the integration bridge switching by plain
// L2 learning, keeping only the restart canary.
func (b *Binder) installFallbackFlows() error {
	if err := b.intBr.RemoveAllFlows(); err != nil {
		return err
	}
	if err := b.intBr.AddFlow(fmt.Sprintf("table=%d,priority=0,actions=drop",
		types.CanaryTable)); err != nil {
		return err
	}
	return b.intBr.AddFlow(fmt.Sprintf("table=%d,priority=1,actions=normal",
		types.LocalSwitching))
}

func (b *Binder) installDVRMacFlows(mac string) error {
	// sort traffic entering from the tunnel by source: frames from
	// other hosts' routers go through the source rewrite table
	if err := b.intBr.AddFlow(fmt.Sprintf(
		"table=%d,priority=2,in_port=%d,dl_src=%s,actions=resubmit(,%d)",
		types.LocalSwitching, b.patchTunOfport, mac, types.DvrToSrcMac)); err != nil {
		return err
	}
	// keep the unique router MACs out of the learning table, they would
	// otherwise blow up the flow count
	return b.tunBr.AddFlow(fmt.Sprintf("table=%d,priority=1,dl_src=%s,actions=output:%d",
		types.DvrNotLearn, mac, b.patchIntOfport))
}

func (b *Binder) removeDVRMacFlows(mac string) error {
	if err := b.intBr.DeleteFlows(fmt.Sprintf("table=%d,in_port=%d,dl_src=%s",
		types.LocalSwitching, b.patchTunOfport, mac)); err != nil {
		return err
	}
	return b.tunBr.DeleteFlows(fmt.Sprintf("table=%d,dl_src=%s", types.DvrNotLearn, mac))
}

// Setup initializes both bridges for distributed routing. It fetches the
// host's DVR MAC from the controller; if that fails after retries the
// binder permanently falls back to L2 learning and reports ready never.
// Setup may be called again after a switch restart, it rebuilds all
// state from scratch.
func (b *Binder) Setup() error {
	b.dvrMacAddress = ""
	b.registeredMacs = sets.New[string]()
	b.table = NewBindingTable()

	if !b.enabled {
		b.setState(stateDisabled)
		return b.installFallbackFlows()
	}
	b.setState(stateInitializing)
	klog.Infof("Agent %s operating in DVR mode", b.host)

	var details *dvr.HostMAC
	err := backoff.Retry(func() error {
		var err error
		details, err = b.rpc.GetDVRMACAddressByHost()
		return err
	}, backoff.WithMaxRetries(backoff.NewExponentialBackOff(), macFetchRetries))
	if err != nil {
		klog.Errorf("Failed to obtain local DVR MAC address: %v, falling back to L2 learning", err)
		b.enabled = false
		b.setState(stateDisabled)
		return b.installFallbackFlows()
	}
	b.dvrMacAddress = details.MACAddress
	klog.V(4).Infof("Acquired local DVR MAC %s", b.dvrMacAddress)

	if err := b.intBr.RemoveAllFlows(); err != nil {
		return err
	}
	// canary flow, checked to detect switch restarts
	if err := b.intBr.AddFlow(fmt.Sprintf("table=%d,priority=0,actions=drop",
		types.CanaryTable)); err != nil {
		return err
	}
	if err := b.intBr.AddFlow(fmt.Sprintf("table=%d,priority=1,actions=drop",
		types.DvrToSrcMac)); err != nil {
		return err
	}
	if err := b.intBr.AddFlow(fmt.Sprintf("table=%d,priority=1,actions=normal",
		types.LocalSwitching)); err != nil {
		return err
	}

	macs, err := b.rpc.GetDVRMACAddressList()
	if err != nil {
		return errors.Wrap(err, "failed to fetch the DVR MAC table")
	}
	klog.V(4).Infof("Received DVR MACs: %v", macs)
	for _, mac := range macs {
		if mac.MACAddress == b.dvrMacAddress {
			continue
		}
		if err := b.installDVRMacFlows(mac.MACAddress); err != nil {
			return err
		}
		b.registeredMacs.Insert(mac.MACAddress)
	}

	if err := b.tunBr.AddFlow(fmt.Sprintf("table=0,priority=1,in_port=%d,actions=resubmit(,%d)",
		b.patchIntOfport, types.DvrProcess)); err != nil {
		return err
	}
	// table miss goes on to the learning table
	if err := b.tunBr.AddFlow(fmt.Sprintf("table=%d,priority=0,actions=resubmit(,%d)",
		types.DvrNotLearn, types.LearnFromTun)); err != nil {
		return err
	}
	if err := b.tunBr.AddFlow(fmt.Sprintf("table=%d,priority=0,actions=resubmit(,%d)",
		types.DvrProcess, types.PatchLvToTun)); err != nil {
		return err
	}
	b.setState(stateReady)
	return nil
}

// ReconcileMACSet aligns the per-host MAC classification flows with the
// controller's table. Updates that change nothing are skipped.
func (b *Binder) ReconcileMACSet(macs []dvr.HostMAC) {
	if b.state != stateReady {
		return
	}
	if b.dvrMacAddress == "" {
		klog.V(4).Info("Own DVR MAC unknown, ignoring MAC table update")
		return
	}
	klog.V(4).Infof("DVR MAC table update: %v", macs)

	desired := sets.New[string]()
	for _, mac := range macs {
		if mac.MACAddress == b.dvrMacAddress {
			continue
		}
		desired.Insert(mac.MACAddress)
	}
	if desired.Equal(b.registeredMacs) {
		klog.V(4).Info("DVR MAC table already up to date")
		return
	}

	for _, mac := range sets.List(b.registeredMacs.Difference(desired)) {
		if err := b.removeDVRMacFlows(mac); err != nil {
			klog.Errorf("Failed to remove flows of DVR MAC %s: %v", mac, err)
			continue
		}
		b.registeredMacs.Delete(mac)
		klog.V(4).Infof("Removed DVR MAC flows for %s", mac)
	}
	for _, mac := range sets.List(desired.Difference(b.registeredMacs)) {
		if err := b.installDVRMacFlows(mac); err != nil {
			klog.Errorf("Failed to install flows of DVR MAC %s: %v", mac, err)
			continue
		}
		b.registeredMacs.Insert(mac)
		klog.V(4).Infof("Added DVR MAC flows for %s", mac)
	}
}

// ProvisionTunneledNetwork routes traffic arriving on the network's
// tunnel into its local VLAN and past MAC learning.
func (b *Binder) ProvisionTunneledNetwork(networkType string, localVlan int, segmentationID uint32) error {
	if b.state != stateReady {
		return nil
	}
	table, ok := types.TunTableByNetworkType[networkType]
	if !ok {
		return fmt.Errorf("unknown tunnel network type %q", networkType)
	}
	return b.tunBr.AddFlow(fmt.Sprintf("table=%d,priority=1,tun_id=%d,actions=mod_vlan_vid:%d,resubmit(,%d)",
		table, segmentationID, localVlan, types.DvrNotLearn))
}

// ReleaseTunneledNetwork removes the tunnel classification installed by
// ProvisionTunneledNetwork.
func (b *Binder) ReleaseTunneledNetwork(networkType string, segmentationID uint32) error {
	if b.state != stateReady {
		return nil
	}
	table, ok := types.TunTableByNetworkType[networkType]
	if !ok {
		return fmt.Errorf("unknown tunnel network type %q", networkType)
	}
	return b.tunBr.DeleteFlows(fmt.Sprintf("table=%d,tun_id=%d", table, segmentationID))
}

// refreshAggregateFlow reinstalls the subnet-directed forwarding flow,
// listing the csnat port first and then every local workload port. With
// no local ports left the flow is removed instead.
func (b *Binder) refreshAggregateFlow(mapping *SubnetMapping, localVlan int) {
	subnetInfo := mapping.SubnetInfo()
	ofports := []string{}
	if mapping.CsnatOfport() != types.OfportInvalid {
		ofports = append(ofports, strconv.Itoa(mapping.CsnatOfport()))
	}
	for _, ofport := range mapping.ComputeOfports() {
		ofports = append(ofports, strconv.Itoa(ofport))
	}
	if len(ofports) == 0 {
		if err := b.intBr.DeleteFlows(fmt.Sprintf("table=%d,ip,dl_vlan=%d,nw_dst=%s",
			types.DvrToSrcMac, localVlan, subnetInfo.CIDR)); err != nil {
			klog.Errorf("Failed to remove subnet flow for %s: %v", subnetInfo.ID, err)
		}
		return
	}
	if err := b.intBr.AddFlow(fmt.Sprintf(
		"table=%d,priority=2,ip,dl_vlan=%d,nw_dst=%s,actions=strip_vlan,mod_dl_src:%s,output:%s",
		types.DvrToSrcMac, localVlan, subnetInfo.CIDR, subnetInfo.GatewayMAC,
		strings.Join(ofports, ","))); err != nil {
		klog.Errorf("Failed to install subnet flow for %s: %v", subnetInfo.ID, err)
	}
}

// BindPort wires a local vif into the distributed routing tables. The
// caller has resolved the vif on the integration bridge and the
// network's local VLAN.
func (b *Binder) BindPort(vif *util.VifPort, networkType string, fixedIPs []inventory.FixedIP,
	deviceOwner string, localVlan int) {
	if b.state != stateReady {
		return
	}
	if _, ok := types.TunTableByNetworkType[networkType]; !ok {
		return
	}
	switch types.ClassifyDeviceOwner(deviceOwner) {
	case types.OwnerKindDVRInterface:
		b.bindRouterInterface(vif, fixedIPs, deviceOwner, localVlan)
	case types.OwnerKindCompute:
		b.bindComputePort(vif, fixedIPs, deviceOwner, localVlan)
	case types.OwnerKindCentralizedSNAT:
		b.bindCsnatPort(vif, fixedIPs, deviceOwner, localVlan)
	}
}

func (b *Binder) bindRouterInterface(vif *util.VifPort, fixedIPs []inventory.FixedIP,
	deviceOwner string, localVlan int) {
	if len(fixedIPs) == 0 {
		klog.Errorf("Router interface %s has no fixed IP, cannot bind", vif.VifID)
		return
	}
	// a distributed router interface carries exactly one address
	subnetID := fixedIPs[0].SubnetID

	mapping := b.table.Subnet(subnetID)
	if mapping != nil {
		if mapping.CsnatOfport() == types.OfportInvalid {
			klog.Errorf("Duplicate DVR router interface detected for subnet %s", subnetID)
			return
		}
	} else {
		subnetInfo, err := b.rpc.GetSubnetForDVR(subnetID)
		if err != nil || subnetInfo == nil {
			klog.Errorf("Unable to retrieve subnet information for subnet %s: %v", subnetID, err)
			return
		}
		klog.V(4).Infof("Resolved subnet %s to %+v", subnetID, subnetInfo)
		mapping = NewSubnetMapping(subnetInfo, types.OfportInvalid)
		b.table.PutSubnet(subnetID, mapping)
	}

	// distributed routing takes the subnet over
	mapping.SetDVROwned(true)

	subnetInfo := mapping.SubnetInfo()
	computePorts, err := b.rpc.GetComputePortsOnHostBySubnet(subnetID)
	if err != nil {
		klog.Errorf("Failed to list local workload ports on subnet %s: %v", subnetID, err)
		return
	}
	klog.V(4).Infof("Received %d local workload ports on subnet %s", len(computePorts), subnetID)
	for _, prt := range computePorts {
		computeVif, err := b.intBr.GetVifPortByID(prt.ID)
		if err != nil {
			klog.Errorf("Failed to look up vif of port %s: %v", prt.ID, err)
			continue
		}
		if computeVif == nil {
			continue
		}
		mapping.AddComputeOfport(computeVif.VifID, computeVif.Ofport)
		record := b.table.Port(computeVif.VifID)
		if record == nil {
			record = NewOVSPortRecord(computeVif.VifID, computeVif.Ofport,
				computeVif.VifMac, prt.DeviceOwner)
			b.table.PutPort(record)
		}
		record.AddSubnet(subnetID)
		if err := b.intBr.AddFlow(fmt.Sprintf(
			"table=%d,priority=4,dl_vlan=%d,dl_dst=%s,actions=strip_vlan,mod_dl_src:%s,output:%d",
			types.DvrToSrcMac, localVlan, record.MAC, subnetInfo.GatewayMAC,
			record.Ofport)); err != nil {
			klog.Errorf("Failed to plumb workload port %s: %v", computeVif.VifID, err)
		}
	}

	// forward routed traffic for the subnet to the local ports behind
	// this router interface
	b.refreshAggregateFlow(mapping, localVlan)

	// the gateway lives everywhere, never answer for it over the tunnel
	if err := b.tunBr.AddFlow(fmt.Sprintf("table=%d,priority=3,dl_vlan=%d,arp,nw_dst=%s,actions=drop",
		types.DvrProcess, localVlan, subnetInfo.GatewayIP)); err != nil {
		klog.Errorf("Failed to install gateway ARP drop for subnet %s: %v", subnetID, err)
	}
	if err := b.tunBr.AddFlow(fmt.Sprintf("table=%d,priority=2,dl_vlan=%d,dl_dst=%s,actions=drop",
		types.DvrProcess, localVlan, vif.VifMac)); err != nil {
		klog.Errorf("Failed to install router interface drop for %s: %v", vif.VifID, err)
	}
	if err := b.tunBr.AddFlow(fmt.Sprintf(
		"table=%d,priority=1,dl_vlan=%d,dl_src=%s,actions=mod_dl_src:%s,resubmit(,%d)",
		types.DvrProcess, localVlan, vif.VifMac, b.dvrMacAddress,
		types.PatchLvToTun)); err != nil {
		klog.Errorf("Failed to install source rewrite for %s: %v", vif.VifID, err)
	}

	record := b.table.Port(vif.VifID)
	if record == nil {
		record = NewOVSPortRecord(vif.VifID, vif.Ofport, vif.VifMac, deviceOwner)
		b.table.PutPort(record)
	}
	record.AddSubnet(subnetID)
}

func (b *Binder) bindComputePort(vif *util.VifPort, fixedIPs []inventory.FixedIP,
	deviceOwner string, localVlan int) {
	for _, ip := range fixedIPs {
		mapping := b.table.Subnet(ip.SubnetID)
		if mapping == nil {
			continue
		}
		if !mapping.DVROwned() {
			// csnat-only state; plumbing happens when a router
			// interface takes the subnet over
			continue
		}
		klog.V(4).Infof("Plumbing workload port %s on subnet %s", vif.VifID, ip.SubnetID)
		subnetInfo := mapping.SubnetInfo()
		mapping.AddComputeOfport(vif.VifID, vif.Ofport)
		record := b.table.Port(vif.VifID)
		if record == nil {
			record = NewOVSPortRecord(vif.VifID, vif.Ofport, vif.VifMac, deviceOwner)
			b.table.PutPort(record)
		}
		record.AddSubnet(ip.SubnetID)
		if err := b.intBr.AddFlow(fmt.Sprintf(
			"table=%d,priority=4,dl_vlan=%d,dl_dst=%s,actions=strip_vlan,mod_dl_src:%s,output:%d",
			types.DvrToSrcMac, localVlan, record.MAC, subnetInfo.GatewayMAC,
			record.Ofport)); err != nil {
			klog.Errorf("Failed to plumb workload port %s: %v", vif.VifID, err)
		}
		b.refreshAggregateFlow(mapping, localVlan)
	}
}

func (b *Binder) bindCsnatPort(vif *util.VifPort, fixedIPs []inventory.FixedIP,
	deviceOwner string, localVlan int) {
	if record := b.table.Port(vif.VifID); record != nil {
		klog.Errorf("Centralized SNAT port %s already bound to subnets %v",
			vif.VifID, record.Subnets())
		return
	}
	if len(fixedIPs) == 0 {
		klog.Errorf("Centralized SNAT port %s has no fixed IP, cannot bind", vif.VifID)
		return
	}
	// a csnat port carries exactly one address
	subnetID := fixedIPs[0].SubnetID
	mapping := b.table.Subnet(subnetID)
	if mapping == nil {
		subnetInfo, err := b.rpc.GetSubnetForDVR(subnetID)
		if err != nil || subnetInfo == nil {
			klog.Errorf("Unable to retrieve subnet information for subnet %s: %v", subnetID, err)
			return
		}
		mapping = NewSubnetMapping(subnetInfo, vif.Ofport)
		b.table.PutSubnet(subnetID, mapping)
	} else {
		mapping.SetCsnatOfport(vif.Ofport)
	}

	record := NewOVSPortRecord(vif.VifID, vif.Ofport, vif.VifMac, deviceOwner)
	record.AddSubnet(subnetID)
	b.table.PutPort(record)

	subnetInfo := mapping.SubnetInfo()
	if err := b.intBr.AddFlow(fmt.Sprintf(
		"table=%d,priority=4,dl_vlan=%d,dl_dst=%s,actions=strip_vlan,mod_dl_src:%s,output:%d",
		types.DvrToSrcMac, localVlan, record.MAC, subnetInfo.GatewayMAC,
		record.Ofport)); err != nil {
		klog.Errorf("Failed to plumb csnat port %s: %v", vif.VifID, err)
	}
	b.refreshAggregateFlow(mapping, localVlan)
}

// UnbindPort removes the flows of a previously bound vif. The record kept
// at bind time drives the teardown, so only the vif identity is needed.
func (b *Binder) UnbindPort(vif *util.VifPort, localVlan int) {
	if b.state != stateReady {
		return
	}
	if vif == nil {
		return
	}
	record := b.table.Port(vif.VifID)
	if record == nil {
		klog.V(5).Infof("Port %s not tracked for distributed routing, ignoring unbind", vif.VifID)
		return
	}
	switch record.OwnerKind() {
	case types.OwnerKindDVRInterface:
		b.unbindRouterInterface(vif, record, localVlan)
	case types.OwnerKindCompute:
		b.unbindComputePort(vif, record, localVlan)
	case types.OwnerKindCentralizedSNAT:
		b.unbindCsnatPort(vif, record, localVlan)
	}
}

func (b *Binder) unbindRouterInterface(vif *util.VifPort, record *OVSPortRecord, localVlan int) {
	for _, subnetID := range record.Subnets() {
		mapping := b.table.Subnet(subnetID)
		if mapping == nil {
			record.RemoveSubnet(subnetID)
			continue
		}
		subnetInfo := mapping.SubnetInfo()
		mapping.SetDVROwned(false)

		// the router leaves, drop every per-workload redirect with it
		for _, computeID := range mapping.ComputeVifIDs() {
			computeRecord := b.table.Port(computeID)
			if computeRecord == nil {
				continue
			}
			if err := b.intBr.DeleteFlows(fmt.Sprintf("table=%d,dl_vlan=%d,dl_dst=%s",
				types.DvrToSrcMac, localVlan, computeRecord.MAC)); err != nil {
				klog.Errorf("Failed to remove workload flow for %s: %v", computeID, err)
			}
		}
		mapping.RemoveAllComputeOfports()

		// with a csnat port still local the aggregate flow survives,
		// pointing at it alone
		b.refreshAggregateFlow(mapping, localVlan)

		if err := b.tunBr.DeleteFlows(fmt.Sprintf("table=%d,dl_vlan=%d,arp,nw_dst=%s",
			types.DvrProcess, localVlan, subnetInfo.GatewayIP)); err != nil {
			klog.Errorf("Failed to remove gateway ARP drop for subnet %s: %v", subnetID, err)
		}
		record.RemoveSubnet(subnetID)
		b.table.PruneSubnet(subnetID)
	}

	if err := b.tunBr.DeleteFlows(fmt.Sprintf("table=%d,dl_vlan=%d,dl_dst=%s",
		types.DvrProcess, localVlan, vif.VifMac)); err != nil {
		klog.Errorf("Failed to remove router interface drop for %s: %v", vif.VifID, err)
	}
	if err := b.tunBr.DeleteFlows(fmt.Sprintf("table=%d,dl_vlan=%d,dl_src=%s",
		types.DvrProcess, localVlan, vif.VifMac)); err != nil {
		klog.Errorf("Failed to remove source rewrite for %s: %v", vif.VifID, err)
	}
	b.table.PrunePort(vif.VifID)
}

func (b *Binder) unbindComputePort(vif *util.VifPort, record *OVSPortRecord, localVlan int) {
	klog.V(4).Infof("Removing plumbing of workload port %s", vif.VifID)
	for _, subnetID := range record.Subnets() {
		mapping := b.table.Subnet(subnetID)
		if mapping == nil {
			record.RemoveSubnet(subnetID)
			continue
		}
		mapping.RemoveComputeOfport(vif.VifID)
		if err := b.intBr.DeleteFlows(fmt.Sprintf("table=%d,dl_vlan=%d,dl_dst=%s",
			types.DvrToSrcMac, localVlan, record.MAC)); err != nil {
			klog.Errorf("Failed to remove workload flow for %s: %v", vif.VifID, err)
		}
		b.refreshAggregateFlow(mapping, localVlan)
		record.RemoveSubnet(subnetID)
	}
	b.table.PrunePort(vif.VifID)
}

func (b *Binder) unbindCsnatPort(vif *util.VifPort, record *OVSPortRecord, localVlan int) {
	klog.V(4).Infof("Removing plumbing of csnat port %s", vif.VifID)
	subnets := record.Subnets()
	if len(subnets) == 0 {
		b.table.PrunePort(vif.VifID)
		return
	}
	subnetID := subnets[0]
	mapping := b.table.Subnet(subnetID)
	if mapping == nil {
		return
	}
	mapping.SetCsnatOfport(types.OfportInvalid)
	if err := b.intBr.DeleteFlows(fmt.Sprintf("table=%d,dl_vlan=%d,dl_dst=%s",
		types.DvrToSrcMac, localVlan, record.MAC)); err != nil {
		klog.Errorf("Failed to remove csnat flow for %s: %v", vif.VifID, err)
	}
	b.refreshAggregateFlow(mapping, localVlan)
	b.table.PruneSubnet(subnetID)
	record.RemoveSubnet(subnetID)
	b.table.PrunePort(vif.VifID)
}
