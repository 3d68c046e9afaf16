// Package agent implements the per-host side of distributed routing: an
// event loop fed from the message bus that programs the local Open
// vSwitch bridges through the flow binder.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/klog/v2"

	"github.com/rossella/neutron-dvr/pkg/dvr"
	"github.com/rossella/neutron-dvr/pkg/inventory"
	"github.com/rossella/neutron-dvr/pkg/notifier"
	"github.com/rossella/neutron-dvr/pkg/plugin"
	"github.com/rossella/neutron-dvr/pkg/util"
)

const (
	// maxLocalVlan is the highest node-local VLAN id available for
	// isolating networks on the integration bridge.
	maxLocalVlan = 4094

	// canaryCheckInterval is how often the agent verifies the switch
	// kept its flows.
	canaryCheckInterval = 10 * time.Second

	// stateReportInterval is how often the agent refreshes its
	// registration with the controller.
	stateReportInterval = 30 * time.Second

	eventChannelSize = 64
)

// DeviceClient is the slice of the controller RPC surface the event loop
// drives: device resolution, status reporting, and the periodic agent
// state report.
type DeviceClient interface {
	GetDeviceDetails(device string) (*plugin.DeviceDetails, error)
	UpdateDeviceUp(device string) error
	UpdateDeviceDown(device string) (bool, error)
	ReportAgentState(tunnelIP string, tunnelTypes []string, startFlag bool) error
}

// localNetwork is the node-local state of one network: the VLAN that
// isolates it on the integration bridge, the tunnel parameters it was
// provisioned with, and the ports bound under it.
type localNetwork struct {
	vlan           int
	networkType    string
	segmentationID uint32
	ports          sets.Set[string]
}

// Agent drives the binder from the message bus: it keeps the MAC
// classification flows reconciled, binds and unbinds ports as the
// controller announces changes, and rebuilds everything when the switch
// restarts. All binder and table access happens on the Run goroutine.
type Agent struct {
	nc     *nats.Conn
	rpc    DeviceClient
	binder *Binder
	intBr  *OVSBridge
	tunBr  *OVSBridge

	patchIntName string
	patchTunName string

	tunnelIP    string
	tunnelTypes []string
	// startFlag stays armed until a state report goes through, so the
	// controller learns about the restart even when it was unreachable
	// during agent startup.
	startFlag bool

	nextVlan  int
	usedVlans map[int]bool
	networks  map[string]*localNetwork
}

func NewAgent(nc *nats.Conn, rpcClient DeviceClient, binder *Binder,
	intBr, tunBr *OVSBridge, patchIntName, patchTunName string,
	tunnelIP string, tunnelTypes []string) *Agent {
	return &Agent{
		nc:           nc,
		rpc:          rpcClient,
		binder:       binder,
		intBr:        intBr,
		tunBr:        tunBr,
		patchIntName: patchIntName,
		patchTunName: patchTunName,
		tunnelIP:     tunnelIP,
		tunnelTypes:  tunnelTypes,
		startFlag:    true,
		nextVlan:     1,
		usedVlans:    map[int]bool{},
		networks:     map[string]*localNetwork{},
	}
}

// Run subscribes to the control subjects and processes events until the
// context is canceled.
func (a *Agent) Run(ctx context.Context) error {
	macCh := make(chan *nats.Msg, eventChannelSize)
	portCh := make(chan *nats.Msg, eventChannelSize)

	macSub, err := a.nc.ChanSubscribe(notifier.SubjectMacUpdate, macCh)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %v", notifier.SubjectMacUpdate, err)
	}
	defer macSub.Unsubscribe()
	portSub, err := a.nc.ChanSubscribe(notifier.SubjectPortUpdate, portCh)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %v", notifier.SubjectPortUpdate, err)
	}
	defer portSub.Unsubscribe()

	canary := time.NewTicker(canaryCheckInterval)
	defer canary.Stop()
	report := time.NewTicker(stateReportInterval)
	defer report.Stop()

	a.reportState()

	klog.Info("Agent event loop started")
	for {
		select {
		case <-ctx.Done():
			klog.Info("Agent event loop stopped")
			return nil
		case msg := <-macCh:
			a.handleMacUpdate(msg.Data)
		case msg := <-portCh:
			a.handlePortUpdateMsg(msg.Data)
		case <-canary.C:
			a.checkRestart()
		case <-report.C:
			a.reportState()
		}
	}
}

// reportState registers this agent with the controller and keeps the
// registration fresh. Failures are retried on the next tick.
func (a *Agent) reportState() {
	if err := a.rpc.ReportAgentState(a.tunnelIP, a.tunnelTypes, a.startFlag); err != nil {
		klog.Warningf("Failed to report agent state: %v", err)
		return
	}
	a.startFlag = false
}

func (a *Agent) handleMacUpdate(data []byte) {
	macs := []dvr.HostMAC{}
	if err := json.Unmarshal(data, &macs); err != nil {
		klog.Errorf("Malformed MAC table update: %v", err)
		return
	}
	a.binder.ReconcileMACSet(macs)
}

func (a *Agent) handlePortUpdateMsg(data []byte) {
	ev := &notifier.PortUpdateEvent{}
	if err := json.Unmarshal(data, ev); err != nil {
		klog.Errorf("Malformed port update: %v", err)
		return
	}
	a.handlePortUpdate(ev)
}

func (a *Agent) handlePortUpdate(ev *notifier.PortUpdateEvent) {
	if ev.Port == nil {
		return
	}
	portID := ev.Port.ID
	vif, err := a.intBr.GetVifPortByID(portID)
	if err != nil {
		klog.Errorf("Failed to look up vif of port %s: %v", portID, err)
		return
	}
	if vif == nil {
		a.handlePortRemoved(ev.Port)
		return
	}

	details, err := a.rpc.GetDeviceDetails(portID)
	if err != nil {
		klog.Errorf("Failed to fetch details of device %s: %v", portID, err)
		return
	}
	if details.PortID == "" {
		klog.Warningf("Device %s not known to the controller", portID)
		return
	}

	net, err := a.ensureNetwork(details.NetworkID, details.NetworkType, details.SegmentationID)
	if err != nil {
		klog.Errorf("Cannot realize network %s locally: %v", details.NetworkID, err)
		return
	}

	if details.AdminStateUp {
		a.binder.BindPort(vif, details.NetworkType, details.FixedIPs, details.DeviceOwner, net.vlan)
		net.ports.Insert(portID)
		if err := a.rpc.UpdateDeviceUp(portID); err != nil {
			klog.Errorf("Failed to report device %s up: %v", portID, err)
		}
	} else {
		a.binder.UnbindPort(vif, net.vlan)
		net.ports.Delete(portID)
		if _, err := a.rpc.UpdateDeviceDown(portID); err != nil {
			klog.Errorf("Failed to report device %s down: %v", portID, err)
		}
		a.releaseNetwork(details.NetworkID)
	}
}

// handlePortRemoved tears local state down once the vif is gone from the
// switch. The bind-time record still identifies the flows to remove.
func (a *Agent) handlePortRemoved(port *inventory.Port) {
	net, ok := a.networks[port.NetworkID]
	if !ok {
		return
	}
	if !net.ports.Has(port.ID) {
		return
	}
	a.binder.UnbindPort(&util.VifPort{VifID: port.ID, VifMac: port.MACAddress}, net.vlan)
	net.ports.Delete(port.ID)
	if _, err := a.rpc.UpdateDeviceDown(port.ID); err != nil {
		klog.Errorf("Failed to report device %s down: %v", port.ID, err)
	}
	a.releaseNetwork(port.NetworkID)
}

// ensureNetwork returns the network's local state, assigning a VLAN and
// provisioning the tunnel classification on first sight.
func (a *Agent) ensureNetwork(networkID, networkType string, segmentationID uint32) (*localNetwork, error) {
	if net, ok := a.networks[networkID]; ok {
		return net, nil
	}
	vlan, err := a.allocateVlan()
	if err != nil {
		return nil, err
	}
	net := &localNetwork{
		vlan:           vlan,
		networkType:    networkType,
		segmentationID: segmentationID,
		ports:          sets.New[string](),
	}
	a.networks[networkID] = net
	if err := a.binder.ProvisionTunneledNetwork(networkType, vlan, segmentationID); err != nil {
		klog.Errorf("Failed to provision network %s on the tunnel bridge: %v", networkID, err)
	}
	klog.V(4).Infof("Assigned local VLAN %d to network %s", vlan, networkID)
	return net, nil
}

func (a *Agent) allocateVlan() (int, error) {
	if len(a.usedVlans) >= maxLocalVlan {
		return 0, fmt.Errorf("local VLAN range exhausted")
	}
	for a.usedVlans[a.nextVlan] {
		a.nextVlan++
		if a.nextVlan > maxLocalVlan {
			a.nextVlan = 1
		}
	}
	vlan := a.nextVlan
	a.usedVlans[vlan] = true
	return vlan, nil
}

// releaseNetwork reclaims the network's VLAN once its last port is gone.
func (a *Agent) releaseNetwork(networkID string) {
	net, ok := a.networks[networkID]
	if !ok {
		return
	}
	if net.ports.Len() > 0 {
		return
	}
	if err := a.binder.ReleaseTunneledNetwork(net.networkType, net.segmentationID); err != nil {
		klog.Errorf("Failed to release network %s on the tunnel bridge: %v", networkID, err)
	}
	delete(a.usedVlans, net.vlan)
	delete(a.networks, networkID)
	klog.V(4).Infof("Reclaimed local VLAN %d of network %s", net.vlan, networkID)
}

// checkRestart rebuilds all flows when the canary is gone, then rebinds
// the ports that were plumbed before the switch restarted.
func (a *Agent) checkRestart() {
	intact, err := a.intBr.CheckCanary()
	if err != nil {
		klog.Errorf("Failed to check the restart canary: %v", err)
		return
	}
	if intact {
		return
	}
	klog.Warning("Open vSwitch restart detected, rebuilding flows")
	patchTunOfport, err := a.intBr.GetPortOfport(a.patchTunName)
	if err != nil {
		klog.Errorf("Failed to resolve %s after the restart: %v", a.patchTunName, err)
		return
	}
	patchIntOfport, err := a.tunBr.GetPortOfport(a.patchIntName)
	if err != nil {
		klog.Errorf("Failed to resolve %s after the restart: %v", a.patchIntName, err)
		return
	}
	a.binder.ResetOVSParameters(patchIntOfport, patchTunOfport)
	if err := a.binder.Setup(); err != nil {
		klog.Errorf("Failed to rebuild flows after the switch restart: %v", err)
		return
	}
	a.resyncAfterRestart()
}

// resyncAfterRestart replays the ports that were bound before the restart
// through the regular update path, rebuilding networks and VLANs from
// scratch.
func (a *Agent) resyncAfterRestart() {
	known := a.networks
	a.networks = map[string]*localNetwork{}
	a.usedVlans = map[int]bool{}
	a.nextVlan = 1
	for networkID, net := range known {
		for _, portID := range sets.List(net.ports) {
			a.handlePortUpdate(&notifier.PortUpdateEvent{
				Port: &inventory.Port{ID: portID, NetworkID: networkID},
			})
		}
	}
}
