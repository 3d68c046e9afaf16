// Package plugin is the port-state core of the controller. It owns every
// write to the port inventory and drives the population coordinator and
// agent notifications around those writes, so that forwarding state on
// the hypervisors always trails the stored state, never races it.
package plugin

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"k8s.io/klog/v2"

	"github.com/rossella/neutron-dvr/pkg/inventory"
	"github.com/rossella/neutron-dvr/pkg/l2pop"
	"github.com/rossella/neutron-dvr/pkg/types"
)

// PortNotifier announces stored port changes to agents.
type PortNotifier interface {
	PortUpdate(ctx context.Context, port *inventory.Port, segment *inventory.Segment) error
}

// PopulationDriver receives port lifecycle hooks. The precommit hooks
// run while the rows they need still exist; the postcommit hooks run
// after the store reflects the change.
type PopulationDriver interface {
	UpdatePortPostcommit(ctx context.Context, ev *l2pop.PortEvent)
	DeletePortPrecommit(ev *l2pop.PortEvent)
	DeletePortPostcommit(ctx context.Context, ev *l2pop.PortEvent)
}

// DeviceDetails is everything an agent needs to wire one port into its
// bridges. A reply carrying only Device means the port is unknown or not
// bound to a segment.
type DeviceDetails struct {
	Device         string              `json:"device"`
	PortID         string              `json:"port_id,omitempty"`
	NetworkID      string              `json:"network_id,omitempty"`
	NetworkType    string              `json:"network_type,omitempty"`
	SegmentationID uint32              `json:"segmentation_id,omitempty"`
	AdminStateUp   bool                `json:"admin_state_up,omitempty"`
	DeviceOwner    string              `json:"device_owner,omitempty"`
	FixedIPs       []inventory.FixedIP `json:"fixed_ips,omitempty"`
}

type Plugin struct {
	store       *inventory.MemoryStore
	coordinator PopulationDriver
	notifier    PortNotifier

	// serializes read-modify-write sequences on the store
	mutex sync.Mutex
}

func NewPlugin(store *inventory.MemoryStore, coordinator PopulationDriver, notifier PortNotifier) *Plugin {
	return &Plugin{
		store:       store,
		coordinator: coordinator,
		notifier:    notifier,
	}
}

// CreatePort stores a new port. Ports are born DOWN; agents report them
// up once wired.
func (p *Plugin) CreatePort(ctx context.Context, port *inventory.Port) (*inventory.Port, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if port.ID == "" {
		port.ID = uuid.NewString()
	}
	if p.store.GetPort(port.ID) != nil {
		return nil, fmt.Errorf("port %s already exists", port.ID)
	}
	port.Status = types.PortStatusDown
	p.store.PutPort(port)
	klog.V(4).Infof("Created port %s on network %s owned by %q", port.ID, port.NetworkID, port.DeviceOwner)
	return p.store.GetPort(port.ID), nil
}

// UpdatePort stores a changed port and runs the update hooks against the
// previous incarnation. Distributed-router bindings and, when the caller
// leaves it empty, the port status are carried over from the stored
// port: both change only through their own operations.
func (p *Plugin) UpdatePort(ctx context.Context, port *inventory.Port) (*inventory.Port, error) {
	p.mutex.Lock()
	orig := p.store.GetPort(port.ID)
	if orig == nil {
		p.mutex.Unlock()
		return nil, fmt.Errorf("port %s not found", port.ID)
	}
	port.DVRBindings = orig.DVRBindings
	if port.Status == "" {
		port.Status = orig.Status
	}
	p.store.PutPort(port)
	updated := p.store.GetPort(port.ID)
	segment := p.store.GetNetworkSegment(updated.NetworkID)
	p.mutex.Unlock()

	ev := &l2pop.PortEvent{Port: updated, Original: orig, Segment: segment}
	p.coordinator.UpdatePortPostcommit(ctx, ev)
	if err := p.notifier.PortUpdate(ctx, updated, segment); err != nil {
		klog.Errorf("Failed to notify agents about port %s: %v", updated.ID, err)
	}
	return updated, nil
}

// DeletePort removes a port. Removal payloads are captured per binding
// before the rows disappear, then flushed once: a distributed router
// interface gets one capture per hosting agent but still a single
// postcommit, like any other port.
func (p *Plugin) DeletePort(ctx context.Context, portID string) error {
	p.mutex.Lock()
	port := p.store.GetPort(portID)
	if port == nil {
		p.mutex.Unlock()
		klog.V(4).Infof("Port %s already deleted", portID)
		return nil
	}
	klog.V(4).Infof("Deleting port %s owned by %q", portID, port.DeviceOwner)
	segment := p.store.GetNetworkSegment(port.NetworkID)

	var last *l2pop.PortEvent
	if port.OwnerKind() == types.OwnerKindDVRInterface {
		bindings := append([]inventory.DVRBinding{}, port.DVRBindings...)
		sort.Slice(bindings, func(i, j int) bool { return bindings[i].Host < bindings[j].Host })
		for i := range bindings {
			ev := &l2pop.PortEvent{
				Port:          port,
				Original:      port,
				Segment:       segment,
				BindingHost:   bindings[i].Host,
				BindingStatus: bindings[i].Status,
			}
			p.coordinator.DeletePortPrecommit(ev)
			last = ev
		}
	} else {
		last = &l2pop.PortEvent{Port: port, Original: port, Segment: segment}
		p.coordinator.DeletePortPrecommit(last)
	}
	p.store.DeletePort(portID)
	p.mutex.Unlock()

	if last == nil {
		klog.Errorf("No binding context captured while deleting port %s", portID)
		return nil
	}
	p.coordinator.DeletePortPostcommit(ctx, last)
	return nil
}

// UpdatePortStatus records the status an agent reports for a port. For
// distributed router interfaces the status lands on the per-host binding
// and the parent port takes the status derived across all bindings; the
// update hooks then run unconditionally, because a binding transition is
// meaningful even when the derived status did not move. Other ports only
// generate work when the status actually changes. Returns false when the
// port, or the binding the report is for, does not exist.
func (p *Plugin) UpdatePortStatus(ctx context.Context, portID, status, host string) bool {
	p.mutex.Lock()
	port := p.store.GetPort(portID)
	if port == nil {
		p.mutex.Unlock()
		klog.Warningf("Port %s updated by agent not found", portID)
		return false
	}

	isDVR := port.OwnerKind() == types.OwnerKindDVRInterface
	var ev *l2pop.PortEvent
	if isDVR {
		updated := p.store.GetPort(portID)
		binding := updated.DVRBindingForHost(host)
		if binding == nil {
			p.mutex.Unlock()
			klog.Errorf("Binding info for port %s on host %s not found", portID, host)
			return false
		}
		binding.Status = status
		updated.Status = updated.DerivedDVRStatus()
		p.store.PutPort(updated)
		ev = &l2pop.PortEvent{
			Port:          p.store.GetPort(portID),
			Original:      port,
			Segment:       p.store.GetNetworkSegment(port.NetworkID),
			BindingHost:   host,
			BindingStatus: status,
		}
	} else if port.Status != status {
		updated := p.store.GetPort(portID)
		updated.Status = status
		p.store.PutPort(updated)
		ev = &l2pop.PortEvent{
			Port:     p.store.GetPort(portID),
			Original: port,
			Segment:  p.store.GetNetworkSegment(port.NetworkID),
		}
	}
	p.mutex.Unlock()

	if ev != nil {
		p.coordinator.UpdatePortPostcommit(ctx, ev)
	}
	if isDVR {
		p.checkAndDeleteDVRBinding(portID, host)
	}
	return true
}

// checkAndDeleteDVRBinding drops a distributed-router binding once it is
// both unscheduled and down, so hosts that no longer run the router stop
// accumulating stale rows.
func (p *Plugin) checkAndDeleteDVRBinding(portID, host string) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	port := p.store.GetPort(portID)
	if port == nil {
		return
	}
	binding := port.DVRBindingForHost(host)
	if binding == nil || binding.RouterID != "" || binding.Status != types.PortStatusDown {
		return
	}
	klog.V(4).Infof("Deleting DVR binding of port %s on host %s", portID, host)
	kept := make([]inventory.DVRBinding, 0, len(port.DVRBindings)-1)
	for _, b := range port.DVRBindings {
		if b.Host != host {
			kept = append(kept, b)
		}
	}
	port.DVRBindings = kept
	p.store.PutPort(port)
}

// PortBoundToHost reports whether the port is bound on host: through a
// per-host binding for distributed router interfaces, through the
// binding host for everything else.
func (p *Plugin) PortBoundToHost(portID, host string) bool {
	port := p.store.GetPort(portID)
	if port == nil {
		klog.V(5).Infof("Port %s not found", portID)
		return false
	}
	if port.OwnerKind() == types.OwnerKindDVRInterface {
		if port.DVRBindingForHost(host) != nil {
			return true
		}
		klog.V(5).Infof("No binding exists for port %s on host %s", portID, host)
		return false
	}
	return port.HostID == host
}

// EnsureDVRPortBinding returns the distributed-router binding of the
// port on host, creating it DOWN when absent.
func (p *Plugin) EnsureDVRPortBinding(portID, host, routerID string) (*inventory.DVRBinding, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.ensureDVRBindingLocked(portID, host, routerID)
}

func (p *Plugin) ensureDVRBindingLocked(portID, host, routerID string) (*inventory.DVRBinding, error) {
	port := p.store.GetPort(portID)
	if port == nil {
		return nil, fmt.Errorf("port %s not found", portID)
	}
	if b := port.DVRBindingForHost(host); b != nil {
		return b, nil
	}
	binding := inventory.DVRBinding{
		Host:     host,
		RouterID: routerID,
		Status:   types.PortStatusDown,
	}
	port.DVRBindings = append(port.DVRBindings, binding)
	p.store.PutPort(port)
	klog.V(4).Infof("Created DVR binding of port %s on host %s", portID, host)
	return &binding, nil
}

// GetDeviceDetails answers an agent's request for the port behind a
// wired device. Requests for distributed router interfaces create the
// per-host binding on demand. Resolving a device flips its port to BUILD
// (or DOWN when administratively disabled) until the agent reports it
// up; the flip runs through UpdatePortStatus so the usual hooks fire.
func (p *Plugin) GetDeviceDetails(ctx context.Context, device, host string) *DeviceDetails {
	details := &DeviceDetails{Device: device}

	p.mutex.Lock()
	port := p.store.GetPort(device)
	if port == nil {
		p.mutex.Unlock()
		klog.Warningf("Device %s requested by agent on host %s not found", device, host)
		return details
	}
	segment := p.store.GetNetworkSegment(port.NetworkID)
	if segment == nil {
		p.mutex.Unlock()
		klog.Warningf("Device %s requested by agent on host %s has network %s with no segments",
			device, host, port.NetworkID)
		return details
	}
	if port.OwnerKind() == types.OwnerKindDVRInterface && host != "" {
		if _, err := p.ensureDVRBindingLocked(port.ID, host, ""); err != nil {
			p.mutex.Unlock()
			klog.Errorf("Failed to ensure DVR binding of port %s on host %s: %v", port.ID, host, err)
			return details
		}
	}
	p.mutex.Unlock()

	newStatus := types.PortStatusBuild
	if !port.AdminStateUp {
		newStatus = types.PortStatusDown
	}
	if port.Status != newStatus {
		p.UpdatePortStatus(ctx, port.ID, newStatus, host)
	}

	details.PortID = port.ID
	details.NetworkID = port.NetworkID
	details.NetworkType = segment.NetworkType
	details.SegmentationID = segment.SegmentationID
	details.AdminStateUp = port.AdminStateUp
	details.DeviceOwner = port.DeviceOwner
	details.FixedIPs = port.FixedIPs
	klog.V(5).Infof("Returning device details for %s to host %s: %+v", device, host, details)
	return details
}

// ReportAgentState records an agent heartbeat. The first report after an
// agent (re)start carries startFlag and resets the recorded start time,
// which is what the boot-time forwarding-table sync keys off.
func (p *Plugin) ReportAgentState(host, tunnelIP string, tunnelTypes []string, startFlag bool) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	now := time.Now()
	agent := p.store.GetAgentByHost(host)
	if agent == nil {
		klog.Infof("Agent on host %s registered with tunnel endpoint %s serving %v",
			host, tunnelIP, tunnelTypes)
		agent = &inventory.Agent{Host: host, StartedAt: now}
	} else if startFlag {
		klog.Infof("Agent on host %s restarted", host)
		agent.StartedAt = now
	}
	agent.TunnelIP = tunnelIP
	agent.TunnelTypes = tunnelTypes
	agent.HeartbeatAt = now
	p.store.PutAgent(agent)
}
