package dvr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"

	libovsdbclient "github.com/ovn-org/libovsdb/client"
	"k8s.io/klog/v2"

	"github.com/rossella/neutron-dvr/pkg/config"
	"github.com/rossella/neutron-dvr/pkg/dvrdb"
	"github.com/rossella/neutron-dvr/pkg/inventory"
	"github.com/rossella/neutron-dvr/pkg/metrics"
	"github.com/rossella/neutron-dvr/pkg/types"
	"github.com/rossella/neutron-dvr/pkg/util"
)

// HostMAC pairs a hypervisor host with the MAC its distributed routers
// source traffic from. It is the unit broadcast to agents whenever the
// table changes.
type HostMAC struct {
	Host       string `json:"host"`
	MACAddress string `json:"mac_address"`
}

// MACGenerationFailedError is returned when every candidate MAC drawn for
// a host collided with an existing allocation.
type MACGenerationFailedError struct {
	Host     string
	Attempts int
}

func (e *MACGenerationFailedError) Error() string {
	return fmt.Sprintf("unable to generate a unique DVR MAC for host %q after %d attempts",
		e.Host, e.Attempts)
}

// MacNotifier fans the refreshed host/MAC table out to agents after every
// allocation or removal.
type MacNotifier interface {
	DVRMacAddressUpdate(ctx context.Context, macs []HostMAC) error
}

// PortStore is the slice of the inventory the manager needs to resolve
// subnet gateways and locate serviceable ports.
type PortStore interface {
	GetSubnet(id string) *inventory.Subnet
	GetSubnetPorts(subnetID string) []*inventory.Port
}

// Manager owns the per-host distributed-router MAC table persisted in the
// DVR_Control database. Uniqueness of both the host and the MAC is
// enforced by the database schema, so concurrent controllers can allocate
// without coordination: losers of a race either adopt the winner's row or
// redraw.
type Manager struct {
	client   libovsdbclient.Client
	ports    PortStore
	notifier MacNotifier
	baseMAC  net.HardwareAddr
	retries  int

	// genMAC draws a candidate MAC. Tests swap it out to force
	// collisions.
	genMAC func() (net.HardwareAddr, error)
}

func NewManager(client libovsdbclient.Client, ports PortStore, notifier MacNotifier) *Manager {
	m := &Manager{
		client:   client,
		ports:    ports,
		notifier: notifier,
		baseMAC:  config.Default.BaseMAC(),
		retries:  config.Default.MACGenerationRetries,
	}
	m.genMAC = func() (net.HardwareAddr, error) {
		return util.GenerateDVRMACAddress(m.baseMAC)
	}
	return m
}

func (m *Manager) lookupHost(ctx context.Context, host string) (*dvrdb.DVRMACBinding, error) {
	bindings := []*dvrdb.DVRMACBinding{}
	err := m.client.WhereCache(func(b *dvrdb.DVRMACBinding) bool {
		return b.Host == host
	}).List(ctx, &bindings)
	if err != nil {
		return nil, fmt.Errorf("failed to look up DVR MAC for host %q: %v", host, err)
	}
	if len(bindings) == 0 {
		return nil, nil
	}
	return bindings[0], nil
}

// GetOrCreate returns the MAC assigned to host, allocating and persisting
// a fresh one on first sight. Allocation draws random candidates under
// the configured base prefix and relies on the schema's unique indexes to
// reject duplicates; it gives up after the configured number of attempts.
func (m *Manager) GetOrCreate(ctx context.Context, host string) (*HostMAC, error) {
	binding, err := m.lookupHost(ctx, host)
	if err != nil {
		return nil, err
	}
	if binding != nil {
		metrics.MetricMacAllocationsCount.Inc()
		return &HostMAC{Host: binding.Host, MACAddress: binding.MACAddress}, nil
	}

	for attempt := 1; attempt <= m.retries; attempt++ {
		mac, err := m.genMAC()
		if err != nil {
			return nil, err
		}
		candidate := &dvrdb.DVRMACBinding{Host: host, MACAddress: mac.String()}
		ops, err := m.client.Create(candidate)
		if err != nil {
			return nil, fmt.Errorf("failed to build insert for DVR MAC of host %q: %v", host, err)
		}
		_, err = dvrdb.TransactAndCheck(ctx, m.client, ops)
		if err == nil {
			klog.V(4).Infof("Allocated DVR MAC %s for host %s on attempt %d",
				candidate.MACAddress, host, attempt)
			metrics.MetricMacAllocationsCount.Inc()
			m.broadcast(ctx)
			return &HostMAC{Host: host, MACAddress: candidate.MACAddress}, nil
		}
		if !errors.Is(err, dvrdb.ErrConstraintViolation) {
			return nil, err
		}
		// Either another controller created the row for this host first
		// or the drawn MAC belongs to a different host. Adopt the former,
		// redraw on the latter.
		binding, lookupErr := m.lookupHost(ctx, host)
		if lookupErr != nil {
			return nil, lookupErr
		}
		if binding != nil {
			metrics.MetricMacAllocationsCount.Inc()
			return &HostMAC{Host: binding.Host, MACAddress: binding.MACAddress}, nil
		}
		metrics.MetricMacAllocationRetries.Inc()
		klog.V(4).Infof("DVR MAC %s already in use, retrying (attempt %d of %d)",
			candidate.MACAddress, attempt, m.retries)
	}
	metrics.MetricMacAllocationFailures.Inc()
	return nil, &MACGenerationFailedError{Host: host, Attempts: m.retries}
}

// Delete removes the MAC allocation of host, if any, and rebroadcasts the
// table. Deleting an unknown host is a no-op.
func (m *Manager) Delete(ctx context.Context, host string) error {
	binding, err := m.lookupHost(ctx, host)
	if err != nil {
		return err
	}
	if binding == nil {
		return nil
	}
	ops, err := m.client.WhereCache(func(b *dvrdb.DVRMACBinding) bool {
		return b.Host == host
	}).Delete()
	if err != nil {
		return fmt.Errorf("failed to build delete for DVR MAC of host %q: %v", host, err)
	}
	if _, err := dvrdb.TransactAndCheck(ctx, m.client, ops); err != nil {
		return err
	}
	klog.V(4).Infof("Deleted DVR MAC %s of host %s", binding.MACAddress, host)
	m.broadcast(ctx)
	return nil
}

// List returns every host/MAC pair, ordered by host.
func (m *Manager) List(ctx context.Context) ([]HostMAC, error) {
	bindings := []*dvrdb.DVRMACBinding{}
	if err := m.client.List(ctx, &bindings); err != nil {
		return nil, fmt.Errorf("failed to list DVR MACs: %v", err)
	}
	macs := make([]HostMAC, 0, len(bindings))
	for _, b := range bindings {
		macs = append(macs, HostMAC{Host: b.Host, MACAddress: b.MACAddress})
	}
	sort.Slice(macs, func(i, j int) bool { return macs[i].Host < macs[j].Host })
	return macs, nil
}

// broadcast pushes the full table to agents. Failures are logged, not
// returned: the table is the source of truth and agents resync on their
// next fetch.
func (m *Manager) broadcast(ctx context.Context) {
	if m.notifier == nil {
		return
	}
	macs, err := m.List(ctx)
	if err != nil {
		klog.Errorf("Failed to list DVR MACs for broadcast: %v", err)
		return
	}
	if err := m.notifier.DVRMacAddressUpdate(ctx, macs); err != nil {
		klog.Errorf("Failed to broadcast DVR MAC update: %v", err)
	}
}

// GetSubnetForDVR resolves the subnet details a distributed router
// interface needs to populate its flows, including the MAC of the port
// that holds the subnet's gateway IP. It returns nil when the subnet does
// not exist or no port owns the gateway address.
func (m *Manager) GetSubnetForDVR(subnetID string) *inventory.SubnetGatewayInfo {
	subnet := m.ports.GetSubnet(subnetID)
	if subnet == nil {
		return nil
	}
	for _, port := range m.ports.GetSubnetPorts(subnetID) {
		if port.HasIP(subnetID, subnet.GatewayIP) {
			return &inventory.SubnetGatewayInfo{
				Subnet:     *subnet,
				GatewayMAC: port.MACAddress,
			}
		}
	}
	klog.Errorf("Could not retrieve gateway port for subnet %s", subnetID)
	return nil
}

// GetComputePortsOnHostBySubnet returns the ports on the subnet that are
// bound to host and serviced by distributed routing, i.e. hypervisor
// workload ports.
func (m *Manager) GetComputePortsOnHostBySubnet(host, subnetID string) []*inventory.Port {
	ports := []*inventory.Port{}
	for _, port := range m.ports.GetSubnetPorts(subnetID) {
		if port.OwnerKind() != types.OwnerKindCompute {
			continue
		}
		if port.HostID != host {
			continue
		}
		ports = append(ports, port)
	}
	klog.V(5).Infof("Found %d DVR-serviced ports on subnet %s for host %s",
		len(ports), subnetID, host)
	return ports
}
