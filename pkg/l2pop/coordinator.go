package l2pop

import (
	"context"
	"sort"
	"sync"
	"time"

	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/klog/v2"

	"github.com/rossella/neutron-dvr/pkg/inventory"
	"github.com/rossella/neutron-dvr/pkg/metrics"
	"github.com/rossella/neutron-dvr/pkg/types"
)

// Notifier delivers forwarding-table deltas to agents. An empty host
// fans the payload out to every agent; otherwise only the named host
// receives it.
type Notifier interface {
	AddFdbEntries(ctx context.Context, fdb FdbPayload, host string) error
	RemoveFdbEntries(ctx context.Context, fdb FdbPayload) error
	UpdateFdbEntries(ctx context.Context, changes ChangedIPPayload) error
}

// AgentView is the slice of the inventory consulted when resolving
// events and assembling payloads.
type AgentView interface {
	GetAgentByHost(host string) *inventory.Agent
	AgentNetworkActivePortCount(host, networkID string) int
	NondvrNetworkPorts(networkID string) []inventory.HostedPort
	DvrNetworkPorts(networkID string) []inventory.HostedPort
}

// PortEvent is the post-commit view of a port operation: the stored
// port, its previous incarnation, and the segment its binding resolved
// to. For distributed router interfaces BindingHost and BindingStatus
// identify the per-host binding the event is about; every other port
// carries its binding host on the port itself.
type PortEvent struct {
	Port          *inventory.Port
	Original      *inventory.Port
	Segment       *inventory.Segment
	BindingHost   string
	BindingStatus string
}

// AgentHost returns the host whose agent the event concerns.
func (ev *PortEvent) AgentHost() string {
	return ev.hostFor(ev.Port)
}

func (ev *PortEvent) hostFor(port *inventory.Port) string {
	if port.OwnerKind() == types.OwnerKindDVRInterface {
		return ev.BindingHost
	}
	return port.HostID
}

// Coordinator turns port lifecycle transitions into forwarding-table
// deltas and fans them out to agents. It keeps two pieces of state:
// ports caught mid live-migration, and removal payloads captured before
// a delete destroys the rows needed to compute them.
type Coordinator struct {
	agents    AgentView
	notifier  Notifier
	delta     *DeltaComputer
	bootGrace time.Duration

	mutex           sync.Mutex
	migratedPorts   map[string]*inventory.Port
	pendingRemovals map[string]map[string]FdbPayload
}

// NewCoordinator wires a coordinator to the inventory and the agent
// notifier. Agents whose uptime is below bootGrace are re-fed the whole
// network view on port activation, which lets a restarted agent rebuild
// its tables without waiting for its first port of each network.
func NewCoordinator(agents AgentView, notifier Notifier, bootGrace time.Duration) *Coordinator {
	return &Coordinator{
		agents:          agents,
		notifier:        notifier,
		delta:           NewDeltaComputer(agents),
		bootGrace:       bootGrace,
		migratedPorts:   map[string]*inventory.Port{},
		pendingRemovals: map[string]map[string]FdbPayload{},
	}
}

// portContext is the fully resolved view needed to notify about a port.
type portContext struct {
	agent   *inventory.Agent
	host    string
	segment *inventory.Segment
}

// resolvePortContext gathers everything needed to notify about port, or
// returns nil when the event cannot produce a notification: an unbound
// port, an unknown or endpoint-less agent, an unbound segment, or a
// tunnel type the agent does not terminate.
func (c *Coordinator) resolvePortContext(ev *PortEvent, port *inventory.Port) *portContext {
	host := ev.hostFor(port)
	if host == "" {
		klog.V(5).Infof("Port %s is not bound to any host", port.ID)
		return nil
	}
	agent := c.agents.GetAgentByHost(host)
	if agent == nil {
		klog.V(5).Infof("No agent registered on host %s for port %s", host, port.ID)
		return nil
	}
	if agent.TunnelIP == "" {
		klog.Warningf("Unable to retrieve the tunnel IP of agent on host %s, check the agent configuration", host)
		return nil
	}
	if ev.Segment == nil {
		klog.Warningf("Port %s updated by agent on host %s isn't bound to any segment", port.ID, host)
		return nil
	}
	if !agent.ServesTunnelType(ev.Segment.NetworkType) {
		klog.V(5).Infof("Agent on host %s does not terminate %s tunnels, skipping port %s",
			host, ev.Segment.NetworkType, port.ID)
		return nil
	}
	return &portContext{
		agent:   agent,
		host:    host,
		segment: ev.Segment,
	}
}

// UpdatePortPostcommit reconciles remote forwarding tables after a port
// update has been stored. Exactly one transition is handled per event:
// address changes win over everything, then distributed-router binding
// transitions, then live-migration tracking, then plain status changes.
func (c *Coordinator) UpdatePortPostcommit(ctx context.Context, ev *PortEvent) {
	port, orig := ev.Port, ev.Original
	if removed, added := DiffFixedIPs(orig, port); removed != nil || added != nil {
		c.fixedIPsChanged(ctx, ev, removed, added)
		return
	}
	switch {
	case port.OwnerKind() == types.OwnerKindDVRInterface:
		switch ev.BindingStatus {
		case types.PortStatusActive:
			c.portUp(ctx, ev)
		case types.PortStatusDown:
			c.removeAndNotify(ctx, ev, port, TeardownThresholdPostCommit)
		}
	case port.HostID != orig.HostID && port.Status == types.PortStatusActive && !c.migrationTracked(orig.ID):
		// The port moved host while staying up: a live migration
		// started. Remember the original binding so the old host can be
		// torn down once the destination reports the port rebuilt.
		c.recordMigration(orig)
	case port.Status != orig.Status:
		switch port.Status {
		case types.PortStatusActive:
			c.portUp(ctx, ev)
		case types.PortStatusDown:
			c.removeAndNotify(ctx, ev, port, TeardownThresholdPostCommit)
		case types.PortStatusBuild:
			if migrated := c.popMigration(port.ID); migrated != nil {
				c.removeAndNotify(ctx, ev, migrated, TeardownThresholdPostCommit)
			}
		}
	}
}

// DeletePortPrecommit captures the removal payload of each binding of a
// port about to be deleted, while the rows needed to compute it still
// exist. DeletePortPostcommit flushes them.
func (c *Coordinator) DeletePortPrecommit(ev *PortEvent) {
	fdb := c.teardownPayload(ev, ev.Port, TeardownThresholdPreCommit)
	if fdb == nil {
		return
	}
	host := ev.AgentHost()
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.pendingRemovals[ev.Port.ID] == nil {
		c.pendingRemovals[ev.Port.ID] = map[string]FdbPayload{}
	}
	c.pendingRemovals[ev.Port.ID][host] = fdb
}

// DeletePortPostcommit broadcasts every removal payload captured for the
// deleted port.
func (c *Coordinator) DeletePortPostcommit(ctx context.Context, ev *PortEvent) {
	c.mutex.Lock()
	pending := c.pendingRemovals[ev.Port.ID]
	delete(c.pendingRemovals, ev.Port.ID)
	c.mutex.Unlock()

	hosts := make([]string, 0, len(pending))
	for host := range pending {
		hosts = append(hosts, host)
	}
	sort.Strings(hosts)
	for _, host := range hosts {
		if err := c.notifier.RemoveFdbEntries(ctx, pending[host]); err != nil {
			klog.Errorf("Failed to broadcast forwarding removals for port %s on host %s: %v",
				ev.Port.ID, host, err)
		}
	}
}

func (c *Coordinator) portUp(ctx context.Context, ev *PortEvent) {
	port := ev.Port
	pctx := c.resolvePortContext(ev, port)
	if pctx == nil {
		return
	}
	networkID := pctx.segment.NetworkID
	activePorts := c.agents.AgentNetworkActivePortCount(pctx.host, networkID)

	otherFdb := c.delta.IncrementalPayload(pctx.segment, pctx.agent.TunnelIP, port)

	if activePorts == 1 || pctx.agent.Uptime() < c.bootGrace {
		// First active port of this network on the agent, or the agent
		// restarted recently: feed it the whole network view and tell
		// everyone else to start flooding towards it.
		agentFdb := c.delta.BootstrapPayload(pctx.segment, pctx.host)
		otherFdb[networkID].Ports[pctx.agent.TunnelIP] = append(
			[]FdbEntry{FloodingEntry}, otherFdb[networkID].Ports[pctx.agent.TunnelIP]...)
		if len(agentFdb[networkID].Ports) > 0 {
			if err := c.notifier.AddFdbEntries(ctx, agentFdb, pctx.host); err != nil {
				klog.Errorf("Failed to send forwarding entries to host %s: %v", pctx.host, err)
			}
		}
	}

	if err := c.notifier.AddFdbEntries(ctx, otherFdb, ""); err != nil {
		klog.Errorf("Failed to broadcast forwarding entries for port %s: %v", port.ID, err)
	}
}

func (c *Coordinator) removeAndNotify(ctx context.Context, ev *PortEvent, port *inventory.Port, floodThreshold int) {
	fdb := c.teardownPayload(ev, port, floodThreshold)
	if fdb == nil {
		return
	}
	if err := c.notifier.RemoveFdbEntries(ctx, fdb); err != nil {
		klog.Errorf("Failed to broadcast forwarding removals for port %s: %v", port.ID, err)
	}
}

func (c *Coordinator) teardownPayload(ev *PortEvent, port *inventory.Port, floodThreshold int) FdbPayload {
	pctx := c.resolvePortContext(ev, port)
	if pctx == nil {
		return nil
	}
	return c.delta.TeardownPayload(pctx.segment, pctx.agent, port, floodThreshold)
}

func (c *Coordinator) fixedIPsChanged(ctx context.Context, ev *PortEvent, removed, added sets.Set[string]) {
	pctx := c.resolvePortContext(ev, ev.Original)
	if pctx == nil {
		return
	}
	change := &IPChange{
		Before: EntriesForIPs(ev.Port, removed),
		After:  EntriesForIPs(ev.Port, added),
	}
	changes := ChangedIPPayload{
		pctx.segment.NetworkID: map[string]*IPChange{pctx.agent.TunnelIP: change},
	}
	if err := c.notifier.UpdateFdbEntries(ctx, changes); err != nil {
		klog.Errorf("Failed to broadcast address changes for port %s: %v", ev.Port.ID, err)
	}
}

func (c *Coordinator) migrationTracked(portID string) bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	_, ok := c.migratedPorts[portID]
	return ok
}

func (c *Coordinator) recordMigration(orig *inventory.Port) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.migratedPorts[orig.ID] = orig
	metrics.MetricPortsMigrating.Set(float64(len(c.migratedPorts)))
	klog.V(4).Infof("Tracking migration of port %s away from host %s", orig.ID, orig.HostID)
}

func (c *Coordinator) popMigration(portID string) *inventory.Port {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	orig, ok := c.migratedPorts[portID]
	if !ok {
		return nil
	}
	delete(c.migratedPorts, portID)
	metrics.MetricPortsMigrating.Set(float64(len(c.migratedPorts)))
	return orig
}
