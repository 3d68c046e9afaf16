// Package notifier is the wire contract between the controller and the
// per-host agents: the bus subjects, the event envelopes, and the
// publisher the controller uses to emit them.
package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"k8s.io/klog/v2"

	"github.com/rossella/neutron-dvr/pkg/dvr"
	"github.com/rossella/neutron-dvr/pkg/inventory"
	"github.com/rossella/neutron-dvr/pkg/l2pop"
	"github.com/rossella/neutron-dvr/pkg/metrics"
)

// Bus subjects for controller-to-agent events. Forwarding additions have
// a targeted variant so a single agent can be fed a full network view;
// everything else fans out and agents filter locally.
const (
	SubjectFdbAdd     = "dvr.fdb.add"
	SubjectFdbRemove  = "dvr.fdb.remove"
	SubjectFdbUpdate  = "dvr.fdb.update"
	SubjectMacUpdate  = "dvr.mac.update"
	SubjectPortUpdate = "dvr.port.update"
)

// SubjectFdbAddForHost is the targeted variant of SubjectFdbAdd.
func SubjectFdbAddForHost(host string) string {
	return SubjectFdbAdd + "." + host
}

// FdbUpdateEvent wraps incremental forwarding updates. Only address
// moves exist today; the envelope keys the agent-side dispatch.
type FdbUpdateEvent struct {
	ChgIP l2pop.ChangedIPPayload `json:"chg_ip,omitempty"`
}

// PortUpdateEvent announces that a port changed. Agents receive it on
// the fanout subject and act only when the port is plugged into their
// own bridge.
type PortUpdateEvent struct {
	Port           *inventory.Port `json:"port"`
	NetworkType    string          `json:"network_type,omitempty"`
	SegmentationID uint32          `json:"segmentation_id,omitempty"`
}

// Connect dials the message bus with infinite reconnects.
func Connect(address string) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			klog.Warningf("Message bus disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			klog.Infof("Message bus reconnected to %s", nc.ConnectedUrl())
		}),
	}
	return nats.Connect(address, opts...)
}

// AgentNotifier publishes control-plane events to agents. Publishes are
// fire-and-forget: an agent that misses one resynchronizes from the
// controller on its next state fetch.
type AgentNotifier struct {
	nc *nats.Conn
}

func NewAgentNotifier(nc *nats.Conn) *AgentNotifier {
	return &AgentNotifier{nc: nc}
}

func (n *AgentNotifier) publish(subject string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s payload: %v", subject, err)
	}
	if err := n.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish on %s: %v", subject, err)
	}
	klog.V(5).Infof("Published %s: %s", subject, data)
	return nil
}

// AddFdbEntries sends forwarding additions, targeted when host is set.
func (n *AgentNotifier) AddFdbEntries(ctx context.Context, fdb l2pop.FdbPayload, host string) error {
	subject := SubjectFdbAdd
	if host != "" {
		subject = SubjectFdbAddForHost(host)
	}
	metrics.MetricFdbNotificationsCount.WithLabelValues("add").Inc()
	return n.publish(subject, fdb)
}

// RemoveFdbEntries fans forwarding removals out to every agent.
func (n *AgentNotifier) RemoveFdbEntries(ctx context.Context, fdb l2pop.FdbPayload) error {
	metrics.MetricFdbNotificationsCount.WithLabelValues("remove").Inc()
	return n.publish(SubjectFdbRemove, fdb)
}

// UpdateFdbEntries fans incremental address changes out to every agent.
func (n *AgentNotifier) UpdateFdbEntries(ctx context.Context, changes l2pop.ChangedIPPayload) error {
	metrics.MetricFdbNotificationsCount.WithLabelValues("update").Inc()
	return n.publish(SubjectFdbUpdate, &FdbUpdateEvent{ChgIP: changes})
}

// DVRMacAddressUpdate fans the refreshed host/MAC table out to every
// agent.
func (n *AgentNotifier) DVRMacAddressUpdate(ctx context.Context, macs []dvr.HostMAC) error {
	return n.publish(SubjectMacUpdate, macs)
}

// PortUpdate fans a port change out to every agent.
func (n *AgentNotifier) PortUpdate(ctx context.Context, port *inventory.Port, segment *inventory.Segment) error {
	ev := &PortUpdateEvent{Port: port}
	if segment != nil {
		ev.NetworkType = segment.NetworkType
		ev.SegmentationID = segment.SegmentationID
	}
	return n.publish(SubjectPortUpdate, ev)
}
