package agent

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/rossella/neutron-dvr/pkg/metrics"
	"github.com/rossella/neutron-dvr/pkg/types"
	"github.com/rossella/neutron-dvr/pkg/util"
)

// OVSBridge issues flow-table operations against one Open vSwitch bridge
// through ovs-ofctl. Operations are synchronous; when a call returns the
// switch reflects the change.
type OVSBridge struct {
	name string
}

func NewOVSBridge(name string) *OVSBridge {
	return &OVSBridge{name: name}
}

func (b *OVSBridge) Name() string {
	return b.name
}

// AddFlow installs a single flow given in ovs-ofctl flow syntax.
func (b *OVSBridge) AddFlow(flow string) error {
	metrics.MetricFlowOpsCount.WithLabelValues(b.name, "add-flow").Inc()
	_, stderr, err := util.RunOVSOfctl("add-flow", b.name, flow)
	if err != nil {
		return errors.Wrapf(err, "failed to add flow %q to %s, stderr: %q", flow, b.name, stderr)
	}
	return nil
}

// DeleteFlows removes every flow matching the given match expression.
// Matching nothing is not an error.
func (b *OVSBridge) DeleteFlows(match string) error {
	metrics.MetricFlowOpsCount.WithLabelValues(b.name, "del-flows").Inc()
	_, stderr, err := util.RunOVSOfctl("del-flows", b.name, match)
	if err != nil {
		return errors.Wrapf(err, "failed to delete flows %q from %s, stderr: %q", match, b.name, stderr)
	}
	return nil
}

// RemoveAllFlows drains every flow table of the bridge.
func (b *OVSBridge) RemoveAllFlows() error {
	metrics.MetricFlowOpsCount.WithLabelValues(b.name, "del-flows").Inc()
	_, stderr, err := util.RunOVSOfctl("del-flows", b.name)
	if err != nil {
		return errors.Wrapf(err, "failed to remove flows from %s, stderr: %q", b.name, stderr)
	}
	return nil
}

// DumpFlows returns the raw flow listing of one table.
func (b *OVSBridge) DumpFlows(table int) (string, error) {
	metrics.MetricFlowOpsCount.WithLabelValues(b.name, "dump-flows").Inc()
	stdout, stderr, err := util.RunOVSOfctl("dump-flows", b.name, fmt.Sprintf("table=%d", table))
	if err != nil {
		return "", errors.Wrapf(err, "failed to dump flows of %s, stderr: %q", b.name, stderr)
	}
	return stdout, nil
}

// CheckCanary reports whether the restart-detection flow is still in
// place. An empty canary table means the switch restarted and dropped
// everything we installed.
func (b *OVSBridge) CheckCanary() (bool, error) {
	out, err := b.DumpFlows(types.CanaryTable)
	if err != nil {
		return false, err
	}
	// dump-flows always prints a header line; flows add more lines.
	return len(strings.Split(strings.TrimSpace(out), "\n")) > 1, nil
}

// GetPortOfport returns the OpenFlow port number of a named port on the
// bridge.
func (b *OVSBridge) GetPortOfport(port string) (int, error) {
	stdout, stderr, err := util.RunOVSVsctl("--if-exists", "get", "Interface", port, "ofport")
	if err != nil {
		return types.OfportInvalid, errors.Wrapf(err, "failed to get ofport of %s, stderr: %q", port, stderr)
	}
	if stdout == "" {
		return types.OfportInvalid, fmt.Errorf("port %s not found on bridge %s", port, b.name)
	}
	ofport, err := strconv.Atoi(stdout)
	if err != nil {
		return types.OfportInvalid, errors.Wrapf(err, "failed to parse ofport %q of port %s", stdout, port)
	}
	return ofport, nil
}

// GetVifPortByID looks up the vif belonging to a port in the local
// switch. A nil result without error means the port is not plugged here.
func (b *OVSBridge) GetVifPortByID(portID string) (*util.VifPort, error) {
	return util.GetOVSVifPort(portID)
}
