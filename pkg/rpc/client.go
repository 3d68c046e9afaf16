package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/rossella/neutron-dvr/pkg/config"
	"github.com/rossella/neutron-dvr/pkg/dvr"
	"github.com/rossella/neutron-dvr/pkg/inventory"
	"github.com/rossella/neutron-dvr/pkg/plugin"
)

// Client is the agent-side view of the controller RPC API. All requests
// carry the agent's host so the controller can scope bindings and status
// reports to it.
type Client struct {
	nc      *nats.Conn
	timeout time.Duration
	host    string
	agentID string
}

func NewClient(nc *nats.Conn, host string) *Client {
	return &Client{
		nc:      nc,
		timeout: config.Notifier.Timeout(),
		host:    host,
		agentID: "dvr-agent-" + host,
	}
}

func (c *Client) request(subject string, req, reply interface{}) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to encode %s request: %v", subject, err)
	}
	msg, err := c.nc.Request(subject, data, c.timeout)
	if err != nil {
		return fmt.Errorf("request on %s failed: %v", subject, err)
	}
	if err := json.Unmarshal(msg.Data, reply); err != nil {
		return fmt.Errorf("malformed reply on %s: %v", subject, err)
	}
	return nil
}

// GetDVRMACAddressByHost fetches, allocating if needed, the DVR MAC of
// the agent's own host.
func (c *Client) GetDVRMACAddressByHost() (*dvr.HostMAC, error) {
	reply := &MacGetReply{}
	if err := c.request(SubjectMacGet, &MacGetRequest{Host: c.host}, reply); err != nil {
		return nil, err
	}
	if reply.Error != "" {
		return nil, errors.New(reply.Error)
	}
	return reply.MAC, nil
}

// GetDVRMACAddressList fetches the complete host/MAC table.
func (c *Client) GetDVRMACAddressList() ([]dvr.HostMAC, error) {
	reply := &MacListReply{}
	if err := c.request(SubjectMacList, &MacGetRequest{}, reply); err != nil {
		return nil, err
	}
	if reply.Error != "" {
		return nil, errors.New(reply.Error)
	}
	return reply.MACs, nil
}

// GetSubnetForDVR resolves a subnet and its gateway MAC. A nil result
// with nil error means the controller could not resolve the subnet.
func (c *Client) GetSubnetForDVR(subnetID string) (*inventory.SubnetGatewayInfo, error) {
	reply := &SubnetGetReply{}
	if err := c.request(SubjectSubnetGet, &SubnetGetRequest{SubnetID: subnetID}, reply); err != nil {
		return nil, err
	}
	if reply.Error != "" {
		return nil, errors.New(reply.Error)
	}
	return reply.Subnet, nil
}

// GetComputePortsOnHostBySubnet lists the workload ports of the subnet
// bound to the agent's host.
func (c *Client) GetComputePortsOnHostBySubnet(subnetID string) ([]*inventory.Port, error) {
	reply := &ComputePortsReply{}
	req := &ComputePortsRequest{Host: c.host, SubnetID: subnetID}
	if err := c.request(SubjectComputePorts, req, reply); err != nil {
		return nil, err
	}
	if reply.Error != "" {
		return nil, errors.New(reply.Error)
	}
	return reply.Ports, nil
}

// GetDeviceDetails asks the controller about a device wired on this
// host.
func (c *Client) GetDeviceDetails(device string) (*plugin.DeviceDetails, error) {
	reply := &DeviceDetailsReply{}
	req := &DeviceRequest{AgentID: c.agentID, Device: device, Host: c.host}
	if err := c.request(SubjectDeviceDetails, req, reply); err != nil {
		return nil, err
	}
	if reply.Error != "" {
		return nil, errors.New(reply.Error)
	}
	return reply.Details, nil
}

// UpdateDeviceUp reports a device as wired and live on this host.
func (c *Client) UpdateDeviceUp(device string) error {
	reply := &DeviceStatusReply{}
	req := &DeviceRequest{AgentID: c.agentID, Device: device, Host: c.host}
	if err := c.request(SubjectDeviceUp, req, reply); err != nil {
		return err
	}
	if reply.Error != "" {
		return errors.New(reply.Error)
	}
	return nil
}

// ReportAgentState registers this agent with the controller and refreshes
// its heartbeat. startFlag marks the first report after a (re)start and
// resets the recorded start time, which re-arms the boot-time
// forwarding-table sync for this host.
func (c *Client) ReportAgentState(tunnelIP string, tunnelTypes []string, startFlag bool) error {
	reply := &AgentReportReply{}
	req := &AgentReportRequest{
		Host:        c.host,
		TunnelIP:    tunnelIP,
		TunnelTypes: tunnelTypes,
		StartFlag:   startFlag,
	}
	if err := c.request(SubjectAgentReport, req, reply); err != nil {
		return err
	}
	if reply.Error != "" {
		return errors.New(reply.Error)
	}
	return nil
}

// UpdateDeviceDown reports a device as gone from this host. It returns
// whether the controller still knows the port.
func (c *Client) UpdateDeviceDown(device string) (bool, error) {
	reply := &DeviceStatusReply{}
	req := &DeviceRequest{AgentID: c.agentID, Device: device, Host: c.host}
	if err := c.request(SubjectDeviceDown, req, reply); err != nil {
		return false, err
	}
	if reply.Error != "" {
		return false, errors.New(reply.Error)
	}
	return reply.Exists, nil
}
