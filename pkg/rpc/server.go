// Package rpc carries the agent-to-controller request/reply API over the
// message bus: MAC allocation, subnet gateway resolution, port listing,
// and device status reporting.
package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/rossella/neutron-dvr/pkg/dvr"
	"github.com/rossella/neutron-dvr/pkg/inventory"
	"github.com/rossella/neutron-dvr/pkg/plugin"
	"github.com/rossella/neutron-dvr/pkg/types"
)

// Request subjects served by the controller.
const (
	SubjectMacGet        = "rpc.dvr.mac.get"
	SubjectMacList       = "rpc.dvr.mac.list"
	SubjectSubnetGet     = "rpc.dvr.subnet.get"
	SubjectComputePorts  = "rpc.dvr.ports.compute"
	SubjectDeviceDetails = "rpc.dvr.device.details"
	SubjectDeviceUp      = "rpc.dvr.device.up"
	SubjectDeviceDown    = "rpc.dvr.device.down"
	SubjectAgentReport   = "rpc.dvr.agent.report"

	// rpcQueue is the queue group controllers join so each request is
	// answered exactly once.
	rpcQueue = "dvr-controllers"
)

type MacGetRequest struct {
	Host string `json:"host"`
}

type MacGetReply struct {
	MAC   *dvr.HostMAC `json:"mac,omitempty"`
	Error string       `json:"error,omitempty"`
}

type MacListReply struct {
	MACs  []dvr.HostMAC `json:"macs,omitempty"`
	Error string        `json:"error,omitempty"`
}

type SubnetGetRequest struct {
	SubnetID string `json:"subnet_id"`
}

type SubnetGetReply struct {
	Subnet *inventory.SubnetGatewayInfo `json:"subnet,omitempty"`
	Error  string                       `json:"error,omitempty"`
}

type ComputePortsRequest struct {
	Host     string `json:"host"`
	SubnetID string `json:"subnet_id"`
}

type ComputePortsReply struct {
	Ports []*inventory.Port `json:"ports,omitempty"`
	Error string            `json:"error,omitempty"`
}

type DeviceRequest struct {
	AgentID string `json:"agent_id,omitempty"`
	Device  string `json:"device"`
	Host    string `json:"host,omitempty"`
}

type DeviceDetailsReply struct {
	Details *plugin.DeviceDetails `json:"details,omitempty"`
	Error   string                `json:"error,omitempty"`
}

type DeviceStatusReply struct {
	Device string `json:"device"`
	Exists bool   `json:"exists"`
	Error  string `json:"error,omitempty"`
}

type AgentReportRequest struct {
	Host        string   `json:"host"`
	TunnelIP    string   `json:"tunnel_ip,omitempty"`
	TunnelTypes []string `json:"tunnel_types,omitempty"`
	// StartFlag is set on the first report after an agent (re)start and
	// resets the agent's recorded start time.
	StartFlag bool `json:"start_flag,omitempty"`
}

type AgentReportReply struct {
	Error string `json:"error,omitempty"`
}

// Server answers agent requests. Every subject is served from a shared
// queue group, so running several controllers splits the load instead of
// duplicating the answers.
type Server struct {
	nc     *nats.Conn
	macs   *dvr.Manager
	plugin *plugin.Plugin
	subs   []*nats.Subscription
}

func NewServer(nc *nats.Conn, macs *dvr.Manager, plugin *plugin.Plugin) *Server {
	return &Server{nc: nc, macs: macs, plugin: plugin}
}

// Start registers the queue subscriptions. On failure every subscription
// registered so far is torn down again.
func (s *Server) Start() error {
	handlers := []struct {
		subject string
		fn      nats.MsgHandler
	}{
		{SubjectMacGet, s.handleMacGet},
		{SubjectMacList, s.handleMacList},
		{SubjectSubnetGet, s.handleSubnetGet},
		{SubjectComputePorts, s.handleComputePorts},
		{SubjectDeviceDetails, s.handleDeviceDetails},
		{SubjectDeviceUp, s.handleDeviceUp},
		{SubjectDeviceDown, s.handleDeviceDown},
		{SubjectAgentReport, s.handleAgentReport},
	}
	g := new(errgroup.Group)
	var mu sync.Mutex
	for _, h := range handlers {
		h := h
		g.Go(func() error {
			sub, err := s.nc.QueueSubscribe(h.subject, rpcQueue, h.fn)
			if err != nil {
				return fmt.Errorf("failed to subscribe to %s: %v", h.subject, err)
			}
			mu.Lock()
			s.subs = append(s.subs, sub)
			mu.Unlock()
			klog.V(4).Infof("Serving RPC subject %s", h.subject)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		s.Stop()
		return err
	}
	return nil
}

// Stop drains the subscriptions. Safe to call more than once.
func (s *Server) Stop() {
	for _, sub := range s.subs {
		if err := sub.Unsubscribe(); err != nil {
			klog.Errorf("Failed to unsubscribe from %s: %v", sub.Subject, err)
		}
	}
	s.subs = nil
}

func (s *Server) respond(msg *nats.Msg, reply interface{}) {
	data, err := json.Marshal(reply)
	if err != nil {
		klog.Errorf("Failed to encode reply on %s: %v", msg.Subject, err)
		return
	}
	if err := msg.Respond(data); err != nil {
		klog.Errorf("Failed to respond on %s: %v", msg.Subject, err)
	}
}

func (s *Server) handleMacGet(msg *nats.Msg) {
	var req MacGetRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.respond(msg, &MacGetReply{Error: fmt.Sprintf("malformed request: %v", err)})
		return
	}
	klog.V(4).Infof("Agent requests DVR MAC for host %s", req.Host)
	mac, err := s.macs.GetOrCreate(context.Background(), req.Host)
	if err != nil {
		s.respond(msg, &MacGetReply{Error: err.Error()})
		return
	}
	s.respond(msg, &MacGetReply{MAC: mac})
}

func (s *Server) handleMacList(msg *nats.Msg) {
	macs, err := s.macs.List(context.Background())
	if err != nil {
		s.respond(msg, &MacListReply{Error: err.Error()})
		return
	}
	s.respond(msg, &MacListReply{MACs: macs})
}

func (s *Server) handleSubnetGet(msg *nats.Msg) {
	var req SubnetGetRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.respond(msg, &SubnetGetReply{Error: fmt.Sprintf("malformed request: %v", err)})
		return
	}
	s.respond(msg, &SubnetGetReply{Subnet: s.macs.GetSubnetForDVR(req.SubnetID)})
}

func (s *Server) handleComputePorts(msg *nats.Msg) {
	var req ComputePortsRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.respond(msg, &ComputePortsReply{Error: fmt.Sprintf("malformed request: %v", err)})
		return
	}
	ports := s.macs.GetComputePortsOnHostBySubnet(req.Host, req.SubnetID)
	s.respond(msg, &ComputePortsReply{Ports: ports})
}

func (s *Server) handleDeviceDetails(msg *nats.Msg) {
	var req DeviceRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.respond(msg, &DeviceDetailsReply{Error: fmt.Sprintf("malformed request: %v", err)})
		return
	}
	klog.V(5).Infof("Device %s details requested by agent %s with host %s",
		req.Device, req.AgentID, req.Host)
	details := s.plugin.GetDeviceDetails(context.Background(), req.Device, req.Host)
	s.respond(msg, &DeviceDetailsReply{Details: details})
}

func (s *Server) handleDeviceUp(msg *nats.Msg) {
	var req DeviceRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.respond(msg, &DeviceStatusReply{Error: fmt.Sprintf("malformed request: %v", err)})
		return
	}
	klog.V(5).Infof("Device %s up at agent %s", req.Device, req.AgentID)
	if req.Host != "" && !s.plugin.PortBoundToHost(req.Device, req.Host) {
		klog.V(4).Infof("Device %s not bound to the agent host %s", req.Device, req.Host)
		s.respond(msg, &DeviceStatusReply{Device: req.Device, Exists: true})
		return
	}
	exists := s.plugin.UpdatePortStatus(context.Background(), req.Device, types.PortStatusActive, req.Host)
	s.respond(msg, &DeviceStatusReply{Device: req.Device, Exists: exists})
}

func (s *Server) handleDeviceDown(msg *nats.Msg) {
	var req DeviceRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.respond(msg, &DeviceStatusReply{Error: fmt.Sprintf("malformed request: %v", err)})
		return
	}
	klog.V(5).Infof("Device %s no longer exists at agent %s", req.Device, req.AgentID)
	if req.Host != "" && !s.plugin.PortBoundToHost(req.Device, req.Host) {
		klog.V(4).Infof("Device %s not bound to the agent host %s", req.Device, req.Host)
		s.respond(msg, &DeviceStatusReply{Device: req.Device, Exists: true})
		return
	}
	exists := s.plugin.UpdatePortStatus(context.Background(), req.Device, types.PortStatusDown, req.Host)
	s.respond(msg, &DeviceStatusReply{Device: req.Device, Exists: exists})
}

func (s *Server) handleAgentReport(msg *nats.Msg) {
	var req AgentReportRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.respond(msg, &AgentReportReply{Error: fmt.Sprintf("malformed request: %v", err)})
		return
	}
	if req.Host == "" {
		s.respond(msg, &AgentReportReply{Error: "agent report carries no host"})
		return
	}
	s.plugin.ReportAgentState(req.Host, req.TunnelIP, req.TunnelTypes, req.StartFlag)
	s.respond(msg, &AgentReportReply{})
}
