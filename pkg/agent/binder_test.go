package agent

import (
	"fmt"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/rossella/neutron-dvr/pkg/dvr"
	"github.com/rossella/neutron-dvr/pkg/inventory"
	dvrtest "github.com/rossella/neutron-dvr/pkg/testing"
	"github.com/rossella/neutron-dvr/pkg/types"
	"github.com/rossella/neutron-dvr/pkg/util"
)

const (
	testHost = "compute-1"

	ownDVRMAC     = "fa:16:3f:00:00:01"
	remoteDVRMAC  = "fa:16:3f:00:00:02"
	remote2DVRMAC = "fa:16:3f:00:00:03"

	// patch port numbers as each bridge sees them
	patchIntOfport = 5
	patchTunOfport = 7

	gatewayMAC  = "fa:16:3e:aa:bb:cc"
	computeMAC  = "fa:16:3e:11:11:11"
	compute2MAC = "fa:16:3e:22:22:22"
	csnatMAC    = "fa:16:3e:99:99:99"
)

// fakeController serves the binder's controller calls from fixtures.
type fakeController struct {
	mac      *dvr.HostMAC
	macErr   error
	macCalls int
	// failures makes that many MAC fetches fail before success
	failures int

	macList    []dvr.HostMAC
	macListErr error

	subnets      map[string]*inventory.SubnetGatewayInfo
	computePorts map[string][]*inventory.Port
}

func newFakeController() *fakeController {
	return &fakeController{
		mac:          &dvr.HostMAC{Host: testHost, MACAddress: ownDVRMAC},
		macList:      []dvr.HostMAC{{Host: testHost, MACAddress: ownDVRMAC}},
		subnets:      map[string]*inventory.SubnetGatewayInfo{},
		computePorts: map[string][]*inventory.Port{},
	}
}

func (f *fakeController) GetDVRMACAddressByHost() (*dvr.HostMAC, error) {
	f.macCalls++
	if f.failures > 0 {
		f.failures--
		return nil, fmt.Errorf("controller unavailable")
	}
	if f.macErr != nil {
		return nil, f.macErr
	}
	return f.mac, nil
}

func (f *fakeController) GetDVRMACAddressList() ([]dvr.HostMAC, error) {
	if f.macListErr != nil {
		return nil, f.macListErr
	}
	return f.macList, nil
}

func (f *fakeController) GetSubnetForDVR(subnetID string) (*inventory.SubnetGatewayInfo, error) {
	info, ok := f.subnets[subnetID]
	if !ok {
		return nil, fmt.Errorf("subnet %s is not behind a distributed router", subnetID)
	}
	return info, nil
}

func (f *fakeController) GetComputePortsOnHostBySubnet(subnetID string) ([]*inventory.Port, error) {
	return f.computePorts[subnetID], nil
}

func expectFallbackFlows(fexec *dvrtest.FakeExec) {
	fexec.AddFakeCmdsNoOutputNoError([]string{
		"ovs-ofctl del-flows br-int",
		"ovs-ofctl add-flow br-int table=23,priority=0,actions=drop",
		"ovs-ofctl add-flow br-int table=0,priority=1,actions=normal",
	})
}

func expectMacFlowAdds(fexec *dvrtest.FakeExec, mac string) {
	fexec.AddFakeCmdsNoOutputNoError([]string{
		"ovs-ofctl add-flow br-int table=0,priority=2,in_port=7,dl_src=" + mac + ",actions=resubmit(,1)",
		"ovs-ofctl add-flow br-tun table=9,priority=1,dl_src=" + mac + ",actions=output:5",
	})
}

func expectMacFlowDels(fexec *dvrtest.FakeExec, mac string) {
	fexec.AddFakeCmdsNoOutputNoError([]string{
		"ovs-ofctl del-flows br-int table=0,in_port=7,dl_src=" + mac,
		"ovs-ofctl del-flows br-tun table=9,dl_src=" + mac,
	})
}

func expectSetupFlows(fexec *dvrtest.FakeExec, remoteMACs ...string) {
	fexec.AddFakeCmdsNoOutputNoError([]string{
		"ovs-ofctl del-flows br-int",
		"ovs-ofctl add-flow br-int table=23,priority=0,actions=drop",
		"ovs-ofctl add-flow br-int table=1,priority=1,actions=drop",
		"ovs-ofctl add-flow br-int table=0,priority=1,actions=normal",
	})
	for _, mac := range remoteMACs {
		expectMacFlowAdds(fexec, mac)
	}
	fexec.AddFakeCmdsNoOutputNoError([]string{
		"ovs-ofctl add-flow br-tun table=0,priority=1,in_port=5,actions=resubmit(,1)",
		"ovs-ofctl add-flow br-tun table=9,priority=0,actions=resubmit(,10)",
		"ovs-ofctl add-flow br-tun table=1,priority=0,actions=resubmit(,2)",
	})
}

func expectVifLookup(fexec *dvrtest.FakeExec, portID, name string, ofport int, mac string) {
	fexec.AddFakeCmd(&dvrtest.ExpectedCmd{
		Cmd:    "ovs-vsctl --timeout=15 --data=bare --no-heading --columns=name find Interface external-ids:iface-id=" + portID,
		Output: name,
	})
	fexec.AddFakeCmd(&dvrtest.ExpectedCmd{
		Cmd:    fmt.Sprintf("ovs-vsctl --timeout=15 --if-exists get interface %s ofport", name),
		Output: fmt.Sprintf("%d", ofport),
	})
	fexec.AddFakeCmd(&dvrtest.ExpectedCmd{
		Cmd:    fmt.Sprintf("ovs-vsctl --timeout=15 --if-exists get interface %s external-ids:attached-mac", name),
		Output: mac,
	})
}

var _ = Describe("Binder", func() {
	var (
		fexec *dvrtest.FakeExec
		ctl   *fakeController
		intBr *OVSBridge
		tunBr *OVSBridge
	)

	BeforeEach(func() {
		fexec = dvrtest.NewFakeExec()
		Expect(util.SetExec(fexec)).To(Succeed())
		ctl = newFakeController()
		intBr = NewOVSBridge("br-int")
		tunBr = NewOVSBridge("br-tun")
	})

	newBinder := func(enabled bool) *Binder {
		return NewBinder(ctl, intBr, tunBr, patchIntOfport, patchTunOfport, testHost, enabled)
	}

	readyBinder := func() *Binder {
		expectSetupFlows(fexec)
		b := newBinder(true)
		Expect(b.Setup()).To(Succeed())
		Expect(b.Ready()).To(BeTrue())
		Expect(fexec.CalledMatchesExpected()).To(BeTrue(), fexec.ErrorDesc())
		return b
	}

	Describe("Setup", func() {
		It("installs only fallback switching when distributed routing is disabled", func() {
			expectFallbackFlows(fexec)
			b := newBinder(false)
			Expect(b.Setup()).To(Succeed())
			Expect(b.Ready()).To(BeFalse())
			Expect(ctl.macCalls).To(BeZero())
			Expect(fexec.CalledMatchesExpected()).To(BeTrue(), fexec.ErrorDesc())
		})

		It("programs both bridges and records the granted MACs", func() {
			ctl.macList = []dvr.HostMAC{
				{Host: testHost, MACAddress: ownDVRMAC},
				{Host: "compute-2", MACAddress: remoteDVRMAC},
				{Host: "compute-3", MACAddress: remote2DVRMAC},
			}
			expectSetupFlows(fexec, remoteDVRMAC, remote2DVRMAC)
			b := newBinder(true)
			Expect(b.Setup()).To(Succeed())
			Expect(b.Ready()).To(BeTrue())
			Expect(b.DVRMacAddress()).To(Equal(ownDVRMAC))
			Expect(fexec.CalledMatchesExpected()).To(BeTrue(), fexec.ErrorDesc())
		})

		It("retries the MAC fetch on transient controller failures", func() {
			ctl.failures = 1
			expectSetupFlows(fexec)
			b := newBinder(true)
			Expect(b.Setup()).To(Succeed())
			Expect(b.Ready()).To(BeTrue())
			Expect(ctl.macCalls).To(Equal(2))
			Expect(fexec.CalledMatchesExpected()).To(BeTrue(), fexec.ErrorDesc())
		})

		It("falls back to L2 learning for good when the MAC fetch keeps failing", func() {
			ctl.macErr = fmt.Errorf("no such host")
			expectFallbackFlows(fexec)
			b := newBinder(true)
			Expect(b.Setup()).To(Succeed())
			Expect(b.Ready()).To(BeFalse())
			Expect(ctl.macCalls).To(Equal(macFetchRetries + 1))

			// a rerun stays disabled without asking the controller again
			expectFallbackFlows(fexec)
			Expect(b.Setup()).To(Succeed())
			Expect(b.Ready()).To(BeFalse())
			Expect(ctl.macCalls).To(Equal(macFetchRetries + 1))
			Expect(fexec.CalledMatchesExpected()).To(BeTrue(), fexec.ErrorDesc())
		})

		It("surfaces MAC table fetch failures", func() {
			ctl.macListErr = fmt.Errorf("store down")
			fexec.AddFakeCmdsNoOutputNoError([]string{
				"ovs-ofctl del-flows br-int",
				"ovs-ofctl add-flow br-int table=23,priority=0,actions=drop",
				"ovs-ofctl add-flow br-int table=1,priority=1,actions=drop",
				"ovs-ofctl add-flow br-int table=0,priority=1,actions=normal",
			})
			b := newBinder(true)
			err := b.Setup()
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("failed to fetch the DVR MAC table"))
			Expect(b.Ready()).To(BeFalse())
			Expect(fexec.CalledMatchesExpected()).To(BeTrue(), fexec.ErrorDesc())
		})
	})

	Describe("ReconcileMACSet", func() {
		It("does nothing while distributed routing is down", func() {
			expectFallbackFlows(fexec)
			b := newBinder(false)
			Expect(b.Setup()).To(Succeed())
			b.ReconcileMACSet([]dvr.HostMAC{{Host: "compute-2", MACAddress: remoteDVRMAC}})
			Expect(fexec.CalledMatchesExpected()).To(BeTrue(), fexec.ErrorDesc())
		})

		It("skips updates that change nothing", func() {
			ctl.macList = append(ctl.macList, dvr.HostMAC{Host: "compute-2", MACAddress: remoteDVRMAC})
			expectSetupFlows(fexec, remoteDVRMAC)
			b := newBinder(true)
			Expect(b.Setup()).To(Succeed())

			b.ReconcileMACSet([]dvr.HostMAC{
				{Host: testHost, MACAddress: ownDVRMAC},
				{Host: "compute-2", MACAddress: remoteDVRMAC},
			})
			Expect(fexec.CalledMatchesExpected()).To(BeTrue(), fexec.ErrorDesc())
		})

		It("swaps flows as hosts come and go", func() {
			ctl.macList = append(ctl.macList, dvr.HostMAC{Host: "compute-2", MACAddress: remoteDVRMAC})
			expectSetupFlows(fexec, remoteDVRMAC)
			b := newBinder(true)
			Expect(b.Setup()).To(Succeed())

			// compute-2 left, compute-3 appeared
			expectMacFlowDels(fexec, remoteDVRMAC)
			expectMacFlowAdds(fexec, remote2DVRMAC)
			b.ReconcileMACSet([]dvr.HostMAC{
				{Host: testHost, MACAddress: ownDVRMAC},
				{Host: "compute-3", MACAddress: remote2DVRMAC},
			})
			Expect(fexec.CalledMatchesExpected()).To(BeTrue(), fexec.ErrorDesc())

			// replaying the same table is then a no-op
			b.ReconcileMACSet([]dvr.HostMAC{
				{Host: testHost, MACAddress: ownDVRMAC},
				{Host: "compute-3", MACAddress: remote2DVRMAC},
			})
			Expect(fexec.CalledMatchesExpected()).To(BeTrue(), fexec.ErrorDesc())
		})
	})

	Describe("tunnel provisioning", func() {
		It("classifies tunnel traffic into the local VLAN and back out", func() {
			b := readyBinder()
			fexec.AddFakeCmdsNoOutputNoError([]string{
				"ovs-ofctl add-flow br-tun table=4,priority=1,tun_id=5001,actions=mod_vlan_vid:3,resubmit(,9)",
			})
			Expect(b.ProvisionTunneledNetwork(types.NetworkTypeVXLAN, 3, 5001)).To(Succeed())

			fexec.AddFakeCmdsNoOutputNoError([]string{
				"ovs-ofctl del-flows br-tun table=4,tun_id=5001",
			})
			Expect(b.ReleaseTunneledNetwork(types.NetworkTypeVXLAN, 5001)).To(Succeed())
			Expect(fexec.CalledMatchesExpected()).To(BeTrue(), fexec.ErrorDesc())
		})

		It("uses the GRE translation table for GRE networks", func() {
			b := readyBinder()
			fexec.AddFakeCmdsNoOutputNoError([]string{
				"ovs-ofctl add-flow br-tun table=3,priority=1,tun_id=7,actions=mod_vlan_vid:2,resubmit(,9)",
			})
			Expect(b.ProvisionTunneledNetwork(types.NetworkTypeGRE, 2, 7)).To(Succeed())
			Expect(fexec.CalledMatchesExpected()).To(BeTrue(), fexec.ErrorDesc())
		})

		It("rejects unknown tunnel types", func() {
			b := readyBinder()
			Expect(b.ProvisionTunneledNetwork("vlan", 3, 5001)).To(HaveOccurred())
			Expect(b.ReleaseTunneledNetwork("vlan", 5001)).To(HaveOccurred())
			Expect(fexec.CalledMatchesExpected()).To(BeTrue(), fexec.ErrorDesc())
		})
	})

	Describe("port binding", func() {
		var (
			b         *Binder
			routerVif *util.VifPort
			csnatVif  *util.VifPort
		)

		routerIPs := []inventory.FixedIP{{SubnetID: "subnet-1", IPAddress: "10.0.0.1"}}
		csnatIPs := []inventory.FixedIP{{SubnetID: "subnet-1", IPAddress: "10.0.0.2"}}
		computeIPs := []inventory.FixedIP{{SubnetID: "subnet-1", IPAddress: "10.0.0.5"}}

		BeforeEach(func() {
			ctl.subnets["subnet-1"] = &inventory.SubnetGatewayInfo{
				Subnet: inventory.Subnet{
					ID:        "subnet-1",
					NetworkID: "net-1",
					CIDR:      "10.0.0.0/24",
					GatewayIP: "10.0.0.1",
				},
				GatewayMAC: gatewayMAC,
			}
			routerVif = &util.VifPort{Name: "qr-1", VifID: "port-r1", VifMac: gatewayMAC, Ofport: 31}
			csnatVif = &util.VifPort{Name: "sg-1", VifID: "port-s1", VifMac: csnatMAC, Ofport: 21}
		})

		expectRouterTunFlows := func() {
			fexec.AddFakeCmdsNoOutputNoError([]string{
				"ovs-ofctl add-flow br-tun table=1,priority=3,dl_vlan=3,arp,nw_dst=10.0.0.1,actions=drop",
				"ovs-ofctl add-flow br-tun table=1,priority=2,dl_vlan=3,dl_dst=" + gatewayMAC + ",actions=drop",
				"ovs-ofctl add-flow br-tun table=1,priority=1,dl_vlan=3,dl_src=" + gatewayMAC +
					",actions=mod_dl_src:" + ownDVRMAC + ",resubmit(,2)",
			})
		}

		bindRouterNoWorkloads := func() {
			// with no local port to forward to the subnet flow is cleared
			fexec.AddFakeCmdsNoOutputNoError([]string{
				"ovs-ofctl del-flows br-int table=1,ip,dl_vlan=3,nw_dst=10.0.0.0/24",
			})
			expectRouterTunFlows()
			b.BindPort(routerVif, types.NetworkTypeVXLAN, routerIPs, types.DeviceOwnerDVRInterface, 3)
			Expect(fexec.CalledMatchesExpected()).To(BeTrue(), fexec.ErrorDesc())
		}

		bindCsnat := func() {
			fexec.AddFakeCmdsNoOutputNoError([]string{
				"ovs-ofctl add-flow br-int table=1,priority=4,dl_vlan=3,dl_dst=" + csnatMAC +
					",actions=strip_vlan,mod_dl_src:" + gatewayMAC + ",output:21",
				"ovs-ofctl add-flow br-int table=1,priority=2,ip,dl_vlan=3,nw_dst=10.0.0.0/24" +
					",actions=strip_vlan,mod_dl_src:" + gatewayMAC + ",output:21",
			})
			b.BindPort(csnatVif, types.NetworkTypeVXLAN, csnatIPs, types.DeviceOwnerRouterSNAT, 3)
			Expect(fexec.CalledMatchesExpected()).To(BeTrue(), fexec.ErrorDesc())
		}

		It("plumbs the local workloads behind a new router interface", func() {
			ctl.computePorts["subnet-1"] = []*inventory.Port{{ID: "port-c1", DeviceOwner: "compute:nova"}}
			b = readyBinder()

			expectVifLookup(fexec, "port-c1", "tapc1", 11, computeMAC)
			fexec.AddFakeCmdsNoOutputNoError([]string{
				"ovs-ofctl add-flow br-int table=1,priority=4,dl_vlan=3,dl_dst=" + computeMAC +
					",actions=strip_vlan,mod_dl_src:" + gatewayMAC + ",output:11",
				"ovs-ofctl add-flow br-int table=1,priority=2,ip,dl_vlan=3,nw_dst=10.0.0.0/24" +
					",actions=strip_vlan,mod_dl_src:" + gatewayMAC + ",output:11",
			})
			expectRouterTunFlows()

			b.BindPort(routerVif, types.NetworkTypeVXLAN, routerIPs, types.DeviceOwnerDVRInterface, 3)
			Expect(fexec.CalledMatchesExpected()).To(BeTrue(), fexec.ErrorDesc())

			mapping := b.table.Subnet("subnet-1")
			Expect(mapping).NotTo(BeNil())
			Expect(mapping.DVROwned()).To(BeTrue())
			Expect(mapping.ComputeOfports()).To(Equal([]int{11}))
			Expect(b.table.Port("port-r1")).NotTo(BeNil())
			Expect(b.table.Port("port-c1")).NotTo(BeNil())
		})

		It("skips workloads that are not plugged into the local switch", func() {
			ctl.computePorts["subnet-1"] = []*inventory.Port{{ID: "port-c1", DeviceOwner: "compute:nova"}}
			b = readyBinder()

			fexec.AddFakeCmd(&dvrtest.ExpectedCmd{
				Cmd: "ovs-vsctl --timeout=15 --data=bare --no-heading --columns=name find Interface external-ids:iface-id=port-c1",
			})
			fexec.AddFakeCmdsNoOutputNoError([]string{
				"ovs-ofctl del-flows br-int table=1,ip,dl_vlan=3,nw_dst=10.0.0.0/24",
			})
			expectRouterTunFlows()

			b.BindPort(routerVif, types.NetworkTypeVXLAN, routerIPs, types.DeviceOwnerDVRInterface, 3)
			Expect(fexec.CalledMatchesExpected()).To(BeTrue(), fexec.ErrorDesc())
			Expect(b.table.Subnet("subnet-1").ComputeOfports()).To(BeEmpty())
		})

		It("refuses a second router interface on the same subnet", func() {
			b = readyBinder()
			bindRouterNoWorkloads()

			dup := &util.VifPort{Name: "qr-2", VifID: "port-r2", VifMac: "fa:16:3e:aa:bb:cd", Ofport: 32}
			b.BindPort(dup, types.NetworkTypeVXLAN, routerIPs, types.DeviceOwnerDVRInterface, 3)
			Expect(fexec.CalledMatchesExpected()).To(BeTrue(), fexec.ErrorDesc())
			Expect(b.table.Port("port-r2")).To(BeNil())
		})

		It("skips binding when the subnet is not behind a distributed router", func() {
			delete(ctl.subnets, "subnet-1")
			b = readyBinder()
			b.BindPort(routerVif, types.NetworkTypeVXLAN, routerIPs, types.DeviceOwnerDVRInterface, 3)
			Expect(fexec.CalledMatchesExpected()).To(BeTrue(), fexec.ErrorDesc())
			Expect(b.table.SubnetCount()).To(BeZero())
		})

		It("ignores ports while distributed routing is down", func() {
			b = newBinder(true) // Setup never ran
			b.BindPort(routerVif, types.NetworkTypeVXLAN, routerIPs, types.DeviceOwnerDVRInterface, 3)
			b.UnbindPort(routerVif, 3)
			Expect(fexec.CalledMatchesExpected()).To(BeTrue(), fexec.ErrorDesc())
		})

		It("ignores ports on non-tunneled networks", func() {
			b = readyBinder()
			b.BindPort(routerVif, "flat", routerIPs, types.DeviceOwnerDVRInterface, 3)
			Expect(fexec.CalledMatchesExpected()).To(BeTrue(), fexec.ErrorDesc())
			Expect(b.table.SubnetCount()).To(BeZero())
		})

		It("adds a late workload to an owned subnet", func() {
			b = readyBinder()
			bindRouterNoWorkloads()

			computeVif := &util.VifPort{Name: "tapc1", VifID: "port-c1", VifMac: computeMAC, Ofport: 11}
			fexec.AddFakeCmdsNoOutputNoError([]string{
				"ovs-ofctl add-flow br-int table=1,priority=4,dl_vlan=3,dl_dst=" + computeMAC +
					",actions=strip_vlan,mod_dl_src:" + gatewayMAC + ",output:11",
				"ovs-ofctl add-flow br-int table=1,priority=2,ip,dl_vlan=3,nw_dst=10.0.0.0/24" +
					",actions=strip_vlan,mod_dl_src:" + gatewayMAC + ",output:11",
			})
			b.BindPort(computeVif, types.NetworkTypeVXLAN, computeIPs, "compute:nova", 3)
			Expect(fexec.CalledMatchesExpected()).To(BeTrue(), fexec.ErrorDesc())
			Expect(b.table.Subnet("subnet-1").ComputeOfports()).To(Equal([]int{11}))
		})

		It("leaves workloads alone on subnets routed centrally", func() {
			b = readyBinder()
			bindCsnat()

			computeVif := &util.VifPort{Name: "tapc1", VifID: "port-c1", VifMac: computeMAC, Ofport: 11}
			b.BindPort(computeVif, types.NetworkTypeVXLAN, computeIPs, "compute:nova", 3)
			Expect(fexec.CalledMatchesExpected()).To(BeTrue(), fexec.ErrorDesc())
			Expect(b.table.Port("port-c1")).To(BeNil())
		})

		It("wires the centralized SNAT port ahead of the workloads", func() {
			b = readyBinder()
			bindCsnat()

			mapping := b.table.Subnet("subnet-1")
			Expect(mapping).NotTo(BeNil())
			Expect(mapping.DVROwned()).To(BeFalse())
			Expect(mapping.CsnatOfport()).To(Equal(21))

			// the router interface arrives and takes the subnet over
			ctl.computePorts["subnet-1"] = []*inventory.Port{{ID: "port-c1", DeviceOwner: "compute:nova"}}
			expectVifLookup(fexec, "port-c1", "tapc1", 11, computeMAC)
			fexec.AddFakeCmdsNoOutputNoError([]string{
				"ovs-ofctl add-flow br-int table=1,priority=4,dl_vlan=3,dl_dst=" + computeMAC +
					",actions=strip_vlan,mod_dl_src:" + gatewayMAC + ",output:11",
				"ovs-ofctl add-flow br-int table=1,priority=2,ip,dl_vlan=3,nw_dst=10.0.0.0/24" +
					",actions=strip_vlan,mod_dl_src:" + gatewayMAC + ",output:21,11",
			})
			expectRouterTunFlows()
			b.BindPort(routerVif, types.NetworkTypeVXLAN, routerIPs, types.DeviceOwnerDVRInterface, 3)
			Expect(fexec.CalledMatchesExpected()).To(BeTrue(), fexec.ErrorDesc())
			Expect(mapping.DVROwned()).To(BeTrue())
		})

		It("rejects double binding of the SNAT port", func() {
			b = readyBinder()
			bindCsnat()
			b.BindPort(csnatVif, types.NetworkTypeVXLAN, csnatIPs, types.DeviceOwnerRouterSNAT, 3)
			Expect(fexec.CalledMatchesExpected()).To(BeTrue(), fexec.ErrorDesc())
		})

		It("removes all plumbing when the router interface leaves", func() {
			ctl.computePorts["subnet-1"] = []*inventory.Port{{ID: "port-c1", DeviceOwner: "compute:nova"}}
			b = readyBinder()

			expectVifLookup(fexec, "port-c1", "tapc1", 11, computeMAC)
			fexec.AddFakeCmdsNoOutputNoError([]string{
				"ovs-ofctl add-flow br-int table=1,priority=4,dl_vlan=3,dl_dst=" + computeMAC +
					",actions=strip_vlan,mod_dl_src:" + gatewayMAC + ",output:11",
				"ovs-ofctl add-flow br-int table=1,priority=2,ip,dl_vlan=3,nw_dst=10.0.0.0/24" +
					",actions=strip_vlan,mod_dl_src:" + gatewayMAC + ",output:11",
			})
			expectRouterTunFlows()
			b.BindPort(routerVif, types.NetworkTypeVXLAN, routerIPs, types.DeviceOwnerDVRInterface, 3)
			Expect(fexec.CalledMatchesExpected()).To(BeTrue(), fexec.ErrorDesc())

			fexec.AddFakeCmdsNoOutputNoError([]string{
				"ovs-ofctl del-flows br-int table=1,dl_vlan=3,dl_dst=" + computeMAC,
				"ovs-ofctl del-flows br-int table=1,ip,dl_vlan=3,nw_dst=10.0.0.0/24",
				"ovs-ofctl del-flows br-tun table=1,dl_vlan=3,arp,nw_dst=10.0.0.1",
				"ovs-ofctl del-flows br-tun table=1,dl_vlan=3,dl_dst=" + gatewayMAC,
				"ovs-ofctl del-flows br-tun table=1,dl_vlan=3,dl_src=" + gatewayMAC,
			})
			b.UnbindPort(routerVif, 3)
			Expect(fexec.CalledMatchesExpected()).To(BeTrue(), fexec.ErrorDesc())
			Expect(b.table.SubnetCount()).To(BeZero())
			Expect(b.table.Port("port-r1")).To(BeNil())
			// the workload record lingers until its own unbind event
			Expect(b.table.Port("port-c1")).NotTo(BeNil())
		})

		It("retargets the subnet flow at the SNAT port when the router leaves", func() {
			ctl.computePorts["subnet-1"] = []*inventory.Port{{ID: "port-c1", DeviceOwner: "compute:nova"}}
			b = readyBinder()
			bindCsnat()

			expectVifLookup(fexec, "port-c1", "tapc1", 11, computeMAC)
			fexec.AddFakeCmdsNoOutputNoError([]string{
				"ovs-ofctl add-flow br-int table=1,priority=4,dl_vlan=3,dl_dst=" + computeMAC +
					",actions=strip_vlan,mod_dl_src:" + gatewayMAC + ",output:11",
				"ovs-ofctl add-flow br-int table=1,priority=2,ip,dl_vlan=3,nw_dst=10.0.0.0/24" +
					",actions=strip_vlan,mod_dl_src:" + gatewayMAC + ",output:21,11",
			})
			expectRouterTunFlows()
			b.BindPort(routerVif, types.NetworkTypeVXLAN, routerIPs, types.DeviceOwnerDVRInterface, 3)
			Expect(fexec.CalledMatchesExpected()).To(BeTrue(), fexec.ErrorDesc())

			fexec.AddFakeCmdsNoOutputNoError([]string{
				"ovs-ofctl del-flows br-int table=1,dl_vlan=3,dl_dst=" + computeMAC,
				"ovs-ofctl add-flow br-int table=1,priority=2,ip,dl_vlan=3,nw_dst=10.0.0.0/24" +
					",actions=strip_vlan,mod_dl_src:" + gatewayMAC + ",output:21",
				"ovs-ofctl del-flows br-tun table=1,dl_vlan=3,arp,nw_dst=10.0.0.1",
				"ovs-ofctl del-flows br-tun table=1,dl_vlan=3,dl_dst=" + gatewayMAC,
				"ovs-ofctl del-flows br-tun table=1,dl_vlan=3,dl_src=" + gatewayMAC,
			})
			b.UnbindPort(routerVif, 3)
			Expect(fexec.CalledMatchesExpected()).To(BeTrue(), fexec.ErrorDesc())

			// the subnet stays tracked for the SNAT port alone
			mapping := b.table.Subnet("subnet-1")
			Expect(mapping).NotTo(BeNil())
			Expect(mapping.DVROwned()).To(BeFalse())
			Expect(mapping.CsnatOfport()).To(Equal(21))
		})

		It("keeps workload forwarding when the SNAT port leaves first", func() {
			ctl.computePorts["subnet-1"] = []*inventory.Port{{ID: "port-c1", DeviceOwner: "compute:nova"}}
			b = readyBinder()
			bindCsnat()

			expectVifLookup(fexec, "port-c1", "tapc1", 11, computeMAC)
			fexec.AddFakeCmdsNoOutputNoError([]string{
				"ovs-ofctl add-flow br-int table=1,priority=4,dl_vlan=3,dl_dst=" + computeMAC +
					",actions=strip_vlan,mod_dl_src:" + gatewayMAC + ",output:11",
				"ovs-ofctl add-flow br-int table=1,priority=2,ip,dl_vlan=3,nw_dst=10.0.0.0/24" +
					",actions=strip_vlan,mod_dl_src:" + gatewayMAC + ",output:21,11",
			})
			expectRouterTunFlows()
			b.BindPort(routerVif, types.NetworkTypeVXLAN, routerIPs, types.DeviceOwnerDVRInterface, 3)
			Expect(fexec.CalledMatchesExpected()).To(BeTrue(), fexec.ErrorDesc())

			fexec.AddFakeCmdsNoOutputNoError([]string{
				"ovs-ofctl del-flows br-int table=1,dl_vlan=3,dl_dst=" + csnatMAC,
				"ovs-ofctl add-flow br-int table=1,priority=2,ip,dl_vlan=3,nw_dst=10.0.0.0/24" +
					",actions=strip_vlan,mod_dl_src:" + gatewayMAC + ",output:11",
			})
			b.UnbindPort(csnatVif, 3)
			Expect(fexec.CalledMatchesExpected()).To(BeTrue(), fexec.ErrorDesc())

			mapping := b.table.Subnet("subnet-1")
			Expect(mapping).NotTo(BeNil())
			Expect(mapping.CsnatOfport()).To(Equal(types.OfportInvalid))
			Expect(mapping.DVROwned()).To(BeTrue())
			Expect(b.table.Port("port-s1")).To(BeNil())
		})

		It("drops the subnet state when the SNAT port unbinds last", func() {
			b = readyBinder()
			bindCsnat()

			fexec.AddFakeCmdsNoOutputNoError([]string{
				"ovs-ofctl del-flows br-int table=1,dl_vlan=3,dl_dst=" + csnatMAC,
				"ovs-ofctl del-flows br-int table=1,ip,dl_vlan=3,nw_dst=10.0.0.0/24",
			})
			b.UnbindPort(csnatVif, 3)
			Expect(fexec.CalledMatchesExpected()).To(BeTrue(), fexec.ErrorDesc())
			Expect(b.table.SubnetCount()).To(BeZero())
			Expect(b.table.PortCount()).To(BeZero())
		})

		It("drops a departing workload from the subnet flow", func() {
			ctl.computePorts["subnet-1"] = []*inventory.Port{
				{ID: "port-c1", DeviceOwner: "compute:nova"},
				{ID: "port-c2", DeviceOwner: "compute:nova"},
			}
			b = readyBinder()

			expectVifLookup(fexec, "port-c1", "tapc1", 11, computeMAC)
			fexec.AddFakeCmdsNoOutputNoError([]string{
				"ovs-ofctl add-flow br-int table=1,priority=4,dl_vlan=3,dl_dst=" + computeMAC +
					",actions=strip_vlan,mod_dl_src:" + gatewayMAC + ",output:11",
			})
			expectVifLookup(fexec, "port-c2", "tapc2", 12, compute2MAC)
			fexec.AddFakeCmdsNoOutputNoError([]string{
				"ovs-ofctl add-flow br-int table=1,priority=4,dl_vlan=3,dl_dst=" + compute2MAC +
					",actions=strip_vlan,mod_dl_src:" + gatewayMAC + ",output:12",
				"ovs-ofctl add-flow br-int table=1,priority=2,ip,dl_vlan=3,nw_dst=10.0.0.0/24" +
					",actions=strip_vlan,mod_dl_src:" + gatewayMAC + ",output:11,12",
			})
			expectRouterTunFlows()
			b.BindPort(routerVif, types.NetworkTypeVXLAN, routerIPs, types.DeviceOwnerDVRInterface, 3)
			Expect(fexec.CalledMatchesExpected()).To(BeTrue(), fexec.ErrorDesc())

			computeVif := &util.VifPort{Name: "tapc1", VifID: "port-c1", VifMac: computeMAC, Ofport: 11}
			fexec.AddFakeCmdsNoOutputNoError([]string{
				"ovs-ofctl del-flows br-int table=1,dl_vlan=3,dl_dst=" + computeMAC,
				"ovs-ofctl add-flow br-int table=1,priority=2,ip,dl_vlan=3,nw_dst=10.0.0.0/24" +
					",actions=strip_vlan,mod_dl_src:" + gatewayMAC + ",output:12",
			})
			b.UnbindPort(computeVif, 3)
			Expect(fexec.CalledMatchesExpected()).To(BeTrue(), fexec.ErrorDesc())
			Expect(b.table.Port("port-c1")).To(BeNil())
			Expect(b.table.Subnet("subnet-1").ComputeOfports()).To(Equal([]int{12}))
		})

		It("ignores unbind of untracked ports", func() {
			b = readyBinder()
			b.UnbindPort(&util.VifPort{Name: "tapx", VifID: "port-x", VifMac: computeMAC, Ofport: 99}, 3)
			b.UnbindPort(nil, 3)
			Expect(fexec.CalledMatchesExpected()).To(BeTrue(), fexec.ErrorDesc())
		})
	})
})
