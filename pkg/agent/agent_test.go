package agent

import (
	"fmt"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/rossella/neutron-dvr/pkg/inventory"
	"github.com/rossella/neutron-dvr/pkg/notifier"
	"github.com/rossella/neutron-dvr/pkg/plugin"
	dvrtest "github.com/rossella/neutron-dvr/pkg/testing"
	"github.com/rossella/neutron-dvr/pkg/util"
)

// fakeDeviceClient records the device status calls the event loop makes.
type fakeDeviceClient struct {
	details map[string]*plugin.DeviceDetails

	up   []string
	down []string

	reports   int
	reportErr error
	lastStart bool
}

func (f *fakeDeviceClient) GetDeviceDetails(device string) (*plugin.DeviceDetails, error) {
	if d, ok := f.details[device]; ok {
		return d, nil
	}
	return &plugin.DeviceDetails{Device: device}, nil
}

func (f *fakeDeviceClient) UpdateDeviceUp(device string) error {
	f.up = append(f.up, device)
	return nil
}

func (f *fakeDeviceClient) UpdateDeviceDown(device string) (bool, error) {
	f.down = append(f.down, device)
	return true, nil
}

func (f *fakeDeviceClient) ReportAgentState(tunnelIP string, tunnelTypes []string, startFlag bool) error {
	f.reports++
	f.lastStart = startFlag
	return f.reportErr
}

var _ = Describe("Agent", func() {
	var (
		fexec  *dvrtest.FakeExec
		ctl    *fakeController
		dev    *fakeDeviceClient
		binder *Binder
		a      *Agent
	)

	BeforeEach(func() {
		fexec = dvrtest.NewFakeExec()
		Expect(util.SetExec(fexec)).To(Succeed())
		ctl = newFakeController()
		dev = &fakeDeviceClient{details: map[string]*plugin.DeviceDetails{}}

		intBr := NewOVSBridge("br-int")
		tunBr := NewOVSBridge("br-tun")
		expectSetupFlows(fexec)
		binder = NewBinder(ctl, intBr, tunBr, patchIntOfport, patchTunOfport, testHost, true)
		Expect(binder.Setup()).To(Succeed())

		a = NewAgent(nil, dev, binder, intBr, tunBr, "patch-int", "patch-tun",
			"192.0.2.10", []string{"vxlan"})
	})

	addDetails := func(portID, networkID string, segmentationID uint32, up bool) {
		dev.details[portID] = &plugin.DeviceDetails{
			Device:         portID,
			PortID:         portID,
			NetworkID:      networkID,
			NetworkType:    "vxlan",
			SegmentationID: segmentationID,
			AdminStateUp:   up,
			DeviceOwner:    "compute:nova",
		}
	}

	portEvent := func(portID, networkID string) *notifier.PortUpdateEvent {
		return &notifier.PortUpdateEvent{Port: &inventory.Port{ID: portID, NetworkID: networkID}}
	}

	It("assigns each network its own local VLAN and reports devices up", func() {
		addDetails("port-1", "net-1", 5001, true)
		addDetails("port-2", "net-2", 5002, true)

		expectVifLookup(fexec, "port-1", "tap1", 11, computeMAC)
		fexec.AddFakeCmdsNoOutputNoError([]string{
			"ovs-ofctl add-flow br-tun table=4,priority=1,tun_id=5001,actions=mod_vlan_vid:1,resubmit(,9)",
		})
		a.handlePortUpdate(portEvent("port-1", "net-1"))

		expectVifLookup(fexec, "port-2", "tap2", 12, compute2MAC)
		fexec.AddFakeCmdsNoOutputNoError([]string{
			"ovs-ofctl add-flow br-tun table=4,priority=1,tun_id=5002,actions=mod_vlan_vid:2,resubmit(,9)",
		})
		a.handlePortUpdate(portEvent("port-2", "net-2"))

		Expect(a.networks["net-1"].vlan).To(Equal(1))
		Expect(a.networks["net-2"].vlan).To(Equal(2))
		Expect(dev.up).To(Equal([]string{"port-1", "port-2"}))
		Expect(fexec.CalledMatchesExpected()).To(BeTrue(), fexec.ErrorDesc())
	})

	It("reuses the network state for further ports", func() {
		addDetails("port-1", "net-1", 5001, true)
		addDetails("port-2", "net-1", 5001, true)

		expectVifLookup(fexec, "port-1", "tap1", 11, computeMAC)
		fexec.AddFakeCmdsNoOutputNoError([]string{
			"ovs-ofctl add-flow br-tun table=4,priority=1,tun_id=5001,actions=mod_vlan_vid:1,resubmit(,9)",
		})
		a.handlePortUpdate(portEvent("port-1", "net-1"))

		// no second provisioning for the same network
		expectVifLookup(fexec, "port-2", "tap2", 12, compute2MAC)
		a.handlePortUpdate(portEvent("port-2", "net-1"))

		Expect(a.networks["net-1"].ports.Len()).To(Equal(2))
		Expect(fexec.CalledMatchesExpected()).To(BeTrue(), fexec.ErrorDesc())
	})

	It("unbinds and reclaims the VLAN when the port goes down", func() {
		addDetails("port-1", "net-1", 5001, true)
		expectVifLookup(fexec, "port-1", "tap1", 11, computeMAC)
		fexec.AddFakeCmdsNoOutputNoError([]string{
			"ovs-ofctl add-flow br-tun table=4,priority=1,tun_id=5001,actions=mod_vlan_vid:1,resubmit(,9)",
		})
		a.handlePortUpdate(portEvent("port-1", "net-1"))

		addDetails("port-1", "net-1", 5001, false)
		expectVifLookup(fexec, "port-1", "tap1", 11, computeMAC)
		fexec.AddFakeCmdsNoOutputNoError([]string{
			"ovs-ofctl del-flows br-tun table=4,tun_id=5001",
		})
		a.handlePortUpdate(portEvent("port-1", "net-1"))

		Expect(dev.down).To(Equal([]string{"port-1"}))
		Expect(a.networks).NotTo(HaveKey("net-1"))
		Expect(fexec.CalledMatchesExpected()).To(BeTrue(), fexec.ErrorDesc())
	})

	It("tears down local state when the vif disappears from the switch", func() {
		addDetails("port-1", "net-1", 5001, true)
		expectVifLookup(fexec, "port-1", "tap1", 11, computeMAC)
		fexec.AddFakeCmdsNoOutputNoError([]string{
			"ovs-ofctl add-flow br-tun table=4,priority=1,tun_id=5001,actions=mod_vlan_vid:1,resubmit(,9)",
		})
		a.handlePortUpdate(portEvent("port-1", "net-1"))

		fexec.AddFakeCmd(&dvrtest.ExpectedCmd{
			Cmd: "ovs-vsctl --timeout=15 --data=bare --no-heading --columns=name find Interface external-ids:iface-id=port-1",
		})
		fexec.AddFakeCmdsNoOutputNoError([]string{
			"ovs-ofctl del-flows br-tun table=4,tun_id=5001",
		})
		a.handlePortUpdate(portEvent("port-1", "net-1"))

		Expect(dev.down).To(Equal([]string{"port-1"}))
		Expect(a.networks).NotTo(HaveKey("net-1"))
		Expect(fexec.CalledMatchesExpected()).To(BeTrue(), fexec.ErrorDesc())
	})

	It("ignores vanished ports it never bound", func() {
		fexec.AddFakeCmd(&dvrtest.ExpectedCmd{
			Cmd: "ovs-vsctl --timeout=15 --data=bare --no-heading --columns=name find Interface external-ids:iface-id=port-9",
		})
		a.handlePortUpdate(portEvent("port-9", "net-9"))
		Expect(dev.down).To(BeEmpty())
		Expect(fexec.CalledMatchesExpected()).To(BeTrue(), fexec.ErrorDesc())
	})

	It("ignores devices the controller does not know", func() {
		expectVifLookup(fexec, "port-9", "tap9", 19, "0a:58:00:00:00:19")
		a.handlePortUpdate(portEvent("port-9", "net-9"))
		Expect(dev.up).To(BeEmpty())
		Expect(a.networks).To(BeEmpty())
		Expect(fexec.CalledMatchesExpected()).To(BeTrue(), fexec.ErrorDesc())
	})

	It("keeps the start flag armed until a report reaches the controller", func() {
		dev.reportErr = fmt.Errorf("bus down")
		a.reportState()
		a.reportState()
		Expect(dev.reports).To(Equal(2))
		Expect(dev.lastStart).To(BeTrue())

		dev.reportErr = nil
		a.reportState()
		Expect(dev.lastStart).To(BeTrue(), "the first successful report still announces the restart")
		a.reportState()
		Expect(dev.lastStart).To(BeFalse())
		Expect(dev.reports).To(Equal(4))
	})

	It("wraps the VLAN scan around the top of the range", func() {
		a.nextVlan = maxLocalVlan
		vlan, err := a.allocateVlan()
		Expect(err).NotTo(HaveOccurred())
		Expect(vlan).To(Equal(maxLocalVlan))

		vlan, err = a.allocateVlan()
		Expect(err).NotTo(HaveOccurred())
		Expect(vlan).To(Equal(1))
	})

	It("leaves everything alone while the canary flow holds", func() {
		fexec.AddFakeCmd(&dvrtest.ExpectedCmd{
			Cmd: "ovs-ofctl dump-flows br-int table=23",
			Output: "NXST_FLOW reply (xid=0x4):\n" +
				" cookie=0x0, duration=12.3s, table=23, n_packets=0, n_bytes=0, priority=0 actions=drop",
		})
		a.checkRestart()
		Expect(fexec.CalledMatchesExpected()).To(BeTrue(), fexec.ErrorDesc())
	})

	It("rebuilds flows and rebinds ports after a switch restart", func() {
		addDetails("port-1", "net-1", 5001, true)
		expectVifLookup(fexec, "port-1", "tap1", 11, computeMAC)
		fexec.AddFakeCmdsNoOutputNoError([]string{
			"ovs-ofctl add-flow br-tun table=4,priority=1,tun_id=5001,actions=mod_vlan_vid:1,resubmit(,9)",
		})
		a.handlePortUpdate(portEvent("port-1", "net-1"))

		// the canary table is empty, the switch restarted
		fexec.AddFakeCmd(&dvrtest.ExpectedCmd{
			Cmd:    "ovs-ofctl dump-flows br-int table=23",
			Output: "NXST_FLOW reply (xid=0x4):",
		})
		// the restart renumbered the patch ports
		fexec.AddFakeCmd(&dvrtest.ExpectedCmd{
			Cmd:    "ovs-vsctl --timeout=15 --if-exists get Interface patch-tun ofport",
			Output: "8",
		})
		fexec.AddFakeCmd(&dvrtest.ExpectedCmd{
			Cmd:    "ovs-vsctl --timeout=15 --if-exists get Interface patch-int ofport",
			Output: "6",
		})
		fexec.AddFakeCmdsNoOutputNoError([]string{
			"ovs-ofctl del-flows br-int",
			"ovs-ofctl add-flow br-int table=23,priority=0,actions=drop",
			"ovs-ofctl add-flow br-int table=1,priority=1,actions=drop",
			"ovs-ofctl add-flow br-int table=0,priority=1,actions=normal",
			"ovs-ofctl add-flow br-tun table=0,priority=1,in_port=6,actions=resubmit(,1)",
			"ovs-ofctl add-flow br-tun table=9,priority=0,actions=resubmit(,10)",
			"ovs-ofctl add-flow br-tun table=1,priority=0,actions=resubmit(,2)",
		})
		// the bound port is replayed through the regular update path
		expectVifLookup(fexec, "port-1", "tap1", 11, computeMAC)
		fexec.AddFakeCmdsNoOutputNoError([]string{
			"ovs-ofctl add-flow br-tun table=4,priority=1,tun_id=5001,actions=mod_vlan_vid:1,resubmit(,9)",
		})

		a.checkRestart()
		Expect(a.networks["net-1"].vlan).To(Equal(1))
		Expect(dev.up).To(Equal([]string{"port-1", "port-1"}))
		Expect(fexec.CalledMatchesExpected()).To(BeTrue(), fexec.ErrorDesc())
	})
})
