package dvr

import (
	"context"
	"errors"
	"net"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/rossella/neutron-dvr/pkg/config"
	"github.com/rossella/neutron-dvr/pkg/dvrdb"
	"github.com/rossella/neutron-dvr/pkg/inventory"
	libovsdbtest "github.com/rossella/neutron-dvr/pkg/testing/libovsdb"
	"github.com/rossella/neutron-dvr/pkg/types"
)

// recordingNotifier captures every MAC table broadcast.
type recordingNotifier struct {
	updates [][]HostMAC
}

func (n *recordingNotifier) DVRMacAddressUpdate(ctx context.Context, macs []HostMAC) error {
	copied := make([]HostMAC, len(macs))
	copy(copied, macs)
	n.updates = append(n.updates, copied)
	return nil
}

var _ = Describe("MAC manager", func() {
	var (
		mgr     *Manager
		notif   *recordingNotifier
		testCtx *libovsdbtest.Context
	)

	BeforeEach(func() {
		Expect(config.PrepareTestConfig()).To(Succeed())
	})

	AfterEach(func() {
		if testCtx != nil {
			testCtx.Cleanup()
			testCtx = nil
		}
	})

	start := func(setup libovsdbtest.TestSetup) {
		client, ctx, err := libovsdbtest.NewDVRTestHarness(setup)
		Expect(err).NotTo(HaveOccurred())
		testCtx = ctx
		notif = &recordingNotifier{}
		mgr = NewManager(client, inventory.NewMemoryStore(), notif)
	}

	It("allocates a prefixed MAC on first sight and keeps returning it", func() {
		start(libovsdbtest.TestSetup{})

		got, err := mgr.GetOrCreate(context.Background(), "compute-1")
		Expect(err).NotTo(HaveOccurred())
		Expect(got.Host).To(Equal("compute-1"))

		mac, err := net.ParseMAC(got.MACAddress)
		Expect(err).NotTo(HaveOccurred())
		base := config.Default.BaseMAC()
		Expect([]byte(mac[:3])).To(Equal([]byte(base[:3])))

		again, err := mgr.GetOrCreate(context.Background(), "compute-1")
		Expect(err).NotTo(HaveOccurred())
		Expect(again.MACAddress).To(Equal(got.MACAddress))

		Expect(notif.updates).To(HaveLen(1), "only the allocation broadcasts")
		Expect(notif.updates[0]).To(Equal([]HostMAC{{Host: "compute-1", MACAddress: got.MACAddress}}))
	})

	It("returns the persisted allocation without touching the store", func() {
		start(libovsdbtest.TestSetup{Data: []libovsdbtest.TestData{
			&dvrdb.DVRMACBinding{Host: "compute-1", MACAddress: "fa:16:3f:11:22:33"},
		}})

		got, err := mgr.GetOrCreate(context.Background(), "compute-1")
		Expect(err).NotTo(HaveOccurred())
		Expect(got.MACAddress).To(Equal("fa:16:3f:11:22:33"))
		Expect(notif.updates).To(BeEmpty())
	})

	It("redraws when the candidate MAC belongs to another host", func() {
		start(libovsdbtest.TestSetup{Data: []libovsdbtest.TestData{
			&dvrdb.DVRMACBinding{Host: "compute-2", MACAddress: "fa:16:3f:11:22:33"},
		}})

		calls := 0
		mgr.genMAC = func() (net.HardwareAddr, error) {
			calls++
			if calls == 1 {
				return net.ParseMAC("fa:16:3f:11:22:33")
			}
			return net.ParseMAC("fa:16:3f:44:55:66")
		}

		got, err := mgr.GetOrCreate(context.Background(), "compute-1")
		Expect(err).NotTo(HaveOccurred())
		Expect(got.MACAddress).To(Equal("fa:16:3f:44:55:66"))
		Expect(calls).To(Equal(2))
	})

	It("gives up after the configured number of attempts", func() {
		start(libovsdbtest.TestSetup{Data: []libovsdbtest.TestData{
			&dvrdb.DVRMACBinding{Host: "compute-2", MACAddress: "fa:16:3f:11:22:33"},
		}})

		calls := 0
		mgr.genMAC = func() (net.HardwareAddr, error) {
			calls++
			return net.ParseMAC("fa:16:3f:11:22:33")
		}

		_, err := mgr.GetOrCreate(context.Background(), "compute-1")
		var genErr *MACGenerationFailedError
		Expect(errors.As(err, &genErr)).To(BeTrue(), "got %v", err)
		Expect(genErr.Attempts).To(Equal(config.Default.MACGenerationRetries))
		Expect(calls).To(Equal(config.Default.MACGenerationRetries))

		// The failed allocation must not leave a row behind.
		macs, err := mgr.List(context.Background())
		Expect(err).NotTo(HaveOccurred())
		Expect(macs).To(HaveLen(1))
		Expect(macs[0].Host).To(Equal("compute-2"))
	})

	It("lists allocations ordered by host", func() {
		start(libovsdbtest.TestSetup{Data: []libovsdbtest.TestData{
			&dvrdb.DVRMACBinding{Host: "compute-2", MACAddress: "fa:16:3f:00:00:02"},
			&dvrdb.DVRMACBinding{Host: "compute-1", MACAddress: "fa:16:3f:00:00:01"},
		}})

		macs, err := mgr.List(context.Background())
		Expect(err).NotTo(HaveOccurred())
		Expect(macs).To(Equal([]HostMAC{
			{Host: "compute-1", MACAddress: "fa:16:3f:00:00:01"},
			{Host: "compute-2", MACAddress: "fa:16:3f:00:00:02"},
		}))
	})

	It("deletes the host allocation and rebroadcasts", func() {
		start(libovsdbtest.TestSetup{Data: []libovsdbtest.TestData{
			&dvrdb.DVRMACBinding{Host: "compute-1", MACAddress: "fa:16:3f:00:00:01"},
			&dvrdb.DVRMACBinding{Host: "compute-2", MACAddress: "fa:16:3f:00:00:02"},
		}})

		Expect(mgr.Delete(context.Background(), "compute-1")).To(Succeed())
		Expect(notif.updates).To(HaveLen(1))

		macs, err := mgr.List(context.Background())
		Expect(err).NotTo(HaveOccurred())
		Expect(macs).To(Equal([]HostMAC{{Host: "compute-2", MACAddress: "fa:16:3f:00:00:02"}}))

		// deleting an unknown host is quietly ignored
		Expect(mgr.Delete(context.Background(), "compute-9")).To(Succeed())
		Expect(notif.updates).To(HaveLen(1))
	})
})

var _ = Describe("subnet resolution", func() {
	var (
		store *inventory.MemoryStore
		mgr   *Manager
	)

	BeforeEach(func() {
		Expect(config.PrepareTestConfig()).To(Succeed())
		store = inventory.NewMemoryStore()
		mgr = NewManager(nil, store, nil)

		store.PutSubnet(&inventory.Subnet{
			ID:        "subnet-1",
			NetworkID: "net-1",
			CIDR:      "10.0.0.0/24",
			GatewayIP: "10.0.0.1",
		})
	})

	It("resolves the gateway MAC from the port holding the gateway IP", func() {
		store.PutPort(&inventory.Port{
			ID:          "port-r1",
			NetworkID:   "net-1",
			MACAddress:  "fa:16:3e:aa:bb:cc",
			DeviceOwner: types.DeviceOwnerDVRInterface,
			FixedIPs:    []inventory.FixedIP{{SubnetID: "subnet-1", IPAddress: "10.0.0.1"}},
		})
		store.PutPort(&inventory.Port{
			ID:          "port-c1",
			NetworkID:   "net-1",
			MACAddress:  "fa:16:3e:11:11:11",
			DeviceOwner: "compute:nova",
			FixedIPs:    []inventory.FixedIP{{SubnetID: "subnet-1", IPAddress: "10.0.0.5"}},
		})

		info := mgr.GetSubnetForDVR("subnet-1")
		Expect(info).NotTo(BeNil())
		Expect(info.GatewayMAC).To(Equal("fa:16:3e:aa:bb:cc"))
		Expect(info.CIDR).To(Equal("10.0.0.0/24"))
		Expect(info.GatewayIP).To(Equal("10.0.0.1"))
	})

	It("returns nothing for unknown subnets", func() {
		Expect(mgr.GetSubnetForDVR("subnet-9")).To(BeNil())
	})

	It("returns nothing while no port holds the gateway address", func() {
		store.PutPort(&inventory.Port{
			ID:          "port-c1",
			NetworkID:   "net-1",
			MACAddress:  "fa:16:3e:11:11:11",
			DeviceOwner: "compute:nova",
			FixedIPs:    []inventory.FixedIP{{SubnetID: "subnet-1", IPAddress: "10.0.0.5"}},
		})
		Expect(mgr.GetSubnetForDVR("subnet-1")).To(BeNil())
	})

	It("filters serviceable ports by host and owner", func() {
		store.PutPort(&inventory.Port{
			ID:          "port-c1",
			NetworkID:   "net-1",
			DeviceOwner: "compute:nova",
			HostID:      "compute-1",
			FixedIPs:    []inventory.FixedIP{{SubnetID: "subnet-1", IPAddress: "10.0.0.5"}},
		})
		store.PutPort(&inventory.Port{
			ID:          "port-c2",
			NetworkID:   "net-1",
			DeviceOwner: "compute:nova",
			HostID:      "compute-2",
			FixedIPs:    []inventory.FixedIP{{SubnetID: "subnet-1", IPAddress: "10.0.0.6"}},
		})
		store.PutPort(&inventory.Port{
			ID:          "port-d1",
			NetworkID:   "net-1",
			DeviceOwner: types.DeviceOwnerDHCP,
			HostID:      "compute-1",
			FixedIPs:    []inventory.FixedIP{{SubnetID: "subnet-1", IPAddress: "10.0.0.2"}},
		})

		ports := mgr.GetComputePortsOnHostBySubnet("compute-1", "subnet-1")
		Expect(ports).To(HaveLen(1))
		Expect(ports[0].ID).To(Equal("port-c1"))
	})
})
