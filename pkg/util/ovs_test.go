package util

import (
	"fmt"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	dvrtest "github.com/rossella/neutron-dvr/pkg/testing"
)

var _ = Describe("OVS command helpers", func() {
	var fexec *dvrtest.FakeExec

	BeforeEach(func() {
		fexec = dvrtest.NewFakeExec()
		Expect(SetExec(fexec)).To(Succeed())
	})

	It("prefixes ovs-vsctl invocations with a timeout and trims the output", func() {
		fexec.AddFakeCmd(&dvrtest.ExpectedCmd{
			Cmd:    "ovs-vsctl --timeout=15 get Open_vSwitch . external-ids:system-id",
			Output: "\"0537a042-4e9a-4b01-b0c7-62d835e15e4d\"\n",
		})
		stdout, _, err := RunOVSVsctl("get", "Open_vSwitch", ".", "external-ids:system-id")
		Expect(err).NotTo(HaveOccurred())
		Expect(stdout).To(Equal("0537a042-4e9a-4b01-b0c7-62d835e15e4d"))
		Expect(fexec.CalledMatchesExpected()).To(BeTrue(), fexec.ErrorDesc())
	})

	It("passes stderr and the error through from ovs-vsctl", func() {
		fexec.AddFakeCmd(&dvrtest.ExpectedCmd{
			Cmd:    "ovs-vsctl --timeout=15 br-exists br-missing",
			Stderr: "ovs-vsctl: no bridge named br-missing\n",
			Err:    fmt.Errorf("exit status 2"),
		})
		_, stderr, err := RunOVSVsctl("br-exists", "br-missing")
		Expect(err).To(HaveOccurred())
		Expect(stderr).To(ContainSubstring("no bridge named br-missing"))
	})

	It("runs ovs-ofctl without injecting a timeout flag", func() {
		fexec.AddFakeCmd(&dvrtest.ExpectedCmd{
			Cmd:    "ovs-ofctl dump-aggregate br-tun",
			Output: "NXST_AGGREGATE reply (xid=0x4): packet_count=0 byte_count=0 flow_count=12\n",
		})
		stdout, _, err := RunOVSOfctl("dump-aggregate", "br-tun")
		Expect(err).NotTo(HaveOccurred())
		Expect(stdout).To(ContainSubstring("flow_count=12"))
		Expect(fexec.CalledMatchesExpected()).To(BeTrue(), fexec.ErrorDesc())
	})

	Describe("GetOVSVifPort", func() {
		const portID = "2f7b4d1b-7d3e-4a2c-8e35-ab1efb2f5a1d"

		It("resolves the vif name, ofport and attached MAC", func() {
			fexec.AddFakeCmd(&dvrtest.ExpectedCmd{
				Cmd: "ovs-vsctl --timeout=15 --data=bare --no-heading --columns=name " +
					"find Interface external-ids:iface-id=" + portID,
				Output: "tap2f7b4d1b-7d\n",
			})
			fexec.AddFakeCmd(&dvrtest.ExpectedCmd{
				Cmd:    "ovs-vsctl --timeout=15 --if-exists get interface tap2f7b4d1b-7d ofport",
				Output: "5\n",
			})
			fexec.AddFakeCmd(&dvrtest.ExpectedCmd{
				Cmd:    "ovs-vsctl --timeout=15 --if-exists get interface tap2f7b4d1b-7d external-ids:attached-mac",
				Output: "\"fa:16:3e:12:34:56\"\n",
			})

			vif, err := GetOVSVifPort(portID)
			Expect(err).NotTo(HaveOccurred())
			Expect(vif).To(Equal(&VifPort{
				Name:   "tap2f7b4d1b-7d",
				VifID:  portID,
				VifMac: "fa:16:3e:12:34:56",
				Ofport: 5,
			}))
			Expect(fexec.CalledMatchesExpected()).To(BeTrue(), fexec.ErrorDesc())
		})

		It("returns nil without error when the vif is not plugged locally", func() {
			fexec.AddFakeCmd(&dvrtest.ExpectedCmd{
				Cmd: "ovs-vsctl --timeout=15 --data=bare --no-heading --columns=name " +
					"find Interface external-ids:iface-id=" + portID,
			})
			vif, err := GetOVSVifPort(portID)
			Expect(err).NotTo(HaveOccurred())
			Expect(vif).To(BeNil())
		})

		It("takes the first row when a stale duplicate is present", func() {
			fexec.AddFakeCmd(&dvrtest.ExpectedCmd{
				Cmd: "ovs-vsctl --timeout=15 --data=bare --no-heading --columns=name " +
					"find Interface external-ids:iface-id=" + portID,
				Output: "tap2f7b4d1b-7d\ntap2f7b4d1b-old\n",
			})
			fexec.AddFakeCmd(&dvrtest.ExpectedCmd{
				Cmd:    "ovs-vsctl --timeout=15 --if-exists get interface tap2f7b4d1b-7d ofport",
				Output: "5\n",
			})
			fexec.AddFakeCmd(&dvrtest.ExpectedCmd{
				Cmd:    "ovs-vsctl --timeout=15 --if-exists get interface tap2f7b4d1b-7d external-ids:attached-mac",
				Output: "\"fa:16:3e:12:34:56\"\n",
			})

			vif, err := GetOVSVifPort(portID)
			Expect(err).NotTo(HaveOccurred())
			Expect(vif.Name).To(Equal("tap2f7b4d1b-7d"))
			Expect(fexec.CalledMatchesExpected()).To(BeTrue(), fexec.ErrorDesc())
		})

		It("fails when the vif row vanishes before the ofport lookup", func() {
			fexec.AddFakeCmd(&dvrtest.ExpectedCmd{
				Cmd: "ovs-vsctl --timeout=15 --data=bare --no-heading --columns=name " +
					"find Interface external-ids:iface-id=" + portID,
				Output: "tap2f7b4d1b-7d\n",
			})
			fexec.AddFakeCmd(&dvrtest.ExpectedCmd{
				Cmd: "ovs-vsctl --timeout=15 --if-exists get interface tap2f7b4d1b-7d ofport",
			})
			_, err := GetOVSVifPort(portID)
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("failed to parse ofport"))
		})

		It("propagates lookup failures with the stderr detail", func() {
			fexec.AddFakeCmd(&dvrtest.ExpectedCmd{
				Cmd: "ovs-vsctl --timeout=15 --data=bare --no-heading --columns=name " +
					"find Interface external-ids:iface-id=" + portID,
				Stderr: "ovs-vsctl: database connection failed\n",
				Err:    fmt.Errorf("exit status 1"),
			})
			_, err := GetOVSVifPort(portID)
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("database connection failed"))
		})
	})
})
