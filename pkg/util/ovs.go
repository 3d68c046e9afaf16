package util

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"k8s.io/klog/v2"
	kexec "k8s.io/utils/exec"
)

const (
	ovsCommandTimeout = 15
	ovsVsctlCommand   = "ovs-vsctl"
	ovsOfctlCommand   = "ovs-ofctl"
)

type execHelper struct {
	exec      kexec.Interface
	vsctlPath string
	ofctlPath string
}

var runner *execHelper

// SetExec validates executable paths and saves the given exec interface
// to be used for running OVS commands.
func SetExec(exec kexec.Interface) error {
	var err error

	runner = &execHelper{exec: exec}
	runner.vsctlPath, err = exec.LookPath(ovsVsctlCommand)
	if err != nil {
		return err
	}
	runner.ofctlPath, err = exec.LookPath(ovsOfctlCommand)
	if err != nil {
		return err
	}
	return nil
}

// GetExec returns the exec interface set by SetExec.
func GetExec() kexec.Interface {
	return runner.exec
}

func run(cmdPath string, args ...string) (*bytes.Buffer, *bytes.Buffer, error) {
	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	cmd := runner.exec.Command(cmdPath, args...)
	cmd.SetStdout(stdout)
	cmd.SetStderr(stderr)
	klog.V(5).Infof("Exec: %s %s", cmdPath, strings.Join(args, " "))
	err := cmd.Run()
	if err != nil {
		klog.V(5).Infof("Exec: %s %s => %v", cmdPath, strings.Join(args, " "), err)
	}
	return stdout, stderr, err
}

// RunOVSVsctl runs a command via ovs-vsctl. The stdout result is trimmed
// of whitespace and surrounding quotes.
func RunOVSVsctl(args ...string) (string, string, error) {
	cmdArgs := []string{fmt.Sprintf("--timeout=%d", ovsCommandTimeout)}
	cmdArgs = append(cmdArgs, args...)
	stdout, stderr, err := run(runner.vsctlPath, cmdArgs...)
	return strings.Trim(strings.TrimSpace(stdout.String()), "\""), stderr.String(), err
}

// RunOVSOfctl runs a command via ovs-ofctl.
func RunOVSOfctl(args ...string) (string, string, error) {
	stdout, stderr, err := run(runner.ofctlPath, args...)
	return strings.TrimSpace(stdout.String()), stderr.String(), err
}

// VifPort describes a local vif attached to the integration bridge.
type VifPort struct {
	Name   string
	VifID  string
	VifMac string
	Ofport int
}

// GetOVSVifPort looks up the local vif carrying the given port ID in its
// external-ids. Returns nil when no such vif is plugged locally, which is
// a normal condition for ports bound elsewhere.
func GetOVSVifPort(portID string) (*VifPort, error) {
	name, stderr, err := RunOVSVsctl("--data=bare", "--no-heading", "--columns=name",
		"find", "Interface", "external-ids:iface-id="+portID)
	if err != nil {
		return nil, fmt.Errorf("failed to find interface for iface-id %s, stderr: %q, error: %v",
			portID, stderr, err)
	}
	if name == "" {
		return nil, nil
	}
	// A stale duplicate can briefly leave two rows; take the first.
	if idx := strings.IndexAny(name, "\n"); idx != -1 {
		name = strings.TrimSpace(name[:idx])
	}

	ofportStr, stderr, err := RunOVSVsctl("--if-exists", "get", "interface", name, "ofport")
	if err != nil {
		return nil, fmt.Errorf("failed to get ofport of %s, stderr: %q, error: %v",
			name, stderr, err)
	}
	ofport, err := strconv.Atoi(ofportStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse ofport %q of %s: %v", ofportStr, name, err)
	}

	mac, stderr, err := RunOVSVsctl("--if-exists", "get", "interface", name,
		"external-ids:attached-mac")
	if err != nil {
		return nil, fmt.Errorf("failed to get attached-mac of %s, stderr: %q, error: %v",
			name, stderr, err)
	}

	return &VifPort{
		Name:   name,
		VifID:  portID,
		VifMac: mac,
		Ofport: ofport,
	}, nil
}
