package testing

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/onsi/gomega"
	kexec "k8s.io/utils/exec"
)

const fakeBinPrefix = "/fake-bin/"

// ExpectedCmd contains properties that the testcase expects a called
// command to have, as well as the output the fake command should return.
type ExpectedCmd struct {
	// Cmd is the command-line string of the executable name and all the
	// arguments it is expected to be called with.
	Cmd string
	// Output is any stdout output which Cmd should produce.
	Output string
	// Stderr is any stderr output which Cmd should produce.
	Stderr string
	// Err is any error that should be returned for the invocation of Cmd.
	Err error
	// Action is run when the fake command is "run".
	Action func() error
}

// FakeExec is a fake kexec.Interface that replays queued expected commands
// and fails the testcase on any deviation.
type FakeExec struct {
	mu       sync.Mutex
	expected []*ExpectedCmd
	// looseCompare matches called commands against any remaining
	// expectation instead of requiring exact call order.
	looseCompare bool
}

var _ kexec.Interface = &FakeExec{}

func NewFakeExec() *FakeExec {
	return &FakeExec{}
}

func NewLooseCompareFakeExec() *FakeExec {
	return &FakeExec{looseCompare: true}
}

// AddFakeCmd takes the ExpectedCmd and appends its runner function to
// a list of expected commands.
func (f *FakeExec) AddFakeCmd(expected *ExpectedCmd) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expected = append(f.expected, expected)
}

// AddFakeCmdsNoOutputNoError appends a list of commands that produce no
// output and no error.
func (f *FakeExec) AddFakeCmdsNoOutputNoError(commands []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, cmd := range commands {
		f.expected = append(f.expected, &ExpectedCmd{Cmd: cmd})
	}
}

// CalledMatchesExpected returns true if the code under test consumed every
// expected command.
func (f *FakeExec) CalledMatchesExpected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.expected) == 0
}

// ErrorDesc describes the leftover expected commands for test failure
// messages.
func (f *FakeExec) ErrorDesc() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	desc := fmt.Sprintf("%d unused expected commands", len(f.expected))
	for _, e := range f.expected {
		desc += fmt.Sprintf("\n  %s", e.Cmd)
	}
	return desc
}

func (f *FakeExec) LookPath(file string) (string, error) {
	return fakeBinPrefix + file, nil
}

func (f *FakeExec) CommandContext(ctx context.Context, cmd string, args ...string) kexec.Cmd {
	return f.Command(cmd, args...)
}

func (f *FakeExec) Command(cmd string, args ...string) kexec.Cmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmdStr := strings.TrimPrefix(cmd, fakeBinPrefix)
	if len(args) > 0 {
		cmdStr += " " + strings.Join(args, " ")
	}

	if f.looseCompare {
		for i, expected := range f.expected {
			if expected.Cmd == cmdStr {
				f.expected = append(f.expected[:i], f.expected[i+1:]...)
				return &fakeCmd{expected: expected}
			}
		}
		gomega.Expect(false).To(gomega.BeTrue(), "called %q which matches no remaining expected command", cmdStr)
		return nil
	}

	gomega.Expect(f.expected).NotTo(gomega.BeEmpty(), "called %q with no remaining expected commands", cmdStr)
	expected := f.expected[0]
	f.expected = f.expected[1:]
	gomega.Expect(cmdStr).To(gomega.Equal(expected.Cmd))
	return &fakeCmd{expected: expected}
}

type fakeCmd struct {
	expected *ExpectedCmd
	stdout   io.Writer
	stderr   io.Writer
}

var _ kexec.Cmd = &fakeCmd{}

func (c *fakeCmd) Run() error {
	if c.expected.Action != nil {
		if err := c.expected.Action(); err != nil {
			return err
		}
	}
	if c.stdout != nil && c.expected.Output != "" {
		_, _ = c.stdout.Write([]byte(c.expected.Output))
	}
	if c.stderr != nil && c.expected.Stderr != "" {
		_, _ = c.stderr.Write([]byte(c.expected.Stderr))
	}
	return c.expected.Err
}

func (c *fakeCmd) CombinedOutput() ([]byte, error) {
	if c.expected.Action != nil {
		if err := c.expected.Action(); err != nil {
			return nil, err
		}
	}
	return []byte(c.expected.Output + c.expected.Stderr), c.expected.Err
}

func (c *fakeCmd) Output() ([]byte, error) {
	if c.expected.Action != nil {
		if err := c.expected.Action(); err != nil {
			return nil, err
		}
	}
	return []byte(c.expected.Output), c.expected.Err
}

func (c *fakeCmd) SetDir(dir string)        {}
func (c *fakeCmd) SetStdin(in io.Reader)    {}
func (c *fakeCmd) SetStdout(out io.Writer)  { c.stdout = out }
func (c *fakeCmd) SetStderr(out io.Writer)  { c.stderr = out }
func (c *fakeCmd) SetEnv(env []string)      {}
func (c *fakeCmd) Start() error             { return nil }
func (c *fakeCmd) Wait() error              { return nil }
func (c *fakeCmd) Stop()                    {}

func (c *fakeCmd) StdoutPipe() (io.ReadCloser, error) {
	return nil, fmt.Errorf("StdoutPipe is not supported by fakeCmd")
}

func (c *fakeCmd) StderrPipe() (io.ReadCloser, error) {
	return nil, fmt.Errorf("StderrPipe is not supported by fakeCmd")
}
