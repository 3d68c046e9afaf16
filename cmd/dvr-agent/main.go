package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"text/tabwriter"
	"text/template"

	"github.com/alexflint/go-filemutex"
	"github.com/urfave/cli/v2"
	"k8s.io/klog/v2"
	kexec "k8s.io/utils/exec"

	"github.com/rossella/neutron-dvr/pkg/agent"
	"github.com/rossella/neutron-dvr/pkg/config"
	"github.com/rossella/neutron-dvr/pkg/metrics"
	"github.com/rossella/neutron-dvr/pkg/notifier"
	"github.com/rossella/neutron-dvr/pkg/rpc"
	"github.com/rossella/neutron-dvr/pkg/util"
)

// flagSections groups the global options in the help output so the
// agent's own knobs don't drown in the generic ones.
var flagSections = []struct {
	Title string
	Flags []cli.Flag
}{
	{"Generic Options", config.CommonFlags},
	{"Agent Options", config.AgentFlags},
	{"Message Bus Options", config.NotifierFlags},
	{"Monitoring Options", config.MetricsFlags},
}

const appHelpTemplate = `NAME:
   {{.Name}} - {{.Usage}}

USAGE:
   {{.HelpName}} [global options]

VERSION:
   {{.Version}}{{if .Description}}

DESCRIPTION:
   {{.Description}}{{end}}

GLOBAL OPTIONS:{{range flagSections}}
   {{upper .Title}}
   {{range $i, $f := .Flags}}{{if $i}}
   {{end}}{{$f}}{{end}}
   {{end}}`

// printSectionedHelp renders cli help through a tabwriter so the flag
// columns line up across sections.
func printSectionedHelp(out io.Writer, templ string, data interface{}, customFuncs map[string]interface{}) {
	funcMap := template.FuncMap{
		"upper":        strings.ToUpper,
		"flagSections": func() interface{} { return flagSections },
	}
	for name, fn := range customFuncs {
		funcMap[name] = fn
	}
	w := tabwriter.NewWriter(out, 1, 8, 2, ' ', 0)
	t := template.Must(template.New("help").Funcs(funcMap).Parse(templ))
	if err := t.Execute(w, data); err == nil {
		_ = w.Flush()
	}
}

func main() {
	cli.HelpPrinterCustom = printSectionedHelp
	c := cli.NewApp()
	c.Name = "dvr-agent"
	c.Usage = "program distributed routing flows on this node's Open vSwitch bridges"
	c.Version = config.Version
	c.CustomAppHelpTemplate = appHelpTemplate
	c.Flags = config.GetFlags([]cli.Flag{
		&cli.StringFlag{
			Name:  "lockfile",
			Usage: "run lock preventing a second agent on the same node",
			Value: "/var/run/neutron-dvr/dvr-agent.lock",
		},
	})
	c.Action = runAgent

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	if err := c.RunContext(ctx, os.Args); err != nil {
		klog.Exit(err)
	}
}

func runAgent(ctx *cli.Context) error {
	exec := kexec.New()
	if _, err := config.InitConfig(ctx, exec, &config.Defaults{Host: true}); err != nil {
		return err
	}
	if err := util.SetExec(exec); err != nil {
		return fmt.Errorf("failed to initialize exec helper: %v", err)
	}

	if config.Agent.LocalIP != "" {
		if err := util.ValidateLocalTunnelEndpoint(net.ParseIP(config.Agent.LocalIP)); err != nil {
			return err
		}
	}

	lockPath := ctx.String("lockfile")
	klog.V(4).Infof("Acquiring the agent run lock at %s", lockPath)
	runLock, err := filemutex.New(lockPath)
	if err != nil {
		return fmt.Errorf("failed to create the run lock at %s: %v", lockPath, err)
	}
	if err := runLock.Lock(); err != nil {
		return fmt.Errorf("failed to acquire the run lock at %s: %v", lockPath, err)
	}
	defer runLock.Close()

	stopChan := make(chan struct{})
	wg := &sync.WaitGroup{}
	defer func() {
		close(stopChan)
		wg.Wait()
	}()

	nc, err := notifier.Connect(config.Notifier.Address)
	if err != nil {
		return fmt.Errorf("failed to connect to the message bus: %v", err)
	}
	defer nc.Close()
	client := rpc.NewClient(nc, config.Default.Host)

	intBr := agent.NewOVSBridge(config.Agent.IntegrationBridge)
	tunBr := agent.NewOVSBridge(config.Agent.TunnelBridge)
	patchTunOfport, err := intBr.GetPortOfport(config.Agent.PatchTunPort)
	if err != nil {
		return fmt.Errorf("failed to resolve patch port %s on %s: %v",
			config.Agent.PatchTunPort, intBr.Name(), err)
	}
	patchIntOfport, err := tunBr.GetPortOfport(config.Agent.PatchIntPort)
	if err != nil {
		return fmt.Errorf("failed to resolve patch port %s on %s: %v",
			config.Agent.PatchIntPort, tunBr.Name(), err)
	}

	binder := agent.NewBinder(client, intBr, tunBr, patchIntOfport, patchTunOfport,
		config.Default.Host, !config.Agent.DisableDistributedRouting)
	if err := binder.Setup(); err != nil {
		return err
	}

	if config.Metrics.BindAddress != "" {
		metrics.RegisterAgentMetrics()
		metrics.StartMetricsServer(config.Metrics.BindAddress, config.Metrics.EnablePprof, stopChan, wg)
	}

	a := agent.NewAgent(nc, client, binder, intBr, tunBr,
		config.Agent.PatchIntPort, config.Agent.PatchTunPort,
		config.Agent.LocalIP, config.Agent.TunnelTypes)
	return a.Run(ctx.Context)
}
