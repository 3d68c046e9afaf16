package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"text/tabwriter"
	"text/template"

	"github.com/urfave/cli/v2"
	"k8s.io/klog/v2"
	kexec "k8s.io/utils/exec"

	"github.com/rossella/neutron-dvr/pkg/config"
	"github.com/rossella/neutron-dvr/pkg/dvr"
	"github.com/rossella/neutron-dvr/pkg/dvrdb"
	"github.com/rossella/neutron-dvr/pkg/inventory"
	"github.com/rossella/neutron-dvr/pkg/l2pop"
	"github.com/rossella/neutron-dvr/pkg/metrics"
	"github.com/rossella/neutron-dvr/pkg/notifier"
	"github.com/rossella/neutron-dvr/pkg/plugin"
	"github.com/rossella/neutron-dvr/pkg/rpc"
)

// flagSections groups the global options in the help output so the
// controller's own knobs don't drown in the generic ones.
var flagSections = []struct {
	Title string
	Flags []cli.Flag
}{
	{"Generic Options", config.CommonFlags},
	{"Controller Options", config.ControllerFlags},
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
	c.Name = "dvr-controller"
	c.Usage = "run the distributed virtual router control plane"
	c.Version = config.Version
	c.CustomAppHelpTemplate = appHelpTemplate
	c.Flags = config.GetFlags([]cli.Flag{
		&cli.StringFlag{
			Name:  "pidfile",
			Usage: "destination file for the daemon's pid",
		},
	})
	c.Action = runController

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	if err := c.RunContext(ctx, os.Args); err != nil {
		klog.Exit(err)
	}
}

// writePIDFile claims pidfile for this process. An existing file is
// taken over only when the pid it records is no longer alive.
func writePIDFile(pidfile string) error {
	if prev, err := os.ReadFile(pidfile); err == nil {
		pid := strings.TrimSpace(string(prev))
		if _, err := os.Stat(filepath.Join("/proc", pid, "cmdline")); err == nil {
			return fmt.Errorf("pidfile %s exists and dvr-controller is running", pidfile)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("pidfile %s exists but can't be read: %v", pidfile, err)
	}
	return os.WriteFile(pidfile, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func removePIDFile(pidfile string) {
	if err := os.Remove(pidfile); err != nil && !os.IsNotExist(err) {
		klog.Errorf("Failed to remove pidfile %s: %v", pidfile, err)
	}
}

func runController(ctx *cli.Context) error {
	if pidfile := ctx.String("pidfile"); pidfile != "" {
		if err := writePIDFile(pidfile); err != nil {
			return err
		}
		defer removePIDFile(pidfile)
	}

	exec := kexec.New()
	if _, err := config.InitConfig(ctx, exec, nil); err != nil {
		return err
	}

	stopChan := make(chan struct{})
	wg := &sync.WaitGroup{}
	defer func() {
		close(stopChan)
		wg.Wait()
	}()

	dbClient, err := dvrdb.NewClient(config.Database, stopChan)
	if err != nil {
		return fmt.Errorf("failed to connect to the DVR control database: %v", err)
	}
	defer dbClient.Close()

	nc, err := notifier.Connect(config.Notifier.Address)
	if err != nil {
		return fmt.Errorf("failed to connect to the message bus: %v", err)
	}
	defer nc.Close()

	store := inventory.NewMemoryStore()
	agentNotifier := notifier.NewAgentNotifier(nc)
	macs := dvr.NewManager(dbClient, store, agentNotifier)
	coordinator := l2pop.NewCoordinator(store, agentNotifier, config.L2Pop.BootTime())
	ports := plugin.NewPlugin(store, coordinator, agentNotifier)

	server := rpc.NewServer(nc, macs, ports)
	if err := server.Start(); err != nil {
		return err
	}
	defer server.Stop()

	if config.Metrics.BindAddress != "" {
		metrics.RegisterControllerMetrics()
		metrics.StartMetricsServer(config.Metrics.BindAddress, config.Metrics.EnablePprof, stopChan, wg)
	}

	klog.Infof("Controller is ready, serving the DVR control plane on %s", config.Notifier.Address)

	<-ctx.Context.Done()
	klog.Info("Shutting down")
	return nil
}
