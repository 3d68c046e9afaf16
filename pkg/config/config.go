package config

import (
	"flag"
	"fmt"
	"net"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/asaskevich/govalidator"
	"github.com/spf13/afero"
	"github.com/urfave/cli/v2"
	gcfg "gopkg.in/gcfg.v1"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
	"k8s.io/klog/v2"
	kexec "k8s.io/utils/exec"

	"github.com/rossella/neutron-dvr/pkg/types"
)

// Version is the daemon version reported by --version.
const Version = "1.0.0"

// The following are global config parameters that other modules may access
// directly. They are filled in by InitConfig from (in order of precedence)
// command-line options, the config file, and built-in defaults.
var (
	// Default holds parameters common to the controller and the agent
	Default = DefaultConfig{
		DVRBaseMAC:           types.DefaultDVRBaseMAC,
		MACGenerationRetries: types.DefaultMACGenerationRetries,
	}

	// Logging holds logging-related parsed config file parameters and command-line overrides
	Logging = LoggingConfig{
		Level:             4,
		LogFileMaxSize:    100, // Size in Megabytes
		LogFileMaxBackups: 5,
		LogFileMaxAge:     5, // days
	}

	// Agent holds the per-node OVS agent parsed config file parameters and command-line overrides
	Agent = AgentConfig{
		IntegrationBridge: types.DefaultIntegrationBridge,
		TunnelBridge:      types.DefaultTunnelBridge,
		PatchTunPort:      types.DefaultPatchTunPort,
		PatchIntPort:      types.DefaultPatchIntPort,
		RawTunnelTypes:    types.NetworkTypeVXLAN,
	}

	// L2Pop holds forwarding-table population parameters used by the controller
	L2Pop = L2PopConfig{
		AgentBootTime: int(types.DefaultAgentBootTime / time.Second),
	}

	// Database holds the connection parameters for the DVR control database
	Database = OvsdbAuthConfig{
		Address: "unix:/var/run/neutron-dvr/dvr_control.sock",
		Scheme:  OvsdbSchemeUnix,
	}

	// Notifier holds the connection parameters for the NATS message bus
	Notifier = NotifierConfig{
		Address:        "nats://127.0.0.1:4222",
		RequestTimeout: 30, // seconds
	}

	// Metrics holds the metrics and health endpoint parameters
	Metrics = MetricsConfig{}
)

// DefaultConfig holds parsed config file parameters and command-line overrides
// common to both daemons.
type DefaultConfig struct {
	// Host is the name under which this node is registered in the control
	// plane. MAC allocation, port bindings and targeted notifications are
	// all keyed by it. When unset it is discovered at startup (see Defaults).
	Host string `gcfg:"host"`

	// DVRBaseMAC supplies the three-octet prefix of every generated
	// per-host DVR MAC. It must not overlap the range used for tenant
	// port MACs.
	DVRBaseMAC string `gcfg:"dvr-base-mac"`

	// MACGenerationRetries bounds how many candidate MACs are tried when
	// an insert keeps colliding with concurrently allocated addresses.
	MACGenerationRetries int `gcfg:"mac-generation-retries"`
}

// LoggingConfig holds logging-related parsed config file parameters and command-line overrides
type LoggingConfig struct {
	// File is the path of the file to log to
	File string `gcfg:"logfile"`
	// Level is the logging verbosity level
	Level int `gcfg:"loglevel"`
	// LogFileMaxSize is the maximum size in megabytes of the logfile
	// before it gets rolled.
	LogFileMaxSize int `gcfg:"logfile-maxsize"`
	// LogFileMaxBackups represents the maximum number of old log files to retain
	LogFileMaxBackups int `gcfg:"logfile-maxbackups"`
	// LogFileMaxAge represents the maximum number of days to retain old log files
	LogFileMaxAge int `gcfg:"logfile-maxage"`
}

// AgentConfig holds the per-node agent parsed config file parameters and
// command-line overrides.
type AgentConfig struct {
	// IntegrationBridge is the OVS bridge VM ports attach to
	IntegrationBridge string `gcfg:"integration-bridge"`
	// TunnelBridge is the OVS bridge carrying overlay traffic
	TunnelBridge string `gcfg:"tunnel-bridge"`
	// PatchTunPort is the integration bridge end of the patch to the tunnel bridge
	PatchTunPort string `gcfg:"patch-tun-port"`
	// PatchIntPort is the tunnel bridge end of the patch to the integration bridge
	PatchIntPort string `gcfg:"patch-int-port"`
	// LocalIP is the tunnel endpoint address of this node. It must be
	// assigned to a local interface.
	LocalIP string `gcfg:"local-ip"`
	// RawTunnelTypes is a comma-separated list of overlay types this
	// agent terminates (gre, vxlan)
	RawTunnelTypes string `gcfg:"tunnel-types"`
	// TunnelTypes is the parsed list built from RawTunnelTypes
	TunnelTypes []string `gcfg:"-"`
	// DisableDistributedRouting turns off DVR flow programming; the
	// integration bridge is left with a single NORMAL flow.
	DisableDistributedRouting bool `gcfg:"disable-distributed-routing"`
}

// L2PopConfig holds forwarding-table population parsed config file
// parameters and command-line overrides.
type L2PopConfig struct {
	// AgentBootTime is the time in seconds after an agent starts during
	// which a port-up event still triggers a full forwarding-table sync
	// to that agent.
	AgentBootTime int `gcfg:"agent-boot-time"`
}

// OvsdbScheme describes the OVSDB connection transport method
type OvsdbScheme string

const (
	// OvsdbSchemeSSL specifies SSL/TLS-encrypted TCP as the OVSDB transport
	OvsdbSchemeSSL OvsdbScheme = "ssl"
	// OvsdbSchemeTCP specifies unencrypted TCP as the OVSDB transport
	OvsdbSchemeTCP OvsdbScheme = "tcp"
	// OvsdbSchemeUnix specifies a unix domain socket as the OVSDB transport
	OvsdbSchemeUnix OvsdbScheme = "unix"
)

// OvsdbAuthConfig holds the access parameters for the OVSDB server backing
// the DVR control database.
type OvsdbAuthConfig struct {
	// Address is a comma-separated list of scheme-prefixed endpoints,
	// e.g. "ssl:1.2.3.4:6641,ssl:1.2.3.5:6641" or "unix:/run/dvr.sock"
	Address string `gcfg:"address"`
	// PrivKey is the path of the client private key when Scheme is ssl
	PrivKey string `gcfg:"client-privkey"`
	// Cert is the path of the client certificate when Scheme is ssl
	Cert string `gcfg:"client-cert"`
	// CACert is the path of the CA certificate when Scheme is ssl
	CACert string `gcfg:"client-cacert"`
	// CertCommonName, when set, overrides hostname verification of the
	// server certificate. Useful when endpoints are raw IPs.
	CertCommonName string `gcfg:"cert-common-name"`

	Scheme OvsdbScheme `gcfg:"-"`
}

// NotifierConfig holds the access parameters for the NATS message bus that
// carries forwarding-table fanout and control RPCs.
type NotifierConfig struct {
	// Address is the NATS server URL
	Address string `gcfg:"address"`
	// RequestTimeout bounds RPC round trips, in seconds
	RequestTimeout int `gcfg:"request-timeout"`
}

// MetricsConfig holds the metrics endpoint parsed config file parameters
// and command-line overrides.
type MetricsConfig struct {
	// BindAddress is the address:port to serve /metrics and /healthz on.
	// Metrics are disabled when empty.
	BindAddress string `gcfg:"bind-address"`
	// EnablePprof also exposes the pprof handlers on the metrics listener
	EnablePprof bool `gcfg:"enable-pprof"`
}

// Defaults is a set of flags indicating which options should be discovered
// from the local Open vSwitch instance when not given in the config file or
// on the command line.
type Defaults struct {
	// Host fills Default.Host from the OVS system-id, falling back to
	// the kernel hostname.
	Host bool
}

// config is used to read the structured config file. Every field is
// optional; unset fields keep their defaults.
type config struct {
	Default  DefaultConfig
	Logging  LoggingConfig
	Agent    AgentConfig
	L2Pop    L2PopConfig
	Database OvsdbAuthConfig
	Notifier NotifierConfig
	Metrics  MetricsConfig
}

var (
	savedDefault  DefaultConfig
	savedLogging  LoggingConfig
	savedAgent    AgentConfig
	savedL2Pop    L2PopConfig
	savedDatabase OvsdbAuthConfig
	savedNotifier NotifierConfig
	savedMetrics  MetricsConfig

	// cliConfig is bound to the command-line flags via Destination and
	// merged over the config file values during InitConfig.
	cliConfig config

	// Flags are general command-line flags. Apps should add these flags
	// to their own urfave/cli flags and call InitConfig() early in the
	// application.
	Flags []cli.Flag

	// AppFs is the filesystem config files and certificates are read
	// through. Tests replace it with an in-memory filesystem.
	AppFs = afero.NewOsFs()
)

func init() {
	// Cache original default config values
	savedDefault = Default
	savedLogging = Logging
	savedAgent = Agent
	savedL2Pop = L2Pop
	savedDatabase = Database
	savedNotifier = Notifier
	savedMetrics = Metrics
	Flags = GetFlags([]cli.Flag{})
}

// PrepareTestConfig restores default config values to prevent tests from
// stepping on each other.
func PrepareTestConfig() error {
	Default = savedDefault
	Logging = savedLogging
	Logging.File = ""
	Agent = savedAgent
	L2Pop = savedL2Pop
	Database = savedDatabase
	Notifier = savedNotifier
	Metrics = savedMetrics
	cliConfig = config{}

	var level klog.Level
	if err := level.Set(strconv.Itoa(Logging.Level)); err != nil {
		return fmt.Errorf("failed to set klog log level %v", err)
	}
	AppFs = afero.NewMemMapFs()
	return nil
}

// CommonFlags capture general options.
var CommonFlags = []cli.Flag{
	&cli.StringFlag{
		Name:  "config-file",
		Usage: "configuration file path (default: /etc/neutron-dvr/dvr.conf)",
	},
	&cli.StringFlag{
		Name:        "host",
		Usage:       "name identifying this node in the control plane (default: OVS system-id, then kernel hostname)",
		Destination: &cliConfig.Default.Host,
	},
	&cli.StringFlag{
		Name:        "dvr-base-mac",
		Usage:       "base MAC whose first three octets prefix every generated per-host DVR MAC",
		Destination: &cliConfig.Default.DVRBaseMAC,
	},
	&cli.IntFlag{
		Name:        "mac-generation-retries",
		Usage:       "number of candidate MACs tried before a colliding host allocation fails",
		Destination: &cliConfig.Default.MACGenerationRetries,
	},
	&cli.IntFlag{
		Name:        "loglevel",
		Usage:       "log verbosity and level: 5=debug, 4=info, 3=warn, 2=error, 1=fatal (default: 4)",
		Destination: &cliConfig.Logging.Level,
	},
	&cli.StringFlag{
		Name:        "logfile",
		Usage:       "path of a file to direct log output to",
		Destination: &cliConfig.Logging.File,
	},
	&cli.IntFlag{
		Name:        "logfile-maxsize",
		Usage:       "Maximum size in megabytes of the log file before it gets rolled",
		Destination: &cliConfig.Logging.LogFileMaxSize,
	},
	&cli.IntFlag{
		Name:        "logfile-maxbackups",
		Usage:       "Maximum number of old log files to retain",
		Destination: &cliConfig.Logging.LogFileMaxBackups,
	},
	&cli.IntFlag{
		Name:        "logfile-maxage",
		Usage:       "Maximum number of days to retain old log files",
		Destination: &cliConfig.Logging.LogFileMaxAge,
	},
}

// ControllerFlags capture options used only by the controller.
var ControllerFlags = []cli.Flag{
	&cli.IntFlag{
		Name:        "agent-boot-time",
		Usage:       "seconds after agent startup during which a port-up event still triggers a full forwarding-table sync",
		Destination: &cliConfig.L2Pop.AgentBootTime,
	},
	&cli.StringFlag{
		Name:        "db-address",
		Usage:       "comma-separated DVR control database endpoints (e.g. ssl:1.2.3.4:6641 or unix:/run/dvr.sock)",
		Destination: &cliConfig.Database.Address,
	},
	&cli.StringFlag{
		Name:        "db-client-privkey",
		Usage:       "private key that the client should use for talking to the database (default: /etc/neutron-dvr/db-privkey.pem)",
		Destination: &cliConfig.Database.PrivKey,
	},
	&cli.StringFlag{
		Name:        "db-client-cert",
		Usage:       "client certificate that the client should use for talking to the database (default: /etc/neutron-dvr/db-cert.pem)",
		Destination: &cliConfig.Database.Cert,
	},
	&cli.StringFlag{
		Name:        "db-client-cacert",
		Usage:       "CA certificate that the client should use for talking to the database (default: /etc/neutron-dvr/db-ca.crt)",
		Destination: &cliConfig.Database.CACert,
	},
	&cli.StringFlag{
		Name:        "db-cert-common-name",
		Usage:       "common name to expect in the database server certificate instead of the endpoint hostname",
		Destination: &cliConfig.Database.CertCommonName,
	},
}

// AgentFlags capture options used only by the per-node agent.
var AgentFlags = []cli.Flag{
	&cli.StringFlag{
		Name:        "integration-bridge",
		Usage:       "OVS bridge VM ports attach to (default: br-int)",
		Destination: &cliConfig.Agent.IntegrationBridge,
	},
	&cli.StringFlag{
		Name:        "tunnel-bridge",
		Usage:       "OVS bridge carrying overlay traffic (default: br-tun)",
		Destination: &cliConfig.Agent.TunnelBridge,
	},
	&cli.StringFlag{
		Name:        "patch-tun-port",
		Usage:       "integration bridge end of the patch to the tunnel bridge (default: patch-tun)",
		Destination: &cliConfig.Agent.PatchTunPort,
	},
	&cli.StringFlag{
		Name:        "patch-int-port",
		Usage:       "tunnel bridge end of the patch to the integration bridge (default: patch-int)",
		Destination: &cliConfig.Agent.PatchIntPort,
	},
	&cli.StringFlag{
		Name:        "local-ip",
		Usage:       "IP address of the local overlay tunnel endpoint",
		Destination: &cliConfig.Agent.LocalIP,
	},
	&cli.StringFlag{
		Name:        "tunnel-types",
		Usage:       "comma-separated overlay types the agent terminates (gre, vxlan)",
		Destination: &cliConfig.Agent.RawTunnelTypes,
	},
	&cli.BoolFlag{
		Name:        "disable-distributed-routing",
		Usage:       "do not program DVR flows; leave the integration bridge in normal switching mode",
		Destination: &cliConfig.Agent.DisableDistributedRouting,
	},
}

// NotifierFlags capture message bus options.
var NotifierFlags = []cli.Flag{
	&cli.StringFlag{
		Name:        "nats-address",
		Usage:       "NATS server URL (default: nats://127.0.0.1:4222)",
		Destination: &cliConfig.Notifier.Address,
	},
	&cli.IntFlag{
		Name:        "nats-request-timeout",
		Usage:       "timeout in seconds for control RPC round trips (default: 30)",
		Destination: &cliConfig.Notifier.RequestTimeout,
	},
}

// MetricsFlags capture metrics endpoint options.
var MetricsFlags = []cli.Flag{
	&cli.StringFlag{
		Name:        "metrics-bind-address",
		Usage:       "address:port to serve /metrics and /healthz on (disabled when empty)",
		Destination: &cliConfig.Metrics.BindAddress,
	},
	&cli.BoolFlag{
		Name:        "metrics-enable-pprof",
		Usage:       "also expose the pprof handlers on the metrics listener",
		Destination: &cliConfig.Metrics.EnablePprof,
	},
}

// GetFlags returns an array of all command-line flags necessary to configure
// the daemons.
func GetFlags(customFlags []cli.Flag) []cli.Flag {
	flags := CommonFlags
	flags = append(flags, ControllerFlags...)
	flags = append(flags, AgentFlags...)
	flags = append(flags, NotifierFlags...)
	flags = append(flags, MetricsFlags...)
	flags = append(flags, customFlags...)
	return flags
}

// overrideFields updates dst with non-zero fields of src that also differ
// from the built-in default value. Only fields carrying a gcfg tag are
// considered; internal parsed fields are skipped.
func overrideFields(dst, src, defaults interface{}) error {
	dstStruct := reflect.ValueOf(dst).Elem()
	srcStruct := reflect.ValueOf(src).Elem()
	if dstStruct.Kind() != srcStruct.Kind() || dstStruct.Kind() != reflect.Struct {
		return fmt.Errorf("mismatched value types")
	}
	if dstStruct.NumField() != srcStruct.NumField() {
		return fmt.Errorf("mismatched struct types")
	}

	var defStruct reflect.Value
	if defaults != nil {
		defStruct = reflect.ValueOf(defaults).Elem()
	}

	dstType := reflect.TypeOf(dst).Elem()
	for i := 0; i < dstType.NumField(); i++ {
		structField := dstType.Field(i)
		if tag, ok := structField.Tag.Lookup("gcfg"); !ok || tag == "-" {
			continue
		}
		dstField := dstStruct.Field(i)
		srcField := srcStruct.Field(i)
		if dstField.Kind() != srcField.Kind() {
			return fmt.Errorf("mismatched struct %q field %q", dstType.Name(), structField.Name)
		}
		if srcField.IsZero() {
			continue
		}
		if defStruct.IsValid() && reflect.DeepEqual(srcField.Interface(), defStruct.Field(i).Interface()) {
			continue
		}
		dstField.Set(srcField)
	}
	return nil
}

func buildDefaultConfig(cli, file *config, exec kexec.Interface, defaults *Defaults) error {
	if err := overrideFields(&Default, &file.Default, &savedDefault); err != nil {
		return err
	}
	if err := overrideFields(&Default, &cli.Default, &savedDefault); err != nil {
		return err
	}

	if Default.Host == "" && defaults.Host {
		hostID, err := getOVSExternalID(exec, "system-id")
		if err != nil || hostID == "" {
			hostID, err = os.Hostname()
			if err != nil {
				return fmt.Errorf("failed to discover a host identity: %v", err)
			}
		}
		Default.Host = hostID
	}

	if !govalidator.IsMAC(Default.DVRBaseMAC) {
		return fmt.Errorf("invalid DVR base MAC %q", Default.DVRBaseMAC)
	}
	if _, err := net.ParseMAC(Default.DVRBaseMAC); err != nil {
		return fmt.Errorf("invalid DVR base MAC %q: %v", Default.DVRBaseMAC, err)
	}
	if Default.MACGenerationRetries < 1 {
		return fmt.Errorf("mac-generation-retries must be at least 1, got %d",
			Default.MACGenerationRetries)
	}
	return nil
}

func buildLoggingConfig(cli, file *config) error {
	if err := overrideFields(&Logging, &file.Logging, &savedLogging); err != nil {
		return err
	}
	if err := overrideFields(&Logging, &cli.Logging, &savedLogging); err != nil {
		return err
	}

	if Logging.Level < 0 || Logging.Level > 5 {
		return fmt.Errorf("log level %d out of range; must be 0..5", Logging.Level)
	}

	var level klog.Level
	if err := level.Set(strconv.Itoa(Logging.Level)); err != nil {
		return fmt.Errorf("failed to set klog log level %v", err)
	}
	if Logging.File != "" {
		klogFlags := flag.NewFlagSet("klog", flag.ContinueOnError)
		klog.InitFlags(klogFlags)
		if err := klogFlags.Set("logtostderr", "false"); err != nil {
			klog.Errorf("Error setting klog logtostderr: %v", err)
		}
		if err := klogFlags.Set("alsologtostderr", "true"); err != nil {
			klog.Errorf("Error setting klog alsologtostderr: %v", err)
		}
		klog.SetOutput(&lumberjack.Logger{
			Filename:   Logging.File,
			MaxSize:    Logging.LogFileMaxSize,
			MaxBackups: Logging.LogFileMaxBackups,
			MaxAge:     Logging.LogFileMaxAge,
			Compress:   true,
		})
	}
	return nil
}

func buildAgentConfig(cli, file *config) error {
	if err := overrideFields(&Agent, &file.Agent, &savedAgent); err != nil {
		return err
	}
	if err := overrideFields(&Agent, &cli.Agent, &savedAgent); err != nil {
		return err
	}

	if Agent.LocalIP != "" && !govalidator.IsIP(Agent.LocalIP) {
		return fmt.Errorf("invalid local tunnel endpoint %q", Agent.LocalIP)
	}

	Agent.TunnelTypes = nil
	for _, tt := range strings.Split(Agent.RawTunnelTypes, ",") {
		tt = strings.TrimSpace(tt)
		if tt == "" {
			continue
		}
		if _, ok := types.TunTableByNetworkType[tt]; !ok {
			return fmt.Errorf("unknown tunnel type %q", tt)
		}
		Agent.TunnelTypes = append(Agent.TunnelTypes, tt)
	}
	return nil
}

func buildL2PopConfig(cli, file *config) error {
	if err := overrideFields(&L2Pop, &file.L2Pop, &savedL2Pop); err != nil {
		return err
	}
	if err := overrideFields(&L2Pop, &cli.L2Pop, &savedL2Pop); err != nil {
		return err
	}
	if L2Pop.AgentBootTime < 0 {
		return fmt.Errorf("agent-boot-time must not be negative, got %d", L2Pop.AgentBootTime)
	}
	return nil
}

func buildDatabaseConfig(cli, file *config) error {
	if err := overrideFields(&Database, &file.Database, &savedDatabase); err != nil {
		return err
	}
	if err := overrideFields(&Database, &cli.Database, &savedDatabase); err != nil {
		return err
	}

	scheme, err := parseAddressScheme(Database.Address)
	if err != nil {
		return err
	}
	Database.Scheme = scheme

	switch scheme {
	case OvsdbSchemeSSL:
		if Database.PrivKey == "" {
			Database.PrivKey = "/etc/neutron-dvr/db-privkey.pem"
		}
		if Database.Cert == "" {
			Database.Cert = "/etc/neutron-dvr/db-cert.pem"
		}
		if Database.CACert == "" {
			Database.CACert = "/etc/neutron-dvr/db-ca.crt"
		}
		for _, path := range []string{Database.PrivKey, Database.Cert, Database.CACert} {
			if _, err := AppFs.Stat(path); err != nil {
				return fmt.Errorf("ssl database connection requires %s: %v", path, err)
			}
		}
	case OvsdbSchemeTCP:
		if Database.PrivKey != "" || Database.Cert != "" || Database.CACert != "" {
			return fmt.Errorf("certificate or key given; perhaps you mean to use the 'ssl' scheme?")
		}
	}

	for _, endpoint := range strings.Split(Database.Address, ",") {
		if scheme == OvsdbSchemeUnix {
			continue
		}
		ep := strings.TrimPrefix(endpoint, string(scheme)+":")
		if !govalidator.IsDialString(ep) {
			return fmt.Errorf("invalid database endpoint %q", endpoint)
		}
	}
	return nil
}

// parseAddressScheme returns the shared connection scheme of a
// comma-separated endpoint list, requiring every endpoint to agree.
func parseAddressScheme(address string) (OvsdbScheme, error) {
	var scheme OvsdbScheme
	for i, endpoint := range strings.Split(address, ",") {
		parts := strings.SplitN(endpoint, ":", 2)
		if len(parts) != 2 {
			return "", fmt.Errorf("database endpoint %q must be scheme-prefixed", endpoint)
		}
		var epScheme OvsdbScheme
		switch parts[0] {
		case "ssl":
			epScheme = OvsdbSchemeSSL
		case "tcp":
			epScheme = OvsdbSchemeTCP
		case "unix":
			epScheme = OvsdbSchemeUnix
		default:
			return "", fmt.Errorf("unknown database scheme %q in %q", parts[0], endpoint)
		}
		if i == 0 {
			scheme = epScheme
		} else if scheme != epScheme {
			return "", fmt.Errorf("database endpoints must share one scheme, got %q and %q", scheme, epScheme)
		}
	}
	return scheme, nil
}

func buildNotifierConfig(cli, file *config) error {
	if err := overrideFields(&Notifier, &file.Notifier, &savedNotifier); err != nil {
		return err
	}
	if err := overrideFields(&Notifier, &cli.Notifier, &savedNotifier); err != nil {
		return err
	}
	if !strings.HasPrefix(Notifier.Address, "nats://") {
		return fmt.Errorf("invalid NATS address %q: must start with nats://", Notifier.Address)
	}
	if !govalidator.IsDialString(strings.TrimPrefix(Notifier.Address, "nats://")) {
		return fmt.Errorf("invalid NATS address %q", Notifier.Address)
	}
	if Notifier.RequestTimeout < 1 {
		return fmt.Errorf("nats-request-timeout must be at least 1, got %d", Notifier.RequestTimeout)
	}
	return nil
}

func buildMetricsConfig(cli, file *config) error {
	if err := overrideFields(&Metrics, &file.Metrics, &savedMetrics); err != nil {
		return err
	}
	if err := overrideFields(&Metrics, &cli.Metrics, &savedMetrics); err != nil {
		return err
	}
	if Metrics.BindAddress != "" && !govalidator.IsDialString(Metrics.BindAddress) {
		return fmt.Errorf("invalid metrics bind address %q", Metrics.BindAddress)
	}
	return nil
}

func getOVSExternalID(exec kexec.Interface, name string) (string, error) {
	vsctlPath, err := exec.LookPath("ovs-vsctl")
	if err != nil {
		return "", err
	}
	out, err := exec.Command(vsctlPath,
		"--timeout=15",
		"--if-exists",
		"get",
		"Open_vSwitch",
		".",
		"external_ids:"+name).CombinedOutput()
	if err != nil {
		klog.V(5).Infof("Failed to get OVS external_ids:%s: %v\n\t%s", name, err, string(out))
		return "", err
	}
	return strings.Trim(strings.TrimSpace(string(out)), "\""), nil
}

// InitConfig reads the config file and common command-line options and
// constructs the global config object from them. It returns the config file
// path (if a file was read) or an error.
func InitConfig(ctx *cli.Context, exec kexec.Interface, defaults *Defaults) (string, error) {
	return initConfigWithPath(ctx, exec, ctx.String("config-file"), defaults)
}

func initConfigWithPath(ctx *cli.Context, exec kexec.Interface, configFile string, defaults *Defaults) (string, error) {
	var retConfigFile string
	var configFileIsDefault bool
	var cfg config

	// If no specific config file was given, try the default path and
	// ignore the error when nothing is there.
	if configFile == "" {
		configFile = "/etc/neutron-dvr/dvr.conf"
		configFileIsDefault = true
	}
	if defaults == nil {
		defaults = &Defaults{}
	}

	f, err := AppFs.Open(configFile)
	if err != nil {
		if !configFileIsDefault {
			return "", fmt.Errorf("failed to open config file %s: %v", configFile, err)
		}
	} else {
		defer f.Close()
		retConfigFile = configFile
		// Parse the file, tolerating unknown fields so newer config
		// files keep working with older daemons.
		if err = gcfg.FatalOnly(gcfg.ReadInto(&cfg, f)); err != nil {
			return "", fmt.Errorf("failed to parse config file %s: %v", configFile, err)
		}
		klog.Infof("Parsed config file %s", configFile)
		klog.V(5).Infof("Parsed config: %+v", cfg)
	}

	if err = buildLoggingConfig(&cliConfig, &cfg); err != nil {
		return "", fmt.Errorf("logging config failed: %v", err)
	}
	if err = buildDefaultConfig(&cliConfig, &cfg, exec, defaults); err != nil {
		return "", fmt.Errorf("default config failed: %v", err)
	}
	if err = buildAgentConfig(&cliConfig, &cfg); err != nil {
		return "", fmt.Errorf("agent config failed: %v", err)
	}
	if err = buildL2PopConfig(&cliConfig, &cfg); err != nil {
		return "", fmt.Errorf("l2pop config failed: %v", err)
	}
	if err = buildDatabaseConfig(&cliConfig, &cfg); err != nil {
		return "", fmt.Errorf("database config failed: %v", err)
	}
	if err = buildNotifierConfig(&cliConfig, &cfg); err != nil {
		return "", fmt.Errorf("notifier config failed: %v", err)
	}
	if err = buildMetricsConfig(&cliConfig, &cfg); err != nil {
		return "", fmt.Errorf("metrics config failed: %v", err)
	}

	klog.V(5).Infof("Default config: %+v", Default)
	klog.V(5).Infof("Logging config: %+v", Logging)
	klog.V(5).Infof("Agent config: %+v", Agent)
	klog.V(5).Infof("L2Pop config: %+v", L2Pop)
	klog.V(5).Infof("Database config: %+v", Database)
	klog.V(5).Infof("Notifier config: %+v", Notifier)
	klog.V(5).Infof("Metrics config: %+v", Metrics)

	return retConfigFile, nil
}

// Timeout returns the configured RPC timeout as a duration.
func (n *NotifierConfig) Timeout() time.Duration {
	return time.Duration(n.RequestTimeout) * time.Second
}

// BootTime returns the configured agent boot grace window as a duration.
func (l *L2PopConfig) BootTime() time.Duration {
	return time.Duration(l.AgentBootTime) * time.Second
}

// BaseMAC returns the parsed DVR base MAC. Validation at init time
// guarantees it parses.
func (d *DefaultConfig) BaseMAC() net.HardwareAddr {
	mac, _ := net.ParseMAC(d.DVRBaseMAC)
	return mac
}
