package metrics

import (
	"context"
	"net/http"
	"net/http/pprof"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	utilwait "k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/klog/v2"
)

const (
	MetricNamespace           = "dvr"
	MetricSubsystemController = "controller"
	MetricSubsystemAgent      = "agent"
)

// MetricMacAllocationsCount is the number of per-host DVR MAC addresses
// handed out, including re-reads of already persisted rows.
var MetricMacAllocationsCount = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: MetricNamespace,
	Subsystem: MetricSubsystemController,
	Name:      "mac_allocations_total",
	Help:      "The total number of DVR MAC address allocations served",
})

// MetricMacAllocationRetries counts generation attempts discarded because
// another controller won the unique-index race for the same address.
var MetricMacAllocationRetries = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: MetricNamespace,
	Subsystem: MetricSubsystemController,
	Name:      "mac_allocation_retries_total",
	Help:      "The total number of DVR MAC generation attempts retried after a uniqueness conflict",
})

var MetricMacAllocationFailures = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: MetricNamespace,
	Subsystem: MetricSubsystemController,
	Name:      "mac_allocation_failures_total",
	Help:      "The total number of DVR MAC allocations abandoned after exhausting all retries",
})

// MetricFdbNotificationsCount counts forwarding-table fanout messages by
// kind (add, remove, update).
var MetricFdbNotificationsCount = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: MetricNamespace,
	Subsystem: MetricSubsystemController,
	Name:      "fdb_notifications_total",
	Help:      "The total number of forwarding-table notifications published to agents"},
	[]string{"kind"},
)

// MetricPortsMigrating is the number of ports currently tracked between the
// new-host activation and the old-host teardown of a live migration.
var MetricPortsMigrating = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: MetricNamespace,
	Subsystem: MetricSubsystemController,
	Name:      "ports_migrating",
	Help:      "The number of ports with an in-flight host migration",
})

// MetricFlowOpsCount counts OpenFlow mutations issued by the agent, by
// bridge and operation.
var MetricFlowOpsCount = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: MetricNamespace,
	Subsystem: MetricSubsystemAgent,
	Name:      "flow_ops_total",
	Help:      "The total number of flow table operations issued to Open vSwitch"},
	[]string{"bridge", "op"},
)

// MetricDvrState reports the agent's distributed-routing state: 0 disabled,
// 1 initializing, 2 ready.
var MetricDvrState = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: MetricNamespace,
	Subsystem: MetricSubsystemAgent,
	Name:      "dvr_state",
	Help:      "The distributed routing state of this agent (0=disabled, 1=initializing, 2=ready)",
})

var registerControllerMetricsOnce sync.Once
var registerAgentMetricsOnce sync.Once

// RegisterControllerMetrics registers the control-plane metrics with the
// Prometheus registry.
func RegisterControllerMetrics() {
	registerControllerMetricsOnce.Do(func() {
		prometheus.MustRegister(MetricMacAllocationsCount)
		prometheus.MustRegister(MetricMacAllocationRetries)
		prometheus.MustRegister(MetricMacAllocationFailures)
		prometheus.MustRegister(MetricFdbNotificationsCount)
		prometheus.MustRegister(MetricPortsMigrating)
	})
}

// RegisterAgentMetrics registers the per-node agent metrics with the
// Prometheus registry.
func RegisterAgentMetrics() {
	registerAgentMetricsOnce.Do(func() {
		prometheus.MustRegister(MetricFlowOpsCount)
		prometheus.MustRegister(MetricDvrState)
	})
}

// StartMetricsServer runs the prometheus listener so that DVR metrics can
// be collected. The listener is restarted until stopChan closes.
func StartMetricsServer(bindAddress string, enablePprof bool, stopChan <-chan struct{}, wg *sync.WaitGroup) {
	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.Handler())
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	if enablePprof {
		router.HandleFunc("/debug/pprof/", pprof.Index)
		router.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		router.HandleFunc("/debug/pprof/profile", pprof.Profile)
		router.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		router.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	var server *http.Server
	wg.Add(1)
	go func() {
		defer wg.Done()
		utilwait.Until(func() {
			klog.Infof("Starting metrics server at address %q", bindAddress)
			server = &http.Server{Addr: bindAddress, Handler: router}
			errCh := make(chan error)
			go func() {
				errCh <- server.ListenAndServe()
			}()
			select {
			case err := <-errCh:
				klog.Errorf("Failed while running metrics server at address %q: %v", bindAddress, err)
			case <-stopChan:
				klog.Infof("Stopping metrics server at address %q", bindAddress)
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					klog.Errorf("Error stopping metrics server at address %q: %v", bindAddress, err)
				}
			}
		}, 5*time.Second, stopChan)
	}()
}
