// Command nexus-storage-node is the storage-node entrypoint: it wires the
// URI resolver, backend device registry, NVMe controller manager, nexus
// management façade and the CSI Node gRPC service together, then blocks
// serving both the CSI unix socket and an internal HTTP listener carrying
// Prometheus metrics and the management JSON API.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"k8s.io/klog/v2"

	"git.srvlab.io/nexus/nexus-storage-node/pkg/bdev"
	"git.srvlab.io/nexus/nexus-storage-node/pkg/config"
	"git.srvlab.io/nexus/nexus-storage-node/pkg/csinode"
	"git.srvlab.io/nexus/nexus-storage-node/pkg/driver"
	"git.srvlab.io/nexus/nexus-storage-node/pkg/mgmt"
	"git.srvlab.io/nexus/nexus-storage-node/pkg/nvmectl"
	"git.srvlab.io/nexus/nexus-storage-node/pkg/observability"
	"git.srvlab.io/nexus/nexus-storage-node/pkg/telemetry"
	"git.srvlab.io/nexus/nexus-storage-node/pkg/uri"
)

var (
	endpoint   = flag.String("endpoint", "unix:///var/lib/kubelet/plugins/nexus.csi.nexus.io/csi.sock", "CSI endpoint")
	nodeID     = flag.String("node-id", "", "Node ID (required)")
	driverName = flag.String("driver-name", driver.DriverName, "Name of the CSI driver")
	configPath = flag.String("config", "", "Path to the node YAML configuration (optional)")

	internalAddr = flag.String("internal-address", ":9808", "Address for the internal metrics + management HTTP listener (empty to disable)")

	ioCores = flag.String("io-cores", "0", "Comma-separated CPU core ids a connected NVMe controller is given one I/O channel on")

	skipHugepages = flag.Bool("skip-hugepages", false, "Skip the hugepage bootstrap check at startup")

	version = flag.Bool("version", false, "Print version and exit")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	if *version {
		fmt.Println(driver.DriverName)
		os.Exit(0)
	}

	if *nodeID == "" {
		klog.Fatal("--node-id is required")
	}

	if !*skipHugepages {
		if err := config.NewHugepageBootstrapper().Ensure(); err != nil {
			klog.Warningf("hugepage bootstrap failed (non-fatal, proceeding): %v", err)
		}
	}

	cfg := &config.Config{NodeName: *nodeID, ErrorStore: config.DefaultErrorStoreConfig()}
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			klog.Fatalf("loading config %s: %v", *configPath, err)
		}
		cfg = loaded
	}

	metrics := observability.NewMetrics()

	registry := bdev.NewRegistry()

	ctrlRegistry := nvmectl.NewRegistry(nvmectl.DefaultReconnectConfig())
	ctrlRegistry.SetMetrics(metrics)
	registry.RegisterBackend(uri.SchemeNvmf, nvmectl.NewBackend(ctrlRegistry, nvmectl.BackendConfig{
		Cores:  parseCores(*ioCores),
		NodeID: *nodeID,
	}))
	metrics.SetControllerCountFunc(ctrlRegistry.Count)

	for _, b := range cfg.BaseBdevs {
		u, err := uri.Parse(b.URI)
		if err != nil {
			klog.Fatalf("base bdev %s: %v", b.Name, err)
		}
		if _, err := registry.Create(context.Background(), u); err != nil {
			klog.Errorf("base bdev %s: create failed (continuing): %v", b.Name, err)
		}
	}

	facade := mgmt.NewFacade(registry, cfg.ErrorStore.FaultPolicy(), cfg.ErrorStore.Size, time.Duration(cfg.ErrorStore.RetentionNs), *nodeID)
	facade.SetMetrics(metrics)

	nodeServer := csinode.NewNodeServer(registry, nil, *nodeID)
	nodeServer.SetMetrics(metrics)

	if *internalAddr != "" {
		go serveInternal(*internalAddr, metrics, facade)
	}

	poller := startTelemetry(cfg.Enclosure, metrics)

	drv, err := driver.NewDriver(driver.DriverConfig{
		DriverName: *driverName,
		NodeID:     *nodeID,
		NodeServer: nodeServer,
	})
	if err != nil {
		klog.Fatalf("failed to create driver: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		klog.Infof("received signal %s, shutting down", sig)
		if poller != nil {
			poller.Stop()
		}
		drv.Stop()
		os.Exit(0)
	}()

	klog.Infof("starting nexus-storage-node on %s", *endpoint)
	if err := drv.Run(*endpoint); err != nil {
		klog.Fatalf("driver run failed: %v", err)
	}
}

func serveInternal(addr string, metrics *observability.Metrics, facade *mgmt.Facade) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/v1/", facade.Handler())

	klog.Infof("internal listener (metrics + management) on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil && err != http.ErrServerClosed {
		klog.Errorf("internal listener failed: %v", err)
	}
}

// startTelemetry brings up the enclosure sensor poller if the config names
// an SNMP host, returning nil when enclosure telemetry is not configured.
func startTelemetry(cfg config.EnclosureConfig, metrics *observability.Metrics) *telemetry.Poller {
	if cfg.SNMPHost == "" {
		return nil
	}

	var privateKey []byte
	if cfg.SSHPrivateKeyFile != "" {
		key, err := os.ReadFile(cfg.SSHPrivateKeyFile)
		if err != nil {
			klog.Warningf("telemetry: reading ssh private key %s: %v (ssh diagnostics disabled)", cfg.SSHPrivateKeyFile, err)
		} else {
			privateKey = key
		}
	}

	poller, err := telemetry.NewPoller(telemetry.PollerConfig{
		SSH: telemetry.SSHConfig{
			Address:    cfg.SSHAddress,
			User:       cfg.SSHUser,
			PrivateKey: privateKey,
		},
		SNMP: telemetry.SNMPConfig{
			Host:      cfg.SNMPHost,
			Community: cfg.SNMPCommunity,
			Port:      cfg.SNMPPort,
		},
		Interval: time.Duration(cfg.PollIntervalNs),
		Metrics:  metrics,
	})
	if err != nil {
		klog.Warningf("telemetry: poller disabled: %v", err)
		return nil
	}

	poller.Start(context.Background())
	klog.Infof("telemetry: polling enclosure sensors at %s", cfg.SNMPHost)
	return poller
}

// parseCores parses a comma-separated list of CPU core ids, e.g. "0,1,2".
// Unparsable entries are skipped; an empty result falls back to core 0.
func parseCores(s string) []int {
	var cores []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil {
			klog.Warningf("ignoring unparsable --io-cores entry %q", part)
			continue
		}
		cores = append(cores, n)
	}
	if len(cores) == 0 {
		return []int{0}
	}
	return cores
}
