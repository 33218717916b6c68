package driver

import (
	"fmt"

	"github.com/container-storage-interface/spec/lib/go/csi"
	"k8s.io/klog/v2"
)

const (
	// DriverName is the official name of this CSI driver.
	DriverName = "nexus.csi.nexus.io"

	defaultVersion = "dev"
)

var (
	version   = defaultVersion
	gitCommit = "unknown"
	buildDate = "unknown"
)

// Driver implements the CSI Identity and Node services. There is no
// Controller service: pool/replica provisioning lives outside the CSI
// surface, behind pkg/mgmt.
type Driver struct {
	name    string
	version string
	nodeID  string

	ids csi.IdentityServer
	ns  csi.NodeServer

	vcaps  []*csi.VolumeCapability_AccessMode
	nscaps []*csi.NodeServiceCapability

	server *NonBlockingGRPCServer
}

// DriverConfig contains configuration for creating a driver instance.
type DriverConfig struct {
	DriverName string
	NodeID     string
	Version    string

	// NodeServer is the CSI Node service implementation (pkg/csinode.NodeServer).
	// Required: the driver never runs without node staging.
	NodeServer csi.NodeServer
}

// NewDriver creates a new Nexus CSI driver.
func NewDriver(config DriverConfig) (*Driver, error) {
	if config.DriverName == "" {
		config.DriverName = DriverName
	}
	if config.Version == "" {
		config.Version = version
	}
	if config.NodeServer == nil {
		return nil, fmt.Errorf("driver: NodeServer is required")
	}

	klog.Infof("Driver: %s Version: %s GitCommit: %s BuildDate: %s", config.DriverName, config.Version, gitCommit, buildDate)

	driver := &Driver{
		name:    config.DriverName,
		version: config.Version,
		nodeID:  config.NodeID,
		ns:      config.NodeServer,
	}

	driver.addVolumeCapabilities()
	driver.addNodeServiceCapabilities()
	driver.ids = NewIdentityServer(driver)

	return driver, nil
}

func (d *Driver) addVolumeCapabilities() {
	d.vcaps = []*csi.VolumeCapability_AccessMode{
		{Mode: csi.VolumeCapability_AccessMode_SINGLE_NODE_WRITER},
		{Mode: csi.VolumeCapability_AccessMode_SINGLE_NODE_READER_ONLY},
		{Mode: csi.VolumeCapability_AccessMode_MULTI_NODE_READER_ONLY},
	}
}

func (d *Driver) addNodeServiceCapabilities() {
	d.nscaps = []*csi.NodeServiceCapability{
		{
			Type: &csi.NodeServiceCapability_Rpc{
				Rpc: &csi.NodeServiceCapability_RPC{
					Type: csi.NodeServiceCapability_RPC_STAGE_UNSTAGE_VOLUME,
				},
			},
		},
	}
}

// Run starts the CSI driver gRPC server. Blocks forever; shutdown is the
// caller's responsibility via Stop and a signal handler.
func (d *Driver) Run(endpoint string) error {
	klog.Infof("Starting CSI driver at endpoint %s", endpoint)

	server := NewNonBlockingGRPCServer(endpoint)
	if err := server.Start(d.ids, nil, d.ns); err != nil {
		return fmt.Errorf("failed to start gRPC server: %w", err)
	}
	d.server = server

	klog.Info("Driver initialization complete, server running")

	select {}
}

// Stop gracefully stops the gRPC server. Safe to call before Run has
// started the server (a no-op in that case).
func (d *Driver) Stop() {
	if d.server != nil {
		d.server.Stop()
	}
}

// AddVolumeCapabilities adds volume capabilities (exported for testing).
func (d *Driver) AddVolumeCapabilities() {
	d.addVolumeCapabilities()
}

// AddNodeServiceCapabilities adds node service capabilities (exported for testing).
func (d *Driver) AddNodeServiceCapabilities() {
	d.addNodeServiceCapabilities()
}
