package nvmectl

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"k8s.io/klog/v2"

	"git.srvlab.io/nexus/nexus-storage-node/pkg/bdev"
	"git.srvlab.io/nexus/nexus-storage-node/pkg/security"
	"git.srvlab.io/nexus/nexus-storage-node/pkg/uri"
	"git.srvlab.io/nexus/nexus-storage-node/pkg/utils"
)

// kernelDialer is the production Dialer: the kernel nvme-tcp driver owns
// the real transport queues once `nvme connect` has established the
// association, so Connect/Disconnect here are bookkeeping only, giving
// the reset state machine and the per-core channel model something to
// fan out over without re-implementing the transport in Go.
type kernelDialer struct{}

func (kernelDialer) Connect(_ context.Context, _ *Controller, core int) (*Qpair, *PollGroup, error) {
	return &Qpair{core: core}, &PollGroup{core: core}, nil
}

func (kernelDialer) Disconnect(*Qpair, *PollGroup) error {
	return nil
}

// attached tracks the controller-manager-side state for one connected nqn,
// alongside the bdev.Registry entry the rest of the system sees.
type attached struct {
	ctrlr *Controller
	admin *AdminQueuePoller
}

// Backend implements bdev.Backend for the nvmf scheme on top of this
// package's Registry: Attach shells out to nvme-cli to establish the
// NVMe/TCP association, then registers a Controller and brings up one
// Channel per configured core so the reset and reconnect machinery in
// this package applies to it exactly as it would to any other controller.
// Find resolves the controller back to a block device via sysfs, mirroring
// the teacher's DeviceResolver/SysfsScanner pair but scoped to this
// package so pkg/bdev never has to import pkg/nvmectl.
type Backend struct {
	mu       sync.Mutex
	registry *Registry
	attached map[string]*attached // keyed by nqn

	cores           []int
	adminPollPeriod time.Duration
	ioPollPeriod    time.Duration

	sysfs       *sysfsScanner
	execCommand func(ctx context.Context, name string, args ...string) *exec.Cmd

	nodeID string
	audit  *security.Logger
}

// BackendConfig configures the production nvmf Backend.
type BackendConfig struct {
	// Cores lists the CPU core ids a connected controller gets one I/O
	// channel on. Defaults to []int{0} if empty.
	Cores []int

	AdminPollPeriod time.Duration
	IOPollPeriod    time.Duration

	// SysfsRoot overrides "/sys" for tests.
	SysfsRoot string

	// NodeID identifies this node in audit events. Optional.
	NodeID string
}

// NewBackend constructs the nvmf bdev.Backend over registry.
func NewBackend(registry *Registry, cfg BackendConfig) *Backend {
	if len(cfg.Cores) == 0 {
		cfg.Cores = []int{0}
	}
	if cfg.AdminPollPeriod == 0 {
		cfg.AdminPollPeriod = 100 * time.Millisecond
	}
	if cfg.IOPollPeriod == 0 {
		cfg.IOPollPeriod = 10 * time.Millisecond
	}

	return &Backend{
		registry:        registry,
		attached:        make(map[string]*attached),
		cores:           cfg.Cores,
		adminPollPeriod: cfg.AdminPollPeriod,
		ioPollPeriod:    cfg.IOPollPeriod,
		sysfs:           newSysfsScanner(cfg.SysfsRoot),
		execCommand:     exec.CommandContext,
		nodeID:          cfg.NodeID,
		audit:           security.GetLogger(),
	}
}

// Create attaches the nvmf target and returns its descriptor. Matches the
// idempotent contract of bdev.Registry.Create: bdev.Registry itself never
// calls this twice for the same name, so no separate dedup is needed here.
func (b *Backend) Create(ctx context.Context, u *uri.DeviceURI) (*bdev.Descriptor, error) {
	if err := b.Attach(ctx, u); err != nil {
		return nil, err
	}
	return &bdev.Descriptor{Name: u.Name(), URI: u, Scheme: uri.SchemeNvmf}, nil
}

// Destroy tears the controller down via Detach.
func (b *Backend) Destroy(ctx context.Context, name string) error {
	return b.Detach(ctx, name)
}

// Attach runs `nvme connect`, then registers and activates a Controller
// and brings up one Channel per configured core.
func (b *Backend) Attach(ctx context.Context, u *uri.DeviceURI) error {
	nqn := u.Name()

	b.mu.Lock()
	if _, ok := b.attached[nqn]; ok {
		b.mu.Unlock()
		klog.V(4).Infof("nvmectl: attach %s is a no-op, already connected", nqn)
		return nil
	}
	b.mu.Unlock()

	args := []string{
		"connect",
		"-t", "tcp",
		"-a", u.Host,
		"-s", strconv.Itoa(u.Port),
		"-n", nqn,
	}
	cmd := b.execCommand(ctx, "nvme", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		connErr := fmt.Errorf("%w: nvme connect %s at %s:%d: %v: %s", utils.ErrDeviceNotFound, nqn, u.Host, u.Port, err, strings.TrimSpace(string(out)))
		b.audit.LogNVMEConnect(nqn, u.Host, b.nodeID, security.OutcomeFailure, connErr)
		return connErr
	}
	b.audit.LogNVMEConnect(nqn, u.Host, b.nodeID, security.OutcomeSuccess, nil)

	ctrlr, err := b.registry.Create(nqn, nqn, u.Host, u.Port, false)
	if err != nil {
		if !errors.Is(err, utils.ErrBdevExists) {
			return err
		}
		var ok bool
		ctrlr, ok = b.registry.GetByName(nqn)
		if !ok {
			return err
		}
	}
	b.registry.Activate(ctrlr)

	admin := NewAdminQueuePoller(ctrlr, b.adminPollPeriod)

	for _, core := range b.cores {
		if _, err := NewChannel(ctx, b.registry, ctrlr.ID(), core, kernelDialer{}, b.ioPollPeriod); err != nil {
			admin.Stop()
			return fmt.Errorf("nvmectl: channel create on core %d for %s: %w", core, nqn, err)
		}
	}

	b.mu.Lock()
	b.attached[nqn] = &attached{ctrlr: ctrlr, admin: admin}
	b.mu.Unlock()

	klog.Infof("nvmectl: attached %s at %s:%d, %d channels", nqn, u.Host, u.Port, len(b.cores))
	return nil
}

// Detach stops the admin poller, shuts down every channel, marks the
// controller Destroying, removes it from the registry, then runs
// `nvme disconnect`.
func (b *Backend) Detach(ctx context.Context, name string) error {
	b.mu.Lock()
	a, ok := b.attached[name]
	if ok {
		delete(b.attached, name)
	}
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", utils.ErrBdevNotFound, name)
	}

	a.admin.Stop()
	a.ctrlr.ShutdownChannels()
	if err := a.ctrlr.BeginDestroy(); err != nil {
		klog.Warningf("nvmectl: detach %s: %v (continuing)", name, err)
	}
	if err := b.registry.Remove(name); err != nil {
		klog.Warningf("nvmectl: detach %s: registry remove: %v (continuing)", name, err)
	}

	cmd := b.execCommand(ctx, "nvme", "disconnect", "-n", name)
	out, err := cmd.CombinedOutput()
	b.audit.LogNVMEDisconnect(name, b.nodeID, err)
	if err != nil {
		return fmt.Errorf("nvme disconnect %s: %w: %s", name, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Find resolves the nqn to its kernel-assigned block device path via
// sysfs, or "" if the kernel has not surfaced the namespace device yet.
func (b *Backend) Find(_ context.Context, name string) (string, error) {
	return b.sysfs.findDeviceByNQN(name)
}
