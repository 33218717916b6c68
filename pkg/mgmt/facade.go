package mgmt

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
	"k8s.io/klog/v2"

	"git.srvlab.io/nexus/nexus-storage-node/pkg/bdev"
	"git.srvlab.io/nexus/nexus-storage-node/pkg/nexus"
	"git.srvlab.io/nexus/nexus-storage-node/pkg/observability"
	"git.srvlab.io/nexus/nexus-storage-node/pkg/security"
	"git.srvlab.io/nexus/nexus-storage-node/pkg/uri"
)

// ErrOutOfScope is returned by the two management operations this façade
// deliberately does not implement: pool and replica provisioning are not
// part of this system.
var ErrOutOfScope = fmt.Errorf("mgmt: out of scope")

// entry is one managed nexus: its runtime object, its children indexed by
// bdev name (for offline_child/online_child), any in-flight rebuild jobs,
// and whatever protocol URI publish_nexus last handed out.
type entry struct {
	nexus        *nexus.Nexus
	children     map[string]*nexus.Child
	rebuilds     map[string]*nexus.Rebuild
	publishedURI string
}

// Facade is the management surface's runtime state: every nexus this node
// currently hosts. It wraps pkg/bdev and pkg/nexus without adding a new
// storage model of its own.
type Facade struct {
	mu sync.RWMutex

	registry *bdev.Registry
	policy   nexus.FaultPolicy

	errStoreSize      int
	errStoreRetention time.Duration

	nodeName string

	nexuses map[string]*entry

	metrics *observability.Metrics
	audit   *security.Logger
}

// outcomeFor maps an operation error to the EventOutcome the audit log
// records it under.
func outcomeFor(err error) security.EventOutcome {
	if err != nil {
		return security.OutcomeFailure
	}
	return security.OutcomeSuccess
}

// NewFacade constructs a Facade over the given bdev registry. errStoreSize
// and errStoreRetention size the per-child error ring each nexus child is
// given on create_nexus (pkg/config.ErrorStoreConfig controls these at
// startup).
func NewFacade(registry *bdev.Registry, policy nexus.FaultPolicy, errStoreSize int, errStoreRetention time.Duration, nodeName string) *Facade {
	return &Facade{
		registry:          registry,
		policy:            policy,
		errStoreSize:      errStoreSize,
		errStoreRetention: errStoreRetention,
		nodeName:          nodeName,
		nexuses:           make(map[string]*entry),
		audit:             security.GetLogger(),
	}
}

// NexusInfo is the list_nexus/create_nexus response shape.
type NexusInfo struct {
	Name         string   `json:"name"`
	Status       string   `json:"status"`
	BlockSize    uint32   `json:"block_size"`
	NumBlocks    uint64   `json:"num_blocks"`
	Children     []string `json:"children"`
	PublishedURI string   `json:"published_uri,omitempty"`
}

// SetMetrics wires a Metrics instance into the façade. nil disables
// recording.
func (f *Facade) SetMetrics(m *observability.Metrics) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.metrics = m
}

func (f *Facade) metricsSnapshot() *observability.Metrics {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.metrics
}

// recordStatus reports a nexus's current aggregate status if a Metrics
// instance is wired in.
func (f *Facade) recordStatus(e *entry) {
	if m := f.metricsSnapshot(); m != nil {
		m.SetNexusStatus(e.nexus.Name(), int(e.nexus.Status()))
	}
}

func (f *Facade) describe(e *entry) *NexusInfo {
	children := make([]string, 0, len(e.children))
	for _, c := range e.nexus.Children() {
		children = append(children, c.BdevName())
	}
	return &NexusInfo{
		Name:         e.nexus.Name(),
		Status:       e.nexus.Status().String(),
		Children:     children,
		PublishedURI: e.publishedURI,
	}
}

// ListNexus returns every nexus currently registered on this node.
func (f *Facade) ListNexus() []*NexusInfo {
	f.mu.RLock()
	defer f.mu.RUnlock()

	out := make([]*NexusInfo, 0, len(f.nexuses))
	for _, e := range f.nexuses {
		out = append(out, f.describe(e))
	}
	return out
}

// GetNexus looks up one nexus by name.
func (f *Facade) GetNexus(name string) (*NexusInfo, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	e, ok := f.nexuses[name]
	if !ok {
		return nil, fmt.Errorf("nexus %s not found", name)
	}
	return f.describe(e), nil
}

// CreateNexus creates a nexus with the given children (each a device URI).
// Idempotent: if a nexus with this name already exists, its info is
// returned without re-attaching children.
func (f *Facade) CreateNexus(ctx context.Context, name string, blockSize uint32, numBlocks uint64, childURIs []string) (info *NexusInfo, err error) {
	start := time.Now()
	defer func() {
		f.audit.LogVolumeCreate(name, name, outcomeFor(err), err, time.Since(start))
	}()

	f.mu.Lock()
	if existing, ok := f.nexuses[name]; ok {
		f.mu.Unlock()
		klog.V(4).Infof("mgmt: create_nexus %s is a no-op, already registered", name)
		return f.describe(existing), nil
	}
	f.mu.Unlock()

	if blockSize == 0 {
		blockSize = uri.DefaultBlockSize
	}

	n := nexus.NewNexus(name, blockSize, numBlocks, f.policy)
	e := &entry{
		nexus:    n,
		children: make(map[string]*nexus.Child),
		rebuilds: make(map[string]*nexus.Rebuild),
	}

	for _, raw := range childURIs {
		u, err := uri.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("create_nexus %s: %w", name, err)
		}

		if _, err := f.registry.Create(ctx, u); err != nil {
			return nil, fmt.Errorf("create_nexus %s: create child %s: %w", name, u.Name(), err)
		}
		if err := f.registry.Attach(ctx, u); err != nil {
			return nil, fmt.Errorf("create_nexus %s: attach child %s: %w", name, u.Name(), err)
		}

		devicePath, err := bdev.WaitForDevice(ctx, func(ctx context.Context) (string, error) {
			return f.registry.Find(ctx, u.Name())
		}, bdev.DefaultWaitInterval, bdev.DefaultWaitRetries)
		if err != nil {
			return nil, fmt.Errorf("create_nexus %s: child %s did not appear: %w", name, u.Name(), err)
		}

		child := nexus.NewChild(name, u, f.registry, nexus.NewErrorStore(f.errStoreSize, f.errStoreRetention))
		getSize := func(string) (uint64, error) { return deviceSizeBlocks(devicePath, blockSize) }
		claim := func(string) error { return nil }
		if err := child.Open(numBlocks, getSize, claim); err != nil {
			return nil, fmt.Errorf("create_nexus %s: open child %s: %w", name, u.Name(), err)
		}

		n.AddChild(child)
		e.children[u.Name()] = child
	}

	f.mu.Lock()
	f.nexuses[name] = e
	f.mu.Unlock()

	f.recordStatus(e)
	klog.V(2).Infof("mgmt: created nexus %s with %d children", name, len(childURIs))
	return f.describe(e), nil
}

// DestroyNexus closes every child, detaches its backend device, and drops
// the nexus.
func (f *Facade) DestroyNexus(ctx context.Context, name string) (err error) {
	start := time.Now()
	defer func() {
		f.audit.LogVolumeDelete(name, name, outcomeFor(err), err, time.Since(start))
	}()

	f.mu.Lock()
	e, ok := f.nexuses[name]
	if !ok {
		f.mu.Unlock()
		return fmt.Errorf("nexus %s not found", name)
	}
	delete(f.nexuses, name)
	f.mu.Unlock()

	for _, r := range e.rebuilds {
		r.Stop()
	}

	var lastErr error
	for bdevName, c := range e.children {
		if c.State() == nexus.ChildOpen || c.State() == nexus.ChildFaulted {
			if err := c.Close(func(string) error { return nil }); err != nil {
				lastErr = err
				klog.Warningf("mgmt: destroy_nexus %s: closing child %s: %v", name, bdevName, err)
			}
		}
		if err := f.registry.Detach(ctx, bdevName); err != nil {
			lastErr = err
			klog.Warningf("mgmt: destroy_nexus %s: detaching child %s: %v", name, bdevName, err)
		}
	}

	klog.V(2).Infof("mgmt: destroyed nexus %s", name)
	return lastErr
}

// PublishNexus synthesizes a target URI for the nexus under the given
// protocol ("nvmf" or "iscsi") and records it. No target is actually stood
// up: the protocol-level export is out of scope, matching the thin
// management surface described for this operation.
func (f *Facade) PublishNexus(name string, protocol string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.nexuses[name]
	if !ok {
		return "", fmt.Errorf("nexus %s not found", name)
	}

	switch protocol {
	case "nvmf":
		e.publishedURI = fmt.Sprintf("nvmf://%s/nqn.2023-01.io.nexus:%s", f.nodeName, name)
	case "iscsi":
		e.publishedURI = fmt.Sprintf("iscsi://%s/iqn.2023-01.io.nexus:%s", f.nodeName, name)
	default:
		return "", fmt.Errorf("publish_nexus %s: unsupported protocol %q", name, protocol)
	}

	klog.V(2).Infof("mgmt: published nexus %s as %s", name, e.publishedURI)
	return e.publishedURI, nil
}

// UnpublishNexus clears any recorded publish URI for the nexus.
func (f *Facade) UnpublishNexus(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.nexuses[name]
	if !ok {
		return fmt.Errorf("nexus %s not found", name)
	}
	e.publishedURI = ""
	klog.V(2).Infof("mgmt: unpublished nexus %s", name)
	return nil
}

// OfflineChild closes the named child, taking it out of the nexus's
// read/write rotation without destroying its registration.
func (f *Facade) OfflineChild(name string, bdevName string) error {
	f.mu.RLock()
	e, ok := f.nexuses[name]
	f.mu.RUnlock()
	if !ok {
		return fmt.Errorf("nexus %s not found", name)
	}
	c, ok := e.children[bdevName]
	if !ok {
		return fmt.Errorf("nexus %s has no child %s", name, bdevName)
	}
	if err := c.Close(func(string) error { return nil }); err != nil {
		return err
	}
	f.recordStatus(e)
	return nil
}

// OnlineChild reopens a previously offlined child against the current
// device size, making it eligible for I/O (and, if it had been faulted,
// leaving RebuildPending set so a rebuild can be started against it).
func (f *Facade) OnlineChild(ctx context.Context, name string, bdevName string) error {
	f.mu.RLock()
	e, ok := f.nexuses[name]
	f.mu.RUnlock()
	if !ok {
		return fmt.Errorf("nexus %s not found", name)
	}
	c, ok := e.children[bdevName]
	if !ok {
		return fmt.Errorf("nexus %s has no child %s", name, bdevName)
	}

	devicePath, err := f.registry.Find(ctx, bdevName)
	if err != nil {
		return fmt.Errorf("online_child %s/%s: %w", name, bdevName, err)
	}

	getSize := func(string) (uint64, error) { return deviceSizeBlocks(devicePath, uri.DefaultBlockSize) }
	claim := func(string) error { return nil }
	if err := c.Open(0, getSize, claim); err != nil {
		return err
	}
	f.recordStatus(e)
	return nil
}

// StartRebuild launches a rebuild of bdevName against the nexus's healthy
// children using copyFn to perform each segment copy.
func (f *Facade) StartRebuild(ctx context.Context, name string, bdevName string, totalBlocks uint64, copyFn nexus.RebuildCopyFunc) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.nexuses[name]
	if !ok {
		return fmt.Errorf("nexus %s not found", name)
	}
	c, ok := e.children[bdevName]
	if !ok {
		return fmt.Errorf("nexus %s has no child %s", name, bdevName)
	}

	r := nexus.NewRebuild(e.nexus, c, totalBlocks, copyFn)
	if err := r.Start(ctx); err != nil {
		return err
	}
	e.rebuilds[bdevName] = r

	if m := f.metrics; m != nil {
		start := time.Now()
		go func() {
			<-r.Done()
			result := "failed"
			switch r.State() {
			case nexus.RebuildCompleted:
				result = "completed"
			case nexus.RebuildStopped:
				result = "stopped"
			}
			m.RecordRebuildResult(result, time.Since(start))
		}()
	}
	return nil
}

func (f *Facade) rebuild(name, bdevName string) (*nexus.Rebuild, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	e, ok := f.nexuses[name]
	if !ok {
		return nil, fmt.Errorf("nexus %s not found", name)
	}
	r, ok := e.rebuilds[bdevName]
	if !ok {
		return nil, fmt.Errorf("nexus %s has no rebuild against %s", name, bdevName)
	}
	return r, nil
}

// StopRebuild cancels an in-progress rebuild.
func (f *Facade) StopRebuild(name, bdevName string) error {
	r, err := f.rebuild(name, bdevName)
	if err != nil {
		return err
	}
	r.Stop()
	return nil
}

// PauseRebuild suspends an in-progress rebuild.
func (f *Facade) PauseRebuild(name, bdevName string) error {
	r, err := f.rebuild(name, bdevName)
	if err != nil {
		return err
	}
	return r.Pause()
}

// ResumeRebuild continues a paused rebuild.
func (f *Facade) ResumeRebuild(name, bdevName string) error {
	r, err := f.rebuild(name, bdevName)
	if err != nil {
		return err
	}
	return r.Resume()
}

// RebuildState reports a rebuild's lifecycle state.
func (f *Facade) RebuildState(name, bdevName string) (string, error) {
	r, err := f.rebuild(name, bdevName)
	if err != nil {
		return "", err
	}
	return r.State().String(), nil
}

// RebuildProgress reports (blocksCopied, totalBlocks) for a rebuild.
func (f *Facade) RebuildProgress(name, bdevName string) (uint64, uint64, error) {
	r, err := f.rebuild(name, bdevName)
	if err != nil {
		return 0, 0, err
	}
	copied, total := r.Progress()
	return copied, total, nil
}

// CreatePool and CreateReplica are explicitly out of scope: this system
// does not implement pool/replica-level logical volume provisioning.
func (f *Facade) CreatePool(context.Context, string, []string) error {
	return fmt.Errorf("create_pool: %w", ErrOutOfScope)
}

func (f *Facade) CreateReplica(context.Context, string, string, uint64) error {
	return fmt.Errorf("create_replica: %w", ErrOutOfScope)
}

const blkGetSize64 = 0x80081272

// deviceSizeBlocks reports a device's size in blockSize units. Block
// devices are queried with BLKGETSIZE64; regular files (loopback-backed
// bdevs) use their file size directly.
func deviceSizeBlocks(path string, blockSize uint32) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, err
	}

	if info.Mode()&os.ModeDevice != 0 {
		var size int64
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), blkGetSize64, uintptr(unsafe.Pointer(&size)))
		if errno != 0 {
			return 0, fmt.Errorf("BLKGETSIZE64 %s: %w", path, errno)
		}
		return uint64(size) / uint64(blockSize), nil
	}

	return uint64(info.Size()) / uint64(blockSize), nil
}
