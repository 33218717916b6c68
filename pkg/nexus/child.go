package nexus

import (
	"fmt"
	"sync"

	"k8s.io/klog/v2"

	"git.srvlab.io/nexus/nexus-storage-node/pkg/bdev"
	"git.srvlab.io/nexus/nexus-storage-node/pkg/uri"
	"git.srvlab.io/nexus/nexus-storage-node/pkg/utils"
)

// ChildState is the nexus child's position in its open/close/fault
// lifecycle.
type ChildState int

const (
	ChildInit ChildState = iota
	ChildOpen
	ChildClosed
	ChildFaulted
	ChildConfigInvalid
)

func (s ChildState) String() string {
	switch s {
	case ChildInit:
		return "Init"
	case ChildOpen:
		return "Open"
	case ChildClosed:
		return "Closed"
	case ChildFaulted:
		return "Faulted"
	case ChildConfigInvalid:
		return "ConfigInvalid"
	default:
		return "Unknown"
	}
}

// descriptor is the open handle a Child holds on its backend bdev while
// Open. It is a shared reference: closing drops it, reopening acquires a
// fresh one.
type descriptor struct {
	bdevName string
	readOnly bool
}

// Child is one nexus child device: a URI, an optional backend bdev name,
// its state, whether it is marked for rebuild, and (while Open) its
// descriptor.
type Child struct {
	mu sync.Mutex

	parentName string
	deviceURI  *uri.DeviceURI
	bdevName   string

	state          ChildState
	rebuildPending bool

	desc *descriptor

	registry *bdev.Registry
	errors   *ErrorStore
}

// NewChild constructs a child in the Init state for the given parent
// nexus and device URI.
func NewChild(parentName string, deviceURI *uri.DeviceURI, registry *bdev.Registry, errStore *ErrorStore) *Child {
	return &Child{
		parentName: parentName,
		deviceURI:  deviceURI,
		bdevName:   deviceURI.Name(),
		state:      ChildInit,
		registry:   registry,
		errors:     errStore,
	}
}

// State returns the child's current state.
func (c *Child) State() ChildState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// CanRW reports whether read_at/write_at are permitted: state is Open or
// Faulted. Faulted children still answer reads/writes issued before
// fault-out re-points traffic away from them.
func (c *Child) CanRW() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == ChildOpen || c.state == ChildFaulted
}

// sizeFunc reports the backend device's block count. Production wiring
// stats the resolved /dev/... path; this is a seam for that.
type sizeFunc func(bdevName string) (blocks uint64, err error)

// Open transitions Init/Closed -> Open (or a failure state) in four
// steps: size check, descriptor open, module claim, descriptor store.
func (c *Child) Open(parentBlocks uint64, getSize sizeFunc, claim func(bdevName string) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != ChildInit && c.state != ChildClosed {
		return fmt.Errorf("%w: child %s is %s", utils.ErrChildInvalid, c.bdevName, c.state)
	}

	childBlocks, err := getSize(c.bdevName)
	if err != nil {
		c.state = ChildConfigInvalid
		return fmt.Errorf("%w: stat %s: %v", utils.ErrChildInvalid, c.bdevName, err)
	}
	if childBlocks < parentBlocks {
		c.state = ChildConfigInvalid
		return fmt.Errorf("%w: child %s has %d blocks, parent needs %d", utils.ErrChildTooSmall, c.bdevName, childBlocks, parentBlocks)
	}

	if err := claim(c.bdevName); err != nil {
		c.state = ChildFaulted
		return fmt.Errorf("%w: %s: %v", utils.ErrClaimChild, c.bdevName, err)
	}

	c.desc = &descriptor{bdevName: c.bdevName}
	c.state = ChildOpen
	klog.V(4).Infof("nexus: child %s of %s opened", c.bdevName, c.parentName)
	return nil
}

// Close releases the module claim, drops the descriptor, and transitions
// to Closed. The Child record itself survives so it can be reopened.
func (c *Child) Close(release func(bdevName string) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != ChildOpen && c.state != ChildFaulted {
		return fmt.Errorf("%w: child %s is %s, not open", utils.ErrChildNotClosed, c.bdevName, c.state)
	}

	if c.desc != nil {
		if err := release(c.bdevName); err != nil {
			klog.Warningf("nexus: releasing claim on %s: %v", c.bdevName, err)
		}
	}
	c.desc = nil
	c.state = ChildClosed
	return nil
}

// ProbeLabel reads and validates this child's GPT label.
func (c *Child) ProbeLabel(blockSize uint32, numBlocks uint64, read ReadAtFunc) (*Label, error) {
	c.mu.Lock()
	open := c.state == ChildOpen
	c.mu.Unlock()
	if !open {
		return nil, fmt.Errorf("%w: child %s is %s, not open", utils.ErrChildInvalid, c.bdevName, c.State())
	}
	return ProbeLabel(read, blockSize, numBlocks)
}

// ReadAt/WriteAt are only valid while CanRW(); otherwise they fail with
// ErrChildInvalid (spec's InvalidDescriptor kind).
func (c *Child) ReadAt(readFn ReadAtFunc, offset int64, length int) ([]byte, error) {
	if !c.CanRW() {
		return nil, fmt.Errorf("%w: child %s is %s", utils.ErrChildInvalid, c.bdevName, c.State())
	}
	buf, err := readFn(offset, length)
	if err != nil {
		c.recordIOError("read", err)
	}
	return buf, err
}

func (c *Child) WriteAt(writeFn func(offset int64, data []byte) error, offset int64, data []byte) error {
	c.mu.Lock()
	readOnly := c.desc != nil && c.desc.readOnly
	c.mu.Unlock()
	if readOnly {
		return fmt.Errorf("%w: child %s", utils.ErrChildReadOnly, c.bdevName)
	}
	if !c.CanRW() {
		return fmt.Errorf("%w: child %s is %s", utils.ErrChildInvalid, c.bdevName, c.State())
	}

	err := writeFn(offset, data)
	if err != nil {
		c.recordIOError("write", err)
	}
	return err
}

func (c *Child) recordIOError(ioType string, err error) {
	if c.errors == nil {
		return
	}
	c.errors.Record(ioType, err)
}

// MarkFaulted forces the child into Faulted state (invoked by the nexus
// on error-driven fault-out) and marks it eligible for rebuild.
func (c *Child) MarkFaulted() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = ChildFaulted
	c.rebuildPending = true
}

// RebuildPending reports whether this child is eligible for rebuild.
func (c *Child) RebuildPending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rebuildPending
}

// ClearRebuildPending marks rebuild as started (or no longer needed).
func (c *Child) ClearRebuildPending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rebuildPending = false
}

// BdevName returns the backend bdev name this child resolves to.
func (c *Child) BdevName() string { return c.bdevName }

// URI returns the device URI this child was constructed from.
func (c *Child) URI() *uri.DeviceURI { return c.deviceURI }
