package nexus

import (
	"fmt"
	"sync"
	"time"

	"k8s.io/klog/v2"

	"git.srvlab.io/nexus/nexus-storage-node/pkg/utils"
)

// Status is the nexus's own aggregate health, derived from the health of
// its children.
type Status int

const (
	StatusOnline Status = iota
	StatusDegraded
	StatusFaulted
)

func (s Status) String() string {
	switch s {
	case StatusOnline:
		return "Online"
	case StatusDegraded:
		return "Degraded"
	case StatusFaulted:
		return "Faulted"
	default:
		return "Unknown"
	}
}

// FaultPolicy configures when accumulated child I/O errors trigger
// fault-out: enable_err_store (Enabled), action (FaultAction),
// retention_ns (Window) and max_errors (MaxErrors). The ring size is set
// on each child's ErrorStore, not here.
type FaultPolicy struct {
	Enabled     bool
	MaxErrors   int
	Window      time.Duration
	FaultAction bool // "action" == Fault; false means count-only, no fault-out
}

// DefaultFaultPolicy is a reasonable default for nexus construction.
func DefaultFaultPolicy() FaultPolicy {
	return FaultPolicy{
		Enabled:     true,
		MaxErrors:   10,
		Window:      60 * time.Second,
		FaultAction: true,
	}
}

// Nexus fans writes out to every healthy child, reads from any healthy
// child, and demotes/faults itself as children are error-driven
// fault-out of the mirror.
type Nexus struct {
	mu sync.RWMutex

	name      string
	blockSize uint32
	numBlocks uint64

	children []*Child
	status   Status
	policy   FaultPolicy
}

// NewNexus constructs an empty nexus. Children are added with AddChild
// once each has been opened.
func NewNexus(name string, blockSize uint32, numBlocks uint64, policy FaultPolicy) *Nexus {
	return &Nexus{
		name:      name,
		blockSize: blockSize,
		numBlocks: numBlocks,
		status:    StatusOnline,
		policy:    policy,
	}
}

// Name returns the nexus's name.
func (n *Nexus) Name() string { return n.name }

// Status returns the nexus's current aggregate health.
func (n *Nexus) Status() Status {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.status
}

// AddChild registers an opened child with the nexus.
func (n *Nexus) AddChild(c *Child) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.children = append(n.children, c)
}

// Children returns a snapshot of the nexus's children.
func (n *Nexus) Children() []*Child {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]*Child, len(n.children))
	copy(out, n.children)
	return out
}

func (n *Nexus) healthyChildren() []*Child {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]*Child, 0, len(n.children))
	for _, c := range n.children {
		if c.State() == ChildOpen {
			out = append(out, c)
		}
	}
	return out
}

// ReadAny picks a healthy child and reads from it. A child that errors is
// run through the same error-driven fault-out as WriteAll, and the read
// fails over to the next healthy child rather than surfacing the error
// straight away.
func (n *Nexus) ReadAny(readFn func(c *Child) ReadAtFunc, offset int64, length int) ([]byte, error) {
	healthy := n.healthyChildren()
	if len(healthy) == 0 {
		return nil, fmt.Errorf("%w: nexus %s has no healthy child to read from", utils.ErrNexusFaulted, n.name)
	}

	var firstErr error
	faulted := 0
	for _, c := range healthy {
		data, err := c.ReadAt(readFn(c), offset, length)
		if err == nil {
			if faulted > 0 {
				n.demoteStatus()
			}
			return data, nil
		}
		if firstErr == nil {
			firstErr = err
		}
		if n.maybeFaultOut(c) {
			faulted++
		}
	}

	if faulted > 0 {
		n.demoteStatus()
	}
	return nil, firstErr
}

// writeResult carries one child's outcome from a fanned-out write.
type writeResult struct {
	child *Child
	err   error
}

// WriteAll broadcasts a write to every healthy child concurrently. The
// caller observes completion only after every healthy child has
// acknowledged or errored. A child whose error count crosses the fault
// threshold is transitioned to Faulted and the nexus's own status is
// demoted.
func (n *Nexus) WriteAll(writeFn func(c *Child) func(offset int64, data []byte) error, offset int64, data []byte) error {
	healthy := n.healthyChildren()
	if len(healthy) == 0 {
		return fmt.Errorf("%w: nexus %s has no healthy child to write to", utils.ErrNexusFaulted, n.name)
	}

	results := make(chan writeResult, len(healthy))
	var wg sync.WaitGroup
	wg.Add(len(healthy))
	for _, c := range healthy {
		c := c
		go func() {
			defer wg.Done()
			err := c.WriteAt(writeFn(c), offset, data)
			results <- writeResult{child: c, err: err}
		}()
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	var firstErr error
	faulted := 0
	for r := range results {
		if r.err != nil {
			if firstErr == nil {
				firstErr = r.err
			}
			if n.maybeFaultOut(r.child) {
				faulted++
			}
		}
	}

	if faulted > 0 {
		n.demoteStatus()
	}

	if firstErr != nil && len(healthy)-faulted == 0 {
		// Every healthy child errored and none survived: treat the
		// write itself as failed even though individual children may
		// still be retried below threshold.
		return firstErr
	}
	return nil
}

// maybeFaultOut checks the child's error store against the fault policy
// and, if the threshold is crossed, transitions the child to Faulted and
// marks it rebuild-eligible. Returns true if the child was just faulted.
func (n *Nexus) maybeFaultOut(c *Child) bool {
	if !n.policy.Enabled || c.errors == nil {
		return false
	}

	count := c.errors.CountSince(n.policy.Window)
	if count <= n.policy.MaxErrors {
		return false
	}
	if !n.policy.FaultAction {
		klog.Warningf("nexus: child %s of %s exceeded error threshold (%d) but action=count-only", c.BdevName(), n.name, count)
		return false
	}

	c.MarkFaulted()
	klog.Warningf("nexus: child %s of %s faulted out after %d errors in %s", c.BdevName(), n.name, count, n.policy.Window)
	return true
}

// demoteStatus recomputes nexus status from current child health:
// Degraded if at least one child is healthy, Faulted if none are.
func (n *Nexus) demoteStatus() {
	if len(n.healthyChildren()) == 0 {
		n.setStatus(StatusFaulted)
	} else {
		n.setStatus(StatusDegraded)
	}
}

func (n *Nexus) setStatus(s Status) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.status != s {
		klog.Infof("nexus: %s status %s -> %s", n.name, n.status, s)
		n.status = s
	}
}

// RebuildCandidates returns children marked eligible for rebuild.
func (n *Nexus) RebuildCandidates() []*Child {
	n.mu.RLock()
	defer n.mu.RUnlock()
	var out []*Child
	for _, c := range n.children {
		if c.RebuildPending() {
			out = append(out, c)
		}
	}
	return out
}
