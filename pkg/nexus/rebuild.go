package nexus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"k8s.io/klog/v2"

	"git.srvlab.io/nexus/nexus-storage-node/pkg/utils"
)

// RebuildState is the supervised background rebuild job's own lifecycle,
// distinct from the child's ChildState: start/stop/pause/resume/state/
// progress are management operations on the job, not the child.
type RebuildState int

const (
	RebuildInit RebuildState = iota
	RebuildRunning
	RebuildPaused
	RebuildCompleted
	RebuildStopped
	RebuildFailed
)

func (s RebuildState) String() string {
	switch s {
	case RebuildInit:
		return "Init"
	case RebuildRunning:
		return "Running"
	case RebuildPaused:
		return "Paused"
	case RebuildCompleted:
		return "Completed"
	case RebuildStopped:
		return "Stopped"
	case RebuildFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// RebuildCopyFunc copies `blocks` blocks starting at the given block offset
// from a healthy source child onto the rebuild target. Production wiring
// reads from the nexus's healthy child and writes through the target
// child's descriptor; tests substitute an in-memory copy.
type RebuildCopyFunc func(ctx context.Context, blockOffset uint64, blocks uint64) error

// rebuildSegment is the unit of work processed per copy iteration.
const rebuildSegment = 1024

// Rebuild supervises copying a faulted child back into sync with the
// nexus's healthy data, block by block, pausable and resumable.
type Rebuild struct {
	mu sync.Mutex

	nexus  *Nexus
	target *Child

	totalBlocks uint64
	copyFn      RebuildCopyFunc

	state        RebuildState
	blocksCopied uint64

	pauseCh  chan struct{}
	resumeCh chan struct{}
	cancel   context.CancelFunc
	done     chan struct{}

	paused atomic.Bool
}

// NewRebuild constructs a rebuild job for the given faulted child. Start
// must be called to begin copying.
func NewRebuild(n *Nexus, target *Child, totalBlocks uint64, copyFn RebuildCopyFunc) *Rebuild {
	return &Rebuild{
		nexus:       n,
		target:      target,
		totalBlocks: totalBlocks,
		copyFn:      copyFn,
		state:       RebuildInit,
	}
}

// Start begins the background copy loop. It is an error to start a
// rebuild that is already running.
func (r *Rebuild) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.state == RebuildRunning || r.state == RebuildPaused {
		r.mu.Unlock()
		return fmt.Errorf("%w: rebuild of %s is already %s", utils.ErrRebuildInProgress, r.target.BdevName(), r.state)
	}
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	r.pauseCh = make(chan struct{}, 1)
	r.resumeCh = make(chan struct{}, 1)
	r.state = RebuildRunning
	r.mu.Unlock()

	go r.run(runCtx)
	return nil
}

func (r *Rebuild) run(ctx context.Context) {
	defer close(r.done)

	for {
		r.mu.Lock()
		copied := r.blocksCopied
		total := r.totalBlocks
		r.mu.Unlock()

		if copied >= total {
			r.setState(RebuildCompleted)
			r.target.ClearRebuildPending()
			klog.Infof("nexus: rebuild of %s against %s completed", r.target.BdevName(), r.nexus.name)
			return
		}

		if r.paused.Load() {
			select {
			case <-r.resumeCh:
				r.paused.Store(false)
				continue
			case <-ctx.Done():
				r.setState(RebuildStopped)
				return
			}
		}

		select {
		case <-ctx.Done():
			r.setState(RebuildStopped)
			return
		default:
		}

		n := uint64(rebuildSegment)
		if remaining := total - copied; remaining < n {
			n = remaining
		}

		if err := r.copyFn(ctx, copied, n); err != nil {
			r.setState(RebuildFailed)
			klog.Warningf("nexus: rebuild of %s against %s failed at block %d: %v", r.target.BdevName(), r.nexus.name, copied, err)
			return
		}

		r.mu.Lock()
		r.blocksCopied += n
		r.mu.Unlock()
	}
}

// Pause suspends the rebuild after its current segment completes.
func (r *Rebuild) Pause() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != RebuildRunning {
		return fmt.Errorf("%w: rebuild of %s is %s, not running", utils.ErrRebuildInProgress, r.target.BdevName(), r.state)
	}
	r.paused.Store(true)
	r.state = RebuildPaused
	return nil
}

// Resume continues a paused rebuild.
func (r *Rebuild) Resume() error {
	r.mu.Lock()
	if r.state != RebuildPaused {
		r.mu.Unlock()
		return fmt.Errorf("%w: rebuild of %s is %s, not paused", utils.ErrRebuildInProgress, r.target.BdevName(), r.state)
	}
	r.state = RebuildRunning
	r.mu.Unlock()

	select {
	case r.resumeCh <- struct{}{}:
	default:
	}
	return nil
}

// Stop cancels the rebuild and waits for its goroutine to exit.
func (r *Rebuild) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	done := r.done
	r.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	if done != nil {
		<-done
	}
}

// State returns the rebuild's current lifecycle state.
func (r *Rebuild) State() RebuildState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Done returns a channel closed when the rebuild's goroutine exits,
// regardless of its terminal state. Valid only after Start has returned.
func (r *Rebuild) Done() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done
}

// Progress reports (blocksCopied, totalBlocks).
func (r *Rebuild) Progress() (uint64, uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.blocksCopied, r.totalBlocks
}

func (r *Rebuild) setState(s RebuildState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = s
}
