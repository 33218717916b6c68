package nvmectl

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"k8s.io/klog/v2"

	"git.srvlab.io/nexus/nexus-storage-node/pkg/utils"
)

// Qpair is one NVMe/TCP queue pair. The real transport dial/teardown
// lives behind Dialer so tests can substitute a fake without a live
// target; production wiring plugs in the actual NVMe/TCP socket pair.
type Qpair struct {
	core int
}

// PollGroup batches completion polling for every qpair owned by one
// reactor core.
type PollGroup struct {
	core int
}

// Dialer creates and tears down the transport-level queue pair for a
// controller. Implementations must not block holding any nvmectl lock.
type Dialer interface {
	Connect(ctx context.Context, c *Controller, core int) (*Qpair, *PollGroup, error)
	Disconnect(q *Qpair, g *PollGroup) error
}

// Channel is the per-(controller, CPU core) I/O channel: one qpair, one
// poll group, one completion poller goroutine. Creation and teardown
// ordering is load-bearing: reversing steps can leak qpairs or deadlock
// the poller.
type Channel struct {
	core       int
	ctrlr      *Controller
	dialer     Dialer
	pollPeriod time.Duration

	qpair     *Qpair
	pollGroup *PollGroup

	isShutdown atomic.Bool // one-way latch: once true, reinit is refused

	stopPoller context.CancelFunc
	pollerDone chan struct{}
}

// NewChannel creates a channel for the given controller and core.
//
// Creation ordering: (1) look the controller up by id and abort unless
// Running; (2) clone the controller's handle and release the controller
// mutex before any suspension point; (3) build {qpair, poll group,
// poller} while holding the cloned handle. The qpair and its poll group
// both come back from a single Dialer.Connect call; there is no separate
// add-to-poll-group step here.
func NewChannel(ctx context.Context, registry *Registry, controllerID uint32, core int, dialer Dialer, pollPeriod time.Duration) (*Channel, error) {
	c, ok := registry.GetByID(controllerID)
	if !ok {
		return nil, fmt.Errorf("%w: controller id %d", utils.ErrBdevNotFound, controllerID)
	}

	c.mu.Lock()
	if c.state != StateRunning {
		state := c.state
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: controller %s is %s, not Running", utils.ErrControllerBusy, c.name, state)
	}
	handle := c.clone()
	c.mu.Unlock()
	defer handle.Release()

	ch := &Channel{
		core:       core,
		ctrlr:      c,
		dialer:     dialer,
		pollPeriod: pollPeriod,
	}

	if err := ch.create(ctx); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.channels[core] = ch
	c.mu.Unlock()

	return ch, nil
}

// create obtains the qpair and poll group from the Dialer's Connect and
// starts the completion poller.
func (ch *Channel) create(ctx context.Context) error {
	qpair, group, err := ch.dialer.Connect(ctx, ch.ctrlr, ch.core)
	if err != nil {
		return fmt.Errorf("channel create on core %d: %w", ch.core, err)
	}
	ch.qpair = qpair
	ch.pollGroup = group

	pollCtx, cancel := context.WithCancel(context.Background())
	ch.stopPoller = cancel
	ch.pollerDone = make(chan struct{})
	go ch.runPoller(pollCtx)

	return nil
}

// runPoller is the completion poller: it calls poll_group_process_completions
// on a period, triggering the bounded reconnect loop on qpair disconnect
// rather than a full controller reset: qpair disconnects are recoverable
// locally without driving a full reset.
func (ch *Channel) runPoller(ctx context.Context) {
	defer close(ch.pollerDone)

	ticker := time.NewTicker(ch.pollPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ch.isShutdown.Load() {
				return
			}
			if disconnected := ch.pollCompletions(); disconnected {
				ch.ctrlr.reconnect.trigger(ch)
			}
		}
	}
}

// pollCompletions processes completions on this channel's poll group.
// Returns true if the qpair was observed disconnected.
func (ch *Channel) pollCompletions() bool {
	// Transport polling itself lives in the Dialer/Qpair layer in a full
	// implementation; this method is the seam production wiring attaches
	// a disconnect observation to.
	return false
}

// reset tears down this channel's qpair ahead of a hardware reset: stop
// the poller, remove the qpair from the poll group, drop the qpair
// (scoped release: abort-requests -> disconnect -> free). It cannot fail.
func (ch *Channel) reset() {
	if ch.stopPoller != nil {
		ch.stopPoller()
		<-ch.pollerDone
	}

	if ch.qpair != nil {
		if err := ch.dialer.Disconnect(ch.qpair, ch.pollGroup); err != nil {
			klog.Warningf("nvmectl: channel core %d qpair release returned %v (ignored during reset)", ch.core, err)
		}
	}
	ch.qpair = nil
	ch.pollGroup = nil
}

// reinit obtains a fresh qpair and poll group through create and
// restarts the completion poller. It refuses to run once the channel
// has observed shutdown: IsShutdown is a one-way latch globally ordered
// with respect to reset.
func (ch *Channel) reinit(ctx context.Context) error {
	if ch.isShutdown.Load() {
		return fmt.Errorf("%w: channel core %d", utils.ErrQpairShutdown, ch.core)
	}
	return ch.create(ctx)
}

// Shutdown permanently disables this channel. Once observed, reinit can
// never run again for this channel even if a reset races it.
func (ch *Channel) Shutdown() {
	ch.isShutdown.Store(true)
	ch.reset()
}

// IsShutdown reports whether this channel has been permanently disabled.
func (ch *Channel) IsShutdown() bool {
	return ch.isShutdown.Load()
}
