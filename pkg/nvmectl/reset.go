package nvmectl

import (
	"context"
	"fmt"
	"sync"
	"time"

	"k8s.io/klog/v2"

	"git.srvlab.io/nexus/nexus-storage-node/pkg/utils"
)

// CompletionFunc is invoked exactly once when a reset finishes, with nil
// on success or the failure that aborted the reset.
type CompletionFunc func(err error)

// HardwareResetFunc performs the actual hardware-level controller reset.
// Swapped out in tests; the production implementation issues the
// NVMe/TCP controller reset command.
type HardwareResetFunc func(ctx context.Context, c *Controller) error

// Reset runs the fan-out/fan-in reset state machine:
//
//	Running --reset(cb)--> Resetting
//	   for-each-channel: inner.reset()        (destroy qpair)
//	   all channels done -> ctrlr.hardwareReset()
//	   ok -> for-each-channel: inner.reinit() (new qpair + connect)
//	   -> completion callback -> Running
//
// Reset is rejected with ErrControllerBusy while the controller is
// Initializing, Destroying, or already Resetting. A reset context is
// drawn from the fixed-size pool (1023 entries); pool exhaustion fails
// fast rather than queuing the request.
func (c *Controller) Reset(ctx context.Context, registry *Registry, hwReset HardwareResetFunc, cb CompletionFunc) {
	start := time.Now()
	metrics := registry.metricsSnapshot()
	recordAndCallback := func(err error) {
		if metrics != nil {
			metrics.RecordReset(err, time.Since(start))
		}
		cb(err)
	}

	c.mu.Lock()
	switch c.state {
	case StateInitializing, StateDestroying, StateResetting:
		state := c.state
		c.mu.Unlock()
		recordAndCallback(fmt.Errorf("%w: controller %s is %s", utils.ErrControllerBusy, c.name, state))
		return
	}
	c.state = StateResetting
	channels := make([]*Channel, 0, len(c.channels))
	for _, ch := range c.channels {
		channels = append(channels, ch)
	}
	c.mu.Unlock()

	rc, err := registry.resets.acquire()
	if err != nil {
		c.mu.Lock()
		c.state = StateRunning
		c.mu.Unlock()
		recordAndCallback(err)
		return
	}
	defer registry.resets.release(rc)

	klog.V(3).Infof("nvmectl: controller %s entering reset, %d channels", c.name, len(channels))

	// Fan-out: destroy every channel's qpair concurrently, fan-in on a
	// WaitGroup. Channel reset never returns an error (scoped-release
	// cannot fail): abort-requests -> disconnect -> free.
	var wg sync.WaitGroup
	wg.Add(len(channels))
	for _, ch := range channels {
		ch := ch
		go func() {
			defer wg.Done()
			ch.reset()
		}()
	}
	wg.Wait()

	if err := hwReset(ctx, c); err != nil {
		klog.Errorf("nvmectl: hardware reset failed for controller %s: %v", c.name, err)
		c.mu.Lock()
		c.state = StateRunning
		c.mu.Unlock()
		recordAndCallback(err)
		return
	}

	// Fan-out: reinit every channel (fresh qpair, add to poll group,
	// connect), fan-in on a WaitGroup. A single channel reinit failure
	// aborts the whole reset; the controller still returns to Running so
	// a subsequent reset can retry the remaining channels.
	errs := make([]error, len(channels))
	wg.Add(len(channels))
	for i, ch := range channels {
		i, ch := i, ch
		go func() {
			defer wg.Done()
			errs[i] = ch.reinit(ctx)
		}()
	}
	wg.Wait()

	var reinitErr error
	for _, e := range errs {
		if e != nil {
			reinitErr = e
			break
		}
	}

	c.mu.Lock()
	c.state = StateRunning
	c.mu.Unlock()

	if reinitErr != nil {
		klog.Errorf("nvmectl: channel reinit failed during reset of controller %s: %v", c.name, reinitErr)
		recordAndCallback(reinitErr)
		return
	}

	klog.V(3).Infof("nvmectl: controller %s reset complete", c.name)
	recordAndCallback(nil)
}
