package nvmectl

import (
	"context"
	"time"

	"k8s.io/klog/v2"
)

// AdminQueuePoller periodically drains a controller's admin completion
// queue. The full reactor/DMA-allocator runtime those completions flow
// through (a generic bdev registry, a DMA allocator, a reactor/poller
// scheduling runtime) is out of scope; this is the minimal seam a real
// implementation hangs its admin command completions on.
type AdminQueuePoller struct {
	ctrlr  *Controller
	period time.Duration
	cancel context.CancelFunc
	done   chan struct{}
}

// NewAdminQueuePoller starts polling admin completions for c at the given
// period. Call Stop to shut it down.
func NewAdminQueuePoller(c *Controller, period time.Duration) *AdminQueuePoller {
	ctx, cancel := context.WithCancel(context.Background())
	p := &AdminQueuePoller{
		ctrlr:  c,
		period: period,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go p.run(ctx)
	return p
}

func (p *AdminQueuePoller) run(ctx context.Context) {
	defer close(p.done)

	ticker := time.NewTicker(p.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if p.ctrlr.shutdown.Load() {
				return
			}
			p.processAdminCompletions()
		}
	}
}

// processAdminCompletions drains pending admin-queue completions. The
// transport-level admin command queue is a seam for production wiring;
// there is nothing to poll in the absence of a live NVMe/TCP transport.
func (p *AdminQueuePoller) processAdminCompletions() {
	klog.V(5).Infof("nvmectl: controller %s admin queue poll", p.ctrlr.name)
}

// Stop halts the poller and waits for its goroutine to exit.
func (p *AdminQueuePoller) Stop() {
	p.cancel()
	<-p.done
}
