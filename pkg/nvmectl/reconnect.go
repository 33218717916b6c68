package nvmectl

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"k8s.io/klog/v2"
)

// ReconnectConfig bounds the qpair reconnect loop with a bounded budget
// rather than retrying forever.
type ReconnectConfig struct {
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	MaxElapsedTime      time.Duration
	Multiplier          float64
	RandomizationFactor float64
}

// DefaultReconnectConfig bounds MaxElapsedTime at 30 minutes rather than
// leaving it near-unbounded.
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		InitialInterval:     1 * time.Second,
		MaxInterval:         30 * time.Second,
		MaxElapsedTime:      30 * time.Minute,
		Multiplier:          2.0,
		RandomizationFactor: 0.2,
	}
}

// reconnectLoop drives qpair reconnection for one controller independent
// of the reset state machine: a qpair disconnect is recoverable locally
// and must not block or fail other channels.
type reconnectLoop struct {
	ctrlr    *Controller
	config   ReconnectConfig
	registry *Registry

	mu       sync.Mutex
	inFlight map[int]context.CancelFunc // keyed by channel core
}

func newReconnectLoop(c *Controller, cfg ReconnectConfig, registry *Registry) *reconnectLoop {
	return &reconnectLoop{
		ctrlr:    c,
		config:   cfg,
		registry: registry,
		inFlight: make(map[int]context.CancelFunc),
	}
}

// trigger starts (or no-ops if already running) a bounded reconnect
// attempt for the given channel's qpair.
func (r *reconnectLoop) trigger(ch *Channel) {
	r.mu.Lock()
	if _, running := r.inFlight[ch.core]; running {
		r.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.inFlight[ch.core] = cancel
	r.mu.Unlock()

	go r.run(ctx, ch)
}

// stop cancels any in-flight reconnect attempt for a channel, used when
// the channel shuts down out from under the reconnect loop.
func (r *reconnectLoop) stop(core int) {
	r.mu.Lock()
	cancel, ok := r.inFlight[core]
	if ok {
		delete(r.inFlight, core)
	}
	r.mu.Unlock()
	if ok {
		cancel()
	}
}

func (r *reconnectLoop) run(ctx context.Context, ch *Channel) {
	defer r.stop(ch.core)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.config.InitialInterval
	bo.MaxInterval = r.config.MaxInterval
	bo.MaxElapsedTime = r.config.MaxElapsedTime
	bo.Multiplier = r.config.Multiplier
	bo.RandomizationFactor = r.config.RandomizationFactor
	bo.Reset()

	attempt := 0
	start := time.Now()

	for {
		if ch.isShutdown.Load() {
			klog.V(4).Infof("nvmectl: channel core %d shut down, abandoning reconnect", ch.core)
			return
		}

		select {
		case <-ctx.Done():
			return
		default:
		}

		attempt++
		klog.V(4).Infof("nvmectl: controller %s core %d reconnect attempt %d", r.ctrlr.name, ch.core, attempt)

		if err := ch.reinit(ctx); err == nil {
			klog.Infof("nvmectl: controller %s core %d reconnected after %d attempts (%s)", r.ctrlr.name, ch.core, attempt, time.Since(start).Round(time.Millisecond))
			if m := r.registry.metricsSnapshot(); m != nil {
				m.RecordReconnectAttempt("success", time.Since(start))
				m.RecordConnectionState(r.ctrlr.address, true)
			}
			return
		} else {
			klog.V(4).Infof("nvmectl: controller %s core %d reconnect attempt %d failed: %v", r.ctrlr.name, ch.core, attempt, err)
		}

		next := bo.NextBackOff()
		if next == backoff.Stop {
			klog.Errorf("nvmectl: controller %s core %d exceeded reconnect budget (%s), giving up", r.ctrlr.name, ch.core, r.config.MaxElapsedTime)
			if m := r.registry.metricsSnapshot(); m != nil {
				m.RecordReconnectAttempt("failure", time.Since(start))
				m.RecordConnectionState(r.ctrlr.address, false)
			}
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(next):
		}
	}
}
