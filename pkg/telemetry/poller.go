package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"k8s.io/klog/v2"

	"git.srvlab.io/nexus/nexus-storage-node/pkg/observability"
)

// PollerConfig configures background enclosure sensor polling.
type PollerConfig struct {
	SSH  SSHConfig
	SNMP SNMPConfig

	// Interval between successful sensor reads (default 30s).
	Interval time.Duration

	// InitialInterval/MaxInterval/MaxElapsedTime bound the reconnect
	// backoff used after a failed read (defaults: 1s/16s/0=unbounded).
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration

	Metrics *observability.Metrics
}

// Poller runs a background loop that periodically reads enclosure sensors
// over SNMP and keeps an SSH connection warm for ad hoc diagnostics. It
// never participates in the I/O or controller-reset path; a failed poll
// only affects observability.
type Poller struct {
	cfg    PollerConfig
	ssh    *SSHClient
	snmp   *SNMPReader
	mu     sync.RWMutex
	latest *SensorReading
	lastErr error
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewPoller validates config and constructs a Poller, without connecting.
func NewPoller(cfg PollerConfig) (*Poller, error) {
	if cfg.Interval == 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.InitialInterval == 0 {
		cfg.InitialInterval = 1 * time.Second
	}
	if cfg.MaxInterval == 0 {
		cfg.MaxInterval = 16 * time.Second
	}

	ssh, err := NewSSHClient(cfg.SSH)
	if err != nil {
		return nil, err
	}

	return &Poller{
		cfg:  cfg,
		ssh:  ssh,
		snmp: NewSNMPReader(cfg.SNMP),
	}, nil
}

// Latest returns the most recently collected reading and the error from
// the most recent poll attempt, if any.
func (p *Poller) Latest() (*SensorReading, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.latest, p.lastErr
}

// Start launches the background poll loop; it returns once ctx is
// cancelled or Stop is called.
func (p *Poller) Start(ctx context.Context) {
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})
	go p.run(ctx)
}

// Stop signals the poll loop to exit and waits for it to finish.
func (p *Poller) Stop() {
	if p.stopCh == nil {
		return
	}
	close(p.stopCh)
	<-p.doneCh
}

func (p *Poller) run(ctx context.Context) {
	defer close(p.doneCh)

	if err := p.ssh.Connect(); err != nil {
		klog.Warningf("telemetry: initial ssh connect to %s failed: %v", p.cfg.SSH.Address, err)
	}

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

func (p *Poller) poll(ctx context.Context) {
	reading, err := p.snmp.Read()
	if err != nil {
		klog.V(2).Infof("telemetry: sensor poll failed: %v", err)
		p.recordResult(nil, err)
		if isRetryableError(err) {
			p.reconnectSSH(ctx)
		}
		return
	}

	reading.CollectedAt = time.Now()
	p.recordResult(reading, nil)
	klog.V(4).Infof("telemetry: cpu=%.1fC board=%.1fC fan1=%.0frpm fan2=%.0frpm",
		reading.CPUTemperature, reading.BoardTemperature, reading.Fan1SpeedRPM, reading.Fan2SpeedRPM)
}

func (p *Poller) recordResult(reading *SensorReading, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if reading != nil {
		p.latest = reading
	}
	p.lastErr = err
}

// reconnectSSH re-establishes the diagnostic SSH session with exponential
// backoff, bounded in time only when MaxElapsedTime is non-zero (it is
// zero, unbounded, by default), mirroring the reconnect shape used for the
// controller's qpair and the RDS connection manager's health monitor.
func (p *Poller) reconnectSSH(ctx context.Context) {
	if p.ssh.IsConnected() {
		return
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.cfg.InitialInterval
	bo.MaxInterval = p.cfg.MaxInterval
	bo.MaxElapsedTime = p.cfg.MaxElapsedTime

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		default:
		}

		if err := p.ssh.Connect(); err == nil {
			if p.cfg.Metrics != nil {
				p.cfg.Metrics.RecordConnectionState(p.cfg.SSH.Address, true)
			}
			return
		}

		next := bo.NextBackOff()
		if next == backoff.Stop {
			klog.Warningf("telemetry: giving up reconnecting to %s", p.cfg.SSH.Address)
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-time.After(next):
		}
	}
}
