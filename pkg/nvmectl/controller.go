// Package nvmectl is the process-wide NVMe/TCP controller manager: a
// registry of controllers keyed by name and by numeric id, the reset
// state machine, and the per-core I/O channel each controller hands out
// to reactors.
package nvmectl

import (
	"fmt"
	"sync"
	"sync/atomic"

	"k8s.io/klog/v2"

	"git.srvlab.io/nexus/nexus-storage-node/pkg/observability"
	"git.srvlab.io/nexus/nexus-storage-node/pkg/utils"
)

// State is the controller's position in the reset state machine.
type State int

const (
	StateInitializing State = iota
	StateRunning
	StateResetting
	StateDestroying
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "Initializing"
	case StateRunning:
		return "Running"
	case StateResetting:
		return "Resetting"
	case StateDestroying:
		return "Destroying"
	default:
		return "Unknown"
	}
}

// Handle is a cloned, shared reference to a Controller. It is taken so
// the controller mutex can be released before any suspension point:
// neither the registry nor the controller mutex is held across a
// blocking call, while the Handle may be.
type Handle struct {
	ctrlr *Controller
}

// Release drops this reference. Controllers are reference-counted only
// for symmetry with the shared-handle idiom used elsewhere; the
// underlying Controller is owned by the Registry until explicitly
// removed.
func (h *Handle) Release() {}

// Controller is one NVMe/TCP controller instance, with its per-core
// channels and its reset state machine.
type Controller struct {
	mu sync.Mutex

	id      uint32
	name    string
	nqn     string
	address string
	port    int

	state State

	channels map[int]*Channel // keyed by CPU core id
	nextCore int

	reconnect *reconnectLoop

	// failoverRequested records whether failover=true was passed on the
	// resolved URI. No multi-path failover is implemented; this is
	// surfaced for logging/telemetry only.
	failoverRequested bool

	shutdown atomic.Bool
}

// Registry is the process-wide controller table with a dual name/id
// index: name lookup happens before attach, numeric-id lookup happens
// on the hot path from channel completion callbacks.
type Registry struct {
	mu       sync.RWMutex
	byName   map[string]*Controller
	byID     map[uint32]*Controller
	nextID   uint32
	resets   *resetPool
	reConfig ReconnectConfig
	metrics  *observability.Metrics
}

// SetMetrics wires a Metrics instance into the registry. Resets and
// reconnects recorded after this call are observed; nil is a valid value
// and disables recording.
func (r *Registry) SetMetrics(m *observability.Metrics) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics = m
}

func (r *Registry) metricsSnapshot() *observability.Metrics {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.metrics
}

// NewRegistry builds an empty controller registry.
func NewRegistry(reConfig ReconnectConfig) *Registry {
	return &Registry{
		byName:   make(map[string]*Controller),
		byID:     make(map[uint32]*Controller),
		nextID:   1,
		resets:   newResetPool(maxResetContexts),
		reConfig: reConfig,
	}
}

// Create registers a new controller in Initializing state. The caller
// must call Activate once the initial qpair/admin-queue setup succeeds.
func (r *Registry) Create(name, nqn, address string, port int, failover bool) (*Controller, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[name]; exists {
		return nil, fmt.Errorf("%w: controller %s", utils.ErrBdevExists, name)
	}

	c := &Controller{
		id:                r.nextID,
		name:              name,
		nqn:               nqn,
		address:           address,
		port:              port,
		state:             StateInitializing,
		channels:          make(map[int]*Channel),
		failoverRequested: failover,
	}
	c.reconnect = newReconnectLoop(c, r.reConfig, r)

	r.byName[name] = c
	r.byID[c.id] = c
	r.nextID++

	if failover {
		klog.V(2).Infof("nvmectl: controller %s requested failover=true, which is not supported; ignoring", name)
	}

	return c, nil
}

// Activate transitions a controller from Initializing to Running once its
// admin queue is up.
func (r *Registry) Activate(c *Controller) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateRunning
}

// Count returns the number of currently registered controllers, for
// wiring into observability.Metrics.SetControllerCountFunc.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byName)
}

// GetByName looks a controller up by its registered name.
func (r *Registry) GetByName(name string) (*Controller, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byName[name]
	return c, ok
}

// GetByID looks a controller up by its numeric id, the path used from
// channel completion callbacks.
func (r *Registry) GetByID(id uint32) (*Controller, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byID[id]
	return c, ok
}

// Remove unregisters a controller. It must already be in StateDestroying.
func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.byName[name]
	if !ok {
		return fmt.Errorf("%w: controller %s", utils.ErrBdevNotFound, name)
	}

	c.mu.Lock()
	state := c.state
	c.mu.Unlock()
	if state != StateDestroying {
		return fmt.Errorf("%w: controller %s is %s, not Destroying", utils.ErrControllerBusy, name, state)
	}

	delete(r.byName, name)
	delete(r.byID, c.id)
	return nil
}

// ID returns the controller's numeric id.
func (c *Controller) ID() uint32 { return c.id }

// Name returns the controller's registered name.
func (c *Controller) Name() string { return c.name }

// State returns the controller's current reset-state-machine position.
// The registry mutex is not held while reading it; callers that need a
// point-in-time decision should treat this as advisory outside Reset.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// clone returns a shared Handle to this controller for use across a
// suspension point, following the release-before-suspend rule.
func (c *Controller) clone() *Handle {
	return &Handle{ctrlr: c}
}

// Channels returns a snapshot of this controller's per-core channels.
func (c *Controller) Channels() []*Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	chs := make([]*Channel, 0, len(c.channels))
	for _, ch := range c.channels {
		chs = append(chs, ch)
	}
	return chs
}

// BeginDestroy transitions the controller to Destroying, from which it
// leaves only via Registry.Remove (Remove checks the state, not whether
// the channels have shut down).
// Rejected while Initializing or Resetting; idempotent if already
// Destroying.
func (c *Controller) BeginDestroy() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateDestroying:
		return nil
	case StateInitializing, StateResetting:
		return fmt.Errorf("%w: controller %s is %s", utils.ErrControllerBusy, c.name, c.state)
	}
	c.state = StateDestroying
	c.shutdown.Store(true)
	return nil
}

// ShutdownChannels permanently disables every per-core channel, following
// the one-way isShutdown latch: once observed, no channel can reinit even
// if a reset races the shutdown.
func (c *Controller) ShutdownChannels() {
	for _, ch := range c.Channels() {
		ch.Shutdown()
	}
}

// nextChannelCore assigns the next core id round-robin. Channel creation
// itself is performed by (*Channel).create, called with the controller
// mutex already released (see channel.go).
func (c *Controller) nextChannelCore() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	core := c.nextCore
	c.nextCore++
	return core
}
