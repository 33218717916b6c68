// Package bdev implements the backend device lifecycle: create, destroy,
// find, attach and detach for each device URI scheme, plus the
// wait_for_device bridge between an attach syscall returning and udev
// surfacing the device node.
package bdev

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"k8s.io/klog/v2"

	"git.srvlab.io/nexus/nexus-storage-node/pkg/uri"
	"git.srvlab.io/nexus/nexus-storage-node/pkg/utils"
)

// Descriptor is a registered backend device.
type Descriptor struct {
	Name   string
	URI    *uri.DeviceURI
	Scheme uri.Scheme
}

// Backend implements the four lifecycle operations for one URI scheme.
type Backend interface {
	// Create registers the bdev. Idempotent: returns the existing
	// descriptor (and no error) if a bdev with this name already exists.
	Create(ctx context.Context, u *uri.DeviceURI) (*Descriptor, error)

	// Destroy unregisters the bdev.
	Destroy(ctx context.Context, name string) error

	// Find resolves the bdev name to a /dev/... path if the OS has
	// enumerated the device, or "" if it has not appeared yet.
	Find(ctx context.Context, name string) (string, error)

	// Attach performs any out-of-band step needed before Find can
	// succeed (iscsiadm login, NVMe-oF connect). No-op for local schemes.
	Attach(ctx context.Context, u *uri.DeviceURI) error

	// Detach reverses Attach.
	Detach(ctx context.Context, name string) error
}

// Registry is the process-wide table of registered backend devices,
// dispatching to one Backend implementation per scheme.
type Registry struct {
	mu       sync.RWMutex
	bdevs    map[string]*Descriptor
	backends map[uri.Scheme]Backend
}

// NewRegistry builds a Registry with the default backend set.
func NewRegistry() *Registry {
	r := &Registry{
		bdevs:    make(map[string]*Descriptor),
		backends: make(map[uri.Scheme]Backend),
	}

	local := &localFileBackend{}
	r.backends[uri.SchemeAio] = local
	r.backends[uri.SchemeUring] = local
	r.backends[uri.SchemeLoopback] = &loopbackBackend{}
	r.backends[uri.SchemeBdev] = &loopbackBackend{}
	r.backends[uri.SchemeIscsi] = newIscsiBackend()

	return r
}

// RegisterBackend overrides (or adds) the backend used for a scheme. Used
// to wire the nvmf scheme to pkg/nvmectl's controller attach path without
// this package importing it directly.
func (r *Registry) RegisterBackend(scheme uri.Scheme, b Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[scheme] = b
}

func (r *Registry) backendFor(scheme uri.Scheme) (Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[scheme]
	if !ok {
		return nil, fmt.Errorf("%w: %s", utils.ErrUnsupportedScheme, scheme)
	}
	return b, nil
}

// Create registers a bdev for the given URI. Idempotent per 4.B: if a bdev
// with the resolved name already exists, its descriptor is returned and no
// backend Create call is made.
func (r *Registry) Create(ctx context.Context, u *uri.DeviceURI) (*Descriptor, error) {
	name := u.Name()

	r.mu.Lock()
	if existing, ok := r.bdevs[name]; ok {
		r.mu.Unlock()
		klog.V(4).Infof("bdev: create %s is a no-op, already registered", name)
		return existing, nil
	}
	r.mu.Unlock()

	backend, err := r.backendFor(u.Scheme)
	if err != nil {
		return nil, err
	}

	desc, err := backend.Create(ctx, u)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.bdevs[name] = desc
	r.mu.Unlock()

	return desc, nil
}

// Destroy unregisters a bdev by name.
func (r *Registry) Destroy(ctx context.Context, name string) error {
	r.mu.Lock()
	desc, ok := r.bdevs[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", utils.ErrBdevNotFound, name)
	}
	delete(r.bdevs, name)
	r.mu.Unlock()

	backend, err := r.backendFor(desc.Scheme)
	if err != nil {
		return err
	}
	return backend.Destroy(ctx, name)
}

// Get returns the descriptor for a registered bdev.
func (r *Registry) Get(name string) (*Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.bdevs[name]
	return d, ok
}

// Find resolves a registered bdev to its current /dev/... path.
func (r *Registry) Find(ctx context.Context, name string) (string, error) {
	r.mu.RLock()
	desc, ok := r.bdevs[name]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", utils.ErrBdevNotFound, name)
	}

	backend, err := r.backendFor(desc.Scheme)
	if err != nil {
		return "", err
	}
	return backend.Find(ctx, name)
}

// Attach performs the out-of-band attach step (iSCSI login, NVMe-oF
// connect) for a URI that has not yet been registered as a bdev.
func (r *Registry) Attach(ctx context.Context, u *uri.DeviceURI) error {
	backend, err := r.backendFor(u.Scheme)
	if err != nil {
		return err
	}
	return backend.Attach(ctx, u)
}

// Detach reverses Attach for a registered bdev.
func (r *Registry) Detach(ctx context.Context, name string) error {
	r.mu.RLock()
	desc, ok := r.bdevs[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", utils.ErrBdevNotFound, name)
	}

	backend, err := r.backendFor(desc.Scheme)
	if err != nil {
		return err
	}
	return backend.Detach(ctx, name)
}

// WaitForDevice polls Find until it returns a non-empty path that exists
// on the node (os.Stat succeeds) or the (interval, retries) budget is
// exhausted. It bridges the gap between an
// attach syscall returning and udev surfacing the device node.
func WaitForDevice(ctx context.Context, find func(context.Context) (string, error), interval time.Duration, retries int) (string, error) {
	var lastErr error

	for attempt := 0; attempt <= retries; attempt++ {
		path, err := find(ctx)
		if err == nil && path != "" {
			if _, statErr := os.Stat(path); statErr == nil {
				return path, nil
			}
		}
		lastErr = err

		if attempt == retries {
			break
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(interval):
		}
	}

	if lastErr != nil {
		return "", fmt.Errorf("%w: device did not appear after %d attempts: %v", utils.ErrDeviceNotFound, retries+1, lastErr)
	}
	return "", fmt.Errorf("%w: device did not appear after %d attempts", utils.ErrDeviceNotFound, retries+1)
}

// DefaultWaitInterval and DefaultWaitRetries give wait_for_device its
// default 100ms x 100 budget (10s total).
const (
	DefaultWaitInterval = 100 * time.Millisecond
	DefaultWaitRetries  = 100
)

// ResolveDevicePath is a context-free convenience wrapper around Find, for
// callers (stale-mount detection, mount recovery) that only need a
// name-to-path lookup and have no cancellation of their own to thread
// through.
func (r *Registry) ResolveDevicePath(name string) (string, error) {
	return r.Find(context.Background(), name)
}
