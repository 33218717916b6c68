package bdev

import (
	"context"
	"fmt"
	"os"

	"git.srvlab.io/nexus/nexus-storage-node/pkg/uri"
	"git.srvlab.io/nexus/nexus-storage-node/pkg/utils"
)

// localFileBackend backs the aio and uring schemes: a local file path used
// directly as the block device. uring is handled as an alias of aio with a
// Uring marker pending kernel io_uring backend support (spec note: "alias
// of aio pending kernel support").
type localFileBackend struct{}

func (b *localFileBackend) Create(_ context.Context, u *uri.DeviceURI) (*Descriptor, error) {
	if u.Path == "" {
		return nil, fmt.Errorf("%w: aio/uring uri requires a path", utils.ErrUriInvalid)
	}

	if _, err := os.Stat(u.Path); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s: %v", utils.ErrBdevNotFound, u.Path, err)
		}
		return nil, fmt.Errorf("stat %s: %w", u.Path, err)
	}

	return &Descriptor{Name: u.Path, URI: u, Scheme: u.Scheme}, nil
}

func (b *localFileBackend) Destroy(_ context.Context, _ string) error {
	// Destroying an aio/uring bdev only removes the registry entry; the
	// backing file is left in place.
	return nil
}

func (b *localFileBackend) Find(_ context.Context, name string) (string, error) {
	if _, err := os.Stat(name); err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	return name, nil
}

func (b *localFileBackend) Attach(_ context.Context, _ *uri.DeviceURI) error {
	return nil
}

func (b *localFileBackend) Detach(_ context.Context, _ string) error {
	return nil
}

// loopbackBackend backs the loopback and bdev (legacy alias) schemes: the
// URI names a bdev that is expected to already be registered by some other
// subsystem (a pool, an existing nexus). create/destroy are no-ops; find
// looks the name up in the conventional /dev/nexus/<name> location.
type loopbackBackend struct{}

func (b *loopbackBackend) Create(_ context.Context, u *uri.DeviceURI) (*Descriptor, error) {
	return &Descriptor{Name: u.Path, URI: u, Scheme: u.Scheme}, nil
}

func (b *loopbackBackend) Destroy(_ context.Context, _ string) error {
	return nil
}

func (b *loopbackBackend) Find(_ context.Context, name string) (string, error) {
	path := "/dev/nexus/" + name
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	return path, nil
}

func (b *loopbackBackend) Attach(_ context.Context, _ *uri.DeviceURI) error {
	return nil
}

func (b *loopbackBackend) Detach(_ context.Context, _ string) error {
	return nil
}
