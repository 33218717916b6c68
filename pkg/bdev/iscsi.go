package bdev

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"k8s.io/klog/v2"

	"git.srvlab.io/nexus/nexus-storage-node/pkg/uri"
	"git.srvlab.io/nexus/nexus-storage-node/pkg/utils"
)

// iscsiBackend shells out to iscsiadm for session login/logout, caching
// the target's node name per bdev so Destroy/Detach do not need the
// original URI. The execCommand indirection follows the exec.Command
// injection point the rest of this codebase uses so attach/detach can be
// exercised without a real iscsid.
type iscsiBackend struct {
	mu          sync.Mutex
	targetByLUN map[string]*uri.DeviceURI
	execCommand func(ctx context.Context, name string, args ...string) *exec.Cmd
}

func newIscsiBackend() *iscsiBackend {
	return &iscsiBackend{
		targetByLUN: make(map[string]*uri.DeviceURI),
		execCommand: exec.CommandContext,
	}
}

func (b *iscsiBackend) Create(ctx context.Context, u *uri.DeviceURI) (*Descriptor, error) {
	if err := b.Attach(ctx, u); err != nil {
		return nil, err
	}
	return &Descriptor{Name: u.Name(), URI: u, Scheme: uri.SchemeIscsi}, nil
}

func (b *iscsiBackend) Destroy(ctx context.Context, name string) error {
	return b.Detach(ctx, name)
}

func (b *iscsiBackend) Attach(ctx context.Context, u *uri.DeviceURI) error {
	portal := fmt.Sprintf("%s:%d", u.Host, u.Port)

	args := []string{"-m", "node", "-T", u.IQN, "-p", portal, "--login"}
	cmd := b.execCommand(ctx, "iscsiadm", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: iscsiadm login %s %s: %v: %s", utils.ErrDeviceNotFound, u.IQN, portal, err, strings.TrimSpace(string(out)))
	}

	b.mu.Lock()
	b.targetByLUN[u.Name()] = u
	b.mu.Unlock()

	klog.V(4).Infof("bdev: iscsi login %s at %s", u.IQN, portal)
	return nil
}

func (b *iscsiBackend) Detach(ctx context.Context, name string) error {
	b.mu.Lock()
	u, ok := b.targetByLUN[name]
	if ok {
		delete(b.targetByLUN, name)
	}
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", utils.ErrBdevNotFound, name)
	}

	portal := fmt.Sprintf("%s:%d", u.Host, u.Port)
	args := []string{"-m", "node", "-T", u.IQN, "-p", portal, "--logout"}
	cmd := b.execCommand(ctx, "iscsiadm", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("iscsiadm logout %s %s: %w: %s", u.IQN, portal, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (b *iscsiBackend) Find(ctx context.Context, name string) (string, error) {
	b.mu.Lock()
	u, ok := b.targetByLUN[name]
	b.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", utils.ErrBdevNotFound, name)
	}

	// iscsiadm surfaces the session's block devices under
	// /dev/disk/by-path/ip-<host>:<port>-iscsi-<iqn>-lun-<lun>.
	lun := strings.TrimPrefix(u.Path, "lun")
	byPath := fmt.Sprintf("/dev/disk/by-path/ip-%s:%d-iscsi-%s-lun-%s", u.Host, u.Port, u.IQN, lun)
	resolved, err := filepath.EvalSymlinks(byPath)
	if err != nil {
		return "", nil
	}
	return resolved, nil
}
