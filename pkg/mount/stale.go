package mount

import (
	"fmt"
	"os"
	"path/filepath"

	"k8s.io/klog/v2"

	"git.srvlab.io/nexus/nexus-storage-node/pkg/observability"
)

// DeviceResolver resolves a bdev name to its current /dev/... path.
// *bdev.Registry satisfies this via its ResolveDevicePath method.
type DeviceResolver interface {
	ResolveDevicePath(name string) (string, error)
}

// StaleReason describes why a mount is considered stale
type StaleReason string

const (
	StaleReasonNotStale          StaleReason = ""
	StaleReasonMountNotFound     StaleReason = "mount_not_found"
	StaleReasonDeviceDisappeared StaleReason = "device_disappeared"
	StaleReasonDeviceMismatch    StaleReason = "device_path_mismatch"
)

// StaleInfo contains detailed information about a stale mount check
type StaleInfo struct {
	MountDevice     string // Device path from /proc/mountinfo
	ResolvedMount   string // Resolved symlinks for mount device
	CurrentDevice   string // Device path from bdev resolution
	ResolvedCurrent string // Resolved symlinks for current device
	IsStale         bool
	Reason          StaleReason
}

// StaleMountChecker detects stale mounts by comparing the mounted device
// with the bdev registry's current resolution for the same bdev name.
type StaleMountChecker struct {
	resolver    DeviceResolver
	getMountDev func(path string) (string, error) // Injected for testing
	metrics     *observability.Metrics
}

// NewStaleMountChecker creates a new stale mount checker
func NewStaleMountChecker(resolver DeviceResolver) *StaleMountChecker {
	return &StaleMountChecker{
		resolver:    resolver,
		getMountDev: GetMountDevice, // Use default implementation
	}
}

// SetMountDeviceFunc allows overriding the mount device lookup function for testing
func (c *StaleMountChecker) SetMountDeviceFunc(fn func(path string) (string, error)) {
	c.getMountDev = fn
}

// SetMetrics wires a Metrics instance into the checker. nil disables
// recording.
func (c *StaleMountChecker) SetMetrics(metrics *observability.Metrics) {
	c.metrics = metrics
}

// IsMountStale checks if a mount is stale by comparing the mount device
// with the bdev registry's current resolution of bdevName.
//
// A mount is considered stale if:
// 1. The mount point is not found (mount disappeared)
// 2. The mount device no longer exists (device disappeared)
// 3. The mount device path differs from the current resolved device (device renumbered)
func (c *StaleMountChecker) IsMountStale(mountPath string, bdevName string) (bool, StaleReason, error) {
	stale, reason, err := c.isMountStale(mountPath, bdevName)
	if stale && c.metrics != nil {
		c.metrics.RecordStaleMountDetected()
	}
	return stale, reason, err
}

func (c *StaleMountChecker) isMountStale(mountPath string, bdevName string) (bool, StaleReason, error) {
	klog.V(4).Infof("Checking if mount %s is stale (bdev: %s)", mountPath, bdevName)

	mountDevice, err := c.getMountDev(mountPath)
	if err != nil {
		klog.V(4).Infof("Mount %s not found in /proc/mountinfo: %v", mountPath, err)
		return true, StaleReasonMountNotFound, nil
	}

	klog.V(4).Infof("Mount %s device from mountinfo: %s", mountPath, mountDevice)

	resolvedMount, err := filepath.EvalSymlinks(mountDevice)
	if err != nil {
		if os.IsNotExist(err) {
			klog.Warningf("Mount device %s no longer exists (mount %s)", mountDevice, mountPath)
			return true, StaleReasonDeviceDisappeared, nil
		}
		return false, "", fmt.Errorf("failed to resolve mount device symlinks for %s: %w", mountDevice, err)
	}

	klog.V(4).Infof("Resolved mount device %s -> %s", mountDevice, resolvedMount)

	currentDevice, err := c.resolver.ResolveDevicePath(bdevName)
	if err != nil {
		return false, "", fmt.Errorf("failed to resolve bdev %s: %w", bdevName, err)
	}

	klog.V(4).Infof("Current device for bdev %s: %s", bdevName, currentDevice)

	resolvedCurrent, err := filepath.EvalSymlinks(currentDevice)
	if err != nil {
		return false, "", fmt.Errorf("failed to resolve current device symlinks for %s: %w", currentDevice, err)
	}

	klog.V(4).Infof("Resolved current device %s -> %s", currentDevice, resolvedCurrent)

	if resolvedMount != resolvedCurrent {
		klog.Warningf("Stale mount detected: mount %s device %s (resolved: %s) differs from current bdev %s device %s (resolved: %s)",
			mountPath, mountDevice, resolvedMount, bdevName, currentDevice, resolvedCurrent)
		return true, StaleReasonDeviceMismatch, nil
	}

	klog.V(4).Infof("Mount %s is not stale: device %s matches current bdev %s device %s",
		mountPath, mountDevice, bdevName, currentDevice)
	return false, StaleReasonNotStale, nil
}

// GetStaleInfo returns detailed information about a stale mount check
func (c *StaleMountChecker) GetStaleInfo(mountPath string, bdevName string) (*StaleInfo, error) {
	info := &StaleInfo{}

	mountDevice, err := c.getMountDev(mountPath)
	if err != nil {
		info.IsStale = true
		info.Reason = StaleReasonMountNotFound
		return info, nil
	}
	info.MountDevice = mountDevice

	resolvedMount, err := filepath.EvalSymlinks(mountDevice)
	if err != nil {
		if os.IsNotExist(err) {
			info.IsStale = true
			info.Reason = StaleReasonDeviceDisappeared
			return info, nil
		}
		return nil, fmt.Errorf("failed to resolve mount device symlinks: %w", err)
	}
	info.ResolvedMount = resolvedMount

	currentDevice, err := c.resolver.ResolveDevicePath(bdevName)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve bdev %s: %w", bdevName, err)
	}
	info.CurrentDevice = currentDevice

	resolvedCurrent, err := filepath.EvalSymlinks(currentDevice)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve current device symlinks: %w", err)
	}
	info.ResolvedCurrent = resolvedCurrent

	if resolvedMount != resolvedCurrent {
		info.IsStale = true
		info.Reason = StaleReasonDeviceMismatch
	} else {
		info.IsStale = false
		info.Reason = StaleReasonNotStale
	}

	return info, nil
}
