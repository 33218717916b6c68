package mount

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

// fakeResolver is a DeviceResolver for testing that returns a fixed path
// and error for every bdev name.
type fakeResolver struct {
	path string
	err  error
}

func (f *fakeResolver) ResolveDevicePath(name string) (string, error) {
	return f.path, f.err
}

func TestIsMountStaleNotStale(t *testing.T) {
	tmpDir := t.TempDir()
	deviceFile := filepath.Join(tmpDir, "nexus0")
	if err := os.WriteFile(deviceFile, []byte{}, 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	checker := NewStaleMountChecker(&fakeResolver{path: deviceFile})
	mountPath := "/var/lib/kubelet/pods/test"
	checker.getMountDev = func(path string) (string, error) {
		if path == mountPath {
			return deviceFile, nil
		}
		return "", fmt.Errorf("mount not found")
	}

	stale, reason, err := checker.IsMountStale(mountPath, "nexus0")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stale {
		t.Errorf("expected not stale, got stale (reason=%s)", reason)
	}
}

func TestIsMountStaleMountNotFound(t *testing.T) {
	checker := NewStaleMountChecker(&fakeResolver{path: "/dev/nexus0"})
	checker.getMountDev = func(path string) (string, error) {
		return "", fmt.Errorf("mount point not found: %s", path)
	}

	stale, reason, err := checker.IsMountStale("/var/lib/kubelet/pods/test", "nexus0")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !stale {
		t.Error("expected mount to be stale when mount not found")
	}
	if reason != StaleReasonMountNotFound {
		t.Errorf("reason = %s, want %s", reason, StaleReasonMountNotFound)
	}
}

func TestIsMountStaleDeviceDisappeared(t *testing.T) {
	checker := NewStaleMountChecker(&fakeResolver{path: "/dev/nexus0"})
	checker.getMountDev = func(path string) (string, error) {
		return "/dev/nexus-gone", nil
	}

	stale, reason, err := checker.IsMountStale("/var/lib/kubelet/pods/test", "nexus0")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !stale {
		t.Error("expected mount to be stale when device disappeared")
	}
	if reason != StaleReasonDeviceDisappeared {
		t.Errorf("reason = %s, want %s", reason, StaleReasonDeviceDisappeared)
	}
}

func TestIsMountStaleDeviceMismatch(t *testing.T) {
	tmpDir := t.TempDir()
	mountDevice := filepath.Join(tmpDir, "nexus0")
	currentDevice := filepath.Join(tmpDir, "nexus1")
	if err := os.WriteFile(mountDevice, []byte{}, 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := os.WriteFile(currentDevice, []byte{}, 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	checker := NewStaleMountChecker(&fakeResolver{path: currentDevice})
	checker.getMountDev = func(path string) (string, error) {
		return mountDevice, nil
	}

	stale, reason, err := checker.IsMountStale("/var/lib/kubelet/pods/test", "nexus0")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !stale {
		t.Error("expected mount to be stale when devices mismatch")
	}
	if reason != StaleReasonDeviceMismatch {
		t.Errorf("reason = %s, want %s", reason, StaleReasonDeviceMismatch)
	}
}

func TestIsMountStaleResolverError(t *testing.T) {
	tmpDir := t.TempDir()
	mountDevice := filepath.Join(tmpDir, "nexus0")
	if err := os.WriteFile(mountDevice, []byte{}, 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	checker := NewStaleMountChecker(&fakeResolver{err: fmt.Errorf("bdev not found")})
	checker.getMountDev = func(path string) (string, error) {
		return mountDevice, nil
	}

	stale, reason, err := checker.IsMountStale("/var/lib/kubelet/pods/test", "nexus0")
	if err == nil {
		t.Fatal("expected error from resolver")
	}
	if stale {
		t.Error("expected not stale when resolver errors")
	}
	if reason != "" {
		t.Errorf("reason = %s, want empty on error", reason)
	}
}

func TestGetStaleInfo(t *testing.T) {
	t.Run("mount not found", func(t *testing.T) {
		checker := NewStaleMountChecker(&fakeResolver{path: "/dev/nexus0"})
		checker.getMountDev = func(path string) (string, error) {
			return "", fmt.Errorf("mount not found")
		}

		info, err := checker.GetStaleInfo("/mnt/test", "nexus0")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !info.IsStale || info.Reason != StaleReasonMountNotFound {
			t.Errorf("got %+v", info)
		}
	})

	t.Run("device disappeared", func(t *testing.T) {
		checker := NewStaleMountChecker(&fakeResolver{path: "/dev/nexus0"})
		checker.getMountDev = func(path string) (string, error) {
			return "/dev/nexus-gone", nil
		}

		info, err := checker.GetStaleInfo("/mnt/test", "nexus0")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !info.IsStale || info.Reason != StaleReasonDeviceDisappeared {
			t.Errorf("got %+v", info)
		}
		if info.MountDevice == "" {
			t.Error("expected MountDevice to be populated")
		}
	})
}

func TestNewStaleMountChecker(t *testing.T) {
	checker := NewStaleMountChecker(&fakeResolver{path: "/dev/nexus0"})
	if checker == nil {
		t.Fatal("expected non-nil checker")
	}
	if checker.resolver == nil {
		t.Error("expected resolver to be set")
	}
	if checker.getMountDev == nil {
		t.Error("expected getMountDev to be set")
	}
}
