package nvmectl

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"k8s.io/klog/v2"
)

// DefaultSysfsRoot is the real sysfs mount point.
const DefaultSysfsRoot = "/sys"

// sysfsScanner resolves an NQN to the kernel-assigned block device path
// by walking /sys/class/nvme. Root is configurable so tests can point it
// at a temp directory instead of the real sysfs tree.
type sysfsScanner struct {
	root string
}

func newSysfsScanner(root string) *sysfsScanner {
	if root == "" {
		root = DefaultSysfsRoot
	}
	return &sysfsScanner{root: root}
}

// scanControllers returns every /sys/class/nvme/nvme* controller directory.
func (s *sysfsScanner) scanControllers() ([]string, error) {
	pattern := filepath.Join(s.root, "class", "nvme", "nvme*")
	ctrls, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("scanning nvme controllers at %s: %w", pattern, err)
	}
	return ctrls, nil
}

func (s *sysfsScanner) readSubsysNQN(controllerPath string) (string, error) {
	data, err := os.ReadFile(filepath.Join(controllerPath, "subsysnqn"))
	if err != nil {
		return "", err
	}
	nqn := strings.TrimSpace(string(data))
	if nqn == "" {
		return "", fmt.Errorf("empty subsysnqn at %s", controllerPath)
	}
	return nqn, nil
}

// findBlockDevice finds the first namespace block device under a
// controller directory, handling both the plain nvmeXnY naming and the
// multipath nvmeXcYnZ naming (resolved back to the subsystem-level
// nvmeXnZ device when available).
func (s *sysfsScanner) findBlockDevice(controllerPath string) (string, error) {
	controllerName := filepath.Base(controllerPath)

	namespaces, _ := filepath.Glob(filepath.Join(controllerPath, "nvme*n*"))
	for _, ns := range namespaces {
		nsName := filepath.Base(ns)

		devPath := "/dev/" + nsName
		if _, err := os.Stat(devPath); err == nil {
			return devPath, nil
		}

		if strings.Contains(nsName, "c") {
			var subsys, ctrl, namespace int
			if _, err := fmt.Sscanf(nsName, "nvme%dc%dn%d", &subsys, &ctrl, &namespace); err == nil {
				subsysDev := fmt.Sprintf("/dev/nvme%dn%d", subsys, namespace)
				if _, err := os.Stat(subsysDev); err == nil {
					return subsysDev, nil
				}
			}
		}
	}

	blockDevices, err := filepath.Glob(filepath.Join(s.root, "class", "block", controllerName+"n*"))
	if err != nil {
		return "", fmt.Errorf("scanning block devices for %s: %w", controllerName, err)
	}
	for _, bd := range blockDevices {
		name := filepath.Base(bd)
		if !strings.Contains(name, "c") {
			return "/dev/" + name, nil
		}
	}
	if len(blockDevices) > 0 {
		return "/dev/" + filepath.Base(blockDevices[0]), nil
	}

	return "", fmt.Errorf("no block device found under controller %s", controllerName)
}

// findDeviceByNQN scans every controller for one whose subsysnqn matches
// nqn and returns its block device path, or "" if none is connected yet.
func (s *sysfsScanner) findDeviceByNQN(nqn string) (string, error) {
	controllers, err := s.scanControllers()
	if err != nil {
		return "", err
	}

	for _, ctrl := range controllers {
		ctrlNQN, err := s.readSubsysNQN(ctrl)
		if err != nil {
			klog.V(5).Infof("nvmectl: skipping controller %s: %v", ctrl, err)
			continue
		}
		if ctrlNQN != nqn {
			continue
		}
		dev, err := s.findBlockDevice(ctrl)
		if err != nil {
			klog.V(4).Infof("nvmectl: controller for nqn %s has no block device yet: %v", nqn, err)
			return "", nil
		}
		return dev, nil
	}

	return "", nil
}
