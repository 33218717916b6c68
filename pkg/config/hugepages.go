package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"k8s.io/klog/v2"
)

// DefaultHugepagesRoot is the sysfs root hugepage accounting lives under.
const DefaultHugepagesRoot = "/sys/kernel/mm/hugepages"

// defaultHugepageCount is written when the pool is found empty at startup.
const defaultHugepageCount = 512

// HugepageBootstrapper ensures the 2MB hugepage pool this process depends
// on for DMA-capable buffers is non-empty before the data plane starts.
// Root is configurable the way nvmectl's sysfsScanner root is, so tests can point it
// at a temp directory instead of the real sysfs tree.
type HugepageBootstrapper struct {
	Root string
}

// NewHugepageBootstrapper returns a bootstrapper against the real sysfs tree.
func NewHugepageBootstrapper() *HugepageBootstrapper {
	return &HugepageBootstrapper{Root: DefaultHugepagesRoot}
}

func (h *HugepageBootstrapper) nrHugepagesPath() string {
	return filepath.Join(h.Root, "hugepages-2048kB", "nr_hugepages")
}

// Ensure reads nr_hugepages and, if zero, writes defaultHugepageCount.
// It leaves any pre-existing non-zero allocation untouched.
func (h *HugepageBootstrapper) Ensure() error {
	path := h.nrHugepagesPath()

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	n, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}

	if n > 0 {
		klog.V(2).Infof("hugepages: %d 2MB pages already allocated", n)
		return nil
	}

	klog.Infof("hugepages: nr_hugepages is 0, allocating %d", defaultHugepageCount)
	if err := os.WriteFile(path, []byte(strconv.Itoa(defaultHugepageCount)), 0644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}

	return nil
}
