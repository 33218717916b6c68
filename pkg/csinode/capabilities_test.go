package csinode

import (
	"errors"
	"testing"
)

func TestMaxVolumesPerNodeCountsGlobMatches(t *testing.T) {
	glob := func(pattern string) ([]string, error) {
		if pattern != nbdDeviceGlob {
			t.Fatalf("glob pattern = %q, want %q", pattern, nbdDeviceGlob)
		}
		return []string{"/dev/nbd0", "/dev/nbd1", "/dev/nbd2"}, nil
	}
	if got := maxVolumesPerNode(glob); got != 3 {
		t.Fatalf("maxVolumesPerNode = %d, want 3", got)
	}
}

func TestMaxVolumesPerNodeGlobErrorReturnsZero(t *testing.T) {
	glob := func(pattern string) ([]string, error) { return nil, errors.New("glob failed") }
	if got := maxVolumesPerNode(glob); got != 0 {
		t.Fatalf("maxVolumesPerNode = %d, want 0 on glob error", got)
	}
}
