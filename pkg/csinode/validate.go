package csinode

import (
	"fmt"

	"github.com/container-storage-interface/spec/lib/go/csi"
)

// validateAccessMode checks the access mode for internal consistency only;
// it is advisory to the orchestrator and never gates attach/publish beyond
// these checks.
func validateAccessMode(mode *csi.VolumeCapability_AccessMode, readonly bool) error {
	if mode == nil {
		return nil
	}

	switch mode.GetMode() {
	case csi.VolumeCapability_AccessMode_UNKNOWN:
		return fmt.Errorf("access mode is required")
	case csi.VolumeCapability_AccessMode_SINGLE_NODE_READER_ONLY,
		csi.VolumeCapability_AccessMode_MULTI_NODE_READER_ONLY:
		if !readonly {
			return fmt.Errorf("access mode %s requires readonly=true", mode.GetMode())
		}
	}
	return nil
}
