package csinode

import (
	"path/filepath"

	"github.com/container-storage-interface/spec/lib/go/csi"
)

// nodeCapabilities is the full set this node advertises: StageUnstageVolume
// only.
var nodeCapabilities = []*csi.NodeServiceCapability{
	{
		Type: &csi.NodeServiceCapability_Rpc{
			Rpc: &csi.NodeServiceCapability_RPC{
				Type: csi.NodeServiceCapability_RPC_STAGE_UNSTAGE_VOLUME,
			},
		},
	},
}

// nbdDeviceGlob is the OS-level cap on NBD devices; max_volumes_per_node is
// derived by counting how many currently exist.
const nbdDeviceGlob = "/dev/nbd*"

// maxVolumesPerNode counts /dev/nbd* nodes. glob is a seam for testing.
func maxVolumesPerNode(glob func(pattern string) ([]string, error)) int64 {
	if glob == nil {
		glob = filepath.Glob
	}
	matches, err := glob(nbdDeviceGlob)
	if err != nil {
		return 0
	}
	return int64(len(matches))
}
