package csinode

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/container-storage-interface/spec/lib/go/csi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"git.srvlab.io/nexus/nexus-storage-node/pkg/bdev"
	"git.srvlab.io/nexus/nexus-storage-node/pkg/mount"
	"git.srvlab.io/nexus/nexus-storage-node/pkg/uri"
)

// fakeBackend is a minimal in-memory bdev.Backend for node-plugin tests.
type fakeBackend struct {
	devicePath string
	attachErr  error
}

func (b *fakeBackend) Create(ctx context.Context, u *uri.DeviceURI) (*bdev.Descriptor, error) {
	return &bdev.Descriptor{Name: u.Name(), URI: u, Scheme: u.Scheme}, nil
}
func (b *fakeBackend) Destroy(ctx context.Context, name string) error { return nil }
func (b *fakeBackend) Find(ctx context.Context, name string) (string, error) {
	return b.devicePath, nil
}
func (b *fakeBackend) Attach(ctx context.Context, u *uri.DeviceURI) error { return b.attachErr }
func (b *fakeBackend) Detach(ctx context.Context, name string) error     { return nil }

// mockMounter implements mount.Mounter for testing, mirroring the
// teacher's own node-plugin test double.
type mockMounter struct {
	formatCalled    bool
	mountCalled     bool
	unmountCalled   bool
	mountErr        error
	unmountErr      error
	formatErr       error
	isLikelyMounted bool
	isLikelyErr     error
}

func (m *mockMounter) Mount(source, target, fsType string, options []string) error {
	m.mountCalled = true
	return m.mountErr
}
func (m *mockMounter) Unmount(target string) error {
	m.unmountCalled = true
	return m.unmountErr
}
func (m *mockMounter) IsLikelyMountPoint(path string) (bool, error) {
	return m.isLikelyMounted, m.isLikelyErr
}
func (m *mockMounter) Format(device, fsType string) error {
	m.formatCalled = true
	return m.formatErr
}
func (m *mockMounter) IsFormatted(device string) (bool, error) { return true, nil }
func (m *mockMounter) ResizeFilesystem(device, volumePath string) error { return nil }
func (m *mockMounter) GetDeviceStats(path string) (*mount.DeviceStats, error) {
	return &mount.DeviceStats{}, nil
}
func (m *mockMounter) ForceUnmount(target string, timeout time.Duration) error { return m.unmountErr }
func (m *mockMounter) IsMountInUse(path string) (bool, []int, error)           { return false, nil, nil }
func (m *mockMounter) MakeFile(pathname string) error                         { return nil }

func testRegistry(t *testing.T, devicePath string) *bdev.Registry {
	t.Helper()
	r := bdev.NewRegistry()
	r.RegisterBackend(uri.SchemeAio, &fakeBackend{devicePath: devicePath})
	return r
}

func TestNodeStageVolumeRequiresVolumeID(t *testing.T) {
	ns := NewNodeServer(testRegistry(t, "/dev/nexus0"), &mockMounter{}, "node0")
	_, err := ns.NodeStageVolume(context.Background(), &csi.NodeStageVolumeRequest{})
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("code = %v, want InvalidArgument", status.Code(err))
	}
}

func TestNodeStageVolumeBlockSuccess(t *testing.T) {
	ns := NewNodeServer(testRegistry(t, "/dev/null"), &mockMounter{}, "node0")
	req := &csi.NodeStageVolumeRequest{
		VolumeId:          "vol-0",
		StagingTargetPath: t.TempDir(),
		VolumeCapability: &csi.VolumeCapability{
			AccessType: &csi.VolumeCapability_Block{Block: &csi.VolumeCapability_Block{}},
		},
		PublishContext: map[string]string{"uri": "aio:///tmp/nexus0?blk_size=512"},
	}
	if _, err := ns.NodeStageVolume(context.Background(), req); err != nil {
		t.Fatalf("NodeStageVolume: %v", err)
	}
}

func TestNodeStageVolumeMountFormatsAndMounts(t *testing.T) {
	m := &mockMounter{}
	ns := NewNodeServer(testRegistry(t, "/dev/null"), m, "node0")
	req := &csi.NodeStageVolumeRequest{
		VolumeId:          "vol-0",
		StagingTargetPath: t.TempDir(),
		VolumeCapability: &csi.VolumeCapability{
			AccessType: &csi.VolumeCapability_Mount{Mount: &csi.VolumeCapability_MountVolume{FsType: "xfs"}},
		},
		PublishContext: map[string]string{"uri": "aio:///tmp/nexus0?blk_size=512"},
	}
	if _, err := ns.NodeStageVolume(context.Background(), req); err != nil {
		t.Fatalf("NodeStageVolume: %v", err)
	}
	if !m.formatCalled || !m.mountCalled {
		t.Fatalf("expected format and mount to be called, got format=%v mount=%v", m.formatCalled, m.mountCalled)
	}
}

func TestNodeStageVolumeMissingURI(t *testing.T) {
	ns := NewNodeServer(testRegistry(t, "/dev/nexus0"), &mockMounter{}, "node0")
	req := &csi.NodeStageVolumeRequest{
		VolumeId:          "vol-0",
		StagingTargetPath: t.TempDir(),
		VolumeCapability: &csi.VolumeCapability{
			AccessType: &csi.VolumeCapability_Block{Block: &csi.VolumeCapability_Block{}},
		},
	}
	_, err := ns.NodeStageVolume(context.Background(), req)
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("code = %v, want InvalidArgument", status.Code(err))
	}
}

func TestNodeUnstageVolumeUnmountsWhenMounted(t *testing.T) {
	m := &mockMounter{isLikelyMounted: true}
	ns := NewNodeServer(testRegistry(t, "/dev/nexus0"), m, "node0")
	staging := t.TempDir()
	req := &csi.NodeUnstageVolumeRequest{VolumeId: "vol-0", StagingTargetPath: staging}
	if _, err := ns.NodeUnstageVolume(context.Background(), req); err != nil {
		t.Fatalf("NodeUnstageVolume: %v", err)
	}
	if !m.unmountCalled {
		t.Fatal("expected Unmount to be called")
	}
}

func TestNodeUnstageVolumeNotMountedIsBlockNoOp(t *testing.T) {
	ns := NewNodeServer(testRegistry(t, "/dev/nexus0"), &mockMounter{isLikelyMounted: false}, "node0")
	req := &csi.NodeUnstageVolumeRequest{VolumeId: "vol-0", StagingTargetPath: t.TempDir()}
	if _, err := ns.NodeUnstageVolume(context.Background(), req); err != nil {
		t.Fatalf("NodeUnstageVolume: %v", err)
	}
}

func TestNodePublishVolumeMountStagingAbsent(t *testing.T) {
	ns := NewNodeServer(testRegistry(t, "/dev/nexus0"), &mockMounter{isLikelyMounted: false}, "node0")
	req := &csi.NodePublishVolumeRequest{
		VolumeId:          "vol-0",
		StagingTargetPath: t.TempDir(),
		TargetPath:        filepath.Join(t.TempDir(), "target"),
		VolumeCapability: &csi.VolumeCapability{
			AccessType: &csi.VolumeCapability_Mount{Mount: &csi.VolumeCapability_MountVolume{}},
		},
	}
	_, err := ns.NodePublishVolume(context.Background(), req)
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("code = %v, want InvalidArgument", status.Code(err))
	}
}

func TestNodePublishVolumeMountFsTypeMismatch(t *testing.T) {
	m := &mockMounter{isLikelyMounted: true}
	ns := NewNodeServer(testRegistry(t, "/dev/nexus0"), m, "node0")
	staging := t.TempDir()
	if err := writeStageMetaSidecar(staging, "xfs", false); err != nil {
		t.Fatalf("writeStageMetaSidecar: %v", err)
	}
	req := &csi.NodePublishVolumeRequest{
		VolumeId:          "vol-0",
		StagingTargetPath: staging,
		TargetPath:        filepath.Join(t.TempDir(), "target"),
		VolumeCapability: &csi.VolumeCapability{
			AccessType: &csi.VolumeCapability_Mount{Mount: &csi.VolumeCapability_MountVolume{FsType: "ext4"}},
		},
	}
	_, err := ns.NodePublishVolume(context.Background(), req)
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("code = %v, want InvalidArgument", status.Code(err))
	}
}

func TestNodePublishVolumeMountReadonlyMismatch(t *testing.T) {
	m := &mockMounter{isLikelyMounted: true}
	ns := NewNodeServer(testRegistry(t, "/dev/nexus0"), m, "node0")
	staging := t.TempDir()
	if err := writeStageMetaSidecar(staging, defaultFSType, true); err != nil {
		t.Fatalf("writeStageMetaSidecar: %v", err)
	}
	req := &csi.NodePublishVolumeRequest{
		VolumeId:          "vol-0",
		StagingTargetPath: staging,
		TargetPath:        filepath.Join(t.TempDir(), "target"),
		Readonly:          false,
		VolumeCapability: &csi.VolumeCapability{
			AccessType: &csi.VolumeCapability_Mount{Mount: &csi.VolumeCapability_MountVolume{}},
		},
	}
	_, err := ns.NodePublishVolume(context.Background(), req)
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("code = %v, want InvalidArgument", status.Code(err))
	}
}

func TestNodePublishVolumeBlockDeviceNotStaged(t *testing.T) {
	ns := NewNodeServer(testRegistry(t, ""), &mockMounter{}, "node0")
	req := &csi.NodePublishVolumeRequest{
		VolumeId:   "vol-0",
		TargetPath: filepath.Join(t.TempDir(), "target"),
		VolumeCapability: &csi.VolumeCapability{
			AccessType: &csi.VolumeCapability_Block{Block: &csi.VolumeCapability_Block{}},
		},
		PublishContext: map[string]string{"uri": "aio:///tmp/nexus0?blk_size=512"},
	}
	_, err := ns.NodePublishVolume(context.Background(), req)
	if status.Code(err) != codes.FailedPrecondition {
		t.Fatalf("code = %v, want FailedPrecondition", status.Code(err))
	}
}

func TestNodeUnpublishVolumeTargetAbsentIsNoOp(t *testing.T) {
	ns := NewNodeServer(testRegistry(t, "/dev/nexus0"), &mockMounter{}, "node0")
	req := &csi.NodeUnpublishVolumeRequest{VolumeId: "vol-0", TargetPath: filepath.Join(t.TempDir(), "missing")}
	if _, err := ns.NodeUnpublishVolume(context.Background(), req); err != nil {
		t.Fatalf("NodeUnpublishVolume: %v", err)
	}
}

func TestNodeUnpublishVolumeDirectoryUnmountsAndRemoves(t *testing.T) {
	m := &mockMounter{isLikelyMounted: true}
	ns := NewNodeServer(testRegistry(t, "/dev/nexus0"), m, "node0")
	target := filepath.Join(t.TempDir(), "target")
	if err := os.MkdirAll(target, 0750); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	req := &csi.NodeUnpublishVolumeRequest{VolumeId: "vol-0", TargetPath: target}
	if _, err := ns.NodeUnpublishVolume(context.Background(), req); err != nil {
		t.Fatalf("NodeUnpublishVolume: %v", err)
	}
	if !m.unmountCalled {
		t.Fatal("expected Unmount to be called for mounted directory target")
	}
	if _, err := os.Stat(target); !os.IsNotExist(err) {
		t.Fatal("expected target directory to be removed")
	}
}

func TestNodeGetCapabilitiesAdvertisesStageUnstageOnly(t *testing.T) {
	ns := NewNodeServer(testRegistry(t, "/dev/nexus0"), &mockMounter{}, "node0")
	resp, err := ns.NodeGetCapabilities(context.Background(), &csi.NodeGetCapabilitiesRequest{})
	if err != nil {
		t.Fatalf("NodeGetCapabilities: %v", err)
	}
	if len(resp.Capabilities) != 1 {
		t.Fatalf("got %d capabilities, want 1", len(resp.Capabilities))
	}
	if resp.Capabilities[0].GetRpc().GetType() != csi.NodeServiceCapability_RPC_STAGE_UNSTAGE_VOLUME {
		t.Fatalf("capability = %v, want STAGE_UNSTAGE_VOLUME", resp.Capabilities[0].GetRpc().GetType())
	}
}

func TestNodeGetInfoFormatsNodeID(t *testing.T) {
	ns := NewNodeServer(testRegistry(t, "/dev/nexus0"), &mockMounter{}, "node-7")
	resp, err := ns.NodeGetInfo(context.Background(), &csi.NodeGetInfoRequest{})
	if err != nil {
		t.Fatalf("NodeGetInfo: %v", err)
	}
	if resp.NodeId != "mayastor://node-7" {
		t.Fatalf("NodeId = %q, want mayastor://node-7", resp.NodeId)
	}
}

func TestNodeGetVolumeStatsUnimplemented(t *testing.T) {
	ns := NewNodeServer(testRegistry(t, "/dev/nexus0"), &mockMounter{}, "node0")
	_, err := ns.NodeGetVolumeStats(context.Background(), &csi.NodeGetVolumeStatsRequest{})
	if status.Code(err) != codes.Unimplemented {
		t.Fatalf("code = %v, want Unimplemented", status.Code(err))
	}
}
