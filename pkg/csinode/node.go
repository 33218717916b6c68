// Package csinode implements the CSI Node service: the idempotent
// stage/publish/unpublish/unstage pipeline, built around a generic
// device-URI-and-bdev-registry model rather than one tied to a single
// transport.
package csinode

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/container-storage-interface/spec/lib/go/csi"
	"golang.org/x/sys/unix"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"k8s.io/klog/v2"

	"git.srvlab.io/nexus/nexus-storage-node/pkg/bdev"
	"git.srvlab.io/nexus/nexus-storage-node/pkg/circuitbreaker"
	"git.srvlab.io/nexus/nexus-storage-node/pkg/mount"
	"git.srvlab.io/nexus/nexus-storage-node/pkg/observability"
	"git.srvlab.io/nexus/nexus-storage-node/pkg/security"
	"git.srvlab.io/nexus/nexus-storage-node/pkg/uri"
)

const (
	// fsMntSubdir is the sole discriminator between a filesystem-staged
	// volume and a block one: filesystem volumes are mounted here, block
	// volumes leave the staging directory empty.
	fsMntSubdir = "fs_mnt"

	defaultFSType = "ext4"

	publishContextURIKey = "uri"
)

// NodeServer implements the CSI Node service against a bdev registry
// rather than a fixed NVMe connector, so any backend scheme pkg/uri
// understands can be staged.
type NodeServer struct {
	csi.UnimplementedNodeServer

	registry       *bdev.Registry
	mounter        mount.Mounter
	nodeName       string
	circuitBreaker *circuitbreaker.VolumeCircuitBreaker
	audit          *security.Logger

	metricsMu sync.RWMutex
	metrics   *observability.Metrics
}

// NewNodeServer constructs a NodeServer. mounter may be nil to use the
// default OS mounter.
func NewNodeServer(registry *bdev.Registry, mounter mount.Mounter, nodeName string) *NodeServer {
	if mounter == nil {
		mounter = mount.NewMounter()
	}
	return &NodeServer{
		registry:       registry,
		mounter:        mounter,
		nodeName:       nodeName,
		circuitBreaker: circuitbreaker.NewVolumeCircuitBreaker(),
		audit:          security.GetLogger(),
	}
}

// outcomeFor maps an operation error to the EventOutcome the audit log
// records it under.
func outcomeFor(err error) security.EventOutcome {
	if err != nil {
		return security.OutcomeFailure
	}
	return security.OutcomeSuccess
}

// SetMetrics wires a Metrics instance into the server. nil disables
// recording.
func (ns *NodeServer) SetMetrics(m *observability.Metrics) {
	ns.metricsMu.Lock()
	defer ns.metricsMu.Unlock()
	ns.metrics = m
}

func (ns *NodeServer) metricsSnapshot() *observability.Metrics {
	ns.metricsMu.RLock()
	defer ns.metricsMu.RUnlock()
	return ns.metrics
}

// recordVolumeOp records a volume operation's outcome if a Metrics instance
// has been wired in; used via defer with named return errors.
func (ns *NodeServer) recordVolumeOp(operation string, start time.Time, err *error) {
	if m := ns.metricsSnapshot(); m != nil {
		m.RecordVolumeOp(operation, *err, time.Since(start))
	}
}

func stagingMountPath(stagingTargetPath string) string {
	return filepath.Join(stagingTargetPath, fsMntSubdir)
}

func deviceURIFromContext(publishContext map[string]string) (*uri.DeviceURI, error) {
	raw, ok := publishContext[publishContextURIKey]
	if !ok || raw == "" {
		return nil, fmt.Errorf("publish_context missing %q", publishContextURIKey)
	}
	return uri.Parse(raw)
}

// bdevSidecarName is where NodeStageVolume records the bdev name it
// attached, since NodeUnstageVolumeRequest carries no publish_context to
// re-derive it from (CSI spec only guarantees volume_id and staging path
// on unstage).
const bdevSidecarName = ".nexus-bdev"

func writeBdevSidecar(stagingPath, bdevName string) error {
	return os.WriteFile(filepath.Join(stagingPath, bdevSidecarName), []byte(bdevName), 0640)
}

func readBdevSidecar(stagingPath string) (string, error) {
	raw, err := os.ReadFile(filepath.Join(stagingPath, bdevSidecarName))
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// stageMetaSidecarName records the fstype and read/write mode NodeStageVolume
// formatted and mounted the staging volume with, since NodePublishVolume must
// reject a publish whose capability disagrees with what was staged and CSI
// carries no staging capability forward on its own.
const stageMetaSidecarName = ".nexus-stage-meta"

func writeStageMetaSidecar(stagingPath, fsType string, readonly bool) error {
	line := fmt.Sprintf("%s\n%t\n", fsType, readonly)
	return os.WriteFile(filepath.Join(stagingPath, stageMetaSidecarName), []byte(line), 0640)
}

// readStageMetaSidecar returns the fstype and readonly mode recorded at
// stage time. ok is false if no sidecar was recorded (e.g. a block volume,
// or a staging path from before this sidecar existed), in which case the
// caller cannot enforce a mismatch.
func readStageMetaSidecar(stagingPath string) (fsType string, readonly bool, ok bool) {
	raw, err := os.ReadFile(filepath.Join(stagingPath, stageMetaSidecarName))
	if err != nil {
		return "", false, false
	}
	lines := strings.SplitN(string(raw), "\n", 3)
	if len(lines) < 2 {
		return "", false, false
	}
	return lines[0], lines[1] == "true", true
}

// NodeStageVolume attaches the backend device (if not already present) and,
// for filesystem volumes, formats and mounts it at <staging>/fs_mnt.
func (ns *NodeServer) NodeStageVolume(ctx context.Context, req *csi.NodeStageVolumeRequest) (resp *csi.NodeStageVolumeResponse, err error) {
	start := time.Now()
	defer ns.recordVolumeOp("stage", start, &err)

	volumeID := req.GetVolumeId()
	stagingPath := req.GetStagingTargetPath()
	var nqn, targetIP string
	defer func() {
		ns.audit.LogVolumeStage(volumeID, ns.nodeName, nqn, targetIP, outcomeFor(err), err, time.Since(start))
	}()

	klog.V(2).Infof("NodeStageVolume: volume %s, staging %s", volumeID, stagingPath)

	if volumeID == "" {
		return nil, status.Error(codes.InvalidArgument, "volume ID is required")
	}
	if stagingPath == "" {
		return nil, status.Error(codes.InvalidArgument, "staging target path is required")
	}
	cap := req.GetVolumeCapability()
	if cap == nil {
		return nil, status.Error(codes.InvalidArgument, "volume capability is required")
	}
	if err := validateAccessMode(cap.GetAccessMode(), req.GetReadonly()); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	u, err := deviceURIFromContext(req.GetPublishContext())
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "%v", err)
	}
	nqn, targetIP = u.Name(), u.Host

	devicePath, err := ns.attachAndWait(ctx, u)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to attach device %s: %v", u.Name(), err)
	}

	if err := os.MkdirAll(stagingPath, 0750); err != nil {
		return nil, status.Errorf(codes.Internal, "failed to create staging path: %v", err)
	}
	if err := writeBdevSidecar(stagingPath, u.Name()); err != nil {
		klog.Warningf("NodeStageVolume: failed to record bdev name for %s, unstage will skip detach: %v", volumeID, err)
	}

	isBlock := cap.GetBlock() != nil
	if isBlock {
		klog.V(2).Infof("NodeStageVolume: block volume %s ready at %s, no staging mount", volumeID, devicePath)
		return &csi.NodeStageVolumeResponse{}, nil
	}

	mountPath := stagingMountPath(stagingPath)

	mounted, err := ns.mounter.IsLikelyMountPoint(mountPath)
	if err == nil && mounted {
		mountedDev, devErr := mount.GetMountDevice(mountPath)
		if devErr == nil && mountedDev == devicePath {
			klog.V(4).Infof("NodeStageVolume: %s already staged at %s, idempotent no-op", volumeID, mountPath)
			return &csi.NodeStageVolumeResponse{}, nil
		}
		return nil, status.Errorf(codes.AlreadyExists, "staging path %s already mounted from a different device", mountPath)
	}

	fsType := defaultFSType
	var mountFlags []string
	if mnt := cap.GetMount(); mnt != nil {
		if mnt.FsType != "" {
			fsType = mnt.FsType
		}
		mountFlags = mnt.MountFlags
	}

	if err := os.MkdirAll(mountPath, 0750); err != nil {
		return nil, status.Errorf(codes.Internal, "failed to create staging mount dir: %v", err)
	}
	if err := writeStageMetaSidecar(stagingPath, fsType, req.GetReadonly()); err != nil {
		klog.Warningf("NodeStageVolume: failed to record stage metadata for %s, publish mismatch checks will be skipped: %v", volumeID, err)
	}

	err = ns.circuitBreaker.Execute(ctx, volumeID, func() error {
		if err := ns.mounter.Format(devicePath, fsType); err != nil {
			return fmt.Errorf("format %s: %w", devicePath, err)
		}
		if err := ns.mounter.Mount(devicePath, mountPath, fsType, mountFlags); err != nil {
			return fmt.Errorf("mount %s at %s: %w", devicePath, mountPath, err)
		}
		return nil
	})
	if err != nil {
		_ = ns.registry.Detach(ctx, u.Name())
		return nil, status.Errorf(codes.Internal, "failed to stage volume: %v", err)
	}

	klog.V(2).Infof("NodeStageVolume: staged %s at %s", volumeID, mountPath)
	return &csi.NodeStageVolumeResponse{}, nil
}

// attachAndWait attaches the device (if not already registered) and waits
// for it to be discoverable under the bdev registry's name for u.
func (ns *NodeServer) attachAndWait(ctx context.Context, u *uri.DeviceURI) (string, error) {
	name := u.Name()

	if existing, err := ns.registry.Find(ctx, name); err == nil && existing != "" {
		return existing, nil
	}

	if _, err := ns.registry.Create(ctx, u); err != nil {
		return "", fmt.Errorf("create bdev %s: %w", name, err)
	}
	if err := ns.registry.Attach(ctx, u); err != nil {
		return "", fmt.Errorf("attach %s: %w", name, err)
	}

	return bdev.WaitForDevice(ctx, func(ctx context.Context) (string, error) {
		return ns.registry.Find(ctx, name)
	}, bdev.DefaultWaitInterval, bdev.DefaultWaitRetries)
}

// NodeUnstageVolume unmounts the staging mount (if any) and detaches the
// backend device. A device that cannot be discovered (e.g. nbd) still
// succeeds by unmounting only.
func (ns *NodeServer) NodeUnstageVolume(ctx context.Context, req *csi.NodeUnstageVolumeRequest) (resp *csi.NodeUnstageVolumeResponse, err error) {
	start := time.Now()
	defer ns.recordVolumeOp("unstage", start, &err)

	volumeID := req.GetVolumeId()
	stagingPath := req.GetStagingTargetPath()
	var nqn string
	defer func() {
		ns.audit.LogVolumeUnstage(volumeID, ns.nodeName, nqn, outcomeFor(err), err, time.Since(start))
	}()

	klog.V(2).Infof("NodeUnstageVolume: volume %s, staging %s", volumeID, stagingPath)

	if volumeID == "" {
		return nil, status.Error(codes.InvalidArgument, "volume ID is required")
	}
	if stagingPath == "" {
		return nil, status.Error(codes.InvalidArgument, "staging target path is required")
	}

	mountPath := stagingMountPath(stagingPath)
	isBlock := true

	if mounted, err := ns.mounter.IsLikelyMountPoint(mountPath); err == nil && mounted {
		isBlock = false
		if err := ns.mounter.Unmount(mountPath); err != nil {
			return nil, status.Errorf(codes.Internal, "failed to unmount %s: %v", mountPath, err)
		}
		klog.V(2).Infof("NodeUnstageVolume: unmounted %s", mountPath)
	}

	bdevName, err := readBdevSidecar(stagingPath)
	if err == nil && bdevName != "" {
		nqn = bdevName
		if detachErr := ns.registry.Detach(ctx, bdevName); detachErr != nil {
			klog.Warningf("NodeUnstageVolume: detach %s failed (proceeding, device may already be gone): %v", bdevName, detachErr)
		}
		if destroyErr := ns.registry.Destroy(ctx, bdevName); destroyErr != nil {
			klog.V(4).Infof("NodeUnstageVolume: destroy bdev %s: %v", bdevName, destroyErr)
		}
	} else if !isBlock {
		klog.V(4).Infof("NodeUnstageVolume: no bdev name recorded for %s, unmount-only cleanup", volumeID)
	}

	return &csi.NodeUnstageVolumeResponse{}, nil
}

// NodePublishVolume bind-mounts the staged filesystem (mount volumes) or
// creates a block special file for the staged device with mknod (block
// volumes) at the workload's target path. Block publish does not
// bind-mount the device onto that file.
func (ns *NodeServer) NodePublishVolume(ctx context.Context, req *csi.NodePublishVolumeRequest) (resp *csi.NodePublishVolumeResponse, err error) {
	start := time.Now()
	defer ns.recordVolumeOp("publish", start, &err)

	volumeID := req.GetVolumeId()
	stagingPath := req.GetStagingTargetPath()
	targetPath := req.GetTargetPath()
	defer func() {
		ns.audit.LogVolumePublish(volumeID, ns.nodeName, targetPath, outcomeFor(err), err, time.Since(start))
	}()

	klog.V(2).Infof("NodePublishVolume: volume %s, target %s", volumeID, targetPath)

	if volumeID == "" {
		return nil, status.Error(codes.InvalidArgument, "volume ID is required")
	}
	if targetPath == "" {
		return nil, status.Error(codes.InvalidArgument, "target path is required")
	}
	cap := req.GetVolumeCapability()
	if cap == nil {
		return nil, status.Error(codes.InvalidArgument, "volume capability is required")
	}

	if cap.GetBlock() != nil {
		return ns.publishBlock(ctx, req)
	}
	return ns.publishMount(ctx, req, stagingPath, targetPath)
}

func (ns *NodeServer) publishBlock(ctx context.Context, req *csi.NodePublishVolumeRequest) (*csi.NodePublishVolumeResponse, error) {
	u, err := deviceURIFromContext(req.GetPublishContext())
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "%v", err)
	}
	targetPath := req.GetTargetPath()

	devicePath, err := ns.registry.Find(ctx, u.Name())
	if err != nil || devicePath == "" {
		return nil, status.Errorf(codes.FailedPrecondition, "device %s not staged: %v", u.Name(), err)
	}

	if _, err := os.Stat(targetPath); err == nil {
		klog.V(4).Infof("NodePublishVolume: block device node %s already exists, idempotent", targetPath)
		return &csi.NodePublishVolumeResponse{}, nil
	}

	var stat syscall.Stat_t
	if err := syscall.Stat(devicePath, &stat); err != nil {
		return nil, status.Errorf(codes.Internal, "failed to stat device %s: %v", devicePath, err)
	}

	if err := os.MkdirAll(filepath.Dir(targetPath), 0750); err != nil {
		return nil, status.Errorf(codes.Internal, "failed to create parent directory: %v", err)
	}

	mode := uint32(syscall.S_IFBLK | 0660)
	if req.GetReadonly() {
		mode = uint32(syscall.S_IFBLK | 0440)
	}
	if err := syscall.Mknod(targetPath, mode, int(stat.Rdev)); err != nil {
		return nil, status.Errorf(codes.Internal, "failed to create device node: %v", err)
	}
	klog.V(2).Infof("NodePublishVolume: created block device node %s (major:minor %d:%d)",
		targetPath, unix.Major(uint64(stat.Rdev)), unix.Minor(uint64(stat.Rdev)))

	return &csi.NodePublishVolumeResponse{}, nil
}

func (ns *NodeServer) publishMount(ctx context.Context, req *csi.NodePublishVolumeRequest, stagingPath, targetPath string) (*csi.NodePublishVolumeResponse, error) {
	if stagingPath == "" {
		return nil, status.Error(codes.InvalidArgument, "staging target path is required")
	}
	mountPath := stagingMountPath(stagingPath)

	mounted, err := ns.mounter.IsLikelyMountPoint(mountPath)
	if err != nil || !mounted {
		return nil, status.Errorf(codes.InvalidArgument, "staging mount %s is absent", mountPath)
	}

	if stagedFSType, stagedReadonly, ok := readStageMetaSidecar(stagingPath); ok {
		requestedFSType := defaultFSType
		if mnt := req.GetVolumeCapability().GetMount(); mnt != nil && mnt.FsType != "" {
			requestedFSType = mnt.FsType
		}
		if requestedFSType != stagedFSType {
			return nil, status.Errorf(codes.InvalidArgument, "volume was staged with fstype %q, publish requested %q", stagedFSType, requestedFSType)
		}
		if stagedReadonly && !req.GetReadonly() {
			return nil, status.Error(codes.InvalidArgument, "volume was staged read-only, publish requested read-write")
		}
	}

	targetMounted, err := ns.mounter.IsLikelyMountPoint(targetPath)
	if err == nil && targetMounted {
		mountedSrc, srcErr := mount.GetMountDevice(targetPath)
		stagingSrc, _ := mount.GetMountDevice(mountPath)
		if srcErr == nil && mountedSrc == stagingSrc {
			klog.V(4).Infof("NodePublishVolume: %s already bind-mounted from %s, idempotent", targetPath, mountPath)
			return &csi.NodePublishVolumeResponse{}, nil
		}
		return nil, status.Errorf(codes.AlreadyExists, "target %s already mounted from a different source", targetPath)
	}

	if err := os.MkdirAll(targetPath, 0750); err != nil {
		return nil, status.Errorf(codes.Internal, "failed to create target directory: %v", err)
	}

	mountOptions := []string{"bind"}
	if mnt := req.GetVolumeCapability().GetMount(); mnt != nil {
		mountOptions = append(mountOptions, mnt.MountFlags...)
	}

	if err := ns.mounter.Mount(mountPath, targetPath, "", mountOptions); err != nil {
		return nil, status.Errorf(codes.Internal, "failed to bind mount: %v", err)
	}

	if req.GetReadonly() {
		if err := ns.mounter.Mount(mountPath, targetPath, "", []string{"bind", "remount", "ro"}); err != nil {
			_ = ns.mounter.Unmount(targetPath)
			return nil, status.Errorf(codes.Internal, "failed to remount read-only: %v", err)
		}
	}

	klog.V(2).Infof("NodePublishVolume: bind-mounted %s -> %s", mountPath, targetPath)
	return &csi.NodePublishVolumeResponse{}, nil
}

// NodeUnpublishVolume removes the target by file type: absent is a no-op,
// a directory is unmounted+rmdir'd, a block special file is
// unmounted+unlinked, and a regular file is an error.
func (ns *NodeServer) NodeUnpublishVolume(ctx context.Context, req *csi.NodeUnpublishVolumeRequest) (resp *csi.NodeUnpublishVolumeResponse, err error) {
	start := time.Now()
	defer ns.recordVolumeOp("unpublish", start, &err)

	volumeID := req.GetVolumeId()
	targetPath := req.GetTargetPath()
	defer func() {
		ns.audit.LogVolumeUnpublish(volumeID, ns.nodeName, targetPath, outcomeFor(err), err, time.Since(start))
	}()

	klog.V(2).Infof("NodeUnpublishVolume: volume %s, target %s", volumeID, targetPath)

	if volumeID == "" {
		return nil, status.Error(codes.InvalidArgument, "volume ID is required")
	}
	if targetPath == "" {
		return nil, status.Error(codes.InvalidArgument, "target path is required")
	}

	var stat syscall.Stat_t
	if err := syscall.Stat(targetPath, &stat); err != nil {
		if os.IsNotExist(err) {
			return &csi.NodeUnpublishVolumeResponse{}, nil
		}
		return nil, status.Errorf(codes.Internal, "failed to stat target path: %v", err)
	}

	switch stat.Mode & syscall.S_IFMT {
	case syscall.S_IFBLK:
		if mounted, err := ns.mounter.IsLikelyMountPoint(targetPath); err == nil && mounted {
			if err := ns.mounter.Unmount(targetPath); err != nil {
				return nil, status.Errorf(codes.Internal, "failed to unmount block target: %v", err)
			}
		}
		if err := os.Remove(targetPath); err != nil && !os.IsNotExist(err) {
			return nil, status.Errorf(codes.Internal, "failed to remove block device node: %v", err)
		}
	case syscall.S_IFDIR:
		if mounted, err := ns.mounter.IsLikelyMountPoint(targetPath); err == nil && mounted {
			if err := ns.mounter.Unmount(targetPath); err != nil {
				return nil, status.Errorf(codes.Internal, "failed to unmount target path: %v", err)
			}
		}
		if err := os.RemoveAll(targetPath); err != nil {
			klog.Warningf("NodeUnpublishVolume: failed to remove %s: %v", targetPath, err)
		}
	default:
		return nil, status.Errorf(codes.Unknown, "target path %s is neither a directory nor a block device node", targetPath)
	}

	klog.V(2).Infof("NodeUnpublishVolume: unpublished %s", volumeID)
	return &csi.NodeUnpublishVolumeResponse{}, nil
}

// NodeGetVolumeStats is not advertised; this system's staging capability is
// StageUnstageVolume only.
func (ns *NodeServer) NodeGetVolumeStats(ctx context.Context, req *csi.NodeGetVolumeStatsRequest) (*csi.NodeGetVolumeStatsResponse, error) {
	return nil, status.Error(codes.Unimplemented, "NodeGetVolumeStats is not supported")
}

// NodeExpandVolume is not advertised; see NodeGetVolumeStats.
func (ns *NodeServer) NodeExpandVolume(ctx context.Context, req *csi.NodeExpandVolumeRequest) (*csi.NodeExpandVolumeResponse, error) {
	return nil, status.Error(codes.Unimplemented, "NodeExpandVolume is not supported")
}

// NodeGetCapabilities returns StageUnstageVolume only.
func (ns *NodeServer) NodeGetCapabilities(ctx context.Context, req *csi.NodeGetCapabilitiesRequest) (*csi.NodeGetCapabilitiesResponse, error) {
	return &csi.NodeGetCapabilitiesResponse{Capabilities: nodeCapabilities}, nil
}

// NodeGetInfo returns this node's identity in the "mayastor://<node_name>"
// format, and max_volumes_per_node derived from a glob of /dev/nbd*.
func (ns *NodeServer) NodeGetInfo(ctx context.Context, req *csi.NodeGetInfoRequest) (*csi.NodeGetInfoResponse, error) {
	return &csi.NodeGetInfoResponse{
		NodeId:            fmt.Sprintf("mayastor://%s", ns.nodeName),
		MaxVolumesPerNode: maxVolumesPerNode(nil),
	}, nil
}
