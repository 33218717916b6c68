package mgmt

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"git.srvlab.io/nexus/nexus-storage-node/pkg/bdev"
	"git.srvlab.io/nexus/nexus-storage-node/pkg/nexus"
	"git.srvlab.io/nexus/nexus-storage-node/pkg/uri"
)

// fakeBackend is a minimal in-memory bdev.Backend, mirroring the node
// plugin's own test double.
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

func testFacade(t *testing.T, devicePath string) *Facade {
	t.Helper()
	r := bdev.NewRegistry()
	r.RegisterBackend(uri.SchemeAio, &fakeBackend{devicePath: devicePath})
	return NewFacade(r, nexus.DefaultFaultPolicy(), 8, time.Minute, "node0")
}

func backingFile(t *testing.T, size int64) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "child-*.img")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	if err := f.Truncate(size); err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	f.Close()
	return f.Name()
}

func TestCreateNexusAddsChildren(t *testing.T) {
	path := backingFile(t, 10*1024*1024)
	f := testFacade(t, path)

	info, err := f.CreateNexus(context.Background(), "nexus0", 512, 20480, []string{"aio://" + path})
	if err != nil {
		t.Fatalf("CreateNexus: %v", err)
	}
	if info.Name != "nexus0" {
		t.Errorf("Name = %s, want nexus0", info.Name)
	}
	if len(info.Children) != 1 {
		t.Fatalf("expected 1 child, got %d", len(info.Children))
	}
}

func TestCreateNexusIsIdempotent(t *testing.T) {
	path := backingFile(t, 10*1024*1024)
	f := testFacade(t, path)
	ctx := context.Background()

	if _, err := f.CreateNexus(ctx, "nexus0", 512, 20480, []string{"aio://" + path}); err != nil {
		t.Fatalf("CreateNexus: %v", err)
	}
	info, err := f.CreateNexus(ctx, "nexus0", 512, 20480, []string{"aio://" + path})
	if err != nil {
		t.Fatalf("CreateNexus (second call): %v", err)
	}
	if len(info.Children) != 1 {
		t.Fatalf("expected 1 child after idempotent re-create, got %d", len(info.Children))
	}
}

func TestGetNexusNotFound(t *testing.T) {
	f := testFacade(t, "/dev/null")
	if _, err := f.GetNexus("missing"); err == nil {
		t.Error("expected error for missing nexus")
	}
}

func TestListNexus(t *testing.T) {
	path := backingFile(t, 10*1024*1024)
	f := testFacade(t, path)
	if _, err := f.CreateNexus(context.Background(), "nexus0", 512, 20480, []string{"aio://" + path}); err != nil {
		t.Fatalf("CreateNexus: %v", err)
	}
	list := f.ListNexus()
	if len(list) != 1 {
		t.Fatalf("expected 1 nexus, got %d", len(list))
	}
}

func TestDestroyNexusRemovesEntry(t *testing.T) {
	path := backingFile(t, 10*1024*1024)
	f := testFacade(t, path)
	ctx := context.Background()
	if _, err := f.CreateNexus(ctx, "nexus0", 512, 20480, []string{"aio://" + path}); err != nil {
		t.Fatalf("CreateNexus: %v", err)
	}
	if err := f.DestroyNexus(ctx, "nexus0"); err != nil {
		t.Fatalf("DestroyNexus: %v", err)
	}
	if _, err := f.GetNexus("nexus0"); err == nil {
		t.Error("expected nexus0 to be gone after destroy")
	}
}

func TestDestroyNexusNotFound(t *testing.T) {
	f := testFacade(t, "/dev/null")
	if err := f.DestroyNexus(context.Background(), "missing"); err == nil {
		t.Error("expected error destroying missing nexus")
	}
}

func TestPublishAndUnpublishNexus(t *testing.T) {
	path := backingFile(t, 10*1024*1024)
	f := testFacade(t, path)
	ctx := context.Background()
	if _, err := f.CreateNexus(ctx, "nexus0", 512, 20480, []string{"aio://" + path}); err != nil {
		t.Fatalf("CreateNexus: %v", err)
	}

	uri, err := f.PublishNexus("nexus0", "nvmf")
	if err != nil {
		t.Fatalf("PublishNexus: %v", err)
	}
	if uri == "" {
		t.Error("expected non-empty published uri")
	}

	info, err := f.GetNexus("nexus0")
	if err != nil {
		t.Fatalf("GetNexus: %v", err)
	}
	if info.PublishedURI != uri {
		t.Errorf("PublishedURI = %s, want %s", info.PublishedURI, uri)
	}

	if err := f.UnpublishNexus("nexus0"); err != nil {
		t.Fatalf("UnpublishNexus: %v", err)
	}
	info, _ = f.GetNexus("nexus0")
	if info.PublishedURI != "" {
		t.Errorf("expected empty PublishedURI after unpublish, got %s", info.PublishedURI)
	}
}

func TestPublishNexusUnsupportedProtocol(t *testing.T) {
	path := backingFile(t, 10*1024*1024)
	f := testFacade(t, path)
	ctx := context.Background()
	if _, err := f.CreateNexus(ctx, "nexus0", 512, 20480, []string{"aio://" + path}); err != nil {
		t.Fatalf("CreateNexus: %v", err)
	}
	if _, err := f.PublishNexus("nexus0", "ftp"); err == nil {
		t.Error("expected error for unsupported protocol")
	}
}

func TestOfflineOnlineChild(t *testing.T) {
	path := backingFile(t, 10*1024*1024)
	f := testFacade(t, path)
	ctx := context.Background()
	info, err := f.CreateNexus(ctx, "nexus0", 512, 20480, []string{"aio://" + path})
	if err != nil {
		t.Fatalf("CreateNexus: %v", err)
	}
	bdevName := info.Children[0]

	if err := f.OfflineChild("nexus0", bdevName); err != nil {
		t.Fatalf("OfflineChild: %v", err)
	}
	if err := f.OnlineChild(ctx, "nexus0", bdevName); err != nil {
		t.Fatalf("OnlineChild: %v", err)
	}
}

func TestOfflineChildNoSuchNexus(t *testing.T) {
	f := testFacade(t, "/dev/null")
	if err := f.OfflineChild("missing", "child0"); err == nil {
		t.Error("expected error for missing nexus")
	}
}

func TestRebuildLifecycle(t *testing.T) {
	path := backingFile(t, 10*1024*1024)
	f := testFacade(t, path)
	ctx := context.Background()
	info, err := f.CreateNexus(ctx, "nexus0", 512, 20480, []string{"aio://" + path})
	if err != nil {
		t.Fatalf("CreateNexus: %v", err)
	}
	bdevName := info.Children[0]

	copyFn := func(ctx context.Context, blockOffset uint64, blocks uint64) error { return nil }
	if err := f.StartRebuild(ctx, "nexus0", bdevName, 20480, copyFn); err != nil {
		t.Fatalf("StartRebuild: %v", err)
	}

	if err := f.PauseRebuild("nexus0", bdevName); err != nil {
		t.Fatalf("PauseRebuild: %v", err)
	}
	if err := f.ResumeRebuild("nexus0", bdevName); err != nil {
		t.Fatalf("ResumeRebuild: %v", err)
	}
	if _, err := f.RebuildState("nexus0", bdevName); err != nil {
		t.Fatalf("RebuildState: %v", err)
	}
	if _, _, err := f.RebuildProgress("nexus0", bdevName); err != nil {
		t.Fatalf("RebuildProgress: %v", err)
	}
	if err := f.StopRebuild("nexus0", bdevName); err != nil {
		t.Fatalf("StopRebuild: %v", err)
	}
}

func TestRebuildNotFound(t *testing.T) {
	path := backingFile(t, 10*1024*1024)
	f := testFacade(t, path)
	ctx := context.Background()
	if _, err := f.CreateNexus(ctx, "nexus0", 512, 20480, []string{"aio://" + path}); err != nil {
		t.Fatalf("CreateNexus: %v", err)
	}
	if err := f.StopRebuild("nexus0", "no-such-child"); err == nil {
		t.Error("expected error stopping nonexistent rebuild")
	}
}

func TestCreatePoolAndReplicaOutOfScope(t *testing.T) {
	f := testFacade(t, "/dev/null")
	if err := f.CreatePool(context.Background(), "pool0", nil); !errors.Is(err, ErrOutOfScope) {
		t.Errorf("CreatePool err = %v, want ErrOutOfScope", err)
	}
	if err := f.CreateReplica(context.Background(), "pool0", "replica0", 1024); !errors.Is(err, ErrOutOfScope) {
		t.Errorf("CreateReplica err = %v, want ErrOutOfScope", err)
	}
}

func TestDeviceSizeBlocksRegularFile(t *testing.T) {
	path := backingFile(t, 4096)
	blocks, err := deviceSizeBlocks(path, 512)
	if err != nil {
		t.Fatalf("deviceSizeBlocks: %v", err)
	}
	if blocks != 8 {
		t.Errorf("blocks = %d, want 8", blocks)
	}
}
