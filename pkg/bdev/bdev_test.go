package bdev

import (
	"context"
	"errors"
	"testing"
	"time"

	"git.srvlab.io/nexus/nexus-storage-node/pkg/uri"
	"git.srvlab.io/nexus/nexus-storage-node/pkg/utils"
)

type fakeBackend struct {
	createCalls int
	destroyed   []string
	findPath    string
}

func (f *fakeBackend) Create(_ context.Context, u *uri.DeviceURI) (*Descriptor, error) {
	f.createCalls++
	return &Descriptor{Name: u.Name(), URI: u, Scheme: u.Scheme}, nil
}

func (f *fakeBackend) Destroy(_ context.Context, name string) error {
	f.destroyed = append(f.destroyed, name)
	return nil
}

func (f *fakeBackend) Find(_ context.Context, _ string) (string, error) {
	return f.findPath, nil
}

func (f *fakeBackend) Attach(_ context.Context, _ *uri.DeviceURI) error { return nil }
func (f *fakeBackend) Detach(_ context.Context, _ string) error        { return nil }

func TestCreateIsIdempotent(t *testing.T) {
	fb := &fakeBackend{}
	r := NewRegistry()
	r.RegisterBackend(uri.SchemeLoopback, fb)

	u, err := uri.Parse("loopback:///vol-1")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	if _, err := r.Create(context.Background(), u); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if _, err := r.Create(context.Background(), u); err != nil {
		t.Fatalf("second create: %v", err)
	}

	if fb.createCalls != 1 {
		t.Errorf("backend Create called %d times, want 1 (idempotent)", fb.createCalls)
	}
}

func TestDestroyUnknownBdev(t *testing.T) {
	r := NewRegistry()
	err := r.Destroy(context.Background(), "nonexistent")
	if !errors.Is(err, utils.ErrBdevNotFound) {
		t.Errorf("expected ErrBdevNotFound, got %v", err)
	}
}

func TestDestroyRemovesRegistration(t *testing.T) {
	fb := &fakeBackend{}
	r := NewRegistry()
	r.RegisterBackend(uri.SchemeLoopback, fb)

	u, _ := uri.Parse("loopback:///vol-1")
	if _, err := r.Create(context.Background(), u); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := r.Destroy(context.Background(), "vol-1"); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if len(fb.destroyed) != 1 || fb.destroyed[0] != "vol-1" {
		t.Errorf("destroyed = %v, want [vol-1]", fb.destroyed)
	}
	if _, ok := r.Get("vol-1"); ok {
		t.Error("bdev still registered after destroy")
	}
}

func TestUnsupportedSchemeDispatch(t *testing.T) {
	r := &Registry{bdevs: make(map[string]*Descriptor), backends: make(map[uri.Scheme]Backend)}
	u := &uri.DeviceURI{Scheme: "made-up", Path: "x"}
	_, err := r.Create(context.Background(), u)
	if !errors.Is(err, utils.ErrUnsupportedScheme) {
		t.Errorf("expected ErrUnsupportedScheme, got %v", err)
	}
}

func TestWaitForDeviceSucceedsEventually(t *testing.T) {
	attempts := 0
	find := func(_ context.Context) (string, error) {
		attempts++
		if attempts < 3 {
			return "", nil
		}
		return "/dev/null", nil
	}

	path, err := WaitForDevice(context.Background(), find, time.Millisecond, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if path != "/dev/null" {
		t.Errorf("path = %s, want /dev/null", path)
	}
}

func TestWaitForDeviceExhaustsBudget(t *testing.T) {
	find := func(_ context.Context) (string, error) {
		return "", nil
	}

	_, err := WaitForDevice(context.Background(), find, time.Millisecond, 3)
	if !errors.Is(err, utils.ErrDeviceNotFound) {
		t.Errorf("expected ErrDeviceNotFound, got %v", err)
	}
}
