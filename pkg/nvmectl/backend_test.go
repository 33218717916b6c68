package nvmectl

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"testing"
	"time"

	"git.srvlab.io/nexus/nexus-storage-node/pkg/uri"
	"git.srvlab.io/nexus/nexus-storage-node/pkg/utils"
)

// mockExecCommand builds an execCommand replacement that shells back into
// this test binary instead of invoking the real nvme-cli.
func mockExecCommand(stdout, stderr string, exitCode int) func(context.Context, string, ...string) *exec.Cmd {
	return func(ctx context.Context, command string, args ...string) *exec.Cmd {
		cs := []string{"-test.run=TestNvmectlHelperProcess", "--", command}
		cs = append(cs, args...)
		cmd := exec.CommandContext(ctx, os.Args[0], cs...)
		cmd.Env = []string{
			"GO_WANT_HELPER_PROCESS=1",
			"STDOUT=" + stdout,
			"STDERR=" + stderr,
			"EXIT_CODE=" + strconv.Itoa(exitCode),
		}
		return cmd
	}
}

func TestNvmectlHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	_, _ = os.Stdout.WriteString(os.Getenv("STDOUT"))
	_, _ = os.Stderr.WriteString(os.Getenv("STDERR"))
	code, _ := strconv.Atoi(os.Getenv("EXIT_CODE"))
	os.Exit(code)
}

func testBackend(t *testing.T) *Backend {
	t.Helper()
	b := NewBackend(testRegistry(), BackendConfig{Cores: []int{0, 1}, SysfsRoot: t.TempDir()})
	b.execCommand = mockExecCommand("", "", 0)
	return b
}

func mustParseNvmf(t *testing.T, raw string) *uri.DeviceURI {
	t.Helper()
	u, err := uri.Parse(raw)
	if err != nil {
		t.Fatalf("parse %s: %v", raw, err)
	}
	return u
}

func TestBackendAttachRegistersControllerAndChannels(t *testing.T) {
	b := testBackend(t)
	u := mustParseNvmf(t, "nvmf://10.0.0.5:4420/nqn.2019-05.io.nexus-storage:vol1")

	if err := b.Attach(context.Background(), u); err != nil {
		t.Fatalf("attach: %v", err)
	}

	ctrlr, ok := b.registry.GetByName(u.Name())
	if !ok {
		t.Fatal("controller not registered after attach")
	}
	if ctrlr.State() != StateRunning {
		t.Errorf("state = %s, want Running", ctrlr.State())
	}
	if got := len(ctrlr.Channels()); got != 2 {
		t.Errorf("channels = %d, want 2", got)
	}
}

func TestBackendAttachIsIdempotent(t *testing.T) {
	b := testBackend(t)
	u := mustParseNvmf(t, "nvmf://10.0.0.5:4420/nqn.2019-05.io.nexus-storage:vol1")

	if err := b.Attach(context.Background(), u); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if err := b.Attach(context.Background(), u); err != nil {
		t.Fatalf("second attach: %v", err)
	}
	if got := b.registry.Count(); got != 1 {
		t.Errorf("controller count = %d, want 1", got)
	}
}

func TestBackendAttachFailurePropagatesExecError(t *testing.T) {
	b := testBackend(t)
	b.execCommand = mockExecCommand("", "connection refused", 1)
	u := mustParseNvmf(t, "nvmf://10.0.0.5:4420/nqn.2019-05.io.nexus-storage:vol1")

	err := b.Attach(context.Background(), u)
	if !errors.Is(err, utils.ErrDeviceNotFound) {
		t.Errorf("expected ErrDeviceNotFound, got %v", err)
	}
	if _, ok := b.registry.GetByName(u.Name()); ok {
		t.Error("controller should not be registered after a failed connect")
	}
}

func TestBackendDetachShutsDownChannelsAndRemovesController(t *testing.T) {
	b := testBackend(t)
	u := mustParseNvmf(t, "nvmf://10.0.0.5:4420/nqn.2019-05.io.nexus-storage:vol1")

	if err := b.Attach(context.Background(), u); err != nil {
		t.Fatalf("attach: %v", err)
	}
	ctrlr, _ := b.registry.GetByName(u.Name())
	channels := ctrlr.Channels()

	if err := b.Detach(context.Background(), u.Name()); err != nil {
		t.Fatalf("detach: %v", err)
	}

	for _, ch := range channels {
		if !ch.IsShutdown() {
			t.Error("expected channel shut down after detach")
		}
	}
	if _, ok := b.registry.GetByName(u.Name()); ok {
		t.Error("controller should be removed from registry after detach")
	}
}

func TestBackendDetachUnknownNameFails(t *testing.T) {
	b := testBackend(t)
	err := b.Detach(context.Background(), "nqn.never-attached")
	if !errors.Is(err, utils.ErrBdevNotFound) {
		t.Errorf("expected ErrBdevNotFound, got %v", err)
	}
}

func TestBackendFindResolvesViaSysfs(t *testing.T) {
	b := testBackend(t)
	nqn := "nqn.2019-05.io.nexus-storage:vol1"

	ctrlDir := fmt.Sprintf("%s/class/nvme/nvme3", b.sysfs.root)
	if err := os.MkdirAll(ctrlDir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(ctrlDir+"/subsysnqn", []byte(nqn+"\n"), 0644); err != nil {
		t.Fatal(err)
	}
	blockDir := fmt.Sprintf("%s/class/block", b.sysfs.root)
	if err := os.MkdirAll(blockDir+"/nvme3n1", 0755); err != nil {
		t.Fatal(err)
	}

	path, err := b.Find(context.Background(), nqn)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if path != "/dev/nvme3n1" {
		t.Errorf("path = %q, want /dev/nvme3n1", path)
	}
}

func TestBackendFindNotConnectedReturnsEmpty(t *testing.T) {
	b := testBackend(t)
	path, err := b.Find(context.Background(), "nqn.never-attached")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if path != "" {
		t.Errorf("path = %q, want empty", path)
	}
}

func TestNewBackendDefaults(t *testing.T) {
	b := NewBackend(testRegistry(), BackendConfig{})
	if len(b.cores) != 1 || b.cores[0] != 0 {
		t.Errorf("default cores = %v, want [0]", b.cores)
	}
	if b.adminPollPeriod != 100*time.Millisecond {
		t.Errorf("default admin poll period = %v", b.adminPollPeriod)
	}
	if b.ioPollPeriod != 10*time.Millisecond {
		t.Errorf("default io poll period = %v", b.ioPollPeriod)
	}
}
