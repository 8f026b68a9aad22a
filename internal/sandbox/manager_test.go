package sandbox

import (
	"context"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/phooq/smolvm/internal/codec"
	"github.com/phooq/smolvm/internal/hypervisor"
	"github.com/phooq/smolvm/internal/protocol"
	"github.com/phooq/smolvm/internal/registry"
)

// testAdapter implements hypervisor.Adapter for tests: StartEnter spawns a
// real long-lived child process (so signal-0 liveness checks and SIGTERM/
// SIGKILL behave like the real thing) and, separately, a goroutine that
// listens on the configured control socket and answers Ping/Shutdown like
// a minimal in-guest agent.
type testAdapter struct {
	t *testing.T
}

func newTestAdapter(t *testing.T) *testAdapter {
	return &testAdapter{t: t}
}

func (a *testAdapter) CreateContext(ctx context.Context) (*hypervisor.Context, error) {
	return &hypervisor.Context{}, nil
}

func (a *testAdapter) Configure(hctx *hypervisor.Context, cfg hypervisor.Config) error {
	return nil
}

func (a *testAdapter) StartEnter(hctx *hypervisor.Context, cfg hypervisor.Config) (int, error) {
	ln, err := net.Listen("unix", cfg.ControlVsock.SocketPath)
	if err != nil {
		return 0, err
	}
	go a.serve(ln)

	cmd := exec.Command("sleep", "300")
	if err := cmd.Start(); err != nil {
		ln.Close()
		return 0, err
	}
	go cmd.Wait()

	return cmd.Process.Pid, nil
}

func (a *testAdapter) Release(hctx *hypervisor.Context) error {
	return nil
}

func (a *testAdapter) serve(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go func() {
			defer conn.Close()
			c := codec.NewConn(conn)
			for {
				var req protocol.Request
				if err := c.ReadFrame(&req); err != nil {
					return
				}
				switch req.Method {
				case protocol.MethodPing:
					c.WriteFrame(protocol.Response{Status: protocol.StatusPong})
				case protocol.MethodShutdown:
					c.WriteFrame(protocol.Response{Status: protocol.StatusOk})
				default:
					c.WriteFrame(protocol.Response{Status: protocol.StatusOk})
				}
			}
		}()
	}
}

func TestStartStopLifecycle(t *testing.T) {
	dir := t.TempDir()
	reg := registry.NewFileRegistry(filepath.Join(dir, "registry.json"), time.Second)

	hv := newTestAdapter(t)
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	mgr, err := NewManager(reg, hv, filepath.Join(dir, "sandboxes"), 2*time.Second, 2*time.Second, time.Second, logger)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	rootfs := filepath.Join(dir, "rootfs")
	if err := os.MkdirAll(rootfs, 0o755); err != nil {
		t.Fatalf("mkdir rootfs: %v", err)
	}

	spec := Spec{Name: "box1", CPUs: 1, MemoryMiB: 256, Rootfs: rootfs}

	if err := mgr.EnsureRunning(context.Background(), spec); err != nil {
		t.Fatalf("EnsureRunning: %v", err)
	}

	state, pid, ok := mgr.Get("box1")
	if !ok || state != StateRunning || pid == 0 {
		t.Fatalf("unexpected state after start: %v %v %v", state, pid, ok)
	}

	// Idempotent re-entry with the same spec must succeed.
	if err := mgr.EnsureRunning(context.Background(), spec); err != nil {
		t.Fatalf("EnsureRunning (repeat): %v", err)
	}

	// Mismatched spec must be a hard conflict.
	mismatched := spec
	mismatched.CPUs = 2
	if err := mgr.EnsureRunning(context.Background(), mismatched); err == nil {
		t.Fatal("expected conflict for mismatched re-entry")
	}

	if err := mgr.Stop(context.Background(), "box1"); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	state, _, ok = mgr.Get("box1")
	if !ok || state != StateStopped {
		t.Fatalf("expected Stopped after Stop, got %v", state)
	}
}

func TestRemoveRejectsRunning(t *testing.T) {
	dir := t.TempDir()
	reg := registry.NewFileRegistry(filepath.Join(dir, "registry.json"), time.Second)
	hv := newTestAdapter(t)
	mgr, err := NewManager(reg, hv, filepath.Join(dir, "sandboxes"), 2*time.Second, 2*time.Second, time.Second, nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	rootfs := filepath.Join(dir, "rootfs")
	os.MkdirAll(rootfs, 0o755)
	spec := Spec{Name: "box2", CPUs: 1, MemoryMiB: 256, Rootfs: rootfs}

	if err := mgr.EnsureRunning(context.Background(), spec); err != nil {
		t.Fatalf("EnsureRunning: %v", err)
	}
	defer mgr.Stop(context.Background(), "box2")

	if err := mgr.Remove("box2"); err == nil {
		t.Fatal("expected Remove to reject a running sandbox")
	}
}

func TestReattachProbesLiveness(t *testing.T) {
	dir := t.TempDir()
	regPath := filepath.Join(dir, "registry.json")
	reg := registry.NewFileRegistry(regPath, time.Second)
	hv := newTestAdapter(t)
	mgr, err := NewManager(reg, hv, filepath.Join(dir, "sandboxes"), 2*time.Second, 2*time.Second, time.Second, nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	rootfs := filepath.Join(dir, "rootfs")
	os.MkdirAll(rootfs, 0o755)
	spec := Spec{Name: "box3", CPUs: 1, MemoryMiB: 256, Rootfs: rootfs}
	if err := mgr.EnsureRunning(context.Background(), spec); err != nil {
		t.Fatalf("EnsureRunning: %v", err)
	}
	defer mgr.Stop(context.Background(), "box3")

	// A fresh Manager backed by the same registry file must reattach to
	// the still-running sandbox by probing liveness, without re-starting it.
	mgr2, err := NewManager(reg, hv, filepath.Join(dir, "sandboxes"), 2*time.Second, 2*time.Second, time.Second, nil)
	if err != nil {
		t.Fatalf("NewManager (2): %v", err)
	}
	if err := mgr2.Reattach(context.Background()); err != nil {
		t.Fatalf("Reattach: %v", err)
	}

	state, _, ok := mgr2.Get("box3")
	if !ok || state != StateRunning {
		t.Fatalf("expected reattached sandbox to be Running, got %v %v", state, ok)
	}
}
