package sandbox

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/phooq/smolvm/internal/client"
	"github.com/phooq/smolvm/internal/hypervisor"
	"github.com/phooq/smolvm/internal/registry"
	"github.com/phooq/smolvm/internal/smolvmerr"
)

// EnsureRunning implements the Stopped -> Starting -> Running transition.
// If the sandbox is already Running with a matching Spec it returns
// immediately; a mismatch is a hard error.
func (m *Manager) EnsureRunning(ctx context.Context, spec Spec) error {
	e := m.getOrCreateEntry(spec)

	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case StateRunning:
		if !specsMatch(e.spec, spec) {
			return smolvmerr.New(smolvmerr.KindConflict, smolvmerr.CodeConflict,
				"sandbox is running with a different configuration; stop and recreate")
		}
		return nil
	case StateStarting, StateStopping:
		return smolvmerr.New(smolvmerr.KindConflict, smolvmerr.CodeConflict, "sandbox is mid-transition")
	}

	e.state = StateStarting
	e.spec = spec

	pid, sockPath, err := m.start(ctx, spec)
	if err != nil {
		e.state = StateFailed
		m.persist(e)
		return err
	}

	e.pid = pid
	e.sock = sockPath
	e.state = StateRunning
	m.persist(e)
	return nil
}

func specsMatch(a, b Spec) bool {
	if a.CPUs != b.CPUs || a.MemoryMiB != b.MemoryMiB {
		return false
	}
	if len(a.Mounts) != len(b.Mounts) || len(a.Ports) != len(b.Ports) {
		return false
	}
	for i := range a.Mounts {
		if a.Mounts[i] != b.Mounts[i] {
			return false
		}
	}
	for i := range a.Ports {
		if a.Ports[i] != b.Ports[i] {
			return false
		}
	}
	return true
}

// start runs the fork + hypervisor-configure + readiness-loop start
// protocol.
func (m *Manager) start(ctx context.Context, spec Spec) (pid int, sockPath string, err error) {
	if spec.Rootfs == "" {
		return 0, "", smolvmerr.New(smolvmerr.KindFatal, smolvmerr.CodeInternal, "rootfs not configured")
	}
	if _, statErr := os.Stat(spec.Rootfs); statErr != nil {
		return 0, "", smolvmerr.Wrap(smolvmerr.KindFatal, smolvmerr.CodeInternal, "rootfs does not exist", statErr)
	}

	sandboxDir := filepath.Join(m.workDir, spec.Name)
	if err := os.MkdirAll(sandboxDir, 0o755); err != nil {
		return 0, "", fmt.Errorf("sandbox: create dir: %w", err)
	}

	sockPath = m.socketPath(spec.Name)
	_ = os.Remove(sockPath) // stale control socket from a prior crash

	shares := make([]hypervisor.VirtiofsShare, len(spec.Mounts))
	for i, mnt := range spec.Mounts {
		shares[i] = hypervisor.VirtiofsShare{
			Tag:      fmt.Sprintf("smolvm%d", i),
			HostPath: mnt.HostPath,
			ReadOnly: mnt.ReadOnly,
		}
	}
	ports := make([]hypervisor.PortMap, len(spec.Ports))
	for i, p := range spec.Ports {
		ports[i] = hypervisor.PortMap{Host: p.Host, Guest: p.Guest}
	}

	cfg := hypervisor.Config{
		VCPUs:          spec.CPUs,
		MemoryMiB:      spec.MemoryMiB,
		VirtiofsRoot:   spec.Rootfs,
		StorageDisk:    hypervisor.BlockDevice{ID: "storage", Path: filepath.Join(sandboxDir, "storage.ext4"), Format: "raw"},
		ControlVsock:   hypervisor.VsockPort{Port: 5000, SocketPath: sockPath, Listen: true},
		VirtiofsShares: shares,
		PortMaps:       ports,
		ConsoleLogPath: m.consoleLogPath(spec.Name),
		Exec:           hypervisor.Exec{Path: "/sbin/init", Argv: []string{"/sbin/init"}},
	}

	hctx, err := m.hv.CreateContext(ctx)
	if err != nil {
		return 0, "", fmt.Errorf("sandbox: create hypervisor context: %w", err)
	}
	defer m.hv.Release(hctx)

	if err := m.hv.Configure(hctx, cfg); err != nil {
		return 0, "", fmt.Errorf("sandbox: configure hypervisor: %w", err)
	}

	childPID, err := m.hv.StartEnter(hctx, cfg)
	if err != nil {
		return 0, "", fmt.Errorf("sandbox: start hypervisor: %w", err)
	}

	if err := m.awaitReady(ctx, childPID, sockPath); err != nil {
		return 0, "", err
	}

	return childPID, sockPath, nil
}

// awaitReady polls for up to bootTimeout, every 100ms, for the child to
// still be alive and the control socket to answer a ping.
func (m *Manager) awaitReady(ctx context.Context, pid int, sockPath string) error {
	deadline := time.Now().Add(m.bootTimeout)
	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("sandbox: find process %d: %w", pid, err)
	}

	for time.Now().Before(deadline) {
		if err := proc.Signal(syscall.Signal(0)); err != nil {
			return smolvmerr.New(smolvmerr.KindFatal, smolvmerr.CodeInternal, "hypervisor child exited before readiness")
		}

		if _, statErr := os.Stat(sockPath); statErr == nil {
			if m.tryConnectExisting(pid, sockPath) {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
	return smolvmerr.New(smolvmerr.KindTimeout, smolvmerr.CodeInternal, "readiness probe timed out")
}

// Stop implements the shutdown protocol: Shutdown request (sync barrier),
// SIGTERM, SIGKILL, socket cleanup.
func (m *Manager) Stop(ctx context.Context, name string) error {
	m.mu.RLock()
	e, ok := m.entries[name]
	m.mu.RUnlock()
	if !ok {
		return smolvmerr.New(smolvmerr.KindNotFound, smolvmerr.CodeNotFound, "sandbox not found")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StateRunning {
		return smolvmerr.New(smolvmerr.KindConflict, smolvmerr.CodeConflict, "sandbox is not running")
	}
	e.state = StateStopping

	m.shutdownLocked(e)

	e.state = StateStopped
	m.persist(e)
	return nil
}

// shutdownLocked runs the five shutdown steps. No step's error is fatal:
// a failed dial, a Shutdown-ack error and a 5s ack timeout are logged at
// debug level and the sequence goes on to SIGTERM; signal and
// socket-removal errors are ignored.
func (m *Manager) shutdownLocked(e *Entry) {
	if cl, err := client.Dial(e.sock); err == nil {
		done := make(chan error, 1)
		go func() { done <- cl.Shutdown() }()
		select {
		case err := <-done:
			if err != nil {
				m.logger.Debug("shutdown ack error, tolerated", "name", e.spec.Name, "error", err)
			}
		case <-time.After(5 * time.Second):
			m.logger.Debug("shutdown ack timed out, tolerated", "name", e.spec.Name)
		}
		cl.Close()
	} else {
		m.logger.Debug("could not dial control socket for shutdown", "name", e.spec.Name, "error", err)
	}

	proc, err := os.FindProcess(e.pid)
	if err != nil {
		return
	}

	_ = proc.Signal(syscall.SIGTERM)
	exited := make(chan struct{})
	go func() {
		_, _ = proc.Wait()
		close(exited)
	}()

	select {
	case <-exited:
	case <-time.After(m.shutdownTimeout):
		_ = proc.Signal(syscall.SIGKILL)
		<-exited
	}

	_ = os.Remove(e.sock)
}

func (m *Manager) persist(e *Entry) {
	rec := registry.Record{
		Name: e.spec.Name,
		Resources: registry.Resources{
			CPUs:      e.spec.CPUs,
			MemoryMiB: e.spec.MemoryMiB,
		},
		Mounts: e.spec.Mounts,
		Ports:  e.spec.Ports,
		Runtime: registry.Runtime{
			State:      runtimeStateFor(e.state),
			PID:        e.pid,
			SocketPath: e.sock,
		},
		CreatedAt: time.Now().Unix(),
	}
	if err := m.reg.Put(rec); err != nil {
		m.logger.Error("persist sandbox record failed", "name", e.spec.Name, "error", err)
	}
}

func runtimeStateFor(s State) registry.RuntimeState {
	switch s {
	case StateRunning:
		return registry.StateRunning
	case StateFailed:
		return registry.StateFailed
	default:
		return registry.StateStopped
	}
}

// Dial opens a fresh Client against a running sandbox's control socket.
func (m *Manager) Dial(name string) (*client.Client, error) {
	m.mu.RLock()
	e, ok := m.entries[name]
	m.mu.RUnlock()
	if !ok {
		return nil, smolvmerr.New(smolvmerr.KindNotFound, smolvmerr.CodeNotFound, "sandbox not found")
	}

	e.mu.Lock()
	state, sock := e.state, e.sock
	e.mu.Unlock()

	if state != StateRunning {
		return nil, smolvmerr.New(smolvmerr.KindConflict, smolvmerr.CodeConflict, "sandbox is not running")
	}
	return client.Dial(sock)
}
