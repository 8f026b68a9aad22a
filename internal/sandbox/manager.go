// Package sandbox implements the host-side sandbox manager: the state
// machine, start/shutdown protocols, and liveness checks for a running
// microVM. It drives the narrow hypervisor.Adapter rather than a
// hypervisor CLI directly, and persists through the JSON-file registry.
package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/phooq/smolvm/internal/client"
	"github.com/phooq/smolvm/internal/hypervisor"
	"github.com/phooq/smolvm/internal/registry"
	"github.com/phooq/smolvm/internal/smolvmerr"
)

// State is the observable lifecycle state.
type State string

const (
	StateStopped  State = "Stopped"
	StateStarting State = "Starting"
	StateRunning  State = "Running"
	StateStopping State = "Stopping"
	StateFailed   State = "Failed"
)

// Spec is the declared configuration of a sandbox, independent of runtime
// state.
type Spec struct {
	Name      string
	CPUs      uint8
	MemoryMiB uint32
	Mounts    []registry.Mount
	Ports     []registry.PortMap
	Rootfs    string
}

// Entry is one managed sandbox: its declared Spec plus the mutable
// runtime state, guarded by its own mutex so only one caller drives this
// sandbox's control socket at a time.
type Entry struct {
	mu    sync.Mutex
	spec  Spec
	state State
	pid   int
	sock  string
}

// Manager owns every sandbox this host process knows about. It is a
// process-wide singleton guarded by a coarse RWMutex, with each Entry
// additionally guarded by its own mutex so a long-running operation on
// one sandbox never blocks lookups against another.
type Manager struct {
	mu      sync.RWMutex
	entries map[string]*Entry

	reg        *registry.FileRegistry
	hv         hypervisor.Adapter
	workDir    string
	bootTimeout     time.Duration
	shutdownTimeout time.Duration
	pingTimeout     time.Duration
	logger *slog.Logger
}

// NewManager constructs a Manager. workDir holds per-sandbox control
// sockets and console logs.
func NewManager(reg *registry.FileRegistry, hv hypervisor.Adapter, workDir string, bootTimeout, shutdownTimeout, pingTimeout time.Duration, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, fmt.Errorf("sandbox: create work dir: %w", err)
	}
	return &Manager{
		entries:         make(map[string]*Entry),
		reg:             reg,
		hv:              hv,
		workDir:         workDir,
		bootTimeout:     bootTimeout,
		shutdownTimeout: shutdownTimeout,
		pingTimeout:     pingTimeout,
		logger:          logger.With("component", "sandbox"),
	}, nil
}

func (m *Manager) socketPath(name string) string {
	return filepath.Join(m.workDir, name, "control.sock")
}

func (m *Manager) consoleLogPath(name string) string {
	return filepath.Join(m.workDir, name, "console.log")
}

// ConsoleLogPath exposes a sandbox's console log path for callers that
// need to tail it (the HTTP bridge's log-streaming endpoint), without
// exposing the rest of Manager's on-disk layout.
func (m *Manager) ConsoleLogPath(name string) string {
	return m.consoleLogPath(name)
}

// Reattach is run once at startup: for each persisted record, probe
// liveness and materialize an in-memory Entry only for the ones that
// answer; failed probes are marked Stopped on disk but not loaded into
// memory.
func (m *Manager) Reattach(ctx context.Context) error {
	records, err := m.reg.List()
	if err != nil {
		return fmt.Errorf("sandbox: list registry: %w", err)
	}

	for _, rec := range records {
		if rec.Runtime.State != registry.StateRunning || rec.Runtime.PID == 0 {
			continue
		}

		alive := m.tryConnectExisting(rec.Runtime.PID, rec.Runtime.SocketPath)
		if !alive {
			m.logger.Info("reattach probe failed, marking stopped", "name", rec.Name, "pid", rec.Runtime.PID)
			_ = m.reg.SetRuntimeState(rec.Name, registry.StateStopped)
			continue
		}

		m.mu.Lock()
		m.entries[rec.Name] = &Entry{
			spec: Spec{
				Name:      rec.Name,
				CPUs:      rec.Resources.CPUs,
				MemoryMiB: rec.Resources.MemoryMiB,
				Mounts:    rec.Mounts,
				Ports:     rec.Ports,
			},
			state: StateRunning,
			pid:   rec.Runtime.PID,
			sock:  rec.Runtime.SocketPath,
		}
		m.mu.Unlock()
		m.logger.Info("reattached sandbox", "name", rec.Name, "pid", rec.Runtime.PID)
	}
	return nil
}

// tryConnectExisting implements the liveness test: signal-0 succeeds AND
// a ping round-trip completes within the status timeout.
func (m *Manager) tryConnectExisting(pid int, socketPath string) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		return false
	}

	cl, err := client.Dial(socketPath)
	if err != nil {
		return false
	}
	defer cl.Close()

	done := make(chan error, 1)
	go func() { done <- cl.Ping() }()

	select {
	case err := <-done:
		return err == nil
	case <-time.After(m.pingTimeout):
		return false
	}
}

// getOrCreateEntry returns the Entry for name, creating a fresh Stopped
// one under the coarse lock if it doesn't exist yet.
func (m *Manager) getOrCreateEntry(spec Spec) *Entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[spec.Name]
	if !ok {
		e = &Entry{spec: spec, state: StateStopped}
		m.entries[spec.Name] = e
	}
	return e
}

// Get returns a snapshot of a sandbox's current state, or ok=false if
// unknown.
func (m *Manager) Get(name string) (state State, pid int, ok bool) {
	m.mu.RLock()
	e, ok := m.entries[name]
	m.mu.RUnlock()
	if !ok {
		return "", 0, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state, e.pid, true
}

// List returns every known sandbox name and state.
func (m *Manager) List() map[string]State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]State, len(m.entries))
	for name, e := range m.entries {
		e.mu.Lock()
		out[name] = e.state
		e.mu.Unlock()
	}
	return out
}

// Remove deletes a stopped sandbox's entry and registry record.
func (m *Manager) Remove(name string) error {
	m.mu.Lock()
	e, ok := m.entries[name]
	if ok {
		e.mu.Lock()
		state := e.state
		e.mu.Unlock()
		if state == StateRunning || state == StateStarting {
			m.mu.Unlock()
			return smolvmerr.New(smolvmerr.KindConflict, smolvmerr.CodeConflict, "cannot remove a running sandbox")
		}
		delete(m.entries, name)
	}
	m.mu.Unlock()
	return m.reg.Delete(name)
}
