package hypervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// ProcessAdapter drives an external hypervisor launcher binary, translating
// Config into command-line flags, one flag per C ABI setter call. The
// launcher binary is expected to perform the real ABI calls (create
// context, configure, start-enter) and never return on success, exactly
// like the documented C ABI's start-enter call; ProcessAdapter's job ends
// at getting that binary's pid into the caller's hands.
type ProcessAdapter struct {
	// LauncherPath is the hypervisor launcher binary.
	LauncherPath string
}

// NewProcessAdapter returns an Adapter backed by the given launcher binary.
func NewProcessAdapter(launcherPath string) *ProcessAdapter {
	return &ProcessAdapter{LauncherPath: launcherPath}
}

type processContext struct {
	configured bool
}

func (p *ProcessAdapter) CreateContext(ctx context.Context) (*Context, error) {
	return &Context{impl: &processContext{}}, nil
}

func (p *ProcessAdapter) Configure(hctx *Context, cfg Config) error {
	pc, ok := hctx.impl.(*processContext)
	if !ok {
		return fmt.Errorf("hypervisor: context not created by ProcessAdapter")
	}
	pc.configured = true
	return nil
}

// buildArgs renders Config into the launcher's flag surface. One flag per
// C ABI setter call (vCPU/RAM, virtiofs root, block device, vsock port,
// virtiofs share, port map, console, exec) so the translation stays
// traceable to the underlying ABI call list.
func buildArgs(cfg Config) []string {
	args := []string{
		"--vcpus", strconv.Itoa(int(cfg.VCPUs)),
		"--memory-mib", strconv.Itoa(int(cfg.MemoryMiB)),
		"--virtiofs-root", cfg.VirtiofsRoot,
		"--block-device", fmt.Sprintf("%s,%s,%s,ro=%t",
			cfg.StorageDisk.ID, cfg.StorageDisk.Path, cfg.StorageDisk.Format, cfg.StorageDisk.ReadOnly),
		"--vsock", fmt.Sprintf("%d,%s,listen=%t",
			cfg.ControlVsock.Port, cfg.ControlVsock.SocketPath, cfg.ControlVsock.Listen),
	}

	for _, share := range cfg.VirtiofsShares {
		args = append(args, "--virtiofs-share", fmt.Sprintf("%s,%s,ro=%t", share.Tag, share.HostPath, share.ReadOnly))
	}
	for _, pm := range cfg.PortMaps {
		args = append(args, "--port-map", fmt.Sprintf("%d:%d", pm.Host, pm.Guest))
	}
	if cfg.ConsoleLogPath != "" {
		args = append(args, "--console-log", cfg.ConsoleLogPath)
	}

	args = append(args, "--exec-path", cfg.Exec.Path)
	if len(cfg.Exec.Argv) > 0 {
		args = append(args, "--exec-argv", strings.Join(cfg.Exec.Argv, " "))
	}
	if len(cfg.Exec.Envp) > 0 {
		args = append(args, "--exec-env", strings.Join(cfg.Exec.Envp, ","))
	}
	return args
}

// StartEnter launches the configured guest as a detached child process and
// returns its pid. The child's stdio is detached and it runs in its own
// session, mirroring the fork/setsid step of a start protocol; on any
// failure the child is expected to write a diagnostic to its console log
// and exit(1), which this adapter surfaces as a non-nil error only for
// the synchronous failure-to-spawn case. An asynchronous failure is
// detected later by the readiness loop's waitpid check.
func (p *ProcessAdapter) StartEnter(hctx *Context, cfg Config) (int, error) {
	pc, ok := hctx.impl.(*processContext)
	if !ok || !pc.configured {
		return 0, fmt.Errorf("hypervisor: context not configured")
	}

	cmd := exec.Command(p.LauncherPath, buildArgs(cfg)...)
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	if cfg.ConsoleLogPath != "" {
		f, err := os.OpenFile(cfg.ConsoleLogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err == nil {
			cmd.Stdout = f
			cmd.Stderr = f
		}
	}
	cmd.SysProcAttr = detachedSysProcAttr()

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("hypervisor: start launcher: %w", err)
	}

	// Reap in the background so the child never becomes a zombie; the
	// sandbox manager tracks liveness independently via signal-0 and the
	// control socket, not via this process's exit status.
	go func() { _ = cmd.Wait() }()

	return cmd.Process.Pid, nil
}

func (p *ProcessAdapter) Release(hctx *Context) error {
	return nil
}
