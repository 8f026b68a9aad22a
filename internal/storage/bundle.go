package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// writeBundleConfig renders an OCI runtime config.json for a container
// into bundle/config.json. The guest shares the
// host's network namespace — network isolation in this system happens at
// the microVM boundary, not per-container — so only mount/pid/ipc/uts
// namespaces are requested.
func writeBundleConfig(bundleDir, rootfsPath string, argv, env []string, workdir string, tty bool) error {
	spec := &specs.Spec{
		Version: specs.Version,
		Root: &specs.Root{
			Path:     rootfsPath,
			Readonly: false,
		},
		Process: &specs.Process{
			Terminal: tty,
			User:     specs.User{UID: 0, GID: 0},
			Args:     argv,
			Env:      env,
			Cwd:      workdirOrDefault(workdir),
		},
		Mounts: defaultMounts(),
		Linux: &specs.Linux{
			Namespaces: []specs.LinuxNamespace{
				{Type: specs.PIDNamespace},
				{Type: specs.MountNamespace},
				{Type: specs.IPCNamespace},
				{Type: specs.UTSNamespace},
			},
		},
	}

	data, err := json.MarshalIndent(spec, "", "  ")
	if err != nil {
		return fmt.Errorf("storage: marshal OCI spec: %w", err)
	}
	if err := os.MkdirAll(bundleDir, 0o755); err != nil {
		return fmt.Errorf("storage: create bundle dir: %w", err)
	}
	return os.WriteFile(filepath.Join(bundleDir, "config.json"), data, 0o644)
}

func workdirOrDefault(workdir string) string {
	if workdir == "" {
		return "/"
	}
	return workdir
}

// defaultMounts is the minimal proc/sys/dev/tmp mount set every container
// needs to behave like a normal Linux rootfs; crun/runc ship an equivalent
// default set, but since this package builds the OCI runtime config
// directly it has to supply its own.
func defaultMounts() []specs.Mount {
	return []specs.Mount{
		{Destination: "/proc", Type: "proc", Source: "proc"},
		{Destination: "/dev", Type: "tmpfs", Source: "tmpfs", Options: []string{"nosuid", "strictatime", "mode=755", "size=65536k"}},
		{Destination: "/dev/pts", Type: "devpts", Source: "devpts", Options: []string{"nosuid", "noexec", "newinstance", "ptmxmode=0666", "mode=0620"}},
		{Destination: "/dev/shm", Type: "tmpfs", Source: "shm", Options: []string{"nosuid", "noexec", "nodev", "mode=1777", "size=65536k"}},
		{Destination: "/sys", Type: "sysfs", Source: "sysfs", Options: []string{"nosuid", "noexec", "nodev", "ro"}},
	}
}

// addBindMount appends a user-declared virtiofs bind mount to an
// already-rendered bundle config.json (used after the base spec is
// written, since mounts are only known once SetupVolumeMounts resolves
// the host staging path — see Engine.CreateContainer, Engine.Run and
// Engine.StartInteractiveRun).
func addBindMount(bundleDir, hostPath, containerPath string, readOnly bool) error {
	configPath := filepath.Join(bundleDir, "config.json")
	raw, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("storage: read bundle config: %w", err)
	}
	var spec specs.Spec
	if err := json.Unmarshal(raw, &spec); err != nil {
		return fmt.Errorf("storage: parse bundle config: %w", err)
	}

	opts := []string{"bind"}
	if readOnly {
		opts = append(opts, "ro")
	}
	spec.Mounts = append(spec.Mounts, specs.Mount{
		Destination: containerPath,
		Type:        "bind",
		Source:      hostPath,
		Options:     opts,
	})

	data, err := json.MarshalIndent(&spec, "", "  ")
	if err != nil {
		return fmt.Errorf("storage: marshal bundle config: %w", err)
	}
	return os.WriteFile(configPath, data, 0o644)
}
