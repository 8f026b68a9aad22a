// Package config loads and persists the host daemon's configuration, in
// the nested-YAML-struct style the rest of the stack uses.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the smolvm host daemon.
type Config struct {
	// HostID is a persistent identifier for this host, generated on first run.
	HostID string `yaml:"host_id"`

	// HTTP configures the REST control plane bridge.
	HTTP HTTPConfig `yaml:"http"`

	// Sandbox configures default sandbox resource shape and timeouts.
	Sandbox SandboxConfig `yaml:"sandbox"`

	// Hypervisor configures the hypervisor adapter.
	Hypervisor HypervisorConfig `yaml:"hypervisor"`

	// Runtime configures the OCI runtime binary contract.
	Runtime RuntimeConfig `yaml:"runtime"`

	// Registry configures the persisted sandbox registry.
	Registry RegistryConfig `yaml:"registry"`

	// Audit configures the secondary command/event history store.
	Audit AuditConfig `yaml:"audit"`
}

// HTTPConfig configures the REST control plane bridge.
type HTTPConfig struct {
	// ListenAddr is the address the HTTP bridge binds to.
	ListenAddr string `yaml:"listen_addr"`

	// AllowedOrigins restricts CORS to these origins (localhost by default).
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// SandboxConfig configures default sandbox resource shape and timeouts.
type SandboxConfig struct {
	// WorkDir is the directory holding per-sandbox runtime data (control
	// sockets, console logs, storage disk images).
	WorkDir string `yaml:"work_dir"`

	// DefaultCPUs and DefaultMemoryMiB are loaded and saved with the
	// config file; smolvmd does not read them, and a sandbox's resources
	// come only from its create request.
	DefaultCPUs      uint8  `yaml:"default_cpus"`
	DefaultMemoryMiB uint32 `yaml:"default_memory_mib"`

	// BootTimeout bounds the start protocol's readiness loop.
	BootTimeout time.Duration `yaml:"boot_timeout"`

	// ShutdownTimeout bounds the wait for a graceful SIGTERM exit before
	// SIGKILL.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// PingTimeout bounds a single control-socket liveness probe.
	PingTimeout time.Duration `yaml:"ping_timeout"`
}

// HypervisorConfig configures the hypervisor adapter.
type HypervisorConfig struct {
	// RootfsPath names a guest rootfs image. smolvmd does not read it; a
	// sandbox's rootfs comes only from its create request.
	RootfsPath string `yaml:"rootfs_path"`

	// StorageDiskTemplate is a per-sandbox path template for the
	// persistent ext4 disk. smolvmd does not read it; the sandbox manager
	// places the disk at <work_dir>/<name>/storage.ext4.
	StorageDiskTemplate string `yaml:"storage_disk_template"`

	// ConsoleLogDir names a directory for per-sandbox console output.
	// smolvmd does not read it; the sandbox manager writes console output
	// to <work_dir>/<name>/console.log.
	ConsoleLogDir string `yaml:"console_log_dir"`
}

// RuntimeConfig describes the OCI runtime binary contract. smolvmd does
// not read this section.
type RuntimeConfig struct {
	// Binary is the runc/crun-compatible executable name or path.
	Binary string `yaml:"binary"`

	// CgroupManager names the --cgroup-manager mode; smolvm guests mount
	// cgroup2 read-only, so this is "disabled" by default.
	CgroupManager string `yaml:"cgroup_manager"`
}

// RegistryConfig configures the persisted sandbox registry.
type RegistryConfig struct {
	// Path is the JSON registry file location.
	Path string `yaml:"path"`

	// LockTimeout bounds how long a writer waits for the advisory lock.
	LockTimeout time.Duration `yaml:"lock_timeout"`
}

// AuditConfig configures the secondary, non-authoritative command/event
// history store. It is not the authoritative sandbox registry.
type AuditConfig struct {
	DBPath string `yaml:"db_path"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	home, _ := os.UserHomeDir()
	smolvmDir := filepath.Join(home, ".smolvm")

	return Config{
		HTTP: HTTPConfig{
			ListenAddr:     "127.0.0.1:7670",
			AllowedOrigins: []string{"http://localhost", "http://127.0.0.1"},
		},
		Sandbox: SandboxConfig{
			WorkDir:          filepath.Join(smolvmDir, "sandboxes"),
			DefaultCPUs:      1,
			DefaultMemoryMiB: 512,
			BootTimeout:      30 * time.Second,
			ShutdownTimeout:  5 * time.Second,
			PingTimeout:      5 * time.Second,
		},
		Hypervisor: HypervisorConfig{
			RootfsPath:          filepath.Join(smolvmDir, "images", "rootfs.ext4"),
			StorageDiskTemplate: filepath.Join(smolvmDir, "sandboxes", "%s", "storage.ext4"),
			ConsoleLogDir:       filepath.Join(smolvmDir, "sandboxes"),
		},
		Runtime: RuntimeConfig{
			Binary:        "crun",
			CgroupManager: "disabled",
		},
		Registry: RegistryConfig{
			Path:        filepath.Join(smolvmDir, "registry.json"),
			LockTimeout: 5 * time.Second,
		},
		Audit: AuditConfig{
			DBPath: filepath.Join(smolvmDir, "audit.db"),
		},
	}
}

// Load reads configuration from a YAML file, falling back to defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save writes the configuration to a YAML file.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o644)
}
