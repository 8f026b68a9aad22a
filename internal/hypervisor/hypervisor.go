// Package hypervisor narrows the foreign hypervisor C ABI (context
// creation, vCPU/RAM settings, disk/virtiofs/vsock attach, start-enter) to
// one small Go interface with an opaque handle: a narrow surface with an
// opaque context handle and enumerated methods, hiding null-termination
// and pointer lifetimes inside the adapter. This package is the only place
// a real binding would need cgo/unsafe; the implementation here stands in
// for it with a child-process launcher, since the real C library is
// outside this repo's build closure.
package hypervisor

import "context"

// BlockDevice describes a disk attached to the guest.
type BlockDevice struct {
	ID       string
	Path     string
	Format   string
	ReadOnly bool
}

// VirtiofsShare describes a host directory shared into the guest.
type VirtiofsShare struct {
	Tag      string
	HostPath string
	ReadOnly bool
}

// VsockPort describes a vsock port exposed as a host-side Unix socket.
type VsockPort struct {
	Port       uint32
	SocketPath string
	Listen     bool
}

// PortMap describes a host-to-guest TCP/UDP port forward.
type PortMap struct {
	Host  uint16
	Guest uint16
}

// Exec describes the guest-side entry point.
type Exec struct {
	Path string
	Argv []string
	Envp []string
}

// Config is the full configuration for one guest launch.
type Config struct {
	VCPUs          uint8
	MemoryMiB      uint32
	VirtiofsRoot   string
	StorageDisk    BlockDevice
	ControlVsock   VsockPort
	VirtiofsShares []VirtiofsShare
	PortMaps       []PortMap
	ConsoleLogPath string
	Exec           Exec
}

// Context is the opaque handle returned by CreateContext. Callers never
// inspect its fields; it exists so Adapter implementations can carry
// whatever state a real C binding would need (e.g. a *C.hv_context_t).
type Context struct {
	impl any
}

// Adapter is the narrow surface this repo depends on. A real
// implementation would bind libkrun/similar via cgo; ours launches an
// external launcher binary as a child process, passing the staged
// configuration as command-line flags, and that binary plays the role
// of "start-enter". This is sufficient to exercise the sandbox manager's start/shutdown
// protocol end to end without the real hypervisor present.
type Adapter interface {
	// CreateContext allocates a new, unconfigured hypervisor context.
	CreateContext(ctx context.Context) (*Context, error)

	// Configure applies cfg to an existing context. It does not start the
	// guest; it only stages the configuration the way the real ABI's
	// individual setter calls would (set_vcpu, add_block_device, ...).
	Configure(hctx *Context, cfg Config) error

	// StartEnter is the non-returning call in the real ABI: on success the
	// calling process becomes the guest. Our adapter instead forks a child
	// that performs the equivalent transfer of control and returns the
	// child's pid to the caller, since a reimplementation of the actual
	// ABI's address-space transfer is outside this repo's scope.
	StartEnter(hctx *Context, cfg Config) (pid int, err error)

	// Release frees any resources associated with hctx.
	Release(hctx *Context) error
}
