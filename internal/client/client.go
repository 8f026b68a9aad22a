// Package client is the host-side typed wrapper over the framed codec: one
// operation per control-protocol method, with the per-operation timeouts
// and streaming/interactive-session contracts described on Client and
// Session.
package client

import (
	"fmt"
	"net"
	"time"

	"github.com/phooq/smolvm/internal/codec"
	"github.com/phooq/smolvm/internal/protocol"
	"github.com/phooq/smolvm/internal/smolvmerr"
)

// Timeouts for the well-known operations. The host sets per-operation
// read timeouts; write timeout is always writeTimeout.
const (
	defaultTimeout     = 30 * time.Second
	pullTimeout        = 600 * time.Second
	interactiveTimeout = 3600 * time.Second
	statusTimeout      = 5 * time.Second
	writeTimeout       = 10 * time.Second
	protocolBuffer     = 5 * time.Second
)

// Client is a synchronous, single-connection wrapper over the framed
// protocol. One Client corresponds to one control socket; callers that
// need concurrent operations against the same sandbox must serialize
// through their own mutex — the sandbox manager owns that discipline so
// at most one HTTP request drives a given sandbox's control socket at a
// time.
type Client struct {
	conn net.Conn
	c    *codec.Conn

	// inSession is true between Started and Exited for an interactive
	// run/exec, statically distinguishing "idle connection" from
	// "in-session connection". Only Session methods may touch the
	// connection while set.
	inSession bool
}

// Dial opens a control connection over the given Unix-domain socket path
// (the host-side representation of the guest's listening vsock port).
func Dial(socketPath string) (*Client, error) {
	conn, err := net.DialTimeout("unix", socketPath, writeTimeout)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", socketPath, err)
	}
	return &Client{conn: conn, c: codec.NewConn(conn)}, nil
}

// Close closes the underlying connection.
func (cl *Client) Close() error {
	return cl.conn.Close()
}

func (cl *Client) call(method protocol.Method, params map[string]any, readTimeout time.Duration) (*protocol.Response, error) {
	if cl.inSession {
		return nil, smolvmerr.New(smolvmerr.KindProtocol, smolvmerr.CodeInvalidRequest, "connection is borrowed by an interactive session")
	}

	if err := cl.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return nil, err
	}
	if err := cl.c.WriteFrame(protocol.Request{Method: method, Params: params}); err != nil {
		return nil, fmt.Errorf("client: send %s: %w", method, err)
	}

	if err := cl.conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
		return nil, err
	}
	var resp protocol.Response
	if err := cl.c.ReadFrame(&resp); err != nil {
		return nil, fmt.Errorf("client: recv %s response: %w", method, err)
	}
	if resp.Status == protocol.StatusError {
		return &resp, smolvmerr.New(smolvmerr.KindRuntime, resp.Code, resp.Message)
	}
	return &resp, nil
}

// Ping round-trips a Ping/Pong and is the basis of liveness checks.
func (cl *Client) Ping() error {
	_, err := cl.call(protocol.MethodPing, nil, statusTimeout)
	return err
}

// Query checks whether an image is already resolvable locally.
func (cl *Client) Query(image string) (*protocol.ImageInfo, error) {
	resp, err := cl.call(protocol.MethodQuery, map[string]any{"image": image}, defaultTimeout)
	if err != nil {
		return nil, err
	}
	return decodeImageInfo(resp.Data)
}

// ListImages returns every locally resolvable image.
func (cl *Client) ListImages() ([]protocol.ImageInfo, error) {
	resp, err := cl.call(protocol.MethodListImages, nil, defaultTimeout)
	if err != nil {
		return nil, err
	}
	return decodeImageList(resp.Data)
}

// GarbageCollect removes unreferenced layers, or just reports their size
// in dry-run mode.
func (cl *Client) GarbageCollect(dryRun bool) (freedBytes int64, err error) {
	resp, err := cl.call(protocol.MethodGarbageCollect, map[string]any{"dry_run": dryRun}, defaultTimeout)
	if err != nil {
		return 0, err
	}
	return int64FromAny(resp.Data["freed_bytes"]), nil
}

// PrepareOverlay assembles (or reuses) an overlay workspace for workloadID.
func (cl *Client) PrepareOverlay(image, workloadID string) (*protocol.OverlayInfo, error) {
	resp, err := cl.call(protocol.MethodPrepareOverlay, map[string]any{
		"image": image, "workload_id": workloadID,
	}, defaultTimeout)
	if err != nil {
		return nil, err
	}
	return decodeOverlayInfo(resp.Data)
}

// CleanupOverlay tears down an overlay workspace. Idempotent.
func (cl *Client) CleanupOverlay(workloadID string) error {
	_, err := cl.call(protocol.MethodCleanupOverlay, map[string]any{"workload_id": workloadID}, defaultTimeout)
	return err
}

// FormatStorage initializes the in-guest storage engine's directory layout.
func (cl *Client) FormatStorage() error {
	_, err := cl.call(protocol.MethodFormatStorage, nil, defaultTimeout)
	return err
}

// StorageStatus reports the in-guest storage engine's state.
func (cl *Client) StorageStatus() (*protocol.StorageStatus, error) {
	resp, err := cl.call(protocol.MethodStorageStatus, nil, statusTimeout)
	if err != nil {
		return nil, err
	}
	return decodeStorageStatus(resp.Data)
}

// RunResult is the outcome of a non-interactive Run/Exec/VmExec call.
type RunResult struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

// RunRequest is the shared parameter set for Run/Exec/VmExec.
type RunRequest struct {
	Image      string // Run only
	ContainerID string // Exec only
	Command    []string
	Env        map[string]string
	Workdir    string
	Mounts     []protocol.Mount // Run only
	TimeoutMs  int64
	Interactive bool
	TTY        bool
}

func (r RunRequest) params(extra map[string]any) map[string]any {
	p := map[string]any{
		"command":     r.Command,
		"env":         r.Env,
		"workdir":     r.Workdir,
		"interactive": r.Interactive,
		"tty":         r.TTY,
	}
	if r.TimeoutMs > 0 {
		p["timeout_ms"] = r.TimeoutMs
	}
	for k, v := range extra {
		p[k] = v
	}
	return p
}

func (r RunRequest) readTimeout() time.Duration {
	if r.Interactive {
		return interactiveTimeout
	}
	if r.TimeoutMs > 0 {
		return time.Duration(r.TimeoutMs)*time.Millisecond + protocolBuffer
	}
	return defaultTimeout
}

// Run executes a one-shot command against image's per-image overlay,
// which the agent reuses across runs of the same image. Non-interactive callers get a RunResult back directly;
// interactive callers should use RunInteractive instead.
func (cl *Client) Run(req RunRequest) (*RunResult, error) {
	resp, err := cl.call(protocol.MethodRun, req.params(map[string]any{"image": req.Image, "mounts": req.Mounts}), req.readTimeout())
	if err != nil {
		return nil, err
	}
	return decodeRunResult(resp)
}

// Exec runs a command inside an existing container.
func (cl *Client) Exec(req RunRequest) (*RunResult, error) {
	resp, err := cl.call(protocol.MethodExec, req.params(map[string]any{"container_id": req.ContainerID}), req.readTimeout())
	if err != nil {
		return nil, err
	}
	return decodeRunResult(resp)
}

// VmExec runs a command directly in the guest, bypassing any container.
func (cl *Client) VmExec(req RunRequest) (*RunResult, error) {
	resp, err := cl.call(protocol.MethodVmExec, req.params(nil), req.readTimeout())
	if err != nil {
		return nil, err
	}
	return decodeRunResult(resp)
}

// CreateContainer allocates a container record and its overlay.
func (cl *Client) CreateContainer(image string, command []string, env map[string]string, workdir string, mounts []protocol.Mount) (*protocol.ContainerInfo, error) {
	resp, err := cl.call(protocol.MethodCreateContainer, map[string]any{
		"image": image, "command": command, "env": env, "workdir": workdir, "mounts": mounts,
	}, defaultTimeout)
	if err != nil {
		return nil, err
	}
	return decodeContainerInfo(resp.Data)
}

// StartContainer transitions a created container to running.
func (cl *Client) StartContainer(id string) error {
	_, err := cl.call(protocol.MethodStartContainer, map[string]any{"id": id}, defaultTimeout)
	return err
}

// StopContainer sends SIGTERM then SIGKILL after timeoutSecs, tearing down
// the runtime state.
func (cl *Client) StopContainer(id string, timeoutSecs int) error {
	_, err := cl.call(protocol.MethodStopContainer, map[string]any{"id": id, "timeout_secs": timeoutSecs}, defaultTimeout)
	return err
}

// DeleteContainer removes a container record; force kills first if needed.
func (cl *Client) DeleteContainer(id string, force bool) error {
	_, err := cl.call(protocol.MethodDeleteContainer, map[string]any{"id": id, "force": force}, defaultTimeout)
	return err
}

// ListContainers returns every container record.
func (cl *Client) ListContainers() ([]protocol.ContainerInfo, error) {
	resp, err := cl.call(protocol.MethodListContainers, nil, defaultTimeout)
	if err != nil {
		return nil, err
	}
	return decodeContainerList(resp.Data)
}

// Shutdown asks the agent to sync(2) the storage disk and acknowledge,
// per the shutdown sync barrier.
func (cl *Client) Shutdown() error {
	_, err := cl.call(protocol.MethodShutdown, nil, statusTimeout)
	return err
}
