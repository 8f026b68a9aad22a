package storage

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/flock"

	"github.com/phooq/smolvm/internal/ociruntime"
	"github.com/phooq/smolvm/internal/protocol"
	"github.com/phooq/smolvm/internal/smolvmerr"
)

// ContainerRecord is one entry in the in-guest container registry.
type ContainerRecord struct {
	ID        string            `json:"id"`
	ImageRef  string            `json:"image_ref"`
	Command   []string          `json:"command"`
	Env       map[string]string `json:"env,omitempty"`
	Workdir   string            `json:"workdir,omitempty"`
	Mounts    []protocol.Mount  `json:"mounts,omitempty"`
	State     protocol.ContainerState `json:"state"`
	CreatedAt int64             `json:"created_at"`
	ExitCode  *int              `json:"exit_code,omitempty"`
}

type containerFile struct {
	Containers map[string]ContainerRecord `json:"containers"`
}

func (e *Engine) registryPath() string {
	return e.path(registryFile)
}

func (e *Engine) withContainerRegistry(fn func(f *containerFile) (dirty bool, err error)) error {
	fl := flock.New(e.registryPath() + ".lock")
	ctx, cancel := context.WithTimeout(context.Background(), e.lockTimeout)
	defer cancel()

	locked, err := fl.TryLockContext(ctx, 50*time.Millisecond)
	if err != nil || !locked {
		return smolvmerr.New(smolvmerr.KindRuntime, smolvmerr.CodeLockTimeout, "container registry lock timeout")
	}
	defer fl.Unlock()

	f, err := e.readContainerFile()
	if err != nil {
		return err
	}
	dirty, err := fn(f)
	if err != nil {
		return err
	}
	if dirty {
		return e.writeContainerFile(f)
	}
	return nil
}

func (e *Engine) readContainerFile() (*containerFile, error) {
	data, err := os.ReadFile(e.registryPath())
	if err != nil {
		if os.IsNotExist(err) {
			return &containerFile{Containers: map[string]ContainerRecord{}}, nil
		}
		return nil, smolvmerr.Wrap(smolvmerr.KindRuntime, smolvmerr.CodeInternal, "read container registry", err)
	}
	var f containerFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, smolvmerr.Wrap(smolvmerr.KindRuntime, smolvmerr.CodeInternal, "parse container registry", err)
	}
	if f.Containers == nil {
		f.Containers = map[string]ContainerRecord{}
	}
	return &f, nil
}

func (e *Engine) writeContainerFile(f *containerFile) error {
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return smolvmerr.Wrap(smolvmerr.KindRuntime, smolvmerr.CodeInternal, "marshal container registry", err)
	}
	tmp := e.registryPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return smolvmerr.Wrap(smolvmerr.KindRuntime, smolvmerr.CodeInternal, "write container registry", err)
	}
	return os.Rename(tmp, e.registryPath())
}

// generateContainerID produces the 128-bit hex id calls for.
func generateContainerID() string {
	var buf [16]byte
	_, _ = rand.Read(buf[:])
	return hex.EncodeToString(buf[:])
}

func stickyWorkloadID(image string) string {
	return "persistent-" + sanitizeForWorkloadID(image)
}

func sanitizeForWorkloadID(image string) string {
	replacer := strings.NewReplacer("/", "_", ":", "_", "@", "_")
	return replacer.Replace(image)
}

// CreateContainer allocates a container id, prepares its overlay, writes
// the OCI bundle config, and records the container in the created state.
func (e *Engine) CreateContainer(image string, command []string, env map[string]string, workdir string, mounts []protocol.Mount, tty bool) (ContainerRecord, error) {
	if err := e.requireFormatted(); err != nil {
		return ContainerRecord{}, err
	}

	id := generateContainerID()
	overlay, err := e.PrepareOverlay(image, id)
	if err != nil {
		return ContainerRecord{}, err
	}

	if err := writeBundleConfig(overlay.Bundle, overlay.Merged, command, envSlice(env), workdir, tty); err != nil {
		return ContainerRecord{}, smolvmerr.Wrap(smolvmerr.KindRuntime, smolvmerr.CodeOverlayFailed, "write bundle config", err)
	}
	for i, m := range mounts {
		_ = addBindMount(overlay.Bundle, virtiofsStagingPath(i), m.GuestPath, m.ReadOnly)
	}

	rec := ContainerRecord{
		ID:        id,
		ImageRef:  image,
		Command:   command,
		Env:       env,
		Workdir:   workdir,
		Mounts:    mounts,
		State:     protocol.ContainerCreated,
		CreatedAt: time.Now().Unix(),
	}
	if err := e.withContainerRegistry(func(f *containerFile) (bool, error) {
		f.Containers[id] = rec
		return true, nil
	}); err != nil {
		return ContainerRecord{}, err
	}
	return rec, nil
}

func virtiofsStagingPath(index int) string {
	return virtiofsMountRoot + "/" + virtiofsTag(index)
}

func envSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return ociruntime.EnsurePathInEnv(out)
}

// lookupContainer resolves idOrPrefix to a unique full container id, per
// Exec's "prefix match -> unique full id or error" rule.
func (e *Engine) lookupContainer(idOrPrefix string) (ContainerRecord, error) {
	f, err := e.readContainerFile()
	if err != nil {
		return ContainerRecord{}, err
	}
	if rec, ok := f.Containers[idOrPrefix]; ok {
		return rec, nil
	}

	var matches []ContainerRecord
	for id, rec := range f.Containers {
		if strings.HasPrefix(id, idOrPrefix) {
			matches = append(matches, rec)
		}
	}
	switch len(matches) {
	case 0:
		return ContainerRecord{}, smolvmerr.New(smolvmerr.KindNotFound, smolvmerr.CodeNotFound, fmt.Sprintf("no container matching %q", idOrPrefix))
	case 1:
		return matches[0], nil
	default:
		return ContainerRecord{}, smolvmerr.New(smolvmerr.KindConflict, smolvmerr.CodeConflict, fmt.Sprintf("ambiguous container prefix %q matches %d containers", idOrPrefix, len(matches)))
	}
}

// StartContainer runs the previously created container's entrypoint via
// `crun start`, transitioning it to running.
func (e *Engine) StartContainer(ctx context.Context, idOrPrefix string) (ContainerRecord, error) {
	rec, err := e.lookupContainer(idOrPrefix)
	if err != nil {
		return ContainerRecord{}, err
	}
	if rec.State != protocol.ContainerCreated {
		return ContainerRecord{}, smolvmerr.New(smolvmerr.KindConflict, smolvmerr.CodeConflict,
			fmt.Sprintf("container %s is %s, not created", rec.ID, rec.State))
	}

	overlay, ok := e.existingOverlay(rec.ID)
	if !ok {
		return ContainerRecord{}, smolvmerr.New(smolvmerr.KindRuntime, smolvmerr.CodeOverlayFailed, "overlay not mounted")
	}
	if err := e.runtime.Create(ctx, overlay.Bundle, rec.ID); err != nil {
		return ContainerRecord{}, smolvmerr.Wrap(smolvmerr.KindRuntime, smolvmerr.CodeSpawnFailed, "create container", err)
	}
	if err := e.runtime.Start(ctx, rec.ID); err != nil {
		return ContainerRecord{}, smolvmerr.Wrap(smolvmerr.KindRuntime, smolvmerr.CodeSpawnFailed, "start container", err)
	}

	rec.State = protocol.ContainerRunning
	if err := e.withContainerRegistry(func(f *containerFile) (bool, error) {
		f.Containers[rec.ID] = rec
		return true, nil
	}); err != nil {
		return ContainerRecord{}, err
	}
	return rec, nil
}

// StopContainer sends SIGTERM, waits up to timeout, escalates to SIGKILL,
// deletes the runtime state, and transitions the record to exited with
// its observed exit code.
func (e *Engine) StopContainer(ctx context.Context, idOrPrefix string, timeout time.Duration) (ContainerRecord, error) {
	rec, err := e.lookupContainer(idOrPrefix)
	if err != nil {
		return ContainerRecord{}, err
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	if rec.State == protocol.ContainerRunning {
		_ = e.runtime.Kill(ctx, rec.ID, "SIGTERM")

		waitCtx, cancel := context.WithTimeout(ctx, timeout)
		st, waitErr := e.runtime.WaitForExit(waitCtx, rec.ID, 200*time.Millisecond)
		cancel()
		if waitErr != nil {
			_ = e.runtime.Kill(ctx, rec.ID, "SIGKILL")
			st, _ = e.runtime.WaitForExit(context.Background(), rec.ID, 100*time.Millisecond)
		}

		exitCode := 0
		if st != nil {
			exitCode = exitCodeFromState(st)
		}
		_ = e.writeExitCode(rec.ID, exitCode)
		_ = e.runtime.Delete(ctx, rec.ID, true)

		rec.State = protocol.ContainerExited
		rec.ExitCode = &exitCode
	}

	if err := e.withContainerRegistry(func(f *containerFile) (bool, error) {
		f.Containers[rec.ID] = rec
		return true, nil
	}); err != nil {
		return ContainerRecord{}, err
	}
	return rec, nil
}

func exitCodeFromState(st *ociruntime.State) int {
	if st.Status == "stopped" {
		return 0
	}
	return 137
}

func (e *Engine) writeExitCode(id string, code int) error {
	return os.WriteFile(e.path(containersExit, id), []byte(strconv.Itoa(code)), 0o644)
}

func (e *Engine) readExitCode(id string) (int, bool) {
	data, err := os.ReadFile(e.path(containersExit, id))
	if err != nil {
		return 0, false
	}
	code, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, false
	}
	return code, true
}

// DeleteContainer removes a container's registry entry and overlay. Only
// allowed in created|exited state unless force, which kills first.
func (e *Engine) DeleteContainer(ctx context.Context, idOrPrefix string, force bool) error {
	rec, err := e.lookupContainer(idOrPrefix)
	if err != nil {
		return err
	}

	if rec.State == protocol.ContainerRunning {
		if !force {
			return smolvmerr.New(smolvmerr.KindConflict, smolvmerr.CodeConflict, "container is running; use force to delete")
		}
		_ = e.runtime.Kill(ctx, rec.ID, "SIGKILL")
		_ = e.runtime.Delete(ctx, rec.ID, true)
	}

	if err := e.CleanupOverlay(rec.ID); err != nil {
		return err
	}
	_ = os.Remove(e.path(containersExit, rec.ID))

	return e.withContainerRegistry(func(f *containerFile) (bool, error) {
		delete(f.Containers, rec.ID)
		return true, nil
	})
}

// ListContainers returns a snapshot of every registered container,
// refreshing exit codes from the persisted exit-code file where present
// to avoid a race where the runtime has already reaped the process.
func (e *Engine) ListContainers() ([]ContainerRecord, error) {
	f, err := e.readContainerFile()
	if err != nil {
		return nil, err
	}
	out := make([]ContainerRecord, 0, len(f.Containers))
	for _, rec := range f.Containers {
		if rec.State == protocol.ContainerExited && rec.ExitCode == nil {
			if code, ok := e.readExitCode(rec.ID); ok {
				rec.ExitCode = &code
			}
		}
		out = append(out, rec)
	}
	return out, nil
}

// RunResult is the outcome of a one-shot Run or Exec invocation.
type RunResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Run combines create+start+wait+delete on a sticky per-image overlay
// ("persistent-{sanitized_image}") for fast repeated one-shot execution.
func (e *Engine) Run(ctx context.Context, image string, command []string, env map[string]string, workdir string, mounts []protocol.Mount, timeout time.Duration) (RunResult, error) {
	if err := e.requireFormatted(); err != nil {
		return RunResult{}, err
	}

	workloadID := stickyWorkloadID(image)
	overlay, err := e.GetOrCreateOverlay(image, workloadID)
	if err != nil {
		return RunResult{}, err
	}

	if err := e.SetupVolumeMounts(overlay.Merged, mounts); err != nil {
		e.logger.Warn("volume mount setup failed", "error", err)
	}
	if err := writeBundleConfig(overlay.Bundle, overlay.Merged, command, envSlice(env), workdir, false); err != nil {
		return RunResult{}, smolvmerr.Wrap(smolvmerr.KindRuntime, smolvmerr.CodeOverlayFailed, "write bundle config", err)
	}
	for i, m := range mounts {
		_ = addBindMount(overlay.Bundle, virtiofsStagingPath(i), m.GuestPath, m.ReadOnly)
	}

	containerID := generateContainerID()
	runCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var stdout, stderr strings.Builder
	exitCode, runErr := e.runtime.Run(runCtx, overlay.Bundle, containerID, &stdout, &stderr)
	if runCtx.Err() == context.DeadlineExceeded {
		_ = e.runtime.Kill(context.Background(), containerID, "SIGKILL")
		_ = e.runtime.Delete(context.Background(), containerID, true)
		stderr.WriteString(fmt.Sprintf("\ncontainer timed out after %dms", timeout.Milliseconds()))
		return RunResult{ExitCode: 124, Stdout: stdout.String(), Stderr: stderr.String()}, nil
	}
	if runErr != nil {
		return RunResult{}, smolvmerr.Wrap(smolvmerr.KindRuntime, smolvmerr.CodeSpawnFailed, "run container", runErr)
	}

	return RunResult{ExitCode: exitCode, Stdout: stdout.String(), Stderr: stderr.String()}, nil
}

// Exec runs command inside an already-running container, injecting PATH
// into env when absent.
func (e *Engine) Exec(ctx context.Context, idOrPrefix string, command []string, env map[string]string, timeout time.Duration) (RunResult, error) {
	rec, err := e.lookupContainer(idOrPrefix)
	if err != nil {
		return RunResult{}, err
	}
	if rec.State != protocol.ContainerRunning {
		return RunResult{}, smolvmerr.New(smolvmerr.KindConflict, smolvmerr.CodeConflict, fmt.Sprintf("container %s is %s, not running", rec.ID, rec.State))
	}

	execCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var stdout, stderr strings.Builder
	exitCode, err := e.runtime.Exec(execCtx, rec.ID, command, ociruntime.ExecOpts{
		Env:    envSlice(env),
		Stdout: &stdout,
		Stderr: &stderr,
	})
	if execCtx.Err() == context.DeadlineExceeded {
		return RunResult{ExitCode: 124, Stdout: stdout.String(), Stderr: stderr.String() + fmt.Sprintf("\nexec timed out after %dms", timeout.Milliseconds())}, nil
	}
	if err != nil {
		return RunResult{}, smolvmerr.Wrap(smolvmerr.KindRuntime, smolvmerr.CodeRunFailed, "exec in container", err)
	}
	return RunResult{ExitCode: exitCode, Stdout: stdout.String(), Stderr: stderr.String()}, nil
}
