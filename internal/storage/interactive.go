package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/creack/pty"

	"github.com/phooq/smolvm/internal/ociruntime"
	"github.com/phooq/smolvm/internal/protocol"
	"github.com/phooq/smolvm/internal/smolvmerr"
)

// InteractiveSession is a live, attached `crun run`/`crun exec` process: the
// counterpart to RunResult for Run/Exec invocations carrying
// interactive:true, where the caller needs a stdin/resize/stdout/stderr
// pipe rather than a buffered result.
//
// Exactly one of PTY or (Stdin/Stdout/Stderr) is populated, depending on
// whether the session was started with a pseudo-terminal: a pty merges
// stdout and stderr into one stream (Stderr is nil in that case), matching
// how any real terminal session behaves.
type InteractiveSession struct {
	Cmd    *exec.Cmd
	PTY    *os.File
	Stdin  io.WriteCloser
	Stdout io.ReadCloser
	Stderr io.ReadCloser

	containerID string
	workloadID  string
	ephemeral   bool // true for Run (fresh overlay torn down on exit), false for Exec
}

func allocateStdio(tty bool) (opts ociruntime.ExecOpts, session InteractiveSession, closeParentEnds func(), err error) {
	if tty {
		ptmx, pts, perr := pty.Open()
		if perr != nil {
			return opts, session, nil, fmt.Errorf("storage: open pty: %w", perr)
		}
		opts = ociruntime.ExecOpts{Stdin: pts, Stdout: pts, Stderr: pts, TTY: true}
		session.PTY = ptmx
		return opts, session, func() { _ = pts.Close() }, nil
	}

	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return opts, session, nil, fmt.Errorf("storage: open stdin pipe: %w", err)
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return opts, session, nil, fmt.Errorf("storage: open stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		return opts, session, nil, fmt.Errorf("storage: open stderr pipe: %w", err)
	}
	opts = ociruntime.ExecOpts{Stdin: stdinR, Stdout: stdoutW, Stderr: stderrW}
	session.Stdin = stdinW
	session.Stdout = stdoutR
	session.Stderr = stderrR
	return opts, session, func() {
		_ = stdinR.Close()
		_ = stdoutW.Close()
		_ = stderrW.Close()
	}, nil
}

// StartInteractiveRun mirrors Run but returns a live, attached process
// instead of blocking for a buffered result. Interactive runs always get a
// freshly allocated, non-sticky overlay (unlike Run's per-image sticky
// reuse) so that concurrent interactive sessions against the same image
// never share a mutable upper directory.
func (e *Engine) StartInteractiveRun(ctx context.Context, image string, command []string, env map[string]string, workdir string, mounts []protocol.Mount, tty bool) (*InteractiveSession, error) {
	if err := e.requireFormatted(); err != nil {
		return nil, err
	}

	workloadID := generateContainerID()
	overlay, err := e.PrepareOverlay(image, workloadID)
	if err != nil {
		return nil, err
	}
	if err := e.SetupVolumeMounts(overlay.Merged, mounts); err != nil {
		e.logger.Warn("volume mount setup failed", "error", err)
	}
	if err := writeBundleConfig(overlay.Bundle, overlay.Merged, command, envSlice(env), workdir, tty); err != nil {
		_ = e.CleanupOverlay(workloadID)
		return nil, smolvmerr.Wrap(smolvmerr.KindRuntime, smolvmerr.CodeOverlayFailed, "write bundle config", err)
	}
	for i, m := range mounts {
		_ = addBindMount(overlay.Bundle, virtiofsStagingPath(i), m.GuestPath, m.ReadOnly)
	}

	opts, session, closeParentEnds, err := allocateStdio(tty)
	if err != nil {
		_ = e.CleanupOverlay(workloadID)
		return nil, smolvmerr.Wrap(smolvmerr.KindRuntime, smolvmerr.CodeSpawnFailed, "allocate session stdio", err)
	}

	containerID := generateContainerID()
	cmd, err := e.runtime.StartRun(ctx, overlay.Bundle, containerID, opts)
	closeParentEnds()
	if err != nil {
		_ = e.CleanupOverlay(workloadID)
		return nil, smolvmerr.Wrap(smolvmerr.KindRuntime, smolvmerr.CodeSpawnFailed, "start interactive run", err)
	}

	session.Cmd = cmd
	session.containerID = containerID
	session.workloadID = workloadID
	session.ephemeral = true
	return &session, nil
}

// StartInteractiveExec mirrors Exec but against an already-running
// container, returning a live, attached process.
func (e *Engine) StartInteractiveExec(ctx context.Context, idOrPrefix string, command []string, env map[string]string, tty bool) (*InteractiveSession, error) {
	rec, err := e.lookupContainer(idOrPrefix)
	if err != nil {
		return nil, err
	}
	if rec.State != protocol.ContainerRunning {
		return nil, smolvmerr.New(smolvmerr.KindConflict, smolvmerr.CodeConflict, fmt.Sprintf("container %s is %s, not running", rec.ID, rec.State))
	}

	opts, session, closeParentEnds, err := allocateStdio(tty)
	if err != nil {
		return nil, smolvmerr.Wrap(smolvmerr.KindRuntime, smolvmerr.CodeSpawnFailed, "allocate session stdio", err)
	}
	opts.Env = envSlice(env)

	cmd, err := e.runtime.StartExec(ctx, rec.ID, command, opts)
	closeParentEnds()
	if err != nil {
		return nil, smolvmerr.Wrap(smolvmerr.KindRuntime, smolvmerr.CodeSpawnFailed, "start interactive exec", err)
	}

	session.Cmd = cmd
	session.containerID = rec.ID
	session.ephemeral = false
	return &session, nil
}

// FinishInteractiveSession tears down whatever StartInteractiveRun/
// StartInteractiveExec allocated. It does not wait for the session's
// process to exit; the caller observes completion itself (via Cmd.Wait
// or a select on its own goroutine) before calling it.
func (e *Engine) FinishInteractiveSession(s *InteractiveSession) {
	if s.PTY != nil {
		_ = s.PTY.Close()
	}
	if s.Stdin != nil {
		_ = s.Stdin.Close()
	}
	if s.Stdout != nil {
		_ = s.Stdout.Close()
	}
	if s.Stderr != nil {
		_ = s.Stderr.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if s.ephemeral {
		_ = e.runtime.Delete(ctx, s.containerID, true)
		_ = e.CleanupOverlay(s.workloadID)
	}
}
