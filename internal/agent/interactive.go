package agent

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/creack/pty"

	"github.com/phooq/smolvm/internal/codec"
	"github.com/phooq/smolvm/internal/protocol"
	"github.com/phooq/smolvm/internal/smolvmerr"
	"github.com/phooq/smolvm/internal/storage"
)

// liveProcess is the minimal handle runInteractiveSession needs, satisfied
// by both a storage.InteractiveSession (Run/Exec) and a bare *exec.Cmd
// (VmExec, which never touches internal/storage).
type liveProcess struct {
	cmd    *exec.Cmd
	pty    *os.File
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	finish func() // torn down once the session ends
}

// runInteractiveSession owns the connection from Started to Exited: the
// borrowed-connection contract means only Stdin/Resize requests are legal
// on it until the subject process exits.
func (a *Agent) runInteractiveSession(ctx context.Context, conn *codec.Conn, method protocol.Method, params map[string]any) {
	proc, err := a.startLiveProcess(ctx, method, params)
	if err != nil {
		_ = conn.WriteFrame(errorResponse(err))
		return
	}
	defer proc.finish()

	if err := conn.WriteFrame(protocol.Response{Status: protocol.StatusStarted}); err != nil {
		_ = proc.cmd.Process.Kill()
		return
	}

	timeout := time.Duration(int64Param(params, "timeout_ms")) * time.Millisecond
	exitCode := a.pumpInteractive(conn, proc, timeout)
	_ = conn.WriteFrame(protocol.Response{Status: protocol.StatusExited, Data: map[string]any{"exit_code": exitCode}})
}

func (a *Agent) startLiveProcess(ctx context.Context, method protocol.Method, params map[string]any) (*liveProcess, error) {
	command := stringSliceParam(params, "command")
	env := stringMapParam(params, "env")
	workdir := stringParam(params, "workdir")
	tty := boolParam(params, "tty")

	switch method {
	case protocol.MethodRun:
		sess, err := a.engine.StartInteractiveRun(ctx, stringParam(params, "image"), command, env, workdir, mountsParam(params, "mounts"), tty)
		if err != nil {
			return nil, err
		}
		return sessionToLiveProcess(a.engine, sess), nil

	case protocol.MethodExec:
		sess, err := a.engine.StartInteractiveExec(ctx, stringParam(params, "container_id"), command, env, tty)
		if err != nil {
			return nil, err
		}
		return sessionToLiveProcess(a.engine, sess), nil

	case protocol.MethodVmExec:
		return a.startInteractiveVmExec(ctx, command, env, workdir, tty)

	default:
		return nil, smolvmerr.New(smolvmerr.KindProtocol, smolvmerr.CodeInvalidRequest, "not an interactive-capable method")
	}
}

func sessionToLiveProcess(engine *storage.Engine, sess *storage.InteractiveSession) *liveProcess {
	return &liveProcess{
		cmd:    sess.Cmd,
		pty:    sess.PTY,
		stdin:  sess.Stdin,
		stdout: sess.Stdout,
		stderr: sess.Stderr,
		finish: func() { engine.FinishInteractiveSession(sess) },
	}
}

func (a *Agent) startInteractiveVmExec(ctx context.Context, command []string, env map[string]string, workdir string, tty bool) (*liveProcess, error) {
	if len(command) == 0 {
		return nil, smolvmerr.New(smolvmerr.KindProtocol, smolvmerr.CodeInvalidRequest, "command must not be empty")
	}
	cmd := exec.CommandContext(ctx, command[0], command[1:]...)
	cmd.Dir = workdir
	cmd.Env = append(os.Environ(), envSlice(env)...)

	if tty {
		ptmx, err := pty.Start(cmd)
		if err != nil {
			return nil, smolvmerr.Wrap(smolvmerr.KindRuntime, smolvmerr.CodeSpawnFailed, "start interactive vmexec", err)
		}
		return &liveProcess{cmd: cmd, pty: ptmx, finish: func() { _ = ptmx.Close() }}, nil
	}

	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return nil, smolvmerr.Wrap(smolvmerr.KindRuntime, smolvmerr.CodeSpawnFailed, "open stdin pipe", err)
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, smolvmerr.Wrap(smolvmerr.KindRuntime, smolvmerr.CodeSpawnFailed, "open stdout pipe", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		return nil, smolvmerr.Wrap(smolvmerr.KindRuntime, smolvmerr.CodeSpawnFailed, "open stderr pipe", err)
	}
	cmd.Stdin, cmd.Stdout, cmd.Stderr = stdinR, stdoutW, stderrW
	if err := cmd.Start(); err != nil {
		return nil, smolvmerr.Wrap(smolvmerr.KindRuntime, smolvmerr.CodeSpawnFailed, "start interactive vmexec", err)
	}
	_ = stdinR.Close()
	_ = stdoutW.Close()
	_ = stderrW.Close()

	return &liveProcess{
		cmd: cmd, stdin: stdinW, stdout: stdoutR, stderr: stderrR,
		finish: func() { _ = stdinW.Close(); _ = stdoutR.Close(); _ = stderrR.Close() },
	}, nil
}

type streamChunk struct {
	status protocol.Status
	data   []byte
}

// pumpInteractive multiplexes the subject process's stdout/stderr against
// the connection's incoming Stdin/Resize requests until the process exits,
// the connection closes, or timeout elapses. It returns the observed exit
// code.
//
// Each data source gets its own goroutine issuing blocking reads (the
// idiomatic Go shape for "read from several streams while writing one
// output at a time"); a single select loop owns every write to conn so
// frames are never interleaved or reordered.
func (a *Agent) pumpInteractive(conn *codec.Conn, proc *liveProcess, timeout time.Duration) int {
	chunks := make(chan streamChunk, 32)
	var wg sync.WaitGroup

	readInto := func(r io.Reader, status protocol.Status) {
		defer wg.Done()
		buf := make([]byte, 32*1024)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				chunks <- streamChunk{status: status, data: chunk}
			}
			if err != nil {
				return
			}
		}
	}

	if proc.pty != nil {
		wg.Add(1)
		go readInto(proc.pty, protocol.StatusStdout)
	} else {
		wg.Add(2)
		go readInto(proc.stdout, protocol.StatusStdout)
		go readInto(proc.stderr, protocol.StatusStderr)
	}
	go func() { wg.Wait(); close(chunks) }()

	waitCh := make(chan error, 1)
	go func() { waitCh <- proc.cmd.Wait() }()

	type reqOrErr struct {
		req protocol.Request
		err error
	}
	reqCh := make(chan reqOrErr, 1)
	readNextReq := func() {
		var req protocol.Request
		err := conn.ReadFrame(&req)
		reqCh <- reqOrErr{req: req, err: err}
	}
	go readNextReq()

	stdinWriter := proc.stdin
	if proc.pty != nil {
		stdinWriter = proc.pty
	}

	var timeoutC <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutC = timer.C
	}

	exitCode := -1
	processExited := false
	outputDrained := false
	connLost := false

	for {
		if processExited && outputDrained {
			return exitCode
		}

		select {
		case chunk, ok := <-chunks:
			if !ok {
				outputDrained = true
				continue
			}
			_ = conn.WriteFrame(protocol.Response{Status: chunk.status, Data: map[string]any{"data": chunk.data}})

		case werr := <-waitCh:
			processExited = true
			exitCode = exitCodeFromWaitErr(werr)

		case re := <-reqCh:
			if re.err != nil {
				connLost = true
				_ = proc.cmd.Process.Kill()
				continue
			}
			switch re.req.Method {
			case protocol.MethodStdin:
				if stdinWriter != nil {
					_, _ = stdinWriter.Write(decodeWireBytes(re.req.Params["data"]))
				}
			case protocol.MethodResize:
				if proc.pty != nil {
					_ = pty.Setsize(proc.pty, &pty.Winsize{
						Rows: uint16(int64Param(re.req.Params, "rows")),
						Cols: uint16(int64Param(re.req.Params, "cols")),
					})
				}
			default:
				_ = conn.WriteFrame(errorResponse(smolvmerr.New(smolvmerr.KindProtocol, smolvmerr.CodeInvalidRequest, "only Stdin/Resize are valid in an active session")))
			}
			if !connLost {
				go readNextReq()
			}

		case <-timeoutC:
			_ = proc.cmd.Process.Kill()
			timeoutC = nil
		}
	}
}

func exitCodeFromWaitErr(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
