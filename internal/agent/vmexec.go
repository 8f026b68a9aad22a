package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/phooq/smolvm/internal/ociruntime"
	"github.com/phooq/smolvm/internal/protocol"
	"github.com/phooq/smolvm/internal/smolvmerr"
	"github.com/phooq/smolvm/internal/storage"
)

// handleVmExec runs a command directly in the guest OS, bypassing any
// container VmExec. Unlike Run/Exec this never touches
// internal/storage: there is no overlay or bundle, just a plain process.
func (a *Agent) handleVmExec(ctx context.Context, params map[string]any) *protocol.Response {
	command := stringSliceParam(params, "command")
	if len(command) == 0 {
		return errorResponse(smolvmerr.New(smolvmerr.KindProtocol, smolvmerr.CodeInvalidRequest, "command must not be empty"))
	}
	timeout := time.Duration(int64Param(params, "timeout_ms")) * time.Millisecond

	runCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, command[0], command[1:]...)
	cmd.Dir = stringParam(params, "workdir")
	cmd.Env = ociruntime.EnsurePathInEnv(append(os.Environ(), envSlice(stringMapParam(params, "env"))...))

	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if runCtx.Err() == context.DeadlineExceeded {
		stderr.WriteString(fmt.Sprintf("\nprocess timed out after %dms", timeout.Milliseconds()))
		return okResponse(structToMap(storage.RunResult{ExitCode: 124, Stdout: stdout.String(), Stderr: stderr.String()}))
	}

	exitCode := 0
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return errorResponse(smolvmerr.Wrap(smolvmerr.KindRuntime, smolvmerr.CodeRunFailed, "vmexec", runErr))
		}
	}
	return okResponse(structToMap(storage.RunResult{ExitCode: exitCode, Stdout: stdout.String(), Stderr: stderr.String()}))
}

func envSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}
