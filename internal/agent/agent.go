// Package agent is the in-guest request dispatcher: it terminates the
// framed control connection the host dials, decodes one
// tagged Request at a time, and drives internal/storage.Engine to answer
// it. It plays the same role inside the guest that internal/httpapi plays
// on the host: a thin, stateless-per-request translation layer in front of
// the engine that actually does the work.
package agent

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"syscall"
	"time"

	"github.com/phooq/smolvm/internal/codec"
	"github.com/phooq/smolvm/internal/protocol"
	"github.com/phooq/smolvm/internal/smolvmerr"
	"github.com/phooq/smolvm/internal/storage"
)

// Agent dispatches control-protocol requests against one storage.Engine.
// It is safe for concurrent use: Engine's own locking (the container
// registry file lock, overlay mount checks) is what actually serializes
// conflicting operations, not Agent itself.
type Agent struct {
	engine *storage.Engine
	logger *slog.Logger
}

// New returns an Agent driving engine.
func New(engine *storage.Engine, logger *slog.Logger) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{engine: engine, logger: logger.With("component", "agent")}
}

// Serve accepts connections on ln until ctx is cancelled or Accept fails.
// Each connection is handled on its own goroutine; within one connection,
// requests are processed strictly one at a time, in arrival order, which
// is what "at most one request in flight per control socket"
// rule requires.
func (a *Agent) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go a.handleConn(ctx, conn)
	}
}

func (a *Agent) handleConn(ctx context.Context, nc net.Conn) {
	defer nc.Close()
	conn := codec.NewConn(nc)

	for {
		var req protocol.Request
		if err := conn.ReadFrame(&req); err != nil {
			if !errors.Is(err, io.EOF) {
				a.logger.Debug("connection read error", "error", err)
			}
			return
		}

		switch req.Method {
		case protocol.MethodRun, protocol.MethodExec, protocol.MethodVmExec:
			if boolParam(req.Params, "interactive") {
				a.runInteractiveSession(ctx, conn, req.Method, req.Params)
				continue
			}
			_ = conn.WriteFrame(a.dispatch(ctx, req))
		case protocol.MethodPull:
			a.handlePull(ctx, conn, req.Params)
		case protocol.MethodStdin, protocol.MethodResize:
			// Only valid for the duration of an interactive session, which
			// owns the connection until Exited; reaching here means no
			// session is active.
			_ = conn.WriteFrame(errorResponse(smolvmerr.New(smolvmerr.KindProtocol, smolvmerr.CodeInvalidRequest, "no active interactive session")))
		default:
			_ = conn.WriteFrame(a.dispatch(ctx, req))
		}
	}
}

// dispatch handles every method that answers with exactly one frame.
// Pull (streaming) and interactive Run/Exec/VmExec are handled by the
// caller before reaching here.
func (a *Agent) dispatch(ctx context.Context, req protocol.Request) *protocol.Response {
	switch req.Method {
	case protocol.MethodPing:
		return &protocol.Response{Status: protocol.StatusPong, Data: map[string]any{"version": protocol.ProtocolVersion}}

	case protocol.MethodQuery:
		info, ok, err := a.engine.Query(stringParam(req.Params, "image"))
		if err != nil {
			return errorResponse(err)
		}
		if !ok {
			return errorResponse(smolvmerr.New(smolvmerr.KindNotFound, smolvmerr.CodeNotFound, "image not found"))
		}
		return okResponse(structToMap(toProtocolImage(info)))

	case protocol.MethodListImages:
		images, err := a.engine.ListImages()
		if err != nil {
			return errorResponse(err)
		}
		out := make([]protocol.ImageInfo, len(images))
		for i, info := range images {
			out[i] = toProtocolImage(info)
		}
		return okResponse(map[string]any{"images": out})

	case protocol.MethodGarbageCollect:
		freed, err := a.engine.GarbageCollect(boolParam(req.Params, "dry_run"))
		if err != nil {
			return errorResponse(err)
		}
		return okResponse(map[string]any{"freed_bytes": freed})

	case protocol.MethodPrepareOverlay:
		overlay, err := a.engine.PrepareOverlay(stringParam(req.Params, "image"), stringParam(req.Params, "workload_id"))
		if err != nil {
			return errorResponse(err)
		}
		return okResponse(structToMap(toProtocolOverlay(overlay)))

	case protocol.MethodCleanupOverlay:
		if err := a.engine.CleanupOverlay(stringParam(req.Params, "workload_id")); err != nil {
			return errorResponse(err)
		}
		return okResponse(nil)

	case protocol.MethodFormatStorage:
		if err := a.engine.FormatStorage(); err != nil {
			return errorResponse(err)
		}
		return okResponse(nil)

	case protocol.MethodStorageStatus:
		status, err := a.engine.Status()
		if err != nil {
			return errorResponse(err)
		}
		return okResponse(structToMap(toProtocolStatus(status)))

	case protocol.MethodRun:
		return a.handleRun(ctx, req.Params)

	case protocol.MethodExec:
		return a.handleExec(ctx, req.Params)

	case protocol.MethodVmExec:
		return a.handleVmExec(ctx, req.Params)

	case protocol.MethodCreateContainer:
		rec, err := a.engine.CreateContainer(
			stringParam(req.Params, "image"),
			stringSliceParam(req.Params, "command"),
			stringMapParam(req.Params, "env"),
			stringParam(req.Params, "workdir"),
			mountsParam(req.Params, "mounts"),
			boolParam(req.Params, "tty"),
		)
		if err != nil {
			return errorResponse(err)
		}
		return okResponse(structToMap(toProtocolContainer(rec)))

	case protocol.MethodStartContainer:
		rec, err := a.engine.StartContainer(ctx, stringParam(req.Params, "id"))
		if err != nil {
			return errorResponse(err)
		}
		return okResponse(structToMap(toProtocolContainer(rec)))

	case protocol.MethodStopContainer:
		timeout := time.Duration(int64Param(req.Params, "timeout_secs")) * time.Second
		rec, err := a.engine.StopContainer(ctx, stringParam(req.Params, "id"), timeout)
		if err != nil {
			return errorResponse(err)
		}
		return okResponse(structToMap(toProtocolContainer(rec)))

	case protocol.MethodDeleteContainer:
		if err := a.engine.DeleteContainer(ctx, stringParam(req.Params, "id"), boolParam(req.Params, "force")); err != nil {
			return errorResponse(err)
		}
		return okResponse(nil)

	case protocol.MethodListContainers:
		recs, err := a.engine.ListContainers()
		if err != nil {
			return errorResponse(err)
		}
		out := make([]protocol.ContainerInfo, len(recs))
		for i, rec := range recs {
			out[i] = toProtocolContainer(rec)
		}
		return okResponse(map[string]any{"containers": out})

	case protocol.MethodShutdown:
		// sync(2) flushes the storage disk before the host tears the
		// microVM down shutdown sync barrier.
		syncDisk()
		return okResponse(nil)

	default:
		return errorResponse(smolvmerr.New(smolvmerr.KindProtocol, smolvmerr.CodeInvalidRequest, "unknown method"))
	}
}

func (a *Agent) handleRun(ctx context.Context, params map[string]any) *protocol.Response {
	timeout := time.Duration(int64Param(params, "timeout_ms")) * time.Millisecond
	result, err := a.engine.Run(ctx,
		stringParam(params, "image"),
		stringSliceParam(params, "command"),
		stringMapParam(params, "env"),
		stringParam(params, "workdir"),
		mountsParam(params, "mounts"),
		timeout,
	)
	if err != nil {
		return errorResponse(err)
	}
	return okResponse(structToMap(result))
}

func (a *Agent) handleExec(ctx context.Context, params map[string]any) *protocol.Response {
	timeout := time.Duration(int64Param(params, "timeout_ms")) * time.Millisecond
	result, err := a.engine.Exec(ctx,
		stringParam(params, "container_id"),
		stringSliceParam(params, "command"),
		stringMapParam(params, "env"),
		timeout,
	)
	if err != nil {
		return errorResponse(err)
	}
	return okResponse(structToMap(result))
}

func okResponse(data map[string]any) *protocol.Response {
	return &protocol.Response{Status: protocol.StatusOk, Data: data}
}

func errorResponse(err error) *protocol.Response {
	var se *smolvmerr.Error
	if errors.As(err, &se) {
		return &protocol.Response{Status: protocol.StatusError, Code: se.Code, Message: se.Error()}
	}
	return &protocol.Response{Status: protocol.StatusError, Code: smolvmerr.CodeInternal, Message: err.Error()}
}

func syncDisk() {
	syscall.Sync()
}
