package agent

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/phooq/smolvm/internal/codec"
	"github.com/phooq/smolvm/internal/ociruntime"
	"github.com/phooq/smolvm/internal/protocol"
	"github.com/phooq/smolvm/internal/storage"
)

func newTestAgent(t *testing.T) *Agent {
	t.Helper()
	root := t.TempDir()
	engine := storage.New(root, ociruntime.New("/usr/bin/crun"), nil)
	return New(engine, nil)
}

func dialInProcess(t *testing.T, a *Agent) *codec.Conn {
	t.Helper()
	serverConn, clientConn := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go a.handleConn(ctx, serverConn)
	return codec.NewConn(clientConn)
}

func TestPingPong(t *testing.T) {
	a := newTestAgent(t)
	conn := dialInProcess(t, a)

	if err := conn.WriteFrame(protocol.Request{Method: protocol.MethodPing}); err != nil {
		t.Fatalf("write: %v", err)
	}
	var resp protocol.Response
	if err := conn.ReadFrame(&resp); err != nil {
		t.Fatalf("read: %v", err)
	}
	if resp.Status != protocol.StatusPong {
		t.Fatalf("expected Pong, got %q", resp.Status)
	}
}

func TestQueryUnknownImageIsNotFound(t *testing.T) {
	a := newTestAgent(t)
	conn := dialInProcess(t, a)

	if err := conn.WriteFrame(protocol.Request{Method: protocol.MethodQuery, Params: map[string]any{"image": "docker.io/library/alpine:latest"}}); err != nil {
		t.Fatalf("write: %v", err)
	}
	var resp protocol.Response
	if err := conn.ReadFrame(&resp); err != nil {
		t.Fatalf("read: %v", err)
	}
	if resp.Status != protocol.StatusError || resp.Code != "NOT_FOUND" {
		t.Fatalf("expected NOT_FOUND error, got status=%q code=%q", resp.Status, resp.Code)
	}
}

func TestFormatStorageThenStatusReportsReady(t *testing.T) {
	a := newTestAgent(t)
	conn := dialInProcess(t, a)

	if err := conn.WriteFrame(protocol.Request{Method: protocol.MethodFormatStorage}); err != nil {
		t.Fatalf("write format: %v", err)
	}
	var formatResp protocol.Response
	if err := conn.ReadFrame(&formatResp); err != nil {
		t.Fatalf("read format: %v", err)
	}
	if formatResp.Status != protocol.StatusOk {
		t.Fatalf("expected Ok, got %q (%s)", formatResp.Status, formatResp.Message)
	}

	if err := conn.WriteFrame(protocol.Request{Method: protocol.MethodStorageStatus}); err != nil {
		t.Fatalf("write status: %v", err)
	}
	var statusResp protocol.Response
	if err := conn.ReadFrame(&statusResp); err != nil {
		t.Fatalf("read status: %v", err)
	}
	if statusResp.Status != protocol.StatusOk {
		t.Fatalf("expected Ok, got %q", statusResp.Status)
	}
	ready, _ := statusResp.Data["ready"].(bool)
	if !ready {
		t.Fatalf("expected ready=true after FormatStorage, got %v", statusResp.Data)
	}
}

func TestStdinOutsideSessionIsInvalidRequest(t *testing.T) {
	a := newTestAgent(t)
	conn := dialInProcess(t, a)

	if err := conn.WriteFrame(protocol.Request{Method: protocol.MethodStdin, Params: map[string]any{"data": []byte("hi")}}); err != nil {
		t.Fatalf("write: %v", err)
	}
	var resp protocol.Response
	if err := conn.ReadFrame(&resp); err != nil {
		t.Fatalf("read: %v", err)
	}
	if resp.Status != protocol.StatusError || resp.Code != "INVALID_REQUEST" {
		t.Fatalf("expected INVALID_REQUEST, got status=%q code=%q", resp.Status, resp.Code)
	}
}

func TestVmExecRunsDirectlyInGuest(t *testing.T) {
	a := newTestAgent(t)
	conn := dialInProcess(t, a)

	if err := conn.WriteFrame(protocol.Request{Method: protocol.MethodVmExec, Params: map[string]any{
		"command": []string{"sh", "-c", "echo hello"},
	}}); err != nil {
		t.Fatalf("write: %v", err)
	}
	var resp protocol.Response
	if err := conn.ReadFrame(&resp); err != nil {
		t.Fatalf("read: %v", err)
	}
	if resp.Status != protocol.StatusOk {
		t.Fatalf("expected Ok, got %q (%s)", resp.Status, resp.Message)
	}
	exitCode := int64Param(resp.Data, "exit_code")
	if exitCode != 0 {
		t.Fatalf("expected exit code 0, got %d", exitCode)
	}
}

func TestVmExecTimeout(t *testing.T) {
	a := newTestAgent(t)
	conn := dialInProcess(t, a)

	if err := conn.WriteFrame(protocol.Request{Method: protocol.MethodVmExec, Params: map[string]any{
		"command":    []string{"sleep", "5"},
		"timeout_ms": 50,
	}}); err != nil {
		t.Fatalf("write: %v", err)
	}
	var resp protocol.Response
	if err := conn.ReadFrame(&resp); err != nil {
		t.Fatalf("read: %v", err)
	}
	if resp.Status != protocol.StatusOk {
		t.Fatalf("expected Ok, got %q (%s)", resp.Status, resp.Message)
	}
	if int64Param(resp.Data, "exit_code") != 124 {
		t.Fatalf("expected exit code 124 on timeout, got %v", resp.Data["exit_code"])
	}
}

func TestVmExecInteractive(t *testing.T) {
	a := newTestAgent(t)
	conn := dialInProcess(t, a)

	if err := conn.WriteFrame(protocol.Request{Method: protocol.MethodVmExec, Params: map[string]any{
		"command":     []string{"cat"},
		"interactive": true,
	}}); err != nil {
		t.Fatalf("write: %v", err)
	}

	var started protocol.Response
	if err := conn.ReadFrame(&started); err != nil {
		t.Fatalf("read started: %v", err)
	}
	if started.Status != protocol.StatusStarted {
		t.Fatalf("expected Started, got %q (%s)", started.Status, started.Message)
	}

	if err := conn.WriteFrame(protocol.Request{Method: protocol.MethodStdin, Params: map[string]any{"data": []byte("ping\n")}}); err != nil {
		t.Fatalf("write stdin: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		var resp protocol.Response
		if err := conn.ReadFrame(&resp); err != nil {
			t.Fatalf("read stream frame: %v", err)
		}
		switch resp.Status {
		case protocol.StatusStdout:
			data := decodeWireBytes(resp.Data["data"])
			if string(data) == "ping\n" {
				return
			}
		case protocol.StatusExited:
			t.Fatalf("process exited before echo observed")
		}
	}
	t.Fatalf("timed out waiting for echoed stdin")
}
