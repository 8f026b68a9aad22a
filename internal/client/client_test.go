package client

import (
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/phooq/smolvm/internal/codec"
	"github.com/phooq/smolvm/internal/protocol"
)

// fakeAgent is a minimal, single-connection echo-style agent used to
// exercise Client against a real Unix-domain socket without the guest.
func fakeAgent(t *testing.T, handler func(req protocol.Request) protocol.Response) string {
	t.Helper()
	sockPath := filepath.Join(t.TempDir(), "control.sock")

	ln, err := net.Listen("unix", sockPath)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close(); os.Remove(sockPath) })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		c := codec.NewConn(conn)
		for {
			var req protocol.Request
			if err := c.ReadFrame(&req); err != nil {
				return
			}
			resp := handler(req)
			if err := c.WriteFrame(resp); err != nil {
				return
			}
		}
	}()

	return sockPath
}

func TestPing(t *testing.T) {
	sock := fakeAgent(t, func(req protocol.Request) protocol.Response {
		if req.Method != protocol.MethodPing {
			t.Errorf("method = %s, want Ping", req.Method)
		}
		return protocol.Response{Status: protocol.StatusPong}
	})

	cl, err := Dial(sock)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer cl.Close()

	if err := cl.Ping(); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

func TestQuery_NotFound(t *testing.T) {
	sock := fakeAgent(t, func(req protocol.Request) protocol.Response {
		return protocol.Response{Status: protocol.StatusError, Code: "NOT_FOUND", Message: "image not found: alpine"}
	})

	cl, err := Dial(sock)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer cl.Close()

	_, err = cl.Query("alpine")
	if err == nil {
		t.Fatal("expected error for missing image")
	}
}

func TestRun_NonInteractive(t *testing.T) {
	sock := fakeAgent(t, func(req protocol.Request) protocol.Response {
		return protocol.Response{
			Status: protocol.StatusCompleted,
			Data:   map[string]any{"exit_code": 0, "stdout": "hi\n", "stderr": ""},
		}
	})

	cl, err := Dial(sock)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer cl.Close()

	result, err := cl.Run(RunRequest{Image: "alpine:3.19", Command: []string{"/bin/echo", "hi"}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.ExitCode != 0 || result.Stdout != "hi\n" {
		t.Errorf("unexpected result: %+v", result)
	}
}

func TestOrdinaryCallRejectedDuringSession(t *testing.T) {
	sock := fakeAgent(t, func(req protocol.Request) protocol.Response {
		return protocol.Response{Status: protocol.StatusStarted}
	})

	cl, err := Dial(sock)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer cl.Close()

	if _, err := cl.RunInteractive(RunRequest{Image: "alpine", Command: []string{"sh"}}); err != nil {
		t.Fatalf("RunInteractive: %v", err)
	}

	if err := cl.Ping(); err == nil {
		t.Fatal("expected ordinary call to be rejected while connection is borrowed by a session")
	}
}
