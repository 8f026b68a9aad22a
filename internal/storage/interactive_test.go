package storage

import (
	"context"
	"testing"

	"github.com/phooq/smolvm/internal/protocol"
)

func TestStartInteractiveRunNonTTYAllocatesPipes(t *testing.T) {
	e := newTestEngine(t)
	if err := e.FormatStorage(); err != nil {
		t.Fatal(err)
	}
	seedImage(t, e, "alpine:latest", []string{"sha256:layer1"})

	session, err := e.StartInteractiveRun(context.Background(), "alpine:latest", []string{"cat"}, nil, "", nil, false)
	if err != nil {
		t.Fatalf("StartInteractiveRun: %v", err)
	}
	defer e.FinishInteractiveSession(session)

	if session.PTY != nil {
		t.Error("expected no pty for a non-tty session")
	}
	if session.Stdin == nil || session.Stdout == nil || session.Stderr == nil {
		t.Fatal("expected stdin/stdout/stderr pipes for a non-tty session")
	}
	if !session.ephemeral {
		t.Error("expected a Run-backed session to be ephemeral")
	}
}

func TestStartInteractiveRunTTYAllocatesPTY(t *testing.T) {
	e := newTestEngine(t)
	if err := e.FormatStorage(); err != nil {
		t.Fatal(err)
	}
	seedImage(t, e, "alpine:latest", []string{"sha256:layer1"})

	session, err := e.StartInteractiveRun(context.Background(), "alpine:latest", []string{"sh"}, nil, "", nil, true)
	if err != nil {
		t.Fatalf("StartInteractiveRun: %v", err)
	}
	defer e.FinishInteractiveSession(session)

	if session.PTY == nil {
		t.Fatal("expected a pty for a tty session")
	}
	if session.Stderr != nil {
		t.Error("expected no separate stderr stream when a pty merges stdout/stderr")
	}
}

func TestStartInteractiveRunFailsForUnknownImage(t *testing.T) {
	e := newTestEngine(t)
	if err := e.FormatStorage(); err != nil {
		t.Fatal(err)
	}

	if _, err := e.StartInteractiveRun(context.Background(), "nope.example.com/missing:latest", []string{"sh"}, nil, "", nil, false); err == nil {
		t.Fatal("expected failure for an unresolvable image")
	}
}

func TestStartInteractiveExecRequiresRunningContainer(t *testing.T) {
	e := newTestEngine(t)
	if err := e.FormatStorage(); err != nil {
		t.Fatal(err)
	}
	seedContainer(t, e, ContainerRecord{ID: "createdid0000000", State: protocol.ContainerCreated})

	if _, err := e.StartInteractiveExec(context.Background(), "createdid0000000", []string{"sh"}, nil, false); err == nil {
		t.Fatal("expected an error execing into a non-running container")
	}
}

func TestStartInteractiveExecOnRunningContainer(t *testing.T) {
	e := newTestEngine(t)
	if err := e.FormatStorage(); err != nil {
		t.Fatal(err)
	}
	seedContainer(t, e, ContainerRecord{ID: "runningid0000000", State: protocol.ContainerRunning})

	session, err := e.StartInteractiveExec(context.Background(), "runningid0000000", []string{"sh"}, nil, false)
	if err != nil {
		t.Fatalf("StartInteractiveExec: %v", err)
	}
	defer e.FinishInteractiveSession(session)

	if session.ephemeral {
		t.Error("expected an Exec-backed session not to be ephemeral")
	}
	if session.Stdin == nil || session.Stdout == nil {
		t.Fatal("expected stdin/stdout pipes for a non-tty exec session")
	}
}
