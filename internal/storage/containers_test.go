package storage

import (
	"context"
	"testing"

	"github.com/phooq/smolvm/internal/protocol"
)

func seedContainer(t *testing.T, e *Engine, rec ContainerRecord) {
	t.Helper()
	if err := e.withContainerRegistry(func(f *containerFile) (bool, error) {
		f.Containers[rec.ID] = rec
		return true, nil
	}); err != nil {
		t.Fatalf("seedContainer: %v", err)
	}
}

func TestGenerateContainerIDIsHex128Bit(t *testing.T) {
	id := generateContainerID()
	if len(id) != 32 {
		t.Fatalf("expected 32 hex chars (128 bits), got %d: %q", len(id), id)
	}
	for _, r := range id {
		if !((r >= '0' && r <= '9') || (r >= 'a' && r <= 'f')) {
			t.Fatalf("id contains non-hex character: %q", id)
		}
	}
}

func TestLookupContainerExactMatch(t *testing.T) {
	e := newTestEngine(t)
	if err := e.FormatStorage(); err != nil {
		t.Fatal(err)
	}
	seedContainer(t, e, ContainerRecord{ID: "abcdef0123456789", ImageRef: "alpine", State: protocol.ContainerCreated})

	rec, err := e.lookupContainer("abcdef0123456789")
	if err != nil {
		t.Fatalf("lookupContainer: %v", err)
	}
	if rec.ImageRef != "alpine" {
		t.Errorf("unexpected record: %+v", rec)
	}
}

func TestLookupContainerPrefixMatch(t *testing.T) {
	e := newTestEngine(t)
	if err := e.FormatStorage(); err != nil {
		t.Fatal(err)
	}
	seedContainer(t, e, ContainerRecord{ID: "abcdef0123456789", ImageRef: "alpine", State: protocol.ContainerCreated})

	rec, err := e.lookupContainer("abcdef")
	if err != nil {
		t.Fatalf("lookupContainer prefix: %v", err)
	}
	if rec.ID != "abcdef0123456789" {
		t.Errorf("unexpected match: %+v", rec)
	}
}

func TestLookupContainerAmbiguousPrefix(t *testing.T) {
	e := newTestEngine(t)
	if err := e.FormatStorage(); err != nil {
		t.Fatal(err)
	}
	seedContainer(t, e, ContainerRecord{ID: "aaaa000000000000", State: protocol.ContainerCreated})
	seedContainer(t, e, ContainerRecord{ID: "aaaa111111111111", State: protocol.ContainerCreated})

	if _, err := e.lookupContainer("aaaa"); err == nil {
		t.Fatal("expected ambiguous prefix error")
	}
}

func TestLookupContainerNotFound(t *testing.T) {
	e := newTestEngine(t)
	if err := e.FormatStorage(); err != nil {
		t.Fatal(err)
	}
	if _, err := e.lookupContainer("nonexistent"); err == nil {
		t.Fatal("expected not found error")
	}
}

func TestDeleteContainerRefusesRunningWithoutForce(t *testing.T) {
	e := newTestEngine(t)
	if err := e.FormatStorage(); err != nil {
		t.Fatal(err)
	}
	seedContainer(t, e, ContainerRecord{ID: "runningid0000000", State: protocol.ContainerRunning})

	if err := e.DeleteContainer(context.Background(), "runningid0000000", false); err == nil {
		t.Fatal("expected error deleting a running container without force")
	}
}

func TestDeleteContainerRemovesCreatedContainer(t *testing.T) {
	e := newTestEngine(t)
	if err := e.FormatStorage(); err != nil {
		t.Fatal(err)
	}
	seedContainer(t, e, ContainerRecord{ID: "createdid0000000", State: protocol.ContainerCreated})

	if err := e.DeleteContainer(context.Background(), "createdid0000000", false); err != nil {
		t.Fatalf("DeleteContainer: %v", err)
	}
	if _, err := e.lookupContainer("createdid0000000"); err == nil {
		t.Fatal("expected container to be gone after delete")
	}
}

func TestListContainersRefreshesExitCodeFromFile(t *testing.T) {
	e := newTestEngine(t)
	if err := e.FormatStorage(); err != nil {
		t.Fatal(err)
	}
	seedContainer(t, e, ContainerRecord{ID: "exitedid00000000", State: protocol.ContainerExited})
	if err := e.writeExitCode("exitedid00000000", 7); err != nil {
		t.Fatal(err)
	}

	containers, err := e.ListContainers()
	if err != nil {
		t.Fatalf("ListContainers: %v", err)
	}
	if len(containers) != 1 {
		t.Fatalf("expected 1 container, got %d", len(containers))
	}
	if containers[0].ExitCode == nil || *containers[0].ExitCode != 7 {
		t.Errorf("expected exit code 7 refreshed from file, got %+v", containers[0].ExitCode)
	}
}
