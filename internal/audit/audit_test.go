package audit

import (
	"context"
	"path/filepath"
	"testing"
)

func TestRecordAndForSandbox(t *testing.T) {
	store, err := Open(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	if err := store.Record(ctx, Event{SandboxID: "s1", Kind: "start", Success: true}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := store.Record(ctx, Event{SandboxID: "s1", Kind: "exec", Success: false, Error: "boom"}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := store.Record(ctx, Event{SandboxID: "s2", Kind: "start", Success: true}); err != nil {
		t.Fatalf("Record: %v", err)
	}

	events, err := store.ForSandbox(ctx, "s1", 10)
	if err != nil {
		t.Fatalf("ForSandbox: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events for s1, got %d", len(events))
	}
	if events[0].Kind != "exec" {
		t.Errorf("expected newest-first ordering, got %q first", events[0].Kind)
	}
}
