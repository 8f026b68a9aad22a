package storage

import (
	"path/filepath"
	"testing"

	"github.com/phooq/smolvm/internal/ociruntime"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	root := t.TempDir()
	return New(root, ociruntime.New("/bin/true"), nil)
}

func TestFormatStorageThenStatus(t *testing.T) {
	e := newTestEngine(t)

	if e.Formatted() {
		t.Fatal("expected fresh root to be unformatted")
	}
	if _, err := e.ListImages(); err == nil {
		t.Fatal("expected ListImages to fail before formatting")
	}

	if err := e.FormatStorage(); err != nil {
		t.Fatalf("FormatStorage: %v", err)
	}
	if !e.Formatted() {
		t.Fatal("expected root to be formatted after FormatStorage")
	}

	status, err := e.Status()
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !status.Ready {
		t.Error("expected status.Ready = true")
	}
	if status.LayerCount != 0 || status.ImageCount != 0 {
		t.Errorf("expected zero counts on fresh storage, got %+v", status)
	}
}

func TestFormatStorageIsIdempotent(t *testing.T) {
	e := newTestEngine(t)
	if err := e.FormatStorage(); err != nil {
		t.Fatalf("first format: %v", err)
	}
	if err := e.FormatStorage(); err != nil {
		t.Fatalf("second format: %v", err)
	}
}

func TestEnginePathJoinsUnderRoot(t *testing.T) {
	e := newTestEngine(t)
	got := e.path("a", "b")
	want := filepath.Join(e.root, "a", "b")
	if got != want {
		t.Errorf("path() = %q, want %q", got, want)
	}
}
