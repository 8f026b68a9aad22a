package registry

import (
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func newTestRegistry(t *testing.T) *FileRegistry {
	t.Helper()
	return NewFileRegistry(filepath.Join(t.TempDir(), "registry.json"), 5*time.Second)
}

func TestPutGetList(t *testing.T) {
	r := newTestRegistry(t)

	rec := Record{
		Name:      "s1",
		Resources: Resources{CPUs: 2, MemoryMiB: 1024},
		Runtime:   Runtime{State: StateRunning, PID: 1234},
		CreatedAt: 100,
	}
	if err := r.Put(rec); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, ok, err := r.Get("s1")
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if got.Runtime.PID != 1234 {
		t.Errorf("PID = %d, want 1234", got.Runtime.PID)
	}

	list, err := r.List()
	if err != nil || len(list) != 1 {
		t.Fatalf("List: len=%d err=%v", len(list), err)
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	r := newTestRegistry(t)
	if err := r.Delete("missing"); err != nil {
		t.Fatalf("Delete on absent record should be a no-op, got %v", err)
	}
}

func TestSetRuntimeState(t *testing.T) {
	r := newTestRegistry(t)
	rec := Record{Name: "s1", Runtime: Runtime{State: StateRunning}}
	if err := r.Put(rec); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := r.SetRuntimeState("s1", StateStopped); err != nil {
		t.Fatalf("SetRuntimeState: %v", err)
	}
	got, _, _ := r.Get("s1")
	if got.Runtime.State != StateStopped {
		t.Errorf("state = %s, want Stopped", got.Runtime.State)
	}
}

func TestConcurrentWritesSerialize(t *testing.T) {
	r := newTestRegistry(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := "s"
			_ = r.Put(Record{Name: name, Runtime: Runtime{State: StateRunning, PID: i}})
		}(i)
	}
	wg.Wait()

	list, err := r.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected a single surviving record 's', got %d", len(list))
	}
}
