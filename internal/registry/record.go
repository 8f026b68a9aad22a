// Package registry persists sandbox records to a single JSON file guarded
// by an advisory file lock, independent of the in-process sandbox
// managers reconstructed from those records.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// SchemaVersion is embedded in the registry file so a future incompatible
// layout change can be detected and migrated explicitly. No migration path
// exists yet; a version bump with no reader for the old shape is a bug.
const SchemaVersion = 1

// RuntimeState is the advisory lifecycle state recorded for a sandbox.
type RuntimeState string

const (
	StateCreated RuntimeState = "Created"
	StateRunning RuntimeState = "Running"
	StateStopped RuntimeState = "Stopped"
	StateFailed  RuntimeState = "Failed"
)

// Resources is the declared CPU/memory shape of a sandbox.
type Resources struct {
	CPUs      uint8  `json:"cpus"`
	MemoryMiB uint32 `json:"memory_mib"`
}

// Mount is a host-to-guest share; its index in the owning Record's Mounts
// slice defines its virtiofs tag ("smolvm{i}").
type Mount struct {
	HostPath  string `json:"host_path"`
	GuestPath string `json:"guest_path"`
	ReadOnly  bool   `json:"read_only"`
}

// PortMap is a host-to-guest port forward.
type PortMap struct {
	Host  uint16 `json:"host"`
	Guest uint16 `json:"guest"`
}

// Runtime is the advisory, possibly-stale runtime metadata for a record.
type Runtime struct {
	State      RuntimeState `json:"state"`
	PID        int          `json:"pid,omitempty"`
	SocketPath string       `json:"socket_path,omitempty"`
}

// Record is one persisted sandbox entry.
type Record struct {
	Name      string    `json:"name"`
	Resources Resources `json:"resources"`
	Mounts    []Mount   `json:"mounts,omitempty"`
	Ports     []PortMap `json:"ports,omitempty"`
	Runtime   Runtime   `json:"runtime"`
	CreatedAt int64     `json:"created_at"`
}

// file is the on-disk shape of the registry.
type file struct {
	Version  int                `json:"version"`
	Sandboxes map[string]Record `json:"sandboxes"`
}

// FileRegistry is a JSON-file-backed, advisory-locked sandbox registry.
// All mutating operations take the file lock for their whole
// read-modify-write cycle so concurrent writers serialize correctly.
type FileRegistry struct {
	path        string
	lockTimeout time.Duration
}

// NewFileRegistry opens (without yet touching) the registry file at path.
func NewFileRegistry(path string, lockTimeout time.Duration) *FileRegistry {
	return &FileRegistry{path: path, lockTimeout: lockTimeout}
}

func (r *FileRegistry) lockPath() string {
	return r.path + ".lock"
}

// withLock acquires the advisory lock, waiting up to lockTimeout, runs fn,
// then releases it. fn receives the parsed file contents and may mutate
// it; if fn returns a nil error and dirty is true, the result is
// persisted before the lock is released.
func (r *FileRegistry) withLock(fn func(f *file) (dirty bool, err error)) error {
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return fmt.Errorf("registry: create dir: %w", err)
	}

	fl := flock.New(r.lockPath())
	ctx, cancel := context.WithTimeout(context.Background(), r.lockTimeout)
	defer cancel()

	locked, err := fl.TryLockContext(ctx, 50*time.Millisecond)
	if err != nil || !locked {
		return fmt.Errorf("registry: acquire lock: %w", errOrTimeout(err))
	}
	defer fl.Unlock()

	f, err := r.read()
	if err != nil {
		return err
	}

	dirty, err := fn(f)
	if err != nil {
		return err
	}
	if dirty {
		return r.write(f)
	}
	return nil
}

func errOrTimeout(err error) error {
	if err != nil {
		return err
	}
	return fmt.Errorf("timed out")
}

func (r *FileRegistry) read() (*file, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &file{Version: SchemaVersion, Sandboxes: map[string]Record{}}, nil
		}
		return nil, fmt.Errorf("registry: read: %w", err)
	}

	var f file
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("registry: parse: %w", err)
	}
	if f.Sandboxes == nil {
		f.Sandboxes = map[string]Record{}
	}
	if f.Version > SchemaVersion {
		return nil, fmt.Errorf("registry: file schema version %d is newer than supported %d", f.Version, SchemaVersion)
	}
	return &f, nil
}

func (r *FileRegistry) write(f *file) error {
	f.Version = SchemaVersion
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("registry: marshal: %w", err)
	}

	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("registry: write temp: %w", err)
	}
	return os.Rename(tmp, r.path)
}

// Put inserts or replaces a record.
func (r *FileRegistry) Put(rec Record) error {
	return r.withLock(func(f *file) (bool, error) {
		f.Sandboxes[rec.Name] = rec
		return true, nil
	})
}

// Get returns the record for name, if present.
func (r *FileRegistry) Get(name string) (Record, bool, error) {
	f, err := r.read()
	if err != nil {
		return Record{}, false, err
	}
	rec, ok := f.Sandboxes[name]
	return rec, ok, nil
}

// List returns a snapshot of all persisted records.
func (r *FileRegistry) List() ([]Record, error) {
	f, err := r.read()
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(f.Sandboxes))
	for _, rec := range f.Sandboxes {
		out = append(out, rec)
	}
	return out, nil
}

// Delete removes a record. It is not an error if the record is absent.
func (r *FileRegistry) Delete(name string) error {
	return r.withLock(func(f *file) (bool, error) {
		if _, ok := f.Sandboxes[name]; !ok {
			return false, nil
		}
		delete(f.Sandboxes, name)
		return true, nil
	})
}

// SetRuntimeState updates just the runtime state of an existing record,
// used to mark entries Stopped on reattach probe failure.
func (r *FileRegistry) SetRuntimeState(name string, state RuntimeState) error {
	return r.withLock(func(f *file) (bool, error) {
		rec, ok := f.Sandboxes[name]
		if !ok {
			return false, nil
		}
		rec.Runtime.State = state
		f.Sandboxes[name] = rec
		return true, nil
	})
}
