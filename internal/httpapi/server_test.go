package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/phooq/smolvm/internal/agent"
	"github.com/phooq/smolvm/internal/client"
	"github.com/phooq/smolvm/internal/ociruntime"
	"github.com/phooq/smolvm/internal/registry"
	"github.com/phooq/smolvm/internal/sandbox"
	"github.com/phooq/smolvm/internal/storage"
)

// fakeRuntime is an in-memory stand-in for *sandbox.Manager, tracking just
// enough state for the REST handlers to drive: declared specs, live
// states, and (optionally) one in-process agent to Dial against. It
// mirrors Manager's own EnsureRunning/Remove behavior of keeping the
// registry in sync, since the handlers read declared shape from the
// registry and live state from the runtime.
type fakeRuntime struct {
	reg        *fakeRegistry
	specs      map[string]sandbox.Spec
	states     map[string]sandbox.State
	socketPath string // non-empty enables Dial
}

func newFakeRuntime(reg *fakeRegistry) *fakeRuntime {
	return &fakeRuntime{reg: reg, specs: map[string]sandbox.Spec{}, states: map[string]sandbox.State{}}
}

func (f *fakeRuntime) EnsureRunning(ctx context.Context, spec sandbox.Spec) error {
	f.specs[spec.Name] = spec
	f.states[spec.Name] = sandbox.StateRunning
	f.reg.records[spec.Name] = registry.Record{
		Name:      spec.Name,
		Resources: registry.Resources{CPUs: spec.CPUs, MemoryMiB: spec.MemoryMiB},
		Mounts:    spec.Mounts,
		Ports:     spec.Ports,
		Runtime:   registry.Runtime{State: registry.StateRunning},
	}
	return nil
}

func (f *fakeRuntime) Stop(ctx context.Context, name string) error {
	f.states[name] = sandbox.StateStopped
	return nil
}

func (f *fakeRuntime) Get(name string) (sandbox.State, int, bool) {
	s, ok := f.states[name]
	return s, 0, ok
}

func (f *fakeRuntime) List() map[string]sandbox.State {
	return f.states
}

func (f *fakeRuntime) Remove(name string) error {
	delete(f.specs, name)
	delete(f.states, name)
	delete(f.reg.records, name)
	return nil
}

func (f *fakeRuntime) Dial(name string) (*client.Client, error) {
	return client.Dial(f.socketPath)
}

func (f *fakeRuntime) ConsoleLogPath(name string) string {
	return ""
}

// fakeRegistry is an in-memory stand-in for *registry.FileRegistry.
type fakeRegistry struct {
	records map[string]registry.Record
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{records: map[string]registry.Record{}}
}

func (f *fakeRegistry) Get(name string) (registry.Record, bool, error) {
	rec, ok := f.records[name]
	return rec, ok, nil
}

func (f *fakeRegistry) List() ([]registry.Record, error) {
	out := make([]registry.Record, 0, len(f.records))
	for _, rec := range f.records {
		out = append(out, rec)
	}
	return out, nil
}

func newTestServer(t *testing.T) (*Server, *fakeRuntime, *fakeRegistry) {
	t.Helper()
	reg := newFakeRegistry()
	rt := newFakeRuntime(reg)
	s := NewServer(rt, reg, nil, nil, nil)
	return s, rt, reg
}

func doJSON(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	s.Router.ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec := doJSON(t, s, http.MethodGet, "/v1/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestCreateThenGetSandbox(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/api/v1/sandboxes", createSandboxRequest{
		Name: "alpha", CPUs: 2, MemoryMiB: 256,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, s, http.MethodGet, "/api/v1/sandboxes/alpha", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp sandboxResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Name != "alpha" || resp.LiveState != sandbox.StateRunning {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestGetUnknownSandboxIsNotFound(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec := doJSON(t, s, http.MethodGet, "/api/v1/sandboxes/ghost", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestListSandboxesMergesLiveState(t *testing.T) {
	s, rt, reg := newTestServer(t)
	reg.records["beta"] = registry.Record{Name: "beta"}
	rt.states["beta"] = sandbox.StateRunning

	rec := doJSON(t, s, http.MethodGet, "/api/v1/sandboxes", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Sandboxes []sandboxResponse `json:"sandboxes"`
		Count     int               `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Count != 1 || body.Sandboxes[0].LiveState != sandbox.StateRunning {
		t.Errorf("unexpected list response: %+v", body)
	}
}

func TestStopThenDeleteSandbox(t *testing.T) {
	s, rt, reg := newTestServer(t)
	reg.records["gamma"] = registry.Record{Name: "gamma"}
	rt.states["gamma"] = sandbox.StateRunning

	rec := doJSON(t, s, http.MethodPost, "/api/v1/sandboxes/gamma/stop", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("stop: expected 200, got %d", rec.Code)
	}
	if rt.states["gamma"] != sandbox.StateStopped {
		t.Errorf("expected fake runtime to record Stopped, got %v", rt.states["gamma"])
	}

	rec = doJSON(t, s, http.MethodDelete, "/api/v1/sandboxes/gamma", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete: expected 200, got %d", rec.Code)
	}
	if _, ok := rt.states["gamma"]; ok {
		t.Error("expected fake runtime entry to be removed")
	}
}

// newDialableServer wires a Server whose fakeRuntime.Dial connects to a
// real in-process agent.Agent over a Unix socket, so exec/run/container/
// image endpoints exercise the whole host-to-guest round trip.
func newDialableServer(t *testing.T) (*Server, *fakeRuntime) {
	t.Helper()

	root := t.TempDir()
	engine := storage.New(root, ociruntime.New("/bin/true"), nil)
	if err := engine.FormatStorage(); err != nil {
		t.Fatal(err)
	}
	a := agent.New(engine, nil)

	sockPath := filepath.Join(t.TempDir(), "control.sock")
	ln, err := net.Listen("unix", sockPath)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go a.Serve(ctx, ln)

	reg := newFakeRegistry()
	rt := newFakeRuntime(reg)
	rt.socketPath = sockPath
	s := NewServer(rt, reg, nil, nil, nil)
	return s, rt
}

func TestExecAgainstLiveAgent(t *testing.T) {
	s, _ := newDialableServer(t)

	rec := doJSON(t, s, http.MethodPost, "/api/v1/sandboxes/any/exec", execRunRequest{
		Command: []string{"echo", "hi"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var result client.RunResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatal(err)
	}
	if result.ExitCode != 0 {
		t.Errorf("expected exit code 0, got %d", result.ExitCode)
	}
}
