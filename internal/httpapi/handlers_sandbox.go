package httpapi

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/phooq/smolvm/internal/client"
	"github.com/phooq/smolvm/internal/protocol"
	"github.com/phooq/smolvm/internal/registry"
	"github.com/phooq/smolvm/internal/sandbox"
	"github.com/phooq/smolvm/internal/smolvmerr"
)

// createSandboxRequest is the REST request body for declaring a sandbox.
type createSandboxRequest struct {
	Name      string             `json:"name"`
	CPUs      uint8              `json:"cpus"`
	MemoryMiB uint32             `json:"memory_mib"`
	Rootfs    string             `json:"rootfs"`
	Mounts    []registry.Mount   `json:"mounts,omitempty"`
	Ports     []registry.PortMap `json:"ports,omitempty"`
}

// sandboxResponse merges the declared registry record with the live
// in-memory state the manager tracks for it, if any.
type sandboxResponse struct {
	registry.Record
	LiveState sandbox.State `json:"live_state,omitempty"`
}

func (s *Server) sandboxResponseFor(name string) (sandboxResponse, bool, error) {
	rec, ok, err := s.reg.Get(name)
	if err != nil {
		return sandboxResponse{}, false, err
	}
	if !ok {
		return sandboxResponse{}, false, nil
	}
	resp := sandboxResponse{Record: rec}
	if state, _, ok := s.runtime.Get(name); ok {
		resp.LiveState = state
	}
	return resp, true, nil
}

func (s *Server) handleCreateSandbox(w http.ResponseWriter, r *http.Request) {
	var req createSandboxRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	spec := sandbox.Spec{
		Name:      req.Name,
		CPUs:      req.CPUs,
		MemoryMiB: req.MemoryMiB,
		Mounts:    req.Mounts,
		Ports:     req.Ports,
		Rootfs:    req.Rootfs,
	}

	start := time.Now()
	err := s.runtime.EnsureRunning(r.Context(), spec)
	s.recordAudit(r.Context(), req.Name, "create_sandbox", req.Rootfs, err == nil, errString(err), time.Since(start))
	if err != nil {
		s.logger.Error("create sandbox failed", "name", req.Name, "error", err)
		writeError(w, smolvmerr.HTTPStatus(err), err.Error())
		return
	}

	resp, ok, err := s.sandboxResponseFor(req.Name)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusInternalServerError, "sandbox created but not found in registry")
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleListSandboxes(w http.ResponseWriter, r *http.Request) {
	records, err := s.reg.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	live := s.runtime.List()
	out := make([]sandboxResponse, 0, len(records))
	for _, rec := range records {
		item := sandboxResponse{Record: rec}
		if state, ok := live[rec.Name]; ok {
			item.LiveState = state
		}
		out = append(out, item)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"sandboxes": out,
		"count":     len(out),
	})
}

func (s *Server) handleGetSandbox(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	resp, ok, err := s.sandboxResponseFor(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "sandbox not found")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDeleteSandbox(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	start := time.Now()
	err := s.runtime.Remove(id)
	s.recordAudit(r.Context(), id, "delete_sandbox", "", err == nil, errString(err), time.Since(start))
	if err != nil {
		writeError(w, smolvmerr.HTTPStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true, "name": id})
}

func (s *Server) handleStartSandbox(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	rec, ok, err := s.reg.Get(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "sandbox not declared")
		return
	}

	spec := sandbox.Spec{
		Name:      rec.Name,
		CPUs:      rec.Resources.CPUs,
		MemoryMiB: rec.Resources.MemoryMiB,
		Mounts:    rec.Mounts,
		Ports:     rec.Ports,
	}

	start := time.Now()
	err = s.runtime.EnsureRunning(r.Context(), spec)
	s.recordAudit(r.Context(), id, "start_sandbox", "", err == nil, errString(err), time.Since(start))
	if err != nil {
		writeError(w, smolvmerr.HTTPStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"started": true, "name": id})
}

func (s *Server) handleStopSandbox(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	start := time.Now()
	err := s.runtime.Stop(r.Context(), id)
	s.recordAudit(r.Context(), id, "stop_sandbox", "", err == nil, errString(err), time.Since(start))
	if err != nil {
		writeError(w, smolvmerr.HTTPStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stopped": true, "name": id})
}

// execRunRequest is the shared REST body for /exec and /run.
type execRunRequest struct {
	Image       string            `json:"image,omitempty"`
	ContainerID string            `json:"container_id,omitempty"`
	Command     []string          `json:"command"`
	Env         map[string]string `json:"env,omitempty"`
	Workdir     string            `json:"workdir,omitempty"`
	Mounts      []protocol.Mount  `json:"mounts,omitempty"`
	TimeoutMs   int64             `json:"timeout_ms,omitempty"`
}

func (req execRunRequest) toRunRequest() client.RunRequest {
	return client.RunRequest{
		Image:       req.Image,
		ContainerID: req.ContainerID,
		Command:     req.Command,
		Env:         req.Env,
		Workdir:     req.Workdir,
		Mounts:      req.Mounts,
		TimeoutMs:   req.TimeoutMs,
	}
}

func (s *Server) handleExec(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req execRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Command) == 0 {
		writeError(w, http.StatusBadRequest, "command is required")
		return
	}

	cl, err := s.runtime.Dial(id)
	if err != nil {
		writeError(w, smolvmerr.HTTPStatus(err), err.Error())
		return
	}
	defer cl.Close()

	start := time.Now()
	var result *client.RunResult
	if req.ContainerID != "" {
		result, err = cl.Exec(req.toRunRequest())
	} else {
		result, err = cl.VmExec(req.toRunRequest())
	}
	s.recordAudit(r.Context(), id, "exec", fmt.Sprintf("%v", req.Command), err == nil, errString(err), time.Since(start))
	if err != nil {
		writeError(w, smolvmerr.HTTPStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req execRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Image == "" {
		writeError(w, http.StatusBadRequest, "image is required")
		return
	}

	cl, err := s.runtime.Dial(id)
	if err != nil {
		writeError(w, smolvmerr.HTTPStatus(err), err.Error())
		return
	}
	defer cl.Close()

	start := time.Now()
	result, err := cl.Run(req.toRunRequest())
	s.recordAudit(r.Context(), id, "run", req.Image, err == nil, errString(err), time.Since(start))
	if err != nil {
		writeError(w, smolvmerr.HTTPStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleLogs streams a sandbox's console log as Server-Sent Events,
// following the file as the guest keeps writing to it.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	path := s.runtime.ConsoleLogPath(id)
	f, err := os.Open(path)
	if err != nil {
		writeError(w, http.StatusNotFound, "no console log for sandbox")
		return
	}
	defer f.Close()

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	reader := bufio.NewReader(f)
	ctx := r.Context()
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		line, err := reader.ReadString('\n')
		if len(line) > 0 {
			fmt.Fprintf(w, "data: %s\n\n", trimNewline(line))
			flusher.Flush()
		}
		if err != nil {
			if err != io.EOF {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

// --- Containers ---

type createContainerRequest struct {
	Image   string            `json:"image"`
	Command []string          `json:"command"`
	Env     map[string]string `json:"env,omitempty"`
	Workdir string            `json:"workdir,omitempty"`
	Mounts  []protocol.Mount  `json:"mounts,omitempty"`
}

func (s *Server) handleCreateContainer(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req createContainerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Image == "" {
		writeError(w, http.StatusBadRequest, "image is required")
		return
	}

	cl, err := s.runtime.Dial(id)
	if err != nil {
		writeError(w, smolvmerr.HTTPStatus(err), err.Error())
		return
	}
	defer cl.Close()

	start := time.Now()
	info, err := cl.CreateContainer(req.Image, req.Command, req.Env, req.Workdir, req.Mounts)
	s.recordAudit(r.Context(), id, "create_container", req.Image, err == nil, errString(err), time.Since(start))
	if err != nil {
		writeError(w, smolvmerr.HTTPStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

func (s *Server) handleListContainers(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	cl, err := s.runtime.Dial(id)
	if err != nil {
		writeError(w, smolvmerr.HTTPStatus(err), err.Error())
		return
	}
	defer cl.Close()

	list, err := cl.ListContainers()
	if err != nil {
		writeError(w, smolvmerr.HTTPStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"containers": list, "count": len(list)})
}

func (s *Server) handleGetContainer(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	containerID := chi.URLParam(r, "containerID")

	cl, err := s.runtime.Dial(id)
	if err != nil {
		writeError(w, smolvmerr.HTTPStatus(err), err.Error())
		return
	}
	defer cl.Close()

	list, err := cl.ListContainers()
	if err != nil {
		writeError(w, smolvmerr.HTTPStatus(err), err.Error())
		return
	}
	for _, c := range list {
		if c.ID == containerID {
			writeJSON(w, http.StatusOK, c)
			return
		}
	}
	writeError(w, http.StatusNotFound, "container not found")
}

func (s *Server) handleStartContainer(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	containerID := chi.URLParam(r, "containerID")

	cl, err := s.runtime.Dial(id)
	if err != nil {
		writeError(w, smolvmerr.HTTPStatus(err), err.Error())
		return
	}
	defer cl.Close()

	start := time.Now()
	err = cl.StartContainer(containerID)
	s.recordAudit(r.Context(), id, "start_container", containerID, err == nil, errString(err), time.Since(start))
	if err != nil {
		writeError(w, smolvmerr.HTTPStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"started": true, "container_id": containerID})
}

func (s *Server) handleStopContainer(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	containerID := chi.URLParam(r, "containerID")

	timeoutSecs := 10
	if v := r.URL.Query().Get("timeout_secs"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			timeoutSecs = n
		}
	}

	cl, err := s.runtime.Dial(id)
	if err != nil {
		writeError(w, smolvmerr.HTTPStatus(err), err.Error())
		return
	}
	defer cl.Close()

	start := time.Now()
	err = cl.StopContainer(containerID, timeoutSecs)
	s.recordAudit(r.Context(), id, "stop_container", containerID, err == nil, errString(err), time.Since(start))
	if err != nil {
		writeError(w, smolvmerr.HTTPStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stopped": true, "container_id": containerID})
}

func (s *Server) handleDeleteContainer(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	containerID := chi.URLParam(r, "containerID")
	force := r.URL.Query().Get("force") == "true"

	cl, err := s.runtime.Dial(id)
	if err != nil {
		writeError(w, smolvmerr.HTTPStatus(err), err.Error())
		return
	}
	defer cl.Close()

	start := time.Now()
	err = cl.DeleteContainer(containerID, force)
	s.recordAudit(r.Context(), id, "delete_container", containerID, err == nil, errString(err), time.Since(start))
	if err != nil {
		writeError(w, smolvmerr.HTTPStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true, "container_id": containerID})
}

// --- Images ---

type pullImageRequest struct {
	Image string `json:"image"`
}

func (s *Server) handlePullImage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req pullImageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Image == "" {
		writeError(w, http.StatusBadRequest, "image is required")
		return
	}

	cl, err := s.runtime.Dial(id)
	if err != nil {
		writeError(w, smolvmerr.HTTPStatus(err), err.Error())
		return
	}
	defer cl.Close()

	// Pull blocks until the agent's terminal Ok/Error frame; progress
	// frames are not forwarded to the HTTP caller.
	start := time.Now()
	info, err := cl.Pull(req.Image, "", nil)
	if err != nil {
		s.recordAudit(r.Context(), id, "pull_image", req.Image, false, errString(err), time.Since(start))
		writeError(w, smolvmerr.HTTPStatus(err), err.Error())
		return
	}
	s.recordAudit(r.Context(), id, "pull_image", req.Image, true, "", time.Since(start))
	writeJSON(w, http.StatusOK, map[string]any{"image": req.Image, "cached": true, "info": info})
}

func (s *Server) handleListImages(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	cl, err := s.runtime.Dial(id)
	if err != nil {
		writeError(w, smolvmerr.HTTPStatus(err), err.Error())
		return
	}
	defer cl.Close()

	list, err := cl.ListImages()
	if err != nil {
		writeError(w, smolvmerr.HTTPStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"images": list, "count": len(list)})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func asSmolvmErr(err error) (*smolvmerr.Error, bool) {
	se, ok := err.(*smolvmerr.Error)
	return se, ok
}
