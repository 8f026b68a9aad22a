// Package httpapi provides the REST control plane bridge: a stateless
// translation between a REST-shaped surface and sandbox/client operations
// over a process-wide sandbox manager, delegating blocking work to the
// standard HTTP server's per-request goroutines.
package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/phooq/smolvm/internal/audit"
	"github.com/phooq/smolvm/internal/client"
	"github.com/phooq/smolvm/internal/registry"
	"github.com/phooq/smolvm/internal/sandbox"
)

// SandboxRuntime is the subset of *sandbox.Manager the HTTP bridge needs.
type SandboxRuntime interface {
	EnsureRunning(ctx context.Context, spec sandbox.Spec) error
	Stop(ctx context.Context, name string) error
	Get(name string) (state sandbox.State, pid int, ok bool)
	List() map[string]sandbox.State
	Remove(name string) error
	Dial(name string) (*client.Client, error)
	ConsoleLogPath(name string) string
}

// RegistryReader exposes the declared shape of a sandbox for listing
// endpoints, independent of runtime state.
type RegistryReader interface {
	Get(name string) (registry.Record, bool, error)
	List() ([]registry.Record, error)
}

// Server is the REST API server.
type Server struct {
	Router  chi.Router
	runtime SandboxRuntime
	reg     RegistryReader
	audit   *audit.Store
	logger  *slog.Logger
}

// NewServer creates a REST API server with every route registered.
// auditStore may be nil, in which case request history is simply not
// recorded.
func NewServer(runtime SandboxRuntime, reg RegistryReader, auditStore *audit.Store, logger *slog.Logger, allowedOrigins []string) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)
	router.Use(corsMiddleware(allowedOrigins))

	s := &Server{
		Router:  router,
		runtime: runtime,
		reg:     reg,
		audit:   auditStore,
		logger:  logger.With("component", "httpapi"),
	}

	s.routes()
	return s
}

// recordAudit appends an event if an audit store is configured. Failures
// are logged, not surfaced, since audit history is advisory.
func (s *Server) recordAudit(ctx context.Context, sandboxID, kind, detail string, success bool, errMsg string, duration time.Duration) {
	if s.audit == nil {
		return
	}
	ev := audit.Event{
		SandboxID:  sandboxID,
		Kind:       kind,
		Detail:     detail,
		Success:    success,
		Error:      errMsg,
		DurationMS: duration.Milliseconds(),
	}
	if err := s.audit.Record(ctx, ev); err != nil {
		s.logger.Warn("audit record failed", "error", err)
	}
}

func (s *Server) routes() {
	s.Router.Get("/v1/health", s.handleHealth)

	s.Router.Route("/api/v1/sandboxes", func(r chi.Router) {
		r.Post("/", s.handleCreateSandbox)
		r.Get("/", s.handleListSandboxes)

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetSandbox)
			r.Delete("/", s.handleDeleteSandbox)
			r.Post("/start", s.handleStartSandbox)
			r.Post("/stop", s.handleStopSandbox)
			r.Post("/exec", s.handleExec)
			r.Post("/run", s.handleRun)
			r.Get("/logs", s.handleLogs)

			r.Route("/containers", func(r chi.Router) {
				r.Post("/", s.handleCreateContainer)
				r.Get("/", s.handleListContainers)
				r.Route("/{containerID}", func(r chi.Router) {
					r.Get("/", s.handleGetContainer)
					r.Post("/start", s.handleStartContainer)
					r.Post("/stop", s.handleStopContainer)
					r.Delete("/", s.handleDeleteContainer)
				})
			})

			r.Route("/images", func(r chi.Router) {
				r.Post("/", s.handlePullImage)
				r.Get("/", s.handleListImages)
			})
		})
	})
}

// corsMiddleware restricts CORS to a fixed allow-list, defaulting to
// localhost origins only.
func corsMiddleware(allowed []string) func(http.Handler) http.Handler {
	if len(allowed) == 0 {
		allowed = []string{"http://localhost", "http://127.0.0.1"}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			for _, a := range allowed {
				if strings.HasPrefix(origin, a) {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
					w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
					break
				}
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ListenAndServe runs the HTTP server on addr.
func (s *Server) ListenAndServe(addr string) error {
	s.logger.Info("starting HTTP server", "addr", addr)
	return http.ListenAndServe(addr, s.Router)
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("write json response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
