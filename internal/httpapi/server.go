// Package httpapi exposes the orchestrator over HTTP: the job lifecycle,
// temp-skill runs, event streams, engine/model discovery and the auth-session
// endpoints.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/floegence/skillrunner/internal/authflow"
	"github.com/floegence/skillrunner/internal/engine"
	"github.com/floegence/skillrunner/internal/errcode"
	"github.com/floegence/skillrunner/internal/models"
	"github.com/floegence/skillrunner/internal/orchestrator"
	"github.com/floegence/skillrunner/internal/skill"
	"github.com/floegence/skillrunner/internal/store"
	"github.com/floegence/skillrunner/internal/workspace"
)

const defaultPort = 7466

// maxUploadBytes bounds a single multipart upload.
const maxUploadBytes = 256 << 20

// Options configure the API server.
type Options struct {
	Logger *slog.Logger
	Port   int

	Store     *store.Store
	Workspace *workspace.Manager
	Skills    *skill.Manager
	Orch      *orchestrator.Orchestrator
	Registry  *engine.Registry
	Catalog   *models.Catalog
	Auth      *authflow.Manager

	Version string
}

// Server is the HTTP front of the orchestrator, bound to loopback only.
type Server struct {
	log *slog.Logger

	port    int
	version string

	st      *store.Store
	ws      *workspace.Manager
	skills  *skill.Manager
	orch    *orchestrator.Orchestrator
	reg     *engine.Registry
	catalog *models.Catalog
	auth    *authflow.Manager

	// probeVersion is swapped out by tests that have no engine CLIs.
	probeVersion func(cli string) (string, error)

	ln  net.Listener
	srv *http.Server
}

// New wires a Server. Store, Workspace, Skills, Orch and Registry are
// required; Auth and Catalog degrade their endpoints to 404 when absent.
func New(opts Options) (*Server, error) {
	if opts.Store == nil || opts.Workspace == nil || opts.Skills == nil || opts.Orch == nil || opts.Registry == nil {
		return nil, errors.New("store, workspace, skills, orchestrator and registry are required")
	}
	port := opts.Port
	if port == 0 {
		port = defaultPort
	}
	if port < 0 || port > 65535 {
		return nil, fmt.Errorf("invalid Port: %d", port)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	catalog := opts.Catalog
	if catalog == nil {
		catalog = models.NewCatalog()
	}
	return &Server{
		log:     logger.With("component", "httpapi"),
		port:    port,
		version: opts.Version,
		st:      opts.Store,
		ws:      opts.Workspace,
		skills:  opts.Skills,
		orch:    opts.Orch,
		reg:     opts.Registry,
		catalog: catalog,
		auth:    opts.Auth,

		probeVersion: models.ProbeCLIVersion,
	}, nil
}

// Handler builds the route table. Exposed so tests can drive the API without
// a real listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	s.mountJobRoutes(mux, "/v1/jobs", false)
	s.mountJobRoutes(mux, "/v1/temp-skill-runs", true)

	mux.HandleFunc("GET /v1/engines", s.handleEngines)
	mux.HandleFunc("GET /v1/engines/{engine}/models", s.handleEngineModels)
	mux.HandleFunc("GET /v1/version", s.handleVersion)

	mux.HandleFunc("POST /v1/auth/sessions", s.handleAuthStart)
	mux.HandleFunc("GET /v1/auth/sessions/{id}", s.handleAuthGet)
	mux.HandleFunc("POST /v1/auth/sessions/{id}/input", s.handleAuthInput)
	mux.HandleFunc("POST /v1/auth/sessions/{id}/cancel", s.handleAuthCancel)
	mux.HandleFunc("GET /v1/auth/callback/{channel}", s.handleAuthCallback)

	return mux
}

func (s *Server) mountJobRoutes(mux *http.ServeMux, base string, temp bool) {
	mux.HandleFunc("POST "+base, s.createJob(temp))
	mux.HandleFunc("POST "+base+"/{request_id}/upload", s.uploadJob(temp))
	mux.HandleFunc("GET "+base+"/{request_id}", s.handleStatus)
	mux.HandleFunc("GET "+base+"/{request_id}/result", s.handleResult)
	mux.HandleFunc("GET "+base+"/{request_id}/artifacts", s.handleArtifacts)
	mux.HandleFunc("GET "+base+"/{request_id}/artifacts/{path...}", s.handleArtifactFile)
	mux.HandleFunc("GET "+base+"/{request_id}/bundle", s.handleBundle)
	mux.HandleFunc("GET "+base+"/{request_id}/logs", s.handleLogs)
	mux.HandleFunc("GET "+base+"/{request_id}/logs/range", s.handleLogRange)
	mux.HandleFunc("GET "+base+"/{request_id}/events", s.handleEventsSSE)
	mux.HandleFunc("GET "+base+"/{request_id}/events/history", s.handleEventsHistory)
	mux.HandleFunc("GET "+base+"/{request_id}/interaction/pending", s.handlePendingInteraction)
	mux.HandleFunc("POST "+base+"/{request_id}/interaction/reply", s.handleInteractionReply)
	mux.HandleFunc("POST "+base+"/{request_id}/cancel", s.handleCancel)
}

// Start listens on 127.0.0.1 and serves until ctx is done or Close is called.
func (s *Server) Start(ctx context.Context) error {
	if s.srv != nil {
		return nil
	}
	addr := net.JoinHostPort("127.0.0.1", fmt.Sprintf("%d", s.port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	s.ln = ln
	s.srv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		_ = s.Close()
	}()
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("api server stopped", "error", err)
		}
	}()

	s.log.Info("api listening", "addr", ln.Addr().String())
	return nil
}

// Close shuts the server down, draining in-flight requests briefly.
func (s *Server) Close() error {
	if s.srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(ctx)
	}
	if s.ln != nil {
		_ = s.ln.Close()
	}
	s.srv = nil
	s.ln = nil
	return nil
}

// Port returns the bound port, useful when Options.Port was 0.
func (s *Server) Port() int {
	if s.ln != nil {
		if addr, ok := s.ln.Addr().(*net.TCPAddr); ok {
			return addr.Port
		}
	}
	return s.port
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// httpStatusFor maps stable error codes onto HTTP statuses.
func httpStatusFor(code string) int {
	switch code {
	case errcode.SkillNotFound:
		return http.StatusNotFound
	case errcode.SkillInvalid, errcode.SkillEngineUnsupported, errcode.SkillExecutionModeUnsupported,
		errcode.InputValidationError, errcode.InvalidUpload, errcode.NotInteractive,
		errcode.UnsupportedAuthCombination, errcode.AuthCallbackStateInvalid:
		return http.StatusBadRequest
	case errcode.QueueFull:
		return http.StatusTooManyRequests
	case errcode.StaleInteraction, errcode.IdempotencyConflict, errcode.RunAlreadyTerminal,
		errcode.InteractionProcessLost, errcode.InteractionWaitTimeout, errcode.EngineInteractionBusy:
		return http.StatusConflict
	case errcode.AuthExpired:
		return http.StatusGone
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	var e *errcode.Error
	if !errors.As(err, &e) {
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]any{
				"error": &errcode.Error{Code: errcode.SkillNotFound, Message: "not found"},
			})
			return
		}
		e = &errcode.Error{Code: errcode.Internal, Message: err.Error()}
	}
	writeJSON(w, httpStatusFor(e.Code), map[string]any{"error": e})
}

func notFound(w http.ResponseWriter, format string, args ...any) {
	writeJSON(w, http.StatusNotFound, map[string]any{
		"error": &errcode.Error{Code: "NOT_FOUND", Message: fmt.Sprintf(format, args...)},
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	v := s.version
	if v == "" {
		v = "dev"
	}
	writeJSON(w, http.StatusOK, map[string]any{"version": v})
}
