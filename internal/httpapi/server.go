// Package httpapi implements the thin CRUD/streaming adapter spec.md §1
// names as an out-of-scope external collaborator: "HTTP/WebSocket surface
// ... only their interfaces to the core are specified." It exposes
// read-only views of runs/events/artifacts and forwards action endpoints
// straight into the Harness Kernel, without any business logic of its
// own, grounded on the teacher's internal/api package layout
// (chi router, JSON helpers, optional API-key middleware).
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/rudiheydra/autobuildr/internal/apperr"
	"github.com/rudiheydra/autobuildr/internal/kernel"
	"github.com/rudiheydra/autobuildr/internal/model"
)

// RunReader is the read-only persistence seam this surface needs.
type RunReader interface {
	GetAgentRun(ctx context.Context, id string) (*model.AgentRun, error)
	ListAgentRuns(ctx context.Context, agentSpecID string, limit int) ([]*model.AgentRun, error)
	ListEventsByRun(ctx context.Context, runID string) ([]model.AgentEvent, error)
	ListArtifactsByRun(ctx context.Context, runID string) ([]*model.Artifact, error)
}

// RunController is the subset of the Kernel's public control surface this
// adapter forwards to.
type RunController interface {
	Pause(ctx context.Context, runID string) error
	Resume(ctx context.Context, runID string) error
	Cancel(ctx context.Context, runID string) error
}

// Config holds the adapter's own settings, mirroring spec.md §6's
// ALLOW_REMOTE_BIND (HTTP-adapter-only) option plus the teacher's
// APIConfig shape (API key, CORS origins, request timeout).
type Config struct {
	APIKey          string
	AllowedOrigins  []string
	RequestTimeout  time.Duration
	AllowRemoteBind bool
}

// Server is the HTTP surface over a RunReader/RunController pair.
type Server struct {
	cfg     Config
	reader  RunReader
	control RunController
	router  chi.Router
}

var _ RunController = (*kernel.Kernel)(nil)

// NewServer builds a Server and wires its router.
func NewServer(cfg Config, reader RunReader, control RunController) *Server {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	s := &Server{cfg: cfg, reader: reader, control: control}
	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.cfg.RequestTimeout))

	origins := s.cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:*", "http://127.0.0.1:*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if s.cfg.APIKey != "" {
		r.Use(s.apiKeyAuth)
	}

	r.Get("/health", s.handleHealth)

	r.Route("/runs", func(r chi.Router) {
		r.Get("/", s.handleListRuns)
		r.Route("/{runID}", func(r chi.Router) {
			r.Get("/", s.handleGetRun)
			r.Get("/events", s.handleListEvents)
			r.Get("/artifacts", s.handleListArtifacts)
			r.Post("/pause", s.handlePause)
			r.Post("/resume", s.handleResume)
			r.Post("/cancel", s.handleCancel)
		})
	})

	s.router = r
}

// Handler returns the HTTP handler to mount.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) apiKeyAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}
		key := r.Header.Get("X-API-Key")
		if key == "" {
			key = r.URL.Query().Get("api_key")
		}
		if key != s.cfg.APIKey {
			writeError(w, http.StatusUnauthorized, "invalid or missing API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	agentSpecID := r.URL.Query().Get("agent_spec_id")
	runs, err := s.reader.ListAgentRuns(r.Context(), agentSpecID, 0)
	if err != nil {
		writeAppErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.reader.GetAgentRun(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		writeAppErr(w, err)
		return
	}
	if run == nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.reader.ListEventsByRun(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		writeAppErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleListArtifacts(w http.ResponseWriter, r *http.Request) {
	artifacts, err := s.reader.ListArtifactsByRun(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		writeAppErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, artifacts)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	if err := s.control.Pause(r.Context(), chi.URLParam(r, "runID")); err != nil {
		writeAppErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "pause_requested"})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if err := s.control.Resume(r.Context(), chi.URLParam(r, "runID")); err != nil {
		writeAppErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "resume_requested"})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.control.Cancel(r.Context(), chi.URLParam(r, "runID")); err != nil {
		writeAppErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancel_requested"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeAppErr maps the error taxonomy of spec.md §7 onto HTTP status codes:
// validation and state conflicts are client errors, everything else is a
// server-side failure the caller cannot fix by retrying differently.
func writeAppErr(w http.ResponseWriter, err error) {
	switch {
	case apperr.Is(err, apperr.KindValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case apperr.Is(err, apperr.KindStateConflict):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
