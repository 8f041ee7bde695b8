package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/nidhogg/standards-retrieval/internal/checkpoint"
	"github.com/nidhogg/standards-retrieval/internal/config"
	"github.com/nidhogg/standards-retrieval/internal/orchestrator"
	"github.com/nidhogg/standards-retrieval/internal/task"
)

// Controller is the orchestrator surface the API drives.
type Controller interface {
	StartWith(ctx context.Context, so orchestrator.StartOptions) (*orchestrator.Session, error)
	Stop(ctx context.Context, graceful bool) error
	CheckpointNow(ctx context.Context) (checkpoint.ID, error)
	Status() orchestrator.Snapshot
	Disciplines() []task.Discipline
}

// CheckpointLister lists stored checkpoints.
type CheckpointLister interface {
	List(ctx context.Context) ([]checkpoint.Metadata, error)
}

// Pinger is a dependency checked by the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	ctl         Controller
	checkpoints CheckpointLister
	deps        map[string]Pinger
	logger      *zap.Logger
}

// NewHandler creates a new API handler. deps are reported by /api/health.
func NewHandler(ctl Controller, checkpoints CheckpointLister, deps map[string]Pinger, logger *zap.Logger) *Handler {
	return &Handler{ctl: ctl, checkpoints: checkpoints, deps: deps, logger: logger}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)
		r.Get("/status", h.status)
		r.Get("/disciplines", h.listDisciplines)

		r.Post("/runs", h.startRun)
		r.Post("/runs/stop", h.stopRun)

		r.Get("/checkpoints", h.listCheckpoints)
		r.Post("/checkpoints", h.createCheckpoint)
	})
	r.Handle("/metrics", promhttp.Handler())

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(h.deps))
	status := http.StatusOK
	for name, p := range h.deps {
		if err := p.Ping(r.Context()); err != nil {
			checks[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}
	body := map[string]interface{}{"status": "ok", "checks": checks}
	if status != http.StatusOK {
		body["status"] = "degraded"
	}
	writeJSON(w, status, body)
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.ctl.Status())
}

func (h *Handler) listDisciplines(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.ctl.Disciplines())
}

// StartRequest is the body of POST /api/runs.
type StartRequest struct {
	Disciplines []string `json:"disciplines"`
	Concurrency int      `json:"concurrency"`
	Fresh       bool     `json:"fresh"`
}

// StartResponse describes a started session.
type StartResponse struct {
	SessionID   string            `json:"session_id"`
	Disciplines []task.Discipline `json:"disciplines"`
	Concurrency int               `json:"concurrency"`
	ResumedFrom checkpoint.ID     `json:"resumed_from,omitempty"`
}

func (h *Handler) startRun(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	s, err := h.ctl.StartWith(r.Context(), orchestrator.StartOptions{
		Disciplines: req.Disciplines,
		Concurrency: req.Concurrency,
		Fresh:       req.Fresh,
	})
	if err != nil {
		h.writeError(w, "start run", err)
		return
	}
	writeJSON(w, http.StatusAccepted, StartResponse{
		SessionID:   s.ID,
		Disciplines: s.Disciplines,
		Concurrency: s.Concurrency,
		ResumedFrom: s.ResumedFrom,
	})
}

// StopRequest is the body of POST /api/runs/stop.
type StopRequest struct {
	Force bool `json:"force"`
}

func (h *Handler) stopRun(w http.ResponseWriter, r *http.Request) {
	var req StopRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
	}
	if err := h.ctl.Stop(r.Context(), !req.Force); err != nil {
		h.writeError(w, "stop run", err)
		return
	}
	writeJSON(w, http.StatusOK, h.ctl.Status())
}

func (h *Handler) listCheckpoints(w http.ResponseWriter, r *http.Request) {
	list, err := h.checkpoints.List(r.Context())
	if err != nil {
		h.writeError(w, "list checkpoints", err)
		return
	}
	if list == nil {
		list = []checkpoint.Metadata{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) createCheckpoint(w http.ResponseWriter, r *http.Request) {
	id, err := h.ctl.CheckpointNow(r.Context())
	if err != nil {
		h.writeError(w, "checkpoint", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": string(id)})
}

// writeError maps orchestrator errors to status codes.
func (h *Handler) writeError(w http.ResponseWriter, op string, err error) {
	var cfgErr *config.Error
	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &cfgErr):
		status = http.StatusBadRequest
	case errors.Is(err, orchestrator.ErrAlreadyRunning), errors.Is(err, orchestrator.ErrNotRunning):
		status = http.StatusConflict
	default:
		h.logger.Error(op+" failed", zap.Error(err))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
