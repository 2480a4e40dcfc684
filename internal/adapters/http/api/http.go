// Package api declares HTTP contracts and route registration helpers.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/okian/fieldsync/internal/adapters/repository"
	service "github.com/okian/fieldsync/internal/app"
	"github.com/okian/fieldsync/internal/domain/model"
	"github.com/okian/fieldsync/pkg/logger"
)

// Dependencies required by HTTP handlers. Using an interface bundle keeps
// the handler layer loosely coupled to the service implementation.
type Dependencies interface {
	Submit(ctx context.Context, req service.CaptureRequest) (service.SubmitResult, error)
	History(ctx context.Context, sync bool) (service.View, error)
	Record(ctx context.Context, id string) (model.AssessmentRecord, error)
	Reprocess(ctx context.Context, id string) (service.ReprocessResult, error)
	SyncPending(ctx context.Context) (service.SyncSummary, error)

	StorageInfo(ctx context.Context) (repository.Info, error)
	Purge(ctx context.Context) (int, error)

	StatsProvider
}

// Option applies a configuration option to the Server.
type Option func(*Server)

// WithMaxUploadBytes bounds the size of a captured media upload.
func WithMaxUploadBytes(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxUploadBytes = n
		}
	}
}

// WithUploadDir sets where uploads are staged before the local store copies
// them.
func WithUploadDir(dir string) Option {
	return func(s *Server) { s.uploadDir = dir }
}

// WithCaptureDir sets the directory JSON captures may take media from.
func WithCaptureDir(dir string) Option {
	return func(s *Server) { s.captureDir = dir }
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// Server wires HTTP routes for the local API.
type Server struct {
	deps           Dependencies
	maxUploadBytes int64
	uploadDir      string
	captureDir     string
	log            logger.Logger

	healthHandler      *HealthHandler
	statsHandler       *StatsHandler
	assessmentsHandler *AssessmentsHandler
	offlineHandler     *OfflineHandler
}

// NewServer creates a new API server with all handlers.
func NewServer(deps Dependencies, opts ...Option) *Server {
	s := &Server{
		deps:           deps,
		maxUploadBytes: 256 << 20,
		log:            logger.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.healthHandler = NewHealthHandler()
	s.statsHandler = NewStatsHandler(deps)
	s.assessmentsHandler = NewAssessmentsHandler(deps, s.maxUploadBytes, s.uploadDir, s.captureDir, s.log)
	s.offlineHandler = NewOfflineHandler(deps)
	return s
}

// Register attaches all HTTP routes to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", MetricsMiddleware(s.healthHandler.HandleHealth, "healthz"))
	mux.HandleFunc("GET /stats", MetricsMiddleware(s.statsHandler.HandleStats, "stats"))

	a := s.assessmentsHandler
	mux.HandleFunc("POST /assessments", MetricsMiddleware(a.HandleSubmit, "assessments_submit"))
	mux.HandleFunc("GET /assessments", MetricsMiddleware(a.HandleList, "assessments_list"))
	mux.HandleFunc("GET /assessments/{id}", MetricsMiddleware(a.HandleGet, "assessments_get"))
	mux.HandleFunc("POST /assessments/{id}/reprocess", MetricsMiddleware(a.HandleReprocess, "assessments_reprocess"))
	mux.HandleFunc("POST /sync", MetricsMiddleware(a.HandleSync, "sync"))

	mux.HandleFunc("GET /offline", MetricsMiddleware(s.offlineHandler.HandleInfo, "offline_info"))
	mux.HandleFunc("DELETE /offline", MetricsMiddleware(s.offlineHandler.HandlePurge, "offline_purge"))
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string, err error) {
	msg := http.StatusText(status)
	if err != nil {
		msg = err.Error()
	}
	writeJSON(w, status, errorResponse{Code: code, Message: msg})
}

// writeServiceError translates service errors into status codes.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrBadRequest), errors.Is(err, service.ErrInvalidCapture):
		writeError(w, http.StatusBadRequest, "bad_request", err)
	case errors.Is(err, service.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err)
	case errors.Is(err, service.ErrNoMedia):
		writeError(w, http.StatusConflict, "no_media", err)
	case errors.Is(err, service.ErrNotStarted):
		writeError(w, http.StatusServiceUnavailable, "not_started", err)
	case errors.Is(err, service.ErrLocalPersistence):
		writeError(w, http.StatusInternalServerError, "local_persistence", err)
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err)
	}
}
