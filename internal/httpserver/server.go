package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/ILLUVRSE/neura-orchestra/internal/auth"
	"github.com/ILLUVRSE/neura-orchestra/internal/logging"
	"github.com/ILLUVRSE/neura-orchestra/internal/metrics"
	"github.com/ILLUVRSE/neura-orchestra/internal/service"
	"github.com/ILLUVRSE/neura-orchestra/internal/store"
	"github.com/ILLUVRSE/neura-orchestra/internal/tracking"
)

const jobNotFound = "Job not found"

type Options struct {
	Verifier    *auth.Verifier
	Metrics     *metrics.Metrics
	Logger      zerolog.Logger
	CORSOrigins []string
	Timeout     time.Duration
}

type Server struct {
	service *service.Service
	opts    Options
	log     zerolog.Logger
}

func New(svc *service.Service, opts Options) *Server {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	return &Server{
		service: svc,
		opts:    opts,
		log:     opts.Logger.With().Str("component", "http").Logger(),
	}
}

// Router accepts every path with or without a trailing slash.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logging.RequestLogger(s.log))
	r.Use(middleware.Recoverer)
	r.Use(corsHandler(s.opts.CORSOrigins))
	r.Use(middleware.StripSlashes)
	if s.opts.Metrics != nil {
		r.Use(s.opts.Metrics.Middleware)
	}
	r.Use(middleware.Timeout(s.opts.Timeout))

	r.Get("/health", s.handleHealth)
	if s.opts.Metrics != nil {
		r.Handle("/metrics-prometheus", s.opts.Metrics.Handler())
	}

	r.Get("/models/{model_name}", s.handleListModelVersions)
	r.Get("/training-jobs/{job_id}", s.handleGetJob)
	r.Get("/metrics/{job_id}", s.handleListMetrics)
	r.Get("/hyperparameters/{job_id}", s.handleListHyperparameters)
	r.Get("/mlflow/runs", s.handleListRuns)

	r.Group(func(r chi.Router) {
		r.Use(s.opts.Verifier.RequireWrite)
		r.Post("/models", s.handleRegisterModelVersion)
		r.Post("/training-jobs", s.handleCreateJob)
		r.Patch("/training-jobs/{job_id}", s.handleUpdateStatus)
		r.Post("/training-jobs/{job_id}/metrics", s.handleLogMetric)
		r.Post("/training-jobs/{job_id}/hyperparameters", s.handleLogHyperparameter)
		r.Post("/training-jobs/{job_id}/archive", s.handleArchiveJob)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	status := map[string]interface{}{
		"ok":          true,
		"time":        time.Now().UTC(),
		"mirror_mode": s.service.Mode(),
	}
	if err := s.service.Ping(ctx); err != nil {
		status["ok"] = false
		status["db"] = err.Error()
		respondJSON(w, http.StatusServiceUnavailable, status)
		return
	}
	respondJSON(w, http.StatusOK, status)
}

func (s *Server) handleRegisterModelVersion(w http.ResponseWriter, r *http.Request) {
	var req service.ModelVersionRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	mv, err := s.service.RegisterModelVersion(r.Context(), req)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, mv)
}

func (s *Server) handleListModelVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := s.service.ListModelVersions(r.Context(), chi.URLParam(r, "model_name"))
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, versions)
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req service.CreateJobRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	job, err := s.service.CreateJob(r.Context(), req)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, job)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.service.GetJob(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, job)
}

func (s *Server) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	var req service.StatusUpdateRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	job, err := s.service.UpdateStatus(r.Context(), chi.URLParam(r, "job_id"), req)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, job)
}

func (s *Server) handleLogMetric(w http.ResponseWriter, r *http.Request) {
	var req service.MetricRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	job, err := s.service.LogMetric(r.Context(), chi.URLParam(r, "job_id"), req)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, job)
}

func (s *Server) handleLogHyperparameter(w http.ResponseWriter, r *http.Request) {
	var req service.HyperparameterRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	job, err := s.service.LogHyperparameter(r.Context(), chi.URLParam(r, "job_id"), req)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, job)
}

func (s *Server) handleListMetrics(w http.ResponseWriter, r *http.Request) {
	metrics, err := s.service.ListMetrics(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, metrics)
}

func (s *Server) handleListHyperparameters(w http.ResponseWriter, r *http.Request) {
	params, err := s.service.ListHyperparameters(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, params)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.service.ListRuns(r.Context())
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"runs": runs})
}

func (s *Server) handleArchiveJob(w http.ResponseWriter, r *http.Request) {
	res, err := s.service.ArchiveJob(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		respondError(w, http.StatusNotFound, jobNotFound)
	case errors.Is(err, service.ErrInvalidInput):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrConflict):
		respondError(w, http.StatusConflict, "conflict")
	case errors.Is(err, service.ErrArchiveDisabled):
		respondError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, tracking.ErrTracking):
		s.log.Error().Err(err).Str("path", r.URL.Path).Msg("tracking mirror failed")
		respondError(w, http.StatusInternalServerError, "tracking mirror failure")
	default:
		s.log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		respondError(w, http.StatusInternalServerError, "internal server error")
	}
}

func decodeJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"detail": msg})
}
