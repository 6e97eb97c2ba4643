package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"jobqueue/internal/controller"
	"jobqueue/internal/models"
	"jobqueue/internal/store"
	"jobqueue/internal/telemetry"
)

const maxBodyBytes = 1 << 20

// Jobs is the part of the controller the HTTP layer drives.
type Jobs interface {
	Submit(ctx context.Context, req controller.SubmitRequest) (models.Job, error)
	Get(ctx context.Context, id string) (models.Job, error)
	List(ctx context.Context, f store.Filter) ([]models.Job, error)
	Cancel(ctx context.Context, id string) (models.Job, error)
	Retry(ctx context.Context, id string, opts ...controller.RetryOption) (models.Job, error)
	Delete(ctx context.Context, id string) error
	ClearCompleted(ctx context.Context, olderThan time.Duration) (int64, error)
	ClearFailed(ctx context.Context) (int64, error)
	Stats(ctx context.Context) (controller.Stats, error)
	Ping(ctx context.Context) error
}

// Limiter decides whether a tenant may submit another job.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, float64, error)
}

// Server wires HTTP handlers for the job API.
type Server struct {
	jobs     Jobs
	limiter  Limiter
	logger   *zap.Logger
	validate *validator.Validate
}

// New constructs the API server. limiter may be nil.
func New(jobs Jobs, limiter Limiter, logger *zap.Logger) *Server {
	return &Server{
		jobs:     jobs,
		limiter:  limiter,
		logger:   logger,
		validate: validator.New(),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	r.Route("/jobs", func(r chi.Router) {
		r.Use(contentTypeJSON)
		r.Post("/", s.handleSubmit)
		r.Get("/", s.handleList)
		r.Post("/clear", s.handleClear)
		r.Get("/{id}", s.handleGetJob)
		r.Delete("/{id}", s.handleDelete)
		r.Post("/{id}/cancel", s.handleCancel)
		r.Post("/{id}/retry", s.handleRetry)
	})
	r.Get("/stats", s.handleStats)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.jobs.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type submitRequest struct {
	Type        string         `json:"type" validate:"required,max=128"`
	Payload     models.Payload `json:"payload"`
	Priority    string         `json:"priority" validate:"omitempty,max=16"`
	MaxAttempts int            `json:"max_attempts" validate:"gte=0,lte=100"`
}

type jobResponse struct {
	Job models.View `json:"job"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if !s.decode(w, r, &req) {
		return
	}
	priority, err := models.ParsePriority(req.Priority)
	if err != nil {
		writeError(w, fmt.Errorf("%w: %w", models.ErrInvalidPayload, err))
		return
	}

	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), tenantFromRequest(r))
		if err != nil {
			s.logger.Error("rate limiter unavailable", zap.Error(err))
			writeJSON(w, http.StatusInternalServerError, errorBody{Error: "rate limit error"})
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "rate limited"})
			return
		}
	}

	job, err := s.jobs.Submit(r.Context(), controller.SubmitRequest{
		Type:        req.Type,
		Payload:     req.Payload,
		Priority:    priority,
		MaxAttempts: req.MaxAttempts,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, jobResponse{Job: job.View()})
}

type listResponse struct {
	Count int           `json:"count"`
	Jobs  []models.View `json:"jobs"`
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.Filter{Type: q.Get("type")}
	for _, v := range q["status"] {
		st, err := models.ParseStatus(v)
		if err != nil {
			writeError(w, fmt.Errorf("%w: %w", models.ErrInvalidPayload, err))
			return
		}
		f.Statuses = append(f.Statuses, st)
	}
	if v := q.Get("priority"); v != "" {
		p, err := models.ParsePriority(v)
		if err != nil {
			writeError(w, fmt.Errorf("%w: %w", models.ErrInvalidPayload, err))
			return
		}
		f.Priority = p
	}
	var err error
	if f.Limit, err = intParam(q.Get("limit")); err != nil {
		writeError(w, err)
		return
	}
	if f.Offset, err = intParam(q.Get("offset")); err != nil {
		writeError(w, err)
		return
	}

	jobs, err := s.jobs.List(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	views := make([]models.View, len(jobs))
	for i, j := range jobs {
		views[i] = j.View()
	}
	writeJSON(w, http.StatusOK, listResponse{Count: len(views), Jobs: views})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobResponse{Job: job.View()})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobResponse{Job: job.View()})
}

type retryRequest struct {
	Priority string `json:"priority" validate:"omitempty,max=16"`
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	var req retryRequest
	if r.ContentLength != 0 && !s.decode(w, r, &req) {
		return
	}
	var opts []controller.RetryOption
	if req.Priority != "" {
		p, err := models.ParsePriority(req.Priority)
		if err != nil {
			writeError(w, fmt.Errorf("%w: %w", models.ErrInvalidPayload, err))
			return
		}
		opts = append(opts, controller.WithPriority(p))
	}
	job, err := s.jobs.Retry(r.Context(), chi.URLParam(r, "id"), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobResponse{Job: job.View()})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.jobs.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleClear removes finished jobs older than ?older_than (default 24h), or
// every failed job with ?status=failed.
func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var (
		removed int64
		err     error
	)
	switch q.Get("status") {
	case "failed":
		removed, err = s.jobs.ClearFailed(r.Context())
	case "":
		olderThan := 24 * time.Hour
		if v := q.Get("older_than"); v != "" {
			olderThan, err = time.ParseDuration(v)
			if err != nil || olderThan < 0 {
				writeError(w, fmt.Errorf("%w: older_than must be a non-negative duration", models.ErrInvalidPayload))
				return
			}
		}
		removed, err = s.jobs.ClearCompleted(r.Context(), olderThan)
	default:
		writeError(w, fmt.Errorf("%w: status must be failed or empty", models.ErrInvalidPayload))
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"removed": removed})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.jobs.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// decode reads and validates a JSON body, writing a 400 on failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid json: " + err.Error()})
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return false
	}
	return true
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func intParam(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %q is not a non-negative integer", models.ErrInvalidPayload, v)
	}
	return n, nil
}

func tenantFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Tenant-ID"); v != "" {
		return v
	}
	return "default"
}

func contentTypeJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

type errorBody struct {
	Error string `json:"error"`
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrUnknownJobType), errors.Is(err, models.ErrInvalidPayload):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrRetryLimitExceeded), errors.Is(err, models.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, models.ErrStoreUnavailable), errors.Is(err, models.ErrShuttingDown), errors.Is(err, models.ErrNotStarted):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), errorBody{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
