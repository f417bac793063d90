/**
 * Admin HTTP API for the SnapText OCR worker
 *
 * Exposes bulk job submission and inspection, history search, and health
 * probes so operators can drive and observe the worker without touching
 * Redis directly. Job execution itself stays on the queue consumer; this
 * API only enqueues and reads.
 */

package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"

	"github.com/snaptext/ocr-worker/internal/errors"
	"github.com/snaptext/ocr-worker/internal/history"
	"github.com/snaptext/ocr-worker/internal/logging"
	"github.com/snaptext/ocr-worker/internal/ocr"
	"github.com/snaptext/ocr-worker/internal/queue"

	stderrors "errors"
)

const (
	// maxBodyBytes caps request bodies; job submissions are URL lists, not images.
	maxBodyBytes = 1 << 20

	// defaultSearchLimit applies when the history query names no limit.
	defaultSearchLimit = 50

	// maxSearchLimit caps the history page size.
	maxSearchLimit = 500

	// healthCheckTimeout bounds each dependency probe.
	healthCheckTimeout = 2 * time.Second
)

// JobEnqueuer places bulk OCR jobs on the queue.
type JobEnqueuer interface {
	EnqueueBulkJob(ctx context.Context, payload *queue.BulkTaskPayload) (string, error)
}

// JobReader reads tracked job state.
type JobReader interface {
	GetJob(ctx context.Context, jobID string) (*queue.JobRecord, error)
	Stats(ctx context.Context) (map[string]int64, error)
}

// HistoryReader serves archived recognition results.
type HistoryReader interface {
	Get(id string) (*history.Item, error)
	Search(query string) []*history.Item
	Stats() history.Stats
}

// HealthCheck reports whether one dependency is reachable.
type HealthCheck func(ctx context.Context) error

// ServerConfig wires the API to the worker's components.
type ServerConfig struct {
	Addr           string
	Enqueuer       JobEnqueuer
	Jobs           JobReader
	History        HistoryReader
	HealthChecks   map[string]HealthCheck
	AllowedOrigins []string
}

// Server is the admin HTTP API.
type Server struct {
	httpServer *http.Server
	enqueuer   JobEnqueuer
	jobs       JobReader
	history    HistoryReader
	checks     map[string]HealthCheck
	validate   *validator.Validate
	logger     *logging.Logger
}

// NewServer creates the API server. It does not start listening.
func NewServer(cfg *ServerConfig) (*Server, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("Addr is required")
	}

	if cfg.Enqueuer == nil {
		return nil, fmt.Errorf("Enqueuer is required")
	}

	if cfg.Jobs == nil {
		return nil, fmt.Errorf("Jobs is required")
	}

	if cfg.History == nil {
		return nil, fmt.Errorf("History is required")
	}

	s := &Server{
		enqueuer: cfg.Enqueuer,
		jobs:     cfg.Jobs,
		history:  cfg.History,
		checks:   cfg.HealthChecks,
		validate: newValidator(),
		logger:   logging.NewLogger("HTTPAPI"),
	}

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		MaxAge:         300,
	}))

	r.Get("/healthz", s.handleHealthz)
	r.Route("/v1", func(r chi.Router) {
		r.Post("/jobs", s.handleSubmitJob)
		r.Get("/jobs/{jobID}", s.handleGetJob)
		r.Get("/history", s.handleSearchHistory)
		r.Get("/history/{itemID}", s.handleGetHistoryItem)
		r.Get("/stats", s.handleStats)
	})

	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s, nil
}

// newValidator builds the request validator with json field names in messages.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		tag := fld.Tag.Get("json")
		if tag == "-" || tag == "" {
			return fld.Name
		}
		if idx := strings.Index(tag, ","); idx >= 0 {
			tag = tag[:idx]
		}
		return tag
	})
	return v
}

// Start begins serving in the background.
func (s *Server) Start() {
	s.logger.Info("Starting HTTP API", "addr", s.httpServer.Addr)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP API server error", "error", err)
		}
	}()
}

// Shutdown stops the server, waiting for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Stopping HTTP API")
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// SubmitJobRequest is the POST /v1/jobs body.
type SubmitJobRequest struct {
	JobID               string    `json:"jobId" validate:"omitempty,max=128"`
	ImageURLs           []string  `json:"imageUrls" validate:"required,min=1,max=500,dive,url"`
	Backend             string    `json:"backend" validate:"omitempty,max=32"`
	Languages           []string  `json:"languages" validate:"omitempty,max=16,dive,min=2,max=16"`
	ConfidenceThreshold float64   `json:"confidenceThreshold" validate:"gte=0,lte=1"`
	Region              *ocr.Rect `json:"region"`
	Tags                []string  `json:"tags" validate:"omitempty,max=32,dive,min=1,max=64"`
}

// SubmitJobResponse acknowledges an accepted job.
type SubmitJobResponse struct {
	JobID  string `json:"jobId"`
	Status string `json:"status"`
	Total  int    `json:"total"`
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	var req SubmitJobRequest
	if err := dec.Decode(&req); err != nil {
		s.respondError(w, r, errors.NewInvalidRequestError(fmt.Sprintf("invalid JSON body: %v", err)))
		return
	}

	if err := s.validate.Struct(req); err != nil {
		s.respondError(w, r, errors.NewInvalidRequestError(validationMessage(err)))
		return
	}

	if req.Backend != "" {
		if _, err := ocr.ParseBackendKind(req.Backend); err != nil {
			s.respondError(w, r, errors.NewInvalidRequestError(err.Error()))
			return
		}
	}

	if req.Region != nil && req.Region.IsEmpty() {
		s.respondError(w, r, errors.NewInvalidRequestError("region must have positive width and height"))
		return
	}

	payload := &queue.BulkTaskPayload{
		JobID:               req.JobID,
		ImageURLs:           req.ImageURLs,
		Backend:             req.Backend,
		Languages:           req.Languages,
		ConfidenceThreshold: req.ConfidenceThreshold,
		Region:              req.Region,
		Tags:                req.Tags,
	}

	jobID, err := s.enqueuer.EnqueueBulkJob(r.Context(), payload)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	s.logger.Info("Accepted bulk job", "jobId", jobID, "images", len(req.ImageURLs))
	s.respondJSON(w, http.StatusAccepted, SubmitJobResponse{
		JobID:  jobID,
		Status: "queued",
		Total:  len(req.ImageURLs),
	})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	record, err := s.jobs.GetJob(r.Context(), jobID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	s.respondJSON(w, http.StatusOK, record)
}

// historyItemView is the list projection of a history item. Full items,
// including recognized regions, come from the single-item endpoint.
type historyItemView struct {
	ID             string    `json:"id"`
	FullText       string    `json:"fullText"`
	Confidence     float64   `json:"confidence"`
	Backend        string    `json:"backend"`
	ImageHash      string    `json:"imageHash"`
	Tags           []string  `json:"tags"`
	Pinned         bool      `json:"pinned"`
	Note           string    `json:"note,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	LastAccessedAt time.Time `json:"lastAccessedAt"`
}

func (s *Server) handleSearchHistory(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")

	limit := defaultSearchLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			s.respondError(w, r, errors.NewInvalidRequestError(fmt.Sprintf("limit must be a positive integer, got %q", raw)))
			return
		}
		if parsed > maxSearchLimit {
			parsed = maxSearchLimit
		}
		limit = parsed
	}

	items := s.history.Search(query)
	total := len(items)
	if len(items) > limit {
		items = items[:limit]
	}

	views := make([]historyItemView, 0, len(items))
	for _, item := range items {
		view := historyItemView{
			ID:             item.ID,
			ImageHash:      item.ImageHash,
			Tags:           item.Tags,
			Pinned:         item.Pinned,
			Note:           item.Note,
			CreatedAt:      item.CreatedAt,
			LastAccessedAt: item.LastAccessedAt,
		}
		if item.Result != nil {
			view.FullText = item.Result.FullText
			view.Confidence = item.Result.Confidence
			view.Backend = string(item.Result.Backend)
		}
		views = append(views, view)
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"items": views,
		"total": total,
	})
}

func (s *Server) handleGetHistoryItem(w http.ResponseWriter, r *http.Request) {
	itemID := chi.URLParam(r, "itemID")

	item, err := s.history.Get(itemID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	s.respondJSON(w, http.StatusOK, item)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	queueStats, err := s.jobs.Stats(r.Context())
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"queue":   queueStats,
		"history": s.history.Stats(),
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	components := make(map[string]string, len(s.checks))
	healthy := true

	for name, check := range s.checks {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		err := check(ctx)
		cancel()

		if err != nil {
			components[name] = err.Error()
			healthy = false
			continue
		}
		components[name] = "ok"
	}

	status := "ok"
	code := http.StatusOK
	if !healthy {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	s.respondJSON(w, code, map[string]interface{}{
		"status":     status,
		"components": components,
	})
}

// respondJSON writes v as the JSON response body.
func (s *Server) respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response", "error", err)
	}
}

// respondError maps an error to its HTTP status and writes the error body.
func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	code := errors.ErrorCode("INTERNAL")
	message := err.Error()

	if ocrErr, ok := errors.AsOCRError(err); ok {
		code = ocrErr.Code
		message = ocrErr.Message
	}

	status := httpStatusFor(code)
	if status >= http.StatusInternalServerError {
		s.logger.Error("Request failed", "method", r.Method, "path", r.URL.Path, "code", string(code), "error", err)
	}

	s.respondJSON(w, status, map[string]interface{}{
		"error": map[string]string{
			"code":    string(code),
			"message": message,
		},
	})
}

// httpStatusFor translates recognition error codes to HTTP statuses.
func httpStatusFor(code errors.ErrorCode) int {
	switch code {
	case errors.ErrorNotFound:
		return http.StatusNotFound
	case errors.ErrorInvalidRequest:
		return http.StatusBadRequest
	case errors.ErrorRateLimit:
		return http.StatusTooManyRequests
	case errors.ErrorQueueFailed, errors.ErrorStorageFailed:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// validationMessage extracts the first field failure as a readable message.
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if stderrors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		if fe.Param() != "" {
			return fmt.Sprintf("%s failed on the %s=%s rule", fe.Field(), fe.Tag(), fe.Param())
		}
		return fmt.Sprintf("%s failed on the %s rule", fe.Field(), fe.Tag())
	}
	return err.Error()
}
