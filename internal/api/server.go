package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"marketvane/internal/logging"
	"marketvane/internal/metrics"
	"marketvane/internal/pipeline"
	"marketvane/internal/serp"
	"marketvane/internal/types"
)

// RunService is the slice of the pipeline service the API drives.
// *pipeline.Service satisfies it.
type RunService interface {
	Start(cfg *types.PipelineConfig) (string, error)
	Resume(runID string) error
	Cancel(runID string) error
	Get(runID string) (*pipeline.RunDetail, error)
	Recent(limit int) ([]*types.PipelineRun, error)
	ClearHistory() (int64, error)
}

// WebhookSink ingests a serp batch notification pushed by the provider.
// *serp.Collector satisfies it.
type WebhookSink interface {
	ProcessWebhookBatch(ctx context.Context, runID string, ct types.ContentType, rs serp.ResultSet) (int, error)
}

// Server assembles the REST routes, the serp webhook receiver and the
// websocket hub behind one http.Handler. The caller owns the http.Server
// wrapped around it.
type Server struct {
	svc        RunService
	hub        *Hub
	webhooks   WebhookSink
	metrics    *metrics.Metrics
	adminToken string
}

func NewServer(svc RunService, hub *Hub, webhooks WebhookSink, m *metrics.Metrics, adminToken string) *Server {
	return &Server{svc: svc, hub: hub, webhooks: webhooks, metrics: m, adminToken: adminToken}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/healthz", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}
	if s.hub != nil {
		r.Get("/ws", s.hub.ServeWS)
	}

	r.Route("/pipelines", func(r chi.Router) {
		r.Post("/", s.handleStart)
		r.Get("/recent", s.handleRecent)
		r.With(s.requireAdmin).Delete("/", s.handleClear)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGet)
			r.Post("/resume", s.handleResume)
			r.Post("/cancel", s.handleCancel)
		})
	})

	if s.webhooks != nil {
		r.Post("/webhooks/serp", s.handleSerpWebhook)
	}
	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		logging.APIDebug("%s %s -> %d in %s", r.Method, r.URL.Path, ww.Status(), time.Since(start).Round(time.Millisecond))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// handleStart launches a run from the posted config. Unrecognized JSON
// keys are rejected so a misspelled option fails loudly instead of
// silently running with defaults.
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var cfg types.PipelineConfig
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	runID, err := s.svc.Start(&cfg)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"run_id": runID})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	detail, err := s.svc.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.svc.Resume(id); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"run_id": id, "status": "resuming"})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.svc.Cancel(id); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"run_id": id, "status": "cancelling"})
}

func (s *Server) handleRecent(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	runs, err := s.svc.Recent(limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleClear(w http.ResponseWriter, _ *http.Request) {
	n, err := s.svc.ClearHistory()
	if err != nil {
		writeServiceError(w, err)
		return
	}
	logging.API("Run history cleared: %d run(s) deleted", n)
	writeJSON(w, http.StatusOK, map[string]any{"deleted": n})
}

// requireAdmin gates destructive endpoints behind a bearer token. With no
// token configured the endpoints stay disabled outright.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.adminToken == "" {
			writeError(w, http.StatusForbidden, "admin endpoints are disabled: no admin token configured")
			return
		}
		got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.adminToken)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid admin token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// serpNotification is the provider's push payload. Only the fields the
// collector needs to fetch results survive decoding.
type serpNotification struct {
	ResultSet struct {
		ID            json.Number `json:"id"`
		DownloadLinks struct {
			CSV struct {
				Pages []string `json:"pages"`
			} `json:"csv"`
			JSON struct {
				Pages []string `json:"pages"`
			} `json:"json"`
		} `json:"download_links"`
	} `json:"result_set"`
}

// handleSerpWebhook accepts the provider's batch-completed push. The run
// and content type travel as query parameters stamped onto the webhook URL
// at batch creation; the body carries the result set download links.
func (s *Server) handleSerpWebhook(w http.ResponseWriter, r *http.Request) {
	runID := r.URL.Query().Get("run_id")
	ct := types.ContentType(r.URL.Query().Get("content_type"))
	if runID == "" || ct == "" {
		writeError(w, http.StatusBadRequest, "run_id and content_type query parameters are required")
		return
	}
	var payload serpNotification
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid webhook payload: "+err.Error())
		return
	}
	rs := serp.ResultSet{
		ID: payload.ResultSet.ID.String(),
		Links: serp.DownloadLinks{
			CSVPages:  payload.ResultSet.DownloadLinks.CSV.Pages,
			JSONPages: payload.ResultSet.DownloadLinks.JSON.Pages,
		},
	}
	n, err := s.webhooks.ProcessWebhookBatch(r.Context(), runID, ct, rs)
	if err != nil {
		logging.APIError("Webhook ingest failed for run %s (%s): %v", runID, ct, err)
		writeServiceError(w, err)
		return
	}
	logging.API("Webhook ingested %d %s result(s) for run %s", n, ct, runID)
	writeJSON(w, http.StatusOK, map[string]any{"ingested": n})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.APIWarn("Cannot write response body: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}

// writeServiceError maps service errors onto HTTP statuses. The store
// reports missing runs with a plain "not found" error, hence the one
// string check.
func writeServiceError(w http.ResponseWriter, err error) {
	var perr *types.PipelineError
	switch {
	case errors.As(err, &perr) && perr.Category == types.CatValidation:
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &perr) && perr.Category == types.CatNotFound:
		writeError(w, http.StatusNotFound, err.Error())
	case strings.Contains(err.Error(), "not found"):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, pipeline.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, pipeline.ErrShuttingDown):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
