// internal/api/handler.go
package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"

	custom_errors "github-star-mirror/internal/errors"
	"github-star-mirror/internal/ledger"
	"github-star-mirror/internal/metrics"
	"github-star-mirror/internal/model"
	"github-star-mirror/internal/syncer"
	"github-star-mirror/internal/webhook"
)

const (
	requestTimeout = 60 * time.Second
	pingTimeout    = 5 * time.Second
)

// Processor runs a validated star event through the sync pipeline.
type Processor interface {
	Process(ctx context.Context, ev *model.StarEvent, d model.Delivery) (*syncer.Outcome, error)
}

// Options carries the service identity and HTTP toggles.
type Options struct {
	AppName     string
	Version     string
	Environment string
	// WebhookRateLimit is the number of webhook requests allowed per client IP
	// per minute. Zero disables the limit.
	WebhookRateLimit  int
	CORSEnabled       bool
	PrometheusEnabled bool
}

// Handler is the container for API dependencies.
type Handler struct {
	store     ledger.Ledger
	validator *webhook.Validator
	processor Processor
	metrics   *metrics.Recorder
	logger    *slog.Logger
	opts      Options
}

// NewRouter creates and configures a new chi router with all API routes.
func NewRouter(store ledger.Ledger, validator *webhook.Validator, processor Processor, rec *metrics.Recorder, logger *slog.Logger, opts Options) http.Handler {
	h := &Handler{
		store:     store,
		validator: validator,
		processor: processor,
		metrics:   rec,
		logger:    logger,
		opts:      opts,
	}

	r := chi.NewRouter()

	// Middleware stack
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger) // Chi's default logger
	r.Use(middleware.Recoverer)
	if opts.CORSEnabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"*"},
			MaxAge:         300,
		}))
	}

	// A sync runs for as long as its transfer takes, so the webhook route has no
	// request timeout of its own.
	r.Group(func(r chi.Router) {
		if opts.WebhookRateLimit > 0 {
			r.Use(httprate.LimitByIP(opts.WebhookRateLimit, time.Minute))
		}
		r.Post("/webhooks/github", h.githubWebhook)
	})

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(requestTimeout))

		r.Get("/", h.root)
		r.Get("/health", h.healthCheck)
		if opts.PrometheusEnabled {
			r.Method(http.MethodGet, "/metrics", rec.Handler())
		}
		r.Get("/metrics/summary", h.metricsSummary)

		r.Route("/v1", func(r chi.Router) {
			r.Get("/repositories", h.listRepositories)
			r.Get("/repositories/{id}", h.getRepository)
			r.Get("/repositories/{id}/logs", h.getRepositoryLogs)
		})
	})

	return r
}

func (h *Handler) root(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{
		"service": h.opts.AppName,
		"version": h.opts.Version,
		"docs":    "/v1/repositories",
		"health":  "/health",
	})
}

// healthCheck reports service identity and database connectivity.
// An unreachable database answers 503 so load balancers take the instance out.
func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	db := h.databaseStatus(r.Context())
	status, code := "healthy", http.StatusOK
	if db != "connected" {
		status, code = "unhealthy", http.StatusServiceUnavailable
	}
	respondWithJSON(w, code, map[string]string{
		"status":      status,
		"version":     h.opts.Version,
		"environment": h.opts.Environment,
		"database":    db,
	})
}

// metricsSummary is a JSON digest of the ledger and in-flight syncs.
// GET /metrics/summary
func (h *Handler) metricsSummary(w http.ResponseWriter, r *http.Request) {
	counts, err := h.store.CountByStatus(r.Context())
	if err != nil {
		h.logger.Error("Failed to count repositories", "error", err)
		respondWithError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	repos := map[string]int64{}
	var total int64
	for _, st := range model.AllStatuses {
		repos[string(st)] = counts[st]
		total += counts[st]
	}
	repos["total"] = total

	db := h.databaseStatus(r.Context())
	respondWithJSON(w, http.StatusOK, map[string]any{
		"database": map[string]any{
			"status":  db,
			"healthy": db == "connected",
		},
		"repositories": repos,
		"sync_operations": map[string]int64{
			"active": h.metrics.ActiveSyncs(),
		},
	})
}

// listRepositories returns the most recently updated sync records.
// GET /v1/repositories?status=S&limit=N
func (h *Handler) listRepositories(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r, ledger.DefaultListLimit)
	if !ok {
		return
	}
	status := model.SyncStatus(r.URL.Query().Get("status"))
	if status != "" && !status.Valid() {
		respondWithError(w, http.StatusBadRequest, "Invalid 'status' parameter. Must be one of pending, in_progress, cloning, completed, failed.")
		return
	}

	repos, err := h.store.List(r.Context(), ledger.ListFilter{Status: status, Limit: limit})
	if err != nil {
		h.logger.Error("Failed to list repositories", "error", err)
		respondWithError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	respondWithJSON(w, http.StatusOK, repos)
}

// getRepository handles the request to retrieve one sync record.
// GET /v1/repositories/{id}
func (h *Handler) getRepository(w http.ResponseWriter, r *http.Request) {
	repo, ok := h.loadRepository(w, r)
	if !ok {
		return
	}
	respondWithJSON(w, http.StatusOK, repo)
}

// getRepositoryLogs handles the request for a repository's sync history, newest first.
// GET /v1/repositories/{id}/logs?limit=N
func (h *Handler) getRepositoryLogs(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r, ledger.DefaultListLimit)
	if !ok {
		return
	}
	repo, ok := h.loadRepository(w, r)
	if !ok {
		return
	}

	logs, err := h.store.ListLogs(r.Context(), repo.ID, limit)
	if err != nil {
		h.logger.Error("Failed to list sync logs", "repo_id", repo.ID, "error", err)
		respondWithError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	respondWithJSON(w, http.StatusOK, logs)
}

func (h *Handler) loadRepository(w http.ResponseWriter, r *http.Request) (*model.RepositorySync, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		respondWithError(w, http.StatusBadRequest, "Invalid repository id")
		return nil, false
	}
	repo, err := h.store.Get(r.Context(), id)
	if err != nil {
		if custom_errors.IsNotFound(err) {
			respondWithError(w, http.StatusNotFound, "Repository not found")
			return nil, false
		}
		h.logger.Error("Failed to get repository", "repo_id", id, "error", err)
		respondWithError(w, http.StatusInternalServerError, "Internal server error")
		return nil, false
	}
	return repo, true
}

func (h *Handler) databaseStatus(ctx context.Context) string {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := h.store.Ping(ctx); err != nil {
		h.logger.Warn("Database ping failed", "error", err)
		return "disconnected"
	}
	return "connected"
}

func parseLimit(w http.ResponseWriter, r *http.Request, def int) (int, bool) {
	limitStr := r.URL.Query().Get("limit")
	if limitStr == "" {
		return def, true
	}
	limit, err := strconv.Atoi(limitStr)
	if err != nil || limit <= 0 || limit > ledger.MaxListLimit {
		respondWithError(w, http.StatusBadRequest, "Invalid 'limit' parameter. Must be an integer between 1 and 100.")
		return 0, false
	}
	return limit, true
}
